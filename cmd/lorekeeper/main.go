package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"lorekeeper/internal/classify"
	"lorekeeper/internal/config"
	"lorekeeper/internal/logging"
	"lorekeeper/internal/lore"
	"lorekeeper/internal/oracle"
	"lorekeeper/internal/organize"
	"lorekeeper/internal/scan"
	"lorekeeper/internal/store"
	"lorekeeper/internal/tasks"
)

var (
	// Global flags
	verbose   bool
	workspace string
	timeout   time.Duration

	// Logger
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "lorekeeper",
	Short: "lorekeeper - LLM-assisted lorebook curation",
	Long: `lorekeeper curates a lorebook (characters, locations, items, factions,
concepts) from an ongoing story using an LLM as an extraction oracle.

Scans propose new entries, identity merges, and updates; nothing is applied
until you approve it. Run "lorekeeper scan" on new story text, review with
"lorekeeper pending", and tidy the whole book with "lorekeeper organize".`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		if err := logging.Initialize(resolveWorkspace()); err != nil {
			logger.Warn("file logging disabled", zap.Error(err))
		}
		logging.Boot("lorekeeper %s starting", cmd.CalledAs())
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.CloseAll()
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

var (
	relationshipsOnly bool
	autoGate          bool
)

var scanCmd = &cobra.Command{
	Use:   "scan [story-file]",
	Short: "Scan story text and propose lorebook mutations",
	Long: `Runs the full curation pipeline over a story-text snapshot: identify
elements, draft new entries, resolve identity merges, detect updates, and
propose reformats and renames. Reads the story from the given file, or from
stdin when no file is given. Proposals land in the pending queue.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runScan,
}

var applyCleanups bool

var organizeCmd = &cobra.Command{
	Use:   "organize",
	Short: "Classify, deduplicate, and recategorize the whole lorebook",
	Long: `Runs the batch cleanup pipeline over every existing entry and prints
the resulting proposals with their keys. With --apply the proposals are
executed immediately; otherwise apply or dismiss them individually with
"lorekeeper cleanup".`,
	RunE: runOrganize,
}

var pendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List pending proposals awaiting review",
	RunE:  runPendingList,
}

var approveCmd = &cobra.Command{
	Use:   "approve {entry|merge|update} [id]",
	Short: "Approve a pending proposal",
	Args:  cobra.ExactArgs(2),
	RunE:  makeResolveCmd(true),
}

var rejectCmd = &cobra.Command{
	Use:   "reject {entry|merge|update} [id]",
	Short: "Reject a pending proposal",
	Long: `Rejects a pending proposal. Rejected entry names, merge pairs, and
update targets are remembered so future scans stop re-proposing them.`,
	Args: cobra.ExactArgs(2),
	RunE: makeResolveCmd(false),
}

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Manage organize proposals",
}

var cleanupDismissCmd = &cobra.Command{
	Use:   "dismiss [key]",
	Short: "Dismiss an organize proposal permanently",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStore()
		if err != nil {
			return err
		}
		defer s.Close()
		if err := s.DismissCleanup(args[0]); err != nil {
			return err
		}
		fmt.Printf("Dismissed %s\n", args[0])
		return nil
	},
}

var cleanupListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dismissed cleanup keys",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStore()
		if err != nil {
			return err
		}
		defer s.Close()
		dismissed, err := s.DismissedCleanups()
		if err != nil {
			return err
		}
		if len(dismissed) == 0 {
			fmt.Println("No dismissed cleanups.")
			return nil
		}
		for key := range dismissed {
			fmt.Println(key)
		}
		return nil
	},
}

var generateCmd = &cobra.Command{
	Use:   "generate [instruction]",
	Short: "Draft entries from a freeform instruction",
	Long: `Drafts one or more entries directly from your instruction, bypassing
the scan pipeline. The drafts land in the pending queue like any scan
proposal.

Example:
  lorekeeper generate "add an entry for the Ember Pact, a smugglers' guild"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runGenerate,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", "", "Workspace directory (default: current)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 5*time.Minute, "Operation timeout")

	scanCmd.Flags().BoolVar(&relationshipsOnly, "relationships-only", false, "Only detect family/relationship changes")
	scanCmd.Flags().BoolVar(&autoGate, "auto", false, "Record the input as new story text and scan only once enough has accumulated")
	organizeCmd.Flags().BoolVar(&applyCleanups, "apply", false, "Apply all proposals immediately")

	cleanupCmd.AddCommand(cleanupDismissCmd)
	cleanupCmd.AddCommand(cleanupListCmd)

	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(organizeCmd)
	rootCmd.AddCommand(pendingCmd)
	rootCmd.AddCommand(approveCmd)
	rootCmd.AddCommand(rejectCmd)
	rootCmd.AddCommand(cleanupCmd)
	rootCmd.AddCommand(generateCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func resolveWorkspace() string {
	if workspace != "" {
		return workspace
	}
	cwd, _ := os.Getwd()
	return cwd
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(config.DefaultPath(resolveWorkspace()))
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func openStore() (*store.Store, error) {
	return store.Open(filepath.Join(resolveWorkspace(), ".lorekeeper"))
}

// newProviderClient builds an oracle client from one provider slot.
func newProviderClient(p config.ProviderConfig) (oracle.Client, error) {
	switch p.Provider {
	case "anthropic":
		c := oracle.DefaultAnthropicConfig(p.APIKey)
		if p.Model != "" {
			c.Model = p.Model
		}
		if p.BaseURL != "" {
			c.BaseURL = p.BaseURL
		}
		c.Timeout = p.GetTimeout()
		return oracle.NewAnthropicClientWithConfig(c), nil
	case "openai":
		c := oracle.DefaultOpenAIConfig(p.APIKey)
		if p.Model != "" {
			c.Model = p.Model
		}
		if p.BaseURL != "" {
			c.BaseURL = p.BaseURL
		}
		c.Timeout = p.GetTimeout()
		return oracle.NewOpenAIClientWithConfig(c), nil
	default:
		return nil, fmt.Errorf("unknown provider %q", p.Provider)
	}
}

// buildRunner wires the hybrid provider wrapper and task runner from config.
func buildRunner(cfg *config.Config) (*tasks.Runner, *oracle.Hybrid, error) {
	primary, err := newProviderClient(cfg.Oracle.Primary)
	if err != nil {
		return nil, nil, fmt.Errorf("primary provider: %w", err)
	}
	var secondary oracle.Client
	if cfg.Curation.HybridEnabled && cfg.Oracle.Secondary.Enabled() {
		secondary, err = newProviderClient(cfg.Oracle.Secondary)
		if err != nil {
			return nil, nil, fmt.Errorf("secondary provider: %w", err)
		}
	}
	hybrid := oracle.NewHybrid(primary, secondary)
	runner := tasks.NewRunner(hybrid, cfg.Curation.Temperature, cfg.Curation.DetailLevel)
	return runner, hybrid, nil
}

func commandContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("Received shutdown signal")
		cancel()
	}()
	return ctx, cancel
}

func runScan(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext()
	defer cancel()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	runner, hybrid, err := buildRunner(cfg)
	if err != nil {
		return err
	}
	s, err := openStore()
	if err != nil {
		return err
	}
	defer s.Close()

	story, err := readStory(args)
	if err != nil {
		return err
	}
	if autoGate {
		if err := s.AddStoryChars(len(story)); err != nil {
			return err
		}
	}
	entries, err := s.ListEntries()
	if err != nil {
		return err
	}
	state, err := s.LoadState()
	if err != nil {
		return err
	}
	if autoGate && !scan.ShouldAutoScan(cfg.Curation, state) {
		fmt.Printf("Auto-scan not due: %d of %d new chars accumulated (autoScan: %v)\n",
			state.CharsSinceScan, cfg.Curation.MinNewCharsForScan, cfg.Curation.AutoScan)
		return nil
	}

	progress := func(p scan.Progress) {
		logger.Debug("scan progress",
			zap.String("phase", p.Phase),
			zap.Int("entries", p.PendingEntries),
			zap.Int("merges", p.PendingMerges),
			zap.Int("updates", p.PendingUpdates))
	}
	orch := scan.New(runner, hybrid, cfg.Curation, progress)
	newState, sum := orch.Scan(ctx, story, entries, state, scan.Options{RelationshipsOnly: relationshipsOnly})
	if err := s.SaveState(newState); err != nil {
		return err
	}

	if sum.Skipped != "" {
		fmt.Printf("Scan skipped: %s\n", sum.Skipped)
		return nil
	}
	fmt.Printf("Scan complete: %d identified, %d excluded\n", sum.Identified, sum.Excluded)
	fmt.Printf("  new entries:          %d\n", sum.NewEntries)
	fmt.Printf("  identity merges:      %d\n", sum.Merges)
	fmt.Printf("  updates:              %d\n", sum.Updates)
	fmt.Printf("  relationship updates: %d\n", sum.RelationshipUpdates)
	fmt.Printf("  reformats:            %d\n", sum.Reformats)
	fmt.Printf("  renames:              %d\n", sum.NameUpdates)
	fmt.Println("Review with: lorekeeper pending")
	return nil
}

func readStory(args []string) (string, error) {
	if len(args) == 1 {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return "", fmt.Errorf("failed to read story file: %w", err)
		}
		return string(data), nil
	}
	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return "", fmt.Errorf("failed to read story from stdin: %w", err)
	}
	return string(data), nil
}

func runOrganize(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext()
	defer cancel()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	runner, _, err := buildRunner(cfg)
	if err != nil {
		return err
	}
	s, err := openStore()
	if err != nil {
		return err
	}
	defer s.Close()

	entries, err := s.ListEntries()
	if err != nil {
		return err
	}
	dismissed, err := s.DismissedCleanups()
	if err != nil {
		return err
	}

	org := organize.New(runner, classify.New(), nil)
	cleanups, sum := org.Organize(ctx, entries, dismissed)

	fmt.Printf("Organize complete: %d entries, %d duplicate pairs checked\n", sum.Entries, sum.DuplicatePairs)
	if len(cleanups) == 0 {
		fmt.Println("Nothing to clean up.")
		return nil
	}
	for _, c := range cleanups {
		switch c.Kind {
		case lore.CleanupDuplicate:
			fmt.Printf("  [%s] merge %s into %s (%s)\n", c.Key(), c.RemoveID, c.KeepID, c.Reason)
		default:
			fmt.Printf("  [%s] move %q to %s (%s)\n", c.Key(), c.EntryName, c.TargetCategory, c.Reason)
		}
		if applyCleanups {
			if err := s.ApplyCleanup(c); err != nil {
				return err
			}
		}
	}
	if applyCleanups {
		fmt.Printf("Applied %d cleanups.\n", len(cleanups))
	} else {
		fmt.Println("Re-run with --apply, or dismiss with: lorekeeper cleanup dismiss <key>")
	}
	return nil
}

func runPendingList(cmd *cobra.Command, args []string) error {
	s, err := openStore()
	if err != nil {
		return err
	}
	defer s.Close()

	st, err := s.LoadState()
	if err != nil {
		return err
	}
	total := len(st.PendingEntries) + len(st.PendingMerges) + len(st.PendingUpdates)
	if total == 0 {
		fmt.Println("Nothing pending.")
		return nil
	}

	for _, p := range st.PendingEntries {
		fmt.Printf("entry  %s  %-10s %q (confidence %d)\n", p.ID, p.Category, p.DisplayName, p.Confidence)
	}
	for _, m := range st.PendingMerges {
		fmt.Printf("merge  %s  %q -> %q\n", m.ID, m.ElementName, m.TargetName)
	}
	for _, u := range st.PendingUpdates {
		kind := "update"
		switch {
		case u.RelationshipOnly:
			kind = "relationships"
		case u.Reformat:
			kind = "reformat"
		case u.NamePropagation:
			kind = "rename"
		}
		fmt.Printf("update %s  %q (%s)\n", u.ID, u.EntryName, kind)
	}
	fmt.Printf("\n%d pending. Resolve with: lorekeeper approve|reject {entry|merge|update} <id>\n", total)
	return nil
}

// makeResolveCmd builds the approve and reject handlers; both dispatch on
// the proposal kind.
func makeResolveCmd(approve bool) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		s, err := openStore()
		if err != nil {
			return err
		}
		defer s.Close()

		kind, id := args[0], args[1]
		switch {
		case kind == "entry" && approve:
			err = s.ApproveEntry(id)
		case kind == "entry":
			err = s.RejectEntry(id)
		case kind == "merge" && approve:
			err = s.ApproveMerge(id)
		case kind == "merge":
			err = s.RejectMerge(id)
		case kind == "update" && approve:
			err = s.ApproveUpdate(id)
		case kind == "update":
			err = s.RejectUpdate(id)
		default:
			return fmt.Errorf("unknown proposal kind %q (want entry, merge, or update)", kind)
		}
		if err != nil {
			return err
		}
		if approve {
			fmt.Printf("Approved %s %s\n", kind, id)
		} else {
			fmt.Printf("Rejected %s %s\n", kind, id)
		}
		return nil
	}
}

func runGenerate(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext()
	defer cancel()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	runner, _, err := buildRunner(cfg)
	if err != nil {
		return err
	}
	s, err := openStore()
	if err != nil {
		return err
	}
	defer s.Close()

	entries, err := s.ListEntries()
	if err != nil {
		return err
	}
	state, err := s.LoadState()
	if err != nil {
		return err
	}

	instruction := joinArgs(args)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.DisplayName)
	}
	drafts := runner.GenerateEntriesFromPrompt(ctx, instruction, names)
	if len(drafts) == 0 {
		fmt.Println("No entries drafted.")
		return nil
	}

	st := state.Clone()
	for _, d := range drafts {
		st.PendingEntries = append(st.PendingEntries, lore.PendingEntry{
			ID:          uuid.NewString(),
			Category:    lore.ParseCategory(d.Category),
			DisplayName: d.DisplayName,
			Keys:        d.Keys,
			Text:        d.Text,
			Confidence:  d.Confidence,
			CreatedAt:   time.Now(),
		})
		fmt.Printf("Drafted %s entry %q\n", d.Category, d.DisplayName)
	}
	if err := s.SaveState(st); err != nil {
		return err
	}
	fmt.Println("Review with: lorekeeper pending")
	return nil
}

func joinArgs(args []string) string {
	out := ""
	for i, a := range args {
		if i > 0 {
			out += " "
		}
		out += a
	}
	return out
}
