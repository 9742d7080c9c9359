// Package store persists the lorebook and scan state in sqlite. It is the
// reviewer's side of the pipeline: pending proposals accumulated by scans
// are approved or rejected here, and only approval mutates real entries.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"lorekeeper/internal/logging"
	"lorekeeper/internal/lore"
)

// Store manages the lorebook database.
type Store struct {
	db     *sql.DB
	dbPath string
	mu     sync.RWMutex
}

// Open creates or opens the lorebook store under dir.
func Open(dir string) (*Store, error) {
	dbPath := filepath.Join(dir, "lorebook.db")

	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &Store{db: db, dbPath: dbPath}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.dbPath
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS entries (
		id TEXT PRIMARY KEY,
		category TEXT NOT NULL,
		display_name TEXT NOT NULL,
		keys_json TEXT,
		text TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_entries_category ON entries(category);
	CREATE INDEX IF NOT EXISTS idx_entries_name ON entries(display_name);

	-- Single-row scan state snapshot; pending proposals live here until
	-- the reviewer resolves them.
	CREATE TABLE IF NOT EXISTS scan_state (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		pending_entries_json TEXT,
		pending_merges_json TEXT,
		pending_updates_json TEXT,
		rejected_names_json TEXT,
		rejected_merge_pairs_json TEXT,
		dismissed_update_names_json TEXT,
		chars_since_scan INTEGER NOT NULL DEFAULT 0,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS dismissed_cleanups (
		key TEXT PRIMARY KEY,
		dismissed_at DATETIME NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// ENTRY OPERATIONS
// =============================================================================

// ListEntries returns all lorebook entries ordered by creation time.
func (s *Store) ListEntries() ([]lore.LorebookEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, category, display_name, keys_json, text, created_at
		FROM entries ORDER BY created_at, id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list entries: %w", err)
	}
	defer rows.Close()

	var entries []lore.LorebookEntry
	for rows.Next() {
		var e lore.LorebookEntry
		var keysJSON sql.NullString
		if err := rows.Scan(&e.ID, &e.Category, &e.DisplayName, &keysJSON, &e.Text, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan entry: %w", err)
		}
		if keysJSON.Valid {
			json.Unmarshal([]byte(keysJSON.String), &e.Keys)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// GetEntry returns one entry, or nil when it does not exist.
func (s *Store) GetEntry(id string) (*lore.LorebookEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getEntry(id)
}

func (s *Store) getEntry(id string) (*lore.LorebookEntry, error) {
	var e lore.LorebookEntry
	var keysJSON sql.NullString
	err := s.db.QueryRow(`
		SELECT id, category, display_name, keys_json, text, created_at
		FROM entries WHERE id = ?
	`, id).Scan(&e.ID, &e.Category, &e.DisplayName, &keysJSON, &e.Text, &e.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load entry: %w", err)
	}
	if keysJSON.Valid {
		json.Unmarshal([]byte(keysJSON.String), &e.Keys)
	}
	return &e, nil
}

// PutEntry inserts or updates an entry.
func (s *Store) PutEntry(e lore.LorebookEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.putEntry(e)
}

func (s *Store) putEntry(e lore.LorebookEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	keysJSON, _ := json.Marshal(e.Keys)
	_, err := s.db.Exec(`
		INSERT INTO entries (id, category, display_name, keys_json, text, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			category = excluded.category,
			display_name = excluded.display_name,
			keys_json = excluded.keys_json,
			text = excluded.text
	`, e.ID, e.Category, e.DisplayName, keysJSON, e.Text, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save entry: %w", err)
	}
	return nil
}

// DeleteEntry removes an entry.
func (s *Store) DeleteEntry(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.Exec(`DELETE FROM entries WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete entry: %w", err)
	}
	return nil
}

// =============================================================================
// SCAN STATE
// =============================================================================

// LoadState returns the persisted scan state, or a fresh one when none has
// been saved yet.
func (s *Store) LoadState() (*lore.ScanState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loadState()
}

func (s *Store) loadState() (*lore.ScanState, error) {
	var st lore.ScanState
	var pendingEntries, pendingMerges, pendingUpdates sql.NullString
	var rejectedNames, rejectedPairs, dismissedNames sql.NullString

	err := s.db.QueryRow(`
		SELECT pending_entries_json, pending_merges_json, pending_updates_json,
			rejected_names_json, rejected_merge_pairs_json,
			dismissed_update_names_json, chars_since_scan
		FROM scan_state WHERE id = 1
	`).Scan(&pendingEntries, &pendingMerges, &pendingUpdates,
		&rejectedNames, &rejectedPairs, &dismissedNames, &st.CharsSinceScan)
	if err == sql.ErrNoRows {
		return &lore.ScanState{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load scan state: %w", err)
	}

	if pendingEntries.Valid {
		json.Unmarshal([]byte(pendingEntries.String), &st.PendingEntries)
	}
	if pendingMerges.Valid {
		json.Unmarshal([]byte(pendingMerges.String), &st.PendingMerges)
	}
	if pendingUpdates.Valid {
		json.Unmarshal([]byte(pendingUpdates.String), &st.PendingUpdates)
	}
	if rejectedNames.Valid {
		json.Unmarshal([]byte(rejectedNames.String), &st.RejectedNames)
	}
	if rejectedPairs.Valid {
		json.Unmarshal([]byte(rejectedPairs.String), &st.RejectedMergePairs)
	}
	if dismissedNames.Valid {
		json.Unmarshal([]byte(dismissedNames.String), &st.DismissedUpdateNames)
	}
	return &st, nil
}

// SaveState persists the scan state snapshot.
func (s *Store) SaveState(st *lore.ScanState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveState(st)
}

func (s *Store) saveState(st *lore.ScanState) error {
	pendingEntries, _ := json.Marshal(st.PendingEntries)
	pendingMerges, _ := json.Marshal(st.PendingMerges)
	pendingUpdates, _ := json.Marshal(st.PendingUpdates)
	rejectedNames, _ := json.Marshal(st.RejectedNames)
	rejectedPairs, _ := json.Marshal(st.RejectedMergePairs)
	dismissedNames, _ := json.Marshal(st.DismissedUpdateNames)

	_, err := s.db.Exec(`
		INSERT INTO scan_state (id, pending_entries_json, pending_merges_json,
			pending_updates_json, rejected_names_json, rejected_merge_pairs_json,
			dismissed_update_names_json, chars_since_scan, updated_at)
		VALUES (1, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			pending_entries_json = excluded.pending_entries_json,
			pending_merges_json = excluded.pending_merges_json,
			pending_updates_json = excluded.pending_updates_json,
			rejected_names_json = excluded.rejected_names_json,
			rejected_merge_pairs_json = excluded.rejected_merge_pairs_json,
			dismissed_update_names_json = excluded.dismissed_update_names_json,
			chars_since_scan = excluded.chars_since_scan,
			updated_at = excluded.updated_at
	`, pendingEntries, pendingMerges, pendingUpdates,
		rejectedNames, rejectedPairs, dismissedNames, st.CharsSinceScan, time.Now())
	if err != nil {
		return fmt.Errorf("failed to save scan state: %w", err)
	}
	return nil
}

// AddStoryChars increments the chars-since-scan counter.
func (s *Store) AddStoryChars(n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.loadState()
	if err != nil {
		return err
	}
	st.CharsSinceScan += n
	return s.saveState(st)
}

// =============================================================================
// REVIEWER OPERATIONS
// =============================================================================

// ApproveEntry promotes a pending entry into a real lorebook entry.
func (s *Store) ApproveEntry(pendingID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.loadState()
	if err != nil {
		return err
	}
	idx := -1
	for i, p := range st.PendingEntries {
		if p.ID == pendingID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("pending entry %s not found", pendingID)
	}

	p := st.PendingEntries[idx]
	if err := s.putEntry(lore.LorebookEntry{
		ID:          p.ID,
		Category:    p.Category,
		DisplayName: p.DisplayName,
		Keys:        p.Keys,
		Text:        p.Text,
		CreatedAt:   p.CreatedAt,
	}); err != nil {
		return err
	}
	st.PendingEntries = append(st.PendingEntries[:idx], st.PendingEntries[idx+1:]...)
	logging.Store("approved entry %q", p.DisplayName)
	return s.saveState(st)
}

// RejectEntry drops a pending entry and records its name so future scans
// stop re-proposing it.
func (s *Store) RejectEntry(pendingID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.loadState()
	if err != nil {
		return err
	}
	for i, p := range st.PendingEntries {
		if p.ID != pendingID {
			continue
		}
		st.PendingEntries = append(st.PendingEntries[:i], st.PendingEntries[i+1:]...)
		st.RejectedNames = append(st.RejectedNames, p.DisplayName)
		logging.Store("rejected entry %q", p.DisplayName)
		return s.saveState(st)
	}
	return fmt.Errorf("pending entry %s not found", pendingID)
}

// ApproveMerge applies a pending identity merge to its target entry.
func (s *Store) ApproveMerge(mergeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.loadState()
	if err != nil {
		return err
	}
	for i, m := range st.PendingMerges {
		if m.ID != mergeID {
			continue
		}
		target, err := s.getEntry(m.TargetID)
		if err != nil {
			return err
		}
		if target == nil {
			return fmt.Errorf("merge target %s not found", m.TargetID)
		}
		target.DisplayName = m.ProposedName
		target.Keys = m.ProposedKeys
		target.Text = m.ProposedText
		if err := s.putEntry(*target); err != nil {
			return err
		}
		st.PendingMerges = append(st.PendingMerges[:i], st.PendingMerges[i+1:]...)
		logging.Store("merged %q into %q", m.ElementName, m.TargetName)
		return s.saveState(st)
	}
	return fmt.Errorf("pending merge %s not found", mergeID)
}

// RejectMerge drops a pending merge and records the element/target pair so
// the same merge route is never proposed again.
func (s *Store) RejectMerge(mergeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.loadState()
	if err != nil {
		return err
	}
	for i, m := range st.PendingMerges {
		if m.ID != mergeID {
			continue
		}
		st.PendingMerges = append(st.PendingMerges[:i], st.PendingMerges[i+1:]...)
		st.RejectedMergePairs = append(st.RejectedMergePairs, lore.MergePairKey(m.ElementName, m.TargetName))
		logging.Store("rejected merge %q -> %q", m.ElementName, m.TargetName)
		return s.saveState(st)
	}
	return fmt.Errorf("pending merge %s not found", mergeID)
}

// ApproveUpdate applies a pending text update to its entry.
func (s *Store) ApproveUpdate(updateID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.loadState()
	if err != nil {
		return err
	}
	for i, u := range st.PendingUpdates {
		if u.ID != updateID {
			continue
		}
		entry, err := s.getEntry(u.EntryID)
		if err != nil {
			return err
		}
		if entry == nil {
			return fmt.Errorf("update target %s not found", u.EntryID)
		}
		entry.Text = u.UpdatedText
		if err := s.putEntry(*entry); err != nil {
			return err
		}
		st.PendingUpdates = append(st.PendingUpdates[:i], st.PendingUpdates[i+1:]...)
		logging.Store("updated entry %q", u.EntryName)
		return s.saveState(st)
	}
	return fmt.Errorf("pending update %s not found", updateID)
}

// RejectUpdate drops a pending update and dismisses its entry name so
// update detection leaves the entry alone.
func (s *Store) RejectUpdate(updateID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.loadState()
	if err != nil {
		return err
	}
	for i, u := range st.PendingUpdates {
		if u.ID != updateID {
			continue
		}
		st.PendingUpdates = append(st.PendingUpdates[:i], st.PendingUpdates[i+1:]...)
		st.DismissedUpdateNames = append(st.DismissedUpdateNames, u.EntryName)
		logging.Store("dismissed update for %q", u.EntryName)
		return s.saveState(st)
	}
	return fmt.Errorf("pending update %s not found", updateID)
}

// =============================================================================
// CLEANUPS
// =============================================================================

// ApplyCleanup executes an organize proposal against the entries table.
func (s *Store) ApplyCleanup(c lore.Cleanup) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch c.Kind {
	case lore.CleanupDuplicate:
		keep, err := s.getEntry(c.KeepID)
		if err != nil {
			return err
		}
		if keep == nil {
			return fmt.Errorf("cleanup keep entry %s not found", c.KeepID)
		}
		if c.MergedText != "" {
			keep.Text = c.MergedText
		}
		if len(c.MergedKeys) > 0 {
			keep.Keys = lore.DedupeKeys(c.MergedKeys)
		}
		if err := s.putEntry(*keep); err != nil {
			return err
		}
		if _, err := s.db.Exec(`DELETE FROM entries WHERE id = ?`, c.RemoveID); err != nil {
			return fmt.Errorf("failed to remove duplicate: %w", err)
		}
		logging.Store("merged duplicate %s into %s", c.RemoveID, c.KeepID)
		return nil

	case lore.CleanupLegacyMove, lore.CleanupRecategorize:
		res, err := s.db.Exec(`UPDATE entries SET category = ? WHERE id = ?`, c.TargetCategory, c.EntryID)
		if err != nil {
			return fmt.Errorf("failed to recategorize: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("cleanup entry %s not found", c.EntryID)
		}
		logging.Store("moved %q to %s", c.EntryName, c.TargetCategory)
		return nil

	default:
		return fmt.Errorf("unknown cleanup kind %q", c.Kind)
	}
}

// DismissCleanup records a cleanup key so re-running organize never
// re-proposes it.
func (s *Store) DismissCleanup(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO dismissed_cleanups (key, dismissed_at) VALUES (?, ?)
		ON CONFLICT(key) DO NOTHING
	`, key, time.Now())
	if err != nil {
		return fmt.Errorf("failed to dismiss cleanup: %w", err)
	}
	return nil
}

// DismissedCleanups returns the set of dismissed cleanup keys.
func (s *Store) DismissedCleanups() (map[string]bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT key FROM dismissed_cleanups`)
	if err != nil {
		return nil, fmt.Errorf("failed to list dismissed cleanups: %w", err)
	}
	defer rows.Close()

	dismissed := make(map[string]bool)
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("failed to scan cleanup key: %w", err)
		}
		dismissed[key] = true
	}
	return dismissed, rows.Err()
}
