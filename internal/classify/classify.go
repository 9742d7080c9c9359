// Package classify categorizes lorebook entries into the five fixed
// categories using regex-scored heuristics. Pattern sets are plain values
// so categories and patterns can be tuned without touching orchestration;
// ambiguous entries come back as unknown and are deferred to the oracle.
package classify

import (
	"regexp"

	"lorekeeper/internal/lore"
	"lorekeeper/internal/template"
)

// ambiguityRatio rejects a winner whose score is not at least this factor
// above the runner-up. The 1.5 value is a tuned threshold, not load-bearing.
const ambiguityRatio = 1.5

// minScore is the floor below which the winner is not trusted.
const minScore = 2

// characterBonus is added to the character score when text already reads
// like a character description or matches the entry template.
const characterBonus = 3

// PatternSet scores one category: each matching pattern adds one point.
type PatternSet struct {
	Category lore.Category
	Patterns []*regexp.Regexp
}

// Classifier scores entry text against a set of category patterns.
type Classifier struct {
	sets []PatternSet
}

// New returns a classifier with the default pattern sets.
func New() *Classifier {
	return NewWithSets(DefaultPatternSets())
}

// NewWithSets returns a classifier using caller-supplied pattern sets.
func NewWithSets(sets []PatternSet) *Classifier {
	return &Classifier{sets: sets}
}

// Classify returns the best category for the text, or CategoryUnknown when
// the top score is under the floor or the runner-up is too close. It is a
// pure function of the text.
func (c *Classifier) Classify(text string) lore.Category {
	scores := make(map[lore.Category]int, len(c.sets))
	for _, set := range c.sets {
		var n int
		for _, p := range set.Patterns {
			if p.MatchString(text) {
				n++
			}
		}
		scores[set.Category] = n
	}

	if looksLikeCharacter(text) || template.IsFormatted(text) {
		scores[lore.CategoryCharacter] += characterBonus
	}

	var top, runnerUp int
	best := lore.CategoryUnknown
	for _, set := range c.sets {
		score := scores[set.Category]
		if score > top {
			runnerUp = top
			top = score
			best = set.Category
		} else if score > runnerUp {
			runnerUp = score
		}
	}

	if top < minScore {
		return lore.CategoryUnknown
	}
	if float64(top) < ambiguityRatio*float64(runnerUp) {
		// Too close to call: defer to the oracle rather than mis-file.
		return lore.CategoryUnknown
	}
	return best
}

// Character-description signals. Two or more mark text as a likely
// character even before category patterns are scored.
var (
	pronounVerbRe    = regexp.MustCompile(`(?i)\b(?:he|she|they)\s+(?:is|was|has|had|stands|wears|looks|seems)\b`)
	bodyDescriptorRe = regexp.MustCompile(`(?i)\b(?:hair|eyes|skin|scar|build|tall|short|slender|muscular)\b`)
	agePatternRe     = regexp.MustCompile(`(?i)(?:\b\d{1,3}\s*(?:years?\s+old|-year-old)\b|(?m)^Age:)`)
	personNounRe     = regexp.MustCompile(`(?i)\b(?:man|woman|girl|boy|person|figure)\b`)
)

// LooksLikeCharacter reports whether free text reads like a character
// description, independent of category pattern scores.
func LooksLikeCharacter(text string) bool {
	return looksLikeCharacter(text)
}

func looksLikeCharacter(text string) bool {
	var hits int
	for _, re := range []*regexp.Regexp{pronounVerbRe, bodyDescriptorRe, agePatternRe, personNounRe} {
		if re.MatchString(text) {
			hits++
		}
	}
	return hits >= 2
}

// DefaultPatternSets returns the built-in scoring patterns for the five
// categories.
func DefaultPatternSets() []PatternSet {
	return []PatternSet{
		{
			Category: lore.CategoryCharacter,
			Patterns: compile(
				`(?i)\b(?:he|she|his|her|they|them)\b`,
				`(?i)\b(?:man|woman|girl|boy|person|warrior|mage|knight)\b`,
				`(?i)\b(?:hair|eyes|face|voice|smile)\b`,
				`(?i)\b(?:wears|dressed|clad)\b`,
				`(?i)\b(?:personality|demeanor|temperament)\b`,
				`(?i)\b(?:born|raised|grew up)\b`,
			),
		},
		{
			Category: lore.CategoryLocation,
			Patterns: compile(
				`(?i)\b(?:city|town|village|forest|castle|tavern|temple|island|mountain|region|kingdom)\b`,
				`(?i)\b(?:located|situated|lies|nestled)\b`,
				`(?i)\b(?:north|south|east|west)\s+of\b`,
				`(?i)\b(?:streets|walls|gates|district|harbor)\b`,
				`(?i)\b(?:inhabitants|population|residents)\b`,
			),
		},
		{
			Category: lore.CategoryItem,
			Patterns: compile(
				`(?i)\b(?:sword|blade|dagger|weapon|artifact|amulet|ring|potion|tome|relic)\b`,
				`(?i)\b(?:forged|crafted|enchanted|imbued)\b`,
				`(?i)\bmade\s+of\b`,
				`(?i)\b(?:wielder|bearer|wearer|owner)\b`,
				`(?i)\b(?:hilt|scabbard|gemstone|inscription)\b`,
			),
		},
		{
			Category: lore.CategoryFaction,
			Patterns: compile(
				`(?i)\b(?:guild|order|clan|cult|brotherhood|syndicate|company|house|legion|council)\b`,
				`(?i)\b(?:members|ranks|recruits)\b`,
				`(?i)\b(?:leader|founder|founded|led\s+by)\b`,
				`(?i)\b(?:allegiance|loyalty|rival|enemies)\b`,
				`(?i)\b(?:headquarters|stronghold|chapterhouse)\b`,
			),
		},
		{
			Category: lore.CategoryConcept,
			Patterns: compile(
				`(?i)\b(?:magic|ritual|prophecy|curse|legend|myth|tradition|custom|law|religion)\b`,
				`(?i)\bknown\s+as\b`,
				`(?i)\b(?:believed|said\s+to|rumored)\b`,
				`(?i)\b(?:practice|practiced|phenomenon|system)\b`,
				`(?i)\b(?:ancient|forgotten|forbidden)\b`,
			),
		},
	}
}

func compile(patterns ...string) []*regexp.Regexp {
	res := make([]*regexp.Regexp, len(patterns))
	for i, p := range patterns {
		res[i] = regexp.MustCompile(p)
	}
	return res
}
