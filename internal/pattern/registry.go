// Package pattern provides the manufacturer pattern registry: a file-backed,
// declarative mapping from manufacturer key to error-code regex patterns,
// validation rules, and extraction rules. Extractors read immutable snapshots
// so a reload never changes a run in flight.
package pattern

import (
	"bytes"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
	"sync/atomic"

	"gopkg.in/yaml.v3"

	"github.com/krai-io/krai/internal/fault"
)

// ExtractionRules bound how aggressively codes are pulled from a page.
type ExtractionRules struct {
	MinConfidence        float64 `yaml:"min_confidence"`
	MaxCodesPerPage      int     `yaml:"max_codes_per_page"`
	ContextWindowChars   int     `yaml:"context_window_chars"`
	TextWindowAfterChars int     `yaml:"text_window_after_chars"`
}

// DefaultExtractionRules returns the documented rule defaults.
func DefaultExtractionRules() ExtractionRules {
	return ExtractionRules{
		MinConfidence:        0.75,
		MaxCodesPerPage:      15,
		ContextWindowChars:   200,
		TextWindowAfterChars: 2500,
	}
}

// PatternSpec is one declarative error-code pattern.
type PatternSpec struct {
	Regex        string `yaml:"regex"`
	Category     string `yaml:"category"`
	SeverityHint string `yaml:"severity_hint,omitempty"`
}

// ManufacturerSpec is the file representation of one manufacturer's rules.
type ManufacturerSpec struct {
	Patterns        []PatternSpec   `yaml:"patterns"`
	ValidationRegex string          `yaml:"validation_regex"`
	ExtractionRules ExtractionRules `yaml:"extraction_rules"`
}

// CompiledPattern is a pattern ready for scanning.
type CompiledPattern struct {
	Regex        *regexp.Regexp
	Category     string
	SeverityHint string
	Specificity  float64 // narrower patterns score higher, precomputed at load
}

// PatternSet is the compiled, immutable rule set for one manufacturer.
type PatternSet struct {
	Key             string
	Patterns        []CompiledPattern
	ValidationRegex *regexp.Regexp
	Rules           ExtractionRules
}

// Snapshot is an immutable view of the whole pattern file at load time.
type Snapshot struct {
	sets map[string]*PatternSet
}

// Get returns the pattern set for a manufacturer key, or a
// ManufacturerPatternNotFound fault. There is no generic fallback: silent
// generic matching would corrupt downstream data with part and page numbers.
func (s *Snapshot) Get(manufacturer string) (*PatternSet, error) {
	key := NormalizeKey(manufacturer)
	if set, ok := s.sets[key]; ok {
		return set, nil
	}
	return nil, missingPatternFault(manufacturer, key)
}

// Has reports whether a manufacturer key exists in the snapshot.
func (s *Snapshot) Has(manufacturer string) bool {
	_, ok := s.sets[NormalizeKey(manufacturer)]
	return ok
}

// Keys lists the manufacturer keys in the snapshot, sorted.
func (s *Snapshot) Keys() []string {
	keys := make([]string, 0, len(s.sets))
	for k := range s.sets {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Registry owns the current snapshot and reloads it atomically. A failed
// reload never replaces a valid snapshot.
type Registry struct {
	path    string
	current atomic.Pointer[Snapshot]
}

// NewRegistry loads the pattern file at path and returns a registry.
func NewRegistry(path string) (*Registry, error) {
	r := &Registry{path: path}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Snapshot returns the current immutable snapshot.
func (r *Registry) Snapshot() *Snapshot {
	return r.current.Load()
}

// Path returns the backing file path.
func (r *Registry) Path() string {
	return r.path
}

// Reload parses the pattern file and swaps the snapshot in one step.
func (r *Registry) Reload() error {
	data, err := os.ReadFile(r.path)
	if err != nil {
		return fault.New(fault.KindPatternSnapshotInvalid,
			fmt.Sprintf("read pattern file %s", r.path), err)
	}

	snap, err := ParseSnapshot(data)
	if err != nil {
		return err
	}

	r.current.Store(snap)
	return nil
}

// ParseSnapshot parses and validates pattern file contents. Unknown fields
// and missing required fields are rejected.
func ParseSnapshot(data []byte) (*Snapshot, error) {
	var raw map[string]ManufacturerSpec
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&raw); err != nil {
		return nil, fault.New(fault.KindPatternSnapshotInvalid, "parse pattern file", err)
	}

	snap := &Snapshot{sets: make(map[string]*PatternSet, len(raw))}
	for key, spec := range raw {
		set, err := compileSet(key, spec)
		if err != nil {
			return nil, err
		}
		snap.sets[NormalizeKey(key)] = set
	}
	return snap, nil
}

func compileSet(key string, spec ManufacturerSpec) (*PatternSet, error) {
	if len(spec.Patterns) == 0 {
		return nil, fault.Newf(fault.KindPatternSnapshotInvalid,
			"manufacturer %q has no patterns", key)
	}
	if spec.ValidationRegex == "" {
		return nil, fault.Newf(fault.KindPatternSnapshotInvalid,
			"manufacturer %q is missing validation_regex", key)
	}

	validation, err := regexp.Compile(spec.ValidationRegex)
	if err != nil {
		return nil, fault.New(fault.KindPatternSnapshotInvalid,
			fmt.Sprintf("manufacturer %q validation_regex", key), err)
	}

	rules := spec.ExtractionRules
	defaults := DefaultExtractionRules()
	if rules.MinConfidence <= 0 {
		rules.MinConfidence = defaults.MinConfidence
	}
	if rules.MaxCodesPerPage <= 0 {
		rules.MaxCodesPerPage = defaults.MaxCodesPerPage
	}
	if rules.ContextWindowChars <= 0 {
		rules.ContextWindowChars = defaults.ContextWindowChars
	}
	if rules.TextWindowAfterChars <= 0 {
		rules.TextWindowAfterChars = defaults.TextWindowAfterChars
	}

	set := &PatternSet{
		Key:             NormalizeKey(key),
		ValidationRegex: validation,
		Rules:           rules,
	}

	for i, p := range spec.Patterns {
		if p.Regex == "" {
			return nil, fault.Newf(fault.KindPatternSnapshotInvalid,
				"manufacturer %q pattern %d has no regex", key, i)
		}
		re, err := regexp.Compile(p.Regex)
		if err != nil {
			return nil, fault.New(fault.KindPatternSnapshotInvalid,
				fmt.Sprintf("manufacturer %q pattern %d", key, i), err)
		}
		set.Patterns = append(set.Patterns, CompiledPattern{
			Regex:        re,
			Category:     p.Category,
			SeverityHint: p.SeverityHint,
			Specificity:  specificity(p.Regex),
		})
	}

	return set, nil
}

// specificity scores a regex by how narrow it is: literal characters and
// bounded classes count for more than wildcards. Scores land in (0, 1].
func specificity(expr string) float64 {
	score := 0.0
	length := 0.0
	inClass := false
	for i := 0; i < len(expr); i++ {
		c := expr[i]
		switch {
		case c == '\\' && i+1 < len(expr):
			i++
			length++
			score += 0.5 // escaped class or literal
		case c == '[':
			inClass = true
			length++
			score += 0.6
		case c == ']':
			inClass = false
		case inClass:
			// class members already counted at '['
		case c == '.' || c == '*' || c == '+':
			length++
			score += 0.1
		case c == '{' || c == '}' || c == '(' || c == ')' || c == '?' || c == '|' || c == '^' || c == '$':
			// structure, not content
		default:
			length++
			score += 1.0 // literal character
		}
	}
	if length == 0 {
		return 0.1
	}
	s := score / length
	if s > 1 {
		s = 1
	}
	return s
}

// NormalizeKey converts a manufacturer name to its stable lowercase key.
func NormalizeKey(name string) string {
	key := strings.ToLower(strings.TrimSpace(name))
	key = strings.ReplaceAll(key, " ", "_")
	key = strings.ReplaceAll(key, "-", "_")
	return key
}

// rebrandHints maps manufacturer keys to the OEM whose patterns usually
// apply. Rebranded machines share error-code schemes with the OEM.
var rebrandHints = map[string]string{
	"utax":          "kyocera",
	"triumph_adler": "kyocera",
	"copystar":      "kyocera",
	"lanier":        "ricoh",
	"savin":         "ricoh",
	"gestetner":     "ricoh",
	"develop":       "konica_minolta",
	"olivetti":      "konica_minolta",
}

func missingPatternFault(manufacturer, key string) error {
	f := fault.Newf(fault.KindManufacturerPatternNotFound,
		"no error-code patterns configured for manufacturer %q", manufacturer).
		WithEntity(manufacturer).
		WithStage("error code extraction")

	basedOn := "an existing manufacturer"
	hints := []string{"rebranded machines usually share the OEM's code scheme (e.g. UTAX ↔ Kyocera, Lanier ↔ Ricoh)"}
	if oem, ok := rebrandHints[key]; ok {
		basedOn = oem
		hints = append([]string{fmt.Sprintf("%s devices are rebranded %s machines; copy from %s", manufacturer, oem, oem)}, hints...)
	}

	return f.WithRemediations(
		fmt.Sprintf("copy patterns from %s: krai patterns create --name %q --based-on %s", basedOn, manufacturer, basedOn),
		fmt.Sprintf("create patterns interactively: krai patterns create --name %q --interactive", manufacturer),
		"add the manufacturer to the pattern file by hand and reload",
	).WithHints(hints...)
}
