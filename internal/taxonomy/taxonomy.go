// Package taxonomy maps task labels to the capability class that handles
// them and to a dispatch priority.
package taxonomy

import (
	"errors"
	"fmt"
	"strings"
)

// Class is the category of work an agent can accept.
type Class string

const (
	Developer  Class = "developer"
	QA         Class = "qa"
	Operations Class = "operations"
	Security   Class = "security"
	Architect  Class = "architect"
)

// Classes lists every known capability class.
var Classes = []Class{Developer, QA, Operations, Security, Architect}

// Valid reports whether c is one of the known classes.
func (c Class) Valid() bool {
	for _, k := range Classes {
		if c == k {
			return true
		}
	}
	return false
}

// ParseClass normalizes s and returns the matching class.
func ParseClass(s string) (Class, error) {
	c := Class(strings.ToLower(strings.TrimSpace(s)))
	if !c.Valid() {
		return "", fmt.Errorf("unknown capability class %q", s)
	}
	return c, nil
}

// Priority orders tasks for dispatch. P0 is the most urgent.
type Priority int

const (
	P0 Priority = iota
	P1
	P2
	P3
)

func (p Priority) String() string {
	if p < P0 || p > P3 {
		return fmt.Sprintf("P?(%d)", int(p))
	}
	return fmt.Sprintf("P%d", int(p))
}

// MarshalText encodes the priority as "P0".."P3".
func (p Priority) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText accepts "P0".."P3" (case-insensitive).
func (p *Priority) UnmarshalText(b []byte) error {
	s := strings.ToUpper(strings.TrimSpace(string(b)))
	if len(s) != 2 || s[0] != 'P' || s[1] < '0' || s[1] > '3' {
		return fmt.Errorf("invalid priority %q", string(b))
	}
	*p = Priority(s[1] - '0')
	return nil
}

var (
	ErrUnclassifiable          = errors.New("taxonomy: no label matches the taxonomy")
	ErrAmbiguousClassification = errors.New("taxonomy: labels route to different capability classes")
)

// Entry routes one label to a capability class.
type Entry struct {
	Label  string `json:"label" yaml:"label"`
	Class  Class  `json:"class" yaml:"class"`
	Weight int    `json:"weight" yaml:"weight"`
}

// Bands are the minimum weights for P0, P1 and P2. Anything lower is P3.
type Bands struct {
	P0 int `json:"p0" yaml:"p0"`
	P1 int `json:"p1" yaml:"p1"`
	P2 int `json:"p2" yaml:"p2"`
}

// DefaultBands is used when a taxonomy file does not declare its own.
var DefaultBands = Bands{P0: 9, P1: 6, P2: 3}

func (b Bands) priority(weight int) Priority {
	switch {
	case weight >= b.P0:
		return P0
	case weight >= b.P1:
		return P1
	case weight >= b.P2:
		return P2
	default:
		return P3
	}
}

// Classification is the outcome of a successful Classify.
type Classification struct {
	Class    Class    `json:"class"`
	Priority Priority `json:"priority"`
	Label    string   `json:"label"`
	Weight   int      `json:"weight"`
}

// Taxonomy is immutable once built; it is safe for concurrent use.
type Taxonomy struct {
	entries []Entry
	index   map[string]int
	bands   Bands
}

// New validates entries and builds a taxonomy. Declaration order is kept
// because it breaks weight ties.
func New(entries []Entry, bands Bands) (*Taxonomy, error) {
	if bands.P0 < bands.P1 || bands.P1 < bands.P2 {
		return nil, fmt.Errorf("priority bands must be descending, got p0=%d p1=%d p2=%d", bands.P0, bands.P1, bands.P2)
	}
	t := &Taxonomy{
		entries: make([]Entry, 0, len(entries)),
		index:   make(map[string]int, len(entries)),
		bands:   bands,
	}
	for i, e := range entries {
		label := normalize(e.Label)
		if label == "" {
			return nil, fmt.Errorf("entry %d: empty label", i)
		}
		class, err := ParseClass(string(e.Class))
		if err != nil {
			return nil, fmt.Errorf("entry %d (%s): %w", i, label, err)
		}
		if _, dup := t.index[label]; dup {
			return nil, fmt.Errorf("entry %d: duplicate label %q", i, label)
		}
		t.index[label] = len(t.entries)
		t.entries = append(t.entries, Entry{Label: label, Class: class, Weight: e.Weight})
	}
	return t, nil
}

// Default returns the built-in taxonomy. Labels follow the issue tracker
// convention used by the agent fleet.
func Default() *Taxonomy {
	t, err := New([]Entry{
		{Label: "incident", Class: Operations, Weight: 9},
		{Label: "vulnerability", Class: Security, Weight: 9},
		{Label: "security", Class: Security, Weight: 7},
		{Label: "regression", Class: QA, Weight: 6},
		{Label: "deploy", Class: Operations, Weight: 6},
		{Label: "bug", Class: Developer, Weight: 5},
		{Label: "infrastructure", Class: Operations, Weight: 5},
		{Label: "enhancement", Class: Developer, Weight: 4},
		{Label: "feature", Class: Developer, Weight: 4},
		{Label: "test", Class: QA, Weight: 4},
		{Label: "architecture", Class: Architect, Weight: 4},
		{Label: "design", Class: Architect, Weight: 3},
		{Label: "refactor", Class: Developer, Weight: 3},
		{Label: "documentation", Class: Developer, Weight: 1},
	}, DefaultBands)
	if err != nil {
		panic(err)
	}
	return t
}

// Classify routes a label set to a capability class. The class comes from
// the highest-weight matching entry; if the matching entries disagree on
// the class the result is ErrAmbiguousClassification.
func (t *Taxonomy) Classify(labels []string) (Classification, error) {
	matched := t.match(labels)
	if len(matched) == 0 {
		return Classification{}, ErrUnclassifiable
	}

	best := matched[0]
	for _, e := range matched[1:] {
		if e.Class != best.Class {
			return Classification{}, fmt.Errorf("%w: %q→%s, %q→%s",
				ErrAmbiguousClassification, best.Label, best.Class, e.Label, e.Class)
		}
	}
	for _, e := range matched[1:] {
		if e.Weight > best.Weight {
			best = e
		}
	}
	return Classification{
		Class:    best.Class,
		Priority: t.bands.priority(best.Weight),
		Label:    best.Label,
		Weight:   best.Weight,
	}, nil
}

// Priority derives a priority from the highest matching weight, regardless
// of class. Unclassifiable label sets get P3.
func (t *Taxonomy) Priority(labels []string) Priority {
	matched := t.match(labels)
	if len(matched) == 0 {
		return P3
	}
	max := matched[0].Weight
	for _, e := range matched[1:] {
		if e.Weight > max {
			max = e.Weight
		}
	}
	return t.bands.priority(max)
}

// Entries returns a copy of the entries in declaration order.
func (t *Taxonomy) Entries() []Entry {
	out := make([]Entry, len(t.entries))
	copy(out, t.entries)
	return out
}

// Bands returns the priority bands in use.
func (t *Taxonomy) Bands() Bands { return t.bands }

// match returns the matching entries in declaration order.
func (t *Taxonomy) match(labels []string) []Entry {
	hit := make([]bool, len(t.entries))
	n := 0
	for _, l := range labels {
		if i, ok := t.index[normalize(l)]; ok && !hit[i] {
			hit[i] = true
			n++
		}
	}
	out := make([]Entry, 0, n)
	for i, e := range t.entries {
		if hit[i] {
			out = append(out, e)
		}
	}
	return out
}

func normalize(label string) string {
	return strings.ToLower(strings.TrimSpace(label))
}
