package taxonomy

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func testTaxonomy(t *testing.T) *Taxonomy {
	t.Helper()
	tax, err := New([]Entry{
		{Label: "bug", Class: Developer, Weight: 5},
		{Label: "enhancement", Class: Developer, Weight: 5},
		{Label: "hotfix", Class: Developer, Weight: 9},
		{Label: "urgent", Class: QA, Weight: 5},
		{Label: "docs", Class: Developer, Weight: 1},
	}, DefaultBands)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return tax
}

func TestClassify(t *testing.T) {
	tax := testTaxonomy(t)

	tests := []struct {
		name      string
		labels    []string
		wantClass Class
		wantPrio  Priority
		wantLabel string
		wantErr   error
	}{
		{name: "single label", labels: []string{"bug"}, wantClass: Developer, wantPrio: P2, wantLabel: "bug"},
		{name: "unknown labels ignored", labels: []string{"bug", "wontfix"}, wantClass: Developer, wantPrio: P2, wantLabel: "bug"},
		{name: "highest weight wins", labels: []string{"docs", "hotfix"}, wantClass: Developer, wantPrio: P0, wantLabel: "hotfix"},
		{name: "tie keeps declaration order", labels: []string{"enhancement", "bug"}, wantClass: Developer, wantPrio: P2, wantLabel: "bug"},
		{name: "case and space insensitive", labels: []string{"  BUG "}, wantClass: Developer, wantPrio: P2, wantLabel: "bug"},
		{name: "low weight is P3", labels: []string{"docs"}, wantClass: Developer, wantPrio: P3, wantLabel: "docs"},
		{name: "empty", labels: nil, wantErr: ErrUnclassifiable},
		{name: "unknown only", labels: []string{"unknown-label"}, wantErr: ErrUnclassifiable},
		{name: "different classes", labels: []string{"bug", "urgent"}, wantErr: ErrAmbiguousClassification},
		{name: "different classes even when weights differ", labels: []string{"hotfix", "urgent"}, wantErr: ErrAmbiguousClassification},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tax.Classify(tt.labels)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got.Class != tt.wantClass || got.Priority != tt.wantPrio || got.Label != tt.wantLabel {
				t.Errorf("got %+v, want class=%s prio=%s label=%s", got, tt.wantClass, tt.wantPrio, tt.wantLabel)
			}
		})
	}
}

func TestPriorityIgnoresClassConflicts(t *testing.T) {
	tax := testTaxonomy(t)
	if got := tax.Priority([]string{"hotfix", "urgent"}); got != P0 {
		t.Errorf("Priority = %s, want P0", got)
	}
	if got := tax.Priority([]string{"nothing"}); got != P3 {
		t.Errorf("Priority = %s, want P3", got)
	}
}

func TestNewValidation(t *testing.T) {
	cases := map[string][]Entry{
		"empty label":   {{Label: " ", Class: Developer, Weight: 1}},
		"unknown class": {{Label: "bug", Class: "plumber", Weight: 1}},
		"duplicate":     {{Label: "bug", Class: Developer}, {Label: "BUG", Class: QA}},
	}
	for name, entries := range cases {
		if _, err := New(entries, DefaultBands); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
	if _, err := New(nil, Bands{P0: 1, P1: 5, P2: 3}); err == nil {
		t.Error("expected error for ascending bands")
	}
}

func TestPriorityText(t *testing.T) {
	b, err := json.Marshal(map[string]Priority{"p": P1})
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != `{"p":"P1"}` {
		t.Errorf("marshal = %s", b)
	}
	var p Priority
	if err := p.UnmarshalText([]byte("p3")); err != nil || p != P3 {
		t.Errorf("unmarshal p3 = %v, %v", p, err)
	}
	if err := p.UnmarshalText([]byte("P7")); err == nil {
		t.Error("expected error for P7")
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "taxonomy.yaml")
	data := []byte(`
bands: {p0: 10, p1: 7, p2: 4}
entries:
  - label: bug
    class: Developer
    weight: 5
  - label: flaky
    class: qa
    weight: 7
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	tax, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if tax.Bands().P0 != 10 {
		t.Errorf("bands = %+v", tax.Bands())
	}
	got, err := tax.Classify([]string{"flaky"})
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if got.Class != QA || got.Priority != P1 {
		t.Errorf("got %+v", got)
	}
	entries := tax.Entries()
	if len(entries) != 2 || entries[0].Label != "bug" || entries[0].Class != Developer {
		t.Errorf("entries = %+v", entries)
	}
}

func TestParseRejectsEmpty(t *testing.T) {
	if _, err := Parse([]byte("entries: []")); err == nil {
		t.Error("expected error for empty taxonomy")
	}
}

func TestDefaultTaxonomy(t *testing.T) {
	got, err := Default().Classify([]string{"bug"})
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if got.Class != Developer {
		t.Errorf("bug routed to %s", got.Class)
	}
}

func TestShippedFileMatchesDefault(t *testing.T) {
	tax, err := LoadFile("../../configs/taxonomy.yaml")
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if !reflect.DeepEqual(tax.Entries(), Default().Entries()) || tax.Bands() != Default().Bands() {
		t.Errorf("configs/taxonomy.yaml drifted from Default()")
	}
}
