// Package examples holds the small library of past exchanges attached to
// candidate bundles as illustrations for the decision engine.
package examples

import (
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"smarthub/internal/model"
)

// MaxSample bounds the examples attached to one bundle.
const MaxSample = 3

//go:embed defaults.yaml
var defaultYAML []byte

type file struct {
	Examples []model.Example `yaml:"examples"`
}

// Library is an immutable list of examples.
type Library struct {
	examples []model.Example
}

// Default returns the built-in library.
func Default() *Library {
	lib, err := Parse(defaultYAML)
	if err != nil {
		panic(fmt.Sprintf("examples: built-in library is invalid: %v", err))
	}
	return lib
}

// Load reads a YAML library from path.
func Load(path string) (*Library, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read examples %s: %w", path, err)
	}
	lib, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse examples %s: %w", path, err)
	}
	return lib, nil
}

// LoadOrDefault loads path when it is set, otherwise the built-in library.
func LoadOrDefault(path string) (*Library, error) {
	if strings.TrimSpace(path) == "" {
		return Default(), nil
	}
	return Load(path)
}

// Parse decodes a YAML document of the form "examples: [...]". Entries
// without a user message or action are rejected.
func Parse(data []byte) (*Library, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	for i, ex := range f.Examples {
		if strings.TrimSpace(ex.User) == "" || strings.TrimSpace(ex.ActionID) == "" {
			return nil, fmt.Errorf("example %d: user and action_id are required", i)
		}
	}
	return &Library{examples: f.Examples}, nil
}

func (l *Library) Len() int {
	if l == nil {
		return 0
	}
	return len(l.examples)
}

// Sample returns up to n (at most MaxSample) examples, preferring those
// whose intent or action overlaps the given intent. Order is stable.
func (l *Library) Sample(intent string, n int) []model.Example {
	if l == nil || n <= 0 {
		return nil
	}
	if n > MaxSample {
		n = MaxSample
	}

	needle := strings.ToLower(strings.ReplaceAll(strings.TrimSpace(intent), "_", " "))
	type ranked struct {
		ex    model.Example
		score int
	}
	items := make([]ranked, len(l.examples))
	for i, ex := range l.examples {
		items[i] = ranked{ex: ex, score: overlap(needle, ex)}
	}
	sort.SliceStable(items, func(a, b int) bool { return items[a].score > items[b].score })

	if len(items) > n {
		items = items[:n]
	}
	out := make([]model.Example, len(items))
	for i, it := range items {
		out[i] = it.ex
	}
	return out
}

func overlap(needle string, ex model.Example) int {
	if needle == "" {
		return 0
	}
	score := 0
	if strings.ToLower(strings.ReplaceAll(ex.Intent, "_", " ")) == needle {
		score += 2
	}
	if _, service, ok := strings.Cut(ex.ActionID, "."); ok && strings.Contains(strings.ReplaceAll(service, "_", " "), needle) {
		score++
	}
	return score
}
