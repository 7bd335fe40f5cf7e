// Package testutil holds in-process fakes of the external collaborators
// (embedding backend, live system, executor) shared by package tests.
package testutil

import (
	"context"
	"errors"
	"strings"
	"sync"
	"unicode"

	"smarthub/internal/model"
)

// VocabDim is the vector length produced by VocabEmbedder.
const VocabDim = 512

// VocabEmbedder is a deterministic bag-of-words embedder: every distinct
// token gets its own dimension, so texts sharing more words score higher.
// FailOnCall makes the n-th Embed call (1-based) fail.
type VocabEmbedder struct {
	mu     sync.Mutex
	vocab  map[string]int
	calls  int
	inputs int

	FailOnCall int
	Err        error
}

func NewVocabEmbedder() *VocabEmbedder {
	return &VocabEmbedder{vocab: make(map[string]int)}
}

func (e *VocabEmbedder) Embed(ctx context.Context, model string, inputs []string) ([][]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	e.calls++
	if e.FailOnCall > 0 && e.calls == e.FailOnCall {
		if e.Err != nil {
			return nil, e.Err
		}
		return nil, errors.New("embedding backend unavailable")
	}
	e.inputs += len(inputs)

	out := make([][]float32, len(inputs))
	for i, text := range inputs {
		vec := make([]float32, VocabDim)
		for _, tok := range Tokens(text) {
			idx, ok := e.vocab[tok]
			if !ok {
				idx = len(e.vocab) % VocabDim
				e.vocab[tok] = idx
			}
			vec[idx]++
		}
		out[i] = vec
	}
	return out, nil
}

// Calls returns how many Embed calls were made.
func (e *VocabEmbedder) Calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

// Inputs returns how many texts were embedded successfully.
func (e *VocabEmbedder) Inputs() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.inputs
}

// Tokens splits text into lower-case alphanumeric words.
func Tokens(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// LiveSystem is a mutable fake of the live system's read side.
type LiveSystem struct {
	mu       sync.Mutex
	states   []model.EntityState
	services map[string]map[string]model.ServiceSpec
	Err      error
}

func NewLiveSystem(states []model.EntityState, services map[string]map[string]model.ServiceSpec) *LiveSystem {
	return &LiveSystem{states: states, services: services}
}

func (l *LiveSystem) SetStates(states []model.EntityState) {
	l.mu.Lock()
	l.states = states
	l.mu.Unlock()
}

func (l *LiveSystem) States(ctx context.Context) ([]model.EntityState, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.Err != nil {
		return nil, l.Err
	}
	out := make([]model.EntityState, len(l.states))
	copy(out, l.states)
	return out, nil
}

func (l *LiveSystem) Services(ctx context.Context) (map[string]map[string]model.ServiceSpec, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.Err != nil {
		return nil, l.Err
	}
	return l.services, nil
}

// Execution records one Executor call.
type Execution struct {
	DeviceID string
	ActionID string
	Args     map[string]any
}

// Executor records every call it receives.
type Executor struct {
	mu    sync.Mutex
	calls []Execution
	Err   error
}

func (x *Executor) Execute(ctx context.Context, deviceID, actionID string, args map[string]any) (map[string]any, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.calls = append(x.calls, Execution{DeviceID: deviceID, ActionID: actionID, Args: args})
	if x.Err != nil {
		return nil, x.Err
	}
	return map[string]any{"status": "ok", "service": actionID}, nil
}

func (x *Executor) Calls() []Execution {
	x.mu.Lock()
	defer x.mu.Unlock()
	out := make([]Execution, len(x.calls))
	copy(out, x.calls)
	return out
}

// HomeFixture returns a small catalog: a kitchen light strip, a bedroom
// lamp, a living room fan and the light/fan services.
func HomeFixture() ([]model.EntityState, map[string]map[string]model.ServiceSpec) {
	states := []model.EntityState{
		{
			EntityID: "light.kitchen_strip",
			State:    "off",
			Attributes: map[string]any{
				"friendly_name":         "Kitchen Strip",
				"area":                  "kitchen",
				"supported_color_modes": []any{"brightness"},
			},
		},
		{
			EntityID: "light.bedroom_lamp",
			State:    "on",
			Attributes: map[string]any{
				"friendly_name":         "Bedroom Lamp",
				"area":                  "bedroom",
				"supported_color_modes": []any{"color_temp"},
			},
		},
		{
			EntityID: "fan.living_room",
			State:    "off",
			Attributes: map[string]any{
				"friendly_name":      "Living Room Fan",
				"area":               "living_room",
				"supported_features": float64(3),
			},
		},
	}
	number := func(lo, hi float64) map[string]any {
		return map[string]any{"number": map[string]any{"min": lo, "max": hi}}
	}
	services := map[string]map[string]model.ServiceSpec{
		"light": {
			"turn_on": {Description: "Turn on a light", Fields: map[string]model.ServiceField{
				"brightness_pct": {Selector: number(0, 100)},
				"transition":     {Selector: number(0, 300)},
			}},
			"turn_off": {Description: "Turn off a light"},
			"toggle":   {Description: "Toggle a light"},
		},
		"fan": {
			"turn_on":        {Description: "Turn on a fan"},
			"turn_off":       {Description: "Turn off a fan"},
			"set_percentage": {Description: "Set fan speed", Fields: map[string]model.ServiceField{"percentage": {Selector: number(0, 100)}}},
		},
	}
	return states, services
}
