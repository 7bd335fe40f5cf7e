// Package decision runs the bounded decide/fetch/execute loop for one turn.
package decision

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"smarthub/internal/args"
	"smarthub/internal/model"
	"smarthub/internal/resolver"
)

// DefaultMaxRounds is the round budget of one turn.
const DefaultMaxRounds = 2

// Fixed user-facing replies.
const (
	ParseFailureText = "I couldn't parse that. Please rephrase."
	NeedMoreInfoText = "Need more info to proceed."
	ExhaustedText    = "Sorry, I need more details."
	NoCandidateText  = "I couldn't find a matching device for that."
	DoneText         = "Done."
)

// Fetch kinds the loop knows how to satisfy.
const (
	FetchDevicesForArea = "devices_for_area"
	FetchBroaden        = "broaden"
)

// Terminal states reported in Outcome.Terminal.
const (
	TerminalReply        = "reply"
	TerminalExecuted     = "executed"
	TerminalParseFailure = "parse_failure"
	TerminalUnknownFetch = "unknown_fetch"
	TerminalExhausted    = "exhausted"
	TerminalNoCandidate  = "no_candidate"
)

// Rebuilder re-runs resolution with a broader scope.
type Rebuilder interface {
	Resolve(ctx context.Context, req resolver.Request) (model.CandidateBundle, error)
}

// Observer receives per-round and per-turn outcomes.
type Observer interface {
	ObserveRound(mode string)
	ObserveOutcome(terminal string, rounds int)
}

// Execution is the action the loop ran, if any.
type Execution struct {
	DeviceID string         `json:"device_id"`
	ActionID string         `json:"action_id"`
	Args     map[string]any `json:"args"`
	Result   map[string]any `json:"result,omitempty"`
}

// Outcome is the result of one loop run.
type Outcome struct {
	Reply    string     `json:"reply"`
	Terminal string     `json:"terminal"`
	Rounds   int        `json:"rounds"`
	Executed *Execution `json:"executed,omitempty"`
}

// Loop drives the decision engine for at most MaxRounds rounds.
type Loop struct {
	Engine    model.DecisionEngine
	Executor  model.Executor
	Resolver  Rebuilder
	MaxRounds int

	Logger   zerolog.Logger
	Observer Observer
}

// Run executes the loop for one bundle. Engine and executor transport
// errors are returned; every other path ends in a reply.
func (l *Loop) Run(ctx context.Context, bundle model.CandidateBundle, summary string) (Outcome, error) {
	if l.Engine == nil {
		return Outcome{}, errors.New("decision: engine is required")
	}
	maxRounds := l.MaxRounds
	if maxRounds <= 0 {
		maxRounds = DefaultMaxRounds
	}

	out, err := l.run(ctx, bundle, summary, maxRounds)
	if err == nil && l.Observer != nil {
		l.Observer.ObserveOutcome(out.Terminal, out.Rounds)
	}
	return out, err
}

func (l *Loop) run(ctx context.Context, bundle model.CandidateBundle, summary string, maxRounds int) (Outcome, error) {
	for round := 1; round <= maxRounds; round++ {
		raw, err := l.Engine.Decide(ctx, bundle, summary)
		if err != nil {
			return Outcome{Rounds: round}, fmt.Errorf("decide round %d: %w", round, err)
		}

		d, err := model.DecodeDecision(raw)
		if err != nil {
			l.observeRound("invalid")
			l.Logger.Warn().Err(err).
				Bool("unknown_mode", errors.Is(err, model.ErrUnknownDecision)).
				Int("round", round).
				Msg("decision output rejected")
			return Outcome{Reply: ParseFailureText, Terminal: TerminalParseFailure, Rounds: round}, nil
		}
		l.observeRound(d.Mode())
		l.Logger.Debug().Str("mode", d.Mode()).Int("round", round).Msg("decision")

		switch d := d.(type) {
		case model.Reply:
			return Outcome{Reply: d.Text, Terminal: TerminalReply, Rounds: round}, nil

		case model.ExecuteAndReply:
			return l.execute(ctx, bundle, d, round)

		case model.FetchMore:
			next, ok, err := l.fetchMore(ctx, bundle, d)
			if err != nil {
				return Outcome{Rounds: round}, err
			}
			if !ok {
				return Outcome{Reply: NeedMoreInfoText, Terminal: TerminalUnknownFetch, Rounds: round}, nil
			}
			bundle = next
		}
	}
	return Outcome{Reply: ExhaustedText, Terminal: TerminalExhausted, Rounds: maxRounds}, nil
}

func (l *Loop) execute(ctx context.Context, bundle model.CandidateBundle, d model.ExecuteAndReply, round int) (Outcome, error) {
	if len(bundle.Candidates) == 0 {
		l.Logger.Warn().Str("device_id", d.DeviceID).Msg("execute requested without candidates; replying instead")
		return Outcome{Reply: NoCandidateText, Terminal: TerminalNoCandidate, Rounds: round}, nil
	}
	if l.Executor == nil {
		return Outcome{Rounds: round}, errors.New("decision: executor is required")
	}

	hint := hintFor(bundle.Candidates, d.DeviceID, d.ActionID)
	clamped := args.Normalizer{Logger: l.Logger}.Apply(d.Args, hint)

	result, err := l.Executor.Execute(ctx, d.DeviceID, d.ActionID, clamped)
	if err != nil {
		return Outcome{Rounds: round}, fmt.Errorf("execute %s on %s: %w", d.ActionID, d.DeviceID, err)
	}

	reply := d.ReplyText
	if strings.TrimSpace(reply) == "" {
		reply = DoneText
	}
	return Outcome{
		Reply:    reply,
		Terminal: TerminalExecuted,
		Rounds:   round,
		Executed: &Execution{DeviceID: d.DeviceID, ActionID: d.ActionID, Args: clamped, Result: result},
	}, nil
}

// hintFor returns the hint of the candidate matching the chosen device and
// action, falling back to the first candidate's hint.
func hintFor(candidates []model.Candidate, deviceID, actionID string) model.SchemaHint {
	for _, c := range candidates {
		if c.Device.ID == deviceID && c.Action.ID == actionID {
			return c.SchemaHint
		}
	}
	return candidates[0].SchemaHint
}

// fetchMore satisfies a FETCH_MORE request. ok is false for kinds the loop
// does not know.
func (l *Loop) fetchMore(ctx context.Context, bundle model.CandidateBundle, d model.FetchMore) (model.CandidateBundle, bool, error) {
	if l.Resolver == nil {
		return bundle, false, nil
	}

	req := resolver.Request{Intent: bundle.Intent, Context: bundle.Context}
	switch strings.ToLower(strings.TrimSpace(d.Kind)) {
	case FetchDevicesForArea:
		area := paramString(d.Params, "area")
		if area == "" {
			area = paramString(bundle.Context, "area")
		}
		if area == "" {
			area = paramString(bundle.Context, "room")
		}
		if area == "" {
			return bundle, false, nil
		}
		req.Scope = resolver.Scope{Area: area, Strict: true}
	case FetchBroaden:
		req.Scope.Area = paramString(d.Params, "area")
		if q := paramString(d.Params, "query"); q != "" {
			req.Query = q
		}
	default:
		l.Logger.Info().Str("fetch", d.Kind).Msg("unknown fetch kind")
		return bundle, false, nil
	}

	extra, err := l.Resolver.Resolve(ctx, req)
	if err != nil {
		return bundle, false, fmt.Errorf("fetch %s: %w", d.Kind, err)
	}
	merged := Merge(bundle, extra.Candidates)
	l.Logger.Debug().
		Str("fetch", d.Kind).
		Int("before", len(bundle.Candidates)).
		Int("after", len(merged.Candidates)).
		Msg("candidates broadened")
	return merged, true, nil
}

// Merge appends extra candidates to bundle, skipping device+action pairs
// already present. The input bundle is not modified.
func Merge(bundle model.CandidateBundle, extra []model.Candidate) model.CandidateBundle {
	seen := make(map[string]struct{}, len(bundle.Candidates)+len(extra))
	merged := make([]model.Candidate, 0, len(bundle.Candidates)+len(extra))
	for _, group := range [][]model.Candidate{bundle.Candidates, extra} {
		for _, c := range group {
			key := c.Device.ID + "|" + c.Action.ID
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			merged = append(merged, c)
		}
	}
	bundle.Candidates = merged
	return bundle
}

func (l *Loop) observeRound(mode string) {
	if l.Observer != nil {
		l.Observer.ObserveRound(mode)
	}
}

func paramString(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return strings.TrimSpace(s)
}
