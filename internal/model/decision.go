package model

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Decision modes as they appear on the wire.
const (
	ModeReply           = "REPLY"
	ModeFetchMore       = "FETCH_MORE"
	ModeExecuteAndReply = "EXECUTE_AND_REPLY"
)

// Decision is the outcome of one decision round. The interface is sealed:
// Reply, FetchMore and ExecuteAndReply are its only implementations.
type Decision interface {
	Mode() string
	sealed()
}

// Reply ends the turn with a plain answer.
type Reply struct {
	Text string
}

// FetchMore asks the loop to broaden the candidate set and try again.
type FetchMore struct {
	Kind   string
	Params map[string]any
}

// ExecuteAndReply runs a device action and ends the turn with ReplyText.
type ExecuteAndReply struct {
	DeviceID  string
	ActionID  string
	Args      map[string]any
	ReplyText string
}

func (Reply) Mode() string           { return ModeReply }
func (FetchMore) Mode() string       { return ModeFetchMore }
func (ExecuteAndReply) Mode() string { return ModeExecuteAndReply }

func (Reply) sealed()           {}
func (FetchMore) sealed()       {}
func (ExecuteAndReply) sealed() {}

type decisionWire struct {
	Mode      string         `json:"mode"`
	Text      string         `json:"text"`
	Fetch     string         `json:"fetch"`
	Params    map[string]any `json:"params"`
	DeviceID  string         `json:"device_id"`
	ActionID  string         `json:"action_id"`
	Args      map[string]any `json:"args"`
	ReplyText string         `json:"reply_text"`
}

// DecodeDecision parses one line of decision-engine output. Any error wraps
// ErrParseFailure; an unrecognised mode tag yields ErrUnknownDecision.
func DecodeDecision(raw string) (Decision, error) {
	obj, err := ExtractJSONObject(raw)
	if err != nil {
		return nil, err
	}
	var w decisionWire
	if err := json.Unmarshal(obj, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParseFailure, err)
	}

	switch strings.ToUpper(strings.TrimSpace(w.Mode)) {
	case ModeReply:
		text := strings.TrimSpace(w.Text)
		if text == "" {
			return nil, fmt.Errorf("%w: reply without text", ErrParseFailure)
		}
		return Reply{Text: text}, nil
	case ModeFetchMore:
		kind := strings.TrimSpace(w.Fetch)
		if kind == "" {
			return nil, fmt.Errorf("%w: fetch_more without fetch kind", ErrParseFailure)
		}
		params := w.Params
		if params == nil {
			params = map[string]any{}
		}
		return FetchMore{Kind: kind, Params: params}, nil
	case ModeExecuteAndReply:
		if strings.TrimSpace(w.DeviceID) == "" || strings.TrimSpace(w.ActionID) == "" {
			return nil, fmt.Errorf("%w: execute without device_id or action_id", ErrParseFailure)
		}
		args := w.Args
		if args == nil {
			args = map[string]any{}
		}
		return ExecuteAndReply{
			DeviceID:  strings.TrimSpace(w.DeviceID),
			ActionID:  strings.TrimSpace(w.ActionID),
			Args:      args,
			ReplyText: strings.TrimSpace(w.ReplyText),
		}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDecision, w.Mode)
	}
}

// Classification is the intent classifier's output: either a direct reply
// or a structured intent. Exactly one of the two is set.
type Classification struct {
	Reply  string
	Intent *Intent
}

// IsReply reports whether the classifier answered directly.
func (c Classification) IsReply() bool { return c.Intent == nil }

type classificationWire struct {
	Mode   string  `json:"mode"`
	Text   string  `json:"text"`
	Intent *Intent `json:"intent"`
}

// DecodeClassification parses one line of classifier output.
func DecodeClassification(raw string) (Classification, error) {
	obj, err := ExtractJSONObject(raw)
	if err != nil {
		return Classification{}, err
	}
	var w classificationWire
	if err := json.Unmarshal(obj, &w); err != nil {
		return Classification{}, fmt.Errorf("%w: %v", ErrParseFailure, err)
	}
	switch strings.ToLower(strings.TrimSpace(w.Mode)) {
	case "reply":
		if strings.TrimSpace(w.Text) == "" {
			return Classification{}, fmt.Errorf("%w: reply without text", ErrParseFailure)
		}
		return Classification{Reply: strings.TrimSpace(w.Text)}, nil
	case "intent":
		if w.Intent == nil || strings.TrimSpace(w.Intent.Intent) == "" {
			return Classification{}, fmt.Errorf("%w: intent mode without intent", ErrParseFailure)
		}
		if w.Intent.Args == nil {
			w.Intent.Args = map[string]any{}
		}
		return Classification{Intent: w.Intent}, nil
	default:
		return Classification{}, fmt.Errorf("%w: unknown classification mode %q", ErrParseFailure, w.Mode)
	}
}

// ExtractJSONObject returns the outermost {...} span of model output, which
// models sometimes wrap in prose or code fences.
func ExtractJSONObject(raw string) ([]byte, error) {
	trimmed := strings.TrimSpace(raw)
	start := strings.Index(trimmed, "{")
	end := strings.LastIndex(trimmed, "}")
	if start < 0 || end < start {
		return nil, fmt.Errorf("%w: no json object in output", ErrParseFailure)
	}
	return []byte(trimmed[start : end+1]), nil
}
