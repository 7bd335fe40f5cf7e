// Package llm adapts a text generator into the intent classifier and the
// decision engine. Both return one line of JSON; decoding and validation
// happen in the model package.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/rs/zerolog"

	"smarthub/internal/model"
)

const classifierSystem = `You classify one message for a smart-home assistant.
Return EXACTLY ONE LINE of JSON and nothing else. Choose one:
{"mode":"reply","text":"<short answer>"} when no device should change (greetings, questions, small talk).
{"mode":"intent","intent":{"intent":"<verb like turn_on, turn_off, set_brightness, set_percentage>","targets":["<device or room words>"],"args":{"value":"<number or low|medium|high|max, optional>"},"confidence":0.0}} otherwise.
Keep targets short nouns. If unsure, still guess an intent.`

const decisionSystem = `You are the decision layer of a smart-home assistant.
Return EXACTLY ONE LINE of JSON and nothing else. Choose one:
{"mode":"EXECUTE_AND_REPLY","device_id":"<candidate device id>","action_id":"<candidate action id>","args":{},"reply_text":"<short confirmation>"}
{"mode":"FETCH_MORE","fetch":"devices_for_area|broaden","params":{"area":"<area>"}}
{"mode":"REPLY","text":"<short answer or question>"}
Only use device_id and action_id values from the candidates. Respect schema_hint ranges.
When there are no candidates, prefer REPLY.`

var controlChars = regexp.MustCompile(`[\x{200E}\x{200F}\x{202A}-\x{202E}\x{2066}-\x{2069}]`)

// Classifier is the intent classifier backed by the small model.
type Classifier struct {
	Generator model.Generator
	Model     string
	Logger    zerolog.Logger
}

func NewClassifier(gen model.Generator, modelName string) *Classifier {
	return &Classifier{Generator: gen, Model: modelName, Logger: zerolog.Nop()}
}

// Classify asks the model for a reply or an intent. Transport failures are
// returned as is; malformed output yields an error wrapping
// model.ErrParseFailure.
func (c *Classifier) Classify(ctx context.Context, message string, turnContext map[string]any, summary string) (model.Classification, error) {
	prompt := fmt.Sprintf("Context:%s\nSummary:%s\nUser:%s",
		compactJSON(turnContext), clean(summary), clean(message))
	raw, err := c.Generator.Generate(ctx, c.Model, classifierSystem, prompt)
	if err != nil {
		return model.Classification{}, fmt.Errorf("classify: %w", err)
	}
	c.Logger.Debug().Str("raw", raw).Msg("classifier output")
	return model.DecodeClassification(raw)
}

// DecisionEngine is the decision capability backed by the big model.
type DecisionEngine struct {
	Generator model.Generator
	Model     string
	Logger    zerolog.Logger
}

func NewDecisionEngine(gen model.Generator, modelName string) *DecisionEngine {
	return &DecisionEngine{Generator: gen, Model: modelName, Logger: zerolog.Nop()}
}

// Decide returns the model's raw decision line for the bundle.
func (d *DecisionEngine) Decide(ctx context.Context, bundle model.CandidateBundle, summary string) (string, error) {
	raw, err := d.Generator.Generate(ctx, d.Model, decisionSystem, DecisionPrompt(bundle, summary))
	if err != nil {
		return "", fmt.Errorf("decide: %w", err)
	}
	d.Logger.Debug().Str("raw", raw).Int("candidates", len(bundle.Candidates)).Msg("decision output")
	return raw, nil
}

// DecisionPrompt renders the bundle for the decision model. An empty
// candidate list is called out explicitly.
func DecisionPrompt(bundle model.CandidateBundle, summary string) string {
	var b strings.Builder
	b.WriteString("summary=")
	b.WriteString(compactJSON(clean(summary)))
	b.WriteString("\nbundle=")
	b.WriteString(compactJSON(bundle))
	if len(bundle.Candidates) == 0 {
		b.WriteString("\nnote=no candidates matched; do not execute")
	}
	return b.String()
}

func compactJSON(v any) string {
	if m, ok := v.(map[string]any); ok && m == nil {
		return "{}"
	}
	out, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(out)
}

func clean(s string) string {
	return strings.TrimSpace(controlChars.ReplaceAllString(s, ""))
}
