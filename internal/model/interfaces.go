package model

import "context"

// Embedder turns texts into fixed-length vectors, one per input, in order.
type Embedder interface {
	Embed(ctx context.Context, model string, inputs []string) ([][]float32, error)
}

// Generator returns a single completion for a system prompt and user prompt.
type Generator interface {
	Generate(ctx context.Context, model, system, prompt string) (string, error)
}

// LiveSystem is the read side of the external system of record.
type LiveSystem interface {
	States(ctx context.Context) ([]EntityState, error)
	Services(ctx context.Context) (map[string]map[string]ServiceSpec, error)
}

// Executor runs a validated device action against the live system.
type Executor interface {
	Execute(ctx context.Context, deviceID, actionID string, args map[string]any) (map[string]any, error)
}

// Classifier is the intent-classification capability.
type Classifier interface {
	Classify(ctx context.Context, message string, context map[string]any, summary string) (Classification, error)
}

// DecisionEngine is the decision capability. It returns one raw line of
// structured output; decoding is the caller's job.
type DecisionEngine interface {
	Decide(ctx context.Context, bundle CandidateBundle, summary string) (string, error)
}

// Index is the keyed vector store the sync engine writes and the resolver
// reads.
type Index interface {
	UpsertBatch(ctx context.Context, records []EmbeddingRecord) error
	Query(ctx context.Context, vector []float32, topK int, filter QueryFilter) ([]Hit, error)
	LastEmbeddedHashes(ctx context.Context, keys []string) (map[string]string, error)
	Reset(ctx context.Context) error
	Count(ctx context.Context) (int, error)
}

// QueryFilter narrows an index query to one sub-index and optionally a
// domain or area. Zero value searches the whole space.
type QueryFilter struct {
	Kind   string
	Domain string
	Area   string
}
