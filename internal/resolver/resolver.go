// Package resolver turns a classified intent into a bounded bundle of
// device+action candidates using the embedding index and the catalog store.
package resolver

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"smarthub/internal/args"
	"smarthub/internal/catalog"
	"smarthub/internal/examples"
	"smarthub/internal/model"
)

const (
	DefaultMaxCandidates = 3
	DefaultDeviceTopK    = 8
	DefaultActionTopK    = 8
)

// ModelSource reports the embedding model the index was built with.
type ModelSource interface {
	EmbedModel() (string, string)
}

// Scope biases resolution toward an area. Ranked hits come first and the
// area's other devices follow them. With Strict set, only devices in Area
// are retrieved.
type Scope struct {
	Area   string
	Strict bool
}

func (s Scope) filterArea() string {
	if s.Strict {
		return s.Area
	}
	return ""
}

// Request is one resolution request. Query, when empty, is derived from the
// intent.
type Request struct {
	Query   string
	Intent  model.Intent
	Context map[string]any
	Scope   Scope
}

// Options configures a Resolver.
type Options struct {
	EmbedModel    string
	Models        ModelSource
	MaxCandidates int
	DeviceTopK    int
	ActionTopK    int
}

// Resolver builds candidate bundles. It is safe for concurrent use.
type Resolver struct {
	index    model.Index
	embedder model.Embedder
	store    *catalog.Store
	examples *examples.Library
	opts     Options
	norm     args.Normalizer

	Logger zerolog.Logger
}

func New(index model.Index, embedder model.Embedder, store *catalog.Store, lib *examples.Library, opts Options) *Resolver {
	if opts.MaxCandidates <= 0 {
		opts.MaxCandidates = DefaultMaxCandidates
	}
	if opts.DeviceTopK <= 0 {
		opts.DeviceTopK = DefaultDeviceTopK
	}
	if opts.ActionTopK <= 0 {
		opts.ActionTopK = DefaultActionTopK
	}
	return &Resolver{
		index:    index,
		embedder: embedder,
		store:    store,
		examples: lib,
		opts:     opts,
		Logger:   zerolog.Nop(),
	}
}

// SetLogger sets the logger used for resolution and argument corrections.
func (r *Resolver) SetLogger(l zerolog.Logger) {
	r.Logger = l
	r.norm = args.Normalizer{Logger: l}
}

func (r *Resolver) embedModel() string {
	if r.opts.Models != nil {
		if m, _ := r.opts.Models.EmbedModel(); m != "" {
			return m
		}
	}
	return r.opts.EmbedModel
}

// Resolve embeds the request once, queries device and action hits
// concurrently and pairs each device with an action matching the intent.
// No matches yield an empty candidate list, not an error.
func (r *Resolver) Resolve(ctx context.Context, req Request) (model.CandidateBundle, error) {
	bundle := model.CandidateBundle{
		Intent:     req.Intent,
		Context:    req.Context,
		Candidates: []model.Candidate{},
	}
	if bundle.Intent.Args == nil {
		bundle.Intent.Args = map[string]any{}
	}
	if r.examples != nil {
		bundle.Examples = r.examples.Sample(req.Intent.Intent, examples.MaxSample)
	}

	query := strings.TrimSpace(req.Query)
	if query == "" {
		query = QueryText(req.Intent, req.Scope)
	}
	if query == "" {
		return bundle, nil
	}

	vectors, err := r.embedder.Embed(ctx, r.embedModel(), []string{query})
	if err != nil {
		return bundle, fmt.Errorf("embed query: %w", err)
	}
	if len(vectors) != 1 || len(vectors[0]) == 0 {
		return bundle, fmt.Errorf("embed query: expected one vector, got %d", len(vectors))
	}
	vector := vectors[0]

	var deviceHits, actionHits []model.Hit
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hits, err := r.index.Query(gctx, vector, r.opts.DeviceTopK, model.QueryFilter{Kind: model.KindEntity, Area: req.Scope.filterArea()})
		if err != nil {
			return fmt.Errorf("query devices: %w", err)
		}
		deviceHits = hits
		return nil
	})
	g.Go(func() error {
		hits, err := r.index.Query(gctx, vector, r.opts.ActionTopK, model.QueryFilter{Kind: model.KindService})
		if err != nil {
			return fmt.Errorf("query actions: %w", err)
		}
		actionHits = hits
		return nil
	})
	if err := g.Wait(); err != nil {
		return bundle, err
	}

	devices := r.devicesFor(deviceHits, req.Scope)
	actions := r.actionsFor(actionHits)
	verb := normalizeName(req.Intent.Intent)

	for _, dev := range devices {
		if len(bundle.Candidates) >= r.opts.MaxCandidates {
			break
		}
		actionID, ok := r.pickAction(dev, verb, actions)
		if !ok {
			r.Logger.Debug().Str("entity_id", dev.EntityID).Str("intent", req.Intent.Intent).Msg("no action for device")
			continue
		}
		bundle.Candidates = append(bundle.Candidates, r.candidate(dev, actionID, req.Intent.Args))
	}

	r.Logger.Debug().
		Str("query", query).
		Int("device_hits", len(deviceHits)).
		Int("action_hits", len(actionHits)).
		Int("candidates", len(bundle.Candidates)).
		Msg("resolved")
	return bundle, nil
}

// Candidate builds a candidate for a known device and action id.
func (r *Resolver) Candidate(deviceID, actionID string, proposed map[string]any) (model.Candidate, bool) {
	dev, ok := r.store.Entity(deviceID)
	if !ok {
		return model.Candidate{}, false
	}
	if _, ok := r.store.ServiceSpec(actionID); !ok {
		return model.Candidate{}, false
	}
	return r.candidate(dev, actionID, proposed), true
}

func (r *Resolver) candidate(dev model.EntityDescriptor, actionID string, proposed map[string]any) model.Candidate {
	_, service, _ := strings.Cut(actionID, ".")
	hint := r.store.SchemaHint(actionID)
	var fields []string
	if block, ok := r.store.DomainBlock(dev.Domain); ok {
		fields = block.Services[service]
	}
	return model.Candidate{
		Device:     model.DeviceRef{ID: dev.EntityID, Name: dev.Name, Domain: dev.Domain, Area: dev.Area},
		Action:     model.ActionRef{ID: actionID, Name: service, Fields: fields},
		SchemaHint: hint,
		Args:       r.norm.Apply(proposed, hint),
	}
}

// devicesFor resolves entity hits to descriptors, dropping keys the store
// does not know. With an area scope, the rest of the area's devices follow
// the ranked hits.
func (r *Resolver) devicesFor(hits []model.Hit, scope Scope) []model.EntityDescriptor {
	seen := make(map[string]struct{}, len(hits))
	out := make([]model.EntityDescriptor, 0, len(hits))
	for _, h := range hits {
		kind, id, ok := model.SplitKey(h.Key)
		if !ok || kind != model.KindEntity {
			continue
		}
		dev, ok := r.store.Entity(id)
		if !ok {
			r.Logger.Debug().Str("key", h.Key).Msg("dropping hit for unknown entity")
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, dev)
	}

	if scope.Area != "" {
		for _, dev := range r.store.EntitiesInArea(scope.Area) {
			if _, dup := seen[dev.EntityID]; dup {
				continue
			}
			seen[dev.EntityID] = struct{}{}
			out = append(out, dev)
		}
	}
	return out
}

// actionsFor resolves service hits to action ids in rank order.
func (r *Resolver) actionsFor(hits []model.Hit) []string {
	out := make([]string, 0, len(hits))
	for _, h := range hits {
		kind, id, ok := model.SplitKey(h.Key)
		if !ok || kind != model.KindService {
			continue
		}
		if _, known := r.store.ServiceSpec(id); !known {
			r.Logger.Debug().Str("key", h.Key).Msg("dropping hit for unknown service")
			continue
		}
		out = append(out, id)
	}
	return out
}

// pickAction chooses the device's first service whose name overlaps the
// intent verb; failing that, the best-ranked action hit in the device's
// domain.
func (r *Resolver) pickAction(dev model.EntityDescriptor, verb string, rankedActions []string) (string, bool) {
	if verb != "" {
		for _, svc := range r.deviceServices(dev) {
			name := normalizeName(svc)
			if strings.Contains(name, verb) || strings.Contains(verb, name) {
				return dev.Domain + "." + svc, true
			}
		}
	}
	for _, actionID := range rankedActions {
		if domain, _, ok := strings.Cut(actionID, "."); ok && domain == dev.Domain {
			return actionID, true
		}
	}
	return "", false
}

func (r *Resolver) deviceServices(dev model.EntityDescriptor) []string {
	block, ok := r.store.DomainBlock(dev.Domain)
	if !ok {
		return dev.Services
	}
	out := make([]string, 0, len(block.Services))
	seen := make(map[string]struct{}, len(block.Services))
	for _, svc := range dev.Services {
		if _, exists := block.Services[svc]; exists {
			out = append(out, svc)
			seen[svc] = struct{}{}
		}
	}
	for _, svc := range catalog.SummarizeServicesAll(block) {
		if _, dup := seen[svc]; !dup {
			out = append(out, svc)
		}
	}
	return out
}

// QueryText derives the retrieval text for an intent: verb and targets. The
// area is added for strict scopes or when there are no targets, so a named
// device in another room still ranks first.
func QueryText(intent model.Intent, scope Scope) string {
	parts := make([]string, 0, len(intent.Targets)+2)
	if v := normalizeName(intent.Intent); v != "" {
		parts = append(parts, v)
	}
	targets := 0
	for _, t := range intent.Targets {
		if t = strings.TrimSpace(t); t != "" {
			parts = append(parts, t)
			targets++
		}
	}
	if a := strings.TrimSpace(scope.Area); a != "" && (scope.Strict || targets == 0) {
		parts = append(parts, "in "+strings.ReplaceAll(a, "_", " "))
	}
	return strings.Join(parts, " ")
}

func normalizeName(s string) string {
	return strings.ToLower(strings.TrimSpace(strings.ReplaceAll(s, "_", " ")))
}
