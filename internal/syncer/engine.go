// Package syncer keeps the embedding index in step with the live catalog.
// Only descriptors whose content hash changed since they were last embedded
// are re-embedded, so repeated passes over an unchanged catalog are cheap.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"smarthub/internal/catalog"
	"smarthub/internal/fingerprint"
	"smarthub/internal/model"
)

const DefaultBatchSize = 32

// Fetcher produces the current catalog snapshot.
type Fetcher interface {
	FetchAll(ctx context.Context) ([]model.EntityDescriptor, map[string]model.DomainServiceBlock, error)
}

// Observer receives the outcome of every pass.
type Observer interface {
	ObserveSync(result model.SyncResult, elapsed time.Duration, err error)
}

// Options configures an Engine.
type Options struct {
	EmbedModel   string
	EmbedVersion string
	BatchSize    int
}

// Engine runs sync passes. Passes are serialized.
type Engine struct {
	fetcher  Fetcher
	store    *catalog.Store
	index    model.Index
	embedder model.Embedder

	batchSize int

	modelMu      sync.RWMutex
	embedModel   string
	embedVersion string

	passMu sync.Mutex

	Logger   zerolog.Logger
	Observer Observer
}

func NewEngine(fetcher Fetcher, store *catalog.Store, index model.Index, embedder model.Embedder, opts Options) *Engine {
	batch := opts.BatchSize
	if batch <= 0 {
		batch = DefaultBatchSize
	}
	return &Engine{
		fetcher:      fetcher,
		store:        store,
		index:        index,
		embedder:     embedder,
		batchSize:    batch,
		embedModel:   strings.TrimSpace(opts.EmbedModel),
		embedVersion: strings.TrimSpace(opts.EmbedVersion),
		Logger:       zerolog.Nop(),
	}
}

// EmbedModel returns the embedding model id and version in use.
func (e *Engine) EmbedModel() (string, string) {
	e.modelMu.RLock()
	defer e.modelMu.RUnlock()
	return e.embedModel, e.embedVersion
}

type item struct {
	key       string
	text      string
	embedHash string
	meta      model.RecordMeta
}

// Sync runs one pass: fetch the catalog, refresh the store, diff content
// hashes against the index and embed what changed in sequential batches.
// Each batch is committed before the next starts; a failing batch aborts
// the pass and leaves earlier batches in place. The returned result counts
// the work done up to the failure.
func (e *Engine) Sync(ctx context.Context) (model.SyncResult, error) {
	e.passMu.Lock()
	defer e.passMu.Unlock()
	return e.syncLocked(ctx, false)
}

// Resync resets the index, optionally switches the embedding model, and
// embeds the whole catalog from scratch.
func (e *Engine) Resync(ctx context.Context, embedModel, embedVersion string) (model.SyncResult, error) {
	e.passMu.Lock()
	defer e.passMu.Unlock()

	e.modelMu.Lock()
	if m := strings.TrimSpace(embedModel); m != "" {
		e.embedModel = m
	}
	if v := strings.TrimSpace(embedVersion); v != "" {
		e.embedVersion = v
	}
	m, v := e.embedModel, e.embedVersion
	e.modelMu.Unlock()

	if err := e.index.Reset(ctx); err != nil {
		return model.SyncResult{}, fmt.Errorf("reset index: %w", err)
	}
	e.Logger.Info().Str("embed_model", m).Str("embed_version", v).Msg("index reset for resync")
	return e.syncLocked(ctx, true)
}

func (e *Engine) syncLocked(ctx context.Context, force bool) (result model.SyncResult, err error) {
	if e.fetcher == nil || e.store == nil || e.index == nil || e.embedder == nil {
		return model.SyncResult{}, errors.New("syncer: fetcher, store, index, and embedder are required")
	}

	started := time.Now()
	defer func() {
		if e.Observer != nil {
			e.Observer.ObserveSync(result, time.Since(started), err)
		}
	}()

	descriptors, blocks, err := e.fetcher.FetchAll(ctx)
	if err != nil {
		e.Logger.Warn().Err(err).Msg("catalog fetch failed; sync aborted")
		return model.SyncResult{}, err
	}
	e.store.Replace(descriptors, blocks)

	embedModel, embedVersion := e.EmbedModel()
	items := buildItems(descriptors, blocks, embedModel, embedVersion)
	result.Scanned = len(items)

	keys := make([]string, len(items))
	for i, it := range items {
		keys[i] = it.key
	}
	previous, err := e.index.LastEmbeddedHashes(ctx, keys)
	if err != nil {
		return result, fmt.Errorf("load embedded hashes: %w", err)
	}

	pending := make([]item, 0, len(items))
	for _, it := range items {
		if fingerprint.Changed(previous[it.key], it.embedHash, force) {
			pending = append(pending, it)
		}
	}
	if len(pending) == 0 {
		e.Logger.Debug().Int("scanned", result.Scanned).Msg("sync: nothing changed")
		return result, nil
	}

	for start := 0; start < len(pending); start += e.batchSize {
		end := start + e.batchSize
		if end > len(pending) {
			end = len(pending)
		}
		batch := pending[start:end]
		if err := e.embedBatch(ctx, embedModel, batch); err != nil {
			e.Logger.Warn().Err(err).
				Int("batch", result.Batches+1).
				Int("embedded", result.Embedded).
				Msg("sync pass aborted")
			return result, err
		}
		result.Batches++
		result.Embedded += len(batch)
	}

	e.Logger.Info().
		Int("scanned", result.Scanned).
		Int("embedded", result.Embedded).
		Int("batches", result.Batches).
		Dur("elapsed", time.Since(started)).
		Msg("sync pass complete")
	return result, nil
}

func (e *Engine) embedBatch(ctx context.Context, embedModel string, batch []item) error {
	inputs := make([]string, len(batch))
	for i, it := range batch {
		inputs[i] = it.text
	}
	vectors, err := e.embedder.Embed(ctx, embedModel, inputs)
	if err != nil {
		return fmt.Errorf("embed batch: %w", err)
	}
	if len(vectors) != len(batch) {
		return fmt.Errorf("embed batch: got %d vectors for %d inputs", len(vectors), len(batch))
	}

	now := time.Now().UTC()
	records := make([]model.EmbeddingRecord, len(batch))
	for i, it := range batch {
		meta := it.meta
		meta.UpdatedAt = now
		records[i] = model.EmbeddingRecord{Key: it.key, Vector: vectors[i], Meta: meta}
	}
	if err := e.index.UpsertBatch(ctx, records); err != nil {
		return fmt.Errorf("upsert batch: %w", err)
	}
	return nil
}

// buildItems lists every indexable unit in a stable order: entities by id,
// then domains, then services.
func buildItems(descriptors []model.EntityDescriptor, blocks map[string]model.DomainServiceBlock, embedModel, embedVersion string) []item {
	sorted := make([]model.EntityDescriptor, len(descriptors))
	copy(sorted, descriptors)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].EntityID < sorted[j].EntityID })

	items := make([]item, 0, len(sorted)+len(blocks)*4)
	for _, d := range sorted {
		items = append(items, newItem(model.EntityKey(d.EntityID), catalog.DescriptorText(d),
			catalog.DescriptorContent(d), model.RecordMeta{Kind: model.KindEntity, Domain: d.Domain, Area: d.Area},
			embedModel, embedVersion))
	}

	domains := make([]string, 0, len(blocks))
	for d := range blocks {
		domains = append(domains, d)
	}
	sort.Strings(domains)
	for _, domain := range domains {
		block := blocks[domain]
		items = append(items, newItem(model.DomainKey(domain), catalog.DomainText(block),
			catalog.DomainContent(block), model.RecordMeta{Kind: model.KindDomain, Domain: domain},
			embedModel, embedVersion))
	}
	for _, domain := range domains {
		block := blocks[domain]
		services := make([]string, 0, len(block.Services))
		for s := range block.Services {
			services = append(services, s)
		}
		sort.Strings(services)
		for _, svc := range services {
			spec := block.Specs[svc]
			items = append(items, newItem(model.ServiceKey(domain, svc), catalog.ServiceText(domain, svc, spec),
				catalog.ServiceContent(domain, svc, spec), model.RecordMeta{Kind: model.KindService, Domain: domain},
				embedModel, embedVersion))
		}
	}
	return items
}

func newItem(key, text string, content map[string]any, meta model.RecordMeta, embedModel, embedVersion string) item {
	contentHash := fingerprint.Hash(content)
	embedHash := EmbedHash(contentHash, embedModel, embedVersion)
	meta.ContentHash = contentHash
	meta.LastEmbeddedHash = embedHash
	return item{key: key, text: text, embedHash: embedHash, meta: meta}
}

// EmbedHash folds the embedding model identity into a content hash so that
// switching models re-embeds everything.
func EmbedHash(contentHash, embedModel, embedVersion string) string {
	return fingerprint.Hash(map[string]any{
		"content":       contentHash,
		"embed_model":   embedModel,
		"embed_version": embedVersion,
		"capabilities":  catalog.CapabilityTableVersion,
	})
}
