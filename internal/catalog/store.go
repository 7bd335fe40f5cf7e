package catalog

import (
	"sort"
	"strings"
	"sync"
	"time"

	"smarthub/internal/fingerprint"
	"smarthub/internal/model"
)

// Store holds the current catalog snapshot: one descriptor per entity id
// and one service block per domain. It is safe for concurrent use; readers
// always see a whole snapshot.
type Store struct {
	mu        sync.RWMutex
	entities  map[string]model.EntityDescriptor
	blocks    map[string]model.DomainServiceBlock
	updatedAt time.Time

	hintMu sync.Mutex
	hints  map[string]hintEntry
}

type hintEntry struct {
	hint  model.SchemaHint
	field string
}

// Stats summarizes the store contents.
type Stats struct {
	Entities  int       `json:"entities"`
	Domains   int       `json:"domains"`
	Services  int       `json:"services"`
	UpdatedAt time.Time `json:"updated_at"`
}

func NewStore() *Store {
	return &Store{
		entities: make(map[string]model.EntityDescriptor),
		blocks:   make(map[string]model.DomainServiceBlock),
		hints:    make(map[string]hintEntry),
	}
}

// Replace swaps in a new snapshot. When an entity id repeats, the first
// descriptor wins.
func (s *Store) Replace(descriptors []model.EntityDescriptor, blocks map[string]model.DomainServiceBlock) {
	entities := make(map[string]model.EntityDescriptor, len(descriptors))
	for _, d := range descriptors {
		if d.EntityID == "" {
			continue
		}
		if _, dup := entities[d.EntityID]; dup {
			continue
		}
		entities[d.EntityID] = d
	}
	nextBlocks := make(map[string]model.DomainServiceBlock, len(blocks))
	for domain, block := range blocks {
		nextBlocks[domain] = block
	}

	s.mu.Lock()
	s.entities = entities
	s.blocks = nextBlocks
	s.updatedAt = time.Now().UTC()
	s.mu.Unlock()
}

// Entity returns the descriptor for an entity id.
func (s *Store) Entity(entityID string) (model.EntityDescriptor, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.entities[entityID]
	return d, ok
}

// Entities returns all descriptors sorted by entity id.
func (s *Store) Entities() []model.EntityDescriptor {
	s.mu.RLock()
	out := make([]model.EntityDescriptor, 0, len(s.entities))
	for _, d := range s.entities {
		out = append(out, d)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].EntityID < out[j].EntityID })
	return out
}

// EntitiesInArea returns the descriptors whose area matches area, ignoring
// case and treating spaces and underscores alike.
func (s *Store) EntitiesInArea(area string) []model.EntityDescriptor {
	want := NormalizeArea(area)
	if want == "" {
		return nil
	}
	var out []model.EntityDescriptor
	for _, d := range s.Entities() {
		if NormalizeArea(d.Area) == want {
			out = append(out, d)
		}
	}
	return out
}

// DomainBlock returns the service block for a domain.
func (s *Store) DomainBlock(domain string) (model.DomainServiceBlock, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.blocks[domain]
	return b, ok
}

// Blocks returns a copy of all service blocks keyed by domain.
func (s *Store) Blocks() map[string]model.DomainServiceBlock {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]model.DomainServiceBlock, len(s.blocks))
	for k, v := range s.blocks {
		out[k] = v
	}
	return out
}

// ServiceSpec returns the declared schema of "<domain>.<service>".
func (s *Store) ServiceSpec(actionID string) (model.ServiceSpec, bool) {
	domain, service, ok := splitAction(actionID)
	if !ok {
		return model.ServiceSpec{}, false
	}
	block, ok := s.DomainBlock(domain)
	if !ok {
		return model.ServiceSpec{}, false
	}
	spec, ok := block.Specs[service]
	if !ok {
		if _, listed := block.Services[service]; !listed {
			return model.ServiceSpec{}, false
		}
	}
	return spec, true
}

// SchemaHint returns the value shape for an action id. Hints are memoized
// per schema identity (action id plus schema digest), so a hint never
// changes unless the declared schema does. Unknown actions carry no hint.
func (s *Store) SchemaHint(actionID string) model.SchemaHint {
	hint, _ := s.schemaEntry(actionID)
	return hint.hint
}

// ValueField names the argument that carries the value of an action's
// range hint, or "" when the action has none.
func (s *Store) ValueField(actionID string) string {
	hint, _ := s.schemaEntry(actionID)
	return hint.field
}

func (s *Store) schemaEntry(actionID string) (hintEntry, bool) {
	spec, ok := s.ServiceSpec(actionID)
	if !ok {
		return hintEntry{}, false
	}
	identity := actionID + "@" + fingerprint.Hash(spec)

	s.hintMu.Lock()
	defer s.hintMu.Unlock()
	if e, ok := s.hints[identity]; ok {
		return e, true
	}
	hint, field := DeriveSchemaHint(spec)
	e := hintEntry{hint: hint, field: field}
	s.hints[identity] = e
	return e, true
}

// Stats reports the size of the current snapshot.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := Stats{Entities: len(s.entities), Domains: len(s.blocks), UpdatedAt: s.updatedAt}
	for _, b := range s.blocks {
		st.Services += len(b.Services)
	}
	return st
}

// NormalizeArea folds an area name for comparison: lower case, trimmed,
// spaces as underscores.
func NormalizeArea(area string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(area)), " ", "_")
}
