package model

import (
	"strings"
	"time"
)

// Key prefixes addressing rows in the embedding index.
const (
	KindEntity  = "entity"
	KindDomain  = "domain"
	KindService = "service"
)

// EntityKey returns the index key for an entity id.
func EntityKey(entityID string) string { return KindEntity + ":" + entityID }

// DomainKey returns the index key for a domain.
func DomainKey(domain string) string { return KindDomain + ":" + domain }

// ServiceKey returns the index key for a domain service.
func ServiceKey(domain, service string) string { return KindService + ":" + domain + "." + service }

// SplitKey breaks a typed key into its kind and identifier. ok is false when
// the key carries no kind prefix.
func SplitKey(key string) (kind, ident string, ok bool) {
	kind, ident, ok = strings.Cut(key, ":")
	if !ok || kind == "" || ident == "" {
		return "", "", false
	}
	return kind, ident, true
}

// DomainOf returns the domain part of an entity id such as "light.kitchen".
func DomainOf(entityID string) string {
	domain, _, ok := strings.Cut(entityID, ".")
	if !ok {
		return ""
	}
	return domain
}

// EntityState is one entity snapshot as reported by the live system,
// volatile fields included.
type EntityState struct {
	EntityID    string         `json:"entity_id"`
	State       string         `json:"state"`
	Attributes  map[string]any `json:"attributes"`
	LastChanged string         `json:"last_changed,omitempty"`
	LastUpdated string         `json:"last_updated,omitempty"`
}

// ServiceField is the declared schema of one service argument.
type ServiceField struct {
	Name        string         `json:"name,omitempty"`
	Description string         `json:"description,omitempty"`
	Required    bool           `json:"required,omitempty"`
	Example     any            `json:"example,omitempty"`
	Selector    map[string]any `json:"selector,omitempty"`
}

// ServiceSpec is the declared schema of one service in a domain.
type ServiceSpec struct {
	Name        string                  `json:"name,omitempty"`
	Description string                  `json:"description,omitempty"`
	Fields      map[string]ServiceField `json:"fields"`
}

// EntityDescriptor is the static, non-volatile summary of one controllable
// entity. It is regenerated every sync pass and never hand-edited.
type EntityDescriptor struct {
	EntityID     string   `json:"entity_id"`
	Domain       string   `json:"domain"`
	Name         string   `json:"friendly_name"`
	Area         string   `json:"area,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
	Services     []string `json:"services,omitempty"`
}

// DomainServiceBlock maps each service of a domain to the argument names it
// accepts. Specs keeps the declared schemas used to derive schema hints.
type DomainServiceBlock struct {
	Domain   string                 `json:"domain"`
	Services map[string][]string    `json:"services"`
	Specs    map[string]ServiceSpec `json:"-"`
}

// RecordMeta is the metadata stored next to each vector.
type RecordMeta struct {
	Kind             string    `json:"kind"`
	Domain           string    `json:"domain,omitempty"`
	Area             string    `json:"area,omitempty"`
	ContentHash      string    `json:"content_hash"`
	LastEmbeddedHash string    `json:"last_embedded_hash"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// EmbeddingRecord is one stored index row.
type EmbeddingRecord struct {
	Key    string
	Vector []float32
	Meta   RecordMeta
}

// Hit is one ranked index query result.
type Hit struct {
	Key   string
	Score float64
	Meta  RecordMeta
}

// SchemaHint is the permitted value shape of an action's arguments: a numeric
// range or a toggle. It is immutable once derived.
type SchemaHint struct {
	ValueRange *[2]float64 `json:"value_range,omitempty"`
	Toggle     bool        `json:"toggle,omitempty"`
}

// RangeHint builds a numeric value_range hint.
func RangeHint(lo, hi float64) SchemaHint {
	return SchemaHint{ValueRange: &[2]float64{lo, hi}}
}

// ToggleHint builds a toggle hint for boolean or argument-less actions.
func ToggleHint() SchemaHint {
	return SchemaHint{Toggle: true}
}

// IsZero reports whether the hint carries no constraint.
func (h SchemaHint) IsZero() bool {
	return h.ValueRange == nil && !h.Toggle
}

// DeviceRef identifies a candidate device.
type DeviceRef struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Domain string `json:"domain"`
	Area   string `json:"area,omitempty"`
}

// ActionRef identifies a candidate action; ID is "<domain>.<service>".
type ActionRef struct {
	ID     string   `json:"id"`
	Name   string   `json:"name"`
	Fields []string `json:"fields,omitempty"`
}

// Candidate is one device+action pairing proposed to the decision engine.
type Candidate struct {
	Device     DeviceRef      `json:"device"`
	Action     ActionRef      `json:"action"`
	SchemaHint SchemaHint     `json:"schema_hint"`
	Args       map[string]any `json:"args_proposed"`
}

// Example is an illustrative past exchange shown to the decision engine.
type Example struct {
	User     string         `json:"user" yaml:"user"`
	Intent   string         `json:"intent,omitempty" yaml:"intent"`
	DeviceID string         `json:"device_id" yaml:"device_id"`
	ActionID string         `json:"action_id" yaml:"action_id"`
	Args     map[string]any `json:"args,omitempty" yaml:"args"`
	Result   string         `json:"result,omitempty" yaml:"result"`
}

// Intent is the classifier's structured reading of a user message.
type Intent struct {
	Intent     string         `json:"intent"`
	Targets    []string       `json:"targets,omitempty"`
	Args       map[string]any `json:"args,omitempty"`
	Confidence float64        `json:"confidence,omitempty"`
}

// CandidateBundle is built fresh by the resolver for every turn and round.
// It is never persisted.
type CandidateBundle struct {
	Intent     Intent         `json:"user"`
	Context    map[string]any `json:"context,omitempty"`
	Candidates []Candidate    `json:"candidates"`
	Examples   []Example      `json:"examples,omitempty"`
}

// Turn is one inbound chat message as accepted by the turn endpoint.
type Turn struct {
	ChatID      string         `json:"chat_id"`
	UserMessage string         `json:"user_last_message"`
	Context     map[string]any `json:"context,omitempty"`
	TenantID    string         `json:"tenant_id,omitempty"`
}

// SyncResult reports the work done by one sync pass.
type SyncResult struct {
	Scanned  int `json:"scanned"`
	Embedded int `json:"embedded"`
	Batches  int `json:"batches"`
}
