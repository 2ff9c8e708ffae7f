package ipfix

import (
	"sync"

	"github.com/kyleArnott/vermont/pkg/ie"
	"github.com/kyleArnott/vermont/pkg/rules"
)

// enterpriseBit marks a field specifier's id as carrying a following
// 4-byte Enterprise Number (RFC 7011 §3.2's "E" bit).
const enterpriseBit = uint16(0x8000)

// FieldSpec is one Information Element slot of a Template, the wire
// counterpart of an ie.Info.
type FieldSpec struct {
	ie.Key
	Length uint16 // 0xFFFF marks a variable-length field
}

// Template is a decoded or locally-built IPFIX Template Record: the
// ordered field layout that gives meaning to a DataSet's raw bytes.
type Template struct {
	ID                  uint16
	ObservationDomainID uint32
	Fields              []FieldSpec

	// ScopeFieldCount is nonzero for an OptionsTemplate: the first
	// ScopeFieldCount fields are scope fields (RFC 7011 §3.4.2).
	ScopeFieldCount uint16
}

// IsOptions reports whether t was decoded from (or should be encoded as)
// an OptionsTemplate Set rather than a plain Template Set.
func (t *Template) IsOptions() bool { return t.ScopeFieldCount > 0 }

// TemplateKey identifies a Template by the (observationDomainId,
// templateId) pair spec §4.5 requires the cache be keyed on.
type TemplateKey struct {
	ObservationDomainID uint32
	TemplateID          uint16
}

// TemplateCache stores Templates as the Decoder observes them, keyed by
// TemplateKey. The Encoder keeps its own templates and does not use it.
type TemplateCache interface {
	Get(key TemplateKey) (*Template, bool)
	Add(key TemplateKey, tmpl *Template)
}

// memTemplateCache is an in-memory TemplateCache guarded by a mutex, so it
// may be shared by goroutines that are not the same as each other
// (unlike pkg/hashtable, nothing here
// requires single-goroutine discipline, since templates change rarely and
// reads vastly outnumber writes).
type memTemplateCache struct {
	mu        sync.RWMutex
	templates map[TemplateKey]*Template
}

// NewTemplateCache returns an empty, concurrency-safe TemplateCache.
func NewTemplateCache() TemplateCache {
	return &memTemplateCache{templates: make(map[TemplateKey]*Template)}
}

func (c *memTemplateCache) Get(key TemplateKey) (*Template, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.templates[key]
	return t, ok
}

func (c *memTemplateCache) Add(key TemplateKey, tmpl *Template) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.templates[key] = tmpl
}

// TemplateFromRule builds the Template a Rule's FlowRecords are exported
// under: one FieldSpec per declared Field in order (flow-key fields
// first, then aggregate fields, matching declaration order), plus one
// reverse-direction FieldSpec per aggregate field when the Rule folds
// biflows, per RFC 5103.
func TemplateFromRule(r *rules.Rule, registry *ie.Registry, observationDomainID uint32) *Template {
	t := &Template{ID: r.ID, ObservationDomainID: observationDomainID}
	for _, f := range r.Fields {
		if f.Modifier == rules.Discard {
			continue
		}
		// AppendPrefixLength applies to both Keep and Mask address fields:
		// rules.applyModifier appends the prefix-length byte in both cases
		// (pkg/rules/match.go), so the Template must declare the same
		// single extra byte regardless of which of the two modifiers built
		// the field.
		length := f.IE.Length
		if f.AppendPrefixLength {
			length++
		}
		t.Fields = append(t.Fields, FieldSpec{Key: f.IE.Key, Length: length})
	}
	if r.BiflowAggregation {
		for _, f := range r.AggregateFields() {
			rev := ie.Key{ID: f.IE.Key.ID, Enterprise: f.IE.Key.Enterprise | ie.ReversePEN}
			t.Fields = append(t.Fields, FieldSpec{Key: rev, Length: f.IE.Length})
		}
	}
	return t
}
