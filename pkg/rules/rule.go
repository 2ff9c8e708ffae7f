// Package rules implements the declarative Rule/Field templates that
// classify packets and IPFIX data records into flows: which header slots
// are flow keys (matched and/or masked) versus non-flow keys (aggregated),
// and the optional patterns that restrict which packets a Rule accepts.
package rules

import (
	"fmt"

	"github.com/kyleArnott/vermont/pkg/ie"
)

// Modifier controls how a flow-key Field's extracted bytes are folded into
// the synthesized FlowKey, or marks a Field as a non-flow-key aggregate.
type Modifier int

const (
	// Keep copies the extracted bytes verbatim into the flow key.
	Keep Modifier = iota
	// Discard excludes the field from the flow key entirely (it is
	// inspected for pattern matching only, never stored).
	Discard
	// Mask zeroes address bits beyond MaskBits before copying into the
	// flow key, folding e.g. /24 subnets into one flow.
	Mask
	// Aggregate marks a non-flow-key field combined per its IE's policy.
	Aggregate
)

func (m Modifier) String() string {
	switch m {
	case Keep:
		return "keep"
	case Discard:
		return "discard"
	case Mask:
		return "mask"
	case Aggregate:
		return "aggregate"
	default:
		return fmt.Sprintf("Modifier(%d)", int(m))
	}
}

// PatternKind selects how a Pattern's value is compared against a field's
// extracted bytes, mirroring Vermont's per-IE-type pattern parsers
// (parseProtoPattern, parseIPv4Pattern, parsePortPattern, ...).
type PatternKind int

const (
	PatternExact PatternKind = iota
	PatternPrefixV4
	PatternPortRanges
	PatternTCPFlags
)

// PortRange is an inclusive [Lo, Hi] range of transport ports.
type PortRange struct {
	Lo, Hi uint16
}

// Pattern filters which packets a Rule accepts. A Field carries at most one
// Pattern, and only KEY fields may carry one (biflow rules disallow
// patterns entirely; the loader strips them with a warning).
type Pattern struct {
	Kind PatternKind

	// Exact holds the expected bytes for PatternExact (protocol id, MAC).
	Exact []byte

	// PrefixValue/PrefixBits describe a PatternPrefixV4 match: the
	// extracted address, masked to PrefixBits, must equal PrefixValue.
	PrefixValue []byte
	PrefixBits  int

	// Ranges holds the accepted port ranges for PatternPortRanges.
	Ranges []PortRange

	// FlagsMask/FlagsValue implement PatternTCPFlags: (extracted &
	// FlagsMask) must equal FlagsValue.
	FlagsMask  uint16
	FlagsValue uint16
}

// Match reports whether value (the field's raw extracted bytes, before any
// Keep/Mask modifier is applied) satisfies the pattern.
func (p *Pattern) Match(value []byte) bool {
	if p == nil {
		return true
	}
	switch p.Kind {
	case PatternExact:
		return bytesEqual(p.Exact, value)
	case PatternPrefixV4:
		return bytesEqual(p.PrefixValue, applyV4Mask(value, p.PrefixBits))
	case PatternPortRanges:
		if len(value) < 2 {
			return false
		}
		port := uint16(value[0])<<8 | uint16(value[1])
		for _, r := range p.Ranges {
			if port >= r.Lo && port <= r.Hi {
				return true
			}
		}
		return false
	case PatternTCPFlags:
		if len(value) < 2 {
			return false
		}
		flags := uint16(value[0])<<8 | uint16(value[1])
		return flags&p.FlagsMask == p.FlagsValue
	default:
		return false
	}
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// applyV4Mask zeroes the bits of a 4-byte IPv4 address beyond prefixBits.
func applyV4Mask(addr []byte, prefixBits int) []byte {
	out := make([]byte, len(addr))
	copy(out, addr)
	if prefixBits >= 32 || len(out) != 4 {
		return out
	}
	fullBytes := prefixBits / 8
	remBits := prefixBits % 8
	for i := fullBytes + 1; i < 4; i++ {
		out[i] = 0
	}
	if fullBytes < 4 && remBits > 0 {
		mask := byte(0xFF << (8 - remBits))
		out[fullBytes] &= mask
	} else if fullBytes < 4 && remBits == 0 {
		out[fullBytes] = 0
	}
	return out
}

// Field is one slot of a Rule: an Information Element plus how it
// participates in flow-key synthesis or non-flow-key aggregation.
type Field struct {
	IE ie.Info

	Modifier Modifier
	MaskBits int // valid when Modifier == Mask

	// AppendPrefixLength mirrors autoAddV4PrefixLength: when set, one extra
	// prefix-length byte is appended after the address bytes (MaskBits for
	// Mask, 32 for Keep).
	AppendPrefixLength bool

	Pattern *Pattern

	// Semantic records the field's directional role (default, source,
	// destination, reverse) as declared in configuration; it is informative
	// only — the biflow key-swap logic keys off IE id, not Semantic.
	Semantic string
}

// Rule is an ordered list of Fields classifying header slots as flow keys
// (Keep/Mask/Discard) or non-flow keys (Aggregate), identified by the
// IPFIX template id its FlowRecords will be exported under.
type Rule struct {
	ID                uint16
	BiflowAggregation bool
	Fields            []Field
}

// KeyFields returns the Fields that participate in flow-key hashing and
// equality, in declared order. Discard fields are excluded: they are
// inspected only for pattern matching, never stored in the key.
func (r *Rule) KeyFields() []Field {
	out := make([]Field, 0, len(r.Fields))
	for _, f := range r.Fields {
		if f.Modifier == Keep || f.Modifier == Mask {
			out = append(out, f)
		}
	}
	return out
}

// AggregateFields returns the Fields combined per their IE's aggregation
// policy on every update to an existing FlowRecord.
func (r *Rule) AggregateFields() []Field {
	out := make([]Field, 0, len(r.Fields))
	for _, f := range r.Fields {
		if f.Modifier == Aggregate {
			out = append(out, f)
		}
	}
	return out
}

// Validate enforces the invariants the loader must check before a Rule is
// allowed to run: at least one field, no patterns on biflow rules (the
// loader is expected to have already stripped or rejected these).
func (r *Rule) Validate() error {
	if len(r.Fields) == 0 {
		return fmt.Errorf("rule %d: has no fields", r.ID)
	}
	if r.BiflowAggregation {
		for _, f := range r.Fields {
			if f.Pattern != nil {
				return fmt.Errorf("rule %d: field %s carries a pattern but biflowAggregation is enabled", r.ID, f.IE.Name)
			}
		}
	}
	return nil
}

// RuleSet is the ordered collection of Rules an Aggregator dispatches
// packets and IPFIX data records against. Rules are matched in order but
// ALL matching rules receive the input (spec: "multiple Rules may
// independently account the same flow" — double accounting across rules
// is observable by design, not suppressed).
type RuleSet struct {
	Rules []*Rule
}

// Validate checks every rule and enforces configured sanity caps. maxRules
// and maxFields of 0 disable the corresponding cap.
func (rs *RuleSet) Validate(maxRules, maxFields int) error {
	if maxRules > 0 && len(rs.Rules) > maxRules {
		return fmt.Errorf("rule set exceeds configured maximum of %d rules", maxRules)
	}
	for _, r := range rs.Rules {
		if maxFields > 0 && len(r.Fields) > maxFields {
			return fmt.Errorf("rule %d exceeds configured maximum of %d fields", r.ID, maxFields)
		}
		if err := r.Validate(); err != nil {
			return err
		}
	}
	return nil
}
