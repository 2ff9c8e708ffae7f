package rules

import "github.com/kyleArnott/vermont/pkg/ie"

// Extractor is implemented by anything a Rule can read field values from:
// a captured packet (pkg/packet) or an incoming IPFIX data record
// (pkg/aggregator's IPFIX ingest path). Extract returns the raw,
// unmasked bytes for the given Information Element, and false if that
// element could not be parsed from the input (e.g. the packet has no L4
// header, or the data record's template omits the field).
type Extractor interface {
	Extract(elem ie.Info) (value []byte, ok bool)
}

// directionSwap maps a directional IE id to its opposite-direction sibling.
// IE ids absent from this table are direction-agnostic (e.g. protocolIdentifier)
// and are looked up unchanged when synthesizing a biflow reverse key.
var directionSwap = map[uint16]uint16{
	ie.IDSourceIPv4Address:        ie.IDDestinationIPv4Address,
	ie.IDDestinationIPv4Address:   ie.IDSourceIPv4Address,
	ie.IDSourceTransportPort:      ie.IDDestinationTransportPort,
	ie.IDDestinationTransportPort: ie.IDSourceTransportPort,
	ie.IDSourceMacAddress:         ie.IDDestinationMacAddress,
	ie.IDDestinationMacAddress:    ie.IDSourceMacAddress,
	ie.IDUDPSourcePort:            ie.IDUDPDestinationPort,
	ie.IDUDPDestinationPort:       ie.IDUDPSourcePort,
	ie.IDTCPSourcePort:            ie.IDTCPDestinationPort,
	ie.IDTCPDestinationPort:       ie.IDTCPSourcePort,
}

// reversed returns the IE to read from when synthesizing the reverse
// (biflow) key for field f: the direction-swapped IE when f's id names a
// directional field, or f.IE unchanged otherwise.
func reversed(elem ie.Info) ie.Info {
	if swapped, ok := directionSwap[elem.ID]; ok {
		return ie.Info{Key: ie.Key{ID: swapped, Enterprise: elem.Enterprise}, Name: elem.Name, Length: elem.Length, Policy: elem.Policy}
	}
	return elem
}

// applyModifier transforms a key Field's raw extracted bytes into the
// final bytes written into a FlowKey: Keep copies verbatim (appending a
// prefix length of 32 when AppendPrefixLength is set), Mask zeroes address
// bits beyond MaskBits and optionally appends MaskBits as the prefix length.
func applyModifier(f Field, raw []byte) []byte {
	switch f.Modifier {
	case Mask:
		masked := applyV4Mask(raw, f.MaskBits)
		if f.AppendPrefixLength {
			masked = append(masked, byte(f.MaskBits))
		}
		return masked
	default: // Keep
		if f.AppendPrefixLength {
			out := make([]byte, 0, len(raw)+1)
			out = append(out, raw...)
			out = append(out, 32) // host route: no masking applied
			return out
		}
		return raw
	}
}

// Matches reports whether x satisfies every KEY field's pattern (Discard
// fields are inspected too, since Vermont allows patterns on fields that
// are themselves excluded from the key). A Rule fails to match if any KEY
// or Discard field cannot be parsed from x, whether or not it carries a
// pattern.
func (r *Rule) Matches(x Extractor) bool {
	for _, f := range r.Fields {
		if f.Modifier == Aggregate {
			continue
		}
		raw, ok := x.Extract(f.IE)
		if !ok {
			return false
		}
		if f.Pattern != nil && !f.Pattern.Match(raw) {
			return false
		}
	}
	return true
}

// FlowKey is the canonical, immutable byte layout synthesized from a Rule's
// KEY fields, used for hashtable bucket lookup and full-key equality.
type FlowKey []byte

// SynthesizeKey builds the forward-direction FlowKey for x: every KEY field
// is read in declared order, masked if needed, and concatenated.
// SynthesizeKey returns false if any KEY field cannot be extracted.
func (r *Rule) SynthesizeKey(x Extractor) (FlowKey, bool) {
	return synthesize(r, x, false)
}

// SynthesizeReverseKey builds the key as it would appear had the packet
// traveled in the opposite direction, by reading each declared KEY field's
// direction-swapped IE from x. It is used to fold the reverse leg of a
// biflow into the same FlowRecord as the forward leg. Only meaningful when
// r.BiflowAggregation is true.
func (r *Rule) SynthesizeReverseKey(x Extractor) (FlowKey, bool) {
	return synthesize(r, x, true)
}

// KeyFieldValues returns each declared KEY field's processed bytes (after
// any Mask/AppendPrefixLength modifier), keyed by Information Element, in
// the forward direction. Unlike SynthesizeKey's concatenated blob, this is
// how a FlowRecord makes its flow-key fields individually addressable for
// export (spec §4.5's DataSet encoding needs one value per Template
// field, not an opaque key).
func (r *Rule) KeyFieldValues(x Extractor) (map[ie.Key][]byte, bool) {
	out := make(map[ie.Key][]byte, len(r.Fields))
	for _, f := range r.KeyFields() {
		raw, ok := x.Extract(f.IE)
		if !ok {
			return nil, false
		}
		out[f.IE.Key] = applyModifier(f, raw)
	}
	return out, true
}

func synthesize(r *Rule, x Extractor, reverse bool) (FlowKey, bool) {
	var buf []byte
	for _, f := range r.KeyFields() {
		lookupIE := f.IE
		if reverse {
			lookupIE = reversed(f.IE)
		}
		raw, ok := x.Extract(lookupIE)
		if !ok {
			return nil, false
		}
		buf = append(buf, applyModifier(f, raw)...)
	}
	return buf, true
}
