package hashtable

import (
	"encoding/binary"

	"github.com/kyleArnott/vermont/pkg/ie"
)

// combine folds a newly observed value into the value already stored for a
// non-flow-key field, per the IE's aggregation policy. Both old and new are
// big-endian encoded integers of matching length (SUM/MIN/MAX/OR), except
// FRONT_PAYLOAD which is length-prefixed raw bytes.
func combine(policy ie.Policy, old, new []byte) []byte {
	if old == nil {
		return cloneBytes(new)
	}
	switch policy {
	case ie.PolicySum:
		return sumBytes(old, new)
	case ie.PolicyMin:
		if compareBytes(new, old) < 0 {
			return cloneBytes(new)
		}
		return old
	case ie.PolicyMax:
		if compareBytes(new, old) > 0 {
			return cloneBytes(new)
		}
		return old
	case ie.PolicyOr:
		return orBytes(old, new)
	case ie.PolicyFirstSeen:
		return old
	case ie.PolicyLastSeen:
		return cloneBytes(new)
	case ie.PolicyFrontPayload:
		return combineFrontPayload(old, new)
	default:
		return cloneBytes(new)
	}
}

func cloneBytes(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// toUint interprets b as a big-endian unsigned integer, for lengths 1, 2, 4
// or 8 bytes (the only IE widths this registry uses for numeric policies).
func toUint(b []byte) uint64 {
	switch len(b) {
	case 1:
		return uint64(b[0])
	case 2:
		return uint64(binary.BigEndian.Uint16(b))
	case 4:
		return uint64(binary.BigEndian.Uint32(b))
	case 8:
		return binary.BigEndian.Uint64(b)
	default:
		var v uint64
		for _, x := range b {
			v = v<<8 | uint64(x)
		}
		return v
	}
}

func fromUint(v uint64, length int) []byte {
	out := make([]byte, length)
	switch length {
	case 1:
		out[0] = byte(v)
	case 2:
		binary.BigEndian.PutUint16(out, uint16(v))
	case 4:
		binary.BigEndian.PutUint32(out, uint32(v))
	case 8:
		binary.BigEndian.PutUint64(out, v)
	default:
		for i := length - 1; i >= 0; i-- {
			out[i] = byte(v)
			v >>= 8
		}
	}
	return out
}

func sumBytes(old, new []byte) []byte {
	return fromUint(toUint(old)+toUint(new), len(old))
}

func orBytes(old, new []byte) []byte {
	out := make([]byte, len(old))
	for i := range out {
		var nb byte
		if i < len(new) {
			nb = new[i]
		}
		out[i] = old[i] | nb
	}
	return out
}

func compareBytes(a, b []byte) int {
	av, bv := toUint(a), toUint(b)
	switch {
	case av < bv:
		return -1
	case av > bv:
		return 1
	default:
		return 0
	}
}

// combineFrontPayload keeps the first >= L bytes observed for a flow's
// front payload, where the stored value is a 4-byte big-endian length
// prefix followed by the captured bytes. A subsequent observation is
// ignored once a payload has already been recorded.
func combineFrontPayload(old, new []byte) []byte {
	if len(old) > 4 && binary.BigEndian.Uint32(old[:4]) > 0 {
		return old
	}
	return cloneBytes(new)
}

// initialValue computes the value to store for the very first observation
// of a non-flow-key field: the fold of the zero value with the observed one.
func initialValue(policy ie.Policy, new []byte) []byte {
	return combine(policy, nil, new)
}
