package hashtable

import (
	"container/list"
	"time"

	"github.com/kyleArnott/vermont/pkg/ie"
	"github.com/kyleArnott/vermont/pkg/rules"
)

// reverseMark is OR'd into an Information Element's enterprise number when
// a FlowRecord's Values map stores the reverse-direction counterpart of a
// biflow-aggregated field. It does not need a registry entry of its own:
// the forward IE's Policy applies unchanged to its reverse twin.
const reverseMark = ie.ReversePEN

// FlowRecord is a single bucket entry: a fixed field layout (immutable once
// created, per the Rule that produced it) plus the mutable metadata
// tracked for timeout and expiry bookkeeping.
type FlowRecord struct {
	Key      rules.FlowKey
	HashCode uint64
	Rule     *rules.Rule

	// Values holds the record's current field bytes, keyed by Information
	// Element. Reverse-direction counters for biflow rules are stored under
	// the same id with reverseMark OR'd into the enterprise number.
	Values map[ie.Key][]byte

	FirstSeen           time.Time
	LastSeen            time.Time
	CreatedAt           time.Time
	ObservationDomainID uint32

	// ReverseSeen is true once at least one reverse-direction observation
	// has populated this record's reverse counters.
	ReverseSeen bool

	terminal bool // true once handed to the exporter; never resurrected

	bucketNext *FlowRecord // next entry in this bucket's singly-linked chain

	activeElem   *list.Element // position in the active (firstSeen) expiry order
	inactiveElem *list.Element // position in the inactive (lastSeen) expiry order
}

// reverseKey returns the ie.Key a biflow counter's reverse-direction value
// is stored and looked up under.
func reverseKey(k ie.Key) ie.Key {
	return ie.Key{ID: k.ID, Enterprise: k.Enterprise | reverseMark}
}

// Get returns the current bytes stored for elem (forward direction).
func (r *FlowRecord) Get(elem ie.Info) ([]byte, bool) {
	v, ok := r.Values[elem.Key]
	return v, ok
}

// GetReverse returns the current bytes stored for elem's reverse-direction
// counterpart, populated only once ReverseSeen is true.
func (r *FlowRecord) GetReverse(elem ie.Info) ([]byte, bool) {
	v, ok := r.Values[reverseKey(elem.Key)]
	return v, ok
}
