// Package hashtable implements the in-memory flow table: a bucket-chained
// hashtable keyed by a Rule's synthesized FlowKey, with two time orderings
// (active-expiry by firstSeen, inactive-expiry by lastSeen) that drive
// timeout-based expiry. This is the core of the aggregation engine.
//
// A Hashtable is not safe for concurrent use: the spec requires that
// expiry never run concurrently with aggregateInput on the same table, and
// that the hot aggregation path never block. Rather than guarding every
// call with a mutex, this package leaves the table single-goroutine and
// relies on its owner (pkg/aggregator) to serialize aggregateInput and
// expireRecords calls onto one goroutine per table — mirroring the
// teacher's evictionCond-guarded single-evictor discipline in
// pkg/flow/tracer_map.go, but made unconditional by construction instead
// of enforced at runtime.
package hashtable

import (
	"container/list"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/sirupsen/logrus"

	"github.com/kyleArnott/vermont/pkg/ie"
	"github.com/kyleArnott/vermont/pkg/rules"
)

var log = logrus.WithField("component", "hashtable.Hashtable")

// ExpiryReason records why a FlowRecord was handed to the exporter.
type ExpiryReason string

const (
	ExpiryActive   ExpiryReason = "active"
	ExpiryInactive ExpiryReason = "inactive"
	ExpiryShutdown ExpiryReason = "shutdown"
	ExpiryEvicted  ExpiryReason = "evicted" // forced out to respect MaxRecords
)

// ExpireFunc receives a FlowRecord that has left the table for good.
type ExpireFunc func(rec *FlowRecord, reason ExpiryReason)

// Config bundles the per-Hashtable tunables derived from the Aggregator's
// configuration (spec §6: hashtableBits, expiration, pollInterval are
// config-schema properties; MaxRecords is the "configured max" spec §4.3
// references for forced eviction).
type Config struct {
	Bits            int // hashtable has 2^Bits buckets; default 17 per spec §6
	ActiveTimeout   time.Duration
	InactiveTimeout time.Duration
	MaxRecords      int // 0 disables the cap

	// Now returns the current time; overridable in tests so expiry is
	// deterministic without sleeping.
	Now func() time.Time
}

// Hashtable is the per-Rule flow table described in spec §3/§4.3.
type Hashtable struct {
	rule     *rules.Rule
	registry *ie.Registry
	cfg      Config
	mask     uint64

	buckets []*FlowRecord // bucket chains, indexed by hashCode & mask

	activeOrder   *list.List // ordered by firstSeen ascending (Front = oldest)
	inactiveOrder *list.List // ordered by lastSeen ascending (Front = oldest)

	// count is updated only from the table's owning goroutine but read
	// atomically so Len() is safe to call from a metrics poller running on
	// another goroutine without violating the single-writer discipline.
	count int64

	onExpire ExpireFunc
}

// New creates an empty Hashtable for rule, with 2^cfg.Bits buckets.
func New(rule *rules.Rule, registry *ie.Registry, cfg Config, onExpire ExpireFunc) *Hashtable {
	if cfg.Bits <= 0 {
		cfg.Bits = 17
	}
	if cfg.Now == nil {
		cfg.Now = monoNow
	}
	size := uint64(1) << uint(cfg.Bits)
	return &Hashtable{
		rule:          rule,
		registry:      registry,
		cfg:           cfg,
		mask:          size - 1,
		buckets:       make([]*FlowRecord, size),
		activeOrder:   list.New(),
		inactiveOrder: list.New(),
		onExpire:      onExpire,
	}
}

// Len returns the number of FlowRecords currently resident in the table.
// Safe to call concurrently with AggregateInput/ExpireRecords.
func (h *Hashtable) Len() int { return int(atomic.LoadInt64(&h.count)) }

// Now returns the table's clock reading, the same one AggregateInput
// stamps new/updated records with. Callers drive ExpireRecords with it so
// expiry and aggregation share one clock source.
func (h *Hashtable) Now() time.Time { return h.cfg.Now() }

func (h *Hashtable) hash(key rules.FlowKey) uint64 {
	return xxhash.Sum64(key)
}

func (h *Hashtable) bucketIndex(hash uint64) uint64 {
	return hash & h.mask
}

// lookup walks the bucket chain for hash looking for a record whose Key is
// byte-equal to key, resolving hash collisions by full-key comparison.
func (h *Hashtable) lookup(hash uint64, key rules.FlowKey) *FlowRecord {
	for rec := h.buckets[h.bucketIndex(hash)]; rec != nil; rec = rec.bucketNext {
		if rec.HashCode == hash && bytesEq(rec.Key, key) {
			return rec
		}
	}
	return nil
}

func bytesEq(a, b []byte) bool {
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

// AggregateInput is the hot path: spec §4.3's aggregateInput. x provides
// field values for the Rule's declared fields (a captured packet, or an
// IPFIX data record adapter). observationDomainID tags newly created
// records (ignored on updates, per spec — layout and identity are fixed at
// creation).
func (h *Hashtable) AggregateInput(x rules.Extractor, observationDomainID uint32) {
	now := h.cfg.Now()

	fwdKey, fwdOK := h.rule.SynthesizeKey(x)
	if !fwdOK {
		return
	}
	fwdHash := h.hash(fwdKey)

	if rec := h.lookup(fwdHash, fwdKey); rec != nil {
		h.updateForward(rec, x, now)
		return
	}

	if h.rule.BiflowAggregation {
		if revKey, revOK := h.rule.SynthesizeReverseKey(x); revOK {
			revHash := h.hash(revKey)
			if rec := h.lookup(revHash, revKey); rec != nil {
				h.updateReverse(rec, x, now)
				return
			}
		}
	}

	h.insert(fwdKey, fwdHash, x, now, observationDomainID)
}

func (h *Hashtable) updateForward(rec *FlowRecord, x rules.Extractor, now time.Time) {
	h.applyAggregates(rec, x, false)
	rec.LastSeen = now
	h.inactiveOrder.MoveToBack(rec.inactiveElem)
}

func (h *Hashtable) updateReverse(rec *FlowRecord, x rules.Extractor, now time.Time) {
	h.applyAggregates(rec, x, true)
	rec.ReverseSeen = true
	rec.LastSeen = now
	h.inactiveOrder.MoveToBack(rec.inactiveElem)
}

func (h *Hashtable) applyAggregates(rec *FlowRecord, x rules.Extractor, reverse bool) {
	for _, f := range h.rule.AggregateFields() {
		raw, ok := x.Extract(f.IE)
		if !ok {
			continue
		}
		key := f.IE.Key
		if reverse {
			key = reverseKey(key)
		}
		rec.Values[key] = combine(f.IE.Policy, rec.Values[key], raw)
	}
}

func (h *Hashtable) insert(key rules.FlowKey, hash uint64, x rules.Extractor, now time.Time, observationDomainID uint32) *FlowRecord {
	if h.cfg.MaxRecords > 0 && h.count >= int64(h.cfg.MaxRecords) {
		h.evictOldestInactive()
	}

	rec := &FlowRecord{
		Key:                 key,
		HashCode:            hash,
		Rule:                h.rule,
		Values:              make(map[ie.Key][]byte, len(h.rule.Fields)),
		FirstSeen:           now,
		LastSeen:            now,
		CreatedAt:           now,
		ObservationDomainID: observationDomainID,
	}
	for _, f := range h.rule.AggregateFields() {
		if raw, ok := x.Extract(f.IE); ok {
			rec.Values[f.IE.Key] = initialValue(f.IE.Policy, raw)
		}
	}
	// Key fields never change after creation, but are stored individually
	// too (alongside the opaque Key blob used for hashing/equality) so
	// pkg/ipfix can address them by Information Element when encoding a
	// DataSet.
	if kv, ok := h.rule.KeyFieldValues(x); ok {
		for k, v := range kv {
			rec.Values[k] = v
		}
	}

	idx := h.bucketIndex(hash)
	rec.bucketNext = h.buckets[idx]
	h.buckets[idx] = rec

	rec.activeElem = h.activeOrder.PushBack(rec)
	rec.inactiveElem = h.inactiveOrder.PushBack(rec)
	atomic.AddInt64(&h.count, 1)
	return rec
}

// evictOldestInactive forcibly expires the single oldest (by lastSeen)
// resident record to make room for a new one, per spec §4.3.
func (h *Hashtable) evictOldestInactive() {
	front := h.inactiveOrder.Front()
	if front == nil {
		return
	}
	rec := front.Value.(*FlowRecord)
	h.remove(rec)
	if h.onExpire != nil {
		h.onExpire(rec, ExpiryEvicted)
	}
}

// remove unlinks rec from its bucket chain and both expiry orderings. It is
// idempotent-safe to call at most once per record (terminal guards reuse).
func (h *Hashtable) remove(rec *FlowRecord) {
	if rec.terminal {
		return
	}
	rec.terminal = true

	idx := h.bucketIndex(rec.HashCode)
	if h.buckets[idx] == rec {
		h.buckets[idx] = rec.bucketNext
	} else {
		for cur := h.buckets[idx]; cur != nil; cur = cur.bucketNext {
			if cur.bucketNext == rec {
				cur.bucketNext = rec.bucketNext
				break
			}
		}
	}
	rec.bucketNext = nil

	if rec.activeElem != nil {
		h.activeOrder.Remove(rec.activeElem)
		rec.activeElem = nil
	}
	if rec.inactiveElem != nil {
		h.inactiveOrder.Remove(rec.inactiveElem)
		rec.inactiveElem = nil
	}
	atomic.AddInt64(&h.count, -1)
}

// ExpireRecords runs the periodic expiry scan (spec §4.3): it pops from the
// active-expiry head while firstSeen is older than ActiveTimeout, then pops
// from the inactive-expiry head while lastSeen is older than
// InactiveTimeout. A record popped by one scan is simply absent from the
// other's list by the time it would be reached, satisfying the
// "whichever scan pops it first" tie-break.
func (h *Hashtable) ExpireRecords(now time.Time) {
	for {
		front := h.activeOrder.Front()
		if front == nil {
			break
		}
		rec := front.Value.(*FlowRecord)
		if now.Sub(rec.FirstSeen) < h.cfg.ActiveTimeout {
			break
		}
		h.remove(rec)
		if h.onExpire != nil {
			h.onExpire(rec, ExpiryActive)
		}
	}
	for {
		front := h.inactiveOrder.Front()
		if front == nil {
			break
		}
		rec := front.Value.(*FlowRecord)
		if now.Sub(rec.LastSeen) < h.cfg.InactiveTimeout {
			break
		}
		h.remove(rec)
		if h.onExpire != nil {
			h.onExpire(rec, ExpiryInactive)
		}
	}
}

// Shutdown expires every resident record regardless of timeouts, draining
// the table for a clean pipeline stop (spec §4.4's shutdown() and §8's
// "no loss on clean shutdown" property).
func (h *Hashtable) Shutdown() {
	for {
		front := h.activeOrder.Front()
		if front == nil {
			break
		}
		rec := front.Value.(*FlowRecord)
		h.remove(rec)
		if h.onExpire != nil {
			h.onExpire(rec, ExpiryShutdown)
		}
	}
}

// ValidatePollInterval enforces spec §4.3's invariant that pollInterval
// must be at most half of the smaller of the two timeouts.
func ValidatePollInterval(pollInterval, activeTimeout, inactiveTimeout time.Duration) error {
	smaller := activeTimeout
	if inactiveTimeout < smaller {
		smaller = inactiveTimeout
	}
	if pollInterval > smaller/2 {
		log.WithFields(logrus.Fields{
			"pollInterval":     pollInterval,
			"activeTimeout":    activeTimeout,
			"inactiveTimeout":  inactiveTimeout,
			"maxAllowedPoll":   smaller / 2,
		}).Error("pollInterval violates the activeTimeout/inactiveTimeout sanity cap")
		return errPollIntervalTooLarge
	}
	return nil
}
