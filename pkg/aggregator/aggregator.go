// Package aggregator implements the Coordinator described in spec §4.4: it
// owns a RuleSet and one Hashtable per Rule, dispatches every captured
// packet (or incoming IPFIX data record) to each Rule that matches it, and
// drains expired FlowRecords to an exporter. The packet -> dispatch ->
// hashtable -> exporter data flow is wired as a gopipes graph, the same
// shape the teacher's pkg/agent/agent.go:processRecords uses for its
// tracers -> accounter -> forwarder pipeline.
package aggregator

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kyleArnott/vermont/pkg/hashtable"
	"github.com/kyleArnott/vermont/pkg/ie"
	"github.com/kyleArnott/vermont/pkg/packet"
	"github.com/kyleArnott/vermont/pkg/rules"
)

var log = logrus.WithField("component", "aggregator.Coordinator")

// Config bundles the per-table tunables a Coordinator applies uniformly to
// every Rule's Hashtable: each table's hashtable.Config is built from these
// fields, so every Rule gets the same sizes and timeouts. There are no
// per-rule overrides.
type Config struct {
	HashtableBits   int
	ActiveTimeout   time.Duration
	InactiveTimeout time.Duration
	PollInterval    time.Duration
	MaxRecords      int
	InputQueueLen   int
}

// tableWorker owns exactly one Hashtable and serializes every call into it
// (AggregateInput, ExpireRecords, Shutdown) onto a single goroutine, per
// the hashtable package's documented concurrency contract. It is grounded
// on pkg/flow/account.go's Accounter.Account: a select loop over an input
// channel and a ticker, with the closed-channel path draining synchronously
// before the goroutine exits.
type tableWorker struct {
	rule *rules.Rule
	ht   *hashtable.Hashtable

	in   chan tableInput
	done chan struct{}

	drops int64 // count of inputs dropped because in was full
}

type tableInput struct {
	x        rules.Extractor
	domainID uint32
}

func newTableWorker(rule *rules.Rule, registry *ie.Registry, cfg Config, expired chan<- *hashtable.FlowRecord) *tableWorker {
	tw := &tableWorker{
		rule: rule,
		in:   make(chan tableInput, cfg.InputQueueLen),
		done: make(chan struct{}),
	}
	tw.ht = hashtable.New(rule, registry, hashtable.Config{
		Bits:            cfg.HashtableBits,
		ActiveTimeout:   cfg.ActiveTimeout,
		InactiveTimeout: cfg.InactiveTimeout,
		MaxRecords:      cfg.MaxRecords,
	}, func(rec *hashtable.FlowRecord, reason hashtable.ExpiryReason) {
		expired <- rec
	})
	return tw
}

// submit tries to hand x to the table's goroutine without blocking. A full
// queue is dropped and counted rather than blocking the caller, the same
// lossy-backpressure trade-off pkg/packet's Observer makes on its
// subscriber queues.
func (tw *tableWorker) submit(x rules.Extractor, domainID uint32) {
	select {
	case tw.in <- tableInput{x: x, domainID: domainID}:
	default:
		tw.drops++
		log.WithField("rule", tw.rule.ID).Warn("table input queue full, dropping input")
	}
}

func (tw *tableWorker) run(pollInterval time.Duration, wg *sync.WaitGroup) {
	defer wg.Done()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			tw.ht.ExpireRecords(tw.ht.Now())
		case item, ok := <-tw.in:
			if !ok {
				tw.ht.Shutdown()
				close(tw.done)
				return
			}
			tw.ht.AggregateInput(item.x, item.domainID)
		}
	}
}

// Coordinator is the Aggregator described in spec §4.4.
type Coordinator struct {
	ruleSet  *rules.RuleSet
	registry *ie.Registry
	cfg      Config

	tables  map[uint16]*tableWorker
	expired chan *hashtable.FlowRecord

	wg sync.WaitGroup
}

// New builds a Coordinator with one tableWorker per Rule in ruleSet. Call
// ValidatePollInterval on cfg's timeouts before constructing, as spec §4.3
// requires: this constructor does not re-check it.
func New(ruleSet *rules.RuleSet, registry *ie.Registry, cfg Config) *Coordinator {
	if cfg.InputQueueLen <= 0 {
		cfg.InputQueueLen = 1024
	}
	c := &Coordinator{
		ruleSet:  ruleSet,
		registry: registry,
		cfg:      cfg,
		tables:   make(map[uint16]*tableWorker, len(ruleSet.Rules)),
		expired:  make(chan *hashtable.FlowRecord),
	}
	for _, r := range ruleSet.Rules {
		c.tables[r.ID] = newTableWorker(r, registry, cfg, c.expired)
	}
	return c
}

// Start launches one goroutine per Rule's table. Call once before Run.
func (c *Coordinator) Start() {
	for _, tw := range c.tables {
		c.wg.Add(1)
		go tw.run(c.cfg.PollInterval, &c.wg)
	}
}

// onPacket implements spec §4.4's dispatch: every Rule that matches x
// independently accounts it. Two Rules matching the same packet both
// receive it — double accounting across Rules is observable by design,
// not suppressed (spec §9 Open Question #3).
func (c *Coordinator) onPacket(x rules.Extractor, domainID uint32) {
	for _, r := range c.ruleSet.Rules {
		if !r.Matches(x) {
			continue
		}
		c.tables[r.ID].submit(x, domainID)
	}
}

// Run is the gopipes middle-stage function: it reads Packets from in,
// dispatches each to every matching Rule's table, and forwards expired
// FlowRecords to out as they arrive from any table's expirer. Run returns
// once in is closed and every table has fully drained its shutdown flush
// into out.
func (c *Coordinator) Run(in <-chan *packet.Packet, out chan<- *hashtable.FlowRecord) {
	for {
		select {
		case p, ok := <-in:
			if !ok {
				c.shutdown(out)
				return
			}
			c.onPacket(p, 0)
			p.Release()
		case rec := <-c.expired:
			out <- rec
		}
	}
}

// OnDataRecord feeds an IPFIX data record (decoded elsewhere into an
// Extractor adapter) through the same dispatch path a captured packet
// takes, per spec §4.4's requirement that the Aggregator accept both
// input kinds uniformly.
func (c *Coordinator) OnDataRecord(x rules.Extractor, domainID uint32) {
	c.onPacket(x, domainID)
}

// shutdown closes every table's input, drains each table's synchronous
// shutdown flush (every resident record, reason ExpiryShutdown) into out,
// and closes out once every table has finished and c.expired is empty.
func (c *Coordinator) shutdown(out chan<- *hashtable.FlowRecord) {
	for _, tw := range c.tables {
		close(tw.in)
	}
	go func() {
		c.wg.Wait()
		close(c.expired)
	}()
	for rec := range c.expired {
		out <- rec
	}
	close(out)
}

// Drops returns the per-Rule count of inputs dropped because that Rule's
// table input queue was full.
func (c *Coordinator) Drops() map[uint16]int64 {
	out := make(map[uint16]int64, len(c.tables))
	for id, tw := range c.tables {
		out[id] = tw.drops
	}
	return out
}

// Len returns the number of FlowRecords currently resident across every
// Rule's table, for metrics (vermont_active_flows).
func (c *Coordinator) Len() int {
	total := 0
	for _, tw := range c.tables {
		total += tw.ht.Len()
	}
	return total
}
