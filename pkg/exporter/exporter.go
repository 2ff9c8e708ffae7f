package exporter

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kyleArnott/vermont/pkg/hashtable"
	"github.com/kyleArnott/vermont/pkg/ie"
	"github.com/kyleArnott/vermont/pkg/ipfix"
	"github.com/kyleArnott/vermont/pkg/rules"
	"github.com/kyleArnott/vermont/pkg/verrors"
)

var log = logrus.WithField("component", "exporter.Exporter")

// Config bundles an Exporter's batching, template-refresh and retry
// tunables (spec §6/§7).
type Config struct {
	ObservationDomainID uint32

	// BatchSize and BatchTimeout bound how long FlowRecords sit before
	// being encoded and written: whichever limit is hit first triggers a
	// flush, the same two-limit shape pkg/flow/account.go applies to its
	// eviction ticker.
	BatchSize    int
	BatchTimeout time.Duration

	TemplateRefreshInterval time.Duration
	TemplateRefreshRecords  int

	// MaxRetries bounds how many times a transient TransportError is
	// retried (with exponential backoff starting at RetryBaseDelay)
	// before the batch is dropped and counted.
	MaxRetries     int
	RetryBaseDelay time.Duration
}

func (c *Config) setDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 256
	}
	if c.BatchTimeout <= 0 {
		c.BatchTimeout = time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 5
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = 100 * time.Millisecond
	}
}

// Exporter drains expired FlowRecords, encodes them in batches, and writes
// the resulting Messages to a Transport, retrying transient failures with
// exponential backoff and dropping a Message once MaxRetries is exhausted
// or on a permanent failure (spec §7: persistent transport failure
// degrades to drop, it never blocks the aggregator upstream of it).
type Exporter struct {
	encoder   *ipfix.Encoder
	transport Transport
	cfg       Config

	retries int64
	dropped int64
}

// New builds an Exporter with one ipfix.Template per Rule in ruleSet.
func New(registry *ie.Registry, ruleSet *rules.RuleSet, transport Transport, cfg Config) *Exporter {
	cfg.setDefaults()
	return &Exporter{
		encoder:   ipfix.NewEncoder(registry, ruleSet, cfg.TemplateRefreshInterval, cfg.TemplateRefreshRecords),
		transport: transport,
		cfg:       cfg,
	}
}

// Run is the gopipes terminal-stage function: it batches FlowRecords
// arriving on in, by size or BatchTimeout, and writes each as an encoded
// IPFIX Message until in is closed, flushing whatever remains before
// returning. Grounded on pkg/flow/account.go's ticker+channel select loop.
func (e *Exporter) Run(in <-chan *hashtable.FlowRecord) {
	ticker := time.NewTicker(e.cfg.BatchTimeout)
	defer ticker.Stop()

	batch := make([]*hashtable.FlowRecord, 0, e.cfg.BatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		e.exportBatch(batch)
		batch = batch[:0]
	}

	for {
		select {
		case <-ticker.C:
			flush()
		case rec, ok := <-in:
			if !ok {
				flush()
				return
			}
			batch = append(batch, rec)
			if len(batch) >= e.cfg.BatchSize {
				flush()
			}
		}
	}
}

func (e *Exporter) exportBatch(batch []*hashtable.FlowRecord) {
	messages, err := e.encoder.EncodeBatch(batch, e.cfg.ObservationDomainID, time.Now())
	if err != nil {
		log.WithError(err).Error("failed to encode flow record batch, dropping")
		atomic.AddInt64(&e.dropped, int64(len(batch)))
		return
	}
	for _, msg := range messages {
		e.writeWithRetry(msg)
	}
}

// writeWithRetry writes msg, retrying transient TransportErrors with
// exponential backoff up to cfg.MaxRetries. A permanent error, or
// exhausting retries, drops the message and increments the drop counter
// rather than blocking the pipeline (spec §7).
func (e *Exporter) writeWithRetry(msg []byte) {
	delay := e.cfg.RetryBaseDelay
	for attempt := 0; ; attempt++ {
		err := e.transport.WriteMessage(msg)
		if err == nil {
			return
		}
		var te *verrors.TransportError
		permanent := true
		if errors.As(err, &te) {
			permanent = te.Permanent
		}
		if permanent || attempt >= e.cfg.MaxRetries {
			log.WithError(err).WithField("attempt", attempt).Error("dropping message after transport failure")
			atomic.AddInt64(&e.dropped, 1)
			return
		}
		atomic.AddInt64(&e.retries, 1)
		log.WithError(err).WithField("attempt", attempt).Warn("retrying after transient transport failure")
		time.Sleep(delay)
		delay *= 2
	}
}

// Retries returns the count of transient-failure retries attempted.
func (e *Exporter) Retries() int64 { return atomic.LoadInt64(&e.retries) }

// Dropped returns the count of messages dropped after exhausting retries
// or a permanent transport failure, plus the records of every batch that
// failed to encode.
func (e *Exporter) Dropped() int64 { return atomic.LoadInt64(&e.dropped) }

// Close releases the underlying Transport.
func (e *Exporter) Close() error { return e.transport.Close() }
