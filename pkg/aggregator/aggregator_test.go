package aggregator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kyleArnott/vermont/pkg/hashtable"
	"github.com/kyleArnott/vermont/pkg/ie"
	"github.com/kyleArnott/vermont/pkg/rules"
)

// fakeExtractor mirrors the one used in pkg/rules and pkg/hashtable's own
// tests: a fixed map of IE -> bytes standing in for a decoded packet.
type fakeExtractor map[ie.Key][]byte

func (f fakeExtractor) Extract(elem ie.Info) ([]byte, bool) {
	v, ok := f[elem.Key]
	return v, ok
}

func u64(v uint64) []byte {
	out := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		out[i] = byte(v)
		v >>= 8
	}
	return out
}

func sumRule(id uint16) *rules.Rule {
	return &rules.Rule{
		ID: id,
		Fields: []rules.Field{
			{IE: ie.Info{Key: ie.Key{ID: ie.IDProtocolIdentifier}, Length: 1, Policy: ie.PolicyKey}, Modifier: rules.Keep},
			{IE: ie.Info{Key: ie.Key{ID: ie.IDSourceIPv4Address}, Length: 4, Policy: ie.PolicyKey}, Modifier: rules.Keep},
			{IE: ie.Info{Key: ie.Key{ID: ie.IDDestinationIPv4Address}, Length: 4, Policy: ie.PolicyKey}, Modifier: rules.Keep},
			{IE: ie.Info{Key: ie.Key{ID: ie.IDSourceTransportPort}, Length: 2, Policy: ie.PolicyKey}, Modifier: rules.Keep},
			{IE: ie.Info{Key: ie.Key{ID: ie.IDDestinationTransportPort}, Length: 2, Policy: ie.PolicyKey}, Modifier: rules.Keep},
			{IE: ie.Info{Key: ie.Key{ID: ie.IDOctetDeltaCount}, Length: 8, Policy: ie.PolicySum}, Modifier: rules.Aggregate},
		},
	}
}

func webRuleWithPattern(id uint16) *rules.Rule {
	r := sumRule(id)
	r.Fields[4].Pattern = &rules.Pattern{Kind: rules.PatternPortRanges, Ranges: []rules.PortRange{{Lo: 80, Hi: 80}}}
	return r
}

func extractor(srcPort, dstPort uint16, octets uint64) fakeExtractor {
	return fakeExtractor{
		ie.Key{ID: ie.IDProtocolIdentifier}:       {6},
		ie.Key{ID: ie.IDSourceIPv4Address}:        {10, 0, 0, 1},
		ie.Key{ID: ie.IDDestinationIPv4Address}:   {10, 0, 0, 2},
		ie.Key{ID: ie.IDSourceTransportPort}:      {byte(srcPort >> 8), byte(srcPort)},
		ie.Key{ID: ie.IDDestinationTransportPort}: {byte(dstPort >> 8), byte(dstPort)},
		ie.Key{ID: ie.IDOctetDeltaCount}:          u64(octets),
	}
}

// fakeExporter collects batches of expired FlowRecords the way
// pkg/test.ExporterFake collects batches of flow.Record.
type fakeExporter struct {
	records chan *hashtable.FlowRecord
}

func newFakeExporter() *fakeExporter {
	return &fakeExporter{records: make(chan *hashtable.FlowRecord, 100)}
}

func (fe *fakeExporter) drain(in <-chan *hashtable.FlowRecord) {
	for rec := range in {
		fe.records <- rec
	}
}

func (fe *fakeExporter) get(t *testing.T, timeout time.Duration) *hashtable.FlowRecord {
	t.Helper()
	select {
	case <-time.After(timeout):
		t.Fatalf("timeout %s while waiting for an exported record", timeout)
		return nil
	case rec := <-fe.records:
		return rec
	}
}

func newTestCoordinator(ruleSet *rules.RuleSet) (*Coordinator, *fakeExporter, chan *hashtable.FlowRecord) {
	c := New(ruleSet, ie.NewRegistry(), Config{
		HashtableBits:   4,
		ActiveTimeout:   300 * time.Second,
		InactiveTimeout: 60 * time.Second,
		PollInterval:    10 * time.Millisecond,
	})
	out := make(chan *hashtable.FlowRecord)
	fe := newFakeExporter()
	go fe.drain(out)
	return c, fe, out
}

func TestOnDataRecordDispatchesToMatchingRule(t *testing.T) {
	rs := &rules.RuleSet{Rules: []*rules.Rule{sumRule(1)}}
	c, fe, out := newTestCoordinator(rs)
	c.Start()

	go func() {
		for rec := range c.expired {
			out <- rec
		}
		close(out)
	}()

	c.OnDataRecord(extractor(1234, 80, 500), 0)
	assert.Eventually(t, func() bool { return c.Len() == 1 }, time.Second, 5*time.Millisecond)

	for _, tw := range c.tables {
		close(tw.in)
	}
	c.wg.Wait()
	close(c.expired)

	rec := fe.get(t, time.Second)
	octets, ok := rec.Get(ie.Info{Key: ie.Key{ID: ie.IDOctetDeltaCount}})
	require.True(t, ok)
	_ = octets
}

func TestTwoRulesMatchingSamePacketBothAccount(t *testing.T) {
	rs := &rules.RuleSet{Rules: []*rules.Rule{sumRule(1), webRuleWithPattern(2)}}
	c := New(rs, ie.NewRegistry(), Config{
		HashtableBits:   4,
		ActiveTimeout:   300 * time.Second,
		InactiveTimeout: 60 * time.Second,
		PollInterval:    time.Hour,
	})
	c.Start()

	// Destination port 80 matches both the unconstrained rule and the
	// port-restricted "web" rule.
	c.OnDataRecord(extractor(1234, 80, 500), 0)

	assert.Eventually(t, func() bool {
		return c.tables[1].ht.Len() == 1 && c.tables[2].ht.Len() == 1
	}, time.Second, 5*time.Millisecond, "both rules should independently account the matching input")

	for _, tw := range c.tables {
		close(tw.in)
	}
	c.wg.Wait()
}

func TestExpiryFlowsThroughCoordinator(t *testing.T) {
	rs := &rules.RuleSet{Rules: []*rules.Rule{sumRule(1)}}
	c := New(rs, ie.NewRegistry(), Config{
		HashtableBits:   4,
		ActiveTimeout:   20 * time.Millisecond,
		InactiveTimeout: 20 * time.Millisecond,
		PollInterval:    5 * time.Millisecond,
	})
	c.Start()

	c.OnDataRecord(extractor(1234, 80, 500), 0)

	select {
	case rec := <-c.expired:
		require.NotNil(t, rec)
	case <-time.After(time.Second):
		t.Fatal("expired record never surfaced on the coordinator's expiry channel")
	}

	for _, tw := range c.tables {
		close(tw.in)
	}
	c.wg.Wait()
}
