package ipfix

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kyleArnott/vermont/pkg/hashtable"
	"github.com/kyleArnott/vermont/pkg/ie"
	"github.com/kyleArnott/vermont/pkg/rules"
)

func be16(v uint16) []byte { return []byte{byte(v >> 8), byte(v)} }
func be32(v uint32) []byte { return []byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)} }

func be64(v uint64) []byte {
	out := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		out[i] = byte(v)
		v >>= 8
	}
	return out
}

// newFlowRecord builds one FlowRecord the way the real aggregation path
// would, by running a single observation through a throwaway Hashtable and
// capturing what Shutdown hands to the expiry callback.
func newFlowRecord(rule *rules.Rule, values map[ie.Key][]byte, now time.Time) *hashtable.FlowRecord {
	var captured *hashtable.FlowRecord
	h := hashtable.New(rule, ie.NewRegistry(), hashtable.Config{
		Now: func() time.Time { return now },
	}, func(rec *hashtable.FlowRecord, reason hashtable.ExpiryReason) {
		captured = rec
	})
	h.AggregateInput(fakeExtractorMap(values), 0)
	h.Shutdown()
	return captured
}

type fakeExtractorMap map[ie.Key][]byte

func (f fakeExtractorMap) Extract(elem ie.Info) ([]byte, bool) {
	v, ok := f[elem.Key]
	return v, ok
}

func TestEncodeDecodeRoundTripFixedLengthFields(t *testing.T) {
	rule := fiveTupleRule(256, false)
	values := map[ie.Key][]byte{
		{ID: ie.IDProtocolIdentifier}:       {6},
		{ID: ie.IDSourceIPv4Address}:        {10, 0, 0, 1},
		{ID: ie.IDDestinationIPv4Address}:   {10, 0, 0, 2},
		{ID: ie.IDSourceTransportPort}:      be16(12345),
		{ID: ie.IDDestinationTransportPort}: be16(80),
		{ID: ie.IDOctetDeltaCount}:          be64(1000),
		{ID: ie.IDPacketDeltaCount}:         be64(10),
	}
	rec := newFlowRecord(rule, values, time.Unix(1700000000, 0))

	ruleSet := &rules.RuleSet{Rules: []*rules.Rule{rule}}
	registry := ie.NewRegistry()
	enc := NewEncoder(registry, ruleSet, time.Second, 0)

	messages, err := enc.EncodeBatch([]*hashtable.FlowRecord{rec}, 1, time.Unix(1700000001, 0))
	require.NoError(t, err)
	require.NotEmpty(t, messages)

	cache := NewTemplateCache()
	dec := NewDecoder(cache, registry, 16)

	var allRecords []*DataRecord
	for _, m := range messages {
		_, recs, err := dec.Decode(m)
		require.NoError(t, err)
		allRecords = append(allRecords, recs...)
	}

	require.Len(t, allRecords, 1)
	got := allRecords[0]
	assert.Equal(t, []byte{6}, got.Values[ie.Key{ID: ie.IDProtocolIdentifier}])
	assert.Equal(t, []byte{10, 0, 0, 1}, got.Values[ie.Key{ID: ie.IDSourceIPv4Address}])
	assert.Equal(t, []byte{10, 0, 0, 2}, got.Values[ie.Key{ID: ie.IDDestinationIPv4Address}])
	assert.Equal(t, be16(12345), got.Values[ie.Key{ID: ie.IDSourceTransportPort}])
	assert.Equal(t, be16(80), got.Values[ie.Key{ID: ie.IDDestinationTransportPort}])
	assert.Equal(t, be64(1000), got.Values[ie.Key{ID: ie.IDOctetDeltaCount}])
	assert.Equal(t, be64(10), got.Values[ie.Key{ID: ie.IDPacketDeltaCount}])
}

func TestEncodeDecodeVariableLengthFrontPayloadField(t *testing.T) {
	rule := &rules.Rule{
		ID: 300,
		Fields: []rules.Field{
			{IE: ie.Info{Key: ie.Key{ID: ie.IDProtocolIdentifier}, Length: 1, Policy: ie.PolicyKey}, Modifier: rules.Keep},
			{IE: ie.Info{Key: ie.Key{ID: ie.IDFrontPayload, Enterprise: ie.VermontPEN}, Length: 0xFFFF, Policy: ie.PolicyFrontPayload}, Modifier: rules.Aggregate},
		},
	}

	for _, payloadLen := range []int{16, 300} {
		payload := make([]byte, payloadLen)
		for i := range payload {
			payload[i] = byte(i)
		}
		values := map[ie.Key][]byte{
			{ID: ie.IDProtocolIdentifier}:                          {6},
			{ID: ie.IDFrontPayload, Enterprise: ie.VermontPEN}: payload,
		}
		rec := newFlowRecord(rule, values, time.Unix(1700000000, 0))

		ruleSet := &rules.RuleSet{Rules: []*rules.Rule{rule}}
		registry := ie.NewRegistry()
		enc := NewEncoder(registry, ruleSet, time.Second, 0)

		messages, err := enc.EncodeBatch([]*hashtable.FlowRecord{rec}, 0, time.Unix(1700000001, 0))
		require.NoError(t, err)

		cache := NewTemplateCache()
		dec := NewDecoder(cache, registry, 16)

		var got []byte
		for _, m := range messages {
			_, recs, err := dec.Decode(m)
			require.NoError(t, err)
			for _, r := range recs {
				got = r.Values[ie.Key{ID: ie.IDFrontPayload, Enterprise: ie.VermontPEN}]
			}
		}
		assert.Equal(t, payload, got, "payload length %d", payloadLen)
	}
}

func TestEncodeDecodeBiflowReverseCounters(t *testing.T) {
	rule := fiveTupleRule(256, true)
	values := map[ie.Key][]byte{
		{ID: ie.IDProtocolIdentifier}:       {6},
		{ID: ie.IDSourceIPv4Address}:        {10, 0, 0, 1},
		{ID: ie.IDDestinationIPv4Address}:   {10, 0, 0, 2},
		{ID: ie.IDSourceTransportPort}:      be16(12345),
		{ID: ie.IDDestinationTransportPort}: be16(80),
		{ID: ie.IDOctetDeltaCount}:          be64(1000),
		{ID: ie.IDPacketDeltaCount}:         be64(10),
	}
	rec := newFlowRecord(rule, values, time.Unix(1700000000, 0))
	rec.Values[ie.Key{ID: ie.IDOctetDeltaCount, Enterprise: ie.ReversePEN}] = be64(500)
	rec.Values[ie.Key{ID: ie.IDPacketDeltaCount, Enterprise: ie.ReversePEN}] = be64(5)
	rec.ReverseSeen = true

	ruleSet := &rules.RuleSet{Rules: []*rules.Rule{rule}}
	registry := ie.NewRegistry()
	enc := NewEncoder(registry, ruleSet, time.Second, 0)

	messages, err := enc.EncodeBatch([]*hashtable.FlowRecord{rec}, 0, time.Unix(1700000001, 0))
	require.NoError(t, err)

	cache := NewTemplateCache()
	dec := NewDecoder(cache, registry, 16)

	var got *DataRecord
	for _, m := range messages {
		_, recs, err := dec.Decode(m)
		require.NoError(t, err)
		if len(recs) > 0 {
			got = recs[0]
		}
	}
	require.NotNil(t, got)
	assert.Equal(t, be64(1000), got.Values[ie.Key{ID: ie.IDOctetDeltaCount}])
	assert.Equal(t, be64(500), got.Values[ie.Key{ID: ie.IDOctetDeltaCount, Enterprise: ie.ReversePEN}])
	assert.Equal(t, be64(5), got.Values[ie.Key{ID: ie.IDPacketDeltaCount, Enterprise: ie.ReversePEN}])
}

func TestDecoderBuffersUnknownTemplateAndReplaysOnceLearned(t *testing.T) {
	registry := ie.NewRegistry()
	cache := NewTemplateCache()
	dec := NewDecoder(cache, registry, 16)

	rule := fiveTupleRule(500, false)
	ruleSet := &rules.RuleSet{Rules: []*rules.Rule{rule}}
	enc := NewEncoder(registry, ruleSet, time.Hour, 0) // refreshInterval huge: first batch still gets a template (lastRefresh zero value)

	values := map[ie.Key][]byte{
		{ID: ie.IDProtocolIdentifier}:       {17},
		{ID: ie.IDSourceIPv4Address}:        {192, 168, 0, 1},
		{ID: ie.IDDestinationIPv4Address}:   {192, 168, 0, 2},
		{ID: ie.IDSourceTransportPort}:      be16(53),
		{ID: ie.IDDestinationTransportPort}: be16(5353),
		{ID: ie.IDOctetDeltaCount}:          be64(64),
		{ID: ie.IDPacketDeltaCount}:         be64(1),
	}
	rec := newFlowRecord(rule, values, time.Unix(1700000000, 0))

	messages, err := enc.EncodeBatch([]*hashtable.FlowRecord{rec}, 0, time.Unix(1700000001, 0))
	require.NoError(t, err)
	require.NotEmpty(t, messages)

	// Split the single Template+Data message artificially into two
	// messages, so the data set is decoded before the decoder has ever
	// seen the template: strip the template set out of the message body
	// and feed it as a second, later message.
	header := messages[0][:HeaderLength]
	rest := messages[0][HeaderLength:]
	sh, _, err := DecodeSetHeader(rest)
	require.NoError(t, err)
	require.Equal(t, SetIDTemplate, sh.ID)
	tmplSetLen := int(sh.Length)
	tmplSet := rest[:tmplSetLen]
	dataSets := rest[tmplSetLen:]

	fixedHeader := Header{
		VersionNumber:       VersionNumber,
		Length:              uint16(HeaderLength + len(dataSets)),
		ExportTime:          1700000001,
		ObservationDomainID: 0,
	}
	dataOnlyMsg := append(fixedHeader.Encode(nil), dataSets...)

	_, recs, err := dec.Decode(dataOnlyMsg)
	require.NoError(t, err)
	assert.Empty(t, recs, "data set referencing an unknown template must be buffered, not decoded")

	templateOnlyMsg := append(append([]byte{}, header...), tmplSet...)
	fixedTmplHeader := Header{
		VersionNumber:       VersionNumber,
		Length:              uint16(HeaderLength + len(tmplSet)),
		ExportTime:          1700000002,
		ObservationDomainID: 0,
	}
	templateOnlyMsg = append(fixedTmplHeader.Encode(nil), tmplSet...)

	_, recs, err = dec.Decode(templateOnlyMsg)
	require.NoError(t, err)
	require.Len(t, recs, 1, "buffered data set must replay once its template is learned")
	assert.Equal(t, []byte{17}, recs[0].Values[ie.Key{ID: ie.IDProtocolIdentifier}])
}

func TestDecoderEvictsOldestPendingSetOnceMaxPendingExceeded(t *testing.T) {
	registry := ie.NewRegistry()
	cache := NewTemplateCache()
	dec := NewDecoder(cache, registry, 2)

	key := TemplateKey{ObservationDomainID: 0, TemplateID: 999}
	for i := 0; i < 3; i++ {
		dec.buffer(key, []byte{byte(i)})
	}

	require.Len(t, dec.pending[key], 2)
	assert.Equal(t, byte(1), dec.pending[key][0].body[0])
	assert.Equal(t, byte(2), dec.pending[key][1].body[0])
}

func TestEncoderRefreshCadenceByRecordCount(t *testing.T) {
	rule := fiveTupleRule(700, false)
	ruleSet := &rules.RuleSet{Rules: []*rules.Rule{rule}}
	registry := ie.NewRegistry()
	enc := NewEncoder(registry, ruleSet, time.Hour, 2) // refresh every 2 records

	values := map[ie.Key][]byte{
		{ID: ie.IDProtocolIdentifier}:       {6},
		{ID: ie.IDSourceIPv4Address}:        {10, 0, 0, 1},
		{ID: ie.IDDestinationIPv4Address}:   {10, 0, 0, 2},
		{ID: ie.IDSourceTransportPort}:      be16(1),
		{ID: ie.IDDestinationTransportPort}: be16(2),
		{ID: ie.IDOctetDeltaCount}:          be64(1),
		{ID: ie.IDPacketDeltaCount}:         be64(1),
	}
	now := time.Unix(1700000000, 0)

	rec1 := newFlowRecord(rule, values, now)
	msgs1, err := enc.EncodeBatch([]*hashtable.FlowRecord{rec1}, 0, now)
	require.NoError(t, err)
	assert.True(t, containsSet(t, msgs1[0], SetIDTemplate), "first batch must carry a template")

	rec2 := newFlowRecord(rule, values, now)
	msgs2, err := enc.EncodeBatch([]*hashtable.FlowRecord{rec2}, 0, now)
	require.NoError(t, err)
	assert.False(t, containsSet(t, msgs2[0], SetIDTemplate), "below the record threshold, no refresh is due yet")

	rec3 := newFlowRecord(rule, values, now)
	msgs3, err := enc.EncodeBatch([]*hashtable.FlowRecord{rec3}, 0, now)
	require.NoError(t, err)
	assert.True(t, containsSet(t, msgs3[0], SetIDTemplate), "record-count threshold reached, template resent")
}

func containsSet(t *testing.T, message []byte, wantID uint16) bool {
	t.Helper()
	_, rest, err := DecodeHeader(message)
	require.NoError(t, err)
	for len(rest) > 0 {
		sh, body, err := DecodeSetHeader(rest)
		require.NoError(t, err)
		if sh.ID == wantID {
			return true
		}
		rest = body[int(sh.Length)-SetHeaderLength:]
	}
	return false
}

func TestEncodeBatchSplitsAcrossMaxMessageLength(t *testing.T) {
	rule := fiveTupleRule(800, false)
	ruleSet := &rules.RuleSet{Rules: []*rules.Rule{rule}}
	registry := ie.NewRegistry()
	enc := NewEncoder(registry, ruleSet, time.Hour, 1_000_000) // avoid mid-batch template resends

	const n = 3000
	records := make([]*hashtable.FlowRecord, 0, n)
	now := time.Unix(1700000000, 0)
	for i := 0; i < n; i++ {
		values := map[ie.Key][]byte{
			{ID: ie.IDProtocolIdentifier}:       {6},
			{ID: ie.IDSourceIPv4Address}:        {10, 0, 0, 1},
			{ID: ie.IDDestinationIPv4Address}:   {10, 0, 0, 2},
			{ID: ie.IDSourceTransportPort}:      be16(uint16(i)),
			{ID: ie.IDDestinationTransportPort}: be16(80),
			{ID: ie.IDOctetDeltaCount}:          be64(1),
			{ID: ie.IDPacketDeltaCount}:         be64(1),
		}
		records = append(records, newFlowRecord(rule, values, now))
	}

	messages, err := enc.EncodeBatch(records, 0, now)
	require.NoError(t, err)
	assert.Greater(t, len(messages), 1, "3000 records must not fit in a single 65535-byte message")
	for _, m := range messages {
		assert.LessOrEqual(t, len(m), MaxMessageLength)
	}
}

func TestEncodeBatchEmptyInputReturnsNoMessages(t *testing.T) {
	ruleSet := &rules.RuleSet{Rules: []*rules.Rule{fiveTupleRule(1, false)}}
	enc := NewEncoder(ie.NewRegistry(), ruleSet, time.Second, 10)
	messages, err := enc.EncodeBatch(nil, 0, time.Now())
	require.NoError(t, err)
	assert.Empty(t, messages)
}
