package ipfix

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/kyleArnott/vermont/pkg/hashtable"
	"github.com/kyleArnott/vermont/pkg/ie"
	"github.com/kyleArnott/vermont/pkg/rules"
)

// DefaultTemplateRefreshInterval and DefaultTemplateRefreshRecords are
// spec §6's defaults: a Template Set is re-sent at least this often, or
// after this many records, whichever comes first.
const (
	DefaultTemplateRefreshInterval = 30 * time.Second
	DefaultTemplateRefreshRecords  = 1000
)

// domainState tracks one observation domain's sequence numbering and
// template refresh cadence.
type domainState struct {
	sequenceNumber     uint32
	recordsSinceRefresh int
	lastRefresh        time.Time
}

// Encoder packs expired FlowRecords into IPFIX Messages, writing each record
// in its own DataSet whose set id is the Rule's templateId (records sharing
// a templateId are not merged into one DataSet), and prepending Template
// Sets at the configured refresh cadence, per spec §4.5/§6.
type Encoder struct {
	registry  *ie.Registry
	templates map[uint16]*Template // by Rule.ID / DataSet id

	refreshInterval time.Duration
	refreshRecords  int

	mu      sync.Mutex
	domains map[uint32]*domainState
}

// NewEncoder builds an Encoder with one Template per Rule in ruleSet.
func NewEncoder(registry *ie.Registry, ruleSet *rules.RuleSet, refreshInterval time.Duration, refreshRecords int) *Encoder {
	if refreshInterval <= 0 {
		refreshInterval = DefaultTemplateRefreshInterval
	}
	if refreshRecords <= 0 {
		refreshRecords = DefaultTemplateRefreshRecords
	}
	e := &Encoder{
		registry:        registry,
		templates:       make(map[uint16]*Template, len(ruleSet.Rules)),
		refreshInterval: refreshInterval,
		refreshRecords:  refreshRecords,
		domains:         make(map[uint32]*domainState),
	}
	for _, r := range ruleSet.Rules {
		// Built once with observationDomainID 0; Templates are keyed by
		// Rule.ID alone here and stamped per-domain at encode time, since a
		// Rule's field layout does not vary by observation domain.
		e.templates[r.ID] = TemplateFromRule(r, registry, 0)
	}
	return e
}

func (e *Encoder) domainState(id uint32) *domainState {
	e.mu.Lock()
	defer e.mu.Unlock()
	ds, ok := e.domains[id]
	if !ok {
		ds = &domainState{}
		e.domains[id] = ds
	}
	return ds
}

// EncodeBatch packs records (which must all have been produced by Rules
// registered with this Encoder) into one or more Messages, each bounded
// by MaxMessageLength. now drives both the export timestamp and the
// template refresh cadence.
func (e *Encoder) EncodeBatch(records []*hashtable.FlowRecord, observationDomainID uint32, now time.Time) ([][]byte, error) {
	if len(records) == 0 {
		return nil, nil
	}

	byTemplate := make(map[uint16][]*hashtable.FlowRecord)
	for _, rec := range records {
		byTemplate[rec.Rule.ID] = append(byTemplate[rec.Rule.ID], rec)
	}

	ds := e.domainState(observationDomainID)

	var messages [][]byte
	var cur []byte
	curLen := HeaderLength

	flush := func() {
		if curLen <= HeaderLength {
			return
		}
		h := Header{
			VersionNumber:       VersionNumber,
			Length:              uint16(curLen),
			ExportTime:          uint32(now.Unix()),
			SequenceNumber:      ds.sequenceNumber,
			ObservationDomainID: observationDomainID,
		}
		full := h.Encode(make([]byte, 0, curLen))
		full = append(full, cur...)
		messages = append(messages, full)
		cur = nil
		curLen = HeaderLength
	}

	needsRefresh := now.Sub(ds.lastRefresh) >= e.refreshInterval || ds.recordsSinceRefresh >= e.refreshRecords
	if needsRefresh {
		for templateID := range byTemplate {
			tmpl := e.templates[templateID]
			if tmpl == nil {
				continue
			}
			tsBytes, err := encodeTemplateSet(tmpl)
			if err != nil {
				return nil, err
			}
			if curLen+len(tsBytes) > MaxMessageLength {
				flush()
			}
			cur = append(cur, tsBytes...)
			curLen += len(tsBytes)
		}
		ds.lastRefresh = now
		ds.recordsSinceRefresh = 0
	}

	for templateID, recs := range byTemplate {
		tmpl := e.templates[templateID]
		if tmpl == nil {
			return nil, fmt.Errorf("ipfix: no template registered for rule %d", templateID)
		}
		for _, rec := range recs {
			recBytes, err := encodeDataRecord(tmpl, rec)
			if err != nil {
				return nil, err
			}
			// A lone record larger than a whole message cannot be split
			// further (DataSets don't straddle Messages in this design);
			// spec §6 treats this as a configuration error upstream
			// (FRONT_PAYLOAD length caps exist precisely to bound this).
			setOverhead := SetHeaderLength
			if curLen+setOverhead+len(recBytes) > MaxMessageLength {
				flush()
			}
			dsHeader := SetHeader{ID: templateID, Length: uint16(setOverhead + len(recBytes))}
			cur = dsHeader.Encode(cur)
			cur = append(cur, recBytes...)
			curLen += setOverhead + len(recBytes)
			ds.sequenceNumber++
			ds.recordsSinceRefresh++
		}
	}
	flush()

	return messages, nil
}

func encodeTemplateSet(tmpl *Template) ([]byte, error) {
	var body []byte
	body = binary.BigEndian.AppendUint16(body, tmpl.ID)
	body = binary.BigEndian.AppendUint16(body, uint16(len(tmpl.Fields)))
	for _, f := range tmpl.Fields {
		body = encodeFieldSpec(body, f)
	}
	h := SetHeader{ID: SetIDTemplate, Length: uint16(SetHeaderLength + len(body))}
	out := h.Encode(make([]byte, 0, SetHeaderLength+len(body)))
	out = append(out, body...)
	return out, nil
}

func encodeFieldSpec(dst []byte, f FieldSpec) []byte {
	id := f.ID
	if f.Enterprise != 0 {
		dst = binary.BigEndian.AppendUint16(dst, id|enterpriseBit)
		dst = binary.BigEndian.AppendUint16(dst, f.Length)
		dst = binary.BigEndian.AppendUint32(dst, f.Enterprise)
		return dst
	}
	dst = binary.BigEndian.AppendUint16(dst, id)
	dst = binary.BigEndian.AppendUint16(dst, f.Length)
	return dst
}

// encodeDataRecord writes one FlowRecord's bytes in the Template's
// declared field order, using GetReverse for fields whose Enterprise
// carries the ReversePEN bit (RFC 5103 biflow counters).
func encodeDataRecord(tmpl *Template, rec *hashtable.FlowRecord) ([]byte, error) {
	var out []byte
	for _, spec := range tmpl.Fields {
		var value []byte
		var ok bool
		if spec.Enterprise&ie.ReversePEN != 0 {
			fwd := ie.Info{Key: ie.Key{ID: spec.ID, Enterprise: spec.Enterprise &^ ie.ReversePEN}}
			value, ok = rec.GetReverse(fwd)
		} else {
			value, ok = rec.Get(ie.Info{Key: spec.Key})
		}
		if !ok {
			value = make([]byte, canonicalLen(spec.Length))
		}
		out = encodeFieldValue(out, spec.Length, value)
	}
	return out, nil
}

func canonicalLen(declared uint16) int {
	if declared == 0xFFFF {
		return 0
	}
	return int(declared)
}

// encodeFieldValue writes value to dst, prefixed by the RFC 7011 §7
// variable-length size encoding when declaredLength is 0xFFFF.
func encodeFieldValue(dst []byte, declaredLength uint16, value []byte) []byte {
	if declaredLength != 0xFFFF {
		return append(dst, value...)
	}
	if len(value) < 255 {
		dst = append(dst, byte(len(value)))
	} else {
		dst = append(dst, 255)
		dst = binary.BigEndian.AppendUint16(dst, uint16(len(value)))
	}
	return append(dst, value...)
}
