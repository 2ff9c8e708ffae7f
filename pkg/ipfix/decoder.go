package ipfix

import (
	"encoding/binary"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/kyleArnott/vermont/pkg/ie"
)

var log = logrus.WithField("component", "ipfix.Decoder")

// DataRecord is one decoded IPFIX data record, adapted to rules.Extractor
// so it can be fed through pkg/aggregator's dispatch path exactly like a
// captured packet (spec §4.4).
type DataRecord struct {
	TemplateID          uint16
	ObservationDomainID uint32
	Values              map[ie.Key][]byte
}

// Extract implements rules.Extractor.
func (r *DataRecord) Extract(elem ie.Info) ([]byte, bool) {
	v, ok := r.Values[elem.Key]
	return v, ok
}

// pendingSet buffers a DataSet's raw field bytes against a TemplateKey
// whose Template has not yet been observed, per spec §4.5's bounded-
// tolerance replay requirement.
type pendingSet struct {
	key  TemplateKey
	body []byte
}

// Decoder turns raw Message bytes into decoded Templates and DataRecords,
// grounded on the zoomoid/go-ipfix Decoder's per-Set dispatch loop
// (Template / OptionsTemplate / Data), generalized from that package's
// generic FieldCache/Field abstraction to this design's flat
// ie.Registry + []byte value model.
type Decoder struct {
	templates  TemplateCache
	registry   *ie.Registry
	maxPending int

	pending map[TemplateKey][]pendingSet
}

// NewDecoder builds a Decoder against templates, using registry to
// validate known Information Elements. maxPending bounds how many
// DataSets referencing an as-yet-unknown template are buffered per
// TemplateKey before the oldest is dropped (spec §4.5).
func NewDecoder(templates TemplateCache, registry *ie.Registry, maxPending int) *Decoder {
	if maxPending <= 0 {
		maxPending = 16
	}
	return &Decoder{
		templates:  templates,
		registry:   registry,
		maxPending: maxPending,
		pending:    make(map[TemplateKey][]pendingSet),
	}
}

// Decode parses one Message's worth of bytes, returning the Header and
// every DataRecord decoded from it (template sets update the Decoder's
// TemplateCache as a side effect and contribute no DataRecords).
func (d *Decoder) Decode(data []byte) (Header, []*DataRecord, error) {
	header, rest, err := DecodeHeader(data)
	if err != nil {
		return Header{}, nil, err
	}

	var records []*DataRecord
	for len(rest) > 0 {
		sh, body, err := DecodeSetHeader(rest)
		if err != nil {
			return header, records, err
		}
		setBodyLen := int(sh.Length) - SetHeaderLength
		if setBodyLen < 0 || setBodyLen > len(body) {
			return header, records, fmt.Errorf("ipfix: set %d declares length %d exceeding remaining message", sh.ID, sh.Length)
		}
		setBody, remainder := body[:setBodyLen], body[setBodyLen:]
		rest = remainder

		switch {
		case sh.ID == SetIDTemplate:
			if err := d.decodeTemplateSet(setBody, header.ObservationDomainID, false); err != nil {
				return header, records, err
			}
		case sh.ID == SetIDOptionsTemplate:
			if err := d.decodeTemplateSet(setBody, header.ObservationDomainID, true); err != nil {
				return header, records, err
			}
		case IsDataSet(sh.ID):
			key := TemplateKey{ObservationDomainID: header.ObservationDomainID, TemplateID: sh.ID}
			tmpl, ok := d.templates.Get(key)
			if !ok {
				d.buffer(key, setBody)
				continue
			}
			recs, err := d.decodeDataSet(tmpl, setBody)
			if err != nil {
				return header, records, err
			}
			records = append(records, recs...)
		default:
			return header, records, fmt.Errorf("ipfix: set id %d is reserved, not a valid template or data set", sh.ID)
		}
	}

	records = append(records, d.replayPending(header.ObservationDomainID)...)
	return header, records, nil
}

// buffer holds a DataSet's raw bytes until its template arrives, evicting
// the oldest pending set for the same key once maxPending is exceeded.
func (d *Decoder) buffer(key TemplateKey, body []byte) {
	queue := d.pending[key]
	if len(queue) >= d.maxPending {
		log.WithField("template", key).Warn("dropping oldest buffered data set: unknown-template tolerance exceeded")
		queue = queue[1:]
	}
	owned := make([]byte, len(body))
	copy(owned, body)
	d.pending[key] = append(queue, pendingSet{key: key, body: owned})
}

// replayPending decodes and drains any DataSets buffered against a
// template that has since been learned during this same Decode call.
func (d *Decoder) replayPending(observationDomainID uint32) []*DataRecord {
	var out []*DataRecord
	for key, queue := range d.pending {
		tmpl, ok := d.templates.Get(key)
		if !ok {
			continue
		}
		for _, ps := range queue {
			recs, err := d.decodeDataSet(tmpl, ps.body)
			if err != nil {
				log.WithError(err).WithField("template", key).Warn("failed to replay buffered data set")
				continue
			}
			out = append(out, recs...)
		}
		delete(d.pending, key)
	}
	return out
}

func (d *Decoder) decodeTemplateSet(body []byte, observationDomainID uint32, isOptions bool) error {
	for len(body) > 0 {
		if len(body) < 4 {
			return fmt.Errorf("ipfix: truncated template record header")
		}
		templateID := binary.BigEndian.Uint16(body[0:2])
		fieldCount := binary.BigEndian.Uint16(body[2:4])
		body = body[4:]

		var scopeFieldCount uint16
		if isOptions {
			if len(body) < 2 {
				return fmt.Errorf("ipfix: truncated options template scope field count")
			}
			scopeFieldCount = binary.BigEndian.Uint16(body[0:2])
			body = body[2:]
		}

		tmpl := &Template{ID: templateID, ObservationDomainID: observationDomainID, ScopeFieldCount: scopeFieldCount}
		for i := uint16(0); i < fieldCount; i++ {
			spec, remainder, err := decodeFieldSpec(body)
			if err != nil {
				return fmt.Errorf("ipfix: template %d field %d: %w", templateID, i, err)
			}
			tmpl.Fields = append(tmpl.Fields, spec)
			body = remainder
		}

		d.templates.Add(TemplateKey{ObservationDomainID: observationDomainID, TemplateID: templateID}, tmpl)
	}
	return nil
}

// decodeFieldSpec reads one field specifier (RFC 7011 §3.2): a 16-bit id
// (top bit set for enterprise-specific), a 16-bit length, and an optional
// 32-bit enterprise number.
func decodeFieldSpec(data []byte) (FieldSpec, []byte, error) {
	if len(data) < 4 {
		return FieldSpec{}, nil, fmt.Errorf("short field specifier")
	}
	rawID := binary.BigEndian.Uint16(data[0:2])
	length := binary.BigEndian.Uint16(data[2:4])
	data = data[4:]

	id := rawID &^ enterpriseBit
	var enterprise uint32
	if rawID&enterpriseBit != 0 {
		if len(data) < 4 {
			return FieldSpec{}, nil, fmt.Errorf("short enterprise number")
		}
		enterprise = binary.BigEndian.Uint32(data[0:4])
		data = data[4:]
	}
	return FieldSpec{Key: ie.Key{ID: id, Enterprise: enterprise}, Length: length}, data, nil
}

func (d *Decoder) decodeDataSet(tmpl *Template, body []byte) ([]*DataRecord, error) {
	var records []*DataRecord
	for len(body) > 0 {
		rec := &DataRecord{
			TemplateID:          tmpl.ID,
			ObservationDomainID: tmpl.ObservationDomainID,
			Values:              make(map[ie.Key][]byte, len(tmpl.Fields)),
		}
		for _, spec := range tmpl.Fields {
			value, remainder, err := decodeFieldValue(body, spec.Length)
			if err != nil {
				return records, fmt.Errorf("ipfix: template %d: %w", tmpl.ID, err)
			}
			rec.Values[spec.Key] = value
			body = remainder
		}
		records = append(records, rec)
	}
	return records, nil
}

// decodeFieldValue reads one field's raw bytes per RFC 7011 §7's
// variable-length encoding: declaredLength 0xFFFF marks a variable-length
// field, whose actual length is a following 1-byte count, or (if that
// byte is 255) a following 2-byte count.
func decodeFieldValue(data []byte, declaredLength uint16) ([]byte, []byte, error) {
	if declaredLength != 0xFFFF {
		if len(data) < int(declaredLength) {
			return nil, nil, fmt.Errorf("short fixed-length field (want %d, have %d)", declaredLength, len(data))
		}
		return data[:declaredLength], data[declaredLength:], nil
	}

	if len(data) < 1 {
		return nil, nil, fmt.Errorf("short variable-length field size byte")
	}
	size := int(data[0])
	data = data[1:]
	if size == 255 {
		if len(data) < 2 {
			return nil, nil, fmt.Errorf("short variable-length field extended size")
		}
		size = int(binary.BigEndian.Uint16(data[0:2]))
		data = data[2:]
	}
	if len(data) < size {
		return nil, nil, fmt.Errorf("short variable-length field value (want %d, have %d)", size, len(data))
	}
	return data[:size], data[size:], nil
}
