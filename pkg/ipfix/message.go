// Package ipfix implements the wire protocol described in spec §4.5/§6:
// the 16-byte message header, Template/OptionsTemplate/DataSet framing,
// variable-length Information Element encoding, enterprise-specific IE
// suffixes, and per-(observationDomainId, templateId) template caching.
// The decoder's set-decoding loop is grounded on the zoomoid/go-ipfix
// Decoder found in the retrieval pack; the encoder is this design's own,
// built to the same wire layout.
package ipfix

import (
	"encoding/binary"
	"fmt"
)

// VersionNumber is the IPFIX protocol version (RFC 7011 §3.1).
const VersionNumber uint16 = 10

// HeaderLength is the fixed size, in bytes, of a Message header.
const HeaderLength = 16

// MaxMessageLength is the largest a Message's total encoded length field
// can address (a uint16), the bound the Encoder packs DataSets against.
const MaxMessageLength = 0xFFFF

// Set IDs 0-255 are reserved; 2 and 3 name the two flavors of template set
// (RFC 7011 §3.3.2), and DataSet ids start at 256.
const (
	SetIDTemplate        uint16 = 2
	SetIDOptionsTemplate uint16 = 3
	minDataSetID         uint16 = 256
)

// Header is the fixed 16-byte IPFIX Message Header (RFC 7011 §3.1).
type Header struct {
	VersionNumber  uint16
	Length         uint16
	ExportTime     uint32 // seconds since the UNIX epoch
	SequenceNumber uint32
	ObservationDomainID uint32
}

// Encode appends the header's wire bytes to dst and returns the result.
func (h Header) Encode(dst []byte) []byte {
	buf := make([]byte, HeaderLength)
	binary.BigEndian.PutUint16(buf[0:2], h.VersionNumber)
	binary.BigEndian.PutUint16(buf[2:4], h.Length)
	binary.BigEndian.PutUint32(buf[4:8], h.ExportTime)
	binary.BigEndian.PutUint32(buf[8:12], h.SequenceNumber)
	binary.BigEndian.PutUint32(buf[12:16], h.ObservationDomainID)
	return append(dst, buf...)
}

// DecodeHeader reads a Header from the front of data, returning the
// remaining bytes.
func DecodeHeader(data []byte) (Header, []byte, error) {
	if len(data) < HeaderLength {
		return Header{}, nil, fmt.Errorf("ipfix: short message header (%d bytes)", len(data))
	}
	h := Header{
		VersionNumber:       binary.BigEndian.Uint16(data[0:2]),
		Length:              binary.BigEndian.Uint16(data[2:4]),
		ExportTime:          binary.BigEndian.Uint32(data[4:8]),
		SequenceNumber:      binary.BigEndian.Uint32(data[8:12]),
		ObservationDomainID: binary.BigEndian.Uint32(data[12:16]),
	}
	if h.VersionNumber != VersionNumber {
		return Header{}, nil, fmt.Errorf("ipfix: unsupported version number %d", h.VersionNumber)
	}
	return h, data[HeaderLength:], nil
}

// SetHeader is the 4-byte header (RFC 7011 §3.3.1) that precedes every Set
// (Template, OptionsTemplate or Data).
type SetHeader struct {
	ID     uint16
	Length uint16 // total set length, header included
}

const SetHeaderLength = 4

func (h SetHeader) Encode(dst []byte) []byte {
	buf := make([]byte, SetHeaderLength)
	binary.BigEndian.PutUint16(buf[0:2], h.ID)
	binary.BigEndian.PutUint16(buf[2:4], h.Length)
	return append(dst, buf...)
}

func DecodeSetHeader(data []byte) (SetHeader, []byte, error) {
	if len(data) < SetHeaderLength {
		return SetHeader{}, nil, fmt.Errorf("ipfix: short set header (%d bytes)", len(data))
	}
	h := SetHeader{
		ID:     binary.BigEndian.Uint16(data[0:2]),
		Length: binary.BigEndian.Uint16(data[2:4]),
	}
	if int(h.Length) < SetHeaderLength {
		return SetHeader{}, nil, fmt.Errorf("ipfix: set header declares impossible length %d", h.Length)
	}
	return h, data[SetHeaderLength:], nil
}

// IsDataSet reports whether a SetHeader's id names a DataSet rather than a
// Template or OptionsTemplate set.
func IsDataSet(id uint16) bool { return id >= minDataSetID }
