package ipfix

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeaderEncodeDecodeRoundTrip(t *testing.T) {
	h := Header{
		VersionNumber:       VersionNumber,
		Length:              16,
		ExportTime:          1700000000,
		SequenceNumber:      42,
		ObservationDomainID: 7,
	}
	buf := h.Encode(nil)
	require.Len(t, buf, HeaderLength)

	got, rest, err := DecodeHeader(buf)
	require.NoError(t, err)
	assert.Empty(t, rest)
	assert.Equal(t, h, got)
}

func TestDecodeHeaderRejectsWrongVersion(t *testing.T) {
	h := Header{VersionNumber: 9, Length: 16}
	buf := h.Encode(nil)
	_, _, err := DecodeHeader(buf)
	assert.Error(t, err)
}

func TestDecodeHeaderRejectsShortBuffer(t *testing.T) {
	_, _, err := DecodeHeader(make([]byte, HeaderLength-1))
	assert.Error(t, err)
}

func TestSetHeaderEncodeDecodeRoundTrip(t *testing.T) {
	sh := SetHeader{ID: 256, Length: 20}
	buf := sh.Encode(nil)
	require.Len(t, buf, SetHeaderLength)

	got, rest, err := DecodeSetHeader(buf)
	require.NoError(t, err)
	assert.Empty(t, rest)
	assert.Equal(t, sh, got)
}

func TestDecodeSetHeaderRejectsDeclaredLengthBelowHeader(t *testing.T) {
	sh := SetHeader{ID: 256, Length: 2}
	buf := sh.Encode(nil)
	_, _, err := DecodeSetHeader(buf)
	assert.Error(t, err)
}

func TestIsDataSet(t *testing.T) {
	assert.False(t, IsDataSet(SetIDTemplate))
	assert.False(t, IsDataSet(SetIDOptionsTemplate))
	assert.False(t, IsDataSet(255))
	assert.True(t, IsDataSet(256))
	assert.True(t, IsDataSet(65000))
}
