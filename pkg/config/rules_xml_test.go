package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kyleArnott/vermont/pkg/ie"
	"github.com/kyleArnott/vermont/pkg/rules"
)

func writeRuleFile(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.xml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadRuleSetBuildsKeyAndAggregateFields(t *testing.T) {
	path := writeRuleFile(t, `<rules>
  <rule>
    <templateId>256</templateId>
    <flowKey ieName="protocolIdentifier" modifier="keep"/>
    <flowKey ieName="sourceIPv4Address" modifier="mask/24"/>
    <flowKey ieName="sourceTransportPort" modifier="discard"/>
    <nonFlowKey ieName="octetDeltaCount"/>
  </rule>
</rules>`)

	rs, err := LoadRuleSet(path, ie.NewRegistry())
	require.NoError(t, err)
	require.Len(t, rs.Rules, 1)

	r := rs.Rules[0]
	assert.EqualValues(t, 256, r.ID)
	require.Len(t, r.Fields, 4)

	assert.Equal(t, rules.Keep, r.Fields[0].Modifier)
	assert.Equal(t, rules.Mask, r.Fields[1].Modifier)
	assert.Equal(t, 24, r.Fields[1].MaskBits)
	assert.True(t, r.Fields[1].AppendPrefixLength, "IPv4 address fields get an appended mask-length byte")
	assert.EqualValues(t, 4, r.Fields[1].IE.Length, "canonical length; ipfix.TemplateFromRule is what bumps it for the wire")
	assert.Equal(t, rules.Discard, r.Fields[2].Modifier)
	assert.Equal(t, rules.Aggregate, r.Fields[3].Modifier)
}

func TestLoadRuleSetRejectsUnknownInformationElement(t *testing.T) {
	path := writeRuleFile(t, `<rules>
  <rule>
    <templateId>1</templateId>
    <flowKey ieName="notARealIE" modifier="keep"/>
  </rule>
</rules>`)

	_, err := LoadRuleSet(path, ie.NewRegistry())
	assert.Error(t, err)
}

func TestLoadRuleSetRejectsMalformedPattern(t *testing.T) {
	path := writeRuleFile(t, `<rules>
  <rule>
    <templateId>1</templateId>
    <flowKey ieName="sourceTransportPort" modifier="keep" match="not-a-port-range"/>
  </rule>
</rules>`)

	_, err := LoadRuleSet(path, ie.NewRegistry())
	assert.Error(t, err)
}

func TestLoadRuleSetStripsPatternOnBiflowRuleInsteadOfFailing(t *testing.T) {
	path := writeRuleFile(t, `<rules>
  <rule>
    <templateId>1</templateId>
    <biflowAggregation>true</biflowAggregation>
    <flowKey ieName="sourceTransportPort" modifier="keep" match="80,443"/>
  </rule>
</rules>`)

	rs, err := LoadRuleSet(path, ie.NewRegistry())
	require.NoError(t, err)
	require.Len(t, rs.Rules, 1)
	assert.Nil(t, rs.Rules[0].Fields[0].Pattern)
}

func TestLoadRuleSetParsesPortRangesAndIPv4Pattern(t *testing.T) {
	path := writeRuleFile(t, `<rules>
  <rule>
    <templateId>1</templateId>
    <flowKey ieName="sourceIPv4Address" modifier="keep" match="10.0.0.0/24"/>
    <flowKey ieName="destinationTransportPort" modifier="keep" match="80,443,8000-8100"/>
  </rule>
</rules>`)

	rs, err := LoadRuleSet(path, ie.NewRegistry())
	require.NoError(t, err)
	r := rs.Rules[0]

	ipPattern := r.Fields[0].Pattern
	require.NotNil(t, ipPattern)
	assert.Equal(t, rules.PatternPrefixV4, ipPattern.Kind)
	assert.Equal(t, 24, ipPattern.PrefixBits)
	assert.Equal(t, []byte{10, 0, 0, 0}, ipPattern.PrefixValue)

	portPattern := r.Fields[1].Pattern
	require.NotNil(t, portPattern)
	assert.Equal(t, rules.PatternPortRanges, portPattern.Kind)
	assert.Equal(t, []rules.PortRange{{Lo: 80, Hi: 80}, {Lo: 443, Hi: 443}, {Lo: 8000, Hi: 8100}}, portPattern.Ranges)
}

func TestLoadRuleSetAppliesFixedFrontPayloadLength(t *testing.T) {
	path := writeRuleFile(t, `<rules>
  <rule>
    <templateId>1</templateId>
    <nonFlowKey ieName="frontPayload" length="132"/>
  </rule>
</rules>`)

	rs, err := LoadRuleSet(path, ie.NewRegistry())
	require.NoError(t, err)
	assert.EqualValues(t, 132, rs.Rules[0].Fields[0].IE.Length)
}

func TestLoadRuleSetRejectsFrontPayloadLengthTooShort(t *testing.T) {
	path := writeRuleFile(t, `<rules>
  <rule>
    <templateId>1</templateId>
    <nonFlowKey ieName="frontPayload" length="4"/>
  </rule>
</rules>`)

	_, err := LoadRuleSet(path, ie.NewRegistry())
	assert.Error(t, err)
}

func TestLoadRuleSetMissingFileReturnsConfigError(t *testing.T) {
	_, err := LoadRuleSet(filepath.Join(t.TempDir(), "missing.xml"), ie.NewRegistry())
	assert.Error(t, err)
}
