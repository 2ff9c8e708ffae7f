package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kyleArnott/vermont/pkg/exporter"
)

func TestLoadAppliesDefaults(t *testing.T) {
	t.Setenv("RULE_FILE", "/etc/vermont/rules.xml")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "eth0", cfg.Interface)
	assert.EqualValues(t, 17, cfg.HashtableBits)
	assert.Equal(t, "ipfix+udp", cfg.Export)
	assert.EqualValues(t, 256, cfg.BatchSize)
}

func TestLoadFailsWithoutRequiredRuleFile(t *testing.T) {
	_, err := Load()
	assert.Error(t, err)
}

func TestLoadParsesKafkaBrokerList(t *testing.T) {
	t.Setenv("RULE_FILE", "/etc/vermont/rules.xml")
	t.Setenv("EXPORT", "kafka")
	t.Setenv("KAFKA_BROKERS", "broker1:9092,broker2:9092")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"broker1:9092", "broker2:9092"}, cfg.KafkaBrokers)
}

func TestNewTransportRejectsKafkaWithoutBrokers(t *testing.T) {
	cfg := &Config{Export: "kafka"}
	_, err := cfg.NewTransport()
	assert.Error(t, err)
}

func TestNewTransportBuildsUDPTransport(t *testing.T) {
	cfg := &Config{Export: string(exporter.KindUDP), CollectorAddress: "127.0.0.1:0"}
	tr, err := cfg.NewTransport()
	require.NoError(t, err)
	defer tr.Close()
}

func TestExporterConfigProjectsFields(t *testing.T) {
	cfg := &Config{
		ObservationDomainID: 7,
		BatchSize:           64,
		MaxRetries:          3,
	}
	ec := cfg.ExporterConfig()
	assert.EqualValues(t, 7, ec.ObservationDomainID)
	assert.EqualValues(t, 64, ec.BatchSize)
	assert.EqualValues(t, 3, ec.MaxRetries)
}
