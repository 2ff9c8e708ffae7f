// Package config supplies the ambient runtime settings cmd/vermontd wires
// into every other package (pkg/packet.Observer, pkg/aggregator.Coordinator,
// pkg/exporter.Exporter/Transport) plus the XML rule-set loader and its
// fsnotify-driven hot reload. It is deliberately the one package allowed to
// depend on everything else: it is the composition root's input, not part
// of the pipeline itself.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v6"

	"github.com/kyleArnott/vermont/pkg/exporter"
	"github.com/kyleArnott/vermont/pkg/verrors"
)

// Config is the caarlos0/env-tagged ambient settings struct, mirroring
// pkg/agent/config.go's field-tag style (env name, optional default,
// optional comma separator) but covering this project's own settings
// instead of the teacher's eBPF/interface/dedup knobs.
type Config struct {
	// Interface is the name of the network interface to capture from.
	Interface string `env:"INTERFACE" envDefault:"eth0"`
	// SnapLen bounds how many bytes of each packet are captured; it must be
	// large enough to cover the longest FRONT_PAYLOAD field any Rule
	// declares, or that field silently truncates.
	SnapLen int32 `env:"SNAPLEN" envDefault:"262144"`
	// PromiscuousMode is parsed but not read by cmd/vermontd: the packet
	// Observer always opens its live capture in promiscuous mode.
	PromiscuousMode bool `env:"PROMISCUOUS" envDefault:"false"`
	// CaptureTimeout is the pcap read timeout between packet batches.
	CaptureTimeout time.Duration `env:"CAPTURE_TIMEOUT" envDefault:"1s"`

	// RuleFile is the path to the XML rule-set configuration file.
	RuleFile string `env:"RULE_FILE,required"`
	// WatchRuleFile enables an fsnotify watch on RuleFile that re-parses and
	// validates it on change; cmd/vermontd only logs the reload and keeps
	// running with the rule set it started with.
	WatchRuleFile bool `env:"WATCH_RULE_FILE" envDefault:"true"`
	// MaxRules and MaxFields cap RuleSet.Validate's sanity checks; 0
	// disables the corresponding cap.
	MaxRules  int `env:"MAX_RULES" envDefault:"64"`
	MaxFields int `env:"MAX_FIELDS" envDefault:"64"`

	// HashtableBits sizes each Rule's Hashtable to 2^HashtableBits buckets.
	HashtableBits int `env:"HASHTABLE_BITS" envDefault:"17"`
	// ActiveTimeout/InactiveTimeout are the default expiry timeouts applied
	// to every Rule's Hashtable.
	ActiveTimeout   time.Duration `env:"ACTIVE_TIMEOUT" envDefault:"300s"`
	InactiveTimeout time.Duration `env:"INACTIVE_TIMEOUT" envDefault:"60s"`
	// PollInterval is how often each table is polled for expired records.
	PollInterval time.Duration `env:"POLL_INTERVAL" envDefault:"5s"`
	// MaxRecords caps each table's FlowRecord count; 0 disables the cap.
	MaxRecords int `env:"MAX_RECORDS" envDefault:"0"`
	// InputQueueLen bounds each table worker's input channel.
	InputQueueLen int `env:"INPUT_QUEUE_LEN" envDefault:"1024"`

	// ObservationDomainID is stamped into every exported IPFIX Message
	// header.
	ObservationDomainID uint32 `env:"OBSERVATION_DOMAIN_ID" envDefault:"0"`

	// Export selects the collector transport. Accepted values mirror
	// pkg/exporter.Kind: ipfix+udp (default), ipfix+tcp, kafka.
	Export string `env:"EXPORT" envDefault:"ipfix+udp"`
	// CollectorAddress is the host:port of the IPFIX collector, used when
	// Export is ipfix+udp or ipfix+tcp.
	CollectorAddress string `env:"COLLECTOR_ADDRESS"`

	// KafkaBrokers/KafkaTopic configure the Kafka mirror sink, used when
	// Export is "kafka".
	KafkaBrokers []string `env:"KAFKA_BROKERS" envSeparator:","`
	KafkaTopic   string   `env:"KAFKA_TOPIC" envDefault:"vermont-ipfix"`

	// BatchSize/BatchTimeout/TemplateRefreshInterval/TemplateRefreshRecords
	// feed exporter.Config directly.
	BatchSize               int           `env:"EXPORT_BATCH_SIZE" envDefault:"256"`
	BatchTimeout            time.Duration `env:"EXPORT_BATCH_TIMEOUT" envDefault:"1s"`
	TemplateRefreshInterval time.Duration `env:"TEMPLATE_REFRESH_INTERVAL" envDefault:"30s"`
	TemplateRefreshRecords  int           `env:"TEMPLATE_REFRESH_RECORDS" envDefault:"1000"`
	MaxRetries              int           `env:"EXPORT_MAX_RETRIES" envDefault:"5"`
	RetryBaseDelay          time.Duration `env:"EXPORT_RETRY_BASE_DELAY" envDefault:"100ms"`

	// LogLevel is a logrus level name (panic, fatal, error, warn, info,
	// debug, trace).
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// MetricsAddress is the host:port the Prometheus handler listens on;
	// empty disables the metrics server.
	MetricsAddress string `env:"METRICS_ADDRESS" envDefault:":9090"`
}

// Load reads Config from the environment, wrapping any missing-required or
// type-conversion failure as a *verrors.ConfigError so cmd/vermontd can
// refuse to start with the documented exit code.
func Load() (*Config, error) {
	var c Config
	if err := env.Parse(&c); err != nil {
		return nil, verrors.NewConfigError("environment", err)
	}
	return &c, nil
}

// ExporterConfig projects the Exporter-relevant fields of c into an
// exporter.Config, so cmd/vermontd doesn't hand-copy every field itself.
func (c *Config) ExporterConfig() exporter.Config {
	return exporter.Config{
		ObservationDomainID:     c.ObservationDomainID,
		BatchSize:               c.BatchSize,
		BatchTimeout:            c.BatchTimeout,
		TemplateRefreshInterval: c.TemplateRefreshInterval,
		TemplateRefreshRecords:  c.TemplateRefreshRecords,
		MaxRetries:              c.MaxRetries,
		RetryBaseDelay:          c.RetryBaseDelay,
	}
}

// NewTransport builds the exporter.Transport named by c.Export.
func (c *Config) NewTransport() (exporter.Transport, error) {
	if c.Export == string(exporter.KindKafka) {
		if len(c.KafkaBrokers) == 0 {
			return nil, verrors.NewConfigError("kafka", fmt.Errorf("KAFKA_BROKERS is required when EXPORT=kafka"))
		}
		return exporter.NewKafkaSink(c.KafkaBrokers, c.KafkaTopic), nil
	}
	t, err := exporter.NewTransport(exporter.Kind(c.Export), c.CollectorAddress)
	if err != nil {
		return nil, verrors.NewConfigError("export", err)
	}
	return t, nil
}
