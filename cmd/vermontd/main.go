// Command vermontd wires config -> IE registry -> RuleSet -> Observer ->
// Coordinator -> Exporter into a running flow-export pipeline, the
// composition root pkg/agent/agent.go's Flows.Run plays for the teacher's
// eBPF agent.
package main

import (
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/netobserv/gopipes/pkg/node"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/kyleArnott/vermont/pkg/aggregator"
	"github.com/kyleArnott/vermont/pkg/config"
	"github.com/kyleArnott/vermont/pkg/exporter"
	"github.com/kyleArnott/vermont/pkg/hashtable"
	"github.com/kyleArnott/vermont/pkg/ie"
	"github.com/kyleArnott/vermont/pkg/metrics"
	"github.com/kyleArnott/vermont/pkg/packet"
	"github.com/kyleArnott/vermont/pkg/rules"
)

var log = logrus.WithField("component", "vermontd")

// Exit codes per spec §6: 0 normal, 1 config error, 2 capture init
// failure, 3 transport unrecoverable.
const (
	exitOK             = 0
	exitConfigError    = 1
	exitCaptureInit    = 2
	exitTransportFatal = 3
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Error("failed to load configuration")
		return exitConfigError
	}

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.WithError(err).Error("invalid LOG_LEVEL")
		return exitConfigError
	}
	logrus.SetLevel(level)

	registry := ie.NewRegistry()

	ruleSet, err := config.LoadRuleSet(cfg.RuleFile, registry)
	if err != nil {
		log.WithError(err).Error("failed to load rule set")
		return exitConfigError
	}
	if err := ruleSet.Validate(cfg.MaxRules, cfg.MaxFields); err != nil {
		log.WithError(err).Error("rule set failed validation")
		return exitConfigError
	}

	met := metrics.NewMetrics(prometheus.DefaultRegisterer)
	if cfg.MetricsAddress != "" {
		go serveMetrics(cfg.MetricsAddress)
	}

	transport, err := cfg.NewTransport()
	if err != nil {
		log.WithError(err).Error("failed to build export transport")
		return exitConfigError
	}

	if err := hashtable.ValidatePollInterval(cfg.PollInterval, cfg.ActiveTimeout, cfg.InactiveTimeout); err != nil {
		log.WithError(err).Error("invalid poll interval")
		return exitConfigError
	}

	coordinator := aggregator.New(ruleSet, registry, aggregator.Config{
		HashtableBits:   cfg.HashtableBits,
		ActiveTimeout:   cfg.ActiveTimeout,
		InactiveTimeout: cfg.InactiveTimeout,
		PollInterval:    cfg.PollInterval,
		MaxRecords:      cfg.MaxRecords,
		InputQueueLen:   cfg.InputQueueLen,
	})
	coordinator.Start()

	exp := exporter.New(registry, ruleSet, transport, cfg.ExporterConfig())

	obs := packet.New(cfg.Interface, cfg.SnapLen, cfg.CaptureTimeout, 1, cfg.InputQueueLen)

	var watcher *config.RuleWatcher
	if cfg.WatchRuleFile {
		watcher, err = config.WatchRuleSet(cfg.RuleFile, registry, cfg.MaxRules, cfg.MaxFields, func(rs *rules.RuleSet) {
			log.Info("rule set reload observed but dynamic graph reconfiguration is not supported; restart vermontd to pick it up")
		})
		if err != nil {
			log.WithError(err).Warn("failed to start rule-file watcher, continuing without hot reload")
		}
	}

	captureErrs := make(chan error, 1)
	go obs.Run(captureErrs)

	stopMetrics := reportActiveFlows(coordinator, met, cfg.PollInterval)
	defer close(stopMetrics)

	graph := processRecords(obs.Subscribers()[0], coordinator, exp)

	log.Info("vermontd started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	exitCode := exitOK
	select {
	case captureErr := <-captureErrs:
		log.WithError(captureErr).Error("capture failed")
		exitCode = exitCaptureInit
	case <-sigCh:
		log.Info("shutdown signal received")
	}

	obs.Stop()
	shutdownDeadline := 2*cfg.PollInterval + cfg.BatchTimeout
	select {
	case <-graph.Done():
	case <-time.After(shutdownDeadline):
		log.Warn("pipeline did not drain within the shutdown deadline, exiting anyway")
	}

	if watcher != nil {
		_ = watcher.Close()
	}
	if err := exp.Close(); err != nil {
		log.WithError(err).Error("failed to close export transport cleanly")
		if exitCode == exitOK {
			exitCode = exitTransportFatal
		}
	}
	log.WithField("exit_code", exitCode).Info("vermontd stopped")
	return exitCode
}

// processRecords wires the capture -> dispatch -> export graph exactly as
// pkg/agent/agent.go's processRecords wires tracers -> accounter ->
// forwarder: an AsInit stage forwarding an already-open channel (gopipes
// does not support attaching a dynamic source directly), an AsMiddle stage
// around the Coordinator's dispatch loop, and an AsTerminal stage around
// the Exporter's batching loop.
func processRecords(packets <-chan *packet.Packet, coordinator *aggregator.Coordinator, exp *exporter.Exporter) *node.Terminal {
	capture := node.AsInit(func(out chan<- *packet.Packet) {
		for p := range packets {
			out <- p
		}
	})
	dispatch := node.AsMiddle(coordinator.Run)
	export := node.AsTerminal(exp.Run)

	capture.SendsTo(dispatch)
	dispatch.SendsTo(export)
	capture.Start()
	return export
}

// reportActiveFlows periodically copies Coordinator.Len() into the
// vermont_active_flows gauge until the returned channel is closed.
func reportActiveFlows(coordinator *aggregator.Coordinator, met *metrics.Metrics, interval time.Duration) chan struct{} {
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				met.ActiveFlowsGauge().Set(float64(coordinator.Len()))
			case <-stop:
				return
			}
		}
	}()
	return stop
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	log.WithField("address", addr).Info("serving metrics")
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.WithError(err).Error("metrics server stopped")
	}
}
