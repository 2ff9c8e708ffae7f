// Package exporter drains expired FlowRecords from pkg/aggregator, encodes
// them with pkg/ipfix, and writes the resulting Messages to a configured
// collector transport (UDP, TCP, or a Kafka mirror sink), retrying
// transient failures and dropping a message once retries are exhausted or
// on a permanent failure, per spec §6/§7.
package exporter

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/kyleArnott/vermont/pkg/verrors"
)

// ErrUnsupportedTransport is returned by NewTransport for a configured
// transport kind this build does not implement: SCTP is named in spec §6
// but no SCTP client library appears anywhere in the retrieval pack (see
// DESIGN.md), so it fails closed at construction time rather than being
// silently downgraded to UDP or TCP.
var ErrUnsupportedTransport = errors.New("exporter: unsupported transport")

// Transport writes one already-encoded IPFIX Message to a collector.
// Implementations report transient failures as *verrors.TransportError
// with Permanent=false so the caller knows to retry, and Permanent=true
// for failures retrying cannot fix (e.g. a malformed address).
type Transport interface {
	WriteMessage(msg []byte) error
	Close() error
}

// Kind selects a Transport implementation, mirroring pkg/agent/config.go's
// Export switch (generalized here from protobuf/gRPC to IPFIX/Kafka byte
// sinks — see SPEC_FULL.md's DOMAIN STACK section).
type Kind string

const (
	KindUDP   Kind = "ipfix+udp"
	KindTCP   Kind = "ipfix+tcp"
	KindSCTP  Kind = "ipfix+sctp"
	KindKafka Kind = "kafka"
)

// NewTransport builds the Transport named by kind against addr. KindKafka
// and KindSCTP are rejected with ErrUnsupportedTransport; a Kafka sink is
// constructed separately via NewKafkaSink since it needs topic/broker
// configuration rather than a single address.
func NewTransport(kind Kind, addr string) (Transport, error) {
	switch kind {
	case KindUDP:
		return newUDPTransport(addr)
	case KindTCP:
		return newTCPTransport(addr)
	case KindSCTP:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedTransport, kind)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedTransport, kind)
	}
}

// udpTransport is a connected UDP socket: one datagram per Message,
// grounded on export/pkg/udp's Client, generalized from protobuf-encoded
// frames to raw IPFIX message bytes. UDP has no notion of a "permanent"
// write failure distinct from a transient one, so every write error is
// reported retryable; a dial failure at construction is permanent.
type udpTransport struct {
	addr string
	conn net.Conn
}

func newUDPTransport(addr string) (*udpTransport, error) {
	conn, err := net.Dial("udp", addr)
	if err != nil {
		return nil, verrors.NewTransportError(string(KindUDP), err, true)
	}
	return &udpTransport{addr: addr, conn: conn}, nil
}

func (t *udpTransport) WriteMessage(msg []byte) error {
	if _, err := t.conn.Write(msg); err != nil {
		return verrors.NewTransportError(string(KindUDP), err, false)
	}
	return nil
}

func (t *udpTransport) Close() error { return t.conn.Close() }

// tcpTransport is a persistent TCP stream connection. IPFIX Messages are
// already self-delimited by the 16-byte header's Length field, so no
// additional framing is layered on top; the collector reads HeaderLength
// bytes, decodes Length, then reads the remainder. A write failure closes
// the connection and redials at once, so the exporter's next retry writes
// to the new connection; the failed write is reported retryable.
type tcpTransport struct {
	addr string
	conn net.Conn
}

func newTCPTransport(addr string) (*tcpTransport, error) {
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		return nil, verrors.NewTransportError(string(KindTCP), err, true)
	}
	return &tcpTransport{addr: addr, conn: conn}, nil
}

func (t *tcpTransport) WriteMessage(msg []byte) error {
	if _, err := t.conn.Write(msg); err != nil {
		_ = t.conn.Close()
		reconn, dialErr := net.DialTimeout("tcp", t.addr, 5*time.Second)
		if dialErr != nil {
			return verrors.NewTransportError(string(KindTCP), err, false)
		}
		t.conn = reconn
		return verrors.NewTransportError(string(KindTCP), err, false)
	}
	return nil
}

func (t *tcpTransport) Close() error { return t.conn.Close() }
