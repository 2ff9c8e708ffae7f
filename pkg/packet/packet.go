// Package packet implements the Packet value type and the Observer capture
// loop described in spec §4.1: a Packet owns its captured bytes
// exclusively, parses L2/L3/L4 offsets lazily on first field access, and
// is shared by reference count across N subscribers.
package packet

import (
	"encoding/binary"
	"sync/atomic"
	"time"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"

	"github.com/kyleArnott/vermont/pkg/ie"
)

// Packet is a captured frame shared by reference count across subscribers.
// Its byte buffer is owned exclusively by the Packet (never aliased back
// into the capture driver's memory once copied out), and its layer
// decoding is computed once, lazily, on first field access.
type Packet struct {
	Timestamp time.Time
	data      []byte

	refCount int32 // atomic; decremented by Release, frame is reusable at 0

	decoded bool
	parsed  gopacket.Packet
}

// New wraps data (already copied out of the capture driver) as a Packet
// with subscribers references outstanding.
func New(data []byte, ts time.Time, subscribers int) *Packet {
	return &Packet{
		Timestamp: ts,
		data:      data,
		refCount:  int32(subscribers),
	}
}

// Caplen returns the number of bytes actually captured.
func (p *Packet) Caplen() int { return len(p.data) }

// Bytes returns the packet's raw captured bytes. Callers must not retain
// or mutate the slice beyond the packet's lifetime.
func (p *Packet) Bytes() []byte { return p.data }

// Release drops one subscriber's reference; once every subscriber has
// released the packet, it is eligible for reuse/collection.
func (p *Packet) Release() {
	atomic.AddInt32(&p.refCount, -1)
}

// RefCount reports the number of outstanding subscriber references.
func (p *Packet) RefCount() int32 {
	return atomic.LoadInt32(&p.refCount)
}

// ensureDecoded lazily parses L2/L3/L4 offsets on first access. Not safe
// for concurrent first-access from multiple goroutines on the same
// Packet — each subscriber owns its own reference and is expected to
// decode from its own goroutine before sharing results, matching how the
// Hashtable's single-owner-goroutine discipline works.
func (p *Packet) ensureDecoded() {
	if p.decoded {
		return
	}
	p.parsed = gopacket.NewPacket(p.data, layers.LayerTypeEthernet, gopacket.DecodeOptions{
		Lazy:   true,
		NoCopy: true,
	})
	p.decoded = true
}

// Extract implements rules.Extractor: it returns the raw bytes for the
// given Information Element, decoding L2/L3/L4 layers on first call.
func (p *Packet) Extract(elem ie.Info) ([]byte, bool) {
	p.ensureDecoded()

	switch elem.ID {
	case ie.IDOctetDeltaCount:
		if ip4, ok := p.parsed.NetworkLayer().(*layers.IPv4); ok {
			return u64Bytes(uint64(ip4.Length)), true
		}
		return nil, false

	case ie.IDPacketDeltaCount:
		if p.parsed.NetworkLayer() == nil {
			return nil, false
		}
		return u64Bytes(1), true

	case ie.IDFlowStartSeconds, ie.IDFlowEndSeconds:
		return u32Bytes(uint32(p.Timestamp.Unix())), true

	case ie.IDProtocolIdentifier:
		if ip4, ok := p.parsed.NetworkLayer().(*layers.IPv4); ok {
			return []byte{byte(ip4.Protocol)}, true
		}
		return nil, false

	case ie.IDSourceIPv4Address:
		if ip4, ok := p.parsed.NetworkLayer().(*layers.IPv4); ok {
			return addrBytes(ip4.SrcIP.To4(), elem), true
		}
		return nil, false

	case ie.IDDestinationIPv4Address:
		if ip4, ok := p.parsed.NetworkLayer().(*layers.IPv4); ok {
			return addrBytes(ip4.DstIP.To4(), elem), true
		}
		return nil, false

	case ie.IDMinimumTTL, ie.IDMaximumTTL:
		if ip4, ok := p.parsed.NetworkLayer().(*layers.IPv4); ok {
			return []byte{ip4.TTL}, true
		}
		return nil, false

	case ie.IDSourceTransportPort, ie.IDTCPSourcePort, ie.IDUDPSourcePort:
		return p.transportPort(true)

	case ie.IDDestinationTransportPort, ie.IDTCPDestinationPort, ie.IDUDPDestinationPort:
		return p.transportPort(false)

	case ie.IDTCPControlBits:
		if tcp, ok := p.parsed.TransportLayer().(*layers.TCP); ok {
			return u16Bytes(tcpFlags(tcp)), true
		}
		return nil, false

	case ie.IDSourceMacAddress:
		if eth, ok := p.parsed.LinkLayer().(*layers.Ethernet); ok {
			return []byte(eth.SrcMAC), true
		}
		return nil, false

	case ie.IDDestinationMacAddress:
		if eth, ok := p.parsed.LinkLayer().(*layers.Ethernet); ok {
			return []byte(eth.DstMAC), true
		}
		return nil, false

	case ie.IDFrontPayload:
		return p.frontPayload(elem)

	default:
		return nil, false
	}
}

func (p *Packet) transportPort(source bool) ([]byte, bool) {
	switch t := p.parsed.TransportLayer().(type) {
	case *layers.TCP:
		if source {
			return u16Bytes(uint16(t.SrcPort)), true
		}
		return u16Bytes(uint16(t.DstPort)), true
	case *layers.UDP:
		if source {
			return u16Bytes(uint16(t.SrcPort)), true
		}
		return u16Bytes(uint16(t.DstPort)), true
	default:
		return nil, false
	}
}

// frontPayload captures the first L bytes of application payload, where
// L = elem.Length - 4 (the 4-byte length prefix), per spec §4.3's
// FRONT_PAYLOAD policy and AggregatorBaseCfg.cpp's "type must have at
// least size 5" check.
func (p *Packet) frontPayload(elem ie.Info) ([]byte, bool) {
	app := p.parsed.ApplicationLayer()
	if app == nil {
		return nil, false
	}
	payload := app.Payload()
	maxLen := int(elem.Length) - 4
	if maxLen < 1 {
		return nil, false
	}
	if len(payload) > maxLen {
		payload = payload[:maxLen]
	}
	out := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(out, uint32(len(payload)))
	copy(out[4:], payload)
	return out, true
}

func addrBytes(ip []byte, elem ie.Info) []byte {
	if ip == nil {
		return make([]byte, 4)
	}
	out := make([]byte, 4)
	copy(out, ip)
	return out
}

func u16Bytes(v uint16) []byte {
	out := make([]byte, 2)
	binary.BigEndian.PutUint16(out, v)
	return out
}

func u32Bytes(v uint32) []byte {
	out := make([]byte, 4)
	binary.BigEndian.PutUint32(out, v)
	return out
}

func u64Bytes(v uint64) []byte {
	out := make([]byte, 8)
	binary.BigEndian.PutUint64(out, v)
	return out
}

func tcpFlags(tcp *layers.TCP) uint16 {
	var f uint16
	if tcp.FIN {
		f |= 0x01
	}
	if tcp.SYN {
		f |= 0x02
	}
	if tcp.RST {
		f |= 0x04
	}
	if tcp.PSH {
		f |= 0x08
	}
	if tcp.ACK {
		f |= 0x10
	}
	if tcp.URG {
		f |= 0x20
	}
	if tcp.ECE {
		f |= 0x40
	}
	if tcp.CWR {
		f |= 0x80
	}
	if tcp.NS {
		f |= 0x100
	}
	return f
}
