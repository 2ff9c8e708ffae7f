package packet

import (
	"sync/atomic"
	"time"

	"github.com/gopacket/gopacket/pcap"
	"github.com/paulbellamy/ratecounter"
	"github.com/sirupsen/logrus"

	"github.com/kyleArnott/vermont/pkg/verrors"
)

var log = logrus.WithField("component", "packet.Observer")

// Source abstracts the capture driver so tests can inject a fake without a
// live interface or libpcap. *pcap.Handle satisfies it.
type Source interface {
	ReadPacketData() (data []byte, ci pcapCaptureInfo, err error)
	Close()
}

// pcapCaptureInfo mirrors gopacket.CaptureInfo's Timestamp/CaptureLength
// fields, kept narrow so Source doesn't force a gopacket import on fakes.
type pcapCaptureInfo struct {
	Timestamp     time.Time
	CaptureLength int
}

// pcapSource adapts *pcap.Handle to Source.
type pcapSource struct{ handle *pcap.Handle }

func (s *pcapSource) ReadPacketData() ([]byte, pcapCaptureInfo, error) {
	data, ci, err := s.handle.ReadPacketData()
	if err != nil {
		return nil, pcapCaptureInfo{}, err
	}
	return data, pcapCaptureInfo{Timestamp: ci.Timestamp, CaptureLength: ci.CaptureLength}, nil
}

func (s *pcapSource) Close() { s.handle.Close() }

// Observer captures raw frames from a named interface and broadcasts each
// to N subscriber queues, per spec §4.1/§5: backpressure is lossy by
// design (non-blocking try-push, drop with counter on a full queue) to
// preserve capture timing.
type Observer struct {
	Interface string
	Caplen    int32
	Timeout   time.Duration

	openSource func(iface string, caplen int32, timeout time.Duration) (Source, error)

	subscribers []chan *Packet

	droppedFrames    int64 // atomic
	allocationErrors int64 // atomic

	rate *ratecounter.RateCounter

	exit chan struct{}
}

// New creates an Observer for the given interface. queueLen sizes each
// subscriber's bounded channel.
func New(iface string, caplen int32, timeout time.Duration, subscriberCount, queueLen int) *Observer {
	subs := make([]chan *Packet, subscriberCount)
	for i := range subs {
		subs[i] = make(chan *Packet, queueLen)
	}
	return &Observer{
		Interface:   iface,
		Caplen:      caplen,
		Timeout:     timeout,
		subscribers: subs,
		rate:        ratecounter.NewRateCounter(1 * time.Second),
		exit:        make(chan struct{}),
		openSource: func(iface string, caplen int32, timeout time.Duration) (Source, error) {
			handle, err := pcap.OpenLive(iface, caplen, true, timeout)
			if err != nil {
				return nil, err
			}
			return &pcapSource{handle: handle}, nil
		},
	}
}

// Subscribers returns the read-only channels new aggregator stages should
// consume Packets from, one per registered subscriber slot.
func (o *Observer) Subscribers() []<-chan *Packet {
	out := make([]<-chan *Packet, len(o.subscribers))
	for i, ch := range o.subscribers {
		out[i] = ch
	}
	return out
}

// DroppedFrames returns the count of frames dropped because a subscriber's
// queue was full.
func (o *Observer) DroppedFrames() int64 { return atomic.LoadInt64(&o.droppedFrames) }

// AllocationErrors returns the count of frames dropped due to a copy
// allocation failure (see spec §4.1, §7 ResourceError).
func (o *Observer) AllocationErrors() int64 { return atomic.LoadInt64(&o.allocationErrors) }

// FramesPerSecond reports the recent capture rate.
func (o *Observer) FramesPerSecond() int64 { return o.rate.Rate() }

// Stop signals the capture loop to exit after its current blocking read.
func (o *Observer) Stop() {
	close(o.exit)
}

// Run opens the capture source and loops until Stop is called or the
// source fails. A capture-open failure, or a read failure other than a
// timeout, is sent on errCh and ends Run. When Run returns it closes every
// subscriber channel, so downstream stages ranging over them can drain and
// exit.
func (o *Observer) Run(errCh chan<- error) {
	defer func() {
		for _, ch := range o.subscribers {
			close(ch)
		}
	}()
	src, err := o.openSource(o.Interface, o.Caplen, o.Timeout)
	if err != nil {
		errCh <- verrors.NewCaptureError(o.Interface, err)
		return
	}
	defer src.Close()

	log.WithField("interface", o.Interface).Info("capture started")
	for {
		select {
		case <-o.exit:
			log.WithField("interface", o.Interface).Debug("observer stopping")
			return
		default:
		}

		data, ci, err := src.ReadPacketData()
		if err != nil {
			// A read timeout is not fatal; anything else is treated as the
			// capture device being lost.
			if err.Error() == "Timeout Expired" {
				continue
			}
			errCh <- verrors.NewCaptureError(o.Interface, err)
			return
		}
		if len(data) == 0 {
			continue
		}

		o.dispatch(data, ci)
	}
}

func (o *Observer) dispatch(data []byte, ci pcapCaptureInfo) {
	owned := make([]byte, len(data))
	n := copy(owned, data)
	if n != len(data) {
		atomic.AddInt64(&o.allocationErrors, 1)
		return
	}

	o.rate.Incr(1)
	p := New(owned, ci.Timestamp, len(o.subscribers))
	for _, ch := range o.subscribers {
		select {
		case ch <- p:
		default:
			// Lossy backpressure by design: dropping here preserves capture
			// timing rather than blocking the capture thread on a slow
			// consumer (spec §5).
			p.Release()
			atomic.AddInt64(&o.droppedFrames, 1)
		}
	}
}
