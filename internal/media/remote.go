package media

import (
	"errors"
	"io"
	"log"
	"math"
	"sync"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

const pliInterval = 3 * time.Second

// handleRemoteTrack runs the read pump for one inbound track. Packets are
// consumed for accounting only; rendering is out of scope here. Video tracks
// also get a periodic PLI so the remote encoder keeps sending keyframes.
func (s *Session) handleRemoteTrack(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	log.Printf("MEDIA [%s]: remote %s track %d (%s)",
		s.roomID, track.Kind(), track.SSRC(), track.Codec().MimeType)

	rec := s.inbound.addStream(track.Kind(), track.Codec().ClockRate)
	if s.onRemoteTrack != nil {
		s.onRemoteTrack(track.Kind())
	}

	if track.Kind() == webrtc.RTPCodecTypeVideo {
		go s.pliLoop(uint32(track.SSRC()))
	}

	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Printf("MEDIA [%s]: %s read pump stopped: %v", s.roomID, track.Kind(), err)
			}
			return
		}
		rec.record(pkt, time.Now())
	}
}

func (s *Session) pliLoop(ssrc uint32) {
	ticker := time.NewTicker(pliInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			err := s.pc.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: ssrc}})
			if err != nil {
				return
			}
		}
	}
}

// rtpAccounting aggregates inbound RTP counters across tracks. Loss is
// derived from sequence number gaps per sampling interval, jitter is the
// RFC 3550 interarrival estimate.
type rtpAccounting struct {
	mu      sync.Mutex
	streams []*streamStats
}

type streamStats struct {
	mu        sync.Mutex
	kind      webrtc.RTPCodecType
	clockRate uint32

	started  bool
	cycles   uint32
	lastSeq  uint16
	firstExt uint32
	maxExt   uint32
	received uint64

	lastTransit float64
	jitter      float64 // in clock units

	prevExpected uint64
	prevReceived uint64
}

func newRTPAccounting() *rtpAccounting {
	return &rtpAccounting{}
}

func (a *rtpAccounting) addStream(kind webrtc.RTPCodecType, clockRate uint32) *streamStats {
	if clockRate == 0 {
		clockRate = 90000
	}
	st := &streamStats{kind: kind, clockRate: clockRate}
	a.mu.Lock()
	a.streams = append(a.streams, st)
	a.mu.Unlock()
	return st
}

func (a *rtpAccounting) trackCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.streams)
}

func (st *streamStats) record(pkt *rtp.Packet, arrival time.Time) {
	st.mu.Lock()
	defer st.mu.Unlock()

	seq := pkt.SequenceNumber
	if !st.started {
		st.started = true
		st.lastSeq = seq
		st.firstExt = uint32(seq)
		st.maxExt = uint32(seq)
	} else {
		if seq < st.lastSeq && st.lastSeq-seq > math.MaxUint16/2 {
			st.cycles += 1 << 16
		}
		st.lastSeq = seq
		if ext := st.cycles + uint32(seq); ext > st.maxExt {
			st.maxExt = ext
		}
	}
	st.received++

	arrivalUnits := float64(arrival.UnixNano()) * float64(st.clockRate) / float64(time.Second)
	transit := arrivalUnits - float64(pkt.Timestamp)
	if st.received > 1 {
		d := math.Abs(transit - st.lastTransit)
		st.jitter += (d - st.jitter) / 16
	}
	st.lastTransit = transit
}

// snapshot reports packet loss over the interval since the previous snapshot
// and the worst current jitter across streams.
func (a *rtpAccounting) snapshot() (lossPercent, jitterMs float64) {
	a.mu.Lock()
	streams := make([]*streamStats, len(a.streams))
	copy(streams, a.streams)
	a.mu.Unlock()

	var expected, lost uint64
	for _, st := range streams {
		st.mu.Lock()
		if st.started {
			total := uint64(st.maxExt-st.firstExt) + 1
			intervalExpected := total - st.prevExpected
			intervalReceived := st.received - st.prevReceived
			st.prevExpected = total
			st.prevReceived = st.received

			expected += intervalExpected
			if intervalExpected > intervalReceived {
				lost += intervalExpected - intervalReceived
			}
		}
		if ms := st.jitter / float64(st.clockRate) * 1000; ms > jitterMs {
			jitterMs = ms
		}
		st.mu.Unlock()
	}

	if expected > 0 {
		lossPercent = float64(lost) / float64(expected) * 100
	}
	return lossPercent, jitterMs
}
