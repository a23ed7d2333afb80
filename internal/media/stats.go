package media

import (
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
)

// Quality is the coarse connection rating derived from loss and jitter.
type Quality string

const (
	QualityExcellent Quality = "excellent"
	QualityGood      Quality = "good"
	QualityFair      Quality = "fair"
	QualityPoor      Quality = "poor"
)

// Classify rates a connection from its packet loss percentage and jitter.
// Thresholds are tuned for interactive speech.
func Classify(packetLossPercent, jitterMs float64) Quality {
	switch {
	case packetLossPercent < 1 && jitterMs < 30:
		return QualityExcellent
	case packetLossPercent < 3 && jitterMs < 50:
		return QualityGood
	case packetLossPercent < 5 && jitterMs < 100:
		return QualityFair
	default:
		return QualityPoor
	}
}

// QualitySample is one point-in-time reading of connection health.
type QualitySample struct {
	At                time.Time `json:"at"`
	PacketLossPercent float64   `json:"packetLossPercent"`
	JitterMs          float64   `json:"jitterMs"`
	RoundTripMs       float64   `json:"roundTripMs"`
	AvailableKbps     float64   `json:"availableKbps"`
	VideoSendKbps     float64   `json:"videoSendKbps"`
	AudioSendKbps     float64   `json:"audioSendKbps"`
	Quality           Quality   `json:"quality"`
}

// statsCollector turns the peer connection stats report plus the inbound RTP
// accounting into QualitySamples. Outbound bitrates are deltas between
// consecutive samples, so the first sample of a session reports zero.
type statsCollector struct {
	inbound *rtpAccounting

	mu        sync.Mutex
	lastAt    time.Time
	lastBytes map[string]uint64 // stats ID -> BytesSent
}

func newStatsCollector(inbound *rtpAccounting) *statsCollector {
	return &statsCollector{
		inbound:   inbound,
		lastBytes: make(map[string]uint64),
	}
}

func (c *statsCollector) sample(pc peerConn, now time.Time) QualitySample {
	loss, jitter := c.inbound.snapshot()
	s := QualitySample{
		At:                now,
		PacketLossPercent: loss,
		JitterMs:          jitter,
	}

	c.mu.Lock()
	elapsed := now.Sub(c.lastAt).Seconds()
	first := c.lastAt.IsZero()
	c.lastAt = now
	c.mu.Unlock()

	for _, stat := range pc.GetStats() {
		switch st := stat.(type) {
		case webrtc.ICECandidatePairStats:
			if st.State != webrtc.StatsICECandidatePairStateSucceeded {
				continue
			}
			s.RoundTripMs = st.CurrentRoundTripTime * 1000
			s.AvailableKbps = st.AvailableOutgoingBitrate / 1000
		case webrtc.OutboundRTPStreamStats:
			kbps := c.sendRate(st.ID, st.BytesSent, elapsed, first)
			switch st.Kind {
			case "video":
				s.VideoSendKbps += kbps
			case "audio":
				s.AudioSendKbps += kbps
			}
		}
	}

	s.Quality = Classify(s.PacketLossPercent, s.JitterMs)
	return s
}

func (c *statsCollector) sendRate(id string, bytesSent uint64, elapsed float64, first bool) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	prev := c.lastBytes[id]
	c.lastBytes[id] = bytesSent
	if first || elapsed <= 0 || bytesSent < prev {
		return 0
	}
	return float64(bytesSent-prev) * 8 / elapsed / 1000
}

// Sample reads current connection health. Cheap enough to call on a timer.
func (s *Session) Sample() QualitySample {
	return s.stats.sample(s.pc, time.Now())
}
