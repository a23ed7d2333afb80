package call

import (
	"log"
	"sync"
	"time"

	"github.com/terminalchat/callcore/internal/media"
	"github.com/terminalchat/callcore/internal/util"
)

const qualityHistorySize = 30

// monitor samples connection quality on a fixed cadence while its session is
// in-call. It owns no classification logic — the media layer computes the
// sample; the monitor only provides cadence, history, and fan-out.
type monitor struct {
	sess     *Session
	interval time.Duration
	history  *util.RingBuffer[media.QualitySample]

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
}

func newMonitor(s *Session, interval time.Duration) *monitor {
	if interval <= 0 {
		interval = defaultQualityInterval
	}
	return &monitor{
		sess:     s,
		interval: interval,
		history:  util.NewRingBuffer[media.QualitySample](qualityHistorySize),
	}
}

// start begins sampling. Idempotent.
func (mon *monitor) start() {
	mon.mu.Lock()
	defer mon.mu.Unlock()
	if mon.running {
		return
	}
	mon.running = true
	mon.stopCh = make(chan struct{})
	go mon.loop(mon.stopCh)
}

// stop halts sampling. Idempotent, safe before start.
func (mon *monitor) stop() {
	mon.mu.Lock()
	defer mon.mu.Unlock()
	if !mon.running {
		return
	}
	mon.running = false
	close(mon.stopCh)
}

func (mon *monitor) loop(stop chan struct{}) {
	ticker := time.NewTicker(mon.interval)
	defer ticker.Stop()

	var last media.Quality
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			sample := mon.sess.media.Sample()
			mon.history.Push(sample)
			if sample.Quality != last {
				log.Printf("CALL [%s]: quality %s (loss %.1f%%, jitter %.0fms)",
					mon.sess.RoomID, sample.Quality, sample.PacketLossPercent, sample.JitterMs)
				last = sample.Quality
			}
			mon.sess.mgr.publishQuality(mon.sess, sample)
		}
	}
}
