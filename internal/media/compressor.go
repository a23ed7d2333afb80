package media

import (
	"math"

	"github.com/pion/mediadevices/pkg/io/audio"
	"github.com/pion/mediadevices/pkg/wave"
)

// Compressor is a hard-knee dynamic range compressor with attack/release
// envelope smoothing. It is applied to captured microphone audio before the
// encoder so loud or fast utterances do not clip at the tail.
//
// Defaults: threshold ≈ -18 dBFS, ratio 4:1, 5 ms attack, 60 ms release.
type Compressor struct {
	threshold float64 // linear amplitude where gain reduction starts
	ratio     float64
	attack    float64 // per-sample smoothing coefficient
	release   float64
	env       float64 // envelope follower state
}

// NewCompressor creates a compressor tuned for speech at sampleRate.
func NewCompressor(sampleRate int) *Compressor {
	if sampleRate <= 0 {
		sampleRate = 48000
	}
	coef := func(tauMs float64) float64 {
		return math.Exp(-1.0 / (tauMs / 1000.0 * float64(sampleRate)))
	}
	return &Compressor{
		threshold: 0.125, // ≈ -18 dBFS
		ratio:     4,
		attack:    coef(5),
		release:   coef(60),
	}
}

// processSample compresses one sample in the [-1, 1] range.
func (c *Compressor) processSample(x float64) float64 {
	level := math.Abs(x)
	if level > c.env {
		c.env = c.attack*c.env + (1-c.attack)*level
	} else {
		c.env = c.release*c.env + (1-c.release)*level
	}

	gain := 1.0
	if c.env > c.threshold {
		target := c.threshold * math.Pow(c.env/c.threshold, 1/c.ratio)
		gain = target / c.env
	}

	out := x * gain
	if out > 1 {
		out = 1
	} else if out < -1 {
		out = -1
	}
	return out
}

// Process compresses a chunk in place. Unknown sample formats pass through
// untouched — better uncompressed audio than none.
func (c *Compressor) Process(chunk wave.Audio) wave.Audio {
	switch a := chunk.(type) {
	case *wave.Int16Interleaved:
		for i, s := range a.Data {
			a.Data[i] = int16(c.processSample(float64(s)/math.MaxInt16) * math.MaxInt16)
		}
	case *wave.Float32Interleaved:
		for i, s := range a.Data {
			a.Data[i] = float32(c.processSample(float64(s)))
		}
	}
	return chunk
}

// Reader chains the compressor into an audio pipeline.
func (c *Compressor) Reader(r audio.Reader) audio.Reader {
	return audio.ReaderFunc(func() (wave.Audio, func(), error) {
		chunk, release, err := r.Read()
		if err != nil {
			return nil, release, err
		}
		return c.Process(chunk), release, nil
	})
}
