package recorder

import (
	"bytes"
	"math"
	"sync"
)

// bucketCount matches the waveform display: a rolling window of the last
// 20 amplitude samples.
const bucketCount = 20

// levelMeter derives normalized amplitude levels from raw s16le PCM for
// live recording feedback.
type levelMeter struct {
	mu      sync.Mutex
	buckets []float64
}

func newLevelMeter() *levelMeter {
	return &levelMeter{buckets: make([]float64, 0, bucketCount)}
}

// Feed computes the RMS amplitude of one PCM chunk and appends it to the
// rolling window. Odd trailing bytes are ignored.
func (m *levelMeter) Feed(chunk []byte) {
	samples := len(chunk) / 2
	if samples == 0 {
		return
	}

	var sum float64
	for i := 0; i < samples; i++ {
		s := int16(uint16(chunk[2*i]) | uint16(chunk[2*i+1])<<8)
		v := float64(s) / 32768.0
		sum += v * v
	}
	level := math.Sqrt(sum / float64(samples))
	if level > 1 {
		level = 1
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.buckets) == bucketCount {
		copy(m.buckets, m.buckets[1:])
		m.buckets[bucketCount-1] = level
		return
	}
	m.buckets = append(m.buckets, level)
}

// Snapshot returns a copy of the current window, oldest first.
func (m *levelMeter) Snapshot() []float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]float64, len(m.buckets))
	copy(out, m.buckets)
	return out
}

// captureBuffer accumulates PCM written by the pump goroutine. Reads only
// happen after the pump has finished, so access is ordered by pumpDone.
type captureBuffer struct {
	buf bytes.Buffer
}

func newCaptureBuffer() *captureBuffer {
	return &captureBuffer{}
}

func (b *captureBuffer) Write(p []byte) {
	b.buf.Write(p)
}

func (b *captureBuffer) Bytes() []byte {
	return b.buf.Bytes()
}
