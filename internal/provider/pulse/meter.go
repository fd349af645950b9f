package pulse

import (
	"context"
	"encoding/binary"
	"io"
	"sync"
	"time"
)

// meterChunkSamples is the number of s16le samples folded into one peak
// reading. At the default 4 kHz meter rate a chunk spans 32 ms, well under
// one engine tick.
const meterChunkSamples = 128

// meter tracks the peak level of one monitored stream with a hold window so
// the control loop never samples between two waveform crests and reads a
// misleading zero.
type meter struct {
	mu     sync.Mutex
	held   float64
	heldAt time.Time
	hold   time.Duration
	cancel context.CancelFunc
	done   chan struct{}
}

// newMeter binds the capture cancel func up front. The reader goroutine only
// starts afterwards, so stop always reaches a live capture and cannot wait on
// a tap it never cancelled.
func newMeter(hold time.Duration, cancel context.CancelFunc) *meter {
	return &meter{
		hold:   hold,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// stop terminates the capture process and waits for the reader to drain.
func (m *meter) stop() {
	m.cancel()
	<-m.done
}

// consume reads raw s16le mono samples until the stream ends.
func (m *meter) consume(stream io.Reader) {
	buf := make([]byte, meterChunkSamples*2)
	for {
		if _, err := io.ReadFull(stream, buf); err != nil {
			return
		}
		m.update(chunkPeak(buf), time.Now())
	}
}

// update records a new peak reading. Larger peaks replace the held value
// immediately; smaller ones only after the hold window has elapsed.
func (m *meter) update(peak float64, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if peak >= m.held || now.Sub(m.heldAt) > m.hold {
		m.held = peak
		m.heldAt = now
	}
}

// peak returns the held level, decaying to zero when no reading has arrived
// within the hold window.
func (m *meter) peak(now time.Time) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if now.Sub(m.heldAt) > m.hold {
		return 0
	}
	return m.held
}

// chunkPeak returns the largest absolute sample amplitude scaled to 0..1.
func chunkPeak(buf []byte) float64 {
	var peak int32
	for i := 0; i+1 < len(buf); i += 2 {
		sample := int32(int16(binary.LittleEndian.Uint16(buf[i:])))
		if sample < 0 {
			sample = -sample
		}
		if sample > peak {
			peak = sample
		}
	}
	return float64(peak) / 32768
}
