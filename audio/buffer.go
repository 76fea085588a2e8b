// Package audio carries the microphone capture pump and speaker playback for
// the voice session.
package audio

import (
	"sync"
	"time"
)

// RingBuffer is a fixed-capacity PCM byte buffer. Writes past capacity drop
// the oldest audio; Read blocks until data arrives. It sits between the RTP
// decode loop and the audio output device.
type RingBuffer struct {
	mu   sync.Mutex
	cond *sync.Cond
	buf  []byte
	size int
	cap  int
}

func NewRingBuffer(fixedCap int) *RingBuffer {
	rb := &RingBuffer{
		buf: make([]byte, 0, fixedCap),
		cap: fixedCap,
	}
	rb.cond = sync.NewCond(&rb.mu)
	return rb
}

// Write appends data, evicting the oldest bytes when over capacity, and
// returns how many bytes were dropped.
func (rb *RingBuffer) Write(data []byte) (dropped int) {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	if len(data) > rb.cap {
		// One write larger than the whole ring: only the newest tail
		// fits.
		dropped = len(data) - rb.cap
		data = data[dropped:]
	}
	if rb.size+len(data) > rb.cap {
		drop := rb.size + len(data) - rb.cap
		rb.buf = rb.buf[drop:]
		rb.size -= drop
		dropped += drop
	}
	rb.buf = append(rb.buf, data...)
	rb.size += len(data)
	rb.cond.Signal()
	return dropped
}

// Read blocks until at least one byte is available.
func (rb *RingBuffer) Read(p []byte) (n int, err error) {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	for rb.size == 0 {
		rb.cond.Wait()
	}
	n = copy(p, rb.buf)
	rb.buf = rb.buf[n:]
	rb.size -= n
	return n, nil
}

// Len reports the buffered byte count.
func (rb *RingBuffer) Len() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.size
}

// FrameSamples is the sample count for one frame of the given duration.
func FrameSamples(duration time.Duration, rate, channels int) int {
	return int(duration.Seconds() * float64(channels) * float64(rate))
}
