package audio

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRingBufferWriteRead(t *testing.T) {
	rb := NewRingBuffer(16)
	assert.Zero(t, rb.Write([]byte{1, 2, 3, 4}))
	assert.Equal(t, 4, rb.Len())

	p := make([]byte, 8)
	n, err := rb.Read(p)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, []byte{1, 2, 3, 4}, p[:n])
	assert.Zero(t, rb.Len())
}

func TestRingBufferDropsOldestOnOverflow(t *testing.T) {
	rb := NewRingBuffer(4)
	assert.Zero(t, rb.Write([]byte{1, 2, 3}))
	assert.Equal(t, 2, rb.Write([]byte{4, 5, 6}))

	p := make([]byte, 4)
	n, err := rb.Read(p)
	require.NoError(t, err)
	assert.Equal(t, []byte{3, 4, 5, 6}, p[:n], "the newest audio wins")
}

func TestRingBufferOversizedWrite(t *testing.T) {
	rb := NewRingBuffer(4)
	rb.Write([]byte{9})
	assert.Equal(t, 3, rb.Write([]byte{1, 2, 3, 4, 5, 6}))

	p := make([]byte, 4)
	n, err := rb.Read(p)
	require.NoError(t, err)
	assert.Equal(t, []byte{3, 4, 5, 6}, p[:n])
}

func TestRingBufferReadBlocksUntilWrite(t *testing.T) {
	rb := NewRingBuffer(16)
	got := make(chan []byte, 1)
	go func() {
		p := make([]byte, 4)
		n, _ := rb.Read(p)
		got <- p[:n]
	}()

	select {
	case <-got:
		t.Fatal("read returned from an empty buffer")
	case <-time.After(50 * time.Millisecond):
	}

	rb.Write([]byte{7, 8})
	select {
	case data := <-got:
		assert.Equal(t, []byte{7, 8}, data)
	case <-time.After(2 * time.Second):
		t.Fatal("read did not wake after write")
	}
}

func TestFrameSamples(t *testing.T) {
	tests := []struct {
		name     string
		duration time.Duration
		rate     int
		channels int
		expected int
	}{
		{"20ms 48kHz stereo", 20 * time.Millisecond, 48000, 2, 1920},
		{"20ms 48kHz mono", 20 * time.Millisecond, 48000, 1, 960},
		{"10ms 24kHz mono", 10 * time.Millisecond, 24000, 1, 240},
		{"60ms 24kHz stereo", 60 * time.Millisecond, 24000, 2, 2880},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, FrameSamples(tt.duration, tt.rate, tt.channels))
		})
	}
}
