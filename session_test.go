package voicekit

import (
	"sync"
	"testing"

	"github.com/openai/openai-go/v3/realtime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stampatlas/voicekit/shared"
)

func testSessionConfig() SessionConfig {
	return SessionConfig{
		APIKey: "sk-test",
		Remote: &realtime.RealtimeSessionCreateRequestParam{},
	}
}

func TestNewSessionValidation(t *testing.T) {
	_, err := NewSession(nil, testSessionConfig(), nil, nil, nil)
	assert.ErrorIs(t, err, shared.ErrNoLogger)

	cfg := testSessionConfig()
	cfg.APIKey = ""
	_, err = NewSession(shared.NewNopLogger(), cfg, nil, nil, nil)
	assert.ErrorIs(t, err, shared.ErrNoAPIKey)

	cfg = testSessionConfig()
	cfg.Remote = nil
	_, err = NewSession(shared.NewNopLogger(), cfg, nil, nil, nil)
	assert.ErrorIs(t, err, shared.ErrNoConfig)
}

func TestSessionConfigDefaults(t *testing.T) {
	cfg := testSessionConfig()
	out := cfg.withDefaults()
	assert.Equal(t, DefaultNegotiationTimeout, out.NegotiationTimeout)
	assert.Equal(t, DefaultToolTimeout, out.ToolTimeout)
	assert.Equal(t, 100, out.PlaybackBufferMs)
	assert.Equal(t, 2, out.PlaybackRingSeconds)
}

func TestSessionStopBeforeStart(t *testing.T) {
	s, err := NewSession(shared.NewNopLogger(), testSessionConfig(), nil, nil, nil)
	require.NoError(t, err)

	assert.Equal(t, SessionIdle, s.State())
	assert.Nil(t, s.Done())

	// Nothing has been acquired yet; stopping must not panic and must not
	// reach for a microphone or a connection.
	require.NotPanics(t, s.Stop)
	assert.Equal(t, SessionClosed, s.State())
}

func TestSessionStopIsIdempotent(t *testing.T) {
	s, err := NewSession(shared.NewNopLogger(), testSessionConfig(), nil, nil, nil)
	require.NoError(t, err)

	for range 3 {
		require.NotPanics(t, s.Stop)
	}
	assert.Equal(t, SessionClosed, s.State())
}

func TestSessionStopIsConcurrencySafe(t *testing.T) {
	s, err := NewSession(shared.NewNopLogger(), testSessionConfig(), nil, nil, nil)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Stop()
		}()
	}
	wg.Wait()
	assert.Equal(t, SessionClosed, s.State())
}
