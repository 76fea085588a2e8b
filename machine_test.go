package voicekit

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stampatlas/voicekit/shared"
)

func newTestMachine(autoContinue bool) *Machine {
	return NewMachine(shared.NewNopLogger(), autoContinue)
}

func effectsOf[T Effect](effects []Effect) []T {
	var out []T
	for _, e := range effects {
		if v, ok := e.(T); ok {
			out = append(out, v)
		}
	}
	return out
}

func TestMachineUserTurn(t *testing.T) {
	m := newTestMachine(false)

	effects := m.Handle(&Event{Kind: KindSpeechStarted, ItemID: "i1"})
	require.Len(t, effectsOf[ResetTranscript](effects), 1)
	assert.Equal(t, UtteranceStarted, m.UserState())

	effects = m.Handle(&Event{Kind: KindUserTranscriptDelta, ItemID: "i1", Delta: "penny "})
	require.Len(t, effects, 1)
	assert.Equal(t, AppendTranscript{Direction: DirectionUser, Fragment: "penny "}, effects[0])
	assert.Equal(t, UtteranceStreaming, m.UserState())

	// Speech stopping alone does not complete the utterance.
	assert.Empty(t, m.Handle(&Event{Kind: KindSpeechStopped, ItemID: "i1"}))
	assert.Equal(t, UtteranceStreaming, m.UserState())

	effects = m.Handle(&Event{Kind: KindUserTranscriptDone, ItemID: "i1", Text: "penny black"})
	fin := effectsOf[FinalizeTranscript](effects)
	require.Len(t, fin, 1)
	assert.Equal(t, "penny black", fin[0].Override)
	conts := effectsOf[ContinueTurn](effects)
	require.Len(t, conts, 1,
		"without auto-continue the engine must submit the finalized turn")
	assert.Equal(t, "penny black", conts[0].Text)
	assert.Equal(t, UtteranceIdle, m.UserState())
}

func TestMachineUserTurnAutoContinue(t *testing.T) {
	m := newTestMachine(true)
	m.Handle(&Event{Kind: KindSpeechStarted})
	effects := m.Handle(&Event{Kind: KindUserTranscriptDone, Text: "penny black"})
	assert.Empty(t, effectsOf[ContinueTurn](effects),
		"the remote VAD continues on its own")
}

func TestMachineModelResponse(t *testing.T) {
	m := newTestMachine(true)

	effects := m.Handle(&Event{Kind: KindResponseStarted, ResponseID: "r1"})
	require.Len(t, effectsOf[ResetTranscript](effects), 1)

	effects = m.Handle(&Event{Kind: KindResponseDelta, ResponseID: "r1", Delta: "Here "})
	require.Len(t, effectsOf[AppendTranscript](effects), 1)
	assert.Equal(t, UtteranceStreaming, m.ModelState())

	effects = m.Handle(&Event{Kind: KindResponseDone, ResponseID: "r1", Text: "Here you go"})
	fin := effectsOf[FinalizeTranscript](effects)
	require.Len(t, fin, 1)
	assert.Equal(t, "Here you go", fin[0].Override)
	assert.Equal(t, UtteranceIdle, m.ModelState())

	// The whole-response done variant follows the per-part one; the
	// duplicate finalize is a no-op downstream.
	effects = m.Handle(&Event{Kind: KindResponseDone, ResponseID: "r1"})
	assert.Equal(t, UtteranceIdle, m.ModelState())
	_ = effects
}

func TestMachineBargeIn(t *testing.T) {
	m := newTestMachine(true)
	m.Handle(&Event{Kind: KindResponseStarted, ResponseID: "r1"})
	m.Handle(&Event{Kind: KindResponseDelta, ResponseID: "r1", Delta: "Let me tell you about"})

	// User interrupts mid-response: both buffers reset, model abandoned.
	effects := m.Handle(&Event{Kind: KindSpeechStarted, ItemID: "i2"})
	resets := effectsOf[ResetTranscript](effects)
	require.Len(t, resets, 2)
	assert.Empty(t, effectsOf[CancelResponse](effects),
		"the remote VAD interrupts on its own")
	assert.Equal(t, UtteranceIdle, m.ModelState())

	// Late deltas bearing the interrupted response are discarded.
	assert.Empty(t, m.Handle(&Event{Kind: KindResponseDelta, ResponseID: "r1", Delta: " stale"}))
	assert.Empty(t, m.Handle(&Event{Kind: KindResponseDone, ResponseID: "r1"}))

	// The new turn's response flows normally.
	m.Handle(&Event{Kind: KindUserTranscriptDone, Text: "actually, show French ones"})
	m.Handle(&Event{Kind: KindResponseStarted, ResponseID: "r2"})
	effects = m.Handle(&Event{Kind: KindResponseDelta, ResponseID: "r2", Delta: "French stamps"})
	require.Len(t, effectsOf[AppendTranscript](effects), 1)
	effects = m.Handle(&Event{Kind: KindResponseDone, ResponseID: "r2", Text: "French stamps, then."})
	require.Len(t, effectsOf[FinalizeTranscript](effects), 1)
}

func TestMachineBargeInCancelsResponseWhenManual(t *testing.T) {
	m := newTestMachine(false)
	m.Handle(&Event{Kind: KindResponseStarted, ResponseID: "r1"})
	m.Handle(&Event{Kind: KindResponseDelta, ResponseID: "r1", Delta: "Let me"})

	effects := m.Handle(&Event{Kind: KindSpeechStarted, ItemID: "i2"})
	cancels := effectsOf[CancelResponse](effects)
	require.Len(t, cancels, 1)
	assert.Equal(t, "r1", cancels[0].ResponseID)

	// Quiet barge-in with nothing in progress cancels nothing.
	m.Handle(&Event{Kind: KindUserTranscriptDone, Text: "stop"})
	effects = m.Handle(&Event{Kind: KindSpeechStarted, ItemID: "i3"})
	assert.Empty(t, effectsOf[CancelResponse](effects))
}

func TestMachineToolRoundTrip(t *testing.T) {
	m := newTestMachine(true)

	m.Handle(&Event{Kind: KindResponseStarted, ResponseID: "r1"})
	m.Handle(&Event{Kind: KindResponseDelta, ResponseID: "r1", Delta: "Let me check. "})

	effects := m.Handle(&Event{
		Kind:       KindToolArgsDone,
		ResponseID: "r1",
		CallID:     "call_7",
		ToolName:   "search_stamps",
		Arguments:  `{"query":"rare German stamps"}`,
	})
	tools := effectsOf[RunTool](effects)
	require.Len(t, tools, 1)
	assert.Equal(t, "call_7", tools[0].CallID)
	assert.Equal(t, `{"query":"rare German stamps"}`, tools[0].Arguments)

	// The tool-calling response completing does not finalize: the model
	// utterance spans the round trip.
	effects = m.Handle(&Event{Kind: KindResponseDone, ResponseID: "r1"})
	assert.Empty(t, effectsOf[FinalizeTranscript](effects))
	assert.Equal(t, UtteranceStreaming, m.ModelState())

	// Continuation after the tool result carries the open buffer over.
	effects = m.Handle(&Event{Kind: KindResponseStarted, ResponseID: "r2"})
	assert.Empty(t, effectsOf[ResetTranscript](effects))
	m.Handle(&Event{Kind: KindResponseDelta, ResponseID: "r2", Delta: "I found three."})

	effects = m.Handle(&Event{Kind: KindResponseDone, ResponseID: "r2"})
	require.Len(t, effectsOf[FinalizeTranscript](effects), 1,
		"exactly one completed message for the whole tool-spanning response")
	assert.Equal(t, UtteranceIdle, m.ModelState())
}

func TestMachineErrorEndsUtteranceNotSession(t *testing.T) {
	m := newTestMachine(true)
	m.Handle(&Event{Kind: KindResponseStarted, ResponseID: "r1"})
	m.Handle(&Event{Kind: KindResponseDelta, ResponseID: "r1", Delta: "partial"})

	effects := m.Handle(&Event{Kind: KindError, ErrCode: "server_error", ErrMessage: "boom"})
	require.Len(t, effectsOf[FinalizeTranscript](effects), 1)
	reports := effectsOf[ReportError](effects)
	require.Len(t, reports, 1)
	assert.Equal(t, "boom", reports[0].Message)
	assert.Equal(t, UtteranceIdle, m.ModelState())

	// The session keeps working afterwards.
	effects = m.Handle(&Event{Kind: KindResponseStarted, ResponseID: "r2"})
	require.Len(t, effectsOf[ResetTranscript](effects), 1)
}

func TestMachineIgnoresUnknownAndHousekeeping(t *testing.T) {
	m := newTestMachine(true)
	assert.Empty(t, m.Handle(&Event{Kind: KindUnknown, WireType: "some.future.event"}))
	assert.Empty(t, m.Handle(&Event{Kind: KindRateLimits}))
	assert.Empty(t, m.Handle(&Event{Kind: KindToolArgsDelta, CallID: "call_1", Delta: `{"qu`}))

	effects := m.Handle(&Event{Kind: KindSessionCreated})
	require.Len(t, effectsOf[Status](effects), 1)
}

func TestMachineTranscriptionFailure(t *testing.T) {
	m := newTestMachine(true)
	m.Handle(&Event{Kind: KindSpeechStarted})
	m.Handle(&Event{Kind: KindUserTranscriptDelta, Delta: "garbled"})

	effects := m.Handle(&Event{Kind: KindUserTranscriptFailed, ErrMessage: "audio too noisy"})
	require.Len(t, effectsOf[ResetTranscript](effects), 1)
	require.Len(t, effectsOf[ReportError](effects), 1)
	assert.Equal(t, UtteranceIdle, m.UserState())
}
