package voicekit

import (
	"github.com/stampatlas/voicekit/shared"
	"go.uber.org/zap"
)

// UtteranceState is the per-direction lifecycle:
// idle -> started -> streaming -> completed -> idle.
type UtteranceState int

const (
	UtteranceIdle UtteranceState = iota
	UtteranceStarted
	UtteranceStreaming
	UtteranceCompleted
)

// Effect is one side effect requested by the state machine. The machine
// itself performs no I/O; the session loop applies effects in order.
type Effect interface{ isEffect() }

// ResetTranscript discards the open buffer for a direction.
type ResetTranscript struct{ Direction Direction }

// AppendTranscript appends one streamed fragment.
type AppendTranscript struct {
	Direction Direction
	Fragment  string
}

// FinalizeTranscript emits the completed message for a direction. Override,
// when non-empty, is the authoritative final text.
type FinalizeTranscript struct {
	Direction Direction
	Override  string
}

// ContinueTurn submits the finalized user turn when the remote service does
// not auto-respond: the final text goes out as a conversation item, followed
// by response.create.
type ContinueTurn struct{ Text string }

// CancelResponse aborts the in-progress response on barge-in when the remote
// VAD is not configured to interrupt on its own.
type CancelResponse struct{ ResponseID string }

// RunTool hands a complete tool-call descriptor to the execution bridge.
type RunTool struct {
	CallID    string
	ToolName  string
	Arguments string
}

// ReportError surfaces a user-visible protocol error. It ends the current
// utterance, not the session.
type ReportError struct {
	Code    string
	Message string
}

// Status is a low-priority UI line (session created, rate limits).
type Status struct{ Text string }

func (ResetTranscript) isEffect()    {}
func (AppendTranscript) isEffect()   {}
func (FinalizeTranscript) isEffect() {}
func (ContinueTurn) isEffect()       {}
func (CancelResponse) isEffect()     {}
func (RunTool) isEffect()            {}
func (ReportError) isEffect()        {}
func (Status) isEffect()             {}

// Machine is the single authority translating control events into effects.
// It is not safe for concurrent use; the control channel delivers events in
// order and Handle must be called in that order.
type Machine struct {
	log shared.LoggerAdapter

	// autoContinue reflects the remote VAD configuration: when true the
	// service creates responses on its own after a user turn.
	autoContinue bool

	user  UtteranceState
	model UtteranceState

	// currentResponse is the response id the open model buffer belongs
	// to. interrupted holds response ids abandoned by barge-in; their
	// late deltas are discarded, not appended.
	currentResponse string
	interrupted     map[string]struct{}

	// toolResponse is the response id that requested a still-unresolved
	// tool call. Its completion does not finalize the model utterance:
	// the post-tool-result continuation does.
	toolResponse string
}

func NewMachine(log shared.LoggerAdapter, autoContinue bool) *Machine {
	if log == nil {
		log = shared.NewNopLogger()
	}
	return &Machine{
		log:          log,
		autoContinue: autoContinue,
		interrupted:  make(map[string]struct{}),
	}
}

// UserState reports the user-direction utterance state.
func (m *Machine) UserState() UtteranceState { return m.user }

// ModelState reports the model-direction utterance state.
func (m *Machine) ModelState() UtteranceState { return m.model }

// Reset returns both directions to idle. Applied on session teardown.
func (m *Machine) Reset() {
	m.user = UtteranceIdle
	m.model = UtteranceIdle
	m.currentResponse = ""
	m.toolResponse = ""
	m.interrupted = make(map[string]struct{})
}

func (m *Machine) stale(responseID string) bool {
	if responseID == "" {
		return false
	}
	_, ok := m.interrupted[responseID]
	return ok
}

// Handle interprets one inbound event and returns the effects to apply.
func (m *Machine) Handle(ev *Event) []Effect {
	switch ev.Kind {
	case KindSpeechStarted:
		return m.onSpeechStarted()
	case KindSpeechStopped:
		// Speech stopping does not complete the utterance; the
		// transcription pipeline is still running.
		return nil
	case KindUserTranscriptDelta:
		m.user = UtteranceStreaming
		return []Effect{AppendTranscript{Direction: DirectionUser, Fragment: ev.Delta}}
	case KindUserTranscriptDone:
		return m.onUserDone(ev)
	case KindUserTranscriptFailed:
		m.user = UtteranceIdle
		return []Effect{
			ResetTranscript{Direction: DirectionUser},
			ReportError{Code: "transcription_failed", Message: ev.ErrMessage},
		}
	case KindResponseStarted:
		return m.onResponseStarted(ev)
	case KindResponseDelta:
		return m.onResponseDelta(ev)
	case KindResponseDone:
		return m.onResponseDone(ev)
	case KindToolArgsDelta:
		// Arguments accumulate remotely; only the complete payload is
		// actionable.
		return nil
	case KindToolArgsDone:
		return m.onToolArgsDone(ev)
	case KindError:
		return m.onError(ev)
	case KindSessionCreated:
		return []Effect{Status{Text: "session created"}}
	case KindSessionUpdated:
		return []Effect{Status{Text: "session updated"}}
	case KindRateLimits:
		return nil
	default:
		// Forward compatibility: the remote protocol may add event
		// types at any time.
		m.log.Debug("ignoring unknown event", zap.String("wire_type", ev.WireType))
		return nil
	}
}

func (m *Machine) onSpeechStarted() []Effect {
	effects := []Effect{ResetTranscript{Direction: DirectionUser}}
	if m.model == UtteranceStarted || m.model == UtteranceStreaming {
		// Barge-in: the in-progress model buffer stops being
		// authoritative. Deltas still tagged with the interrupted
		// response are discarded on arrival.
		if !m.autoContinue {
			// Without a remote VAD interrupting for us, the engine
			// cancels the response itself.
			rid := m.currentResponse
			if rid == "" {
				rid = m.toolResponse
			}
			effects = append(effects, CancelResponse{ResponseID: rid})
		}
		if m.currentResponse != "" {
			m.interrupted[m.currentResponse] = struct{}{}
		}
		if m.toolResponse != "" {
			m.interrupted[m.toolResponse] = struct{}{}
			m.toolResponse = ""
		}
		m.model = UtteranceIdle
		m.currentResponse = ""
		effects = append(effects, ResetTranscript{Direction: DirectionModel})
	}
	m.user = UtteranceStarted
	return effects
}

func (m *Machine) onUserDone(ev *Event) []Effect {
	m.user = UtteranceIdle
	effects := []Effect{FinalizeTranscript{Direction: DirectionUser, Override: ev.Text}}
	if !m.autoContinue {
		effects = append(effects, ContinueTurn{Text: ev.Text})
	}
	return effects
}

func (m *Machine) onResponseStarted(ev *Event) []Effect {
	if m.stale(ev.ResponseID) {
		return nil
	}
	m.currentResponse = ev.ResponseID
	if m.toolResponse != "" {
		// Continuation after a tool result: the open model utterance
		// carries over, no reset.
		return nil
	}
	if m.model == UtteranceIdle || m.model == UtteranceCompleted {
		m.model = UtteranceStarted
		return []Effect{ResetTranscript{Direction: DirectionModel}}
	}
	return nil
}

func (m *Machine) onResponseDelta(ev *Event) []Effect {
	if m.stale(ev.ResponseID) {
		m.log.Debug("discarding delta for interrupted response",
			zap.String("response_id", ev.ResponseID))
		return nil
	}
	if m.model == UtteranceIdle || m.model == UtteranceCompleted {
		m.model = UtteranceStarted
	}
	m.model = UtteranceStreaming
	if ev.ResponseID != "" {
		m.currentResponse = ev.ResponseID
	}
	return []Effect{AppendTranscript{Direction: DirectionModel, Fragment: ev.Delta}}
}

func (m *Machine) onResponseDone(ev *Event) []Effect {
	if m.stale(ev.ResponseID) {
		delete(m.interrupted, ev.ResponseID)
		return nil
	}
	if m.toolResponse != "" {
		if ev.ResponseID == "" || ev.ResponseID == m.toolResponse {
			// The tool-calling response finished, but the model
			// utterance is not complete until the continuation
			// also finishes.
			return nil
		}
		m.toolResponse = ""
	}
	m.model = UtteranceIdle
	m.currentResponse = ""
	return []Effect{FinalizeTranscript{Direction: DirectionModel, Override: ev.Text}}
}

func (m *Machine) onToolArgsDone(ev *Event) []Effect {
	if m.stale(ev.ResponseID) {
		return nil
	}
	if ev.ResponseID != "" {
		m.toolResponse = ev.ResponseID
	} else {
		m.toolResponse = m.currentResponse
	}
	// Model direction stays streaming through the round trip.
	if m.model == UtteranceIdle || m.model == UtteranceCompleted {
		m.model = UtteranceStreaming
	}
	return []Effect{RunTool{CallID: ev.CallID, ToolName: ev.ToolName, Arguments: ev.Arguments}}
}

func (m *Machine) onError(ev *Event) []Effect {
	effects := []Effect{}
	if m.model == UtteranceStarted || m.model == UtteranceStreaming {
		m.model = UtteranceIdle
		m.currentResponse = ""
		m.toolResponse = ""
		effects = append(effects, FinalizeTranscript{Direction: DirectionModel})
	}
	if m.user == UtteranceStarted || m.user == UtteranceStreaming {
		m.user = UtteranceIdle
	}
	return append(effects, ReportError{Code: ev.ErrCode, Message: ev.ErrMessage})
}
