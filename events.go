package voicekit

import (
	"errors"
	"fmt"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
)

// Kind is the canonical internal event taxonomy. The remote protocol carries
// near-duplicate wire names for the same concept across versions; ParseEvent
// collapses them here, at the ingestion boundary, so the state machine only
// ever sees one name per concept.
type Kind int

const (
	KindUnknown Kind = iota
	KindSessionCreated
	KindSessionUpdated
	KindSpeechStarted
	KindSpeechStopped
	KindUserTranscriptDelta
	KindUserTranscriptDone
	KindUserTranscriptFailed
	KindResponseStarted
	KindResponseDelta
	KindResponseDone
	KindToolArgsDelta
	KindToolArgsDone
	KindRateLimits
	KindError
)

func (k Kind) String() string {
	switch k {
	case KindSessionCreated:
		return "session_created"
	case KindSessionUpdated:
		return "session_updated"
	case KindSpeechStarted:
		return "speech_started"
	case KindSpeechStopped:
		return "speech_stopped"
	case KindUserTranscriptDelta:
		return "user_transcript_delta"
	case KindUserTranscriptDone:
		return "user_transcript_done"
	case KindUserTranscriptFailed:
		return "user_transcript_failed"
	case KindResponseStarted:
		return "response_started"
	case KindResponseDelta:
		return "response_delta"
	case KindResponseDone:
		return "response_done"
	case KindToolArgsDelta:
		return "tool_args_delta"
	case KindToolArgsDone:
		return "tool_args_done"
	case KindRateLimits:
		return "rate_limits"
	case KindError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is one normalized inbound control-channel message. Events are
// immutable once parsed; fields not meaningful for a given Kind stay zero.
type Event struct {
	Kind     Kind
	WireType string
	EventID  string

	ItemID     string
	ResponseID string

	// Delta carries one streamed text fragment, Text the finalized form.
	Delta string
	Text  string

	// Tool-call descriptor. CallID is opaque and must be echoed back
	// verbatim in the result event.
	CallID    string
	ToolName  string
	Arguments string

	ErrCode    string
	ErrMessage string
}

// wireKinds maps every known wire type string to its canonical kind,
// including the near-duplicate names older protocol versions emit.
var wireKinds = map[string]Kind{
	"error":           KindError,
	"session.created": KindSessionCreated,
	"session.updated": KindSessionUpdated,

	"input_audio_buffer.speech_started": KindSpeechStarted,
	"input_audio_buffer.speech_stopped": KindSpeechStopped,

	"conversation.item.input_audio_transcription.delta":     KindUserTranscriptDelta,
	"conversation.item.input_audio_transcription.completed": KindUserTranscriptDone,
	"conversation.item.input_audio_transcription.failed":    KindUserTranscriptFailed,

	"response.created": KindResponseStarted,

	"response.text.delta":                    KindResponseDelta,
	"response.output_text.delta":             KindResponseDelta,
	"response.audio_transcript.delta":        KindResponseDelta,
	"response.output_audio_transcript.delta": KindResponseDelta,

	"response.text.done":                    KindResponseDone,
	"response.output_text.done":             KindResponseDone,
	"response.audio_transcript.done":        KindResponseDone,
	"response.output_audio_transcript.done": KindResponseDone,
	"response.done":                         KindResponseDone,

	"response.function_call_arguments.delta": KindToolArgsDelta,
	"response.function_call_arguments.done":  KindToolArgsDone,

	"rate_limits.updated": KindRateLimits,
}

// ParseEvent normalizes one wire message into an Event. An unrecognized type
// is not an error: it yields KindUnknown so the caller can log and move on.
func ParseEvent(data []byte) (*Event, error) {
	var raw map[string]any
	if err := sonic.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("unmarshaling event: %w", err)
	}
	typ, ok := raw["type"].(string)
	if !ok || typ == "" {
		return nil, errors.New("missing type")
	}
	ev := &Event{
		Kind:     wireKinds[typ],
		WireType: typ,
	}
	if v, ok := raw["event_id"].(string); ok {
		ev.EventID = v
	}
	if v, ok := raw["item_id"].(string); ok {
		ev.ItemID = v
	}
	if v, ok := raw["response_id"].(string); ok {
		ev.ResponseID = v
	}

	switch ev.Kind {
	case KindError:
		// Official shape nests the descriptor under "error"; some
		// builds flatten it.
		src := raw
		if nested, ok := raw["error"].(map[string]any); ok {
			src = nested
		}
		if v, ok := src["code"].(string); ok {
			ev.ErrCode = v
		}
		if v, ok := src["message"].(string); ok {
			ev.ErrMessage = v
		} else {
			return nil, errors.New("missing error.message")
		}
	case KindUserTranscriptDelta:
		if v, ok := raw["delta"].(string); ok {
			ev.Delta = v
		} else {
			return nil, errors.New("missing delta")
		}
	case KindUserTranscriptDone:
		if v, ok := raw["transcript"].(string); ok {
			ev.Text = v
		} else {
			return nil, errors.New("missing transcript")
		}
	case KindUserTranscriptFailed:
		if errObj, ok := raw["error"].(map[string]any); ok {
			if v, ok := errObj["message"].(string); ok {
				ev.ErrMessage = v
			}
		}
	case KindResponseStarted:
		if resp, ok := raw["response"].(map[string]any); ok {
			if v, ok := resp["id"].(string); ok {
				ev.ResponseID = v
			}
		}
		if ev.ResponseID == "" {
			return nil, errors.New("missing response.id")
		}
	case KindResponseDelta:
		if v, ok := raw["delta"].(string); ok {
			ev.Delta = v
		} else {
			return nil, errors.New("missing delta")
		}
	case KindResponseDone:
		// The whole-response done variant nests the id; the per-part
		// variants carry final text or transcript.
		if resp, ok := raw["response"].(map[string]any); ok {
			if v, ok := resp["id"].(string); ok {
				ev.ResponseID = v
			}
		}
		if v, ok := raw["text"].(string); ok {
			ev.Text = v
		} else if v, ok := raw["transcript"].(string); ok {
			ev.Text = v
		}
	case KindToolArgsDelta:
		if v, ok := raw["call_id"].(string); ok {
			ev.CallID = v
		} else {
			return nil, errors.New("missing call_id")
		}
		if v, ok := raw["delta"].(string); ok {
			ev.Delta = v
		}
	case KindToolArgsDone:
		if v, ok := raw["call_id"].(string); ok {
			ev.CallID = v
		} else {
			return nil, errors.New("missing call_id")
		}
		if v, ok := raw["arguments"].(string); ok {
			ev.Arguments = v
		} else {
			return nil, errors.New("missing arguments")
		}
		if v, ok := raw["name"].(string); ok {
			ev.ToolName = v
		}
	}
	return ev, nil
}

// Outbound client events. Each builder returns the marshaled wire form with a
// fresh event id.

func marshalClientEvent(typ string, fields map[string]any) ([]byte, error) {
	msg := map[string]any{
		"type":     typ,
		"event_id": "evt_" + uuid.NewString(),
	}
	for k, v := range fields {
		msg[k] = v
	}
	return sonic.Marshal(msg)
}

// SessionUpdateEvent configures the live session: instructions, transcription
// mode, and the enabled tools.
func SessionUpdateEvent(session map[string]any) ([]byte, error) {
	if session == nil {
		return nil, errors.New("nil session payload")
	}
	return marshalClientEvent("session.update", map[string]any{
		"session": session,
	})
}

// ToolOutputEvent carries a tool result back into the conversation. The call
// id must be the remote service's, unchanged: it correlates by identity.
func ToolOutputEvent(callID, output string) ([]byte, error) {
	if callID == "" {
		return nil, errors.New("empty call id")
	}
	return marshalClientEvent("conversation.item.create", map[string]any{
		"item": map[string]any{
			"type":    "function_call_output",
			"call_id": callID,
			"output":  output,
		},
	})
}

// ResponseCreateEvent asks the model to continue generating. After a tool
// result it is mandatory; without it the model stalls silently.
func ResponseCreateEvent() ([]byte, error) {
	return marshalClientEvent("response.create", map[string]any{
		"response": map[string]any{},
	})
}

// ResponseCancelEvent aborts an in-progress response, used on barge-in when
// the remote VAD is not configured to interrupt on its own.
func ResponseCancelEvent(responseID string) ([]byte, error) {
	fields := map[string]any{}
	if responseID != "" {
		fields["response_id"] = responseID
	}
	return marshalClientEvent("response.cancel", fields)
}

// UserTextEvent submits finalized user text as a new conversational turn.
func UserTextEvent(text string) ([]byte, error) {
	if text == "" {
		return nil, errors.New("empty text")
	}
	return marshalClientEvent("conversation.item.create", map[string]any{
		"item": map[string]any{
			"type": "message",
			"role": "user",
			"content": []map[string]any{
				{"type": "input_text", "text": text},
			},
		},
	})
}
