package voicekit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/openai/openai-go/v3/realtime"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/stampatlas/voicekit/audio"
	"github.com/stampatlas/voicekit/search"
	"github.com/stampatlas/voicekit/shared"
)

// SessionState is the coarse lifecycle of one voice session.
type SessionState int

const (
	SessionIdle SessionState = iota
	SessionNegotiating
	SessionConnected
	SessionClosed
	SessionFailed
)

// DefaultNegotiationTimeout bounds connection setup.
const DefaultNegotiationTimeout = 10 * time.Second

// SessionConfig describes one voice session. Remote is registered with the
// issuing collaborator when the credential is minted; Tools go out in the
// initial session.update the moment the control channel opens.
type SessionConfig struct {
	APIKey  string
	BaseURL string
	Remote  *realtime.RealtimeSessionCreateRequestParam

	// Tools are the function descriptors the model may call.
	Tools []map[string]any

	// AutoContinue is true when the remote VAD creates responses on its
	// own after a user turn; false makes the engine send the
	// continuation explicitly once the final transcription lands.
	AutoContinue bool

	NegotiationTimeout time.Duration
	ToolTimeout        time.Duration

	PlaybackBufferMs    int
	PlaybackRingSeconds int
}

func (c *SessionConfig) withDefaults() SessionConfig {
	out := *c
	if out.NegotiationTimeout <= 0 {
		out.NegotiationTimeout = DefaultNegotiationTimeout
	}
	if out.ToolTimeout <= 0 {
		out.ToolTimeout = DefaultToolTimeout
	}
	if out.PlaybackBufferMs <= 0 {
		out.PlaybackBufferMs = 100
	}
	if out.PlaybackRingSeconds <= 0 {
		out.PlaybackRingSeconds = 2
	}
	return out
}

// MessageSink receives finalized transcript messages.
type MessageSink func(msg Message)

// StatusSink receives user-visible status and error lines.
type StatusSink func(line string)

// Session orchestrates start/stop of the whole engine: microphone, transport,
// state machine, tool bridge. At most one session should be active per
// microphone; Start while running is rejected.
type Session struct {
	logger    shared.LoggerAdapter
	cfg       SessionConfig
	searcher  search.Searcher
	onMessage MessageSink
	onStatus  StatusSink

	mu      sync.Mutex
	state   SessionState
	mic     *audio.Microphone
	client  *Client
	machine *Machine
	asm     *Assembler
	bridge  *Bridge
	cancel  context.CancelFunc
	done    chan struct{}

	// evMu serializes event handling; control-channel events must be
	// processed strictly in arrival order.
	evMu sync.Mutex
}

func NewSession(
	logger shared.LoggerAdapter,
	cfg SessionConfig,
	searcher search.Searcher,
	onMessage MessageSink,
	onStatus StatusSink,
) (*Session, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if cfg.APIKey == "" {
		return nil, shared.ErrNoAPIKey
	}
	if cfg.Remote == nil {
		return nil, shared.ErrNoConfig
	}
	if onMessage == nil {
		onMessage = func(Message) {}
	}
	if onStatus == nil {
		onStatus = func(string) {}
	}
	return &Session{
		logger:    logger,
		cfg:       cfg.withDefaults(),
		searcher:  searcher,
		onMessage: onMessage,
		onStatus:  onStatus,
	}, nil
}

// State reports the session lifecycle state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Done closes when the session has fully stopped. Nil before Start.
func (s *Session) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// Start acquires the microphone, negotiates the connection, opens the
// control channel, and sends the initial session configuration. Any step
// failing aborts the rest and releases everything acquired so far.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == SessionNegotiating || s.state == SessionConnected {
		return shared.ErrSessionAlreadyRunning
	}
	s.state = SessionNegotiating
	s.done = make(chan struct{})
	ctx, s.cancel = context.WithCancel(ctx)

	fail := func(step string, err error) error {
		err = fmt.Errorf("%s: %w", step, err)
		s.logger.Error("session start failed", err)
		s.teardownLocked(SessionFailed)
		return err
	}

	mic, err := audio.AcquireMicrophone(s.logger)
	if err != nil {
		return fail("acquiring microphone", err)
	}
	s.mic = mic

	cred, err := MintCredential(ctx, s.logger, s.cfg.APIKey, s.cfg.BaseURL, s.cfg.Remote)
	if err != nil {
		return fail("minting session credential", err)
	}

	client, err := NewClient(ctx, s.logger, cred, s.cfg.BaseURL)
	if err != nil {
		return fail("creating client", err)
	}
	s.client = client

	err = client.RegisterTrackRemoteHandler(func(track *webrtc.TrackRemote) {
		s.logger.Info("received remote track",
			zap.String("codec", track.Codec().MimeType))
		audio.Play(ctx, s.logger, track, s.cfg.PlaybackBufferMs, s.cfg.PlaybackRingSeconds)
	})
	if err != nil {
		return fail("registering remote track handler", err)
	}
	err = client.RegisterTrackLocalHandler(func(track *webrtc.TrackLocalStaticSample) {
		mic.Pump(ctx, s.logger, track)
	})
	if err != nil {
		return fail("registering local track handler", err)
	}

	s.machine = NewMachine(s.logger, s.cfg.AutoContinue)
	s.asm = NewAssembler()
	s.bridge = NewBridge(s.logger, s.searcher, client.Send, s.cfg.ToolTimeout)

	if err := client.RegisterEventHandler(func(ev *Event) {
		s.handleEvent(ctx, ev)
	}); err != nil {
		return fail("registering event handler", err)
	}

	if len(s.cfg.Tools) > 0 {
		cfgMsg, err := SessionUpdateEvent(map[string]any{
			"tools":       s.cfg.Tools,
			"tool_choice": "auto",
		})
		if err != nil {
			return fail("building initial session configuration", err)
		}
		client.SendOnOpen(cfgMsg)
	}

	if err := client.Start(); err != nil {
		return fail("negotiating connection", err)
	}
	if err := client.WaitConnected(s.cfg.NegotiationTimeout); err != nil {
		return fail("waiting for connection", err)
	}
	s.state = SessionConnected
	s.logger.Info("session connected",
		zap.String("remote_session_id", cred.RemoteSessionID))

	// Terminal transport states trigger a full teardown.
	go func() {
		<-client.Done()
		s.Stop()
	}()
	return nil
}

func (s *Session) handleEvent(ctx context.Context, ev *Event) {
	s.evMu.Lock()
	defer s.evMu.Unlock()
	for _, effect := range s.machine.Handle(ev) {
		s.apply(ctx, effect)
	}
}

func (s *Session) apply(ctx context.Context, effect Effect) {
	switch e := effect.(type) {
	case ResetTranscript:
		s.asm.Reset(e.Direction)
	case AppendTranscript:
		s.asm.Append(e.Direction, e.Fragment)
	case FinalizeTranscript:
		if msg, ok := s.asm.Finalize(e.Direction, e.Override); ok {
			s.onMessage(msg)
		}
	case ContinueTurn:
		if e.Text != "" {
			item, err := UserTextEvent(e.Text)
			if err != nil {
				s.logger.Error("building user turn item", err)
				return
			}
			if err := s.client.Send(item); err != nil {
				s.logger.Error("sending user turn item", err)
				return
			}
		}
		msg, err := ResponseCreateEvent()
		if err != nil {
			s.logger.Error("building continuation event", err)
			return
		}
		if err := s.client.Send(msg); err != nil {
			s.logger.Error("sending continuation event", err)
		}
	case CancelResponse:
		msg, err := ResponseCancelEvent(e.ResponseID)
		if err != nil {
			s.logger.Error("building cancel event", err)
			return
		}
		if err := s.client.Send(msg); err != nil {
			s.logger.Error("sending cancel event", err)
		}
	case RunTool:
		s.bridge.Invoke(ctx, e.CallID, e.ToolName, e.Arguments)
	case ReportError:
		s.logger.Warn("remote protocol error",
			zap.String("code", e.Code),
			zap.String("message", e.Message))
		s.onStatus("error: " + e.Message)
	case Status:
		s.onStatus(e.Text)
	}
}

// Stop tears everything down: control channel, connection, microphone,
// buffers, in that order, each step best-effort and independent of the
// previous step's outcome. Safe to call repeatedly, concurrently, and from
// error paths.
func (s *Session) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.teardownLocked(SessionClosed)
}

func (s *Session) teardownLocked(final SessionState) {
	if s.bridge != nil {
		s.bridge.Close()
	}
	// The client stays set after close: an event callback still in flight
	// may reach for it, and Send after Close is a no-op.
	if s.client != nil {
		if err := s.client.Close(); err != nil {
			s.logger.Error("closing client", err)
		}
	}
	if s.mic != nil {
		s.mic.Release(s.logger)
		s.mic = nil
	}
	if s.asm != nil {
		s.asm.ResetAll()
	}
	if s.machine != nil {
		// Event delivery has stopped with the client; evMu covers any
		// callback still in flight.
		s.evMu.Lock()
		s.machine.Reset()
		s.evMu.Unlock()
	}
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	if s.done != nil {
		select {
		case <-s.done:
		default:
			close(s.done)
		}
	}
	s.state = final
}
