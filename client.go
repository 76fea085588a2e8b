package voicekit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/openai/openai-go/v3/realtime"
	"github.com/pion/webrtc/v4"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/stampatlas/voicekit/shared"
)

type TrackRemoteHandler func(track *webrtc.TrackRemote)
type TrackLocalHandler func(track *webrtc.TrackLocalStaticSample)

type EventHandler func(event *Event)

// Credential is a single-use, short-lived token minted by the session
// issuer. It must never be reused across reconnects; a retry is a new
// credential and a new Client.
type Credential struct {
	Value           string
	RemoteSessionID string
}

// MintCredential asks the session-issuing collaborator for a fresh
// credential, registering the session configuration in the same call.
func MintCredential(
	ctx context.Context,
	logger shared.LoggerAdapter,
	apiKey, baseURL string,
	cfg *realtime.RealtimeSessionCreateRequestParam,
) (*Credential, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if apiKey == "" {
		return nil, shared.ErrNoAPIKey
	}
	if cfg == nil {
		return nil, shared.ErrNoConfig
	}
	base, err := parseBaseURL(baseURL)
	if err != nil {
		return nil, err
	}
	cfgBytes, err := cfg.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("marshaling session config: %w", err)
	}
	body, err := sonic.Marshal(map[string]any{
		"session": json.RawMessage(cfgBytes),
	})
	if err != nil {
		return nil, fmt.Errorf("marshaling credential request: %w", err)
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	req.SetRequestURI(base.JoinPath("/realtime/client_secrets").String())
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.Set("Authorization", "Bearer "+apiKey)
	req.Header.SetContentType("application/json")
	req.SetBody(body)

	if err := doRequest(ctx, req, resp); err != nil {
		return nil, err
	}
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)
	if resp.StatusCode() != fasthttp.StatusOK && resp.StatusCode() != fasthttp.StatusCreated {
		return nil, fmt.Errorf("%w: status %d, body: %s",
			shared.ErrNegotiationFailed, resp.StatusCode(), string(resp.Body()))
	}
	var parsed struct {
		Value   string `json:"value"`
		Session struct {
			ID string `json:"id"`
		} `json:"session"`
	}
	if err := sonic.Unmarshal(resp.Body(), &parsed); err != nil {
		return nil, fmt.Errorf("unmarshaling credential response: %w", err)
	}
	if parsed.Value == "" {
		return nil, errors.New("credential response missing value")
	}
	logger.Info("session credential minted",
		zap.String("remote_session_id", parsed.Session.ID))
	return &Credential{Value: parsed.Value, RemoteSessionID: parsed.Session.ID}, nil
}

// Client is the transport negotiator: it owns the peer connection, the
// single local audio track, and the control data channel.
type Client struct {
	logger  shared.LoggerAdapter
	baseURL *url.URL
	cred    *Credential

	mu      sync.Mutex
	pc      *webrtc.PeerConnection
	dc      *webrtc.DataChannel
	running bool
	closed  bool

	audioL   *webrtc.TrackLocalStaticSample
	audioTLH TrackLocalHandler  // track.Kind() == webrtc.RTPCodecTypeAudio
	audioTRH TrackRemoteHandler // track.Kind() == webrtc.RTPCodecTypeAudio
	eh       EventHandler
	onOpen   [][]byte

	state     webrtc.PeerConnectionState
	connected <-chan struct{}

	ctx    context.Context
	cancel context.CancelCauseFunc
}

// NewClient builds a peer connection and its control channel. The control
// channel is created before the offer is generated: the remote service
// statically provisions it from the offer's description.
func NewClient(ctx context.Context, logger shared.LoggerAdapter, cred *Credential, baseURL string) (c *Client, err error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if cred == nil || cred.Value == "" {
		return nil, shared.ErrNoCredential
	}
	base, err := parseBaseURL(baseURL)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancelCause(ctx)
	c = &Client{
		logger:  logger,
		baseURL: base,
		cred:    cred,
		ctx:     ctx,
		cancel:  cancel,
	}

	c.pc, err = webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		return nil, fmt.Errorf("creating peer connection: %w", err)
	}
	connected := make(chan struct{})
	connectedGotClosed := false
	c.connected = connected

	c.pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		c.mu.Lock()
		defer c.mu.Unlock()
		if err := c.respectCtx(); err != nil {
			return
		}
		c.logger.Trace(
			"peer connection state changed",
			zap.String("prev", c.state.String()),
			zap.String("new", state.String()),
		)
		c.state = state
		markConnected := func() {
			if !connectedGotClosed {
				connectedGotClosed = true
				close(connected)
			}
		}
		switch state {
		case webrtc.PeerConnectionStateConnected:
			if connectedGotClosed {
				c.logger.Warn("peer connection reported connected more than once")
				return
			}
			markConnected()
			if c.audioTLH != nil {
				go c.audioTLH(c.audioL)
			}
		case webrtc.PeerConnectionStateDisconnected:
			// Terminal: no implicit retry. A reconnect is a
			// deliberate new session with a fresh credential.
			markConnected()
			c.cancel(errors.New("peer connection disconnected"))
		case webrtc.PeerConnectionStateFailed:
			markConnected()
			c.cancel(fmt.Errorf("%w: peer connection failed", shared.ErrNegotiationFailed))
		case webrtc.PeerConnectionStateClosed:
			markConnected()
			c.cancel(errors.New("peer connection closed"))
		}
	})

	c.dc, err = c.pc.CreateDataChannel("oai", nil)
	if err != nil {
		_ = c.pc.Close()
		return nil, fmt.Errorf("creating data channel: %w", err)
	}

	if err := c.respectCtx(); err != nil {
		_ = c.pc.Close() // closes the data channel with it
		return nil, fmt.Errorf("respecting client context: %w", err)
	}
	return
}

func (c *Client) respectCtx() error {
	select {
	case <-c.ctx.Done():
		return c.ctx.Err()
	default:
	}
	return nil
}

// Done closes when the client is terminally finished; context.Cause carries
// the reason.
func (c *Client) Done() <-chan struct{} {
	return c.ctx.Done()
}

// Connected closes once negotiation settles, successfully or not; check
// State afterwards.
func (c *Client) Connected() <-chan struct{} {
	return c.connected
}

func (c *Client) State() webrtc.PeerConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// RegisterTrackLocalHandler attaches the single local Opus audio track and
// the pump that feeds it once the connection is up.
func (c *Client) RegisterTrackLocalHandler(handler TrackLocalHandler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return shared.ErrSessionAlreadyRunning
	}
	if c.audioTLH != nil || c.audioL != nil {
		return shared.ErrTLHandlerAlreadySet
	}
	if handler == nil {
		return errors.New("handler is required")
	}
	var err error
	c.audioL, err = webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeOpus,
			ClockRate:   48000,
			Channels:    2,
			SDPFmtpLine: "minptime=10;useinbandfec=1",
		},
		"audio",
		"mic",
	)
	if err != nil {
		return fmt.Errorf("creating local audio track: %w", err)
	}
	if _, err = c.pc.AddTrack(c.audioL); err != nil {
		return fmt.Errorf("adding audio track to peer connection: %w", err)
	}
	c.audioTLH = handler
	return nil
}

func (c *Client) RegisterTrackRemoteHandler(handler TrackRemoteHandler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return shared.ErrSessionAlreadyRunning
	}
	if c.audioTRH != nil {
		return shared.ErrTRHandlerAlreadySet
	}
	if handler == nil {
		return errors.New("handler is required")
	}
	c.audioTRH = handler
	c.pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		if track.Kind() == webrtc.RTPCodecTypeAudio {
			go c.audioTRH(track)
		}
	})
	return nil
}

// RegisterEventHandler wires control-channel messages through ParseEvent and
// into the handler, in arrival order.
func (c *Client) RegisterEventHandler(handler EventHandler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return shared.ErrSessionAlreadyRunning
	}
	if c.eh != nil {
		return shared.ErrEHandlerAlreadySet
	}
	if handler == nil {
		return errors.New("handler is required")
	}
	c.eh = handler
	dc := c.dc // Close nils the field; the callbacks outlive it
	dc.OnOpen(func() {
		c.mu.Lock()
		queued := c.onOpen
		c.onOpen = nil
		c.mu.Unlock()
		c.logger.Info("control channel opened", zap.Int("queued_messages", len(queued)))
		for _, msg := range queued {
			if err := dc.Send(msg); err != nil {
				c.logger.Error("sending queued control message", err)
			}
		}
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if !msg.IsString {
			c.logger.Warn("received non-string message on control channel")
			return
		}
		event, err := ParseEvent(msg.Data)
		if err != nil {
			c.logger.Error("can not parse control event", err,
				zap.ByteString("data", msg.Data))
			return
		}
		c.logger.Trace("received control event",
			zap.String("kind", event.Kind.String()),
			zap.String("wire_type", event.WireType),
			zap.String("event_id", event.EventID),
		)
		c.eh(event)
	})
	return nil
}

// SendOnOpen queues messages to be sent the moment the control channel
// opens, ahead of anything else. Used for the initial session configuration.
func (c *Client) SendOnOpen(msgs ...[]byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onOpen = append(c.onOpen, msgs...)
}

// Send writes one message to the control channel. Sending on a closed client
// is a no-op: in-flight work finishing after teardown is ignored, not an
// error.
func (c *Client) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.dc == nil {
		return nil
	}
	if err := c.respectCtx(); err != nil {
		return nil
	}
	return c.dc.Send(data)
}

// Start runs the offer/answer exchange. The data channel already exists, so
// the offer describes it; the answer comes back from the remote service
// authenticated with the single-use credential.
func (c *Client) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return shared.ErrSessionAlreadyRunning
	}
	if c.pc == nil || c.dc == nil {
		return shared.ErrClientNotInitialized
	}
	if c.eh == nil {
		return shared.ErrNoEventHandler
	}
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		err = fmt.Errorf("creating offer: %w", err)
		c.cancel(err)
		return err
	}
	if err = c.pc.SetLocalDescription(offer); err != nil {
		err = fmt.Errorf("setting local description: %w", err)
		c.cancel(err)
		return err
	}
	if err := c.respectCtx(); err != nil {
		return fmt.Errorf("respecting client context: %w", err)
	}
	answer, err := c.exchangeSDP(offer.SDP)
	if err != nil {
		err = fmt.Errorf("%w: %w", shared.ErrNegotiationFailed, err)
		c.cancel(err)
		return err
	}
	if err := c.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  answer,
	}); err != nil {
		err = fmt.Errorf("setting remote description: %w", err)
		c.cancel(err)
		return err
	}
	c.running = true
	return nil
}

// WaitConnected blocks until the connection settles or the ceiling elapses.
func (c *Client) WaitConnected(timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-c.connected:
	case <-c.ctx.Done():
		return context.Cause(c.ctx)
	case <-timer.C:
		c.cancel(shared.ErrNegotiationTimeout)
		return shared.ErrNegotiationTimeout
	}
	if c.State() != webrtc.PeerConnectionStateConnected {
		if cause := context.Cause(c.ctx); cause != nil {
			return cause
		}
		return shared.ErrNegotiationFailed
	}
	return nil
}

func (c *Client) exchangeSDP(offer string) (answer string, err error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	req.SetRequestURI(c.baseURL.JoinPath("/realtime/calls").String())
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.Set("Authorization", "Bearer "+c.cred.Value)
	req.Header.SetContentType("application/sdp")
	req.SetBodyString(offer)

	if err := doRequest(c.ctx, req, resp); err != nil {
		return "", err
	}
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)
	if resp.StatusCode() != fasthttp.StatusCreated {
		return "", fmt.Errorf("unexpected status code: %d, body: %s",
			resp.StatusCode(), string(resp.Body()))
	}
	return string(resp.Body()), nil
}

// Close tears the transport down. Safe to call more than once.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.dc != nil {
		if err := c.dc.Close(); err != nil {
			c.logger.Error("closing control channel failed", err)
		}
		c.dc = nil
	}
	if c.pc != nil {
		if err := c.pc.Close(); err != nil {
			c.logger.Error("closing peer connection failed", err)
		}
		c.pc = nil
	}
	if c.cancel != nil {
		c.cancel(shared.ErrSessionClosed)
	}
	c.running = false
	return nil
}

func parseBaseURL(baseURL string) (*url.URL, error) {
	if baseURL == "" {
		return &url.URL{Scheme: "https", Host: "api.openai.com", Path: "/v1"}, nil
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing base URL: %w", err)
	}
	return u, nil
}

// doRequest runs a fasthttp round trip while respecting context cancellation;
// fasthttp has no native context support. On any error req and resp are
// released here — on cancellation only after the abandoned round trip is done
// with them. On success the caller owns both.
func doRequest(ctx context.Context, req *fasthttp.Request, resp *fasthttp.Response) error {
	errC := make(chan error, 1)
	go func() {
		errC <- fasthttp.Do(req, resp)
	}()
	release := func() {
		fasthttp.ReleaseRequest(req)
		fasthttp.ReleaseResponse(resp)
	}
	select {
	case <-ctx.Done():
		go func() {
			<-errC
			release()
		}()
		return ctx.Err()
	case err := <-errC:
		if err != nil {
			release()
			return fmt.Errorf("performing HTTP request: %w", err)
		}
	}
	return nil
}
