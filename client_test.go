package voicekit

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"

	"github.com/stampatlas/voicekit/shared"
)

func TestNewClientValidation(t *testing.T) {
	_, err := NewClient(context.Background(), nil, &Credential{Value: "v"}, "")
	assert.ErrorIs(t, err, shared.ErrNoLogger)

	_, err = NewClient(context.Background(), shared.NewNopLogger(), nil, "")
	assert.ErrorIs(t, err, shared.ErrNoCredential)

	_, err = NewClient(context.Background(), shared.NewNopLogger(), &Credential{}, "")
	assert.ErrorIs(t, err, shared.ErrNoCredential)
}

func TestNewClientCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewClient(ctx, shared.NewNopLogger(), &Credential{Value: "v"}, "")
	assert.Error(t, err)
}

func TestParseBaseURL(t *testing.T) {
	u, err := parseBaseURL("")
	require.NoError(t, err)
	assert.Equal(t, "https://api.openai.com/v1", u.String())

	u, err = parseBaseURL("http://localhost:9090/v1")
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:9090/v1", u.String())
}

func TestDoRequestReturnsOnCancellation(t *testing.T) {
	// A listener that accepts and never answers keeps the round trip
	// pending until cancellation.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer func() { _ = ln.Close() }()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			defer func() { _ = conn.Close() }()
		}
	}()

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	req.SetRequestURI("http://" + ln.Addr().String() + "/")
	req.Header.SetMethod(fasthttp.MethodGet)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- doRequest(ctx, req, resp) }()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("doRequest did not return on cancellation")
	}
	// req and resp now belong to the abandoned round trip; it releases
	// them once the listener goes down.
}
