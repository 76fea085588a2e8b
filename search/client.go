// Package search is the client for the external stamp-database search
// collaborator. The engine only consumes its wire contract; ranking and
// matching live on the remote side.
package search

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/stampatlas/voicekit/shared"
)

// Response is the collaborator's wire shape: a result list plus a total, or
// a failure payload.
type Response struct {
	Success      bool             `json:"success"`
	Results      []map[string]any `json:"results,omitempty"`
	TotalResults int              `json:"totalResults"`
	Error        string           `json:"error,omitempty"`
}

// Searcher is what the tool bridge depends on; tests substitute fakes.
type Searcher interface {
	Search(ctx context.Context, query string) (*Response, error)
}

type Client struct {
	logger   shared.LoggerAdapter
	endpoint string
}

var _ Searcher = (*Client)(nil)

func NewClient(logger shared.LoggerAdapter, endpoint string) (*Client, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if endpoint == "" {
		return nil, errors.New("no search endpoint provided")
	}
	return &Client{logger: logger, endpoint: endpoint}, nil
}

// Search posts {query} to the collaborator and decodes the result list.
// Transport and decode failures come back as errors; an application-level
// failure comes back as a Response with Success == false.
func (c *Client) Search(ctx context.Context, query string) (*Response, error) {
	body, err := sonic.Marshal(map[string]any{"query": query})
	if err != nil {
		return nil, fmt.Errorf("marshaling search request: %w", err)
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	req.SetRequestURI(c.endpoint)
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	req.SetBody(body)

	release := func() {
		fasthttp.ReleaseRequest(req)
		fasthttp.ReleaseResponse(resp)
	}
	start := time.Now()
	errC := make(chan error, 1)
	go func() {
		errC <- fasthttp.Do(req, resp)
	}()
	select {
	case <-ctx.Done():
		// The abandoned round trip still holds req and resp; release
		// follows it, never precedes it.
		go func() {
			<-errC
			release()
		}()
		return nil, ctx.Err()
	case err := <-errC:
		if err != nil {
			release()
			return nil, fmt.Errorf("performing search request: %w", err)
		}
	}
	defer release()
	if resp.StatusCode() != fasthttp.StatusOK {
		return nil, fmt.Errorf("unexpected search status code: %d, body: %s",
			resp.StatusCode(), string(resp.Body()))
	}
	var parsed Response
	if err := sonic.Unmarshal(resp.Body(), &parsed); err != nil {
		return nil, fmt.Errorf("unmarshaling search response: %w", err)
	}
	c.logger.Debug("search completed",
		zap.String("query", query),
		zap.Int("total_results", parsed.TotalResults),
		zap.Duration("elapsed", time.Since(start)),
	)
	return &parsed, nil
}
