// Package httpclient is the shared HTTP call helper behind the
// HttpRequest, OpenObserve, and HTTP-loop node kinds, generalizing
// graph/tool/http.go's HTTPTool: same method/url/headers/body in,
// status/headers/body out shape, but operating on typed Request/Response
// values instead of a map[string]interface{} tool-call payload.
package httpclient

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/openobserve/swisspipe/workflow"
)

// Request is one outbound call's shape.
type Request struct {
	Method  workflow.HttpMethod
	URL     string
	Headers map[string]string
	Body    []byte
	Timeout time.Duration
}

// Response is what the caller needs back: enough to replace
// event.data and to detect non-2xx for failure_action branching.
type Response struct {
	StatusCode int
	Headers    map[string]string
	Body       []byte
}

func (r Response) OK() bool { return r.StatusCode >= 200 && r.StatusCode < 300 }

// Client wraps *http.Client, matching HTTPTool's role as the one
// concrete adapter behind every node that issues outbound HTTP.
type Client struct {
	hc *http.Client
}

// New returns a Client with the given default timeout (overridden
// per-call when Request.Timeout is set).
func New(defaultTimeout time.Duration) *Client {
	return &Client{hc: &http.Client{Timeout: defaultTimeout}}
}

func (c *Client) Do(ctx context.Context, req Request) (Response, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = c.hc.Timeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	method := string(req.Method)
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, body)
	if err != nil {
		return Response{}, fmt.Errorf("build request: %w", err)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	if body != nil && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.hc.Do(httpReq)
	if err != nil {
		return Response{}, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{}, fmt.Errorf("read response body: %w", err)
	}

	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}

	return Response{StatusCode: resp.StatusCode, Headers: headers, Body: respBody}, nil
}
