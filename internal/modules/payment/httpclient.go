package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// callError is a gateway fault normalised for result building.
type callError struct {
	StatusCode int
	Message    string
	Body       json.RawMessage
	Retryable  bool
}

func (e *callError) Error() string { return e.Message }

// gatewayClient is the JSON-over-HTTPS client shared by gateway adapters.
type gatewayClient struct {
	name    ProcessorID
	baseURL string
	timeout time.Duration
	http    *http.Client
	log     *zap.Logger
	// authorize sets per-request credentials and headers.
	authorize func(r *http.Request)
}

func newGatewayClient(name ProcessorID, baseURL string, timeout time.Duration, log *zap.Logger, authorize func(*http.Request)) *gatewayClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &gatewayClient{
		name:      name,
		baseURL:   strings.TrimRight(baseURL, "/"),
		timeout:   timeout,
		http:      &http.Client{Timeout: timeout},
		log:       log.With(zap.String("gateway", string(name))),
		authorize: authorize,
	}
}

// do sends body as JSON and decodes a 2xx response into out. The raw response
// body is returned in every case it was read.
func (c *gatewayClient) do(ctx context.Context, method, path string, body, out interface{}) (json.RawMessage, error) {
	return c.send(ctx, method, path, nil, body, out)
}

// send is do with extra request headers.
func (c *gatewayClient) send(ctx context.Context, method, path string, header http.Header, body, out interface{}) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, &callError{Message: fmt.Sprintf("encode request: %v", err)}
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, &callError{Message: fmt.Sprintf("build request: %v", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if c.authorize != nil {
		c.authorize(req)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Warn("gateway call failed",
			zap.String("method", method), zap.String("path", path),
			zap.Duration("elapsed", time.Since(start)), zap.Error(err))
		// Any transport fault, timeouts included, may not have reached the gateway.
		return nil, &callError{Message: fmt.Sprintf("%s unreachable: %v", c.name, err), Retryable: true}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &callError{Message: fmt.Sprintf("read %s response: %v", c.name, err), Retryable: isTimeout(err)}
	}
	c.log.Debug("gateway call",
		zap.String("method", method), zap.String("path", path),
		zap.Int("status", resp.StatusCode), zap.Duration("elapsed", time.Since(start)))

	if resp.StatusCode >= 400 {
		return raw, &callError{
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("%s returned %d: %s", c.name, resp.StatusCode, extractMessage(raw)),
			Body:       jsonOrNil(raw),
			Retryable:  resp.StatusCode >= 500,
		}
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return raw, &callError{
				StatusCode: resp.StatusCode,
				Message:    fmt.Sprintf("decode %s response: %v", c.name, err),
				Body:       jsonOrNil(raw),
			}
		}
	}
	return raw, nil
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout())
}

// extractMessage digs the human readable reason out of a gateway error body.
func extractMessage(raw []byte) string {
	var body struct {
		Message string          `json:"message"`
		Error   json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return strings.TrimSpace(string(raw))
	}
	if body.Message != "" {
		return body.Message
	}
	var nested struct {
		Type     string          `json:"type"`
		Reason   string          `json:"reason"`
		Message  string          `json:"message"`
		Messages json.RawMessage `json:"messages"`
	}
	if err := json.Unmarshal(body.Error, &nested); err == nil {
		switch {
		case nested.Reason != "":
			return nested.Reason
		case nested.Message != "":
			return nested.Message
		case len(nested.Messages) > 0:
			return nested.Type + ": " + string(nested.Messages)
		case nested.Type != "":
			return nested.Type
		}
	}
	var s string
	if err := json.Unmarshal(body.Error, &s); err == nil && s != "" {
		return s
	}
	return strings.TrimSpace(string(raw))
}

func jsonOrNil(raw []byte) json.RawMessage {
	if json.Valid(raw) {
		return raw
	}
	return nil
}
