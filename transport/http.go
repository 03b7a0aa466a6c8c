// ABOUTME: HTTP delegate transport: POSTs each task to a delegate endpoint, which answers later via the callback API.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Envelope is the request body sent to a delegate.
type Envelope struct {
	CorrelationID string          `json:"correlation_id"`
	CallbackURL   string          `json:"callback_url,omitempty"`
	Payload       json.RawMessage `json:"payload"`
}

// HTTP dispatches tasks to a delegate over HTTP.
type HTTP struct {
	URL string
	// CallbackBase, when set, is joined with the correlation id to tell the
	// delegate where to report.
	CallbackBase string
	Client       *http.Client
}

// NewHTTP returns a transport posting to url with a bounded client timeout.
func NewHTTP(url, callbackBase string) *HTTP {
	return &HTTP{URL: url, CallbackBase: callbackBase, Client: &http.Client{Timeout: 30 * time.Second}}
}

func (h *HTTP) Dispatch(ctx context.Context, payload json.RawMessage, correlationID string) error {
	env := Envelope{CorrelationID: correlationID, Payload: payload}
	if h.CallbackBase != "" {
		env.CallbackURL = h.CallbackBase + "/callbacks/" + correlationID
	}
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("%w: encode envelope: %v", ErrTransport, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: build request: %v", ErrTransport, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Correlation-ID", correlationID)

	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: post %s: %v", ErrTransport, h.URL, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: delegate answered %d: %s", ErrTransport, resp.StatusCode, bytes.TrimSpace(msg))
	}
	return nil
}
