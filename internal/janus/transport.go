package janus

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const maxReplyBytes = 4 << 20

// Transport issues JSON calls against the gateway base URL and its session and
// handle sub-paths. It has no knowledge of the Janus message vocabulary.
type Transport struct {
	baseURL string
	client  *http.Client
}

// NewTransport returns a Transport rooted at baseURL. A nil client is replaced
// by one bounded by timeout so calls never hang indefinitely.
func NewTransport(baseURL string, client *http.Client, timeout time.Duration) *Transport {
	if client == nil {
		if timeout <= 0 {
			timeout = DefaultAPITimeout
		}
		client = &http.Client{Timeout: timeout}
	}
	return &Transport{baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"), client: client}
}

// BaseURL reports the gateway root the transport talks to.
func (t *Transport) BaseURL() string {
	return t.baseURL
}

// Post sends payload as JSON to the path built from segments and returns the
// raw reply body.
func (t *Transport) Post(ctx context.Context, payload interface{}, segments ...uint64) (json.RawMessage, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode janus request: %w", err)
	}
	return t.do(ctx, http.MethodPost, t.url(segments...), body)
}

// Get issues a GET against the path built from segments with the provided
// query. A positive timeout bounds this single call independently of ctx.
func (t *Transport) Get(ctx context.Context, query url.Values, timeout time.Duration, segments ...uint64) (json.RawMessage, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	target := t.url(segments...)
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	return t.do(ctx, http.MethodGet, target, nil)
}

// Info fetches the gateway's server_info document. It doubles as a liveness
// probe for health reporting.
func (t *Transport) Info(ctx context.Context) (json.RawMessage, error) {
	return t.do(ctx, http.MethodGet, t.baseURL+"/info", nil)
}

// Close releases idle keep-alive connections held by the underlying client.
func (t *Transport) Close() {
	if t == nil || t.client == nil {
		return
	}
	t.client.CloseIdleConnections()
}

func (t *Transport) url(segments ...uint64) string {
	var b strings.Builder
	b.WriteString(t.baseURL)
	for _, segment := range segments {
		b.WriteByte('/')
		b.WriteString(strconv.FormatUint(segment, 10))
	}
	return b.String()
}

func (t *Transport) do(ctx context.Context, method, target string, payload []byte) (json.RawMessage, error) {
	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reqBody)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxReplyBytes))
	if err != nil {
		return nil, fmt.Errorf("read janus reply: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{Method: method, URL: target, Code: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	return json.RawMessage(data), nil
}
