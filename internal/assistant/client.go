package assistant

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

	"github.com/tidwall/gjson"

	"github.com/comigor/tripmate/internal/auth"
	"github.com/comigor/tripmate/internal/logger"
)

const (
	chatPath        = "/chat"
	maxResponseSize = 1 << 20
	maxDetailLen    = 300
)

// Client calls the remote assistant service over HTTP.
type Client struct {
	baseURL string
	http    *http.Client
	tokens  auth.TokenSource
	now     func() time.Time
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the underlying *http.Client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

// WithTokenSource supplies bearer tokens. Without one requests are unauthenticated.
func WithTokenSource(ts auth.TokenSource) ClientOption {
	return func(c *Client) { c.tokens = ts }
}

// WithClock sets the clock used when a reply carries no usable timestamp.
func WithClock(now func() time.Time) ClientOption {
	return func(c *Client) { c.now = now }
}

// NewClient creates a client for the service rooted at baseURL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{},
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Send performs one POST /chat exchange. Deadlines and cancellation come from ctx.
func (c *Client) Send(ctx context.Context, chatReq Request) Result {
	if chatReq.ConversationHistory == nil {
		chatReq.ConversationHistory = []Turn{}
	}
	body, err := json.Marshal(chatReq)
	if err != nil {
		return Failed(&Failure{Kind: FailureUnknown, Err: fmt.Errorf("encode request: %w", err)})
	}

	url := c.baseURL + chatPath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Failed(&Failure{Kind: FailureUnknown, Err: fmt.Errorf("build request: %w", err)})
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if token := c.token(ctx); token != "" {
		req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", token))
	}

	started := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		logger.L.Warnw("assistant request failed", "url", url, "error", err)
		return classifyTransport(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return classifyTransport(err)
	}
	logger.L.Debugw("assistant response", "status", resp.StatusCode, "elapsed", time.Since(started))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Failed(&Failure{
			Kind:       FailureHTTP,
			StatusCode: resp.StatusCode,
			Detail:     extractDetail(raw),
		})
	}

	reply, err := c.decodeReply(raw)
	if err != nil {
		return Failed(&Failure{Kind: FailureProtocol, Err: err})
	}
	return Succeeded(reply)
}

func (c *Client) token(ctx context.Context) string {
	if c.tokens == nil {
		return ""
	}
	token, err := c.tokens.Token(ctx)
	if err != nil {
		logger.L.Warnw("token source failed; sending unauthenticated", "error", err)
		return ""
	}
	return token
}

func (c *Client) decodeReply(raw []byte) (Reply, error) {
	var wire struct {
		Reply      *string `json:"reply"`
		Timestamp  string  `json:"timestamp"`
		SessionID  string  `json:"session_id"`
		TokensUsed int     `json:"tokens_used"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		return Reply{}, fmt.Errorf("decode reply: %w", err)
	}
	if wire.Reply == nil {
		return Reply{}, errors.New("decode reply: missing reply field")
	}
	ts, ok := ParseTimestamp(wire.Timestamp)
	if !ok {
		ts = c.now()
	}
	return Reply{
		Reply:      *wire.Reply,
		Timestamp:  ts,
		SessionID:  wire.SessionID,
		TokensUsed: wire.TokensUsed,
	}, nil
}

func classifyTransport(err error) Result {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() && !errors.Is(err, context.Canceled) {
		return Failed(&Failure{Kind: FailureTimeout, Err: err})
	}
	return FromError(err, FailureTransport)
}

// extractDetail pulls a human-readable message out of an error body.
func extractDetail(raw []byte) string {
	if gjson.ValidBytes(raw) {
		for _, path := range []string{"detail", "error.message", "error", "message"} {
			if v := gjson.GetBytes(raw, path); v.Exists() && v.Type == gjson.String && v.String() != "" {
				return truncate(v.String())
			}
		}
	}
	return truncate(strings.TrimSpace(string(raw)))
}

func truncate(s string) string {
	r := []rune(s)
	if len(r) <= maxDetailLen {
		return s
	}
	return string(r[:maxDetailLen]) + "…"
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
}

// ParseTimestamp accepts ISO8601 timestamps with or without zone and
// fractional seconds. Zone-less values are taken as UTC.
func ParseTimestamp(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
