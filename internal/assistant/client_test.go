package assistant

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/comigor/tripmate/internal/auth"
)

func TestClientSend_Success(t *testing.T) {
	ts := time.Date(2025, 3, 1, 9, 30, 0, 0, time.UTC)
	var got Request
	var authHeader string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/chat", r.URL.Path)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		authHeader = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"reply":"Lisbon is lovely in May.","timestamp":"2025-03-01T09:30:00Z","session_id":"s-1","tokens_used":42}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/", WithTokenSource(auth.Static("tok")))
	history := []Turn{{Role: RoleUser, Content: "hi", Timestamp: ts}, {Role: RoleAssistant, Content: "hello", Timestamp: ts}}
	res := c.Send(context.Background(), Request{Message: "Where to in May?", ConversationHistory: history})

	require.True(t, res.OK(), "unexpected failure: %v", res.Failure)
	require.Equal(t, "Lisbon is lovely in May.", res.Reply.Reply)
	require.True(t, ts.Equal(res.Reply.Timestamp))
	require.Equal(t, "s-1", res.Reply.SessionID)
	require.Equal(t, 42, res.Reply.TokensUsed)

	require.Equal(t, "Bearer tok", authHeader)
	require.Equal(t, "Where to in May?", got.Message)
	require.Len(t, got.ConversationHistory, 2)
	require.Equal(t, RoleUser, got.ConversationHistory[0].Role)
	require.Equal(t, "hello", got.ConversationHistory[1].Content)
}

func TestClientSend_OmitsAuthorizationWithoutToken(t *testing.T) {
	var sawAuth bool
	var rawBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, sawAuth = r.Header["Authorization"]
		_ = json.NewDecoder(r.Body).Decode(&rawBody)
		_, _ = w.Write([]byte(`{"reply":"ok","timestamp":"2025-03-01T09:30:00Z","session_id":"s","tokens_used":1}`))
	}))
	defer srv.Close()

	for _, c := range []*Client{NewClient(srv.URL), NewClient(srv.URL, WithTokenSource(auth.Static("")))} {
		res := c.Send(context.Background(), Request{Message: "hi"})
		require.True(t, res.OK())
		require.False(t, sawAuth)
		// history is always sent as an array, never null
		require.Equal(t, []any{}, rawBody["conversation_history"])
		require.NotContains(t, rawBody, "session_id")
	}
}

func TestClientSend_TokenSourceErrorStillSends(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Empty(t, r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"reply":"ok","timestamp":"2025-03-01T09:30:00Z"}`))
	}))
	defer srv.Close()

	failing := auth.TokenFunc(func(context.Context) (string, error) { return "", errors.New("keyring locked") })
	res := NewClient(srv.URL, WithTokenSource(failing)).Send(context.Background(), Request{Message: "hi"})
	require.True(t, res.OK())
}

func TestClientSend_Failures(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		body       string
		wantKind   FailureKind
		wantDetail string
	}{
		{name: "detail field", status: http.StatusServiceUnavailable, body: `{"detail":"model overloaded"}`, wantKind: FailureHTTP, wantDetail: "model overloaded"},
		{name: "nested error", status: http.StatusBadRequest, body: `{"error":{"message":"bad input"}}`, wantKind: FailureHTTP, wantDetail: "bad input"},
		{name: "plain text", status: http.StatusInternalServerError, body: "  kaput \n", wantKind: FailureHTTP, wantDetail: "kaput"},
		{name: "empty body", status: http.StatusUnauthorized, body: "", wantKind: FailureHTTP},
		{name: "bad json", status: http.StatusOK, body: `{"reply":`, wantKind: FailureProtocol},
		{name: "missing reply", status: http.StatusOK, body: `{"timestamp":"2025-03-01T09:30:00Z"}`, wantKind: FailureProtocol},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			res := NewClient(srv.URL).Send(context.Background(), Request{Message: "hi"})
			require.False(t, res.OK())
			require.Equal(t, tt.wantKind, res.Failure.Kind)
			require.Equal(t, tt.wantDetail, res.Failure.Detail)
			if tt.wantKind == FailureHTTP {
				require.Equal(t, tt.status, res.Failure.StatusCode)
			}
		})
	}
}

func TestClientSend_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	res := NewClient(srv.URL).Send(ctx, Request{Message: "hi"})
	require.False(t, res.OK())
	require.Equal(t, FailureTimeout, res.Failure.Kind)
}

func TestClientSend_Aborted(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := NewClient("http://127.0.0.1:1").Send(ctx, Request{Message: "hi"})
	require.False(t, res.OK())
	require.Equal(t, FailureAborted, res.Failure.Kind)
}

func TestClientSend_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	res := NewClient(url).Send(context.Background(), Request{Message: "hi"})
	require.False(t, res.OK())
	require.Equal(t, FailureTransport, res.Failure.Kind)
}

func TestClientSend_FallbackTimestamp(t *testing.T) {
	now := time.Date(2030, 1, 2, 3, 4, 5, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"reply":"ok","timestamp":"yesterday-ish"}`))
	}))
	defer srv.Close()

	res := NewClient(srv.URL, WithClock(func() time.Time { return now })).Send(context.Background(), Request{Message: "hi"})
	require.True(t, res.OK())
	require.Equal(t, now, res.Reply.Timestamp)
}

func TestParseTimestamp(t *testing.T) {
	want := time.Date(2025, 3, 1, 9, 30, 0, 500000000, time.UTC)
	for _, in := range []string{
		"2025-03-01T09:30:00.5Z",
		"2025-03-01T09:30:00.500000",
		"2025-03-01 09:30:00.5+00:00",
		"2025-03-01T11:30:00.5+02:00",
	} {
		got, ok := ParseTimestamp(in)
		require.True(t, ok, in)
		require.True(t, want.Equal(got), "%s parsed as %s", in, got)
	}
	_, ok := ParseTimestamp("")
	require.False(t, ok)
}

func TestFromError(t *testing.T) {
	require.Equal(t, FailureTimeout, FromError(context.DeadlineExceeded, FailureUnknown).Failure.Kind)
	require.Equal(t, FailureAborted, FromError(context.Canceled, FailureUnknown).Failure.Kind)
	require.Equal(t, FailureTransport, FromError(errors.New("x"), FailureTransport).Failure.Kind)

	orig := &Failure{Kind: FailureHTTP, StatusCode: 500}
	require.Same(t, orig, FromError(orig, FailureUnknown).Failure)
}
