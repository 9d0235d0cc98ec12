package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teilomillet/chatgate/cache"
	"github.com/teilomillet/chatgate/clock"
	"github.com/teilomillet/chatgate/gate"
	"github.com/teilomillet/chatgate/history"
	"github.com/teilomillet/chatgate/ratelimit"
	"github.com/teilomillet/chatgate/session"
	"github.com/teilomillet/chatgate/types"
	"github.com/teilomillet/chatgate/utils"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func init() {
	gin.SetMode(gin.TestMode)
}

type testServer struct {
	*Server[*EchoConversation]
	gate  *gate.Gate[*EchoConversation]
	clock *clock.FakeClock
}

func newTestGate[H any](t *testing.T, clk *clock.FakeClock, rl ratelimit.Config) *gate.Gate[H] {
	t.Helper()
	g := gate.New(gate.Deps[H]{
		Limiter:   ratelimit.New(rl, ratelimit.WithClock(clk)),
		Sessions:  session.NewStore[H](session.Config{}, session.WithClock(clk)),
		Trimmer:   history.NewTrimmer(0, 0, nil),
		Responses: gate.NewResponseCache(10, time.Hour, cache.WithClock[string](clk)),
		Clock:     clk,
	})
	t.Cleanup(g.Close)
	return g
}

func newTestServer(t *testing.T, rl ratelimit.Config, responder Responder[*EchoConversation]) *testServer {
	t.Helper()
	clk := clock.Fake(epoch)
	g := newTestGate[*EchoConversation](t, clk, rl)
	if responder == nil {
		responder = EchoResponder{}
	}
	return &testServer{Server: New(":0", g, responder, nil), gate: g, clock: clk}
}

func (ts *testServer) do(method, path, user, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set(UserIDHeader, user)
	}
	w := httptest.NewRecorder()
	ts.Handler().ServeHTTP(w, req)
	return w
}

func (ts *testServer) chat(user, body string) *httptest.ResponseRecorder {
	w := ts.do(http.MethodPost, "/api/v1/chat", user, body)
	ts.clock.Advance(time.Second)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, ratelimit.Config{}, nil)
	w := ts.do(http.MethodGet, "/api/v1/health", "", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"healthy"}`, w.Body.String())
}

func TestChat(t *testing.T) {
	ts := newTestServer(t, ratelimit.Config{}, nil)

	w := ts.chat("alice", `{"message":"hello"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "9", w.Header().Get("X-RateLimit-Remaining"))
	first := decode[ChatResponse](t, w)
	assert.Equal(t, "echo: hello", first.Reply)
	assert.NotEmpty(t, first.SessionID)
	assert.Equal(t, 1, first.MessageCount)
	assert.False(t, first.Cached)

	w = ts.chat("alice", `{"message":"again"}`)
	require.Equal(t, http.StatusOK, w.Code)
	second := decode[ChatResponse](t, w)
	assert.Equal(t, first.SessionID, second.SessionID)
	assert.Equal(t, 2, second.MessageCount)

	data, ok := ts.gate.Session("alice")
	require.True(t, ok)
	require.Len(t, data.History, 4)
	assert.Equal(t, types.RoleModel, data.History[3].Role)
	assert.Equal(t, "echo: again", data.History[3].Text())
}

func TestChatSeedsNewSessionFromHistory(t *testing.T) {
	ts := newTestServer(t, ratelimit.Config{}, nil)

	body := `{"message":"next","history":[
		{"role":"user","parts":[{"text":"hi"}]},
		{"role":"system","parts":[{"text":"dropped"}]},
		{"role":"model","parts":[{"text":"hello"}]}
	]}`
	w := ts.chat("bob", body)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.False(t, decode[ChatResponse](t, w).Cached)

	data, ok := ts.gate.Session("bob")
	require.True(t, ok)
	assert.Equal(t, 2, data.Handle.Seeded)
	assert.Len(t, data.History, 4)
}

func TestChatMalformedHistoryIsIgnored(t *testing.T) {
	ts := newTestServer(t, ratelimit.Config{}, nil)
	w := ts.chat("bob", `{"message":"hi","history":"not a list"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestChatServesFreshPromptsFromCache(t *testing.T) {
	ts := newTestServer(t, ratelimit.Config{}, nil)

	require.Equal(t, http.StatusOK, ts.chat("a", `{"message":"What is Go?"}`).Code)
	w := ts.chat("b", `{"message":"what is go?"}`)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[ChatResponse](t, w)
	assert.True(t, resp.Cached)
	assert.Equal(t, "echo: What is Go?", resp.Reply)
	assert.Equal(t, 1, resp.MessageCount)

	// a conversation with history is never answered from the cache
	w = ts.chat("b", `{"message":"What is Go?"}`)
	assert.False(t, decode[ChatResponse](t, w).Cached)
}

func TestChatRateLimited(t *testing.T) {
	ts := newTestServer(t, ratelimit.Config{MaxTokens: 1, RefillRate: 0.01}, nil)

	require.Equal(t, http.StatusOK, ts.chat("alice", `{"message":"hello"}`).Code)

	w := ts.chat("alice", `{"message":"hello"}`)
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))
	resp := decode[ErrorResponse](t, w)
	assert.Equal(t, "RateLimitError", resp.Type)
	assert.Greater(t, resp.RetryAfter, 0)

	data, ok := ts.gate.Session("alice")
	require.True(t, ok)
	assert.Equal(t, 1, data.MessageCount, "a rejected request must not reach the session")

	// another caller is unaffected
	assert.Equal(t, http.StatusOK, ts.chat("bob", `{"message":"hello"}`).Code)
}

func TestChatBurstIsRejected(t *testing.T) {
	ts := newTestServer(t, ratelimit.Config{}, nil)

	require.Equal(t, http.StatusOK, ts.do(http.MethodPost, "/api/v1/chat", "alice", `{"message":"a"}`).Code)
	w := ts.do(http.MethodPost, "/api/v1/chat", "alice", `{"message":"b"}`)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))
}

func TestChatKeysByClientIPWithoutUserHeader(t *testing.T) {
	ts := newTestServer(t, ratelimit.Config{MaxTokens: 1, RefillRate: 0.01}, nil)

	send := func(remote string) int {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/chat", strings.NewReader(`{"message":"x"}`))
		req.RemoteAddr = remote
		w := httptest.NewRecorder()
		ts.Handler().ServeHTTP(w, req)
		ts.clock.Advance(time.Second)
		return w.Code
	}

	assert.Equal(t, http.StatusOK, send("192.0.2.1:1000"))
	assert.Equal(t, http.StatusTooManyRequests, send("192.0.2.1:2000"))
	assert.Equal(t, http.StatusOK, send("192.0.2.2:1000"))
}

func TestChatIgnoresForwardedForFromUntrustedClients(t *testing.T) {
	ts := newTestServer(t, ratelimit.Config{MaxTokens: 1, RefillRate: 0.01}, nil)

	send := func(forwardedFor string) int {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/chat", strings.NewReader(`{"message":"x"}`))
		req.Header.Set("X-Forwarded-For", forwardedFor)
		w := httptest.NewRecorder()
		ts.Handler().ServeHTTP(w, req)
		ts.clock.Advance(time.Second)
		return w.Code
	}

	assert.Equal(t, http.StatusOK, send("203.0.113.1"))
	assert.Equal(t, http.StatusTooManyRequests, send("203.0.113.2"), "a spoofed header must not mint a new key")

	require.NoError(t, ts.SetTrustedProxies([]string{"192.0.2.1"}))
	assert.Equal(t, http.StatusOK, send("203.0.113.3"), "a trusted proxy forwards the real client address")
	assert.Equal(t, http.StatusTooManyRequests, send("203.0.113.3"))
}

func TestChatInvalidRequest(t *testing.T) {
	ts := newTestServer(t, ratelimit.Config{}, nil)

	for name, body := range map[string]string{
		"missing message": `{"history":[]}`,
		"not json":        `{`,
	} {
		t.Run(name, func(t *testing.T) {
			w := ts.chat("alice-"+name, body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Equal(t, "InvalidInputError", decode[ErrorResponse](t, w).Type)
		})
	}
}

type failingResponder struct {
	newErr   error
	replyErr error
}

func (f failingResponder) NewConversation(h []types.Turn) (*EchoConversation, error) {
	if f.newErr != nil {
		return nil, f.newErr
	}
	return EchoResponder{}.NewConversation(h)
}

func (f failingResponder) Reply(ctx context.Context, c *EchoConversation, msg string) (string, error) {
	if f.replyErr != nil {
		return "", f.replyErr
	}
	return EchoResponder{}.Reply(ctx, c, msg)
}

func TestChatUpstreamFailures(t *testing.T) {
	t.Run("conversation cannot be created", func(t *testing.T) {
		ts := newTestServer(t, ratelimit.Config{}, failingResponder{newErr: errors.New("no quota")})
		w := ts.chat("alice", `{"message":"hi"}`)
		assert.Equal(t, http.StatusBadGateway, w.Code)
		assert.Equal(t, "UpstreamError", decode[ErrorResponse](t, w).Type)
		_, ok := ts.gate.Session("alice")
		assert.False(t, ok)
	})

	t.Run("reply fails", func(t *testing.T) {
		ts := newTestServer(t, ratelimit.Config{}, failingResponder{replyErr: errors.New("timeout")})
		w := ts.chat("alice", `{"message":"hi"}`)
		assert.Equal(t, http.StatusBadGateway, w.Code)

		data, ok := ts.gate.Session("alice")
		require.True(t, ok)
		assert.Empty(t, data.History, "a failed exchange is not recorded")
		_, cached := ts.gate.CachedResponse("hi")
		assert.False(t, cached)
	})
}

func TestEndSession(t *testing.T) {
	ts := newTestServer(t, ratelimit.Config{}, nil)
	require.Equal(t, http.StatusOK, ts.chat("alice", `{"message":"hi"}`).Code)

	w := ts.do(http.MethodDelete, "/api/v1/session", "alice", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"deleted":true}`, w.Body.String())

	w = ts.do(http.MethodDelete, "/api/v1/session", "alice", "")
	assert.JSONEq(t, `{"deleted":false}`, w.Body.String())
}

func TestStats(t *testing.T) {
	ts := newTestServer(t, ratelimit.Config{}, nil)
	require.Equal(t, http.StatusOK, ts.chat("alice", `{"message":"hi"}`).Code)

	w := ts.do(http.MethodGet, "/api/v1/stats", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	stats := decode[gate.Stats](t, w)
	assert.Equal(t, 1, stats.RateLimit.ActiveUsers)
	assert.Equal(t, 1, stats.Sessions.ActiveSessions)
	require.NotNil(t, stats.Responses)
	assert.Equal(t, 1, stats.Responses.Entries)
}

func TestSchema(t *testing.T) {
	ts := newTestServer(t, ratelimit.Config{}, nil)
	w := ts.do(http.MethodGet, "/api/v1/schema", "", "")
	require.Equal(t, http.StatusOK, w.Code)

	var schema map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &schema))
	body := w.Body.String()
	assert.Contains(t, body, `"message"`)
	assert.Contains(t, body, `"history"`)
	assert.Contains(t, body, `"role"`)
}

func TestRunShutsDownOnCancel(t *testing.T) {
	ts := newTestServer(t, ratelimit.Config{}, nil)
	ts.addr = "127.0.0.1:0"

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ts.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

// transcript is a stateful conversation: it remembers every turn it has
// been seeded with or has answered.
type transcript struct {
	turns []types.Turn
}

type transcriptResponder struct {
	onReply func()
}

func (transcriptResponder) NewConversation(h []types.Turn) (*transcript, error) {
	return &transcript{turns: append([]types.Turn{}, h...)}, nil
}

func (r transcriptResponder) Reply(_ context.Context, c *transcript, message string) (string, error) {
	if r.onReply != nil {
		r.onReply()
	}
	reply := "re: " + message
	c.turns = append(c.turns, types.UserTurn(message), types.ModelTurn(reply))
	return reply, nil
}

func chatAs[H any](t *testing.T, srv *Server[H], clk *clock.FakeClock, user, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/chat", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(UserIDHeader, user)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	clk.Advance(time.Second)
	return w
}

func TestCachedReplyKeepsConversationInSync(t *testing.T) {
	clk := clock.Fake(epoch)
	g := newTestGate[*transcript](t, clk, ratelimit.Config{})
	srv := New(":0", g, transcriptResponder{}, nil)

	require.Equal(t, http.StatusOK, chatAs(t, srv, clk, "a", `{"message":"What is Go?"}`).Code)

	w := chatAs(t, srv, clk, "b", `{"message":"What is Go?"}`)
	require.Equal(t, http.StatusOK, w.Code)
	require.True(t, decode[ChatResponse](t, w).Cached)

	for _, user := range []string{"a", "b"} {
		data, ok := g.Session(user)
		require.True(t, ok)
		assert.Equal(t, data.History, data.Handle.turns, user)
	}

	w = chatAs(t, srv, clk, "b", `{"message":"And Rust?"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, decode[ChatResponse](t, w).Cached)

	data, ok := g.Session("b")
	require.True(t, ok)
	require.Len(t, data.History, 4)
	assert.Equal(t, data.History, data.Handle.turns)
}

func TestChatLogsExchangeLostToEndedSession(t *testing.T) {
	clk := clock.Fake(epoch)
	g := newTestGate[*transcript](t, clk, ratelimit.Config{})
	logger := utils.NewMockLogger()
	srv := New(":0", g, transcriptResponder{onReply: func() { g.End("alice") }}, logger)

	w := chatAs(t, srv, clk, "alice", `{"message":"hi"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 0, decode[ChatResponse](t, w).MessageCount)
	assert.Contains(t, logger.Messages("Warn"), "Session ended before the exchange was recorded")
}
