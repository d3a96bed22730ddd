package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ts03085781/silent-letter/internal/apperror"
	"github.com/ts03085781/silent-letter/internal/events"
	"github.com/ts03085781/silent-letter/internal/identity"
	"github.com/ts03085781/silent-letter/internal/ratelimit"
	"github.com/ts03085781/silent-letter/internal/repository"
	"github.com/ts03085781/silent-letter/internal/repository/memstore"
	"github.com/ts03085781/silent-letter/internal/services"
	"github.com/ts03085781/silent-letter/internal/session"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var handlePattern = regexp.MustCompile(`^[A-Z][a-z]+[A-Z][a-z]+[1-9][0-9]{0,2}$`)

type allowAll struct{}

func (allowAll) Allow(_ context.Context, p ratelimit.Policy, _ string) (ratelimit.Decision, error) {
	return ratelimit.Decision{Allowed: true, Limit: p.MaxRequests, Remaining: p.MaxRequests}, nil
}

type testServer struct {
	t      *testing.T
	store  *repository.Store
	hub    *services.WSHub
	router http.Handler
}

func newTestServer(t *testing.T, limiter ratelimit.Limiter) *testServer {
	t.Helper()

	store := memstore.NewStore()
	tokens, err := session.NewManager("handler-test-secret", 0)
	require.NoError(t, err)

	hub := services.NewWSHub()
	t.Cleanup(hub.Close)

	users := services.NewUserService(store.Users, tokens, identity.NewGenerator(), time.UTC)
	messages := services.NewMessageService(store.Users, store.Messages, events.NewLocalBus(hub))

	return &testServer{
		t:     t,
		store: store,
		hub:   hub,
		router: NewRouter(RouterDeps{
			Users:    users,
			Messages: messages,
			Tokens:   tokens,
			Limiter:  limiter,
			Hub:      hub,
			Ping:     store.Ping,
		}),
	}
}

type client struct {
	ID          string
	AnonymousID string
	Token       string
}

func (s *testServer) do(method, path, token string, body any) *httptest.ResponseRecorder {
	s.t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(s.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.AddCookie(&http.Cookie{Name: session.CookieName, Value: token})
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) register(ip string) client {
	s.t.Helper()

	req := httptest.NewRequest(http.MethodPost, "/api/auth/register", nil)
	req.Header.Set("X-Forwarded-For", ip)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	require.Equal(s.t, http.StatusOK, rec.Code, rec.Body.String())

	var body struct {
		User struct {
			ID          string `json:"id"`
			AnonymousID string `json:"anonymousId"`
		} `json:"user"`
	}
	decode(s.t, rec, &body)

	c := client{ID: body.User.ID, AnonymousID: body.User.AnonymousID}
	for _, cookie := range rec.Result().Cookies() {
		if cookie.Name == session.CookieName {
			c.Token = cookie.Value
		}
	}
	require.NotEmpty(s.t, c.Token)
	return c
}

func (s *testServer) points(userID string) int {
	s.t.Helper()
	u, err := s.store.Users.GetByID(context.Background(), userID)
	require.NoError(s.t, err)
	return u.Points
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, dst any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), dst), rec.Body.String())
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) apperror.Code {
	t.Helper()
	var body ErrorResponse
	decode(t, rec, &body)
	return body.Code
}

type listedMessage struct {
	ID                string `json:"id"`
	SenderID          string `json:"senderId"`
	SenderAnonymousID string `json:"senderAnonymousId"`
	Content           string `json:"content"`
	IsRead            bool   `json:"isRead"`
	Replies           []struct {
		Content string `json:"content"`
	} `json:"replies"`
}

type listing struct {
	Success       bool            `json:"success"`
	Messages      []listedMessage `json:"messages"`
	HasMore       bool            `json:"hasMore"`
	CurrentPage   int             `json:"currentPage"`
	TotalMessages int64           `json:"totalMessages"`
}

func (s *testServer) list(path, token string) listing {
	s.t.Helper()
	rec := s.do(http.MethodGet, path, token, nil)
	require.Equal(s.t, http.StatusOK, rec.Code, rec.Body.String())
	var l listing
	decode(s.t, rec, &l)
	return l
}

func TestRegister(t *testing.T) {
	s := newTestServer(t, ratelimit.NewMemoryStore(100))

	req := httptest.NewRequest(http.MethodPost, "/api/auth/register", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body struct {
		Success bool `json:"success"`
		User    struct {
			ID          string `json:"id"`
			AnonymousID string `json:"anonymousId"`
			Points      int    `json:"points"`
			CreatedAt   string `json:"createdAt"`
		} `json:"user"`
		Message string `json:"message"`
	}
	decode(t, rec, &body)
	assert.True(t, body.Success)
	assert.Equal(t, 10, body.User.Points)
	assert.Regexp(t, handlePattern, body.User.AnonymousID)
	assert.NotEmpty(t, body.User.CreatedAt)
	assert.Equal(t, "Anonymous user registered successfully", body.Message)

	var cookie *http.Cookie
	for _, c := range rec.Result().Cookies() {
		if c.Name == session.CookieName {
			cookie = c
		}
	}
	require.NotNil(t, cookie)
	assert.True(t, cookie.HttpOnly)
	assert.Equal(t, http.SameSiteStrictMode, cookie.SameSite)
	assert.Equal(t, "/", cookie.Path)
	assert.Equal(t, 2592000, cookie.MaxAge)
}

func TestRegisterRateLimitedPerAddress(t *testing.T) {
	s := newTestServer(t, ratelimit.NewMemoryStore(100))

	for i := 0; i < 3; i++ {
		s.register("203.0.113.9")
	}

	req := httptest.NewRequest(http.MethodPost, "/api/auth/register", nil)
	req.Header.Set("X-Forwarded-For", "203.0.113.9")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, apperror.CodeRateLimitExceeded, errorCode(t, rec))
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}

func TestSendAndReadInbox(t *testing.T) {
	s := newTestServer(t, ratelimit.NewMemoryStore(100))
	a := s.register("198.51.100.1")
	b := s.register("198.51.100.2")

	rec := s.do(http.MethodPost, "/api/messages/send", a.Token, map[string]any{"content": "hello"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var sent struct {
		Success bool `json:"success"`
		Message struct {
			ID                  string `json:"id"`
			Content             string `json:"content"`
			SentAt              string `json:"sentAt"`
			ReceiverAnonymousID string `json:"receiverAnonymousId"`
		} `json:"message"`
		NewPoints int `json:"newPoints"`
	}
	decode(t, rec, &sent)
	assert.True(t, sent.Success)
	assert.Equal(t, 7, sent.NewPoints)
	assert.Equal(t, "hello", sent.Message.Content)
	assert.Equal(t, b.AnonymousID, sent.Message.ReceiverAnonymousID)
	assert.Equal(t, 7, s.points(a.ID))

	unread := s.do(http.MethodGet, "/api/messages/unread-count", b.Token, nil)
	require.Equal(t, http.StatusOK, unread.Code)
	assert.JSONEq(t, `{"success":true,"unreadCount":1}`, unread.Body.String())

	inbox := s.list("/api/messages/inbox", b.Token)
	require.Len(t, inbox.Messages, 1)
	assert.Equal(t, "hello", inbox.Messages[0].Content)
	assert.True(t, inbox.Messages[0].IsRead)
	assert.Equal(t, a.AnonymousID, inbox.Messages[0].SenderAnonymousID)
	assert.Equal(t, 1, inbox.CurrentPage)
	assert.EqualValues(t, 1, inbox.TotalMessages)
	assert.False(t, inbox.HasMore)

	unread = s.do(http.MethodGet, "/api/messages/unread-count", b.Token, nil)
	assert.JSONEq(t, `{"success":true,"unreadCount":0}`, unread.Body.String())

	outbox := s.list("/api/messages/sent", a.Token)
	require.Len(t, outbox.Messages, 1)
	assert.Equal(t, sent.Message.ID, outbox.Messages[0].ID)
}

func TestConcurrentSendsSpendBalanceOnce(t *testing.T) {
	s := newTestServer(t, allowAll{})
	a := s.register("198.51.100.1")
	b := s.register("198.51.100.2")
	c := s.register("198.51.100.3")

	_, err := s.store.Users.DebitPoints(context.Background(), a.ID, 7)
	require.NoError(t, err)

	var wg sync.WaitGroup
	codes := make([]int, 4)
	bodies := make([]*httptest.ResponseRecorder, 4)
	for i := range codes {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec := s.do(http.MethodPost, "/api/messages/send", a.Token, map[string]any{"content": "x"})
			codes[i] = rec.Code
			bodies[i] = rec
		}(i)
	}
	wg.Wait()

	ok, rejected := 0, 0
	for i, code := range codes {
		switch code {
		case http.StatusOK:
			ok++
		case http.StatusBadRequest:
			rejected++
			assert.Equal(t, apperror.CodeInsufficientPoints, errorCode(t, bodies[i]))
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 3, rejected)
	assert.Equal(t, 0, s.points(a.ID))

	delivered := len(s.list("/api/messages/inbox", b.Token).Messages) + len(s.list("/api/messages/inbox", c.Token).Messages)
	assert.Equal(t, 1, delivered)
}

func TestReplies(t *testing.T) {
	s := newTestServer(t, ratelimit.NewMemoryStore(100))
	a := s.register("198.51.100.1")
	b := s.register("198.51.100.2")

	rec := s.do(http.MethodPost, "/api/messages/send", a.Token, map[string]any{"content": "hello"})
	require.Equal(t, http.StatusOK, rec.Code)
	var sent struct {
		Message struct {
			ID string `json:"id"`
		} `json:"message"`
	}
	decode(t, rec, &sent)

	rec = s.do(http.MethodPost, "/api/messages/reply", b.Token, map[string]any{"messageId": sent.Message.ID, "content": "hi"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var replied struct {
		Success bool `json:"success"`
		Reply   struct {
			Content   string `json:"content"`
			RepliedAt string `json:"repliedAt"`
		} `json:"reply"`
		NewPoints int    `json:"newPoints"`
		Message   string `json:"message"`
	}
	decode(t, rec, &replied)
	assert.True(t, replied.Success)
	assert.Equal(t, "hi", replied.Reply.Content)
	assert.NotEmpty(t, replied.Reply.RepliedAt)
	assert.Equal(t, 11, replied.NewPoints)
	assert.Equal(t, "Reply sent successfully and earned 1 point!", replied.Message)

	outbox := s.list("/api/messages/sent", a.Token)
	require.Len(t, outbox.Messages, 1)
	require.Len(t, outbox.Messages[0].Replies, 1)
	assert.Equal(t, "hi", outbox.Messages[0].Replies[0].Content)

	rec = s.do(http.MethodPost, "/api/messages/reply", b.Token, map[string]any{"messageId": sent.Message.ID, "content": "hi again"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 12, s.points(b.ID))
	assert.Len(t, s.list("/api/messages/sent", a.Token).Messages[0].Replies, 2)

	// The sender cannot answer their own message
	rec = s.do(http.MethodPost, "/api/messages/reply", a.Token, map[string]any{"messageId": sent.Message.ID, "content": "me too"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, apperror.CodeUnauthorizedReply, errorCode(t, rec))
	assert.Equal(t, 7, s.points(a.ID))
}

func TestMessageRequestValidation(t *testing.T) {
	s := newTestServer(t, allowAll{})
	a := s.register("198.51.100.1")
	s.register("198.51.100.2")

	tests := []struct {
		name   string
		path   string
		body   any
		raw    string
		status int
		code   apperror.Code
	}{
		{name: "empty content", path: "/api/messages/send", body: map[string]any{"content": "   "}, status: http.StatusBadRequest, code: apperror.CodeInvalidContent},
		{name: "non-string content", path: "/api/messages/send", body: map[string]any{"content": 42}, status: http.StatusBadRequest, code: apperror.CodeInvalidContent},
		{name: "missing body", path: "/api/messages/send", status: http.StatusBadRequest, code: apperror.CodeInvalidContent},
		{name: "too long", path: "/api/messages/send", body: map[string]any{"content": strings.Repeat("a", 1001)}, status: http.StatusBadRequest, code: apperror.CodeContentTooLong},
		{name: "malformed json", path: "/api/messages/send", raw: "{", status: http.StatusBadRequest, code: apperror.CodeInvalidRequest},
		{name: "bad message id", path: "/api/messages/reply", body: map[string]any{"messageId": "nope", "content": "hi"}, status: http.StatusBadRequest, code: apperror.CodeInvalidMessageID},
		{name: "missing message id", path: "/api/messages/reply", body: map[string]any{"content": "hi"}, status: http.StatusBadRequest, code: apperror.CodeInvalidMessageID},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var rec *httptest.ResponseRecorder
			if tt.raw != "" {
				req := httptest.NewRequest(http.MethodPost, tt.path, strings.NewReader(tt.raw))
				req.AddCookie(&http.Cookie{Name: session.CookieName, Value: a.Token})
				rec = httptest.NewRecorder()
				s.router.ServeHTTP(rec, req)
			} else {
				rec = s.do(http.MethodPost, tt.path, a.Token, tt.body)
			}
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			assert.Equal(t, tt.code, errorCode(t, rec))
		})
	}
	assert.Equal(t, 10, s.points(a.ID))
}

func TestDailyRewardTwice(t *testing.T) {
	s := newTestServer(t, ratelimit.NewMemoryStore(100))
	a := s.register("198.51.100.1")

	type rewardBody struct {
		Success             bool   `json:"success"`
		PointsAwarded       int    `json:"pointsAwarded"`
		AlreadyClaimed      bool   `json:"alreadyClaimed"`
		NextRewardAvailable string `json:"nextRewardAvailable"`
		User                struct {
			Points                  int `json:"points"`
			TotalDailyRewardsEarned int `json:"totalDailyRewardsEarned"`
		} `json:"user"`
	}

	rec := s.do(http.MethodPost, "/api/auth/daily-reward", a.Token, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var first rewardBody
	decode(t, rec, &first)
	assert.True(t, first.Success)
	assert.Equal(t, 10, first.PointsAwarded)
	assert.Equal(t, 20, first.User.Points)
	assert.Equal(t, 1, first.User.TotalDailyRewardsEarned)
	assert.NotEmpty(t, first.NextRewardAvailable)

	rec = s.do(http.MethodPost, "/api/auth/daily-reward", a.Token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var second rewardBody
	decode(t, rec, &second)
	assert.False(t, second.Success)
	assert.True(t, second.AlreadyClaimed)
	assert.Equal(t, 20, second.User.Points)
	assert.Equal(t, 1, second.User.TotalDailyRewardsEarned)

	assert.Equal(t, 20, s.points(a.ID))
}

func TestMeGrantsDailyRewardOnce(t *testing.T) {
	s := newTestServer(t, ratelimit.NewMemoryStore(100))
	a := s.register("198.51.100.1")

	type meBody struct {
		Success bool `json:"success"`
		User    struct {
			ID                      string  `json:"id"`
			Points                  int     `json:"points"`
			TotalDailyRewardsEarned int     `json:"totalDailyRewardsEarned"`
			LastDailyRewardDate     *string `json:"lastDailyRewardDate"`
		} `json:"user"`
		DailyReward struct {
			ReceivedDailyReward bool `json:"receivedDailyReward"`
			PointsAwarded       int  `json:"pointsAwarded"`
		} `json:"dailyReward"`
	}

	rec := s.do(http.MethodGet, "/api/auth/me", a.Token, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var first meBody
	decode(t, rec, &first)
	assert.Equal(t, a.ID, first.User.ID)
	assert.True(t, first.DailyReward.ReceivedDailyReward)
	assert.Equal(t, 10, first.DailyReward.PointsAwarded)
	assert.Equal(t, 20, first.User.Points)
	assert.NotNil(t, first.User.LastDailyRewardDate)

	rec = s.do(http.MethodGet, "/api/auth/me", a.Token, nil)
	var second meBody
	decode(t, rec, &second)
	assert.False(t, second.DailyReward.ReceivedDailyReward)
	assert.Equal(t, 0, second.DailyReward.PointsAwarded)
	assert.Equal(t, 20, second.User.Points)
	assert.Equal(t, 1, second.User.TotalDailyRewardsEarned)
}

func TestLogoutClearsCookie(t *testing.T) {
	s := newTestServer(t, ratelimit.NewMemoryStore(100))
	a := s.register("198.51.100.1")

	rec := s.do(http.MethodPost, "/api/auth/logout", a.Token, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, session.CookieName, cookies[0].Name)
	assert.Empty(t, cookies[0].Value)
	assert.Less(t, cookies[0].MaxAge, 0)
}

func TestRouting(t *testing.T) {
	s := newTestServer(t, ratelimit.NewMemoryStore(100))

	tests := []struct {
		name   string
		method string
		path   string
		status int
		code   apperror.Code
	}{
		{name: "wrong method before auth", method: http.MethodGet, path: "/api/messages/send", status: http.StatusMethodNotAllowed, code: apperror.CodeMethodNotAllowed},
		{name: "wrong method on register", method: http.MethodGet, path: "/api/auth/register", status: http.StatusMethodNotAllowed, code: apperror.CodeMethodNotAllowed},
		{name: "unknown path", method: http.MethodGet, path: "/api/nothing", status: http.StatusNotFound, code: apperror.CodeNotFound},
		{name: "missing token", method: http.MethodGet, path: "/api/messages/inbox", status: http.StatusUnauthorized, code: apperror.CodeNoToken},
		{name: "bad token", method: http.MethodGet, path: "/api/auth/me", status: http.StatusUnauthorized, code: apperror.CodeInvalidToken},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			token := ""
			if tt.code == apperror.CodeInvalidToken {
				token = "not-a-token"
			}
			rec := s.do(tt.method, tt.path, token, nil)
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.code, errorCode(t, rec))
		})
	}
}

func TestHealthAndMetrics(t *testing.T) {
	s := newTestServer(t, ratelimit.NewMemoryStore(100))

	rec := s.do(http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	s.register("198.51.100.1")
	rec = s.do(http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "silent_letter_users_registered_total")
}

func TestWebSocketNotifications(t *testing.T) {
	s := newTestServer(t, ratelimit.NewMemoryStore(100))
	a := s.register("198.51.100.1")
	b := s.register("198.51.100.2")

	srv := httptest.NewServer(s.router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	header := http.Header{}
	header.Set("Authorization", "Bearer "+b.Token)
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	// The pong confirms the connection is registered with the hub
	require.NoError(t, conn.WriteJSON(services.WSMessage{Type: "ping"}))
	var frame services.WSMessage
	require.NoError(t, conn.ReadJSON(&frame))
	assert.Equal(t, "pong", frame.Type)

	rec := s.do(http.MethodPost, "/api/messages/send", a.Token, map[string]any{"content": "hello"})
	require.Equal(t, http.StatusOK, rec.Code)

	require.NoError(t, conn.ReadJSON(&frame))
	assert.Equal(t, events.TypeMessageReceived, frame.Type)
	assert.Equal(t, a.AnonymousID, frame.Data["senderAnonymousId"])
	assert.NotEmpty(t, frame.Data["messageId"])
}
