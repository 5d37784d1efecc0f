package channel

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"coderun/internal/bus"
	"coderun/internal/config"
	"coderun/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

// answerBus answers every published message synchronously through the
// registered outbound handler. A nil reply function never answers.
type answerBus struct {
	mu        sync.Mutex
	reply     func(domain.InboundMessage) domain.OutboundMessage
	published []domain.InboundMessage
	handlers  map[string]func(domain.OutboundMessage)
}

func newAnswerBus(reply func(domain.InboundMessage) domain.OutboundMessage) *answerBus {
	return &answerBus{reply: reply, handlers: make(map[string]func(domain.OutboundMessage))}
}

func (b *answerBus) Publish(msg domain.InboundMessage) {
	b.mu.Lock()
	b.published = append(b.published, msg)
	h := b.handlers[msg.Channel]
	b.mu.Unlock()
	if b.reply == nil || h == nil {
		return
	}
	out := b.reply(msg)
	out.Channel = msg.Channel
	out.ChatID = msg.ChatID
	h(out)
}

func (b *answerBus) Subscribe() <-chan domain.InboundMessage { return nil }
func (b *answerBus) SendOutbound(msg domain.OutboundMessage) {}
func (b *answerBus) OnOutbound(name string, h func(domain.OutboundMessage)) {
	b.mu.Lock()
	b.handlers[name] = h
	b.mu.Unlock()
}
func (b *answerBus) Close() {}

func (b *answerBus) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.published)
}

func (b *answerBus) last() domain.InboundMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.published[len(b.published)-1]
}

type fakeCatalog struct {
	models []string
}

func (c fakeCatalog) Models() []string     { return c.models }
func (c fakeCatalog) DefaultModel() string { return c.models[0] }
func (c fakeCatalog) ResolveModel(name string) (string, error) {
	if name == "" {
		return c.models[0], nil
	}
	for _, m := range c.models {
		if m == name {
			return name, nil
		}
	}
	return "", fmt.Errorf("unknown model: %s", name)
}

type fakeRunStore struct {
	runs []domain.Run
}

func (s *fakeRunStore) SaveRun(ctx context.Context, run domain.Run) error {
	s.runs = append(s.runs, run)
	return nil
}

func (s *fakeRunStore) GetRun(ctx context.Context, id string) (*domain.Run, error) {
	for i := range s.runs {
		if s.runs[i].ID == id {
			return &s.runs[i], nil
		}
	}
	return nil, nil
}

func (s *fakeRunStore) ListRuns(ctx context.Context, limit int) ([]domain.Run, error) {
	if limit > len(s.runs) {
		limit = len(s.runs)
	}
	return s.runs[:limit], nil
}

func (s *fakeRunStore) PurgeBefore(ctx context.Context, t time.Time) (int64, error) { return 0, nil }
func (s *fakeRunStore) LogAudit(ctx context.Context, e domain.AuditEntry) error    { return nil }
func (s *fakeRunStore) Close() error                                              { return nil }

var testModels = fakeCatalog{models: []string{"llama3-8b-8192", "mixtral-8x7b-32768"}}

func successReply(msg domain.InboundMessage) domain.OutboundMessage {
	return domain.OutboundMessage{
		RunID:     "run-1",
		Query:     msg.Content,
		Model:     msg.Model,
		Generated: "print(sum(range(10)))",
		Code:      "print(45)",
	}
}

func newTestWeb(t *testing.T, bus *answerBus, mutate func(*WebConfig)) *Web {
	t.Helper()
	cfg := WebConfig{
		Logger:  testLogger(),
		Config:  &config.Config{},
		Catalog: testModels,
		Version: "0.1.0",
	}
	if mutate != nil {
		mutate(&cfg)
	}
	w := NewWeb(cfg)
	w.SetBus(bus)
	return w
}

func serve(w *Web, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	w.Handler().ServeHTTP(rec, req)
	return rec
}

func postForm(values url.Values) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(values.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req
}

func postJSON(path string, v any) *http.Request {
	data, _ := json.Marshal(v)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func TestIndex_RendersForm(t *testing.T) {
	w := newTestWeb(t, newAnswerBus(successReply), nil)

	rec := serve(w, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{
		"<title>Generate and Run Code</title>",
		"Agent with Code Interpreter",
		"About App",
		"Enter your query:",
		"Submit",
		`<option value="llama3-8b-8192" selected>`,
		`<option value="mixtral-8x7b-32768">`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("page should contain %q", want)
		}
	}
	if strings.Contains(body, "Response:") {
		t.Error("empty form should not render a result")
	}
}

func TestSubmit_EmptyQueryWarns(t *testing.T) {
	bus := newAnswerBus(successReply)
	w := newTestWeb(t, bus, nil)

	rec := serve(w, postForm(url.Values{"query": {"   "}}))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "Please enter a query.") {
		t.Errorf("expected warning, got %s", rec.Body.String())
	}
	if bus.count() != 0 {
		t.Errorf("empty query should not be published, got %d", bus.count())
	}
}

func TestSubmit_RendersResponseAndCode(t *testing.T) {
	bus := newAnswerBus(successReply)
	w := newTestWeb(t, bus, nil)

	rec := serve(w, postForm(url.Values{"query": {"add the numbers below ten"}, "model": {"mixtral-8x7b-32768"}}))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{"Response:", "Code:", "run-1", "45"} {
		if !strings.Contains(body, want) {
			t.Errorf("result should contain %q", want)
		}
	}
	if strings.Index(body, "Response:") > strings.Index(body, "Code:") {
		t.Error("Response should come before Code")
	}

	msg := bus.last()
	if msg.Channel != "web" {
		t.Errorf("Channel: got %q", msg.Channel)
	}
	if msg.Content != "add the numbers below ten" {
		t.Errorf("Content: got %q", msg.Content)
	}
	if msg.Model != "mixtral-8x7b-32768" {
		t.Errorf("Model: got %q", msg.Model)
	}
	if !strings.HasPrefix(msg.ChatID, "web_") {
		t.Errorf("ChatID: got %q", msg.ChatID)
	}
}

func TestSubmit_RendersError(t *testing.T) {
	bus := newAnswerBus(func(domain.InboundMessage) domain.OutboundMessage {
		return domain.OutboundMessage{Error: "LLM error: boom", Kind: domain.FailureError}
	})
	w := newTestWeb(t, bus, nil)

	rec := serve(w, postForm(url.Values{"query": {"hello"}}))
	body := rec.Body.String()
	if !strings.Contains(body, "An error occurred: LLM error: boom") {
		t.Errorf("expected error message, got %s", body)
	}
	if strings.Contains(body, "Response:") {
		t.Error("failed query should not render a result")
	}
}

func TestAPIQuery_Success(t *testing.T) {
	w := newTestWeb(t, newAnswerBus(successReply), nil)

	rec := serve(w, postJSON("/api/query", queryRequest{Query: "sum"}))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp queryResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.RunID != "run-1" || resp.Code != "print(45)" || resp.Generated != "print(sum(range(10)))" {
		t.Errorf("unexpected response: %+v", resp)
	}
	if resp.Model != "llama3-8b-8192" {
		t.Errorf("empty model should resolve to the default, got %q", resp.Model)
	}
}

func TestAPIQuery_RejectsBadInput(t *testing.T) {
	bus := newAnswerBus(successReply)
	w := newTestWeb(t, bus, nil)

	cases := []struct {
		name string
		req  *http.Request
	}{
		{"empty query", postJSON("/api/query", queryRequest{Query: " "})},
		{"unknown model", postJSON("/api/query", queryRequest{Query: "x", Model: "gpt-9"})},
		{"bad json", httptest.NewRequest(http.MethodPost, "/api/query", strings.NewReader("{"))},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := serve(w, tc.req)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d: %s", rec.Code, rec.Body.String())
			}
			if !strings.Contains(rec.Body.String(), `"error"`) {
				t.Errorf("expected error body, got %s", rec.Body.String())
			}
		})
	}
	if bus.count() != 0 {
		t.Errorf("rejected requests should not be published, got %d", bus.count())
	}
}

func TestAPIQuery_FailureStatus(t *testing.T) {
	cases := []struct {
		kind string
		want int
	}{
		{domain.FailureInvalid, http.StatusBadRequest},
		{domain.FailureTimeout, http.StatusGatewayTimeout},
		{domain.FailureError, http.StatusBadGateway},
	}
	for _, tc := range cases {
		t.Run(tc.kind, func(t *testing.T) {
			bus := newAnswerBus(func(domain.InboundMessage) domain.OutboundMessage {
				return domain.OutboundMessage{Error: "failed", Kind: tc.kind}
			})
			w := newTestWeb(t, bus, nil)
			rec := serve(w, postJSON("/api/query", queryRequest{Query: "x"}))
			if rec.Code != tc.want {
				t.Errorf("expected %d, got %d", tc.want, rec.Code)
			}
		})
	}
}

func TestAPIQuery_TimesOutWithoutResult(t *testing.T) {
	w := newTestWeb(t, newAnswerBus(nil), func(c *WebConfig) {
		c.RequestTimeout = 20 * time.Millisecond
	})

	rec := serve(w, postJSON("/api/query", queryRequest{Query: "x"}))
	if rec.Code != http.StatusGatewayTimeout {
		t.Errorf("expected 504, got %d", rec.Code)
	}

	w.pendingMu.Lock()
	n := len(w.pending)
	w.pendingMu.Unlock()
	if n != 0 {
		t.Errorf("pending requests should be cleaned up, got %d", n)
	}
}

func TestRuns(t *testing.T) {
	store := &fakeRunStore{runs: []domain.Run{
		{ID: "b", Query: "second", Code: "print(2)"},
		{ID: "a", Query: "first", Code: "print(1)"},
	}}
	w := newTestWeb(t, newAnswerBus(successReply), func(c *WebConfig) { c.Store = store })

	rec := serve(w, httptest.NewRequest(http.MethodGet, "/api/runs?limit=1", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var runs []domain.Run
	if err := json.Unmarshal(rec.Body.Bytes(), &runs); err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 || runs[0].ID != "b" {
		t.Errorf("unexpected runs: %+v", runs)
	}

	rec = serve(w, httptest.NewRequest(http.MethodGet, "/api/runs/a", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "print(1)") {
		t.Errorf("get run: %d %s", rec.Code, rec.Body.String())
	}

	rec = serve(w, httptest.NewRequest(http.MethodGet, "/api/runs/missing", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for missing run, got %d", rec.Code)
	}

	rec = serve(w, httptest.NewRequest(http.MethodGet, "/api/runs?limit=zero", nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad limit, got %d", rec.Code)
	}
}

func TestRuns_DisabledWithoutStore(t *testing.T) {
	w := newTestWeb(t, newAnswerBus(successReply), nil)
	rec := serve(w, httptest.NewRequest(http.MethodGet, "/api/runs", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestModels(t *testing.T) {
	w := newTestWeb(t, newAnswerBus(successReply), nil)
	rec := serve(w, httptest.NewRequest(http.MethodGet, "/api/models", nil))

	var resp struct {
		Default string   `json:"default"`
		Models  []string `json:"models"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Default != "llama3-8b-8192" || len(resp.Models) != 2 {
		t.Errorf("unexpected models: %+v", resp)
	}
}

func TestStatus_ReturnsJSON(t *testing.T) {
	w := newTestWeb(t, newAnswerBus(nil), nil)

	rec := serve(w, httptest.NewRequest(http.MethodGet, "/status", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if !strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		t.Errorf("expected application/json, got %s", rec.Header().Get("Content-Type"))
	}
	if !strings.Contains(rec.Body.String(), `"status":"ok"`) {
		t.Errorf("body should contain status: %s", rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "0.1.0") {
		t.Errorf("body should contain version: %s", rec.Body.String())
	}
}

func TestStatus_ListsRecentFailures(t *testing.T) {
	events := bus.NewEventBus(testLogger())
	events.Emit(bus.Event{
		Type:      bus.EventQueryFailed,
		Payload:   map[string]any{"run_id": "stale", "channel": "web", "error": "old"},
		Timestamp: time.Now().Add(-2 * failureWindow),
	})
	events.Emit(bus.Event{Type: bus.EventQueryCompleted, Payload: map[string]any{"run_id": "ok"}})
	events.Emit(bus.Event{Type: bus.EventQueryFailed, Payload: map[string]any{"run_id": "r1", "channel": "telegram", "error": "LLM error: 503"}})
	events.Emit(bus.Event{Type: bus.EventQueryFailed, Payload: map[string]any{"run_id": "r2", "channel": "web", "error": "run tools: sandbox down"}})

	w := newTestWeb(t, newAnswerBus(nil), func(c *WebConfig) { c.Events = events })
	rec := serve(w, httptest.NewRequest(http.MethodGet, "/status", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var body struct {
		RecentFailures []failureView `json:"recent_failures"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if len(body.RecentFailures) != 2 {
		t.Fatalf("expected 2 recent failures, got %+v", body.RecentFailures)
	}
	if body.RecentFailures[0].RunID != "r2" || body.RecentFailures[1].RunID != "r1" {
		t.Errorf("expected newest first, got %+v", body.RecentFailures)
	}
	if body.RecentFailures[1].Channel != "telegram" || body.RecentFailures[1].Error != "LLM error: 503" {
		t.Errorf("unexpected failure: %+v", body.RecentFailures[1])
	}
}

func TestStatus_NoEventBus(t *testing.T) {
	w := newTestWeb(t, newAnswerBus(nil), nil)
	rec := serve(w, httptest.NewRequest(http.MethodGet, "/status", nil))
	if !strings.Contains(rec.Body.String(), `"recent_failures":[]`) {
		t.Errorf("expected empty failure list: %s", rec.Body.String())
	}
}

func TestMetrics_ServedWhenConfigured(t *testing.T) {
	metrics := http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		_, _ = rw.Write([]byte("coderun_queries_total 1\n"))
	})
	w := newTestWeb(t, newAnswerBus(nil), func(c *WebConfig) { c.Metrics = metrics })

	rec := serve(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "coderun_queries_total") {
		t.Errorf("metrics: %d %s", rec.Code, rec.Body.String())
	}

	plain := newTestWeb(t, newAnswerBus(nil), nil)
	rec = serve(plain, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code == http.StatusOK {
		t.Error("metrics should not be served without a handler")
	}
}

func TestBasicAuth(t *testing.T) {
	sum := sha256.Sum256([]byte("secret"))
	cfg := &config.Config{}
	cfg.Channels.Web.Auth = config.WebAuth{Enabled: true, Username: "admin", PasswordHash: hex.EncodeToString(sum[:])}
	w := newTestWeb(t, newAnswerBus(successReply), func(c *WebConfig) { c.Config = cfg })

	rec := serve(w, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without credentials, got %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.SetBasicAuth("admin", "wrong")
	if rec := serve(w, req); rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 with wrong password, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.SetBasicAuth("admin", "secret")
	if rec := serve(w, req); rec.Code != http.StatusOK {
		t.Errorf("expected 200 with credentials, got %d", rec.Code)
	}

	if rec := serve(w, httptest.NewRequest(http.MethodGet, "/status", nil)); rec.Code != http.StatusOK {
		t.Errorf("status should stay public, got %d", rec.Code)
	}
}

func TestConfig_MasksSecrets(t *testing.T) {
	cfg := config.Defaults()
	cfg.Tools.Toolhouse.APIKey = "th-very-secret-key"
	w := newTestWeb(t, newAnswerBus(nil), func(c *WebConfig) { c.Config = cfg })

	rec := serve(w, httptest.NewRequest(http.MethodGet, "/api/config", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "th-very-secret-key") {
		t.Error("config response leaks the toolhouse key")
	}
}

func TestHighlightCode(t *testing.T) {
	out := string(highlightCode("print('<b>')", "python"))
	if !strings.Contains(out, "<pre") {
		t.Errorf("expected a pre block, got %s", out)
	}
	if strings.Contains(out, "<b>") {
		t.Errorf("source should be escaped, got %s", out)
	}
}
