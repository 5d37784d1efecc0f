package channel

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"embed"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	htmltemplate "html/template"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"coderun/internal/agent"
	"coderun/internal/bus"
	"coderun/internal/config"
	"coderun/internal/domain"
)

const (
	maxBodySize     = 1 << 20
	requestTimeout  = 5 * time.Minute
	defaultRunLimit = 20
	maxRunLimit     = 200

	failureWindow     = time.Hour
	maxRecentFailures = 10

	pageTitle   = "Generate and Run Code"
	pageCaption = "Agent with Code Interpreter"
	aboutText   = "Ask for a task in plain language. The selected model writes Python, " +
		"the code interpreter runs it, and the model turns the output into the final answer."
)

//go:embed web_templates/*.html
var templateFS embed.FS

// Web serves the query form and the JSON API. Each request is published on
// the bus under its own chat ID and answered by the matching outbound message.
type Web struct {
	host    string
	port    int
	bus     domain.MessageBus
	logger  *slog.Logger
	server  *http.Server
	tmpl    *htmltemplate.Template
	version string
	timeout time.Duration

	catalog     agent.ModelCatalog
	store       domain.RunStore
	events      *bus.EventBus
	metrics     http.Handler
	metricsPath string
	cfg         *config.Config

	authEnabled  bool
	authUser     string
	authPassHash string

	pending   map[string]chan domain.OutboundMessage
	pendingMu sync.Mutex
}

type WebConfig struct {
	Host           string
	Port           int
	Logger         *slog.Logger
	Config         *config.Config
	Catalog        agent.ModelCatalog
	Store          domain.RunStore // optional: enables /api/runs
	Events         *bus.EventBus   // optional: recent failures on /status
	Metrics        http.Handler    // optional: served on MetricsPath
	MetricsPath    string
	Version        string
	RequestTimeout time.Duration
}

func NewWeb(cfg WebConfig) *Web {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port == 0 {
		cfg.Port = 8501
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = requestTimeout
	}

	w := &Web{
		host:        cfg.Host,
		port:        cfg.Port,
		logger:      cfg.Logger,
		tmpl:        htmltemplate.Must(htmltemplate.ParseFS(templateFS, "web_templates/*.html")),
		version:     cfg.Version,
		timeout:     cfg.RequestTimeout,
		catalog:     cfg.Catalog,
		store:       cfg.Store,
		events:      cfg.Events,
		metrics:     cfg.Metrics,
		metricsPath: cfg.MetricsPath,
		cfg:         cfg.Config,
		pending:     make(map[string]chan domain.OutboundMessage),
	}

	if cfg.Config != nil && cfg.Config.Channels.Web.Auth.Enabled {
		w.authEnabled = true
		w.authUser = cfg.Config.Channels.Web.Auth.Username
		w.authPassHash = cfg.Config.Channels.Web.Auth.PasswordHash
	}
	return w
}

func (w *Web) Name() string { return "web" }

// SetBus attaches the message bus and registers the outbound handler that
// routes results back to the waiting request.
func (w *Web) SetBus(bus domain.MessageBus) {
	w.bus = bus
	bus.OnOutbound("web", w.deliver)
}

// Start serves HTTP until ctx is cancelled.
func (w *Web) Start(ctx context.Context, bus domain.MessageBus) error {
	w.SetBus(bus)

	addr := fmt.Sprintf("%s:%d", w.host, w.port)
	w.server = &http.Server{
		Addr:              addr,
		Handler:           w.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	w.logger.Info("web UI started", "addr", "http://"+addr, "auth", w.authEnabled)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = w.server.Shutdown(shutdownCtx)
	}()

	if err := w.server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (w *Web) Stop() error {
	if w.server != nil {
		return w.server.Close()
	}
	return nil
}

// Handler returns the router with every route registered.
func (w *Web) Handler() http.Handler {
	router := mux.NewRouter()

	router.HandleFunc("/", w.requireAuth(w.handleIndex)).Methods(http.MethodGet)
	router.HandleFunc("/", w.requireAuth(w.handleSubmit)).Methods(http.MethodPost)

	api := router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/query", w.requireAuth(w.handleQuery)).Methods(http.MethodPost)
	api.HandleFunc("/runs", w.requireAuth(w.handleListRuns)).Methods(http.MethodGet)
	api.HandleFunc("/runs/{id}", w.requireAuth(w.handleGetRun)).Methods(http.MethodGet)
	api.HandleFunc("/models", w.requireAuth(w.handleModels)).Methods(http.MethodGet)
	api.HandleFunc("/config", w.requireAuth(w.handleGetConfig)).Methods(http.MethodGet)

	router.HandleFunc("/status", w.handleStatus).Methods(http.MethodGet)
	if w.metrics != nil {
		router.Handle(w.metricsPath, w.metrics).Methods(http.MethodGet)
	}
	return router
}

// requireAuth wraps a handler with HTTP Basic Auth when auth is enabled.
func (w *Web) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !w.authEnabled {
			next(rw, r)
			return
		}
		user, pass, ok := r.BasicAuth()
		if !ok || !w.checkCredentials(user, pass) {
			rw.Header().Set("WWW-Authenticate", `Basic realm="coderun"`)
			http.Error(rw, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next(rw, r)
	}
}

// checkCredentials compares the user name and the SHA-256 hex of the password.
func (w *Web) checkCredentials(user, pass string) bool {
	if subtle.ConstantTimeCompare([]byte(user), []byte(w.authUser)) != 1 {
		return false
	}
	hash := sha256.Sum256([]byte(pass))
	got := hex.EncodeToString(hash[:])
	return subtle.ConstantTimeCompare([]byte(got), []byte(w.authPassHash)) == 1
}

func (w *Web) deliver(msg domain.OutboundMessage) {
	w.pendingMu.Lock()
	ch, ok := w.pending[msg.ChatID]
	w.pendingMu.Unlock()
	if !ok {
		w.logger.Debug("web result without waiting request", "chat_id", msg.ChatID, "run_id", msg.RunID)
		return
	}
	select {
	case ch <- msg:
	default:
	}
}

// submit publishes one query and waits for its result. A request that gives
// up before the result arrives gets a timeout failure.
func (w *Web) submit(ctx context.Context, query, model, sender string) domain.OutboundMessage {
	chatID := "web_" + uuid.NewString()
	ch := make(chan domain.OutboundMessage, 1)

	w.pendingMu.Lock()
	w.pending[chatID] = ch
	w.pendingMu.Unlock()
	defer func() {
		w.pendingMu.Lock()
		delete(w.pending, chatID)
		w.pendingMu.Unlock()
	}()

	w.bus.Publish(domain.InboundMessage{
		Channel:   "web",
		ChatID:    chatID,
		SenderID:  sender,
		Content:   query,
		Model:     model,
		Timestamp: time.Now(),
	})

	timer := time.NewTimer(w.timeout)
	defer timer.Stop()

	select {
	case msg := <-ch:
		return msg
	case <-timer.C:
	case <-ctx.Done():
	}
	return domain.OutboundMessage{
		Channel: "web",
		ChatID:  chatID,
		Query:   query,
		Model:   model,
		Error:   "request timed out",
		Kind:    domain.FailureTimeout,
	}
}

type pageData struct {
	Title   string
	Caption string
	About   string
	Models  []string
	Model   string
	Query   string
	Warning string
	Error   string
	Result  *pageResult
}

type pageResult struct {
	RunID     string
	Model     string
	Generated htmltemplate.HTML
	Code      htmltemplate.HTML
}

func (w *Web) newPage(model string) pageData {
	p := pageData{
		Title:   pageTitle,
		Caption: pageCaption,
		About:   aboutText,
		Model:   model,
	}
	if w.catalog != nil {
		p.Models = w.catalog.Models()
		if p.Model == "" {
			p.Model = w.catalog.DefaultModel()
		}
	}
	return p
}

func (w *Web) render(rw http.ResponseWriter, data pageData) {
	rw.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := w.tmpl.ExecuteTemplate(rw, "index.html", data); err != nil {
		w.logger.Error("template error", "template", "index", "err", err)
	}
}

func (w *Web) handleIndex(rw http.ResponseWriter, r *http.Request) {
	w.render(rw, w.newPage(r.URL.Query().Get("model")))
}

func (w *Web) handleSubmit(rw http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(rw, r.Body, maxBodySize)
	if err := r.ParseForm(); err != nil {
		http.Error(rw, "invalid form", http.StatusBadRequest)
		return
	}

	query := strings.TrimSpace(r.FormValue("query"))
	page := w.newPage(r.FormValue("model"))
	page.Query = query

	if query == "" {
		page.Warning = agent.EmptyQueryWarning
		w.render(rw, page)
		return
	}

	msg := w.submit(r.Context(), query, page.Model, r.RemoteAddr)
	if msg.Failed() {
		page.Error = msg.Error
		w.render(rw, page)
		return
	}

	page.Result = &pageResult{
		RunID:     msg.RunID,
		Model:     msg.Model,
		Generated: highlightCode(msg.Generated, "python"),
		Code:      highlightCode(msg.Code, "python"),
	}
	w.render(rw, page)
}

type queryRequest struct {
	Query string `json:"query"`
	Model string `json:"model,omitempty"`
}

type queryResponse struct {
	RunID     string `json:"run_id,omitempty"`
	Model     string `json:"model,omitempty"`
	Generated string `json:"generated,omitempty"`
	Code      string `json:"code,omitempty"`
	Error     string `json:"error,omitempty"`
}

func (w *Web) handleQuery(rw http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		writeJSON(rw, http.StatusBadRequest, queryResponse{Error: "read body: " + err.Error()})
		return
	}
	var req queryRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSON(rw, http.StatusBadRequest, queryResponse{Error: "invalid JSON: " + err.Error()})
		return
	}

	req.Query = strings.TrimSpace(req.Query)
	if req.Query == "" {
		writeJSON(rw, http.StatusBadRequest, queryResponse{Error: agent.EmptyQueryWarning})
		return
	}
	if w.catalog != nil {
		model, err := w.catalog.ResolveModel(req.Model)
		if err != nil {
			writeJSON(rw, http.StatusBadRequest, queryResponse{Error: err.Error()})
			return
		}
		req.Model = model
	}

	msg := w.submit(r.Context(), req.Query, req.Model, r.RemoteAddr)
	if msg.Failed() {
		writeJSON(rw, failureStatus(msg.Kind), queryResponse{RunID: msg.RunID, Model: msg.Model, Error: msg.Error})
		return
	}
	writeJSON(rw, http.StatusOK, queryResponse{
		RunID:     msg.RunID,
		Model:     msg.Model,
		Generated: msg.Generated,
		Code:      msg.Code,
	})
}

// failureStatus maps an outbound failure kind to an HTTP status.
func failureStatus(kind string) int {
	switch kind {
	case domain.FailureInvalid:
		return http.StatusBadRequest
	case domain.FailureTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

func (w *Web) handleListRuns(rw http.ResponseWriter, r *http.Request) {
	if w.store == nil {
		writeJSON(rw, http.StatusNotFound, map[string]string{"error": "run history is disabled"})
		return
	}
	limit := defaultRunLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			writeJSON(rw, http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
			return
		}
		limit = min(n, maxRunLimit)
	}

	runs, err := w.store.ListRuns(r.Context(), limit)
	if err != nil {
		w.logger.Error("list runs failed", "err", err)
		writeJSON(rw, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if runs == nil {
		runs = []domain.Run{}
	}
	writeJSON(rw, http.StatusOK, runs)
}

func (w *Web) handleGetRun(rw http.ResponseWriter, r *http.Request) {
	if w.store == nil {
		writeJSON(rw, http.StatusNotFound, map[string]string{"error": "run history is disabled"})
		return
	}
	id := mux.Vars(r)["id"]
	run, err := w.store.GetRun(r.Context(), id)
	if err != nil {
		w.logger.Error("get run failed", "run_id", id, "err", err)
		writeJSON(rw, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if run == nil {
		writeJSON(rw, http.StatusNotFound, map[string]string{"error": "run not found: " + id})
		return
	}
	writeJSON(rw, http.StatusOK, run)
}

func (w *Web) handleModels(rw http.ResponseWriter, r *http.Request) {
	if w.catalog == nil {
		writeJSON(rw, http.StatusOK, map[string]any{"default": "", "models": []string{}})
		return
	}
	writeJSON(rw, http.StatusOK, map[string]any{
		"default": w.catalog.DefaultModel(),
		"models":  w.catalog.Models(),
	})
}

func (w *Web) handleStatus(rw http.ResponseWriter, r *http.Request) {
	w.pendingMu.Lock()
	inFlight := len(w.pending)
	w.pendingMu.Unlock()

	writeJSON(rw, http.StatusOK, map[string]any{
		"status":          "ok",
		"version":         w.version,
		"in_flight":       inFlight,
		"history":         w.store != nil,
		"recent_failures": w.recentFailures(time.Now()),
		"time":            time.Now().Format(time.RFC3339),
	})
}

// failureView is a query.failed event as shown on /status.
type failureView struct {
	RunID   string    `json:"run_id"`
	Channel string    `json:"channel"`
	Error   string    `json:"error"`
	At      time.Time `json:"at"`
}

// recentFailures lists the newest query failures of the last failureWindow,
// newest first.
func (w *Web) recentFailures(now time.Time) []failureView {
	out := []failureView{}
	if w.events == nil {
		return out
	}
	events := w.events.Replay(bus.EventQueryFailed, now.Add(-failureWindow))
	for i := len(events) - 1; i >= 0 && len(out) < maxRecentFailures; i-- {
		e := events[i]
		runID, _ := e.Payload["run_id"].(string)
		ch, _ := e.Payload["channel"].(string)
		msg, _ := e.Payload["error"].(string)
		out = append(out, failureView{RunID: runID, Channel: ch, Error: msg, At: e.Timestamp})
	}
	return out
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json; charset=utf-8")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(v)
}
