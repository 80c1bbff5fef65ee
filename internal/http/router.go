package httpx

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cloud-gov/pages-core-sub002/internal/domain"
	"github.com/cloud-gov/pages-core-sub002/internal/repository"
	"github.com/cloud-gov/pages-core-sub002/internal/service/builds"
	"github.com/cloud-gov/pages-core-sub002/internal/service/logs"
	"github.com/cloud-gov/pages-core-sub002/internal/service/status"
	"github.com/cloud-gov/pages-core-sub002/internal/service/webhook"
	"github.com/cloud-gov/pages-core-sub002/internal/ws"
)

// Router wires HTTP endpoints to services.
type Router struct {
	mux         *http.ServeMux
	logger      *slog.Logger
	webhook     webhook.Service
	status      status.Service
	builds      builds.Service
	logs        logs.Service
	upgrader    websocket.Upgrader
	limiter     RateLimiter
	jwtSecret   string
	dbHealth    func(context.Context) error
	queueHealth func(context.Context) error

	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestLatency     *prometheus.HistogramVec
	rateLimitHits      *prometheus.CounterVec
}

const (
	rateWindowDefault    = time.Minute
	rateWindowRealtime   = 30 * time.Second
	rateLimitWebhook     = 120
	rateLimitCallback    = 600
	rateLimitUserRead    = 120
	rateLimitUserWrite   = 60
	rateLimitWebsocket   = 30
	healthCheckTimeout   = 2 * time.Second
	maxWebhookBodyBytes  = 1 << 20
	maxCallbackBodyBytes = 4 << 20
)

// NewRouter assembles routes with dependencies.
func NewRouter(logger *slog.Logger, webhookSvc webhook.Service, statusSvc status.Service, buildSvc builds.Service, logSvc logs.Service, limiter RateLimiter, jwtSecret string, dbHealth, queueHealth func(context.Context) error) *Router {
	r := &Router{
		mux:     http.NewServeMux(),
		logger:  logger,
		webhook: webhookSvc,
		status:  statusSvc,
		builds:  buildSvc,
		logs:    logSvc,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter:     limiter,
		jwtSecret:   jwtSecret,
		dbHealth:    dbHealth,
		queueHealth: queueHealth,
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	r.initMetrics()
	r.register()
	return r
}

// ServeHTTP delegates to underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) register() {
	r.mux.HandleFunc("/healthz", r.audit("/healthz", r.handleHealthz))
	r.mux.Handle("/metrics", promhttp.Handler())
	r.mux.HandleFunc("/webhook/github", r.audit("/webhook/github", r.withRateLimit("/webhook/github", rateLimitWebhook, rateWindowDefault, rateLimitKeyIP, r.handleGithubWebhook)))
	r.mux.HandleFunc("/v0/build/", r.audit("/v0/build/", r.handleBuildCallback))
	r.mux.HandleFunc("/v0/tasks/", r.audit("/v0/tasks/", r.handleTaskCallback))
	r.mux.HandleFunc("/v0/builds/", r.audit("/v0/builds/", r.handlerAuthRate("/v0/builds/", rateLimitUserRead, rateWindowDefault, r.handleBuilds)))
	r.mux.HandleFunc("/v0/sites/", r.audit("/v0/sites/", r.handlerAuthRate("/v0/sites/", rateLimitUserRead, rateWindowDefault, r.handleSites)))
	r.mux.HandleFunc("/v0/ws/logs", r.audit("/v0/ws/logs", r.handlerAuthRate("/v0/ws/logs", rateLimitWebsocket, rateWindowRealtime, r.handleLogsWS)))
}

func (r *Router) handleGithubWebhook(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	body, err := io.ReadAll(io.LimitReader(req.Body, maxWebhookBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "could not read body")
		return
	}
	if err := r.webhook.VerifySignature(body, req.Header.Get("X-Hub-Signature")); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if event := req.Header.Get("X-GitHub-Event"); event != "" && event != "push" {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}
	var payload webhook.PushPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	build, err := r.webhook.ProcessPush(req.Context(), payload)
	if err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, webhook.ErrInvalidPayload) {
			code = http.StatusBadRequest
		}
		writeError(w, code, err.Error())
		return
	}
	if build == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}
	writeJSON(w, http.StatusAccepted, buildResponseFrom(build))
}

// handleBuildCallback serves the token-authenticated worker surface:
// POST /v0/build/{id}/status/{token} and POST /v0/build/{id}/logs/{token}.
func (r *Router) handleBuildCallback(w http.ResponseWriter, req *http.Request) {
	trimmed := strings.TrimPrefix(req.URL.Path, "/v0/build/")
	parts := strings.Split(trimmed, "/")
	if len(parts) != 3 || parts[0] == "" || parts[2] == "" {
		r.notFound(w)
		return
	}
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	buildID, action, token := parts[0], parts[1], parts[2]

	key := "build:" + buildID
	decision := r.limiter.Allow(key, rateLimitCallback, rateWindowDefault)
	r.applyRateHeaders(w, rateLimitCallback, decision)
	if !decision.allowed {
		r.recordRateLimitHit("/v0/build/", rateMetricKey(key))
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	switch action {
	case "status":
		var payload struct {
			Status    string `json:"status"`
			Message   string `json:"message"`
			CommitSha string `json:"commit_sha"`
		}
		if err := json.NewDecoder(io.LimitReader(req.Body, maxCallbackBodyBytes)).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		build, err := r.status.UpdateStatus(req.Context(), buildID, token, payload.Status, payload.Message, payload.CommitSha)
		if err != nil {
			r.writeCallbackError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, buildResponseFrom(build))
	case "logs":
		var payload struct {
			Source string `json:"source"`
			Output string `json:"output"`
		}
		if err := json.NewDecoder(io.LimitReader(req.Body, maxCallbackBodyBytes)).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if strings.TrimSpace(payload.Output) == "" {
			writeError(w, http.StatusBadRequest, "output is required")
			return
		}
		if err := r.status.IngestLog(req.Context(), buildID, token, payload.Source, payload.Output); err != nil {
			r.writeCallbackError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "received"})
	default:
		r.notFound(w)
	}
}

// handleTaskCallback serves POST /v0/tasks/{id}/status/{token}.
func (r *Router) handleTaskCallback(w http.ResponseWriter, req *http.Request) {
	trimmed := strings.TrimPrefix(req.URL.Path, "/v0/tasks/")
	parts := strings.Split(trimmed, "/")
	if len(parts) != 3 || parts[0] == "" || parts[1] != "status" || parts[2] == "" {
		r.notFound(w)
		return
	}
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		Status  string `json:"status"`
		Message string `json:"message"`
	}
	if err := json.NewDecoder(io.LimitReader(req.Body, maxCallbackBodyBytes)).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	task, err := r.status.UpdateTaskStatus(req.Context(), parts[0], parts[2], payload.Status, payload.Message)
	if err != nil {
		r.writeCallbackError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":     task.ID,
		"name":   task.Name,
		"status": string(task.Status),
	})
}

// handleBuilds serves GET /v0/builds/{id}, GET /v0/builds/{id}/logs and
// POST /v0/builds/{id}/restart.
func (r *Router) handleBuilds(w http.ResponseWriter, req *http.Request) {
	trimmed := strings.TrimPrefix(req.URL.Path, "/v0/builds/")
	parts := strings.Split(trimmed, "/")
	if len(parts) < 1 || parts[0] == "" {
		r.notFound(w)
		return
	}
	buildID := parts[0]
	switch {
	case len(parts) == 1:
		if req.Method != http.MethodGet {
			r.methodNotAllowed(w)
			return
		}
		build, err := r.builds.Get(req.Context(), buildID)
		if err != nil {
			r.writeCallbackError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, buildResponseFrom(build))
	case len(parts) == 2 && parts[1] == "logs":
		if req.Method != http.MethodGet {
			r.methodNotAllowed(w)
			return
		}
		offset, _ := strconv.Atoi(req.URL.Query().Get("offset"))
		if offset < 0 {
			offset = 0
		}
		source := req.URL.Query().Get("source")
		entries, err := r.logs.List(req.Context(), buildID, source, offset)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		out := make([]logResponse, 0, len(entries))
		for _, entry := range entries {
			out = append(out, logResponseFrom(entry))
		}
		writeJSON(w, http.StatusOK, out)
	case len(parts) == 2 && parts[1] == "restart":
		if req.Method != http.MethodPost {
			r.methodNotAllowed(w)
			return
		}
		info, ok := authInfoFromContext(req.Context())
		if !ok {
			r.logger.Error("auth context missing for build restart", "path", req.URL.Path)
			writeError(w, http.StatusInternalServerError, "authorization context missing")
			return
		}
		var userID *string
		if info.UserID != "" {
			id := info.UserID
			userID = &id
		}
		build, err := r.builds.Restart(req.Context(), buildID, userID, info.Username)
		if err != nil {
			r.writeCallbackError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, buildResponseFrom(build))
	default:
		r.notFound(w)
	}
}

// handleSites serves GET /v0/sites/{id}/builds.
func (r *Router) handleSites(w http.ResponseWriter, req *http.Request) {
	trimmed := strings.TrimPrefix(req.URL.Path, "/v0/sites/")
	parts := strings.Split(trimmed, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] != "builds" {
		r.notFound(w)
		return
	}
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
	list, err := r.builds.ListBySite(req.Context(), parts[0], limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]buildResponse, 0, len(list))
	for i := range list {
		out = append(out, buildResponseFrom(&list[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

// handleLogsWS upgrades to a websocket that streams log chunks for one build.
func (r *Router) handleLogsWS(w http.ResponseWriter, req *http.Request) {
	buildID := strings.TrimSpace(req.URL.Query().Get("build_id"))
	if buildID == "" {
		writeError(w, http.StatusBadRequest, "build_id is required")
		return
	}
	if _, err := r.builds.Get(req.Context(), buildID); err != nil {
		r.writeCallbackError(w, err)
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Warn("websocket upgrade failed", "error", err, "build_id", buildID)
		return
	}
	client := ws.NewClient(conn, r.logger)
	r.logs.Hub().Register(buildID, client)
	go func() {
		defer func() {
			r.logs.Hub().Unregister(buildID, client)
			client.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	components := make(map[string]any)
	overall := "ok"
	check := func(name string, probe func(context.Context) error) {
		if probe == nil {
			return
		}
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		defer cancel()
		if err := probe(ctx); err != nil {
			overall = "degraded"
			components[name] = map[string]any{"status": "down", "error": err.Error()}
			return
		}
		components[name] = map[string]any{"status": "up"}
	}
	check("database", r.dbHealth)
	check("queue", r.queueHealth)
	payload := map[string]any{
		"status":     overall,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	}
	code := http.StatusOK
	if overall != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}

// writeCallbackError maps service sentinels to HTTP status codes.
func (r *Router) writeCallbackError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, status.ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden")
	case errors.Is(err, domain.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

type buildResponse struct {
	ID                 string     `json:"id"`
	SiteID             string     `json:"site_id"`
	UserID             *string    `json:"user_id,omitempty"`
	Username           string     `json:"username,omitempty"`
	Branch             string     `json:"branch"`
	RequestedCommitSha string     `json:"requested_commit_sha,omitempty"`
	ClonedCommitSha    string     `json:"cloned_commit_sha,omitempty"`
	State              string     `json:"state"`
	Error              string     `json:"error,omitempty"`
	StartedAt          time.Time  `json:"started_at"`
	CompletedAt        *time.Time `json:"completed_at,omitempty"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

func buildResponseFrom(b *domain.Build) buildResponse {
	return buildResponse{
		ID:                 b.ID,
		SiteID:             b.SiteID,
		UserID:             b.UserID,
		Username:           b.Username,
		Branch:             b.Branch,
		RequestedCommitSha: b.RequestedCommitSha,
		ClonedCommitSha:    b.ClonedCommitSha,
		State:              string(b.State),
		Error:              b.ShortError(),
		StartedAt:          b.StartedAt,
		CompletedAt:        b.CompletedAt,
		UpdatedAt:          b.UpdatedAt,
	}
}

type logResponse struct {
	ID        int64     `json:"id"`
	BuildID   string    `json:"build_id"`
	Source    string    `json:"source"`
	Output    string    `json:"output"`
	CreatedAt time.Time `json:"created_at"`
}

func logResponseFrom(entry domain.BuildLog) logResponse {
	return logResponse{
		ID:        entry.ID,
		BuildID:   entry.BuildID,
		Source:    entry.Source,
		Output:    entry.Output,
		CreatedAt: entry.CreatedAt,
	}
}

func (r *Router) audit(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)

		statusCode := recorder.status
		if statusCode == 0 {
			statusCode = http.StatusOK
		}
		ctx := recorder.ctx
		if ctx == nil {
			ctx = req.Context()
		}
		duration := time.Since(start)
		r.recordRequestMetrics(req.Method, route, statusCode, duration)
		actor := "anonymous"
		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"status", statusCode,
			"bytes", recorder.bytes,
			"duration_ms", duration.Milliseconds(),
		}
		if ip := clientIP(req); ip != "" {
			fields = append(fields, "ip", ip)
		}
		if reqID := strings.TrimSpace(req.Header.Get("X-Request-ID")); reqID != "" {
			fields = append(fields, "request_id", reqID)
		}
		if info, ok := authInfoFromContext(ctx); ok {
			actor = "user"
			fields = append(fields, "user_id", info.UserID)
		} else if strings.HasPrefix(req.URL.Path, "/v0/build/") || strings.HasPrefix(req.URL.Path, "/v0/tasks/") {
			actor = "worker"
		} else if strings.HasPrefix(req.URL.Path, "/webhook/") {
			actor = "github"
		}
		fields = append(fields, "actor", actor)

		switch {
		case statusCode >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case statusCode >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		default:
			r.logger.Info("http_request", fields...)
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
	ctx    context.Context
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) SetContext(ctx context.Context) {
	sr.ctx = ctx
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := sr.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, errors.New("hijacker not supported")
}

func clientIP(req *http.Request) string {
	if forwarded := strings.TrimSpace(req.Header.Get("X-Forwarded-For")); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if len(parts) > 0 {
			ip := strings.TrimSpace(parts[0])
			if ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(req.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(req.RemoteAddr)
	}
	return host
}

func (r *Router) applyRateHeaders(w http.ResponseWriter, limit int, decision rateDecision) {
	if limit <= 0 {
		return
	}
	remaining := limit - decision.count
	if remaining < 0 {
		remaining = 0
	}
	headers := w.Header()
	headers.Set("X-RateLimit-Limit", strconv.Itoa(limit))
	headers.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	if !decision.windowEnd.IsZero() {
		headers.Set("X-RateLimit-Reset", strconv.FormatInt(decision.windowEnd.Unix(), 10))
	}
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (r *Router) notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "not found")
}
