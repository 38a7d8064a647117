package httpx

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
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

	"github.com/appdotbuilder/appfleet/internal/domain"
	"github.com/appdotbuilder/appfleet/internal/repository"
	"github.com/appdotbuilder/appfleet/internal/service/catalog"
	"github.com/appdotbuilder/appfleet/internal/service/deployment"
	"github.com/appdotbuilder/appfleet/internal/service/ledger"
	"github.com/appdotbuilder/appfleet/internal/ws"
)

// Router wires HTTP endpoints to services.
type Router struct {
	mux         *http.ServeMux
	logger      *slog.Logger
	deployments *deployment.Service
	ledger      ledger.Service
	catalog     catalog.Service
	hub         *ws.Hub
	upgrader    websocket.Upgrader
	limiter     RateLimiter
	jwtSecret   string
	pageSize    int
	dbHealth    func(context.Context) error

	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestLatency     *prometheus.HistogramVec
	rateLimitHits      *prometheus.CounterVec
}

const (
	rateWindowDefault  = time.Minute
	rateWindowRealtime = 30 * time.Second
	rateLimitUserWrite = 60
	rateLimitUserRead  = 120
	rateLimitWebsocket = 30
	healthCheckTimeout = 2 * time.Second
)

// NewRouter assembles routes with dependencies.
func NewRouter(logger *slog.Logger, deploymentSvc *deployment.Service, ledgerSvc ledger.Service, catalogSvc catalog.Service, hub *ws.Hub, limiter RateLimiter, jwtSecret string, pageSize int, dbHealth func(context.Context) error) *Router {
	r := &Router{
		mux:         http.NewServeMux(),
		logger:      logger,
		deployments: deploymentSvc,
		ledger:      ledgerSvc,
		catalog:     catalogSvc,
		hub:         hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter:   limiter,
		jwtSecret: jwtSecret,
		pageSize:  pageSize,
		dbHealth:  dbHealth,
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	if r.pageSize <= 0 {
		r.pageSize = 20
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
	r.mux.HandleFunc("/healthz", r.audit(r.handleHealthz))
	r.mux.Handle("/metrics", promhttp.Handler())
	r.mux.HandleFunc("/v1/deployments", r.audit(r.handlerAuthRate("/v1/deployments", rateLimitUserWrite, rateWindowDefault, r.handleDeployments)))
	r.mux.HandleFunc("/v1/deployments/", r.audit(r.handleDeploymentSubroutes))
	r.mux.HandleFunc("/v1/balance", r.audit(r.handlerAuthRate("/v1/balance", rateLimitUserRead, rateWindowDefault, r.handleBalance)))
	r.mux.HandleFunc("/v1/balance/top-up", r.audit(r.handlerAuthRate("/v1/balance/top-up", rateLimitUserWrite, rateWindowDefault, r.handleTopUp)))
	r.mux.HandleFunc("/v1/transactions", r.audit(r.handlerAuthRate("/v1/transactions", rateLimitUserRead, rateWindowDefault, r.handleTransactions)))
	r.mux.HandleFunc("/v1/templates", r.audit(r.handlerAuthRate("/v1/templates", rateLimitUserRead, rateWindowDefault, r.handleTemplates)))
	r.mux.HandleFunc("/v1/plans", r.audit(r.handlerAuthRate("/v1/plans", rateLimitUserRead, rateWindowDefault, r.handlePlans)))
}

func (r *Router) handleDeployments(w http.ResponseWriter, req *http.Request) {
	info, ok := authInfoFromContext(req.Context())
	if !ok {
		r.logger.Error("auth context missing", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, "authorization context missing")
		return
	}
	switch req.Method {
	case http.MethodPost:
		var payload struct {
			TemplateID   string            `json:"template_id"`
			PlanID       string            `json:"plan_id"`
			Name         string            `json:"name"`
			EnvVars      map[string]string `json:"env_vars"`
			CustomDomain string            `json:"custom_domain"`
		}
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		created, err := r.deployments.Create(req.Context(), deployment.CreateInput{
			OwnerID:      info.UserID,
			TemplateID:   payload.TemplateID,
			PlanID:       payload.PlanID,
			Name:         payload.Name,
			EnvOverrides: payload.EnvVars,
			CustomDomain: payload.CustomDomain,
		})
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, renderDeployment(created))
	case http.MethodGet:
		page := queryPage(req)
		deployments, err := r.deployments.List(req.Context(), info.UserID, page)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		items := make([]any, 0, len(deployments))
		for i := range deployments {
			items = append(items, renderDeployment(&deployments[i]))
		}
		writeJSON(w, http.StatusOK, map[string]any{"deployments": items, "page": page})
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleDeploymentSubroutes(w http.ResponseWriter, req *http.Request) {
	trimmed := strings.TrimPrefix(req.URL.Path, "/v1/deployments/")
	parts := strings.Split(trimmed, "/")
	if len(parts) < 1 || parts[0] == "" {
		r.notFound(w)
		return
	}
	deploymentID := parts[0]

	switch {
	case len(parts) == 1:
		r.handlerAuthRate("/v1/deployments/{id}", rateLimitUserWrite, rateWindowDefault, func(w http.ResponseWriter, req *http.Request) {
			r.handleDeployment(w, req, deploymentID)
		})(w, req)
	case len(parts) == 2 && parts[1] == "actions":
		r.handlerAuthRate("/v1/deployments/{id}/actions", rateLimitUserWrite, rateWindowDefault, func(w http.ResponseWriter, req *http.Request) {
			r.handleDeploymentAction(w, req, deploymentID)
		})(w, req)
	case len(parts) == 2 && parts[1] == "events":
		r.handlerAuthRate("/v1/deployments/{id}/events", rateLimitWebsocket, rateWindowRealtime, func(w http.ResponseWriter, req *http.Request) {
			r.handleDeploymentEvents(w, req, deploymentID)
		})(w, req)
	default:
		r.notFound(w)
	}
}

func (r *Router) handleDeployment(w http.ResponseWriter, req *http.Request, deploymentID string) {
	info, ok := authInfoFromContext(req.Context())
	if !ok {
		writeError(w, http.StatusInternalServerError, "authorization context missing")
		return
	}
	switch req.Method {
	case http.MethodGet:
		dep, err := r.deployments.Get(req.Context(), info.UserID, deploymentID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, renderDeployment(dep))
	case http.MethodDelete:
		if err := r.deployments.Transition(req.Context(), info.UserID, deploymentID, deployment.ActionDelete); err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "deleting"})
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleDeploymentAction(w http.ResponseWriter, req *http.Request, deploymentID string) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	info, ok := authInfoFromContext(req.Context())
	if !ok {
		writeError(w, http.StatusInternalServerError, "authorization context missing")
		return
	}
	var payload struct {
		Action string `json:"action"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	action, ok := deployment.ParseAction(payload.Action)
	if !ok {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown action %q", payload.Action))
		return
	}
	if err := r.deployments.Transition(req.Context(), info.UserID, deploymentID, action); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "action": string(action)})
}

func (r *Router) handleDeploymentEvents(w http.ResponseWriter, req *http.Request, deploymentID string) {
	info, ok := authInfoFromContext(req.Context())
	if !ok {
		writeError(w, http.StatusInternalServerError, "authorization context missing")
		return
	}
	// Ownership gate before the upgrade; the hub itself is unauthenticated.
	if _, err := r.deployments.Get(req.Context(), info.UserID, deploymentID); err != nil {
		writeServiceError(w, err)
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger)
	r.hub.Register(deploymentID, client)
	go func() {
		defer func() {
			r.hub.Unregister(deploymentID, client)
			client.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

func (r *Router) handleBalance(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	info, ok := authInfoFromContext(req.Context())
	if !ok {
		writeError(w, http.StatusInternalServerError, "authorization context missing")
		return
	}
	balance, err := r.ledger.GetBalance(req.Context(), info.UserID)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"amount_cents": int64(balance),
		"amount":       balance.String(),
	})
}

func (r *Router) handleTopUp(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	info, ok := authInfoFromContext(req.Context())
	if !ok {
		writeError(w, http.StatusInternalServerError, "authorization context missing")
		return
	}
	var payload struct {
		AmountCents int64 `json:"amount_cents"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	balance, err := r.ledger.TopUp(req.Context(), info.UserID, domain.Cents(payload.AmountCents))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"amount_cents": int64(balance),
		"amount":       balance.String(),
	})
}

func (r *Router) handleTransactions(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	info, ok := authInfoFromContext(req.Context())
	if !ok {
		writeError(w, http.StatusInternalServerError, "authorization context missing")
		return
	}
	page := queryPage(req)
	transactions, err := r.ledger.ListTransactions(req.Context(), info.UserID, r.pageSize, (page-1)*r.pageSize)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	items := make([]any, 0, len(transactions))
	for _, tx := range transactions {
		items = append(items, renderTransaction(tx))
	}
	writeJSON(w, http.StatusOK, map[string]any{"transactions": items, "page": page})
}

func (r *Router) handleTemplates(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	templates, err := r.catalog.ListTemplates(req.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	items := make([]any, 0, len(templates))
	for _, t := range templates {
		items = append(items, renderTemplate(t))
	}
	writeJSON(w, http.StatusOK, map[string]any{"templates": items})
}

func (r *Router) handlePlans(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	plans, err := r.catalog.ListPlans(req.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	items := make([]any, 0, len(plans))
	for _, p := range plans {
		items = append(items, renderPlan(p))
	}
	writeJSON(w, http.StatusOK, map[string]any{"plans": items})
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	components := make(map[string]any)
	status := "ok"
	if r.dbHealth != nil {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		defer cancel()
		if err := r.dbHealth(ctx); err != nil {
			status = "degraded"
			components["database"] = map[string]any{
				"status": "down",
				"error":  err.Error(),
			}
		} else {
			components["database"] = map[string]any{"status": "up"}
		}
	}
	payload := map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}

func queryPage(req *http.Request) int {
	page, err := strconv.Atoi(req.URL.Query().Get("page"))
	if err != nil || page < 1 {
		return 1
	}
	return page
}

func renderDeployment(d *domain.Deployment) map[string]any {
	payload := map[string]any{
		"id":             d.ID,
		"name":           d.Name,
		"template_id":    d.TemplateID,
		"plan_id":        d.PlanID,
		"status":         d.Status,
		"hourly_rate":    d.HourlyRate.String(),
		"env_vars":       d.EnvVars,
		"port_mappings":  d.PortMappings,
		"created_at":     d.CreatedAt.UTC().Format(time.RFC3339),
		"updated_at":     d.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if d.StatusReason != "" {
		payload["status_reason"] = d.StatusReason
	}
	if d.CustomDomain != nil {
		payload["custom_domain"] = *d.CustomDomain
	}
	if d.ConnectionInfo != nil {
		payload["connection_info"] = *d.ConnectionInfo
	}
	if d.DeployedAt != nil {
		payload["deployed_at"] = d.DeployedAt.UTC().Format(time.RFC3339)
	}
	return payload
}

func renderTransaction(t domain.Transaction) map[string]any {
	payload := map[string]any{
		"id":           t.ID,
		"kind":         t.Kind,
		"amount_cents": int64(t.Amount),
		"amount":       t.Amount.String(),
		"signed_cents": int64(t.Signed()),
		"description":  t.Description,
		"created_at":   t.CreatedAt.UTC().Format(time.RFC3339),
	}
	if t.Reference != nil {
		payload["reference"] = *t.Reference
	}
	return payload
}

func renderTemplate(t domain.Template) map[string]any {
	return map[string]any{
		"id":            t.ID,
		"name":          t.Name,
		"slug":          t.Slug,
		"description":   t.Description,
		"image":         t.Image,
		"kind":          t.Kind,
		"exposed_ports": t.ExposedPorts,
		"icon":          t.Icon,
	}
}

func renderPlan(p domain.Plan) map[string]any {
	payload := map[string]any{
		"id":             p.ID,
		"name":           p.Name,
		"slug":           p.Slug,
		"description":    p.Description,
		"price_per_hour": p.PricePerHour.String(),
		"cpu_cores":      p.CPUCores,
		"memory_mb":      p.MemoryMB,
		"disk_gb":        p.DiskGB,
	}
	if p.BandwidthGB != nil {
		payload["bandwidth_gb"] = *p.BandwidthGB
	}
	return payload
}

func (r *Router) audit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		ctx := recorder.ctx
		if ctx == nil {
			ctx = req.Context()
		}
		duration := time.Since(start)
		actor := "anonymous"
		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"status", status,
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
		}
		fields = append(fields, "actor", actor)

		r.recordRequestMetrics(req.Method, routeLabel(req.URL.Path), status, duration)

		switch {
		case status >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		default:
			r.logger.Info("http_request", fields...)
		}
	}
}

// routeLabel collapses per-resource paths so metric cardinality stays
// bounded.
func routeLabel(path string) string {
	if strings.HasPrefix(path, "/v1/deployments/") {
		rest := strings.TrimPrefix(path, "/v1/deployments/")
		if idx := strings.IndexRune(rest, '/'); idx >= 0 {
			return "/v1/deployments/{id}" + rest[idx:]
		}
		return "/v1/deployments/{id}"
	}
	return path
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

func (sr *statusRecorder) Push(target string, opts *http.PushOptions) error {
	if p, ok := sr.ResponseWriter.(http.Pusher); ok {
		return p.Push(target, opts)
	}
	return http.ErrNotSupported
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
