// Package httpapi serves the REST control plane: a generic dispatch
// endpoint plus resource-style routes for machines, snapshots and
// sandboxes, all backed by the same dispatcher the MCP surface uses.
// Authentication is Bearer API keys; health, readiness and metrics
// endpoints stay unauthenticated for probes and scrapers.
package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jkaninda/okapi"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/sanduku/internal/dispatch"
	"github.com/jkaninda/sanduku/internal/events"
	"github.com/jkaninda/sanduku/internal/observability"
	"github.com/jkaninda/sanduku/internal/ratelimit"
	"github.com/jkaninda/sanduku/internal/store"
	"github.com/jkaninda/sanduku/internal/vbox"
	"github.com/jkaninda/sanduku/internal/wsb"
)

const defaultMaxRequestSize = 1 << 20 // 1 MB

// Config holds the HTTP API settings.
type Config struct {
	ListenAddr     string
	Version        string
	EnableDocs     bool
	MaxRequestSize int64

	// APIKeys maps API key -> caller name. Empty disables authentication
	// and rate limiting falls back to the client address.
	APIKeys map[string]string

	MetricsRegistry *prometheus.Registry
	MetricsPath     string
	HealthChecker   *observability.HealthChecker
	Metrics         *observability.MetricsCollector
	Tracer          trace.Tracer
}

// OperationLog lists recorded operations. Implemented by store.Store.
type OperationLog interface {
	RecentOperations(ctx context.Context, filter store.OperationFilter) ([]dispatch.Operation, error)
}

type extraRoute struct {
	pattern string
	handler http.Handler
}

// API is the HTTP server for the REST control plane.
type API struct {
	config     Config
	dispatcher *dispatch.Dispatcher
	limiter    *ratelimit.Limiter
	oplog      OperationLog
	bus        *events.Bus
	logger     *slog.Logger

	okapi       *okapi.Okapi
	group       *okapi.Group
	server      *http.Server
	extraRoutes []extraRoute
}

// New creates the HTTP API around a dispatcher. The limiter may be nil
// to disable rate limiting.
func New(cfg Config, d *dispatch.Dispatcher, limiter *ratelimit.Limiter, logger *slog.Logger) *API {
	if logger == nil {
		logger = slog.Default()
	}
	maxBody := cfg.MaxRequestSize
	if maxBody <= 0 {
		maxBody = defaultMaxRequestSize
	}
	return &API{
		config:     cfg,
		dispatcher: d,
		limiter:    limiter,
		logger:     logger,
		okapi:      okapi.New(okapi.WithMaxMultipartMemory(maxBody)),
	}
}

// WithOperationLog enables GET /v1/operations backed by the audit store.
func (a *API) WithOperationLog(log OperationLog) *API {
	a.oplog = log
	return a
}

// WithEventBus enables the SSE endpoint at GET /v1/events/stream.
func (a *API) WithEventBus(bus *events.Bus) *API {
	a.bus = bus
	return a
}

// WithHandler mounts an additional handler on the HTTP mux at the given
// pattern. Used for the WebSocket event endpoint.
func (a *API) WithHandler(pattern string, handler http.Handler) *API {
	a.extraRoutes = append(a.extraRoutes, extraRoute{pattern: pattern, handler: handler})
	return a
}

func (a *API) WithOpenAPIDocs() *API {
	version := a.config.Version
	if version == "" {
		version = "dev"
	}
	a.okapi.WithOpenAPIDocs(
		okapi.OpenAPI{
			Title:   "Sanduku",
			Version: version,
		},
	)
	return a
}

// setupRoutes registers every route. Idempotent so Start and tests can
// both trigger it.
func (a *API) setupRoutes() {
	if a.group != nil {
		return
	}

	var middlewares []okapi.Middleware
	if a.config.Metrics != nil || a.config.Tracer != nil {
		middlewares = append(middlewares, observability.MetricsMiddleware(a.config.Metrics, a.config.Tracer))
	}
	if len(a.config.APIKeys) > 0 {
		middlewares = append(middlewares, a.authenticate)
	} else {
		a.logger.Warn("http api authentication disabled, no api keys configured")
	}

	a.group = a.okapi.Group("/v1", middlewares...)
	a.registerDispatchRoutes()
	a.registerCatalogRoutes()
	a.registerVMRoutes()
	a.registerSnapshotRoutes()
	a.registerSandboxRoutes()
	a.registerOperationRoutes()
	if a.bus != nil {
		a.registerEventRoutes()
	}

	// Extra handlers (e.g., the WebSocket event endpoint).
	for _, er := range a.extraRoutes {
		a.okapi.HandleStd("GET", er.pattern, er.handler.ServeHTTP)
	}

	// Observability endpoints (unauthenticated).
	a.okapi.Get("/healthz", a.handleLiveness)
	a.okapi.Get("/readyz", a.handleReadiness)

	if a.config.MetricsRegistry != nil {
		path := a.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		a.okapi.HandleStd("GET", path, promhttp.HandlerFor(a.config.MetricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	}
	if a.config.EnableDocs {
		a.WithOpenAPIDocs()
	}
}

// Start launches the HTTP server and blocks until it exits or ctx is
// canceled.
func (a *API) Start(ctx context.Context) error {
	a.setupRoutes()

	a.server = &http.Server{
		Addr:              a.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	a.logger.Info("http api starting", slog.String("addr", a.config.ListenAddr))

	return a.okapi.StartServer(a.server)
}

// Stop gracefully shuts down the HTTP server.
func (a *API) Stop(ctx context.Context) error {
	if a.server == nil {
		return nil
	}
	a.logger.Info("http api stopping")
	return a.okapi.Shutdown(a.server)
}

// --- Routes ---

func (a *API) registerDispatchRoutes() {
	a.group.Post("/dispatch/{domain}/{action}", a.handleDispatch,
		okapi.DocSummary("Run any catalog operation by domain and action"),
		okapi.DocTags("Dispatch"),
		okapi.DocPathParam("domain", "string", "Operation domain (vm, network, snapshot, storage, system, sandbox, discovery)"),
		okapi.DocPathParam("action", "string", "Action within the domain"),
		okapi.DocRequestBody(okapi.M{}),
		okapi.DocResponse(okapi.M{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusConflict, ErrorBody{}),
		okapi.DocResponse(http.StatusBadGateway, ErrorBody{}),
		okapi.DocResponse(http.StatusGatewayTimeout, ErrorBody{}),
	)
}

func (a *API) registerCatalogRoutes() {
	a.group.Get("/catalog", a.handleCatalog,
		okapi.DocSummary("List operation domains"),
		okapi.DocTags("Catalog"),
		okapi.DocResponse([]dispatch.DomainSummary{}),
	)
	a.group.Get("/catalog/{domain}", a.handleCatalogDomain,
		okapi.DocSummary("List actions in a domain"),
		okapi.DocTags("Catalog"),
		okapi.DocPathParam("domain", "string", "Operation domain"),
		okapi.DocResponse([]dispatch.ActionSummary{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
	)
	a.group.Get("/catalog/{domain}/{action}", a.handleCatalogAction,
		okapi.DocSummary("Get the parameter schema of an action"),
		okapi.DocTags("Catalog"),
		okapi.DocPathParam("domain", "string", "Operation domain"),
		okapi.DocPathParam("action", "string", "Action within the domain"),
		okapi.DocResponse(dispatch.Action{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
	)
}

func (a *API) registerVMRoutes() {
	a.group.Get("/vms", a.handleListVMs,
		okapi.DocSummary("List registered virtual machines"),
		okapi.DocTags("VMs"),
		okapi.DocResponse([]vbox.VMSummary{}),
		okapi.DocResponse(http.StatusBadGateway, ErrorBody{}),
	)
	a.group.Post("/vms", a.handleCreateVM,
		okapi.DocSummary("Create and register a virtual machine"),
		okapi.DocTags("VMs"),
		okapi.DocRequestBody(okapi.M{}),
		okapi.DocResponse(http.StatusCreated, dispatch.Ack{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusConflict, ErrorBody{}),
	)
	a.group.Get("/vms/{name}", a.handleVMInfo,
		okapi.DocSummary("Get detailed machine state"),
		okapi.DocTags("VMs"),
		okapi.DocPathParam("name", "string", "Machine name or UUID"),
		okapi.DocResponse(vbox.VMDetails{}),
		okapi.DocResponse(http.StatusBadGateway, ErrorBody{}),
	)
	a.group.Delete("/vms/{name}", a.handleDeleteVM,
		okapi.DocSummary("Unregister a machine and optionally delete its files"),
		okapi.DocTags("VMs"),
		okapi.DocPathParam("name", "string", "Machine name or UUID"),
		okapi.DocResponse(dispatch.Ack{}),
		okapi.DocResponse(http.StatusConflict, ErrorBody{}),
	)

	lifecycle := []struct {
		verb    string
		summary string
	}{
		{"start", "Start a machine"},
		{"stop", "Stop a machine (graceful by default, force=true to power off)"},
		{"pause", "Pause a running machine"},
		{"resume", "Resume a paused machine"},
		{"reset", "Hard reset a running machine"},
	}
	for _, lc := range lifecycle {
		a.group.Post("/vms/{name}/"+lc.verb, a.vmAction(lc.verb),
			okapi.DocSummary(lc.summary),
			okapi.DocTags("VMs"),
			okapi.DocPathParam("name", "string", "Machine name or UUID"),
			okapi.DocRequestBody(okapi.M{}),
			okapi.DocResponse(dispatch.Ack{}),
			okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
			okapi.DocResponse(http.StatusConflict, ErrorBody{}),
			okapi.DocResponse(http.StatusBadGateway, ErrorBody{}),
		)
	}

	a.group.Post("/vms/{name}/clone", a.handleCloneVM,
		okapi.DocSummary("Clone a machine"),
		okapi.DocTags("VMs"),
		okapi.DocPathParam("name", "string", "Source machine name or UUID"),
		okapi.DocRequestBody(okapi.M{}),
		okapi.DocResponse(http.StatusCreated, dispatch.Ack{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusConflict, ErrorBody{}),
	)
	a.group.Post("/vms/{name}/modify", a.vmAction("modify"),
		okapi.DocSummary("Modify machine settings (memory, cpus, vram)"),
		okapi.DocTags("VMs"),
		okapi.DocPathParam("name", "string", "Machine name or UUID"),
		okapi.DocRequestBody(okapi.M{}),
		okapi.DocResponse(dispatch.Ack{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusConflict, ErrorBody{}),
	)
}

func (a *API) registerSnapshotRoutes() {
	a.group.Get("/vms/{name}/snapshots", a.handleListSnapshots,
		okapi.DocSummary("List snapshots of a machine"),
		okapi.DocTags("Snapshots"),
		okapi.DocPathParam("name", "string", "Machine name or UUID"),
		okapi.DocResponse([]vbox.Snapshot{}),
		okapi.DocResponse(http.StatusBadGateway, ErrorBody{}),
	)
	a.group.Post("/vms/{name}/snapshots", a.handleTakeSnapshot,
		okapi.DocSummary("Take a snapshot"),
		okapi.DocTags("Snapshots"),
		okapi.DocPathParam("name", "string", "Machine name or UUID"),
		okapi.DocRequestBody(okapi.M{}),
		okapi.DocResponse(http.StatusCreated, dispatch.Ack{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusConflict, ErrorBody{}),
	)
	a.group.Post("/vms/{name}/snapshots/restore", a.handleRestoreSnapshot,
		okapi.DocSummary("Restore a snapshot"),
		okapi.DocTags("Snapshots"),
		okapi.DocPathParam("name", "string", "Machine name or UUID"),
		okapi.DocRequestBody(okapi.M{}),
		okapi.DocResponse(dispatch.Ack{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusConflict, ErrorBody{}),
	)
	a.group.Delete("/vms/{name}/snapshots/{snapshot}", a.handleDeleteSnapshot,
		okapi.DocSummary("Delete a snapshot"),
		okapi.DocTags("Snapshots"),
		okapi.DocPathParam("name", "string", "Machine name or UUID"),
		okapi.DocPathParam("snapshot", "string", "Snapshot name"),
		okapi.DocResponse(dispatch.Ack{}),
		okapi.DocResponse(http.StatusConflict, ErrorBody{}),
	)
}

func (a *API) registerSandboxRoutes() {
	a.group.Get("/sandboxes", a.handleListSandboxes,
		okapi.DocSummary("List sandbox sessions"),
		okapi.DocTags("Sandboxes"),
		okapi.DocResponse([]wsb.Instance{}),
		okapi.DocResponse(http.StatusServiceUnavailable, ErrorBody{}),
	)
	a.group.Post("/sandboxes", a.handleCreateSandbox,
		okapi.DocSummary("Create a disposable sandbox from a config"),
		okapi.DocTags("Sandboxes"),
		okapi.DocRequestBody(okapi.M{}),
		okapi.DocResponse(http.StatusCreated, wsb.Instance{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusConflict, ErrorBody{}),
		okapi.DocResponse(http.StatusServiceUnavailable, ErrorBody{}),
	)
	a.group.Delete("/sandboxes/{name}", a.handleStopSandbox,
		okapi.DocSummary("Stop a sandbox and discard its machine"),
		okapi.DocTags("Sandboxes"),
		okapi.DocPathParam("name", "string", "Sandbox name"),
		okapi.DocResponse(dispatch.Ack{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
}

func (a *API) registerOperationRoutes() {
	a.group.Get("/operations", a.handleOperations,
		okapi.DocSummary("List recorded operations, newest first"),
		okapi.DocTags("Operations"),
		okapi.DocResponse([]dispatch.Operation{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusServiceUnavailable, ErrorBody{}),
	)
}

// --- Handlers ---

// ErrorBody is the JSON error response.
type ErrorBody struct {
	Error   string `json:"error"`
	Outcome string `json:"outcome,omitempty"`
}

func (a *API) handleDispatch(c *okapi.Context) error {
	if !a.allow(c) {
		return c.AbortTooManyRequests("rate limit exceeded")
	}
	params, err := a.decodeParams(c)
	if err != nil {
		return c.AbortBadRequest(err.Error())
	}
	return a.dispatch(c, c.Param("domain"), c.Param("action"), params, http.StatusOK)
}

func (a *API) handleCatalog(c *okapi.Context) error {
	return a.dispatch(c, "discovery", "domains", map[string]any{}, http.StatusOK)
}

func (a *API) handleCatalogDomain(c *okapi.Context) error {
	return a.dispatch(c, "discovery", "actions", map[string]any{"domain": c.Param("domain")}, http.StatusOK)
}

func (a *API) handleCatalogAction(c *okapi.Context) error {
	params := map[string]any{
		"domain":      c.Param("domain"),
		"action_name": c.Param("action"),
	}
	return a.dispatch(c, "discovery", "schema", params, http.StatusOK)
}

func (a *API) handleListVMs(c *okapi.Context) error {
	if !a.allow(c) {
		return c.AbortTooManyRequests("rate limit exceeded")
	}
	params := map[string]any{}
	if v := queryBool(c, "running_only"); v != nil {
		params["running_only"] = *v
	}
	return a.dispatch(c, "vm", "list", params, http.StatusOK)
}

func (a *API) handleCreateVM(c *okapi.Context) error {
	if !a.allow(c) {
		return c.AbortTooManyRequests("rate limit exceeded")
	}
	params, err := a.decodeParams(c)
	if err != nil {
		return c.AbortBadRequest(err.Error())
	}
	return a.dispatch(c, "vm", "create", params, http.StatusCreated)
}

func (a *API) handleVMInfo(c *okapi.Context) error {
	if !a.allow(c) {
		return c.AbortTooManyRequests("rate limit exceeded")
	}
	return a.dispatch(c, "vm", "info", map[string]any{"name": c.Param("name")}, http.StatusOK)
}

func (a *API) handleDeleteVM(c *okapi.Context) error {
	if !a.allow(c) {
		return c.AbortTooManyRequests("rate limit exceeded")
	}
	params := map[string]any{"name": c.Param("name")}
	if v := queryBool(c, "delete_files"); v != nil {
		params["delete_files"] = *v
	}
	if v := queryBool(c, "wait"); v != nil {
		params["wait"] = *v
	}
	return a.dispatch(c, "vm", "delete", params, http.StatusOK)
}

// vmAction builds a handler that forwards the JSON body, plus the name
// from the path, to one vm domain action.
func (a *API) vmAction(action string) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		if !a.allow(c) {
			return c.AbortTooManyRequests("rate limit exceeded")
		}
		params, err := a.decodeParams(c)
		if err != nil {
			return c.AbortBadRequest(err.Error())
		}
		params["name"] = c.Param("name")
		return a.dispatch(c, "vm", action, params, http.StatusOK)
	}
}

func (a *API) handleCloneVM(c *okapi.Context) error {
	if !a.allow(c) {
		return c.AbortTooManyRequests("rate limit exceeded")
	}
	params, err := a.decodeParams(c)
	if err != nil {
		return c.AbortBadRequest(err.Error())
	}
	params["name"] = c.Param("name")
	return a.dispatch(c, "vm", "clone", params, http.StatusCreated)
}

func (a *API) handleListSnapshots(c *okapi.Context) error {
	if !a.allow(c) {
		return c.AbortTooManyRequests("rate limit exceeded")
	}
	return a.dispatch(c, "snapshot", "list", map[string]any{"name": c.Param("name")}, http.StatusOK)
}

func (a *API) handleTakeSnapshot(c *okapi.Context) error {
	if !a.allow(c) {
		return c.AbortTooManyRequests("rate limit exceeded")
	}
	params, err := a.decodeParams(c)
	if err != nil {
		return c.AbortBadRequest(err.Error())
	}
	params["name"] = c.Param("name")
	return a.dispatch(c, "snapshot", "take", params, http.StatusCreated)
}

func (a *API) handleRestoreSnapshot(c *okapi.Context) error {
	if !a.allow(c) {
		return c.AbortTooManyRequests("rate limit exceeded")
	}
	params, err := a.decodeParams(c)
	if err != nil {
		return c.AbortBadRequest(err.Error())
	}
	params["name"] = c.Param("name")
	return a.dispatch(c, "snapshot", "restore", params, http.StatusOK)
}

func (a *API) handleDeleteSnapshot(c *okapi.Context) error {
	if !a.allow(c) {
		return c.AbortTooManyRequests("rate limit exceeded")
	}
	params := map[string]any{
		"name":          c.Param("name"),
		"snapshot_name": c.Param("snapshot"),
	}
	if v := queryBool(c, "wait"); v != nil {
		params["wait"] = *v
	}
	return a.dispatch(c, "snapshot", "delete", params, http.StatusOK)
}

func (a *API) handleListSandboxes(c *okapi.Context) error {
	if !a.allow(c) {
		return c.AbortTooManyRequests("rate limit exceeded")
	}
	return a.dispatch(c, "sandbox", "list", map[string]any{}, http.StatusOK)
}

func (a *API) handleCreateSandbox(c *okapi.Context) error {
	if !a.allow(c) {
		return c.AbortTooManyRequests("rate limit exceeded")
	}
	params, err := a.decodeParams(c)
	if err != nil {
		return c.AbortBadRequest(err.Error())
	}
	return a.dispatch(c, "sandbox", "create", params, http.StatusCreated)
}

func (a *API) handleStopSandbox(c *okapi.Context) error {
	if !a.allow(c) {
		return c.AbortTooManyRequests("rate limit exceeded")
	}
	params := map[string]any{"name": c.Param("name")}
	if v := queryBool(c, "force"); v != nil {
		params["force"] = *v
	}
	return a.dispatch(c, "sandbox", "stop", params, http.StatusOK)
}

func (a *API) handleOperations(c *okapi.Context) error {
	if a.oplog == nil {
		return c.AbortServiceUnavailable("operation log not configured")
	}
	if !a.allow(c) {
		return c.AbortTooManyRequests("rate limit exceeded")
	}

	q := c.Request().URL.Query()
	filter := store.OperationFilter{
		Domain:   q.Get("domain"),
		Action:   q.Get("action"),
		Resource: q.Get("resource"),
		Outcome:  q.Get("outcome"),
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return c.AbortBadRequest("limit must be a positive integer")
		}
		filter.Limit = n
	}

	ops, err := a.oplog.RecentOperations(c.Context(), filter)
	if err != nil {
		a.logger.Error("operation query failed", slog.String("error", err.Error()))
		return c.AbortInternalServerError("operation query failed")
	}
	return c.OK(ops)
}

// HealthResponse is the JSON response for the health probes.
type HealthResponse struct {
	Status string `json:"status"`
}

func (a *API) handleLiveness(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
}

// handleReadiness checks all registered dependencies and returns 200 or 503.
func (a *API) handleReadiness(c *okapi.Context) error {
	if a.config.HealthChecker == nil {
		return c.OK(&HealthResponse{Status: "ok"})
	}
	status := a.config.HealthChecker.CheckReady(c.Context())
	code := http.StatusOK
	if status.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}

// --- Middleware and helpers ---

func (a *API) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		authHeader := c.Header("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			return c.AbortUnauthorized("missing or invalid Authorization header")
		}
		apiKey := strings.TrimPrefix(authHeader, "Bearer ")

		caller := ""
		for key, name := range a.config.APIKeys {
			if subtle.ConstantTimeCompare([]byte(apiKey), []byte(key)) == 1 {
				caller = name
			}
		}
		if caller == "" {
			return c.AbortUnauthorized("invalid API key")
		}
		c.Set("caller", caller)
		return next(c)
	}
}

// caller identifies the client for rate limiting: the name behind its
// API key, or the remote address when authentication is disabled.
func (a *API) caller(c *okapi.Context) string {
	if name := c.GetString("caller"); name != "" {
		return name
	}
	host, _, err := net.SplitHostPort(c.Request().RemoteAddr)
	if err != nil {
		return c.Request().RemoteAddr
	}
	return host
}

func (a *API) allow(c *okapi.Context) bool {
	return a.limiter == nil || a.limiter.Allow(a.caller(c)) == nil
}

// decodeParams reads the request body as a JSON parameter bag. An empty
// body is an empty bag. The body is capped at the configured maximum.
func (a *API) decodeParams(c *okapi.Context) (map[string]any, error) {
	params := map[string]any{}
	r := c.Request()
	if r.Body == nil || r.ContentLength == 0 {
		return params, nil
	}
	limit := a.config.MaxRequestSize
	if limit <= 0 {
		limit = defaultMaxRequestSize
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, limit)).Decode(&params); err != nil {
		if errors.Is(err, io.EOF) {
			return map[string]any{}, nil
		}
		return nil, fmt.Errorf("request body must be a JSON object: %v", err)
	}
	return params, nil
}

// dispatch runs one catalog operation and writes the result, or the
// mapped error response.
func (a *API) dispatch(c *okapi.Context, domain, action string, params map[string]any, status int) error {
	result, err := a.dispatcher.Dispatch(c.Context(), domain, action, params)
	if err != nil {
		return a.operationError(c, domain, action, err)
	}
	if status == http.StatusOK {
		return c.OK(result)
	}
	return c.JSON(status, result)
}

// operationError translates the dispatcher's error taxonomy into HTTP
// status codes. The full error text goes back to the caller; these are
// operator-facing APIs and the text is what VBoxManage said.
func (a *API) operationError(c *okapi.Context, domain, action string, err error) error {
	outcome := dispatch.OutcomeOf(err)
	code := statusFor(err, outcome)
	if code >= http.StatusInternalServerError {
		a.logger.Error("operation failed",
			slog.String("domain", domain),
			slog.String("action", action),
			slog.String("outcome", string(outcome)),
			slog.String("error", err.Error()),
		)
	}
	return c.JSON(code, ErrorBody{Error: err.Error(), Outcome: string(outcome)})
}

func statusFor(err error, outcome dispatch.Outcome) int {
	switch {
	case errors.Is(err, wsb.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, wsb.ErrAlreadyRunning):
		return http.StatusConflict
	case errors.Is(err, dispatch.ErrSandboxDisabled):
		return http.StatusServiceUnavailable
	}
	switch outcome {
	case dispatch.OutcomeInvalid:
		return http.StatusBadRequest
	case dispatch.OutcomeBusy:
		return http.StatusConflict
	case dispatch.OutcomeTimeout, dispatch.OutcomeCanceled:
		return http.StatusGatewayTimeout
	case dispatch.OutcomeToolFailure, dispatch.OutcomeParseError:
		return http.StatusBadGateway
	case dispatch.OutcomeSpawnFailure:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func queryBool(c *okapi.Context, name string) *bool {
	raw := c.Request().URL.Query().Get(name)
	if raw == "" {
		return nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return nil
	}
	return &v
}
