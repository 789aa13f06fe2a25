package server

import (
	"bytes"
	"context"
	"log"
	"net/http"
	"sort"
	"sync"

	"github.com/labstack/echo/v4"

	"github.com/quorumhq/quorum/config"
	"github.com/quorumhq/quorum/internal/orchestrate"
	"github.com/quorumhq/quorum/internal/report"
	"github.com/quorumhq/quorum/internal/rubric"
	"github.com/quorumhq/quorum/internal/store"
	"github.com/quorumhq/quorum/internal/synthesis"
)

// QueriesHandler owns the query lifecycle: dispatch, progress, cancellation
// and report rendering.
type QueriesHandler struct {
	Store  *store.Store
	Orch   *orchestrate.Orchestrator
	Synth  *synthesis.Synthesizer
	Cfg    *config.Config
	Logger *log.Logger

	mu      sync.Mutex
	running map[string]*queryRun
}

type queryRun struct {
	cancel context.CancelFunc
	done   chan struct{}
}

type CreateQueryRequest struct {
	Prompt     string        `json:"prompt"`
	Services   []string      `json:"services,omitempty"`
	Rubric     rubric.Rubric `json:"rubric"`
	MaxRetries int           `json:"max_retries,omitempty"`
}

func (h *QueriesHandler) Register(g *echo.Group, secret []byte) {
	g.Use(func(next echo.HandlerFunc) echo.HandlerFunc { return withAuth(next, secret) })
	g.POST("", h.create)
	g.GET("", h.list)
	g.GET("/:id", h.get)
	g.POST("/:id/cancel", h.cancel)
	g.GET("/:id/report", h.renderReport)
}

func (h *QueriesHandler) create(c echo.Context) error {
	var req CreateQueryRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Prompt == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "prompt is required")
	}
	services := req.Services
	if len(services) == 0 {
		services = h.enabledServices()
	}
	if len(services) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "no services configured")
	}

	q := orchestrate.NewQueryRequest(req.Prompt, services, req.Rubric, req.MaxRetries)
	userID, _ := c.Get("user_id").(string)
	if err := h.Store.SaveQuery(c.Request().Context(), userID, q); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	runCtx, cancel := context.WithCancel(context.Background())
	updates, err := h.Orch.Dispatch(runCtx, q)
	if err != nil {
		cancel()
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	run := &queryRun{cancel: cancel, done: make(chan struct{})}
	h.mu.Lock()
	if h.running == nil {
		h.running = make(map[string]*queryRun)
	}
	h.running[q.ID] = run
	h.mu.Unlock()

	go h.complete(runCtx, q, updates, run)

	return c.JSON(http.StatusAccepted, map[string]string{"id": q.ID})
}

// complete drains the dispatch stream, synthesizes, and persists the audit
// trail. Persistence uses a fresh context so a cancelled query still gets
// its partial results recorded.
func (h *QueriesHandler) complete(runCtx context.Context, q orchestrate.QueryRequest, updates <-chan orchestrate.AttemptUpdate, run *queryRun) {
	defer close(run.done)
	defer run.cancel()
	defer func() {
		h.mu.Lock()
		delete(h.running, q.ID)
		h.mu.Unlock()
	}()

	finals, audit := synthesis.Collect(updates)
	result := h.Synth.Synthesize(q, finals, audit)

	ctx := context.Background()
	for _, att := range audit {
		if err := h.Store.SaveAttempt(ctx, att); err != nil {
			h.Logger.Printf("save attempt %s/%d: %v", att.ServiceID, att.AttemptNumber, err)
		}
	}
	if err := h.Store.SaveSynthesis(ctx, result); err != nil {
		h.Logger.Printf("save synthesis %s: %v", q.ID, err)
	}
}

func (h *QueriesHandler) list(c echo.Context) error {
	userID, _ := c.Get("user_id").(string)
	records, err := h.Store.ListQueries(c.Request().Context(), userID, 50)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	out := make([]map[string]interface{}, 0, len(records))
	for _, rec := range records {
		out = append(out, map[string]interface{}{
			"id":         rec.ID,
			"prompt":     rec.OriginalPrompt,
			"created_at": rec.CreatedAt,
			"running":    h.isRunning(rec.ID),
		})
	}
	return c.JSON(http.StatusOK, out)
}

func (h *QueriesHandler) get(c echo.Context) error {
	id := c.Param("id")
	ctx := c.Request().Context()

	rec, found, err := h.Store.GetQuery(ctx, id)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if !found {
		return echo.NewHTTPError(http.StatusNotFound, "query not found")
	}
	attempts, err := h.Store.ListAttempts(ctx, id)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	resp := map[string]interface{}{
		"query":    rec,
		"attempts": attempts,
		"running":  h.isRunning(id),
	}
	if result, ok, err := h.Store.GetSynthesis(ctx, id); err == nil && ok {
		resp["synthesis"] = result
	}
	return c.JSON(http.StatusOK, resp)
}

func (h *QueriesHandler) cancel(c echo.Context) error {
	id := c.Param("id")
	h.mu.Lock()
	run, ok := h.running[id]
	h.mu.Unlock()
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "query not running")
	}
	run.cancel()
	return c.JSON(http.StatusOK, map[string]string{"status": "cancelling"})
}

func (h *QueriesHandler) renderReport(c echo.Context) error {
	id := c.Param("id")
	format := c.QueryParam("format")
	if format == "" {
		format = "md"
	}
	exporter, err := report.NewExporter(format)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	result, found, err := h.Store.GetSynthesis(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if !found {
		return echo.NewHTTPError(http.StatusNotFound, "no synthesis for query")
	}

	var buf bytes.Buffer
	if err := exporter.Export(result, &buf); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	contentType := "text/markdown; charset=utf-8"
	if exporter.Extension() == "json" {
		contentType = "application/json"
	}
	return c.Blob(http.StatusOK, contentType, buf.Bytes())
}

func (h *QueriesHandler) isRunning(id string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.running[id]
	return ok
}

func (h *QueriesHandler) enabledServices() []string {
	var out []string
	for name, svc := range h.Cfg.Services {
		if svc.Enabled {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
