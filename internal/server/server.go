// ============================================================================
// Venom HTTP API
// ============================================================================
//
// Package: internal/server
// 功能: 以 JSON over HTTP 對外提供任務治理核心的操作
//
// 路由:
//   任務       POST /v1/tasks, GET /v1/tasks, GET /v1/tasks/{id},
//              POST /v1/tasks/{id}/abort, POST /v1/tasks/{id}/resubmit
//   佇列       GET /v1/queue, POST /v1/queue/{pause|resume|purge|emergency-stop},
//              PUT /v1/queue/max-active
//   自主等級   GET|PUT /v1/autonomy, GET /v1/autonomy/levels
//   付費模式   GET|PUT /v1/cost-mode（啟用時需要 confirm=true）
//   節點       GET /v1/nodes, POST /v1/nodes/execute
//   Hive      GET /v1/hive, GET /v1/hive/dead
//   事件流     GET /v1/events（SSE）
//   維運       GET /healthz, GET /metrics
//
// 錯誤格式: {"error": "...", "retryable": true}
//   404 任務/節點/作業不存在  403 權限不足  409 狀態衝突
//   503 可重試的節點錯誤      400 輸入錯誤
// ============================================================================

package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/mpieniak01/venom/internal/autonomy"
	"github.com/mpieniak01/venom/internal/costguard"
	"github.com/mpieniak01/venom/internal/events"
	"github.com/mpieniak01/venom/internal/hive"
	"github.com/mpieniak01/venom/internal/metrics"
	"github.com/mpieniak01/venom/internal/nexus"
	"github.com/mpieniak01/venom/internal/orchestrator"
	"github.com/mpieniak01/venom/internal/tracing"
)

var log = slog.Default()

// Deps HTTP 層使用的元件；Registry 與 Hive 可為 nil
type Deps struct {
	Orchestrator *orchestrator.Orchestrator
	Gate         *autonomy.Gate
	Router       *costguard.Router
	Bus          *events.EventBus
	Metrics      *metrics.Collector
	Registry     *nexus.Registry
	Hive         hive.Broker
}

// Server HTTP API
type Server struct {
	orch     *orchestrator.Orchestrator
	gate     *autonomy.Gate
	router   *costguard.Router
	bus      *events.EventBus
	metrics  *metrics.Collector
	registry *nexus.Registry
	hive     hive.Broker

	keepalive time.Duration
	started   time.Time
}

func New(deps Deps) *Server {
	return &Server{
		orch:      deps.Orchestrator,
		gate:      deps.Gate,
		router:    deps.Router,
		bus:       deps.Bus,
		metrics:   deps.Metrics,
		registry:  deps.Registry,
		hive:      deps.Hive,
		keepalive: 15 * time.Second,
		started:   time.Now(),
	}
}

// Handler 回傳完整路由（含 logging 與 tracing middleware）
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", s.metrics.Handler())

	mux.HandleFunc("POST /v1/tasks", s.handleSubmit)
	mux.HandleFunc("GET /v1/tasks", s.handleListTasks)
	mux.HandleFunc("GET /v1/tasks/{id}", s.handleGetTask)
	mux.HandleFunc("POST /v1/tasks/{id}/abort", s.handleAbort)
	mux.HandleFunc("POST /v1/tasks/{id}/resubmit", s.handleResubmit)

	mux.HandleFunc("GET /v1/queue", s.handleQueueStats)
	mux.HandleFunc("POST /v1/queue/{action}", s.handleQueueAction)
	mux.HandleFunc("PUT /v1/queue/max-active", s.handleMaxActive)

	mux.HandleFunc("GET /v1/autonomy", s.handleGetAutonomy)
	mux.HandleFunc("PUT /v1/autonomy", s.handleSetAutonomy)
	mux.HandleFunc("GET /v1/autonomy/levels", s.handleLevels)

	mux.HandleFunc("GET /v1/cost-mode", s.handleGetCostMode)
	mux.HandleFunc("PUT /v1/cost-mode", s.handleSetCostMode)

	mux.HandleFunc("GET /v1/nodes", s.handleListNodes)
	mux.HandleFunc("POST /v1/nodes/execute", s.handleNodeExecute)

	mux.HandleFunc("GET /v1/hive", s.handleHiveStats)
	mux.HandleFunc("GET /v1/hive/dead", s.handleHiveDead)

	mux.HandleFunc("GET /v1/events", s.handleEvents)

	return withTracing(withLogging(mux))
}

// Serve 監聽 addr 直到 ctx 取消，再以 5 秒期限優雅關閉
func (s *Server) Serve(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.ServeListener(ctx, lis)
}

func (s *Server) ServeListener(ctx context.Context, lis net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("HTTP API listening", "addr", lis.Addr().String())
		errCh <- srv.Serve(lis)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	log.Info("HTTP API stopped")
	return nil
}

// ============================================================================
// Middleware
// ============================================================================

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		log.Debug("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", sw.status,
			"duration", time.Since(start))
	})
}

func withTracing(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracing.StartSpan(r.Context(), "http.request",
			attribute.String("http.method", r.Method),
			attribute.String("http.path", r.URL.Path),
		)
		defer span.End()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		if sc := span.SpanContext(); sc.HasTraceID() {
			sw.Header().Set("X-Trace-ID", sc.TraceID().String())
		}
		next.ServeHTTP(sw, r.WithContext(ctx))
		span.SetAttributes(attribute.Int("http.status_code", sw.status))
	})
}
