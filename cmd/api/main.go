// Package main implements the threat-intel API server.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/invopop/jsonschema"

	"github.com/WessleyAI/threatintel/engine/app"
	"github.com/WessleyAI/threatintel/engine/domain"
	"github.com/WessleyAI/threatintel/engine/graph"
	"github.com/WessleyAI/threatintel/engine/rag"
	"github.com/WessleyAI/threatintel/pkg/config"
	"github.com/WessleyAI/threatintel/pkg/metrics"
	"github.com/WessleyAI/threatintel/pkg/mid"
	"github.com/WessleyAI/threatintel/pkg/repo"
)

const metricPrefix = "threatintel"

func main() {
	cfg, err := config.Load(os.Getenv("THREATINTEL_CONFIG"))
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)}))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited with error", "err", err)
		os.Exit(1)
	}
}

func parseLevel(s string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return l
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	reg := metrics.New()
	reg.CollectRuntime(ctx, metricPrefix+"_api", 15*time.Second)

	s := &server{ingest: a, query: a, reg: reg, logger: logger}
	if a.Graph != nil {
		s.graph = a.Graph
	}

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      s.handler(cfg.CORSOrigin),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server starting", "port", cfg.Port)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutCtx)
}

// --- Collaborators ---

type ingester interface {
	IngestRecent(ctx context.Context, req domain.IngestRequest) (int, error)
}

type querier interface {
	Query(ctx context.Context, question string) (*rag.Answer, error)
}

type advisoryGraph interface {
	Get(ctx context.Context, id string) (graph.Advisory, error)
	List(ctx context.Context, offset, limit int) ([]graph.Advisory, error)
	BySeverity(ctx context.Context, severity string, limit int) ([]graph.Advisory, error)
	Stats(ctx context.Context) (graph.Stats, error)
}

type server struct {
	ingest ingester
	query  querier
	graph  advisoryGraph // nil when Neo4j is not configured
	reg    *metrics.Registry
	logger *slog.Logger
}

func (s *server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", handleRoot)
	mux.HandleFunc("GET /api/health", handleHealth)
	mux.HandleFunc("GET /api/schema", handleSchema)
	mux.HandleFunc("POST /api/ingest", s.handleIngest)
	mux.HandleFunc("POST /api/query", s.handleQuery)
	mux.HandleFunc("GET /api/advisories", s.handleAdvisories)
	mux.HandleFunc("GET /api/advisories/{id}", s.handleAdvisory)
	mux.HandleFunc("GET /api/stats", s.handleStats)
	mux.Handle("GET /metrics", s.reg.Handler())
	return mux
}

func (s *server) handler(corsOrigin string) http.Handler {
	return mid.Chain(s.routes(),
		mid.Recover(s.logger),
		mid.RequestID(),
		mid.Logger(s.logger),
		mid.CORS(corsOrigin),
		mid.OTel(metricPrefix+"-api"),
		mid.Metrics(s.reg, metricPrefix),
	)
}

// --- Handlers ---

func handleRoot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"message": "Threat Intelligence RAG API", "status": "running"})
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// IngestResponse is the JSON response for POST /api/ingest.
type IngestResponse struct {
	Message string `json:"message"`
	Count   int    `json:"count"`
}

func (s *server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req domain.IngestRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	start := time.Now()
	n, err := s.ingest.IngestRecent(r.Context(), req)
	s.reg.Histogram(metricPrefix+"_ingest_duration_seconds", "Feed fetch plus ingestion time", nil).Since(start)
	if err != nil {
		s.fail(w, "ingest failed", err)
		return
	}
	s.reg.Counter(metricPrefix+"_advisories_ingested_total", "Advisories upserted into the vector store").Add(int64(n))

	msg := "CVEs ingested successfully"
	if n == 0 {
		msg = "No CVEs found"
	}
	writeJSON(w, http.StatusOK, IngestResponse{Message: msg, Count: n})
}

func (s *server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req domain.QueryRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	start := time.Now()
	ans, err := s.query.Query(r.Context(), req.Query)
	s.reg.Histogram(metricPrefix+"_query_duration_seconds", "Retrieval plus synthesis time", nil).Since(start)
	if err != nil {
		s.fail(w, "query failed", err)
		return
	}
	outcome := "answered"
	if len(ans.Sources) == 0 {
		outcome = "no_results"
	}
	s.reg.Counter(metrics.WithLabels(metricPrefix+"_queries_total", "outcome", outcome), "Questions answered").Inc()
	writeJSON(w, http.StatusOK, ans)
}

func (s *server) handleAdvisory(w http.ResponseWriter, r *http.Request) {
	if s.graph == nil {
		writeError(w, http.StatusServiceUnavailable, "advisory graph not configured")
		return
	}
	adv, err := s.graph.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, "advisory lookup failed", err)
		return
	}
	writeJSON(w, http.StatusOK, adv)
}

// handleAdvisories lists graph advisories, filtered by ?severity= when given.
func (s *server) handleAdvisories(w http.ResponseWriter, r *http.Request) {
	if s.graph == nil {
		writeError(w, http.StatusServiceUnavailable, "advisory graph not configured")
		return
	}
	q := r.URL.Query()
	offset, err1 := queryInt(q.Get("offset"))
	limit, err2 := queryInt(q.Get("limit"))
	if err := errors.Join(err1, err2); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var advs []graph.Advisory
	var err error
	if sev := q.Get("severity"); sev != "" {
		advs, err = s.graph.BySeverity(r.Context(), sev, limit)
	} else {
		advs, err = s.graph.List(r.Context(), offset, limit)
	}
	if err != nil {
		s.fail(w, "advisory list failed", err)
		return
	}
	writeJSON(w, http.StatusOK, advs)
}

func (s *server) handleStats(w http.ResponseWriter, r *http.Request) {
	if s.graph == nil {
		writeError(w, http.StatusServiceUnavailable, "advisory graph not configured")
		return
	}
	st, err := s.graph.Stats(r.Context())
	if err != nil {
		s.fail(w, "stats failed", err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

var schemas = func() map[string]*jsonschema.Schema {
	reflector := jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
	}
	return map[string]*jsonschema.Schema{
		"ingestRequest":  reflector.Reflect(domain.IngestRequest{}),
		"ingestResponse": reflector.Reflect(IngestResponse{}),
		"queryRequest":   reflector.Reflect(domain.QueryRequest{}),
		"queryResponse":  reflector.Reflect(rag.Answer{}),
	}
}()

func handleSchema(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, schemas)
}

// --- Helpers ---

// queryInt parses a non-negative integer query parameter; empty is 0.
func queryInt(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid integer %q", v)
	}
	return n, nil
}

// decodeBody decodes a JSON body. An empty body leaves v at its zero value.
func decodeBody(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// fail maps err to a status: validation errors are 400, unknown advisories
// 404, everything else 500 with the error text.
func (s *server) fail(w http.ResponseWriter, msg string, err error) {
	switch {
	case errors.Is(err, domain.ErrInvalidQuery), errors.Is(err, domain.ErrQueryTooShort), errors.Is(err, domain.ErrOutOfRange):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, repo.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		s.logger.Error(msg, "err", err)
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
