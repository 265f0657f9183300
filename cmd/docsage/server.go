package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/docsage/docsage/engine/domain"
	"github.com/docsage/docsage/engine/index"
	"github.com/docsage/docsage/engine/ingest"
	"github.com/docsage/docsage/engine/llm"
	"github.com/docsage/docsage/engine/runs"
	"github.com/docsage/docsage/pkg/fn"
	"github.com/docsage/docsage/pkg/mid"
	"github.com/docsage/docsage/pkg/repo"
	"github.com/docsage/docsage/pkg/resilience"
	"github.com/xeipuuv/gojsonschema"
)

const notReadyDetail = "Vector database not created. Please process files first."

// Ingester rebuilds the index. *app implements it.
type Ingester interface {
	Ingest(ctx context.Context, req ingest.Request) (*ingest.Result, error)
}

// Answerer answers a question with a named model. *app implements it.
type Answerer interface {
	Answer(ctx context.Context, question, model string) (*domain.Answer, error)
}

// Snapshots yields the live index.
type Snapshots interface {
	Current() (*index.Snapshot, error)
}

// healthCheck probes one optional dependency.
type healthCheck struct {
	name  string
	probe func(ctx context.Context) error
}

type server struct {
	ingest  Ingester
	answer  Answerer
	index   Snapshots
	runs    *runs.Store
	metrics http.Handler
	checks  []healthCheck

	cfg      ServerConfig
	defaults IngestConfig
	admit    *resilience.Limiter
	log      *slog.Logger
}

func newServer(a *app) *server {
	s := &server{
		ingest:   a,
		answer:   a,
		index:    a.slot,
		runs:     a.runs,
		metrics:  a.reg.Handler(),
		cfg:      a.cfg.Server,
		defaults: a.cfg.Ingest,
		log:      a.log,
	}
	if a.cfg.Server.ProcessRate > 0 {
		s.admit = resilience.NewLimiter(resilience.LimiterOpts{Rate: a.cfg.Server.ProcessRate, Burst: 1})
	}
	if a.nc != nil {
		nc := a.nc
		s.checks = append(s.checks, healthCheck{name: "nats", probe: func(context.Context) error {
			if !nc.IsConnected() {
				return fmt.Errorf("status %s", nc.Status())
			}
			return nil
		}})
	}
	if a.neo != nil {
		driver := a.neo
		s.checks = append(s.checks, healthCheck{name: "neo4j", probe: driver.VerifyConnectivity})
	}
	return s
}

// handler returns the routed, middleware-wrapped HTTP handler.
func (s *server) handler(obs mid.Observer) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /upload", s.handleUpload)
	mux.HandleFunc("POST /process", s.handleProcess)
	mux.HandleFunc("POST /query", s.handleQuery)
	mux.HandleFunc("GET /models", s.handleModels)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /runs", s.handleRuns)
	mux.HandleFunc("GET /runs/{id}", s.handleRun)
	mux.Handle("GET /metrics", s.metrics)

	limit := s.cfg.MaxUploadMB << 20
	if limit <= 0 {
		limit = 64 << 20
	}
	return mid.Chain(mux,
		mid.Recover(s.log),
		mid.RequestID(),
		mid.Logger(s.log, obs),
		mid.CORS(mid.CORSOptions{Origins: s.cfg.CORSOrigins, Credentials: true}),
		mid.BodyLimit(limit),
		mid.OTel("docsage"),
	)
}

// serve runs the HTTP server until ctx is cancelled, then drains it.
func (s *server) serve(ctx context.Context, addr string, h http.Handler) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      h,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("http server starting", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		s.log.Info("shutdown signal received")
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutCtx)
}

// --- Handlers ---

// processRequest is the JSON body for POST /process. similarity_threshold and
// model are accepted for client compatibility and not used by indexing.
type processRequest struct {
	FilePaths           []string `json:"file_paths"`
	ChunkSize           int      `json:"chunk_size"`
	ChunkOverlap        int      `json:"chunk_overlap"`
	EmbeddingModel      string   `json:"embedding_model"`
	LoadStrategy        string   `json:"load_strategy"`
	Backend             string   `json:"backend"`
	SimilarityThreshold *float64 `json:"similarity_threshold"`
	Model               string   `json:"model"`
}

type processResponse struct {
	Message string           `json:"message"`
	RunID   string           `json:"run_id"`
	Info    domain.IndexInfo `json:"info"`
	Skipped []ingest.Skip    `json:"skipped"`
}

type queryRequest struct {
	Question string `json:"question"`
	Model    string `json:"model"`
}

type healthResponse struct {
	Status       string            `json:"status"`
	Index        *domain.IndexInfo `json:"index"`
	Dependencies map[string]string `json:"dependencies,omitempty"`
}

func (s *server) handleUpload(w http.ResponseWriter, r *http.Request) {
	s.admitted(w, r, func() { s.upload(w, r) })
}

func (s *server) upload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		s.writeError(w, r, bodyError(err))
		return
	}
	defer r.MultipartForm.RemoveAll()

	files := r.MultipartForm.File["files"]
	if len(files) == 0 {
		s.writeError(w, r, domain.NewValidationError("files", "", domain.ErrRequired))
		return
	}
	if err := os.MkdirAll(s.cfg.UploadsDir, 0o755); err != nil {
		s.writeError(w, r, fmt.Errorf("uploads: %w", err))
		return
	}
	paths := make([]string, 0, len(files))
	for _, fh := range files {
		p, err := s.saveUpload(fh)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		paths = append(paths, p)
	}
	writeJSON(w, http.StatusOK, map[string][]string{"file_paths": paths})
}

func (s *server) saveUpload(fh *multipart.FileHeader) (string, error) {
	name := filepath.Base(fh.Filename)
	if name == "." || name == string(filepath.Separator) {
		return "", domain.NewValidationError("files", fh.Filename, domain.ErrRequired)
	}
	src, err := fh.Open()
	if err != nil {
		return "", fmt.Errorf("uploads: open %s: %w", name, err)
	}
	defer src.Close()

	dst := filepath.Join(s.cfg.UploadsDir, name)
	out, err := os.Create(dst)
	if err != nil {
		return "", fmt.Errorf("uploads: create %s: %w", dst, err)
	}
	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		return "", fmt.Errorf("uploads: write %s: %w", dst, err)
	}
	return dst, out.Close()
}

func (s *server) handleProcess(w http.ResponseWriter, r *http.Request) {
	var req processRequest
	if err := decodeValidated(r, processLoader, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.admitted(w, r, func() { s.process(w, r, req) })
}

func (s *server) process(w http.ResponseWriter, r *http.Request, req processRequest) {
	ireq := ingest.Request{
		Paths:          req.FilePaths,
		ChunkSize:      req.ChunkSize,
		ChunkOverlap:   req.ChunkOverlap,
		EmbeddingModel: orDefault(req.EmbeddingModel, s.defaults.EmbeddingModel),
		Strategy:       orDefault(req.LoadStrategy, s.defaults.Strategy),
		Backend:        orDefault(req.Backend, s.defaults.Backend),
	}
	res, err := s.ingest.Ingest(r.Context(), ireq)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	skipped := res.Skipped
	if skipped == nil {
		skipped = []ingest.Skip{}
	}
	writeJSON(w, http.StatusOK, processResponse{
		Message: "Files processed successfully",
		RunID:   res.RunID,
		Info:    res.Info,
		Skipped: skipped,
	})
}

func (s *server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := decodeValidated(r, queryLoader, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	ans, err := s.answer.Answer(r.Context(), req.Question, req.Model)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ans)
}

func (s *server) handleModels(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]llm.ModelInfo{"models": llm.Models()})
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok"}
	if snap, err := s.index.Current(); err == nil {
		info := snap.Info
		resp.Index = &info
	}
	if len(s.checks) > 0 {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		probes := fn.Map(s.checks, func(c healthCheck) func() error {
			return func() error { return c.probe(ctx) }
		})
		resp.Dependencies = make(map[string]string, len(s.checks))
		for i, err := range fn.FanOut(probes...) {
			if err != nil {
				resp.Status = "degraded"
				resp.Dependencies[s.checks[i].name] = err.Error()
				continue
			}
			resp.Dependencies[s.checks[i].name] = "ok"
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *server) handleRuns(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 500 {
			s.writeError(w, r, domain.NewValidationError("limit", v, domain.ErrOutOfRange))
			return
		}
		limit = n
	}
	list, err := s.runs.Recent(r.Context(), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if list == nil {
		list = []runs.Run{}
	}
	writeJSON(w, http.StatusOK, map[string][]runs.Run{"runs": list})
}

func (s *server) handleRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.runs.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// admitted runs f under the ingest admission limiter, writing 429 when it refuses.
func (s *server) admitted(w http.ResponseWriter, r *http.Request, f func()) {
	if s.admit == nil {
		f()
		return
	}
	err := s.admit.Call(r.Context(), func(context.Context) error {
		f()
		return nil
	})
	if errors.Is(err, resilience.ErrRateLimited) {
		w.Header().Set("Retry-After", "1")
		writeJSON(w, http.StatusTooManyRequests, errorBody{Error: "TooManyRequests", Detail: "ingest admission limit reached, retry shortly"})
	}
}

// --- Errors and encoding ---

type errorBody struct {
	Error  string `json:"error"`
	Detail string `json:"detail"`
}

// classify maps an error to its HTTP status and public kind.
func classify(err error) (int, string, string) {
	var mbe *http.MaxBytesError
	switch {
	case errors.Is(err, index.ErrRebuildInProgress):
		return http.StatusConflict, "RebuildInProgress", err.Error()
	case errors.As(err, &mbe):
		return http.StatusRequestEntityTooLarge, "ValidationError", err.Error()
	case errors.Is(err, repo.ErrNotFound):
		return http.StatusNotFound, "NotFound", err.Error()
	}

	switch kind := domain.KindOf(err); kind {
	case domain.KindIndexNotReady:
		return http.StatusBadRequest, kind.String(), notReadyDetail
	case domain.KindLoad, domain.KindInvalidChunkConfig, domain.KindUnsupportedModel:
		return http.StatusBadRequest, kind.String(), err.Error()
	case domain.KindEmbedding, domain.KindRetrieval, domain.KindGeneration:
		return http.StatusBadGateway, kind.String(), err.Error()
	}

	var ve *domain.ValidationError
	if errors.As(err, &ve) || errors.Is(err, errSchema) {
		return http.StatusBadRequest, "ValidationError", err.Error()
	}
	return http.StatusInternalServerError, domain.KindUnknown.String(), "internal server error"
}

func (s *server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, kind, detail := classify(err)
	level := slog.LevelWarn
	if status >= 500 {
		level = slog.LevelError
	}
	s.log.Log(r.Context(), level, "request failed",
		"path", r.URL.Path,
		"kind", kind,
		"status", status,
		"err", err,
		"request_id", mid.RequestIDFrom(r.Context()),
	)
	writeJSON(w, status, errorBody{Error: kind, Detail: detail})
}

// bodyError marks malformed request bodies as validation failures.
func bodyError(err error) error {
	var mbe *http.MaxBytesError
	if errors.As(err, &mbe) {
		return err
	}
	return domain.NewValidationError("body", "", err)
}

// decodeValidated reads a JSON body, checks it against schema and decodes it into v.
func decodeValidated(r *http.Request, schema gojsonschema.JSONLoader, v any) error {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return bodyError(err)
	}
	if err := validateBody(schema, body); err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return bodyError(err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
