package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/docsage/docsage/engine/domain"
	"github.com/docsage/docsage/engine/index"
	"github.com/docsage/docsage/pkg/repo"
)

const testModel = "llama-3.1-8b-instant"

// groqStub answers chat completions with "Paris", or fails with status when non-zero.
func groqStub(t *testing.T, status *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if code := status.Load(); code != 0 {
			w.WriteHeader(int(code))
			w.Write([]byte(`{"error":{"message":"upstream down"}}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"1","object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":"Paris"},"finish_reason":"stop"}]}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

type testEnv struct {
	app     *app
	handler http.Handler
	status  *atomic.Int32
	dir     string
}

func newTestEnv(t *testing.T, overrides map[string]any) *testEnv {
	t.Helper()
	status := &atomic.Int32{}
	stub := groqStub(t, status)
	dir := t.TempDir()

	v := newViper()
	v.Set("ingest.embedding_model", "hash:64")
	v.Set("providers.groq_api_key", "test-key")
	v.Set("providers.groq_base_url", stub.URL)
	v.Set("providers.retry_attempts", 1)
	v.Set("server.uploads_dir", filepath.Join(dir, "uploads"))
	v.Set("server.process_rate", 0)
	for k, val := range overrides {
		v.Set(k, val)
	}
	cfg, err := loadConfig(v, "")
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	a, err := newApp(context.Background(), cfg, log)
	if err != nil {
		t.Fatalf("app: %v", err)
	}
	t.Cleanup(a.Close)
	return &testEnv{app: a, handler: newServer(a).handler(a.tel.request), status: status, dir: dir}
}

func (e *testEnv) writeFile(t *testing.T, name, text string) string {
	t.Helper()
	p := filepath.Join(e.dir, name)
	if err := os.WriteFile(p, []byte(text), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func (e *testEnv) do(method, path string, body any) *httptest.ResponseRecorder {
	var r io.Reader
	if body != nil {
		raw, _ := json.Marshal(body)
		r = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var eb errorBody
	if err := json.Unmarshal(rec.Body.Bytes(), &eb); err != nil {
		t.Fatalf("error body %q: %v", rec.Body.String(), err)
	}
	return eb
}

func (e *testEnv) process(t *testing.T, paths ...string) *httptest.ResponseRecorder {
	t.Helper()
	return e.do("POST", "/process", map[string]any{"file_paths": paths, "chunk_size": 200, "chunk_overlap": 20})
}

func TestQuery_BeforeProcess(t *testing.T) {
	e := newTestEnv(t, nil)
	rec := e.do("POST", "/query", map[string]string{"question": "capital of France?", "model": testModel})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	eb := decodeError(t, rec)
	if eb.Error != "IndexNotReady" || eb.Detail != notReadyDetail {
		t.Fatalf("body = %+v", eb)
	}
}

func TestProcessThenQuery(t *testing.T) {
	e := newTestEnv(t, nil)
	france := e.writeFile(t, "france.txt", "Paris is the capital of France. The Seine flows through Paris.")
	rivers := e.writeFile(t, "rivers.txt", "The Danube crosses many countries in central Europe.")

	rec := e.process(t, france, rivers)
	if rec.Code != http.StatusOK {
		t.Fatalf("process status = %d, body %s", rec.Code, rec.Body)
	}
	var pr processResponse
	json.Unmarshal(rec.Body.Bytes(), &pr)
	if pr.Message != "Files processed successfully" || pr.Info.Version != 1 || pr.Info.Documents != 2 || pr.Skipped == nil {
		t.Fatalf("process response = %+v", pr)
	}

	rec = e.do("POST", "/query", map[string]string{"question": "What is the capital of France?", "model": testModel})
	if rec.Code != http.StatusOK {
		t.Fatalf("query status = %d, body %s", rec.Code, rec.Body)
	}
	var ans domain.Answer
	json.Unmarshal(rec.Body.Bytes(), &ans)
	if ans.Text != "Paris" || len(ans.Sources) == 0 {
		t.Fatalf("answer = %+v", ans)
	}
	found := false
	for _, s := range ans.Sources {
		if s == france {
			found = true
		}
	}
	if !found {
		t.Fatalf("sources %v missing %s", ans.Sources, france)
	}

	var health healthResponse
	json.Unmarshal(e.do("GET", "/health", nil).Body.Bytes(), &health)
	if health.Status != "ok" || health.Index == nil || health.Index.Version != 1 || health.Index.EmbeddingModel != "hash:64" {
		t.Fatalf("health = %+v", health)
	}

	var list struct{ Runs []struct{ ID, Status string } }
	json.Unmarshal(e.do("GET", "/runs", nil).Body.Bytes(), &list)
	if len(list.Runs) != 1 || list.Runs[0].Status != "succeeded" || list.Runs[0].ID != pr.RunID {
		t.Fatalf("runs = %+v", list)
	}
	if rec := e.do("GET", "/runs/"+pr.RunID, nil); rec.Code != http.StatusOK {
		t.Fatalf("run lookup status = %d", rec.Code)
	}

	metrics := e.do("GET", "/metrics", nil).Body.String()
	for _, want := range []string{
		`docsage_ingest_runs_total{status="ok"} 1`,
		`docsage_queries_total{status="ok"} 1`,
		`docsage_index_version 1`,
		`docsage_ingest_stage_duration_seconds_count{stage="embed"} 1`,
		`docsage_http_requests_total{method="POST",path="/process",status="200"} 1`,
	} {
		if !strings.Contains(metrics, want) {
			t.Errorf("metrics missing %q", want)
		}
	}
}

func TestHealth_NoIndex(t *testing.T) {
	e := newTestEnv(t, nil)
	rec := e.do("GET", "/health", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"index":null`) {
		t.Fatalf("health = %d %s", rec.Code, rec.Body)
	}
}

func TestProcess_Rejections(t *testing.T) {
	e := newTestEnv(t, nil)
	doc := e.writeFile(t, "a.txt", "some text")

	body := func(paths []string, size, overlap int, extra ...string) map[string]any {
		m := map[string]any{"file_paths": paths, "chunk_size": size, "chunk_overlap": overlap}
		for i := 0; i+1 < len(extra); i += 2 {
			m[extra[i]] = extra[i+1]
		}
		return m
	}
	tests := []struct {
		name   string
		body   map[string]any
		status int
		kind   string
	}{
		{"overlap too large", body([]string{doc}, 100, 100), http.StatusBadRequest, "InvalidChunkConfig"},
		{"zero size", body([]string{doc}, 0, 0), http.StatusBadRequest, "InvalidChunkConfig"},
		{"missing chunk size", map[string]any{"file_paths": []string{doc}, "chunk_overlap": 0}, http.StatusBadRequest, "ValidationError"},
		{"empty paths", body([]string{}, 100, 0), http.StatusBadRequest, "ValidationError"},
		{"unknown backend", body([]string{doc}, 100, 0, "backend", "faiss"), http.StatusBadRequest, "ValidationError"},
		{"missing file", body([]string{filepath.Join(e.dir, "nope.pdf")}, 100, 0), http.StatusBadRequest, "LoadError"},
		{"unknown embedding model", body([]string{doc}, 100, 0, "embedding_model", "nonsense"), http.StatusBadGateway, "EmbeddingError"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := e.do("POST", "/process", tt.body)
			if rec.Code != tt.status {
				t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
			}
			if eb := decodeError(t, rec); eb.Error != tt.kind {
				t.Fatalf("kind = %q, want %q (%s)", eb.Error, tt.kind, eb.Detail)
			}
		})
	}
	if e.app.slot.Ready() {
		t.Fatal("rejected requests must not publish an index")
	}
}

func TestProcess_BestEffortSkips(t *testing.T) {
	e := newTestEnv(t, nil)
	good := e.writeFile(t, "good.txt", "Useful content about the solar system and its planets.")
	missing := filepath.Join(e.dir, "missing.txt")

	rec := e.do("POST", "/process", map[string]any{
		"file_paths": []string{good, missing}, "chunk_size": 100, "chunk_overlap": 10, "load_strategy": "best-effort",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	var pr processResponse
	json.Unmarshal(rec.Body.Bytes(), &pr)
	if len(pr.Skipped) != 1 || pr.Skipped[0].Path != missing || pr.Info.Documents != 1 {
		t.Fatalf("response = %+v", pr)
	}
}

func TestQuery_ErrorMapping(t *testing.T) {
	e := newTestEnv(t, nil)
	if rec := e.process(t, e.writeFile(t, "doc.txt", "Paris is the capital of France.")); rec.Code != http.StatusOK {
		t.Fatalf("process: %d %s", rec.Code, rec.Body)
	}

	rec := e.do("POST", "/query", map[string]string{"question": "hi", "model": "gpt-5-ultra"})
	if rec.Code != http.StatusBadRequest || decodeError(t, rec).Error != "UnsupportedModelError" {
		t.Fatalf("unsupported model: %d %s", rec.Code, rec.Body)
	}

	rec = e.do("POST", "/query", map[string]string{"question": "   ", "model": testModel})
	if rec.Code != http.StatusBadRequest || decodeError(t, rec).Error != "ValidationError" {
		t.Fatalf("blank question: %d %s", rec.Code, rec.Body)
	}

	rec = e.do("POST", "/query", map[string]string{"question": "hi"})
	if rec.Code != http.StatusBadRequest || decodeError(t, rec).Error != "ValidationError" {
		t.Fatalf("missing model: %d %s", rec.Code, rec.Body)
	}

	e.status.Store(http.StatusInternalServerError)
	rec = e.do("POST", "/query", map[string]string{"question": "capital?", "model": testModel})
	if rec.Code != http.StatusBadGateway || decodeError(t, rec).Error != "GenerationError" {
		t.Fatalf("provider failure: %d %s", rec.Code, rec.Body)
	}
	if m := e.do("GET", "/metrics", nil).Body.String(); !strings.Contains(m, `docsage_generation_errors_total{family="groq"} 1`) {
		t.Fatalf("generation error not counted:\n%s", m)
	}
}

func TestQuery_MissingCredential(t *testing.T) {
	e := newTestEnv(t, map[string]any{"providers.google_api_key": ""})
	e.process(t, e.writeFile(t, "doc.txt", "text"))
	rec := e.do("POST", "/query", map[string]string{"question": "hi", "model": "gemini-pro"})
	eb := decodeError(t, rec)
	if rec.Code != http.StatusBadGateway || eb.Error != "GenerationError" || !strings.Contains(eb.Detail, "GOOGLE_API_KEY") {
		t.Fatalf("missing credential: %d %+v", rec.Code, eb)
	}
}

func TestUpload(t *testing.T) {
	e := newTestEnv(t, nil)
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for name, body := range map[string]string{"a.txt": "alpha", "../b.txt": "beta"} {
		fw, _ := mw.CreateFormFile("files", name)
		fw.Write([]byte(body))
	}
	mw.Close()

	req := httptest.NewRequest("POST", "/upload", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	var out struct {
		FilePaths []string `json:"file_paths"`
	}
	json.Unmarshal(rec.Body.Bytes(), &out)
	if len(out.FilePaths) != 2 {
		t.Fatalf("paths = %v", out.FilePaths)
	}
	uploads := filepath.Join(e.dir, "uploads")
	for _, p := range out.FilePaths {
		if filepath.Dir(p) != uploads {
			t.Fatalf("%s escaped the uploads dir", p)
		}
		if _, err := os.Stat(p); err != nil {
			t.Fatalf("stat %s: %v", p, err)
		}
	}

	if rec := e.process(t, out.FilePaths...); rec.Code != http.StatusOK {
		t.Fatalf("processing uploads: %d %s", rec.Code, rec.Body)
	}
}

func TestUpload_NoFiles(t *testing.T) {
	e := newTestEnv(t, nil)
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	mw.WriteField("note", "nothing here")
	mw.Close()
	req := httptest.NewRequest("POST", "/upload", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest || decodeError(t, rec).Error != "ValidationError" {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
}

func TestAdmissionLimit(t *testing.T) {
	e := newTestEnv(t, map[string]any{"server.process_rate": 0.001})
	doc := e.writeFile(t, "doc.txt", "content")
	if rec := e.do("POST", "/process", map[string]any{"file_paths": []string{}}); rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid body: %d %s", rec.Code, rec.Body)
	}
	if rec := e.process(t, doc); rec.Code != http.StatusOK {
		t.Fatalf("first valid request should be admitted: %d %s", rec.Code, rec.Body)
	}
	rec := e.process(t, doc)
	if rec.Code != http.StatusTooManyRequests || rec.Header().Get("Retry-After") == "" {
		t.Fatalf("second: %d %s", rec.Code, rec.Body)
	}
}

func TestCORS_Preflight(t *testing.T) {
	e := newTestEnv(t, nil)
	req := httptest.NewRequest("OPTIONS", "/query", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	req.Header.Set("Access-Control-Request-Method", "POST")
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "http://localhost:5173" || rec.Header().Get("Access-Control-Allow-Credentials") != "true" {
		t.Fatalf("headers = %v", rec.Header())
	}

	req = httptest.NewRequest("OPTIONS", "/query", nil)
	req.Header.Set("Origin", "http://evil.example")
	req.Header.Set("Access-Control-Request-Method", "POST")
	rec = httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("foreign origin status = %d", rec.Code)
	}
}

func TestModels(t *testing.T) {
	e := newTestEnv(t, nil)
	var out struct {
		Models []struct{ Name, Family string }
	}
	json.Unmarshal(e.do("GET", "/models", nil).Body.Bytes(), &out)
	families := map[string]bool{}
	for _, m := range out.Models {
		families[m.Family] = true
	}
	for _, f := range []string{"groq", "huggingface", "openrouter", "gemini"} {
		if !families[f] {
			t.Errorf("family %s missing from %v", f, out.Models)
		}
	}
}

func TestRun_NotFound(t *testing.T) {
	e := newTestEnv(t, nil)
	rec := e.do("GET", "/runs/does-not-exist", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec := e.do("GET", "/runs?limit=zero", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad limit status = %d", rec.Code)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err    error
		status int
		kind   string
	}{
		{fmt.Errorf("wrap: %w", index.ErrRebuildInProgress), http.StatusConflict, "RebuildInProgress"},
		{domain.IndexNotReady(), http.StatusBadRequest, "IndexNotReady"},
		{domain.LoadError("x.pdf", errors.New("bad xref")), http.StatusBadRequest, "LoadError"},
		{domain.InvalidChunkConfig(1, 2), http.StatusBadRequest, "InvalidChunkConfig"},
		{domain.UnsupportedModelError("m"), http.StatusBadRequest, "UnsupportedModelError"},
		{domain.EmbeddingError("m", errors.New("down")), http.StatusBadGateway, "EmbeddingError"},
		{domain.RetrievalError(errors.New("down")), http.StatusBadGateway, "RetrievalError"},
		{domain.GenerationError("m", errors.New("down")), http.StatusBadGateway, "GenerationError"},
		{domain.NewValidationError("q", "", domain.ErrRequired), http.StatusBadRequest, "ValidationError"},
		{fmt.Errorf("%w: x", errSchema), http.StatusBadRequest, "ValidationError"},
		{&http.MaxBytesError{Limit: 1}, http.StatusRequestEntityTooLarge, "ValidationError"},
		{fmt.Errorf("r: %w", repo.ErrNotFound), http.StatusNotFound, "NotFound"},
		{errors.New("boom"), http.StatusInternalServerError, "Unknown"},
	}
	for _, tt := range tests {
		status, kind, detail := classify(tt.err)
		if status != tt.status || kind != tt.kind {
			t.Errorf("classify(%v) = %d %s, want %d %s", tt.err, status, kind, tt.status, tt.kind)
		}
		if status == http.StatusInternalServerError && detail != "internal server error" {
			t.Errorf("internal detail leaked: %q", detail)
		}
	}
	if _, _, detail := classify(domain.IndexNotReady()); detail != notReadyDetail {
		t.Errorf("not ready detail = %q", detail)
	}
}
