package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	apperrors "github.com/sandboxgw/sandboxgw/internal/common/errors"
	"github.com/sandboxgw/sandboxgw/internal/common/logger"
	"github.com/sandboxgw/sandboxgw/internal/sandbox/ingest"
	"github.com/sandboxgw/sandboxgw/internal/sandbox/k8s"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeProvisioner struct {
	createID  string
	createErr error
	ensureID  string
	ensureErr error
	created   bool
}

func (f *fakeProvisioner) CreateSandbox(ctx context.Context) (string, error) {
	return f.createID, f.createErr
}

func (f *fakeProvisioner) EnsureWorkload(ctx context.Context, session string) (string, error) {
	return f.ensureID, f.ensureErr
}

func (f *fakeProvisioner) EnsureWorkloadStatus(ctx context.Context, session string) (string, bool, error) {
	return f.ensureID, f.created, f.ensureErr
}

type fakeExecutor struct {
	written string
	err     error
}

func (f *fakeExecutor) Execute(ctx context.Context, id, code string, dst io.Writer) error {
	if f.written != "" {
		_, _ = dst.Write([]byte(f.written))
	}
	return f.err
}

type fakeIngestor struct {
	result  *ingest.UploadResult
	uplErr  error
	listOut string
	listErr error
}

func (f *fakeIngestor) Upload(ctx context.Context, id, filename string, content []byte) (*ingest.UploadResult, error) {
	return f.result, f.uplErr
}

func (f *fakeIngestor) ListFiles(ctx context.Context, id string) (string, error) {
	return f.listOut, f.listErr
}

type fakeWorkloadReader struct {
	desc     *k8s.Descriptor
	readErr  error
	listed   []*k8s.Descriptor
	listErr  error
	deleted  []string
	deleteErr error
}

func (f *fakeWorkloadReader) ReadWorkload(ctx context.Context, name string) (*k8s.Descriptor, error) {
	return f.desc, f.readErr
}

func (f *fakeWorkloadReader) ListLabelled(ctx context.Context, selector string) ([]*k8s.Descriptor, error) {
	return f.listed, f.listErr
}

func (f *fakeWorkloadReader) DeleteWorkload(ctx context.Context, name string) error {
	f.deleted = append(f.deleted, name)
	return f.deleteErr
}

func newTestRouter(p Provisioner, exec Executor, ing Ingestor, driver WorkloadReader) *gin.Engine {
	router := gin.New()
	SetupRoutes(router, p, exec, ing, driver, logger.Default())
	return router
}

func TestCreateSandboxReturns201(t *testing.T) {
	router := newTestRouter(&fakeProvisioner{createID: "sandbox-aaaaaaaa"}, &fakeExecutor{}, &fakeIngestor{}, &fakeWorkloadReader{})

	req := httptest.NewRequest(http.MethodPost, "/sandboxes", bytes.NewReader([]byte(`{"session_id":"ignored"}`)))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var resp SandboxResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.ID != "sandbox-aaaaaaaa" {
		t.Fatalf("unexpected id %q", resp.ID)
	}
	if resp.Name != "sandbox-aaaaaaaa" {
		t.Fatalf("unexpected name %q", resp.Name)
	}
	if resp.Status != "creating" {
		t.Fatalf("expected status \"creating\" for a just-created sandbox, got %q", resp.Status)
	}
	if resp.Ready {
		t.Fatal("expected ready=false for a just-created sandbox")
	}
}

func TestGetSandboxNotFound(t *testing.T) {
	router := newTestRouter(&fakeProvisioner{}, &fakeExecutor{}, &fakeIngestor{}, &fakeWorkloadReader{readErr: apperrors.NotFound("workload", "sandbox-missing")})

	req := httptest.NewRequest(http.MethodGet, "/sandboxes/sandbox-missing", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestDeleteSandboxIdempotent(t *testing.T) {
	driver := &fakeWorkloadReader{}
	router := newTestRouter(&fakeProvisioner{}, &fakeExecutor{}, &fakeIngestor{}, driver)

	req := httptest.NewRequest(http.MethodDelete, "/sandboxes/sandbox-aaaaaaaa", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if len(driver.deleted) != 1 {
		t.Fatalf("expected one delete call, got %d", len(driver.deleted))
	}
}

func TestExecuteRejectsMissingCode(t *testing.T) {
	router := newTestRouter(&fakeProvisioner{}, &fakeExecutor{}, &fakeIngestor{}, &fakeWorkloadReader{})

	req := httptest.NewRequest(http.MethodPost, "/sandboxes/sandbox-aaaaaaaa/execute", bytes.NewReader([]byte(`{}`)))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", w.Code, w.Body.String())
	}
}

func TestExecuteStreamsNDJSONBody(t *testing.T) {
	exec := &fakeExecutor{written: `{"output_type":"stream","text":"hi\n"}` + "\n"}
	router := newTestRouter(&fakeProvisioner{}, exec, &fakeIngestor{}, &fakeWorkloadReader{})

	req := httptest.NewRequest(http.MethodPost, "/sandboxes/sandbox-aaaaaaaa/execute", bytes.NewReader([]byte(`{"code":"1+1"}`)))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if w.Body.String() != exec.written {
		t.Fatalf("got %q, want %q", w.Body.String(), exec.written)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/x-ndjson" {
		t.Fatalf("expected ndjson content type, got %q", ct)
	}
}

func TestUploadFileSucceeds(t *testing.T) {
	ing := &fakeIngestor{result: &ingest.UploadResult{Filename: "data.csv", Size: 5, Path: "/app/data.csv"}}
	router := newTestRouter(&fakeProvisioner{}, &fakeExecutor{}, ing, &fakeWorkloadReader{})

	body := &bytes.Buffer{}
	mw := multipart.NewWriter(body)
	part, err := mw.CreateFormFile("file", "data.csv")
	if err != nil {
		t.Fatalf("CreateFormFile: %v", err)
	}
	_, _ = part.Write([]byte("a,b,c"))
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/sandboxes/sandbox-aaaaaaaa/upload", body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp UploadResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Path != "/app/data.csv" {
		t.Fatalf("unexpected path %q", resp.Path)
	}
}

func TestInitializeSessionReturnsSandboxID(t *testing.T) {
	router := newTestRouter(&fakeProvisioner{ensureID: "sandbox-bbbbbbbb"}, &fakeExecutor{}, &fakeIngestor{}, &fakeWorkloadReader{})

	req := httptest.NewRequest(http.MethodPost, "/sessions/session-1/initialize", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp["sandbox_id"] != "sandbox-bbbbbbbb" {
		t.Fatalf("unexpected sandbox_id %q", resp["sandbox_id"])
	}
}

func TestInitializeSessionReportsCreatedThenExists(t *testing.T) {
	first := newTestRouter(&fakeProvisioner{ensureID: "sandbox-cccccccc", created: true}, &fakeExecutor{}, &fakeIngestor{}, &fakeWorkloadReader{})

	req := httptest.NewRequest(http.MethodPost, "/sessions/session-2/initialize", nil)
	w := httptest.NewRecorder()
	first.ServeHTTP(w, req)

	var resp map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp["status"] != "created" {
		t.Fatalf("expected status created on first call, got %q", resp["status"])
	}

	second := newTestRouter(&fakeProvisioner{ensureID: "sandbox-cccccccc", created: false}, &fakeExecutor{}, &fakeIngestor{}, &fakeWorkloadReader{})

	req2 := httptest.NewRequest(http.MethodPost, "/sessions/session-2/initialize", nil)
	w2 := httptest.NewRecorder()
	second.ServeHTTP(w2, req2)

	var resp2 map[string]string
	if err := json.Unmarshal(w2.Body.Bytes(), &resp2); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp2["status"] != "exists" {
		t.Fatalf("expected status exists on second call, got %q", resp2["status"])
	}
	if resp2["sandbox_id"] != resp["sandbox_id"] {
		t.Fatalf("expected same sandbox_id across calls")
	}
}

func TestHealthCheck(t *testing.T) {
	router := gin.New()
	handler := NewHandler(&fakeProvisioner{}, &fakeExecutor{}, &fakeIngestor{}, &fakeWorkloadReader{}, logger.Default())
	router.GET("/health", handler.HealthCheck)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}
