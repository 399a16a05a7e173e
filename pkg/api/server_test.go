package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"

	"meshvault/pkg/api"
	"meshvault/pkg/auth"
	"meshvault/pkg/catalog"
	"meshvault/pkg/coordinator"
	"meshvault/pkg/logging"
	"meshvault/pkg/mesh"
	"meshvault/pkg/metrics"
	"meshvault/pkg/models"
	"meshvault/pkg/scheduler"
	"meshvault/pkg/storage"
	"meshvault/pkg/tracing"
)

// isolatedTransport is a mesh with no peers
type isolatedTransport struct {
	mu sync.Mutex
}

func (f *isolatedTransport) SendStorageRequest(ctx context.Context, nodeID string, env *mesh.StorageEnvelope) (*mesh.StorageAck, error) {
	return &mesh.StorageAck{NodeID: nodeID, Success: true}, nil
}

func (f *isolatedTransport) RequestFileFromNode(ctx context.Context, nodeID, fileID string) (*mesh.FileResponse, error) {
	return &mesh.FileResponse{NodeID: nodeID, Found: false}, nil
}

func (f *isolatedTransport) GetAvailableStorageNodes(ctx context.Context) ([]string, error) {
	return nil, nil
}

func (f *isolatedTransport) QueryFileAvailability(ctx context.Context, fileID string) ([]string, error) {
	return nil, nil
}

func (f *isolatedTransport) BroadcastStorageCapability(ctx context.Context, ann *models.CapabilityAnnouncement) error {
	return nil
}

func (f *isolatedTransport) Close() error { return nil }

func newTestRouter(t *testing.T, cfg api.Config, keyring *auth.Keyring) *mux.Router {
	t.Helper()

	log := logging.NewNop()
	m := metrics.New()
	registry := mesh.NewRegistry(time.Minute)

	storageCfg := storage.DefaultConfig()
	storageCfg.DataDir = t.TempDir()
	agent, err := storage.NewAgent("api-node", storageCfg, catalog.NewMemoryCatalog(), &isolatedTransport{}, m, log)
	if err != nil {
		t.Fatalf("Failed to create storage agent: %v", err)
	}

	sched := scheduler.New("api-node", registry, nil, m, log)
	tracer, err := tracing.Init(tracing.Config{}, "test", "0.0.0", log)
	if err != nil {
		t.Fatalf("Failed to create tracing provider: %v", err)
	}

	coordCfg := coordinator.DefaultConfig()
	coordCfg.DataDir = storageCfg.DataDir
	coordCfg.ShutdownGrace = 250 * time.Millisecond
	coord := coordinator.New("api-node", coordCfg, agent, sched, &isolatedTransport{}, registry, m, tracer, log)
	if err := coord.Start(); err != nil {
		t.Fatalf("Failed to start coordinator: %v", err)
	}
	t.Cleanup(func() {
		if err := coord.Stop(); err != nil {
			t.Errorf("Failed to stop coordinator: %v", err)
		}
	})

	if keyring == nil {
		keyring, _ = auth.NewKeyring(nil)
	}
	srv := api.NewServer(cfg, coord, keyring, m, tracer, "test", log)
	return srv.Router()
}

func doJSON(t *testing.T, router *mux.Router, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("Failed to encode request body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("Failed to parse response %q: %v", w.Body.String(), err)
	}
}

// waitOperation polls the job status endpoint until the record is terminal
func waitOperation(t *testing.T, router *mux.Router, opID string) models.OperationInfo {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		w := doJSON(t, router, "GET", "/api/jobs/"+opID, nil)
		if w.Code != http.StatusOK {
			t.Fatalf("Expected status 200 polling %s, got %d", opID, w.Code)
		}
		var info models.OperationInfo
		decode(t, w, &info)
		if models.IsTerminalStatus(info.Status) {
			return info
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Operation %s never reached a terminal status", opID)
	return models.OperationInfo{}
}

func TestHealthEndpoint(t *testing.T) {
	router := newTestRouter(t, api.DefaultConfig(), nil)

	w := doJSON(t, router, "GET", "/healthz", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}

	var body map[string]string
	decode(t, w, &body)
	if body["status"] != "healthy" {
		t.Errorf("Expected healthy status, got %q", body["status"])
	}
}

func TestStatusEndpoint(t *testing.T) {
	router := newTestRouter(t, api.DefaultConfig(), nil)

	w := doJSON(t, router, "GET", "/api/status", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d. Response: %s", w.Code, w.Body.String())
	}

	var status api.StatusResponse
	decode(t, w, &status)
	if status.NodeID != "api-node" {
		t.Errorf("Expected node ID api-node, got %s", status.NodeID)
	}
	if !status.Active {
		t.Errorf("Expected coordinator to report active")
	}
}

func TestStoreRetrieveDeleteFlow(t *testing.T) {
	router := newTestRouter(t, api.DefaultConfig(), nil)

	payload := []byte("the bytes that travel the mesh")
	w := doJSON(t, router, "POST", "/api/files", api.StoreFileRequest{
		Name: "trip.txt",
		Data: payload,
		Tags: []string{"demo"},
	})
	if w.Code != http.StatusAccepted {
		t.Fatalf("Expected status 202, got %d. Response: %s", w.Code, w.Body.String())
	}

	var stored api.StoreFileResponse
	decode(t, w, &stored)
	if stored.FileID == "" {
		t.Fatalf("Expected a file ID in the store response")
	}

	info := waitOperation(t, router, stored.FileID)
	if info.Status != models.StatusCompleted {
		t.Fatalf("Expected store to complete, got %s (%s)", info.Status, info.Error)
	}

	w = doJSON(t, router, "GET", "/api/files/"+stored.FileID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200 on retrieve, got %d. Response: %s", w.Code, w.Body.String())
	}
	if !bytes.Equal(w.Body.Bytes(), payload) {
		t.Errorf("Expected retrieved bytes to match stored payload")
	}
	if w.Header().Get("X-Checksum") == "" {
		t.Errorf("Expected X-Checksum header on retrieve")
	}

	w = doJSON(t, router, "GET", "/api/files/"+stored.FileID+"/verify", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200 on verify, got %d", w.Code)
	}
	var verify api.VerifyResponse
	decode(t, w, &verify)
	if !verify.Valid {
		t.Errorf("Expected blob to verify clean")
	}

	w = doJSON(t, router, "DELETE", "/api/files/"+stored.FileID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200 on delete, got %d. Response: %s", w.Code, w.Body.String())
	}
	var deleted api.DeleteResponse
	decode(t, w, &deleted)
	if !deleted.Deleted {
		t.Errorf("Expected delete to report success")
	}

	w = doJSON(t, router, "GET", "/api/files/"+stored.FileID, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404 after delete, got %d", w.Code)
	}
}

func TestStoreRejectsEmptyData(t *testing.T) {
	router := newTestRouter(t, api.DefaultConfig(), nil)

	w := doJSON(t, router, "POST", "/api/files", api.StoreFileRequest{Name: "empty.txt"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400 for empty data, got %d", w.Code)
	}

	req := httptest.NewRequest("POST", "/api/files", bytes.NewBufferString("{not json"))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400 for malformed body, got %d", rec.Code)
	}
}

func TestMultipartUploadIsSynchronous(t *testing.T) {
	router := newTestRouter(t, api.DefaultConfig(), nil)

	payload := bytes.Repeat([]byte{0x5C}, 8192)
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", "big.bin")
	if err != nil {
		t.Fatalf("Failed to create multipart field: %v", err)
	}
	if _, err := part.Write(payload); err != nil {
		t.Fatalf("Failed to write multipart payload: %v", err)
	}
	mw.WriteField("tags", "bulk, import")
	mw.Close()

	req := httptest.NewRequest("POST", "/api/files", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d. Response: %s", w.Code, w.Body.String())
	}
	var stored api.StoreFileResponse
	decode(t, w, &stored)
	if stored.Status != string(models.StatusCompleted) {
		t.Errorf("Expected completed status on multipart store, got %s", stored.Status)
	}

	got := doJSON(t, router, "GET", "/api/files/"+stored.FileID, nil)
	if got.Code != http.StatusOK {
		t.Fatalf("Expected status 200 on retrieve, got %d", got.Code)
	}
	if !bytes.Equal(got.Body.Bytes(), payload) {
		t.Errorf("Expected retrieved bytes to match multipart payload")
	}
}

func TestJobSubmissionFlow(t *testing.T) {
	router := newTestRouter(t, api.DefaultConfig(), nil)

	w := doJSON(t, router, "POST", "/api/jobs", api.SubmitJobRequest{
		Type: models.JobTypeHybridCompute,
	})
	if w.Code != http.StatusAccepted {
		t.Fatalf("Expected status 202, got %d. Response: %s", w.Code, w.Body.String())
	}
	var accepted api.SubmitJobResponse
	decode(t, w, &accepted)
	if accepted.OperationID == "" {
		t.Fatalf("Expected an operation ID")
	}

	info := waitOperation(t, router, accepted.OperationID)
	if info.Status != models.StatusCompleted {
		t.Fatalf("Expected job to complete, got %s (%s)", info.Status, info.Error)
	}

	w = doJSON(t, router, "GET", "/api/jobs/"+accepted.OperationID+"/plan", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200 on plan, got %d", w.Code)
	}
	var plan models.ExecutionPlan
	decode(t, w, &plan)
	if len(plan.Assignments) != 3 {
		t.Errorf("Expected 3 assignments in hybrid plan, got %d", len(plan.Assignments))
	}

	w = doJSON(t, router, "GET", "/api/jobs/"+accepted.OperationID+"/results", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200 on results, got %d", w.Code)
	}
	var results []models.TaskExecutionResult
	decode(t, w, &results)
	if len(results) != 3 {
		t.Errorf("Expected 3 task results, got %d", len(results))
	}

	// Cancel after completion is a no-op reported as such.
	w = doJSON(t, router, "DELETE", "/api/jobs/"+accepted.OperationID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200 on cancel, got %d", w.Code)
	}
	var cancel api.CancelResponse
	decode(t, w, &cancel)
	if cancel.Canceled {
		t.Errorf("Expected cancel of a finished job to report false")
	}
}

func TestJobValidation(t *testing.T) {
	router := newTestRouter(t, api.DefaultConfig(), nil)

	w := doJSON(t, router, "POST", "/api/jobs", api.SubmitJobRequest{})
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400 for missing job type, got %d", w.Code)
	}

	w = doJSON(t, router, "GET", "/api/jobs/nonexistent", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404 for unknown operation, got %d", w.Code)
	}

	w = doJSON(t, router, "DELETE", "/api/jobs/nonexistent", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404 canceling unknown operation, got %d", w.Code)
	}
}

func TestSharedEndpoints(t *testing.T) {
	router := newTestRouter(t, api.DefaultConfig(), nil)

	w := doJSON(t, router, "GET", "/api/shared", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200 listing shared, got %d", w.Code)
	}

	w = doJSON(t, router, "POST", "/api/shared/ghost/download", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404 downloading unknown share, got %d. Response: %s", w.Code, w.Body.String())
	}
}

func TestOperationsListing(t *testing.T) {
	router := newTestRouter(t, api.DefaultConfig(), nil)

	w := doJSON(t, router, "POST", "/api/files", api.StoreFileRequest{
		Name: "tracked.txt",
		Data: []byte("x"),
	})
	if w.Code != http.StatusAccepted {
		t.Fatalf("Expected status 202, got %d", w.Code)
	}

	w = doJSON(t, router, "GET", "/api/operations", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	var ops []models.OperationInfo
	decode(t, w, &ops)
	if len(ops) == 0 {
		t.Errorf("Expected at least one tracked operation")
	}
}

func TestAPIKeyAuthentication(t *testing.T) {
	key, hash, err := auth.GenerateAPIKey()
	if err != nil {
		t.Fatalf("Failed to generate API key: %v", err)
	}
	keyring, err := auth.NewKeyring([]string{hash})
	if err != nil {
		t.Fatalf("Failed to build keyring: %v", err)
	}
	router := newTestRouter(t, api.DefaultConfig(), keyring)

	// Health stays open.
	if w := doJSON(t, router, "GET", "/healthz", nil); w.Code != http.StatusOK {
		t.Errorf("Expected health to bypass auth, got %d", w.Code)
	}

	w := doJSON(t, router, "GET", "/api/status", nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("Expected status 401 without key, got %d", w.Code)
	}

	req := httptest.NewRequest("GET", "/api/status", nil)
	req.Header.Set("Authorization", "Bearer "+key)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("Expected status 200 with bearer key, got %d", rec.Code)
	}

	req = httptest.NewRequest("GET", "/api/status", nil)
	req.Header.Set("X-API-Key", key)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("Expected status 200 with X-API-Key, got %d", rec.Code)
	}

	req = httptest.NewRequest("GET", "/api/status", nil)
	req.Header.Set("Authorization", "Bearer wrong-key")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("Expected status 401 with wrong key, got %d", rec.Code)
	}
}

func TestRateLimiting(t *testing.T) {
	cfg := api.DefaultConfig()
	cfg.RateLimitRPS = 0.001
	cfg.RateLimitBurst = 2
	router := newTestRouter(t, cfg, nil)

	for i := 0; i < 2; i++ {
		if w := doJSON(t, router, "GET", "/api/status", nil); w.Code != http.StatusOK {
			t.Fatalf("Expected request %d to pass, got %d", i+1, w.Code)
		}
	}
	if w := doJSON(t, router, "GET", "/api/status", nil); w.Code != http.StatusTooManyRequests {
		t.Errorf("Expected status 429 over burst, got %d", w.Code)
	}
}
