// internal/server/mux_test.go
// Handler tests over in-memory backends. Requests carry the gateway identity
// headers; assertions cover the response envelope, status codes, and the
// error taxonomy on the wire.
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sharedrop/sharedrop-go/internal/config"
	"github.com/sharedrop/sharedrop-go/internal/download"
	"github.com/sharedrop/sharedrop-go/internal/files"
	"github.com/sharedrop/sharedrop-go/internal/ingest"
	"github.com/sharedrop/sharedrop-go/internal/ledger"
	"github.com/sharedrop/sharedrop-go/internal/media"
	"github.com/sharedrop/sharedrop-go/internal/metrics"
	"github.com/sharedrop/sharedrop-go/internal/model"
	"github.com/sharedrop/sharedrop-go/internal/queue"
	"github.com/sharedrop/sharedrop-go/internal/scan"
	"github.com/sharedrop/sharedrop-go/internal/storage"
)

func serverConfig() config.Config {
	return config.Config{
		MaxFileSizeFree:          100 * 1024 * 1024,
		MaxFileSizePremium:       10 * 1024 * 1024 * 1024,
		UploadURLTTL:             time.Hour,
		RetentionDays:            90,
		RemoteFetchMaxBytes:      64 * 1024 * 1024,
		RemoteFetchTimeout:       time.Minute,
		GrantSecret:              "test-secret",
		GrantTTL:                 time.Hour,
		DownloadURLTTL:           time.Hour,
		FreeWaitSeconds:          9,
		RateLimitPerIP:           10,
		RateLimitWindow:          15 * time.Minute,
		CompletionThreshold:      0.8,
		EarningsPerDownloadCents: 10,
		MinPayoutThresholdCents:  5000,
	}
}

type testServer struct {
	handler http.Handler
	store   storage.Store
	objects *media.MemoryStore
}

func newTestServer() *testServer {
	cfg := serverConfig()
	store := storage.NewMemory()
	objects := media.NewMemoryStore()
	jobs := queue.NewMemory(3)
	m := metrics.NewMetrics()

	ingestSvc := ingest.NewService(cfg, store, objects, jobs, scan.NoopScanner{}, m)
	gate := download.NewGatekeeper(cfg, store, objects, m)
	ledgerSvc := ledger.New(cfg, store, m)
	filesSvc := files.NewService(cfg, store, objects)

	return &testServer{
		handler: NewMux(store, ingestSvc, gate, ledgerSvc, filesSvc),
		store:   store,
		objects: objects,
	}
}

// do performs a request with the gateway identity headers and decodes the
// JSON response body.
func (s *testServer) do(t *testing.T, method, path, userID string, body interface{}, admin bool) (*httptest.ResponseRecorder, map[string]json.RawMessage) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("failed to encode request body: %v", err)
		}
	}

	req := httptest.NewRequest(method, path, &buf)
	req.RemoteAddr = "10.0.0.1:54321"
	if userID != "" {
		req.Header.Set("X-User-Id", userID)
	}
	if admin {
		req.Header.Set("X-Admin", "true")
	}

	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)

	envelope := map[string]json.RawMessage{}
	if rec.Body.Len() > 0 && strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(rec.Body.Bytes(), &envelope); err != nil {
			t.Fatalf("failed to decode response %q: %v", rec.Body.String(), err)
		}
	}
	return rec, envelope
}

// data decodes the success envelope's data field into out.
func data(t *testing.T, envelope map[string]json.RawMessage, out interface{}) {
	t.Helper()
	raw, ok := envelope["data"]
	if !ok {
		t.Fatalf("response has no data field: %v", envelope)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		t.Fatalf("failed to decode data: %v", err)
	}
}

// errorCode pulls the error code out of the error envelope.
func errorCode(t *testing.T, envelope map[string]json.RawMessage) string {
	t.Helper()
	raw, ok := envelope["error"]
	if !ok {
		t.Fatalf("response has no error field: %v", envelope)
	}
	var e struct {
		Code string `json:"code"`
	}
	if err := json.Unmarshal(raw, &e); err != nil {
		t.Fatalf("failed to decode error: %v", err)
	}
	return e.Code
}

// TestHealthEndpoints tests the liveness and readiness probes.
func TestHealthEndpoints(t *testing.T) {
	s := newTestServer()

	rec, _ := s.do(t, "GET", "/healthz", "", nil, false)
	if rec.Code != http.StatusOK {
		t.Errorf("healthz status = %d, want 200", rec.Code)
	}
	rec, _ = s.do(t, "GET", "/readyz", "", nil, false)
	if rec.Code != http.StatusOK {
		t.Errorf("readyz status = %d, want 200", rec.Code)
	}
}

// TestUploadFlow drives initiate and complete through the HTTP surface.
func TestUploadFlow(t *testing.T) {
	s := newTestServer()

	rec, envelope := s.do(t, "POST", "/v1/uploads/initiate", "alice", map[string]interface{}{
		"filename":    "photo.jpg",
		"contentType": "image/jpeg",
	}, false)
	if rec.Code != http.StatusOK {
		t.Fatalf("initiate status = %d body = %s", rec.Code, rec.Body.String())
	}
	var initiated model.InitiateUploadResult
	data(t, envelope, &initiated)
	if initiated.FileID == "" || initiated.PublicID == "" || initiated.UploadURL == "" {
		t.Fatalf("initiate result incomplete: %+v", initiated)
	}
	if rec.Header().Get("X-Correlation-Id") == "" {
		t.Error("response is missing X-Correlation-Id")
	}

	// Completing before the object exists conflicts
	rec, envelope = s.do(t, "POST", "/v1/uploads/complete", "alice",
		map[string]string{"fileId": initiated.FileID}, false)
	if rec.Code != http.StatusConflict {
		t.Fatalf("premature complete status = %d, want 409", rec.Code)
	}
	if code := errorCode(t, envelope); code != "SD_UPLOAD_INCOMPLETE" {
		t.Errorf("premature complete code = %s, want SD_UPLOAD_INCOMPLETE", code)
	}

	// Simulate the client's direct-to-storage upload
	file, err := s.store.GetFile(context.Background(), initiated.FileID)
	if err != nil {
		t.Fatalf("GetFile() error = %v", err)
	}
	payload := bytes.Repeat([]byte("x"), 2048)
	if err := s.objects.Put(context.Background(), file.StorageKey, "image/jpeg", bytes.NewReader(payload), int64(len(payload))); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	rec, envelope = s.do(t, "POST", "/v1/uploads/complete", "alice",
		map[string]string{"fileId": initiated.FileID}, false)
	if rec.Code != http.StatusOK {
		t.Fatalf("complete status = %d body = %s", rec.Code, rec.Body.String())
	}
	var completed model.CompleteUploadResult
	data(t, envelope, &completed)
	if completed.PublicID != initiated.PublicID || completed.Size != 2048 {
		t.Errorf("complete result = %+v, want publicId %s size 2048", completed, initiated.PublicID)
	}

	// Another user cannot finalize someone else's upload
	rec, envelope = s.do(t, "POST", "/v1/uploads/complete", "mallory",
		map[string]string{"fileId": initiated.FileID}, false)
	if rec.Code != http.StatusForbidden {
		t.Errorf("foreign complete status = %d, want 403", rec.Code)
	}
	if code := errorCode(t, envelope); code != "SD_FORBIDDEN" {
		t.Errorf("foreign complete code = %s, want SD_FORBIDDEN", code)
	}
}

// TestInitiateUploadValidationError verifies the error envelope for bad input.
func TestInitiateUploadValidationError(t *testing.T) {
	s := newTestServer()

	rec, envelope := s.do(t, "POST", "/v1/uploads/initiate", "alice",
		map[string]string{"contentType": "image/jpeg"}, false)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if code := errorCode(t, envelope); code != "SD_VALIDATION" {
		t.Errorf("code = %s, want SD_VALIDATION", code)
	}

	var e struct {
		CorrelationID string `json:"correlationId"`
	}
	if err := json.Unmarshal(envelope["error"], &e); err != nil {
		t.Fatalf("failed to decode error: %v", err)
	}
	if e.CorrelationID == "" {
		t.Error("error response is missing correlationId")
	}
}

// TestRemoteImport verifies the accepted-for-processing response.
func TestRemoteImport(t *testing.T) {
	s := newTestServer()

	rec, envelope := s.do(t, "POST", "/v1/uploads/remote", "alice",
		map[string]string{"url": "https://example.com/data.bin"}, false)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}
	var result model.RemoteImportResult
	data(t, envelope, &result)
	if result.PublicID == "" || result.JobID == "" {
		t.Errorf("result = %+v, want publicId and jobId", result)
	}

	rec, envelope = s.do(t, "POST", "/v1/uploads/remote", "alice",
		map[string]string{"url": "ftp://example.com/data.bin"}, false)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("ftp import status = %d, want 400", rec.Code)
	}
	if code := errorCode(t, envelope); code != "SD_VALIDATION" {
		t.Errorf("ftp import code = %s, want SD_VALIDATION", code)
	}
}

// TestDownloadFlow walks info, link, and the completion report end to end.
func TestDownloadFlow(t *testing.T) {
	s := newTestServer()
	ctx := context.Background()

	if err := s.store.CreateUser(ctx, model.User{ID: "owner", CreatedAt: time.Now().UTC()}); err != nil {
		t.Fatalf("CreateUser() error = %v", err)
	}
	file := model.File{
		ID: "f1", PublicID: "abcdef1234", UserID: "owner",
		OriginalName: "data.bin", StorageKey: "uploads/abcdef1234/data.bin",
		Size: 1000, MimeType: "application/octet-stream",
		Visibility: model.VisibilityPublic, IsProcessed: true,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.CreateFile(ctx, file); err != nil {
		t.Fatalf("CreateFile() error = %v", err)
	}

	rec, envelope := s.do(t, "GET", "/v1/download/abcdef1234/info", "", nil, false)
	if rec.Code != http.StatusOK {
		t.Fatalf("info status = %d body = %s", rec.Code, rec.Body.String())
	}
	var info model.DownloadInfo
	data(t, envelope, &info)
	if info.FileName != "data.bin" || info.WaitSeconds != 9 || !info.RequiresWait {
		t.Errorf("info = %+v, want data.bin with a 9s wait", info)
	}

	rec, envelope = s.do(t, "POST", "/v1/download/abcdef1234/link", "", nil, false)
	if rec.Code != http.StatusOK {
		t.Fatalf("link status = %d body = %s", rec.Code, rec.Body.String())
	}
	var grant model.DownloadGrant
	data(t, envelope, &grant)
	if grant.DownloadURL == "" || grant.GrantToken == "" {
		t.Fatalf("grant = %+v, want url and token", grant)
	}

	rec, envelope = s.do(t, "POST", "/v1/download-complete", "",
		map[string]interface{}{"grantToken": grant.GrantToken, "bytesServed": 1000}, false)
	if rec.Code != http.StatusOK {
		t.Fatalf("completion status = %d body = %s", rec.Code, rec.Body.String())
	}
	var result model.CompletionResult
	data(t, envelope, &result)
	if !result.Completed || result.EarningsCents != 10 {
		t.Errorf("completion = %+v, want completed with 10 cents", result)
	}

	owner, err := s.store.GetUser(ctx, "owner")
	if err != nil {
		t.Fatalf("GetUser() error = %v", err)
	}
	if owner.TotalEarningsCents != 10 {
		t.Errorf("owner earnings = %d, want 10", owner.TotalEarningsCents)
	}

	// Bogus grants are rejected with 401
	rec, envelope = s.do(t, "POST", "/v1/download-complete", "",
		map[string]interface{}{"grantToken": "garbage", "bytesServed": 1000}, false)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("bogus grant status = %d, want 401", rec.Code)
	}
	if code := errorCode(t, envelope); code != "SD_GRANT_INVALID" {
		t.Errorf("bogus grant code = %s, want SD_GRANT_INVALID", code)
	}
}

// TestDownloadRateLimitOnWire verifies the 429 surface.
func TestDownloadRateLimitOnWire(t *testing.T) {
	s := newTestServer()
	ctx := context.Background()

	file := model.File{
		ID: "f1", PublicID: "ratelimited", OriginalName: "data.bin",
		StorageKey: "uploads/ratelimited/data.bin", Size: 100,
		MimeType: "application/octet-stream", Visibility: model.VisibilityPublic,
		IsProcessed: true, CreatedAt: time.Now().UTC(),
	}
	if err := s.store.CreateFile(ctx, file); err != nil {
		t.Fatalf("CreateFile() error = %v", err)
	}

	for i := 0; i < 10; i++ {
		rec, _ := s.do(t, "POST", "/v1/download/ratelimited/link", "", nil, false)
		if rec.Code != http.StatusOK {
			t.Fatalf("grant %d status = %d body = %s", i+1, rec.Code, rec.Body.String())
		}
	}
	rec, envelope := s.do(t, "POST", "/v1/download/ratelimited/link", "", nil, false)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("over-limit status = %d, want 429", rec.Code)
	}
	if code := errorCode(t, envelope); code != "SD_RATE_LIMIT" {
		t.Errorf("over-limit code = %s, want SD_RATE_LIMIT", code)
	}
}

// TestIdentityRequired verifies that ledger surfaces reject anonymous callers.
func TestIdentityRequired(t *testing.T) {
	s := newTestServer()

	for _, path := range []string{"/v1/me/files", "/v1/me/stats"} {
		rec, envelope := s.do(t, "GET", path, "", nil, false)
		if rec.Code != http.StatusForbidden {
			t.Errorf("%s status = %d, want 403", path, rec.Code)
		}
		if code := errorCode(t, envelope); code != "SD_FORBIDDEN" {
			t.Errorf("%s code = %s, want SD_FORBIDDEN", path, code)
		}
	}

	rec, envelope := s.do(t, "POST", "/v1/payouts", "",
		map[string]string{"method": "paypal", "destination": "a@b.c"}, false)
	if rec.Code != http.StatusForbidden {
		t.Errorf("payouts status = %d, want 403", rec.Code)
	}
	if code := errorCode(t, envelope); code != "SD_FORBIDDEN" {
		t.Errorf("payouts code = %s, want SD_FORBIDDEN", code)
	}
}

// TestPayoutLifecycleOnWire drives request, admin approval, and payment.
func TestPayoutLifecycleOnWire(t *testing.T) {
	s := newTestServer()
	ctx := context.Background()

	if err := s.store.CreateUser(ctx, model.User{
		ID: "alice", TotalEarningsCents: 10_000, CreatedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("CreateUser() error = %v", err)
	}

	rec, envelope := s.do(t, "POST", "/v1/payouts", "alice",
		map[string]interface{}{"amountCents": 5000, "method": "paypal", "destination": "a@b.c"}, false)
	if rec.Code != http.StatusCreated {
		t.Fatalf("request payout status = %d body = %s", rec.Code, rec.Body.String())
	}
	var payout model.Payout
	data(t, envelope, &payout)
	if payout.Status != model.PayoutPending {
		t.Fatalf("payout status = %v, want PENDING", payout.Status)
	}

	// Admin routes are closed to regular callers
	rec, envelope = s.do(t, "POST", fmt.Sprintf("/v1/admin/payouts/%s/approve", payout.ID), "alice", nil, false)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("non-admin approve status = %d, want 403", rec.Code)
	}
	if code := errorCode(t, envelope); code != "SD_FORBIDDEN" {
		t.Errorf("non-admin approve code = %s, want SD_FORBIDDEN", code)
	}

	rec, envelope = s.do(t, "POST", fmt.Sprintf("/v1/admin/payouts/%s/approve", payout.ID), "op",
		map[string]string{"notes": "verified"}, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("approve status = %d body = %s", rec.Code, rec.Body.String())
	}
	data(t, envelope, &payout)
	if payout.Status != model.PayoutApproved {
		t.Errorf("payout status = %v, want APPROVED", payout.Status)
	}

	// Replaying the approval conflicts
	rec, envelope = s.do(t, "POST", fmt.Sprintf("/v1/admin/payouts/%s/approve", payout.ID), "op", nil, true)
	if rec.Code != http.StatusConflict {
		t.Errorf("replayed approve status = %d, want 409", rec.Code)
	}
	if code := errorCode(t, envelope); code != "SD_CONFLICT" {
		t.Errorf("replayed approve code = %s, want SD_CONFLICT", code)
	}

	rec, envelope = s.do(t, "POST", fmt.Sprintf("/v1/admin/payouts/%s/paid", payout.ID), "op", nil, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("paid status = %d body = %s", rec.Code, rec.Body.String())
	}
	data(t, envelope, &payout)
	if payout.Status != model.PayoutPaid {
		t.Errorf("payout status = %v, want PAID", payout.Status)
	}

	// The user sees the full history
	rec, envelope = s.do(t, "GET", "/v1/payouts", "alice", nil, false)
	if rec.Code != http.StatusOK {
		t.Fatalf("list payouts status = %d", rec.Code)
	}
	var history []model.Payout
	data(t, envelope, &history)
	if len(history) != 1 || history[0].Status != model.PayoutPaid {
		t.Errorf("history = %+v, want one PAID payout", history)
	}
}

// TestAdminTakedown verifies the takedown route and its validation.
func TestAdminTakedown(t *testing.T) {
	s := newTestServer()
	ctx := context.Background()

	file := model.File{
		ID: "f1", PublicID: "takemedown", OriginalName: "bad.bin",
		StorageKey: "uploads/takemedown/bad.bin", Size: 100,
		MimeType: "application/octet-stream", Visibility: model.VisibilityPublic,
		IsProcessed: true, CreatedAt: time.Now().UTC(),
	}
	if err := s.store.CreateFile(ctx, file); err != nil {
		t.Fatalf("CreateFile() error = %v", err)
	}

	rec, envelope := s.do(t, "POST", "/v1/admin/files/f1/takedown", "op",
		map[string]string{}, true)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("takedown without reason status = %d, want 400", rec.Code)
	}
	if code := errorCode(t, envelope); code != "SD_VALIDATION" {
		t.Errorf("takedown without reason code = %s, want SD_VALIDATION", code)
	}

	rec, _ = s.do(t, "POST", "/v1/admin/files/f1/takedown", "op",
		map[string]string{"reason": "copyright"}, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("takedown status = %d body = %s", rec.Code, rec.Body.String())
	}

	// The file is gone from the public surface
	rec, envelope = s.do(t, "GET", "/v1/files/takemedown", "", nil, false)
	if rec.Code != http.StatusNotFound {
		t.Errorf("get after takedown status = %d, want 404", rec.Code)
	}
	if code := errorCode(t, envelope); code != "SD_NOT_FOUND" {
		t.Errorf("get after takedown code = %s, want SD_NOT_FOUND", code)
	}
}

// TestListMyFiles verifies paging on the personal file list.
func TestListMyFiles(t *testing.T) {
	s := newTestServer()
	ctx := context.Background()
	now := time.Now().UTC()

	for i := 0; i < 3; i++ {
		file := model.File{
			ID: fmt.Sprintf("f%d", i), PublicID: fmt.Sprintf("pub%07d", i),
			UserID: "alice", OriginalName: "x.bin", StorageKey: "k",
			MimeType: "application/octet-stream", Visibility: model.VisibilityPublic,
			IsProcessed: true, CreatedAt: now.Add(time.Duration(i) * time.Minute),
		}
		if err := s.store.CreateFile(ctx, file); err != nil {
			t.Fatalf("CreateFile() error = %v", err)
		}
	}

	rec, envelope := s.do(t, "GET", "/v1/me/files?page=1&limit=2", "alice", nil, false)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}
	var result model.ListFilesResult
	data(t, envelope, &result)
	if result.Total != 3 || len(result.Files) != 2 {
		t.Errorf("result total = %d len = %d, want 3 and 2", result.Total, len(result.Files))
	}
	if result.Files[0].ID != "f2" {
		t.Errorf("first file = %s, want newest (f2)", result.Files[0].ID)
	}
}

// TestMethodNotAllowed verifies the method guard on single-method routes.
func TestMethodNotAllowed(t *testing.T) {
	s := newTestServer()

	rec, envelope := s.do(t, "GET", "/v1/uploads/initiate", "alice", nil, false)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
	if code := errorCode(t, envelope); code != "SD_BAD_REQUEST" {
		t.Errorf("code = %s, want SD_BAD_REQUEST", code)
	}
}
