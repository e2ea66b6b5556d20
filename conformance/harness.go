// Package conformance provides a test harness that drives the sharedrop HTTP
// surface end to end over in-memory backends: upload intent, finalization,
// the download gate, completion reporting, and the payout lifecycle.
package conformance

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
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
	"github.com/sharedrop/sharedrop-go/internal/server"
	"github.com/sharedrop/sharedrop-go/internal/storage"
)

// Harness hosts a fully wired sharedrop service for conformance testing.
type Harness struct {
	server  *httptest.Server
	store   storage.Store
	objects *media.MemoryStore
	jobs    queue.Queue
	cancel  context.CancelFunc
}

// Config holds configuration for the conformance test harness.
type Config struct {
	// FreeWaitSeconds is the wait gate applied to free downloads
	FreeWaitSeconds int

	// RateLimitPerIP bounds download grants per address per window
	RateLimitPerIP int

	// CompletionThreshold is the served-bytes fraction that counts a download
	CompletionThreshold float64

	// EarningsPerDownloadCents is credited per completed download
	EarningsPerDownloadCents int64

	// MinPayoutThresholdCents is the minimum payout request
	MinPayoutThresholdCents int64
}

// DefaultConfig returns the production-shaped harness configuration.
func DefaultConfig() Config {
	return Config{
		FreeWaitSeconds:          9,
		RateLimitPerIP:           10,
		CompletionThreshold:      0.8,
		EarningsPerDownloadCents: 10,
		MinPayoutThresholdCents:  5000,
	}
}

// NewHarness creates a conformance test harness over in-memory backends with
// background workers running, so queued jobs (thumbnails, remote fetches)
// actually execute.
func NewHarness(hcfg Config) (*Harness, error) {
	cfg := config.Config{
		MaxFileSizeFree:          100 * 1024 * 1024,
		MaxFileSizePremium:       10 * 1024 * 1024 * 1024,
		UploadURLTTL:             time.Hour,
		RetentionDays:            90,
		RemoteFetchMaxBytes:      64 * 1024 * 1024,
		RemoteFetchTimeout:       time.Minute,
		GrantSecret:              "conformance-secret",
		GrantTTL:                 time.Hour,
		DownloadURLTTL:           time.Hour,
		FreeWaitSeconds:          hcfg.FreeWaitSeconds,
		RateLimitPerIP:           hcfg.RateLimitPerIP,
		RateLimitWindow:          15 * time.Minute,
		CompletionThreshold:      hcfg.CompletionThreshold,
		EarningsPerDownloadCents: hcfg.EarningsPerDownloadCents,
		MinPayoutThresholdCents:  hcfg.MinPayoutThresholdCents,
	}

	store := storage.NewMemory()
	objects := media.NewMemoryStore()
	jobs := queue.NewMemory(3)
	m := metrics.NewMetrics()

	ingestSvc := ingest.NewService(cfg, store, objects, jobs, scan.NoopScanner{}, m)
	gate := download.NewGatekeeper(cfg, store, objects, m)
	ledgerSvc := ledger.New(cfg, store, m)
	filesSvc := files.NewService(cfg, store, objects)

	ingestSvc.RegisterWorkers(jobs)
	ctx, cancel := context.WithCancel(context.Background())
	if err := jobs.Start(ctx, 2); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to start workers: %w", err)
	}

	mux := server.NewMux(store, ingestSvc, gate, ledgerSvc, filesSvc)

	return &Harness{
		server:  httptest.NewServer(mux),
		store:   store,
		objects: objects,
		jobs:    jobs,
		cancel:  cancel,
	}, nil
}

// URL returns the base URL of the test server.
func (h *Harness) URL() string {
	return h.server.URL
}

// Close shuts down the test server and the worker pool.
func (h *Harness) Close() {
	h.cancel()
	h.server.Close()
	_ = h.jobs.Close()
}

// RunConformanceTests runs the full scenario suite.
func (h *Harness) RunConformanceTests(t *testing.T) {
	t.Run("HealthEndpoints", h.testHealthEndpoints)
	t.Run("UploadPipeline", h.testUploadPipeline)
	t.Run("DownloadGate", h.testDownloadGate)
	t.Run("EarningsAndPayouts", h.testEarningsAndPayouts)
}

// request performs an HTTP call with the gateway identity headers and decodes
// the response envelope.
func (h *Harness) request(t *testing.T, method, path, userID string, body interface{}, admin bool) (int, map[string]json.RawMessage) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("failed to encode request body: %v", err)
		}
	}
	req, err := http.NewRequest(method, h.URL()+path, &buf)
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	if userID != "" {
		req.Header.Set("X-User-Id", userID)
	}
	if admin {
		req.Header.Set("X-Admin", "true")
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, path, err)
	}
	defer resp.Body.Close()

	envelope := map[string]json.RawMessage{}
	_ = json.NewDecoder(resp.Body).Decode(&envelope)
	return resp.StatusCode, envelope
}

func decodeData(t *testing.T, envelope map[string]json.RawMessage, out interface{}) {
	t.Helper()
	raw, ok := envelope["data"]
	if !ok {
		t.Fatalf("response has no data field: %v", envelope)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		t.Fatalf("failed to decode data: %v", err)
	}
}

// testHealthEndpoints tests the health check endpoints.
func (h *Harness) testHealthEndpoints(t *testing.T) {
	for _, path := range []string{"/healthz", "/readyz"} {
		resp, err := http.Get(h.URL() + path)
		if err != nil {
			t.Fatalf("failed to GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("expected status 200 for %s, got %d", path, resp.StatusCode)
		}
	}
}

// testUploadPipeline drives an upload from intent to finalized file.
func (h *Harness) testUploadPipeline(t *testing.T) {
	status, envelope := h.request(t, "POST", "/v1/uploads/initiate", "uploader", map[string]interface{}{
		"filename":    "report.pdf",
		"contentType": "application/pdf",
	}, false)
	if status != http.StatusOK {
		t.Fatalf("initiate status = %d", status)
	}
	var initiated model.InitiateUploadResult
	decodeData(t, envelope, &initiated)

	// Simulate the client's direct-to-storage upload
	file, err := h.store.GetFile(context.Background(), initiated.FileID)
	if err != nil {
		t.Fatalf("GetFile() error = %v", err)
	}
	payload := bytes.Repeat([]byte("p"), 4096)
	if err := h.objects.Put(context.Background(), file.StorageKey, "application/pdf", bytes.NewReader(payload), int64(len(payload))); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	status, envelope = h.request(t, "POST", "/v1/uploads/complete", "uploader",
		map[string]string{"fileId": initiated.FileID}, false)
	if status != http.StatusOK {
		t.Fatalf("complete status = %d", status)
	}
	var completed model.CompleteUploadResult
	decodeData(t, envelope, &completed)
	if completed.Size != 4096 {
		t.Errorf("completed size = %d, want 4096", completed.Size)
	}

	// The file is now on the public surface
	status, envelope = h.request(t, "GET", "/v1/files/"+initiated.PublicID, "", nil, false)
	if status != http.StatusOK {
		t.Fatalf("get file status = %d", status)
	}
	var details model.FileDetails
	decodeData(t, envelope, &details)
	if details.File.OriginalName != "report.pdf" || !details.File.IsProcessed {
		t.Errorf("details = %+v, want processed report.pdf", details.File)
	}
}

// testDownloadGate verifies the wait gate and grant issuance.
func (h *Harness) testDownloadGate(t *testing.T) {
	ctx := context.Background()
	file := model.File{
		ID: "conf-dl", PublicID: "confdl0001", OriginalName: "data.bin",
		StorageKey: "uploads/confdl0001/data.bin", Size: 1000,
		MimeType: "application/octet-stream", Visibility: model.VisibilityPublic,
		IsProcessed: true, CreatedAt: time.Now().UTC(),
	}
	if err := h.store.CreateFile(ctx, file); err != nil {
		t.Fatalf("CreateFile() error = %v", err)
	}

	status, envelope := h.request(t, "GET", "/v1/download/confdl0001/info", "", nil, false)
	if status != http.StatusOK {
		t.Fatalf("info status = %d", status)
	}
	var info model.DownloadInfo
	decodeData(t, envelope, &info)
	if !info.RequiresWait || info.WaitSeconds == 0 {
		t.Errorf("info = %+v, want a free-tier wait", info)
	}

	status, envelope = h.request(t, "POST", "/v1/download/confdl0001/link", "", nil, false)
	if status != http.StatusOK {
		t.Fatalf("link status = %d", status)
	}
	var grant model.DownloadGrant
	decodeData(t, envelope, &grant)
	if grant.DownloadURL == "" || grant.GrantToken == "" {
		t.Errorf("grant = %+v, want url and token", grant)
	}
}

// testEarningsAndPayouts walks a completed download into a paid-out balance.
func (h *Harness) testEarningsAndPayouts(t *testing.T) {
	ctx := context.Background()
	if err := h.store.CreateUser(ctx, model.User{
		ID: "creator", TotalEarningsCents: 4990, CreatedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("CreateUser() error = %v", err)
	}
	file := model.File{
		ID: "conf-earn", PublicID: "confearn01", UserID: "creator",
		OriginalName: "pack.zip", StorageKey: "uploads/confearn01/pack.zip",
		Size: 1000, MimeType: "application/zip",
		Visibility: model.VisibilityPublic, IsProcessed: true,
		CreatedAt: time.Now().UTC(),
	}
	if err := h.store.CreateFile(ctx, file); err != nil {
		t.Fatalf("CreateFile() error = %v", err)
	}

	status, envelope := h.request(t, "POST", "/v1/download/confearn01/link", "", nil, false)
	if status != http.StatusOK {
		t.Fatalf("link status = %d", status)
	}
	var grant model.DownloadGrant
	decodeData(t, envelope, &grant)

	status, envelope = h.request(t, "POST", "/v1/download-complete", "",
		map[string]interface{}{"grantToken": grant.GrantToken, "bytesServed": 1000}, false)
	if status != http.StatusOK {
		t.Fatalf("completion status = %d", status)
	}
	var completion model.CompletionResult
	decodeData(t, envelope, &completion)
	if !completion.Completed || completion.EarningsCents != 10 {
		t.Fatalf("completion = %+v, want completed with 10 cents", completion)
	}

	// The credit pushed the balance over the payout minimum
	status, envelope = h.request(t, "GET", "/v1/me/stats", "creator", nil, false)
	if status != http.StatusOK {
		t.Fatalf("stats status = %d", status)
	}
	var stats model.UserStats
	decodeData(t, envelope, &stats)
	if stats.AvailableForPayoutCents != 5000 || !stats.CanRequestPayout {
		t.Fatalf("stats = %+v, want 5000 available and payout allowed", stats)
	}

	status, envelope = h.request(t, "POST", "/v1/payouts", "creator",
		map[string]interface{}{"amountCents": 0, "method": "paypal", "destination": "creator@example.com"}, false)
	if status != http.StatusCreated {
		t.Fatalf("payout request status = %d", status)
	}
	var payout model.Payout
	decodeData(t, envelope, &payout)
	if payout.AmountCents != 5000 {
		t.Fatalf("payout amount = %d, want full 5000 balance", payout.AmountCents)
	}

	status, envelope = h.request(t, "POST", "/v1/admin/payouts/"+payout.ID+"/approve", "op", nil, true)
	if status != http.StatusOK {
		t.Fatalf("approve status = %d", status)
	}
	status, envelope = h.request(t, "POST", "/v1/admin/payouts/"+payout.ID+"/paid", "op", nil, true)
	if status != http.StatusOK {
		t.Fatalf("paid status = %d", status)
	}
	decodeData(t, envelope, &payout)
	if payout.Status != model.PayoutPaid {
		t.Errorf("payout status = %v, want PAID", payout.Status)
	}

	// Nothing left to withdraw
	status, envelope = h.request(t, "GET", "/v1/me/stats", "creator", nil, false)
	if status != http.StatusOK {
		t.Fatalf("stats status = %d", status)
	}
	decodeData(t, envelope, &stats)
	if stats.AvailableForPayoutCents != 0 {
		t.Errorf("available = %d, want 0 after payout", stats.AvailableForPayoutCents)
	}
}
