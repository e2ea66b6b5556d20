// internal/ingest/workers_test.go
// Tests for the background job handlers.
package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sharedrop/sharedrop-go/internal/media"
	"github.com/sharedrop/sharedrop-go/internal/metrics"
	"github.com/sharedrop/sharedrop-go/internal/model"
	"github.com/sharedrop/sharedrop-go/internal/queue"
	"github.com/sharedrop/sharedrop-go/internal/scan"
	"github.com/sharedrop/sharedrop-go/internal/storage"
)

// fakeScanner returns a fixed verdict.
type fakeScanner struct {
	verdict scan.Verdict
	err     error
}

func (f fakeScanner) Scan(ctx context.Context, storageKey string) (scan.Verdict, error) {
	return f.verdict, f.err
}

func fetchJob(t *testing.T, payload model.RemoteFetchJob) queue.Job {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return queue.Job{ID: "j1", Type: model.JobRemoteFetch, Attempt: 1, Payload: raw}
}

// TestHandleRemoteFetch verifies the fetch flow: the object lands in storage
// and the file record is created last, already processed.
func TestHandleRemoteFetch(t *testing.T) {
	body := bytes.Repeat([]byte("z"), 4096)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/pdf")
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	svc, store, objects, _ := newTestService(testConfig())
	ctx := context.Background()

	job := fetchJob(t, model.RemoteFetchJob{
		PublicID: "remote0001",
		URL:      srv.URL + "/docs/manual.pdf",
		UserID:   "user-1",
	})
	if err := store.CreateUser(ctx, model.User{ID: "user-1", CreatedAt: time.Now().UTC()}); err != nil {
		t.Fatalf("CreateUser() error = %v", err)
	}

	if err := svc.handleRemoteFetch(ctx, job); err != nil {
		t.Fatalf("handleRemoteFetch() error = %v", err)
	}

	file, err := store.GetFileByPublicID(ctx, "remote0001")
	if err != nil {
		t.Fatalf("GetFileByPublicID() error = %v", err)
	}
	if !file.IsProcessed {
		t.Error("remotely fetched file should be created already processed")
	}
	if file.Size != int64(len(body)) {
		t.Errorf("file size = %d, want %d", file.Size, len(body))
	}
	if file.MimeType != "application/pdf" {
		t.Errorf("file mime = %q, want application/pdf", file.MimeType)
	}
	if file.OriginalName != "manual.pdf" {
		t.Errorf("file name = %q, want manual.pdf", file.OriginalName)
	}
	if _, err := objects.Stat(ctx, file.StorageKey); err != nil {
		t.Errorf("stored object missing: %v", err)
	}

	user, _ := store.GetUser(ctx, "user-1")
	if user.TotalUploads != 1 {
		t.Errorf("TotalUploads = %d, want 1", user.TotalUploads)
	}

	// Redelivery after completion is a no-op
	if err := svc.handleRemoteFetch(ctx, job); err != nil {
		t.Fatalf("handleRemoteFetch() redelivery error = %v", err)
	}
	user, _ = store.GetUser(ctx, "user-1")
	if user.TotalUploads != 1 {
		t.Errorf("TotalUploads after redelivery = %d, want 1", user.TotalUploads)
	}
}

// TestHandleRemoteFetchImageThumbnail verifies that fetching a remote image
// derives the thumbnail in the same job rather than queueing a second one.
func TestHandleRemoteFetchImageThumbnail(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 600, 400))
	var buf bytes.Buffer
	if err := png.Encode(&buf, src); err != nil {
		t.Fatalf("png encode: %v", err)
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(buf.Bytes())
	}))
	defer srv.Close()

	svc, store, objects, jobs := newTestService(testConfig())
	ctx := context.Background()

	job := fetchJob(t, model.RemoteFetchJob{PublicID: "remoteimg1", URL: srv.URL + "/photo.png"})
	if err := svc.handleRemoteFetch(ctx, job); err != nil {
		t.Fatalf("handleRemoteFetch() error = %v", err)
	}

	file, err := store.GetFileByPublicID(ctx, "remoteimg1")
	if err != nil {
		t.Fatalf("GetFileByPublicID() error = %v", err)
	}
	if file.ThumbnailKey != "thumbnails/remoteimg1_thumb.jpg" {
		t.Fatalf("ThumbnailKey = %q, want thumbnails/remoteimg1_thumb.jpg", file.ThumbnailKey)
	}
	if _, err := objects.Stat(ctx, file.ThumbnailKey); err != nil {
		t.Errorf("thumbnail object missing: %v", err)
	}
	if got := len(jobs.byType(model.JobGenerateThumbnail)); got != 0 {
		t.Errorf("thumbnail jobs enqueued = %d, want 0 for a remote fetch", got)
	}
}

// TestHandleRemoteFetchDisallowedType verifies that a disallowed content
// type fails terminally rather than retrying.
func TestHandleRemoteFetchDisallowedType(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-msdownload")
		_, _ = w.Write([]byte("MZ"))
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.AllowedMimeTypes = []string{"image/*", "application/pdf"}
	svc, store, _, _ := newTestService(cfg)
	ctx := context.Background()

	job := fetchJob(t, model.RemoteFetchJob{PublicID: "remote0002", URL: srv.URL + "/evil.exe"})
	err := svc.handleRemoteFetch(ctx, job)
	if err == nil || !queue.IsTerminal(err) {
		t.Fatalf("handleRemoteFetch() error = %v, want terminal", err)
	}
	if _, err := store.GetFileByPublicID(ctx, "remote0002"); err != storage.ErrNotFound {
		t.Error("no file record should exist after a rejected fetch")
	}
}

// TestHandleRemoteFetchNotFound verifies that a 404 fails terminally.
func TestHandleRemoteFetchNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	svc, _, _, _ := newTestService(testConfig())
	job := fetchJob(t, model.RemoteFetchJob{PublicID: "remote0003", URL: srv.URL + "/gone"})

	err := svc.handleRemoteFetch(context.Background(), job)
	if err == nil || !queue.IsTerminal(err) {
		t.Fatalf("handleRemoteFetch() error = %v, want terminal", err)
	}
}

// TestHandleGenerateThumbnail verifies thumbnail derivation for an image file.
func TestHandleGenerateThumbnail(t *testing.T) {
	svc, store, objects, _ := newTestService(testConfig())
	ctx := context.Background()

	// A 600x400 source must scale down to 300x200
	src := image.NewRGBA(image.Rect(0, 0, 600, 400))
	var buf bytes.Buffer
	if err := png.Encode(&buf, src); err != nil {
		t.Fatalf("png encode: %v", err)
	}

	file := model.File{
		ID: "f1", PublicID: "img0000001", UserID: "user-1",
		OriginalName: "photo.png", StorageKey: "uploads/img0000001/photo.png",
		MimeType: "image/png", IsProcessed: true,
		Visibility: model.VisibilityPublic, CreatedAt: time.Now().UTC(),
	}
	if err := store.CreateFile(ctx, file); err != nil {
		t.Fatalf("CreateFile() error = %v", err)
	}
	if err := objects.Put(ctx, file.StorageKey, "image/png", &buf, int64(buf.Len())); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	raw, _ := json.Marshal(model.GenerateThumbnailJob{FileID: "f1"})
	job := queue.Job{ID: "j1", Type: model.JobGenerateThumbnail, Attempt: 1, Payload: raw}
	if err := svc.handleGenerateThumbnail(ctx, job); err != nil {
		t.Fatalf("handleGenerateThumbnail() error = %v", err)
	}

	got, _ := store.GetFile(ctx, "f1")
	if got.ThumbnailKey != "thumbnails/img0000001_thumb.jpg" {
		t.Fatalf("ThumbnailKey = %q, want thumbnails/img0000001_thumb.jpg", got.ThumbnailKey)
	}
	if _, err := objects.Stat(ctx, got.ThumbnailKey); err != nil {
		t.Errorf("thumbnail object missing: %v", err)
	}
}

// TestHandleGenerateThumbnailSwallowsBadImage verifies that an undecodable
// object does not fail the job or touch the file.
func TestHandleGenerateThumbnailSwallowsBadImage(t *testing.T) {
	svc, store, objects, _ := newTestService(testConfig())
	ctx := context.Background()

	file := model.File{
		ID: "f1", PublicID: "img0000002",
		OriginalName: "fake.png", StorageKey: "uploads/img0000002/fake.png",
		MimeType: "image/png", IsProcessed: true,
		Visibility: model.VisibilityPublic, CreatedAt: time.Now().UTC(),
	}
	if err := store.CreateFile(ctx, file); err != nil {
		t.Fatalf("CreateFile() error = %v", err)
	}
	if err := objects.Put(ctx, file.StorageKey, "image/png", strings.NewReader("not an image"), 12); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	raw, _ := json.Marshal(model.GenerateThumbnailJob{FileID: "f1"})
	job := queue.Job{ID: "j1", Type: model.JobGenerateThumbnail, Attempt: 1, Payload: raw}
	if err := svc.handleGenerateThumbnail(ctx, job); err != nil {
		t.Fatalf("handleGenerateThumbnail() error = %v, want nil", err)
	}

	got, _ := store.GetFile(ctx, "f1")
	if got.ThumbnailKey != "" {
		t.Errorf("ThumbnailKey = %q, want empty after failed decode", got.ThumbnailKey)
	}
}

// TestHandleVirusScanQuarantines verifies that a dirty verdict takes the
// file down and removes the object.
func TestHandleVirusScanQuarantines(t *testing.T) {
	cfg := testConfig()
	store := storage.NewMemory()
	objects := media.NewMemoryStore()
	svc := NewService(cfg, store, objects, &recordingQueue{},
		fakeScanner{verdict: scan.Verdict{Clean: false, Threat: "EICAR-Test"}}, metrics.NewMetrics())
	ctx := context.Background()

	file := model.File{
		ID: "f1", PublicID: "scan000001",
		OriginalName: "payload.bin", StorageKey: "uploads/scan000001/payload.bin",
		MimeType: "application/octet-stream", IsProcessed: true,
		Visibility: model.VisibilityPublic, CreatedAt: time.Now().UTC(),
	}
	if err := store.CreateFile(ctx, file); err != nil {
		t.Fatalf("CreateFile() error = %v", err)
	}
	if err := objects.Put(ctx, file.StorageKey, file.MimeType, strings.NewReader("X5O!"), 4); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	raw, _ := json.Marshal(model.VirusScanJob{FileID: "f1"})
	job := queue.Job{ID: "j1", Type: model.JobVirusScan, Attempt: 1, Payload: raw}
	if err := svc.handleVirusScan(ctx, job); err != nil {
		t.Fatalf("handleVirusScan() error = %v", err)
	}

	got, _ := store.GetFile(ctx, "f1")
	if !got.TakenDown {
		t.Error("file should be taken down after a dirty verdict")
	}
	if !strings.Contains(got.TakedownReason, "EICAR-Test") {
		t.Errorf("TakedownReason = %q, want the threat name", got.TakedownReason)
	}
	if _, err := objects.Stat(ctx, file.StorageKey); err != media.ErrObjectNotFound {
		t.Error("quarantined object should have been deleted")
	}
}

// TestLimitedReader verifies the overflow detection at the exact boundary.
func TestLimitedReader(t *testing.T) {
	// Exactly at the limit: reads cleanly to EOF
	lr := &limitedReader{r: strings.NewReader("12345"), remaining: 5}
	data, err := io.ReadAll(lr)
	if err != nil {
		t.Fatalf("ReadAll() at limit error = %v", err)
	}
	if string(data) != "12345" || lr.exceeded {
		t.Errorf("ReadAll() = %q exceeded=%v, want full data and no overflow", data, lr.exceeded)
	}

	// One byte over: errors and flags the overflow
	lr = &limitedReader{r: strings.NewReader("123456"), remaining: 5}
	if _, err := io.ReadAll(lr); err == nil {
		t.Fatal("ReadAll() over limit should fail")
	}
	if !lr.exceeded {
		t.Error("limitedReader should flag the overflow")
	}
}

// TestRenderThumbnail verifies scaling honors the bounding box.
func TestRenderThumbnail(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 900, 300))
	var buf bytes.Buffer
	if err := png.Encode(&buf, src); err != nil {
		t.Fatalf("png encode: %v", err)
	}

	out, err := renderThumbnail(&buf, 300)
	if err != nil {
		t.Fatalf("renderThumbnail() error = %v", err)
	}

	thumb, _, err := image.Decode(bytes.NewReader(out.Bytes()))
	if err != nil {
		t.Fatalf("decode thumbnail: %v", err)
	}
	bounds := thumb.Bounds()
	if bounds.Dx() != 300 || bounds.Dy() != 100 {
		t.Errorf("thumbnail = %dx%d, want 300x100", bounds.Dx(), bounds.Dy())
	}
}
