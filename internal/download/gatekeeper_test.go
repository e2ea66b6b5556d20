// internal/download/gatekeeper_test.go
// Tests for the download gate: wait policy, rate limiting, availability.
package download

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/sharedrop/sharedrop-go/internal/config"
	apperrors "github.com/sharedrop/sharedrop-go/internal/errors"
	"github.com/sharedrop/sharedrop-go/internal/media"
	"github.com/sharedrop/sharedrop-go/internal/metrics"
	"github.com/sharedrop/sharedrop-go/internal/model"
	"github.com/sharedrop/sharedrop-go/internal/storage"
)

func gateConfig() config.Config {
	return config.Config{
		FreeWaitSeconds:     9,
		RateLimitPerIP:      10,
		RateLimitWindow:     15 * time.Minute,
		DownloadURLTTL:      time.Hour,
		GrantSecret:         "test-secret",
		GrantTTL:            time.Hour,
		CompletionThreshold: 0.8,
	}
}

func newTestGate(cfg config.Config) (*Gatekeeper, storage.Store) {
	store := storage.NewMemory()
	return NewGatekeeper(cfg, store, media.NewMemoryStore(), metrics.NewMetrics()), store
}

// seedFile creates a processed, downloadable file owned by ownerID.
func seedFile(t *testing.T, store storage.Store, publicID, ownerID string, size int64) model.File {
	t.Helper()
	file := model.File{
		ID:           "file-" + publicID,
		PublicID:     publicID,
		UserID:       ownerID,
		OriginalName: "data.bin",
		StorageKey:   "uploads/" + publicID + "/data.bin",
		Size:         size,
		MimeType:     "application/octet-stream",
		Visibility:   model.VisibilityPublic,
		IsProcessed:  true,
		CreatedAt:    time.Now().UTC(),
	}
	if err := store.CreateFile(context.Background(), file); err != nil {
		t.Fatalf("CreateFile() error = %v", err)
	}
	return file
}

func seedUser(t *testing.T, store storage.Store, id string, premium bool) {
	t.Helper()
	user := model.User{ID: id, CreatedAt: time.Now().UTC()}
	if premium {
		until := time.Now().UTC().Add(24 * time.Hour)
		user.PremiumUntil = &until
	}
	if err := store.CreateUser(context.Background(), user); err != nil {
		t.Fatalf("CreateUser() error = %v", err)
	}
}

// TestGetDownloadInfoWaitGate verifies the premium wait policy: the wait is
// waived when either the requester or the owner is premium.
func TestGetDownloadInfoWaitGate(t *testing.T) {
	gate, store := newTestGate(gateConfig())
	ctx := context.Background()

	seedUser(t, store, "free-owner", false)
	seedUser(t, store, "prem-owner", true)
	seedUser(t, store, "free-user", false)
	seedUser(t, store, "prem-user", true)
	seedFile(t, store, "freefile01", "free-owner", 1000)
	seedFile(t, store, "premfile01", "prem-owner", 1000)

	tests := []struct {
		name      string
		publicID  string
		requester string
		wantWait  int
	}{
		{"anonymous on free file", "freefile01", "", 9},
		{"free requester on free file", "freefile01", "free-user", 9},
		{"premium requester skips wait", "freefile01", "prem-user", 0},
		{"premium owner waives wait for everyone", "premfile01", "free-user", 0},
		{"premium owner waives wait for anonymous", "premfile01", "", 0},
	}
	for _, tt := range tests {
		info, err := gate.GetDownloadInfo(ctx, tt.publicID, tt.requester)
		if err != nil {
			t.Fatalf("%s: GetDownloadInfo() error = %v", tt.name, err)
		}
		if info.WaitSeconds != tt.wantWait {
			t.Errorf("%s: WaitSeconds = %d, want %d", tt.name, info.WaitSeconds, tt.wantWait)
		}
		if info.RequiresWait != (tt.wantWait > 0) {
			t.Errorf("%s: RequiresWait = %v, want %v", tt.name, info.RequiresWait, tt.wantWait > 0)
		}
	}
}

// TestResolveFileAvailability verifies that unavailable files read as not found.
func TestResolveFileAvailability(t *testing.T) {
	gate, store := newTestGate(gateConfig())
	ctx := context.Background()

	if _, err := gate.GetDownloadInfo(ctx, "nosuchfile", ""); !apperrors.IsCode(err, apperrors.SD_NOT_FOUND) {
		t.Errorf("missing file error = %v, want SD_NOT_FOUND", err)
	}

	// Taken down reads as forbidden, not missing
	down := seedFile(t, store, "takendown1", "", 100)
	if err := store.TakeDownFile(ctx, down.ID, "abuse"); err != nil {
		t.Fatalf("TakeDownFile() error = %v", err)
	}
	if _, err := gate.GetDownloadInfo(ctx, "takendown1", ""); !apperrors.IsCode(err, apperrors.SD_FORBIDDEN) {
		t.Errorf("taken-down file error = %v, want SD_FORBIDDEN", err)
	}

	// Expired
	expired := model.File{
		ID: "file-exp", PublicID: "expired001", OriginalName: "old.bin",
		StorageKey: "uploads/expired001/old.bin", Size: 100,
		MimeType: "application/octet-stream", Visibility: model.VisibilityPublic,
		IsProcessed: true, CreatedAt: time.Now().UTC().Add(-100 * 24 * time.Hour),
	}
	past := time.Now().UTC().Add(-time.Hour)
	expired.ExpiresAt = &past
	if err := store.CreateFile(ctx, expired); err != nil {
		t.Fatalf("CreateFile() error = %v", err)
	}
	if _, err := gate.GetDownloadInfo(ctx, "expired001", ""); !apperrors.IsCode(err, apperrors.SD_NOT_FOUND) {
		t.Errorf("expired file error = %v, want SD_NOT_FOUND", err)
	}

	// Not yet processed
	pending := model.File{
		ID: "file-pend", PublicID: "pending001", OriginalName: "new.bin",
		StorageKey: "uploads/pending001/new.bin",
		MimeType:   "application/octet-stream", Visibility: model.VisibilityPublic,
		CreatedAt: time.Now().UTC(),
	}
	if err := store.CreateFile(ctx, pending); err != nil {
		t.Fatalf("CreateFile() error = %v", err)
	}
	if _, err := gate.GetDownloadInfo(ctx, "pending001", ""); !apperrors.IsCode(err, apperrors.SD_NOT_FOUND) {
		t.Errorf("unprocessed file error = %v, want SD_NOT_FOUND", err)
	}
}

// TestGenerateDownloadLinkRateLimit verifies the sliding-window IP limit:
// the configured count succeeds, the next request is rejected, and requests
// outside the window do not count.
func TestGenerateDownloadLinkRateLimit(t *testing.T) {
	cfg := gateConfig()
	gate, store := newTestGate(cfg)
	ctx := context.Background()

	seedFile(t, store, "popular001", "", 1000)

	for i := 0; i < cfg.RateLimitPerIP; i++ {
		if _, err := gate.GenerateDownloadLink(ctx, "popular001", "", "9.9.9.9", "test-agent"); err != nil {
			t.Fatalf("grant %d error = %v", i+1, err)
		}
	}

	if _, err := gate.GenerateDownloadLink(ctx, "popular001", "", "9.9.9.9", "test-agent"); !apperrors.IsCode(err, apperrors.SD_RATE_LIMIT) {
		t.Fatalf("grant over limit error = %v, want SD_RATE_LIMIT", err)
	}

	// A different address is unaffected
	if _, err := gate.GenerateDownloadLink(ctx, "popular001", "", "8.8.8.8", "test-agent"); err != nil {
		t.Errorf("grant from other IP error = %v", err)
	}

	// Old attempts outside the window do not count against a fresh address
	for i := 0; i < cfg.RateLimitPerIP; i++ {
		old := model.Download{
			ID:        fmt.Sprintf("old-%d", i),
			FileID:    "file-popular001",
			IP:        "7.7.7.7",
			CreatedAt: time.Now().UTC().Add(-cfg.RateLimitWindow - time.Minute),
		}
		if err := store.CreateDownload(ctx, old); err != nil {
			t.Fatalf("CreateDownload() error = %v", err)
		}
	}
	if _, err := gate.GenerateDownloadLink(ctx, "popular001", "", "7.7.7.7", "test-agent"); err != nil {
		t.Errorf("grant after window error = %v, want success", err)
	}
}

// TestGenerateDownloadLink verifies the grant contents and counters.
func TestGenerateDownloadLink(t *testing.T) {
	cfg := gateConfig()
	gate, store := newTestGate(cfg)
	ctx := context.Background()

	seedUser(t, store, "owner", false)
	file := seedFile(t, store, "granted001", "owner", 1000)

	grant, err := gate.GenerateDownloadLink(ctx, "granted001", "", "1.2.3.4", "test-agent")
	if err != nil {
		t.Fatalf("GenerateDownloadLink() error = %v", err)
	}
	if grant.DownloadURL == "" || grant.DownloadID == "" || grant.GrantToken == "" {
		t.Fatalf("GenerateDownloadLink() incomplete grant: %+v", grant)
	}

	claims, err := VerifyGrant(cfg.GrantSecret, grant.GrantToken)
	if err != nil {
		t.Fatalf("VerifyGrant() error = %v", err)
	}
	if claims.DownloadID != grant.DownloadID || claims.FileID != file.ID {
		t.Errorf("claims = %+v, want downloadId %s fileId %s", claims, grant.DownloadID, file.ID)
	}

	row, err := store.GetDownload(ctx, grant.DownloadID)
	if err != nil {
		t.Fatalf("GetDownload() error = %v", err)
	}
	if row.IP != "1.2.3.4" || row.UserAgent != "test-agent" || row.Completed {
		t.Errorf("download row = %+v, want fresh row stamped with IP and agent", row)
	}

	got, _ := store.GetFile(ctx, file.ID)
	if got.DownloadsCount != 1 {
		t.Errorf("DownloadsCount = %d, want 1", got.DownloadsCount)
	}
	owner, _ := store.GetUser(ctx, "owner")
	if owner.TotalDownloads != 1 {
		t.Errorf("owner TotalDownloads = %d, want 1", owner.TotalDownloads)
	}
}

// TestGrantRoundTrip verifies signing and tamper rejection.
func TestGrantRoundTrip(t *testing.T) {
	token, err := SignGrant("secret-a", "d1", "f1", time.Hour)
	if err != nil {
		t.Fatalf("SignGrant() error = %v", err)
	}

	claims, err := VerifyGrant("secret-a", token)
	if err != nil {
		t.Fatalf("VerifyGrant() error = %v", err)
	}
	if claims.DownloadID != "d1" || claims.FileID != "f1" {
		t.Errorf("claims = %+v, want d1/f1", claims)
	}

	if _, err := VerifyGrant("secret-b", token); err == nil {
		t.Error("VerifyGrant() with wrong secret should fail")
	}
	if _, err := VerifyGrant("secret-a", token+"x"); err == nil {
		t.Error("VerifyGrant() with tampered token should fail")
	}
}

// TestGrantExpiry verifies that expired grants fail verification.
func TestGrantExpiry(t *testing.T) {
	token, err := SignGrant("secret-a", "d1", "f1", -time.Minute)
	if err != nil {
		t.Fatalf("SignGrant() error = %v", err)
	}
	if _, err := VerifyGrant("secret-a", token); err == nil {
		t.Error("VerifyGrant() on expired grant should fail")
	}
}
