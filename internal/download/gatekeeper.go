// internal/download/gatekeeper.go
// Package download implements the download gate: availability checks, the
// premium wait policy, per-IP rate limiting, and grant issuance.
package download

import (
	"context"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/sharedrop/sharedrop-go/internal/config"
	apperrors "github.com/sharedrop/sharedrop-go/internal/errors"
	"github.com/sharedrop/sharedrop-go/internal/media"
	"github.com/sharedrop/sharedrop-go/internal/metrics"
	"github.com/sharedrop/sharedrop-go/internal/model"
	"github.com/sharedrop/sharedrop-go/internal/storage"
)

// Gatekeeper mediates every download: it decides whether a file is served,
// how long the requester waits, and issues the grant that the completion
// report later presents to the ledger.
type Gatekeeper struct {
	cfg     config.Config
	store   storage.Store
	objects media.ObjectStore
	metrics *metrics.Metrics
}

// NewGatekeeper wires the download gate.
func NewGatekeeper(cfg config.Config, store storage.Store, objects media.ObjectStore, m *metrics.Metrics) *Gatekeeper {
	return &Gatekeeper{cfg: cfg, store: store, objects: objects, metrics: m}
}

// resolveFile loads a file by public ID and applies the availability rules.
// Missing, expired, and still-processing files read as not found; taken-down
// files are forbidden, so the caller can tell moderation from absence.
func (g *Gatekeeper) resolveFile(ctx context.Context, publicID string) (*model.File, error) {
	file, err := g.store.GetFileByPublicID(ctx, publicID)
	if err != nil {
		if err == storage.ErrNotFound {
			return nil, apperrors.New(apperrors.SD_NOT_FOUND, "file not found", "")
		}
		return nil, apperrors.New(apperrors.SD_INTERNAL, "failed to load file", "")
	}
	if file.TakenDown {
		return nil, apperrors.New(apperrors.SD_FORBIDDEN, "file is no longer available", "")
	}
	if file.Expired(time.Now().UTC()) || !file.IsProcessed {
		return nil, apperrors.New(apperrors.SD_NOT_FOUND, "file not found", "")
	}
	return file, nil
}

// waivesWait reports whether the wait gate is skipped: either the requester
// or the file's owner holds an active premium entitlement.
func (g *Gatekeeper) waivesWait(ctx context.Context, file *model.File, requesterID string) bool {
	now := time.Now().UTC()
	if requesterID != "" {
		if user, err := g.store.GetUser(ctx, requesterID); err == nil && user.IsPremium(now) {
			return true
		}
	}
	if file.UserID != "" && file.UserID != requesterID {
		if owner, err := g.store.GetUser(ctx, file.UserID); err == nil && owner.IsPremium(now) {
			return true
		}
	}
	return false
}

// GetDownloadInfo describes a file to a prospective downloader, including
// the wait the client must enforce before requesting a grant.
func (g *Gatekeeper) GetDownloadInfo(ctx context.Context, publicID, requesterID string) (*model.DownloadInfo, error) {
	file, err := g.resolveFile(ctx, publicID)
	if err != nil {
		return nil, err
	}

	premium := g.waivesWait(ctx, file, requesterID)
	waitSeconds := 0
	if !premium {
		waitSeconds = g.cfg.FreeWaitSeconds
	}

	return &model.DownloadInfo{
		FileID:       file.ID,
		PublicID:     file.PublicID,
		FileName:     file.OriginalName,
		FileSize:     file.Size,
		MimeType:     file.MimeType,
		WaitSeconds:  waitSeconds,
		RequiresWait: waitSeconds > 0,
		IsPremium:    premium,
	}, nil
}

// GenerateDownloadLink issues a download grant: it checks the per-IP rate
// limit, records the download attempt, and returns a presigned URL plus the
// grant token for the later completion report.
func (g *Gatekeeper) GenerateDownloadLink(ctx context.Context, publicID, requesterID, ip, userAgent string) (*model.DownloadGrant, error) {
	file, err := g.resolveFile(ctx, publicID)
	if err != nil {
		return nil, err
	}

	since := time.Now().UTC().Add(-g.cfg.RateLimitWindow)
	count, err := g.store.CountDownloadsByIPSince(ctx, ip, since)
	if err != nil {
		return nil, apperrors.New(apperrors.SD_INTERNAL, "failed to check rate limit", "")
	}
	if count >= g.cfg.RateLimitPerIP {
		g.metrics.DownloadsRateLimited.Inc()
		return nil, apperrors.New(apperrors.SD_RATE_LIMIT,
			"too many downloads from this address, try again later", "")
	}

	download := model.Download{
		ID:        ulid.Make().String(),
		FileID:    file.ID,
		IP:        ip,
		UserAgent: userAgent,
		CreatedAt: time.Now().UTC(),
	}
	if err := g.store.CreateDownload(ctx, download); err != nil {
		slog.Error("failed to record download", "fileId", file.ID, "error", err)
		return nil, apperrors.New(apperrors.SD_INTERNAL, "failed to record download", "")
	}

	// Counters are best-effort; a lost increment never blocks the download
	if err := g.store.IncrementFileDownloads(ctx, file.ID); err != nil && err != storage.ErrNotFound {
		slog.Warn("failed to increment file downloads", "fileId", file.ID, "error", err)
	}
	if file.UserID != "" {
		if err := g.store.IncrementUserDownloads(ctx, file.UserID); err != nil && err != storage.ErrNotFound {
			slog.Warn("failed to increment user downloads", "userId", file.UserID, "error", err)
		}
	}

	downloadURL, err := g.objects.PresignDownload(ctx, file.StorageKey, file.OriginalName, g.cfg.DownloadURLTTL)
	if err != nil {
		slog.Error("failed to presign download", "fileId", file.ID, "error", err)
		return nil, apperrors.New(apperrors.SD_UPSTREAM, "failed to prepare download", "")
	}

	grantToken, err := SignGrant(g.cfg.GrantSecret, download.ID, file.ID, g.cfg.GrantTTL)
	if err != nil {
		slog.Error("failed to sign grant", "downloadId", download.ID, "error", err)
		return nil, apperrors.New(apperrors.SD_INTERNAL, "failed to issue download grant", "")
	}

	premium := "false"
	if g.waivesWait(ctx, file, requesterID) {
		premium = "true"
	}
	g.metrics.DownloadGrantsTotal.WithLabelValues(premium).Inc()

	return &model.DownloadGrant{
		DownloadURL: downloadURL,
		ExpiresIn:   int64(g.cfg.DownloadURLTTL.Seconds()),
		DownloadID:  download.ID,
		GrantToken:  grantToken,
	}, nil
}
