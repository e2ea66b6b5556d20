// internal/ingest/service.go
// Package ingest implements the asynchronous upload pipeline: upload intents,
// presigned storage handoff, finalization, and the background jobs that
// process stored files (remote fetch, thumbnails, virus scans).
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/sharedrop/sharedrop-go/internal/config"
	apperrors "github.com/sharedrop/sharedrop-go/internal/errors"
	"github.com/sharedrop/sharedrop-go/internal/media"
	"github.com/sharedrop/sharedrop-go/internal/metrics"
	"github.com/sharedrop/sharedrop-go/internal/model"
	"github.com/sharedrop/sharedrop-go/internal/queue"
	"github.com/sharedrop/sharedrop-go/internal/scan"
	"github.com/sharedrop/sharedrop-go/internal/storage"
)

// publicIDAttempts bounds retries when a generated public ID collides.
const publicIDAttempts = 5

// Service orchestrates the upload pipeline. All durable state lives in the
// Store and the object store; the service itself is stateless.
type Service struct {
	cfg     config.Config
	store   storage.Store
	objects media.ObjectStore
	jobs    queue.Queue
	scanner scan.Scanner
	metrics *metrics.Metrics
}

// NewService wires the ingestion service.
func NewService(cfg config.Config, store storage.Store, objects media.ObjectStore, jobs queue.Queue, scanner scan.Scanner, m *metrics.Metrics) *Service {
	return &Service{
		cfg:     cfg,
		store:   store,
		objects: objects,
		jobs:    jobs,
		scanner: scanner,
		metrics: m,
	}
}

// InitiateUpload validates an upload intent, creates the unprocessed file
// record, and returns a presigned URL the client uploads to directly.
func (s *Service) InitiateUpload(ctx context.Context, req model.InitiateUploadRequest) (*model.InitiateUploadResult, error) {
	if strings.TrimSpace(req.Filename) == "" {
		return nil, apperrors.New(apperrors.SD_VALIDATION, "filename is required", "")
	}
	if req.ContentType == "" {
		return nil, apperrors.New(apperrors.SD_VALIDATION, "contentType is required", "")
	}
	if !mimeAllowed(s.cfg.AllowedMimeTypes, req.ContentType) {
		return nil, apperrors.New(apperrors.SD_MEDIA_TYPE,
			fmt.Sprintf("content type %q is not allowed", req.ContentType), "")
	}

	ceiling, err := s.sizeCeiling(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	if req.DeclaredSize > ceiling {
		return nil, apperrors.NewWithDetails(apperrors.SD_MEDIA_SIZE,
			"declared size exceeds the allowed maximum", "",
			map[string]int64{"declaredSize": req.DeclaredSize, "maxSize": ceiling})
	}

	visibility := req.Visibility
	if visibility == "" {
		visibility = model.VisibilityPublic
	}

	now := time.Now().UTC()
	filename := sanitizeFilename(req.Filename)

	file := model.File{
		ID:           ulid.Make().String(),
		UserID:       req.UserID,
		OriginalName: filename,
		Size:         req.DeclaredSize,
		MimeType:     req.ContentType,
		Description:  req.Description,
		Visibility:   visibility,
		CreatedAt:    now,
	}
	if window := s.cfg.RetentionWindow(); window > 0 {
		expires := now.Add(window)
		file.ExpiresAt = &expires
	}

	// The public ID's unique constraint is the collision authority; retry
	// generation on the (vanishingly rare) conflict.
	for attempt := 0; ; attempt++ {
		publicID, err := newPublicID()
		if err != nil {
			return nil, apperrors.New(apperrors.SD_INTERNAL, "failed to generate file identifier", "")
		}
		file.PublicID = publicID
		file.StorageKey = fmt.Sprintf("uploads/%s/%s", publicID, filename)

		err = s.store.CreateFile(ctx, file)
		if err == nil {
			break
		}
		if err == storage.ErrConflict && attempt < publicIDAttempts-1 {
			continue
		}
		slog.Error("failed to create file record", "error", err)
		return nil, apperrors.New(apperrors.SD_INTERNAL, "failed to create file record", "")
	}

	uploadURL, err := s.objects.PresignUpload(ctx, file.StorageKey, req.ContentType, s.cfg.UploadURLTTL)
	if err != nil {
		slog.Error("failed to presign upload", "fileId", file.ID, "error", err)
		return nil, apperrors.New(apperrors.SD_UPSTREAM, "failed to prepare upload destination", "")
	}

	s.metrics.UploadsInitiatedTotal.WithLabelValues("direct").Inc()

	return &model.InitiateUploadResult{
		FileID:    file.ID,
		PublicID:  file.PublicID,
		UploadURL: uploadURL,
		MaxSize:   ceiling,
		ExpiresIn: int64(s.cfg.UploadURLTTL.Seconds()),
	}, nil
}

// CompleteUpload finalizes an upload after the client has pushed the object.
// The object store is the source of truth for the real size; the declared size
// from the intent is discarded. Finalization is idempotent: repeated calls
// return the same result and the post-processing side effects run once.
func (s *Service) CompleteUpload(ctx context.Context, fileID, userID string) (*model.CompleteUploadResult, error) {
	file, err := s.store.GetFile(ctx, fileID)
	if err != nil {
		if err == storage.ErrNotFound {
			return nil, apperrors.New(apperrors.SD_NOT_FOUND, "file not found", "")
		}
		return nil, apperrors.New(apperrors.SD_INTERNAL, "failed to load file", "")
	}
	if file.UserID != "" && file.UserID != userID {
		return nil, apperrors.New(apperrors.SD_FORBIDDEN, "not the owner of this upload", "")
	}

	info, err := s.objects.Stat(ctx, file.StorageKey)
	if err != nil {
		if err == media.ErrObjectNotFound {
			return nil, apperrors.New(apperrors.SD_UPLOAD_INCOMPLETE,
				"object has not been uploaded yet", "")
		}
		slog.Error("failed to stat object", "fileId", fileID, "error", err)
		return nil, apperrors.New(apperrors.SD_UPSTREAM, "failed to verify uploaded object", "")
	}

	ceiling, err := s.sizeCeiling(ctx, file.UserID)
	if err != nil {
		return nil, err
	}
	if info.Size > ceiling {
		// The client lied about the size at intent time. Remove the object so
		// the oversized upload does not linger in storage.
		if delErr := s.objects.Delete(ctx, file.StorageKey); delErr != nil {
			slog.Warn("failed to delete oversized object", "fileId", fileID, "error", delErr)
		}
		return nil, apperrors.NewWithDetails(apperrors.SD_MEDIA_SIZE,
			"uploaded object exceeds the allowed maximum", "",
			map[string]int64{"size": info.Size, "maxSize": ceiling})
	}

	won, err := s.store.MarkFileProcessed(ctx, fileID, info.Size)
	if err != nil {
		slog.Error("failed to mark file processed", "fileId", fileID, "error", err)
		return nil, apperrors.New(apperrors.SD_INTERNAL, "failed to finalize upload", "")
	}

	if won {
		s.afterFinalize(ctx, file, "", false)
		s.metrics.UploadsCompletedTotal.WithLabelValues("direct").Inc()
	}

	return &model.CompleteUploadResult{PublicID: file.PublicID, Size: info.Size}, nil
}

// afterFinalize runs the once-per-file side effects of a finalized upload:
// owner counter, thumbnail for images, virus scan job. Callers invoke it only
// when they won the processed transition. Direct uploads queue the thumbnail;
// the remote-fetch worker sets syncThumbnail and derives it in-line, since it
// already runs in job context with the object in hand.
func (s *Service) afterFinalize(ctx context.Context, file *model.File, correlationID string, syncThumbnail bool) {
	if file.UserID != "" {
		if err := s.store.IncrementUserUploads(ctx, file.UserID); err != nil && err != storage.ErrNotFound {
			slog.Warn("failed to increment user uploads", "userId", file.UserID, "error", err)
		}
	}

	if file.IsImage() {
		if syncThumbnail {
			// Thumbnails are best-effort; the file stays fully usable
			if err := s.deriveThumbnail(ctx, file); err != nil {
				slog.Warn("failed to derive thumbnail", "fileId", file.ID, "error", err)
			}
		} else if _, err := s.jobs.Enqueue(ctx, model.JobGenerateThumbnail, correlationID,
			model.GenerateThumbnailJob{FileID: file.ID}); err != nil {
			slog.Warn("failed to enqueue thumbnail job", "fileId", file.ID, "error", err)
		}
	}

	if s.cfg.VirusScanEnabled {
		if _, err := s.jobs.Enqueue(ctx, model.JobVirusScan, correlationID,
			model.VirusScanJob{FileID: file.ID}); err != nil {
			slog.Error("failed to enqueue virus scan job", "fileId", file.ID, "error", err)
		}
	}
}

// InitiateRemoteImport queues a background fetch of a remote URL. The file
// record is created by the worker only after the fetch succeeds; until then
// the returned publicId resolves to nothing.
func (s *Service) InitiateRemoteImport(ctx context.Context, req model.RemoteImportRequest) (*model.RemoteImportResult, error) {
	parsed, err := url.Parse(req.URL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return nil, apperrors.New(apperrors.SD_VALIDATION, "url must be a valid http or https URL", "")
	}

	publicID, err := newPublicID()
	if err != nil {
		return nil, apperrors.New(apperrors.SD_INTERNAL, "failed to generate file identifier", "")
	}

	jobID, err := s.jobs.Enqueue(ctx, model.JobRemoteFetch, "", model.RemoteFetchJob{
		PublicID:    publicID,
		URL:         req.URL,
		UserID:      req.UserID,
		Description: req.Description,
		Visibility:  req.Visibility,
	})
	if err != nil {
		slog.Error("failed to enqueue remote fetch", "url", req.URL, "error", err)
		return nil, apperrors.New(apperrors.SD_INTERNAL, "failed to queue remote import", "")
	}

	s.metrics.UploadsInitiatedTotal.WithLabelValues("remote").Inc()

	return &model.RemoteImportResult{
		PublicID: publicID,
		JobID:    jobID,
		Status:   "queued",
	}, nil
}

// sizeCeiling returns the upload size limit for a user, based on premium
// status. Anonymous uploads get the free ceiling.
func (s *Service) sizeCeiling(ctx context.Context, userID string) (int64, error) {
	if userID == "" {
		return s.cfg.MaxFileSizeFree, nil
	}
	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		if err == storage.ErrNotFound {
			return s.cfg.MaxFileSizeFree, nil
		}
		return 0, apperrors.New(apperrors.SD_INTERNAL, "failed to load user", "")
	}
	if user.IsPremium(time.Now().UTC()) {
		return s.cfg.MaxFileSizePremium, nil
	}
	return s.cfg.MaxFileSizeFree, nil
}

// mimeAllowed checks a content type against the allow-list. Patterns are
// exact matches or "type/*" wildcards. An empty list allows everything.
func mimeAllowed(patterns []string, contentType string) bool {
	if len(patterns) == 0 {
		return true
	}
	// Parameters like "; charset=utf-8" do not participate in matching
	if i := strings.Index(contentType, ";"); i >= 0 {
		contentType = contentType[:i]
	}
	contentType = strings.ToLower(strings.TrimSpace(contentType))

	for _, pattern := range patterns {
		pattern = strings.ToLower(strings.TrimSpace(pattern))
		if pattern == contentType || pattern == "*/*" {
			return true
		}
		if prefix, ok := strings.CutSuffix(pattern, "/*"); ok {
			if strings.HasPrefix(contentType, prefix+"/") {
				return true
			}
		}
	}
	return false
}

// sanitizeFilename strips path components and control characters so the
// original name is safe to embed in a storage key and a Content-Disposition.
func sanitizeFilename(name string) string {
	name = strings.TrimSpace(name)
	if i := strings.LastIndexAny(name, "/\\"); i >= 0 {
		name = name[i+1:]
	}
	var b strings.Builder
	for _, r := range name {
		if r < 0x20 || r == 0x7f {
			continue
		}
		b.WriteRune(r)
	}
	name = b.String()
	if name == "" {
		name = "file"
	}
	return name
}
