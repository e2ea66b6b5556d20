// internal/files/files.go
// Package files implements file lookup, listing, deletion, and the abuse
// reporting and takedown flows.
package files

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/sharedrop/sharedrop-go/internal/config"
	apperrors "github.com/sharedrop/sharedrop-go/internal/errors"
	"github.com/sharedrop/sharedrop-go/internal/media"
	"github.com/sharedrop/sharedrop-go/internal/model"
	"github.com/sharedrop/sharedrop-go/internal/storage"
)

// Service implements file metadata operations.
type Service struct {
	cfg     config.Config
	store   storage.Store
	objects media.ObjectStore
}

// NewService wires the files service.
func NewService(cfg config.Config, store storage.Store, objects media.ObjectStore) *Service {
	return &Service{cfg: cfg, store: store, objects: objects}
}

// GetByPublicID returns a file's public view and counts the page view.
// Taken-down and expired files are reported as not found.
func (s *Service) GetByPublicID(ctx context.Context, publicID string) (*model.FileDetails, error) {
	file, err := s.store.GetFileByPublicID(ctx, publicID)
	if err != nil {
		if err == storage.ErrNotFound {
			return nil, apperrors.New(apperrors.SD_NOT_FOUND, "file not found", "")
		}
		return nil, apperrors.New(apperrors.SD_INTERNAL, "failed to load file", "")
	}
	if file.TakenDown || file.Expired(time.Now().UTC()) {
		return nil, apperrors.New(apperrors.SD_NOT_FOUND, "file not found", "")
	}

	if err := s.store.IncrementFileViews(ctx, file.ID); err != nil && err != storage.ErrNotFound {
		slog.Warn("failed to increment views", "fileId", file.ID, "error", err)
	} else {
		file.ViewsCount++
	}

	details := &model.FileDetails{File: *file}
	if file.ThumbnailKey != "" {
		url, err := s.objects.PresignDownload(ctx, file.ThumbnailKey, thumbName(file), s.cfg.DownloadURLTTL)
		if err != nil {
			slog.Warn("failed to presign thumbnail", "fileId", file.ID, "error", err)
		} else {
			details.ThumbnailURL = url
		}
	}
	return details, nil
}

// ListUserFiles returns one page of a user's files, newest first.
func (s *Service) ListUserFiles(ctx context.Context, userID string, page, limit int) (*model.ListFilesResult, error) {
	result, err := s.store.ListFiles(ctx, model.ListFilesQuery{UserID: userID, Page: page, Limit: limit})
	if err != nil {
		return nil, apperrors.New(apperrors.SD_INTERNAL, "failed to list files", "")
	}
	return result, nil
}

// Delete removes a file. Only the owner (or an admin acting with asAdmin)
// may delete; the stored objects are removed best-effort after the record.
func (s *Service) Delete(ctx context.Context, fileID, requesterID string, asAdmin bool) error {
	file, err := s.store.GetFile(ctx, fileID)
	if err != nil {
		if err == storage.ErrNotFound {
			return apperrors.New(apperrors.SD_NOT_FOUND, "file not found", "")
		}
		return apperrors.New(apperrors.SD_INTERNAL, "failed to load file", "")
	}
	if !asAdmin && (file.UserID == "" || file.UserID != requesterID) {
		return apperrors.New(apperrors.SD_FORBIDDEN, "not the owner of this file", "")
	}

	if err := s.store.DeleteFile(ctx, fileID); err != nil {
		if err == storage.ErrNotFound {
			return apperrors.New(apperrors.SD_NOT_FOUND, "file not found", "")
		}
		return apperrors.New(apperrors.SD_INTERNAL, "failed to delete file", "")
	}

	// Object cleanup is best-effort; an orphaned object is preferable to a
	// dangling record.
	if err := s.objects.Delete(ctx, file.StorageKey); err != nil {
		slog.Warn("failed to delete object", "fileId", fileID, "error", err)
	}
	if file.ThumbnailKey != "" {
		if err := s.objects.Delete(ctx, file.ThumbnailKey); err != nil {
			slog.Warn("failed to delete thumbnail", "fileId", fileID, "error", err)
		}
	}
	return nil
}

// Report files an abuse report against a file and flags the file for review.
func (s *Service) Report(ctx context.Context, publicID, reporterIP, reason, details string) (*model.Report, error) {
	if strings.TrimSpace(reason) == "" {
		return nil, apperrors.New(apperrors.SD_VALIDATION, "reason is required", "")
	}

	file, err := s.store.GetFileByPublicID(ctx, publicID)
	if err != nil {
		if err == storage.ErrNotFound {
			return nil, apperrors.New(apperrors.SD_NOT_FOUND, "file not found", "")
		}
		return nil, apperrors.New(apperrors.SD_INTERNAL, "failed to load file", "")
	}

	report := model.Report{
		ID:         ulid.Make().String(),
		FileID:     file.ID,
		ReporterIP: reporterIP,
		Reason:     reason,
		Details:    details,
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.store.CreateReport(ctx, report); err != nil {
		return nil, apperrors.New(apperrors.SD_INTERNAL, "failed to file report", "")
	}

	if err := s.store.FlagFileReported(ctx, file.ID); err != nil && err != storage.ErrNotFound {
		slog.Warn("failed to flag file reported", "fileId", file.ID, "error", err)
	}
	return &report, nil
}

// TakeDown removes a file from circulation (admin action). The record and
// download history survive; open reports against the file are closed.
func (s *Service) TakeDown(ctx context.Context, fileID, reason string) error {
	if err := s.store.TakeDownFile(ctx, fileID, reason); err != nil {
		if err == storage.ErrNotFound {
			return apperrors.New(apperrors.SD_NOT_FOUND, "file not found", "")
		}
		return apperrors.New(apperrors.SD_INTERNAL, "failed to take down file", "")
	}
	if err := s.store.ReviewReportsForFile(ctx, fileID, "taken down: "+reason, time.Now().UTC()); err != nil {
		slog.Warn("failed to close reports", "fileId", fileID, "error", err)
	}
	return nil
}

// thumbName derives the display filename for a thumbnail.
func thumbName(file *model.File) string {
	return file.PublicID + "_thumb.jpg"
}
