// internal/storage/store.go
// Package storage provides implementations of the Store interface
// for both in-memory and PostgreSQL ledger storage backends.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/sharedrop/sharedrop-go/internal/model"
)

// Standard errors returned by the storage layer
var (
	ErrNotFound = errors.New("not found") // Returned when a row is not found
	ErrConflict = errors.New("conflict")  // Returned when a row already exists
)

// Store is the transactional record storage the services run against. It is
// the single source of truth: request handlers and workers never cache
// mutable ledger state across calls. Counter mutations are atomic relative to
// concurrent calls, and the conditional operations (MarkFileProcessed,
// SettleDownload, TransitionPayout) report whether this call performed the
// transition so callers can apply side effects exactly once.
type Store interface {
	// File operations
	CreateFile(ctx context.Context, file model.File) error
	GetFile(ctx context.Context, id string) (*model.File, error)
	GetFileByPublicID(ctx context.Context, publicID string) (*model.File, error)
	// MarkFileProcessed records the true size and flips isProcessed, but only
	// if the file is not processed yet. Returns whether the transition happened.
	MarkFileProcessed(ctx context.Context, id string, size int64) (bool, error)
	SetFileThumbnail(ctx context.Context, id, thumbnailKey string) error
	IncrementFileViews(ctx context.Context, id string) error
	IncrementFileDownloads(ctx context.Context, id string) error
	TakeDownFile(ctx context.Context, id, reason string) error
	FlagFileReported(ctx context.Context, id string) error
	DeleteFile(ctx context.Context, id string) error
	ListFiles(ctx context.Context, query model.ListFilesQuery) (*model.ListFilesResult, error)
	// AggregateFileStats sums a user's file count, views, and downloads.
	AggregateFileStats(ctx context.Context, userID string) (files, views, downloads int64, err error)

	// User operations
	CreateUser(ctx context.Context, user model.User) error
	GetUser(ctx context.Context, id string) (*model.User, error)
	IncrementUserUploads(ctx context.Context, id string) error
	IncrementUserDownloads(ctx context.Context, id string) error
	AddUserEarnings(ctx context.Context, id string, cents int64) error

	// Download operations
	CreateDownload(ctx context.Context, download model.Download) error
	GetDownload(ctx context.Context, id string) (*model.Download, error)
	CountDownloadsByIPSince(ctx context.Context, ip string, since time.Time) (int, error)
	// SettleDownload applies the single completion report to a download row:
	// it stamps bytesServed, completed, paid, earnings, and reportedAt, but
	// only where reportedAt is still null. Returns whether this call won.
	SettleDownload(ctx context.Context, id string, bytesServed int64, completed bool, earningsCents int64, reportedAt time.Time) (bool, error)

	// Payout operations
	CreatePayout(ctx context.Context, payout model.Payout) error
	GetPayout(ctx context.Context, id string) (*model.Payout, error)
	ListPayoutsByUser(ctx context.Context, userID string) ([]model.Payout, error)
	SumPayoutCents(ctx context.Context, userID string, statuses []model.PayoutStatus) (int64, error)
	// TransitionPayout moves a payout from one status to another, conditional
	// on the current status. Returns whether the transition happened.
	TransitionPayout(ctx context.Context, id string, from, to model.PayoutStatus, notes string, at time.Time) (bool, error)

	// Report operations
	CreateReport(ctx context.Context, report model.Report) error
	ReviewReportsForFile(ctx context.Context, fileID, actionTaken string, at time.Time) error
}
