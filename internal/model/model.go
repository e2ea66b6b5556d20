// internal/model/model.go
// Package model defines the data structures used throughout the sharedrop service.
// These structures represent the core domain objects for files, users, downloads,
// payouts, and background jobs.
package model

import (
	"time"
)

// Visibility controls who can discover a file. The file is always reachable
// by its publicId; visibility only affects listings.
type Visibility string

const (
	VisibilityPublic   Visibility = "PUBLIC"
	VisibilityPrivate  Visibility = "PRIVATE"
	VisibilityUnlisted Visibility = "UNLISTED"
)

// PayoutStatus is the state of a payout request. Transitions are forward-only:
// PENDING -> APPROVED or REJECTED, APPROVED -> PAID.
type PayoutStatus string

const (
	PayoutPending  PayoutStatus = "PENDING"
	PayoutApproved PayoutStatus = "APPROVED"
	PayoutRejected PayoutStatus = "REJECTED"
	PayoutPaid     PayoutStatus = "PAID"
)

// File represents an uploaded (or remotely imported) file.
// Identity is the internal ID plus the short, URL-safe PublicID assigned at
// creation. Size is authoritative only once IsProcessed is true.
// This corresponds to the files table in storage.
type File struct {
	ID             string     `json:"id" db:"id"`
	PublicID       string     `json:"publicId" db:"public_id"`
	UserID         string     `json:"userId,omitempty" db:"user_id"` // empty for anonymous uploads
	OriginalName   string     `json:"originalName" db:"original_name"`
	StorageKey     string     `json:"-" db:"storage_key"`
	Size           int64      `json:"size" db:"size"`
	MimeType       string     `json:"mimeType" db:"mime_type"`
	Description    string     `json:"description,omitempty" db:"description"`
	Visibility     Visibility `json:"visibility" db:"visibility"`
	IsProcessed    bool       `json:"isProcessed" db:"is_processed"`
	TakenDown      bool       `json:"takenDown" db:"taken_down"`
	TakedownReason string     `json:"-" db:"takedown_reason"`
	Reported       bool       `json:"-" db:"reported"`
	ViewsCount     int64      `json:"viewsCount" db:"views_count"`
	DownloadsCount int64      `json:"downloadsCount" db:"downloads_count"`
	ThumbnailKey   string     `json:"-" db:"thumbnail_key"`
	ExpiresAt      *time.Time `json:"expiresAt,omitempty" db:"expires_at"`
	CreatedAt      time.Time  `json:"createdAt" db:"created_at"`
}

// Expired reports whether the file's retention window has elapsed.
func (f *File) Expired(now time.Time) bool {
	return f.ExpiresAt != nil && f.ExpiresAt.Before(now)
}

// IsImage reports whether the file's MIME type is an image type.
func (f *File) IsImage() bool {
	return len(f.MimeType) > 6 && f.MimeType[:6] == "image/"
}

// User carries the ledger-relevant fields of an account. Authentication and
// profile data live with the external auth service; this service only tracks
// counters, premium status, and the earnings balance.
type User struct {
	ID                 string     `json:"id" db:"id"`
	PremiumUntil       *time.Time `json:"premiumUntil,omitempty" db:"premium_until"`
	TotalUploads       int64      `json:"totalUploads" db:"total_uploads"`
	TotalDownloads     int64      `json:"totalDownloads" db:"total_downloads"`
	TotalEarningsCents int64      `json:"totalEarningsCents" db:"total_earnings_cents"`
	Banned             bool       `json:"banned" db:"banned"`
	CreatedAt          time.Time  `json:"createdAt" db:"created_at"`
}

// IsPremium reports whether the user's premium entitlement is active.
func (u *User) IsPremium(now time.Time) bool {
	return u != nil && u.PremiumUntil != nil && now.Before(*u.PremiumUntil)
}

// Download is one granted download attempt. The row is the idempotency anchor
// for the completion report: ReportedAt is nil until the single settle is
// applied, and earnings are credited at most once per row. Rows are never
// deleted; they form the audit trail.
type Download struct {
	ID            string     `json:"id" db:"id"`
	FileID        string     `json:"fileId" db:"file_id"`
	IP            string     `json:"-" db:"ip"`
	UserAgent     string     `json:"-" db:"user_agent"`
	BytesServed   int64      `json:"bytesServed" db:"bytes_served"`
	Completed     bool       `json:"completed" db:"completed"`
	Paid          bool       `json:"paid" db:"paid"`
	EarningsCents int64      `json:"earningsCents" db:"earnings_cents"`
	ReportedAt    *time.Time `json:"reportedAt,omitempty" db:"reported_at"`
	CreatedAt     time.Time  `json:"createdAt" db:"created_at"`
}

// Payout is a request to pay out earned balance. AmountCents is frozen at
// request time and never recomputed.
type Payout struct {
	ID          string       `json:"id" db:"id"`
	UserID      string       `json:"userId" db:"user_id"`
	AmountCents int64        `json:"amountCents" db:"amount_cents"`
	Method      string       `json:"method" db:"method"`
	Destination string       `json:"destination" db:"destination"`
	Status      PayoutStatus `json:"status" db:"status"`
	AdminNotes  string       `json:"adminNotes,omitempty" db:"admin_notes"`
	RequestedAt time.Time    `json:"requestedAt" db:"requested_at"`
	ProcessedAt *time.Time   `json:"processedAt,omitempty" db:"processed_at"`
	PaidAt      *time.Time   `json:"paidAt,omitempty" db:"paid_at"`
}

// Report is an abuse report filed against a file.
type Report struct {
	ID          string     `json:"id" db:"id"`
	FileID      string     `json:"fileId" db:"file_id"`
	ReporterIP  string     `json:"-" db:"reporter_ip"`
	Reason      string     `json:"reason" db:"reason"`
	Details     string     `json:"details,omitempty" db:"details"`
	Reviewed    bool       `json:"reviewed" db:"reviewed"`
	ActionTaken string     `json:"actionTaken,omitempty" db:"action_taken"`
	ReviewedAt  *time.Time `json:"reviewedAt,omitempty" db:"reviewed_at"`
	CreatedAt   time.Time  `json:"createdAt" db:"created_at"`
}

// InitiateUploadRequest is the input to the upload-intent operation.
type InitiateUploadRequest struct {
	Filename     string     `json:"filename"`
	ContentType  string     `json:"contentType"`
	DeclaredSize int64      `json:"declaredSize,omitempty"` // 0 when unknown up front
	Description  string     `json:"description,omitempty"`
	Visibility   Visibility `json:"visibility,omitempty"`
	UserID       string     `json:"-"` // set from the request identity, not the body
}

// InitiateUploadResult is returned to the client to perform the actual upload.
type InitiateUploadResult struct {
	FileID    string `json:"fileId"`
	PublicID  string `json:"publicId"`
	UploadURL string `json:"uploadUrl"`
	MaxSize   int64  `json:"maxSize"`
	ExpiresIn int64  `json:"expiresIn"` // seconds
}

// CompleteUploadResult reports the finalized state of an upload.
type CompleteUploadResult struct {
	PublicID string `json:"publicId"`
	Size     int64  `json:"size"`
}

// RemoteImportRequest is the input to the remote-import operation.
type RemoteImportRequest struct {
	URL         string     `json:"url"`
	Description string     `json:"description,omitempty"`
	Visibility  Visibility `json:"visibility,omitempty"`
	UserID      string     `json:"-"`
}

// RemoteImportResult identifies the import job and the publicId the file will
// be reachable under once the fetch succeeds.
type RemoteImportResult struct {
	PublicID string `json:"publicId"`
	JobID    string `json:"jobId"`
	Status   string `json:"status"`
}

// DownloadInfo describes a file to a prospective downloader, including the
// client-enforced wait gate.
type DownloadInfo struct {
	FileID       string `json:"fileId"`
	PublicID     string `json:"publicId"`
	FileName     string `json:"fileName"`
	FileSize     int64  `json:"fileSize"`
	MimeType     string `json:"mimeType"`
	WaitSeconds  int    `json:"waitSeconds"`
	RequiresWait bool   `json:"requiresWait"`
	IsPremium    bool   `json:"isPremium"`
}

// DownloadGrant is a freshly issued, bounded-lifetime download authorization.
type DownloadGrant struct {
	DownloadURL string `json:"downloadUrl"`
	ExpiresIn   int64  `json:"expiresIn"` // seconds
	DownloadID  string `json:"downloadId"`
	GrantToken  string `json:"grantToken"`
}

// CompletionResult is the outcome of a download-completion report.
type CompletionResult struct {
	Completed     bool  `json:"completed"`
	EarningsCents int64 `json:"earningsCents"`
}

// UserStats aggregates a user's ledger view.
type UserStats struct {
	TotalUploads            int64      `json:"totalUploads"`
	TotalDownloads          int64      `json:"totalDownloads"`
	TotalViews              int64      `json:"totalViews"`
	TotalFiles              int64      `json:"totalFiles"`
	TotalEarningsCents      int64      `json:"totalEarningsCents"`
	PendingPayoutsCents     int64      `json:"pendingPayoutsCents"`
	AvailableForPayoutCents int64      `json:"availableForPayoutCents"`
	CanRequestPayout        bool       `json:"canRequestPayout"`
	MinPayoutThresholdCents int64      `json:"minPayoutThresholdCents"`
	IsPremium               bool       `json:"isPremium"`
	PremiumUntil            *time.Time `json:"premiumUntil,omitempty"`
}

// FileDetails is the public view of a file, as shown on its landing page.
type FileDetails struct {
	File         File   `json:"file"`
	ThumbnailURL string `json:"thumbnailUrl,omitempty"`
}

// ListFilesQuery selects a page of a user's files, newest first.
type ListFilesQuery struct {
	UserID string
	Page   int
	Limit  int
}

// ListFilesResult is one page of files plus pagination info.
type ListFilesResult struct {
	Files      []File `json:"files"`
	Page       int    `json:"page"`
	Limit      int    `json:"limit"`
	Total      int64  `json:"total"`
	TotalPages int64  `json:"totalPages"`
}

// Job type tags understood by the ingestion workers.
const (
	JobRemoteFetch       = "remote-fetch"
	JobGenerateThumbnail = "generate-thumbnail"
	JobVirusScan         = "virus-scan"
)

// RemoteFetchJob asks a worker to pull a remote URL into storage. The File row
// for PublicID does not exist yet; the worker creates it as the last step of a
// successful fetch.
type RemoteFetchJob struct {
	PublicID    string     `json:"publicId"`
	URL         string     `json:"url"`
	UserID      string     `json:"userId,omitempty"`
	Description string     `json:"description,omitempty"`
	Visibility  Visibility `json:"visibility,omitempty"`
}

// GenerateThumbnailJob asks a worker to derive a preview for an image file.
type GenerateThumbnailJob struct {
	FileID string `json:"fileId"`
}

// VirusScanJob asks a worker to scan a stored file.
type VirusScanJob struct {
	FileID string `json:"fileId"`
}
