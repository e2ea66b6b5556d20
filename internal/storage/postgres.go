// internal/storage/postgres.go
// PostgreSQL implementation of the Store interface, intended for production
// use. Counter increments and state transitions are expressed as single SQL
// statements so concurrent requests never lose updates.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sharedrop/sharedrop-go/internal/model"
)

type postgres struct {
	db *pgxpool.Pool
}

// NewPostgres creates a new PostgreSQL storage implementation.
// It establishes a connection pool to the database and initializes the schema.
func NewPostgres(dsn string) (Store, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid database DSN: %w", err)
	}

	// Connection pool settings
	config.MaxConns = 20
	config.MinConns = 5
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = time.Minute * 30
	config.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &postgres{db: pool}, nil
}

// initSchema creates all required tables and indexes if they don't already exist.
func initSchema(ctx context.Context, db *pgxpool.Pool) error {
	schema := `
		-- Users table holds the ledger-relevant account fields
		CREATE TABLE IF NOT EXISTS users (
		    id TEXT PRIMARY KEY,
		    premium_until TIMESTAMP WITH TIME ZONE,
		    total_uploads BIGINT NOT NULL DEFAULT 0,
		    total_downloads BIGINT NOT NULL DEFAULT 0,
		    total_earnings_cents BIGINT NOT NULL DEFAULT 0,
		    banned BOOLEAN NOT NULL DEFAULT FALSE,
		    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		);

		-- Files table; public_id uniqueness is the collision authority
		CREATE TABLE IF NOT EXISTS files (
		    id TEXT PRIMARY KEY,
		    public_id TEXT NOT NULL UNIQUE,
		    user_id TEXT REFERENCES users(id),
		    original_name TEXT NOT NULL,
		    storage_key TEXT NOT NULL,
		    size BIGINT NOT NULL DEFAULT 0,
		    mime_type TEXT NOT NULL,
		    description TEXT NOT NULL DEFAULT '',
		    visibility TEXT NOT NULL DEFAULT 'PUBLIC',
		    is_processed BOOLEAN NOT NULL DEFAULT FALSE,
		    taken_down BOOLEAN NOT NULL DEFAULT FALSE,
		    takedown_reason TEXT NOT NULL DEFAULT '',
		    reported BOOLEAN NOT NULL DEFAULT FALSE,
		    views_count BIGINT NOT NULL DEFAULT 0,
		    downloads_count BIGINT NOT NULL DEFAULT 0,
		    thumbnail_key TEXT NOT NULL DEFAULT '',
		    expires_at TIMESTAMP WITH TIME ZONE,
		    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_files_user_created_at ON files(user_id, created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_files_public_id ON files(public_id);

		-- Downloads table; one row per granted attempt, never deleted. No FK
		-- on file_id so rows survive file deletion, like reports do.
		-- reported_at is the at-most-once settle guard.
		CREATE TABLE IF NOT EXISTS downloads (
		    id TEXT PRIMARY KEY,
		    file_id TEXT NOT NULL,
		    ip TEXT NOT NULL,
		    user_agent TEXT NOT NULL DEFAULT '',
		    bytes_served BIGINT NOT NULL DEFAULT 0,
		    completed BOOLEAN NOT NULL DEFAULT FALSE,
		    paid BOOLEAN NOT NULL DEFAULT FALSE,
		    earnings_cents BIGINT NOT NULL DEFAULT 0,
		    reported_at TIMESTAMP WITH TIME ZONE,
		    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		);

		-- Serves the sliding-window rate limit count
		CREATE INDEX IF NOT EXISTS idx_downloads_ip_created_at ON downloads(ip, created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_downloads_file_id ON downloads(file_id);

		-- Payouts table; status transitions are forward-only
		CREATE TABLE IF NOT EXISTS payouts (
		    id TEXT PRIMARY KEY,
		    user_id TEXT NOT NULL REFERENCES users(id),
		    amount_cents BIGINT NOT NULL,
		    method TEXT NOT NULL,
		    destination TEXT NOT NULL,
		    status TEXT NOT NULL DEFAULT 'PENDING',
		    admin_notes TEXT NOT NULL DEFAULT '',
		    requested_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		    processed_at TIMESTAMP WITH TIME ZONE,
		    paid_at TIMESTAMP WITH TIME ZONE
		);

		CREATE INDEX IF NOT EXISTS idx_payouts_user_status ON payouts(user_id, status);
		CREATE INDEX IF NOT EXISTS idx_payouts_requested_at ON payouts(requested_at DESC);

		-- Reports table; rows survive file takedown for the audit trail
		CREATE TABLE IF NOT EXISTS reports (
		    id TEXT PRIMARY KEY,
		    file_id TEXT NOT NULL,
		    reporter_ip TEXT NOT NULL,
		    reason TEXT NOT NULL,
		    details TEXT NOT NULL DEFAULT '',
		    reviewed BOOLEAN NOT NULL DEFAULT FALSE,
		    action_taken TEXT NOT NULL DEFAULT '',
		    reviewed_at TIMESTAMP WITH TIME ZONE,
		    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_reports_file_id ON reports(file_id);
	`

	_, err := db.Exec(ctx, schema)
	return err
}

// Close closes the database connection pool
func (p *postgres) Close() {
	p.db.Close()
}

// mapPgError converts driver errors to the storage sentinels.
func mapPgError(err error, op string) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrConflict
	}
	return fmt.Errorf("%s: %w", op, err)
}

const fileColumns = `id, public_id, COALESCE(user_id, ''), original_name, storage_key, size, mime_type,
	description, visibility, is_processed, taken_down, takedown_reason, reported,
	views_count, downloads_count, thumbnail_key, expires_at, created_at`

func scanFile(row pgx.Row) (*model.File, error) {
	var file model.File
	err := row.Scan(
		&file.ID,
		&file.PublicID,
		&file.UserID,
		&file.OriginalName,
		&file.StorageKey,
		&file.Size,
		&file.MimeType,
		&file.Description,
		&file.Visibility,
		&file.IsProcessed,
		&file.TakenDown,
		&file.TakedownReason,
		&file.Reported,
		&file.ViewsCount,
		&file.DownloadsCount,
		&file.ThumbnailKey,
		&file.ExpiresAt,
		&file.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan file: %w", err)
	}
	return &file, nil
}

func (p *postgres) CreateFile(ctx context.Context, file model.File) error {
	query := `INSERT INTO files (id, public_id, user_id, original_name, storage_key, size, mime_type,
	          description, visibility, is_processed, taken_down, views_count, downloads_count,
	          thumbnail_key, expires_at, created_at)
	          VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`

	_, err := p.db.Exec(ctx, query,
		file.ID,
		file.PublicID,
		file.UserID,
		file.OriginalName,
		file.StorageKey,
		file.Size,
		file.MimeType,
		file.Description,
		file.Visibility,
		file.IsProcessed,
		file.TakenDown,
		file.ViewsCount,
		file.DownloadsCount,
		file.ThumbnailKey,
		file.ExpiresAt,
		file.CreatedAt,
	)
	if err != nil {
		return mapPgError(err, "failed to create file")
	}
	return nil
}

func (p *postgres) GetFile(ctx context.Context, id string) (*model.File, error) {
	query := `SELECT ` + fileColumns + ` FROM files WHERE id = $1`
	return scanFile(p.db.QueryRow(ctx, query, id))
}

func (p *postgres) GetFileByPublicID(ctx context.Context, publicID string) (*model.File, error) {
	query := `SELECT ` + fileColumns + ` FROM files WHERE public_id = $1`
	return scanFile(p.db.QueryRow(ctx, query, publicID))
}

func (p *postgres) MarkFileProcessed(ctx context.Context, id string, size int64) (bool, error) {
	// Conditional update: only the first finalization flips the flag.
	query := `UPDATE files SET is_processed = TRUE, size = $2 WHERE id = $1 AND is_processed = FALSE`
	result, err := p.db.Exec(ctx, query, id, size)
	if err != nil {
		return false, fmt.Errorf("failed to mark file processed: %w", err)
	}
	if result.RowsAffected() == 0 {
		// Distinguish "already processed" from "no such file"
		if _, err := p.GetFile(ctx, id); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

func (p *postgres) SetFileThumbnail(ctx context.Context, id, thumbnailKey string) error {
	result, err := p.db.Exec(ctx, `UPDATE files SET thumbnail_key = $2 WHERE id = $1`, id, thumbnailKey)
	if err != nil {
		return fmt.Errorf("failed to set thumbnail key: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *postgres) IncrementFileViews(ctx context.Context, id string) error {
	result, err := p.db.Exec(ctx, `UPDATE files SET views_count = views_count + 1 WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to increment views: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *postgres) IncrementFileDownloads(ctx context.Context, id string) error {
	result, err := p.db.Exec(ctx, `UPDATE files SET downloads_count = downloads_count + 1 WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to increment downloads: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *postgres) TakeDownFile(ctx context.Context, id, reason string) error {
	result, err := p.db.Exec(ctx, `UPDATE files SET taken_down = TRUE, takedown_reason = $2 WHERE id = $1`, id, reason)
	if err != nil {
		return fmt.Errorf("failed to take down file: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *postgres) FlagFileReported(ctx context.Context, id string) error {
	result, err := p.db.Exec(ctx, `UPDATE files SET reported = TRUE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to flag file reported: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *postgres) DeleteFile(ctx context.Context, id string) error {
	result, err := p.db.Exec(ctx, `DELETE FROM files WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete file: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *postgres) ListFiles(ctx context.Context, query model.ListFilesQuery) (*model.ListFilesResult, error) {
	page := query.Page
	if page <= 0 {
		page = 1
	}
	limit := query.Limit
	if limit <= 0 {
		limit = 20
	}

	var total int64
	if err := p.db.QueryRow(ctx, `SELECT COUNT(*) FROM files WHERE user_id = $1`, query.UserID).Scan(&total); err != nil {
		return nil, fmt.Errorf("failed to count files: %w", err)
	}

	listQuery := `SELECT ` + fileColumns + ` FROM files WHERE user_id = $1
	              ORDER BY created_at DESC LIMIT $2 OFFSET $3`
	rows, err := p.db.Query(ctx, listQuery, query.UserID, limit, (page-1)*limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list files: %w", err)
	}
	defer rows.Close()

	files := make([]model.File, 0, limit)
	for rows.Next() {
		file, err := scanFile(rows)
		if err != nil {
			return nil, err
		}
		files = append(files, *file)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating files: %w", err)
	}

	return &model.ListFilesResult{
		Files:      files,
		Page:       page,
		Limit:      limit,
		Total:      total,
		TotalPages: (total + int64(limit) - 1) / int64(limit),
	}, nil
}

func (p *postgres) AggregateFileStats(ctx context.Context, userID string) (files, views, downloads int64, err error) {
	query := `SELECT COUNT(*), COALESCE(SUM(views_count), 0), COALESCE(SUM(downloads_count), 0)
	          FROM files WHERE user_id = $1`
	if err := p.db.QueryRow(ctx, query, userID).Scan(&files, &views, &downloads); err != nil {
		return 0, 0, 0, fmt.Errorf("failed to aggregate file stats: %w", err)
	}
	return files, views, downloads, nil
}

func (p *postgres) CreateUser(ctx context.Context, user model.User) error {
	query := `INSERT INTO users (id, premium_until, total_uploads, total_downloads, total_earnings_cents, banned, created_at)
	          VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err := p.db.Exec(ctx, query,
		user.ID, user.PremiumUntil, user.TotalUploads, user.TotalDownloads,
		user.TotalEarningsCents, user.Banned, user.CreatedAt)
	if err != nil {
		return mapPgError(err, "failed to create user")
	}
	return nil
}

func (p *postgres) GetUser(ctx context.Context, id string) (*model.User, error) {
	query := `SELECT id, premium_until, total_uploads, total_downloads, total_earnings_cents, banned, created_at
	          FROM users WHERE id = $1`
	var user model.User
	err := p.db.QueryRow(ctx, query, id).Scan(
		&user.ID,
		&user.PremiumUntil,
		&user.TotalUploads,
		&user.TotalDownloads,
		&user.TotalEarningsCents,
		&user.Banned,
		&user.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return &user, nil
}

func (p *postgres) IncrementUserUploads(ctx context.Context, id string) error {
	result, err := p.db.Exec(ctx, `UPDATE users SET total_uploads = total_uploads + 1 WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to increment uploads: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *postgres) IncrementUserDownloads(ctx context.Context, id string) error {
	result, err := p.db.Exec(ctx, `UPDATE users SET total_downloads = total_downloads + 1 WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to increment downloads: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *postgres) AddUserEarnings(ctx context.Context, id string, cents int64) error {
	result, err := p.db.Exec(ctx, `UPDATE users SET total_earnings_cents = total_earnings_cents + $2 WHERE id = $1`, id, cents)
	if err != nil {
		return fmt.Errorf("failed to add earnings: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *postgres) CreateDownload(ctx context.Context, download model.Download) error {
	query := `INSERT INTO downloads (id, file_id, ip, user_agent, bytes_served, completed, paid, earnings_cents, created_at)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	_, err := p.db.Exec(ctx, query,
		download.ID, download.FileID, download.IP, download.UserAgent,
		download.BytesServed, download.Completed, download.Paid, download.EarningsCents, download.CreatedAt)
	if err != nil {
		return mapPgError(err, "failed to create download")
	}
	return nil
}

func (p *postgres) GetDownload(ctx context.Context, id string) (*model.Download, error) {
	query := `SELECT id, file_id, ip, user_agent, bytes_served, completed, paid, earnings_cents, reported_at, created_at
	          FROM downloads WHERE id = $1`
	var download model.Download
	err := p.db.QueryRow(ctx, query, id).Scan(
		&download.ID,
		&download.FileID,
		&download.IP,
		&download.UserAgent,
		&download.BytesServed,
		&download.Completed,
		&download.Paid,
		&download.EarningsCents,
		&download.ReportedAt,
		&download.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get download: %w", err)
	}
	return &download, nil
}

func (p *postgres) CountDownloadsByIPSince(ctx context.Context, ip string, since time.Time) (int, error) {
	var count int
	err := p.db.QueryRow(ctx, `SELECT COUNT(*) FROM downloads WHERE ip = $1 AND created_at >= $2`, ip, since).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count downloads: %w", err)
	}
	return count, nil
}

func (p *postgres) SettleDownload(ctx context.Context, id string, bytesServed int64, completed bool, earningsCents int64, reportedAt time.Time) (bool, error) {
	// reported_at IS NULL is the at-most-once guard: concurrent or replayed
	// completion reports race on this row and exactly one wins.
	query := `UPDATE downloads
	          SET bytes_served = $2, completed = $3, paid = $4, earnings_cents = $5, reported_at = $6
	          WHERE id = $1 AND reported_at IS NULL`
	result, err := p.db.Exec(ctx, query, id, bytesServed, completed, completed && earningsCents > 0, earningsCents, reportedAt)
	if err != nil {
		return false, fmt.Errorf("failed to settle download: %w", err)
	}
	if result.RowsAffected() == 0 {
		if _, err := p.GetDownload(ctx, id); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

func (p *postgres) CreatePayout(ctx context.Context, payout model.Payout) error {
	query := `INSERT INTO payouts (id, user_id, amount_cents, method, destination, status, admin_notes, requested_at)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err := p.db.Exec(ctx, query,
		payout.ID, payout.UserID, payout.AmountCents, payout.Method,
		payout.Destination, payout.Status, payout.AdminNotes, payout.RequestedAt)
	if err != nil {
		return mapPgError(err, "failed to create payout")
	}
	return nil
}

func (p *postgres) GetPayout(ctx context.Context, id string) (*model.Payout, error) {
	query := `SELECT id, user_id, amount_cents, method, destination, status, admin_notes, requested_at, processed_at, paid_at
	          FROM payouts WHERE id = $1`
	var payout model.Payout
	err := p.db.QueryRow(ctx, query, id).Scan(
		&payout.ID,
		&payout.UserID,
		&payout.AmountCents,
		&payout.Method,
		&payout.Destination,
		&payout.Status,
		&payout.AdminNotes,
		&payout.RequestedAt,
		&payout.ProcessedAt,
		&payout.PaidAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get payout: %w", err)
	}
	return &payout, nil
}

func (p *postgres) ListPayoutsByUser(ctx context.Context, userID string) ([]model.Payout, error) {
	query := `SELECT id, user_id, amount_cents, method, destination, status, admin_notes, requested_at, processed_at, paid_at
	          FROM payouts WHERE user_id = $1 ORDER BY requested_at DESC`
	rows, err := p.db.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list payouts: %w", err)
	}
	defer rows.Close()

	payouts := make([]model.Payout, 0)
	for rows.Next() {
		var payout model.Payout
		err := rows.Scan(
			&payout.ID,
			&payout.UserID,
			&payout.AmountCents,
			&payout.Method,
			&payout.Destination,
			&payout.Status,
			&payout.AdminNotes,
			&payout.RequestedAt,
			&payout.ProcessedAt,
			&payout.PaidAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan payout: %w", err)
		}
		payouts = append(payouts, payout)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating payouts: %w", err)
	}
	return payouts, nil
}

func (p *postgres) SumPayoutCents(ctx context.Context, userID string, statuses []model.PayoutStatus) (int64, error) {
	query := `SELECT COALESCE(SUM(amount_cents), 0) FROM payouts WHERE user_id = $1 AND status = ANY($2)`
	statusStrings := make([]string, len(statuses))
	for i, status := range statuses {
		statusStrings[i] = string(status)
	}
	var sum int64
	if err := p.db.QueryRow(ctx, query, userID, statusStrings).Scan(&sum); err != nil {
		return 0, fmt.Errorf("failed to sum payouts: %w", err)
	}
	return sum, nil
}

func (p *postgres) TransitionPayout(ctx context.Context, id string, from, to model.PayoutStatus, notes string, at time.Time) (bool, error) {
	var query string
	if to == model.PayoutPaid {
		query = `UPDATE payouts SET status = $3, admin_notes = COALESCE(NULLIF($4, ''), admin_notes), paid_at = $5
		         WHERE id = $1 AND status = $2`
	} else {
		query = `UPDATE payouts SET status = $3, admin_notes = COALESCE(NULLIF($4, ''), admin_notes), processed_at = $5
		         WHERE id = $1 AND status = $2`
	}
	result, err := p.db.Exec(ctx, query, id, from, to, notes, at)
	if err != nil {
		return false, fmt.Errorf("failed to transition payout: %w", err)
	}
	if result.RowsAffected() == 0 {
		if _, err := p.GetPayout(ctx, id); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

func (p *postgres) CreateReport(ctx context.Context, report model.Report) error {
	query := `INSERT INTO reports (id, file_id, reporter_ip, reason, details, reviewed, created_at)
	          VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err := p.db.Exec(ctx, query,
		report.ID, report.FileID, report.ReporterIP, report.Reason,
		report.Details, report.Reviewed, report.CreatedAt)
	if err != nil {
		return mapPgError(err, "failed to create report")
	}
	return nil
}

func (p *postgres) ReviewReportsForFile(ctx context.Context, fileID, actionTaken string, at time.Time) error {
	query := `UPDATE reports SET reviewed = TRUE, action_taken = $2, reviewed_at = $3
	          WHERE file_id = $1 AND reviewed = FALSE`
	if _, err := p.db.Exec(ctx, query, fileID, actionTaken, at); err != nil {
		return fmt.Errorf("failed to review reports: %w", err)
	}
	return nil
}
