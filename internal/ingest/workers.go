// internal/ingest/workers.go
// Background job handlers for the ingestion pipeline. Delivery is
// at-least-once, so every handler is written to be safe under redelivery:
// the durable side effects all go through conditional storage operations.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/sharedrop/sharedrop-go/internal/model"
	"github.com/sharedrop/sharedrop-go/internal/queue"
	"github.com/sharedrop/sharedrop-go/internal/storage"
)

// RegisterWorkers binds the job handlers to the queue. Call before Queue.Start.
func (s *Service) RegisterWorkers(q queue.Queue) {
	q.Subscribe(model.JobRemoteFetch, s.instrumented(model.JobRemoteFetch, s.handleRemoteFetch))
	q.Subscribe(model.JobGenerateThumbnail, s.instrumented(model.JobGenerateThumbnail, s.handleGenerateThumbnail))
	q.Subscribe(model.JobVirusScan, s.instrumented(model.JobVirusScan, s.handleVirusScan))
}

// instrumented wraps a handler with job metrics.
func (s *Service) instrumented(jobType string, handler queue.Handler) queue.Handler {
	return func(ctx context.Context, job queue.Job) error {
		start := time.Now()
		err := handler(ctx, job)
		status := "ok"
		if err != nil {
			status = "error"
		}
		s.metrics.JobTotal.WithLabelValues(jobType, status).Inc()
		s.metrics.JobDuration.WithLabelValues(jobType, status).Observe(time.Since(start).Seconds())
		return err
	}
}

// handleRemoteFetch pulls a remote URL into object storage. The file record
// is created last, already processed, so a crash mid-fetch leaves nothing
// behind but an orphaned object that a redelivery overwrites. A record that
// already exists means a previous delivery finished the job.
func (s *Service) handleRemoteFetch(ctx context.Context, job queue.Job) error {
	var payload model.RemoteFetchJob
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return queue.Terminal(fmt.Errorf("bad remote-fetch payload: %w", err))
	}

	if _, err := s.store.GetFileByPublicID(ctx, payload.PublicID); err == nil {
		// Redelivery after a completed fetch
		return nil
	} else if err != storage.ErrNotFound {
		return fmt.Errorf("failed to check for existing file: %w", err)
	}

	fetchCtx, cancel := context.WithTimeout(ctx, s.cfg.RemoteFetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(fetchCtx, http.MethodGet, payload.URL, nil)
	if err != nil {
		return queue.Terminal(fmt.Errorf("invalid fetch URL: %w", err))
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("fetch failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		// 4xx responses will not improve on retry
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return queue.Terminal(fmt.Errorf("remote returned %s", resp.Status))
		}
		return fmt.Errorf("remote returned %s", resp.Status)
	}
	if resp.ContentLength > s.cfg.RemoteFetchMaxBytes {
		return queue.Terminal(fmt.Errorf("remote object is %d bytes, limit is %d",
			resp.ContentLength, s.cfg.RemoteFetchMaxBytes))
	}

	contentType := resp.Header.Get("Content-Type")
	if i := strings.Index(contentType, ";"); i >= 0 {
		contentType = contentType[:i]
	}
	contentType = strings.TrimSpace(contentType)
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	if !mimeAllowed(s.cfg.AllowedMimeTypes, contentType) {
		return queue.Terminal(fmt.Errorf("remote content type %q is not allowed", contentType))
	}

	filename := remoteFilename(resp, payload.URL)
	storageKey := fmt.Sprintf("uploads/%s/%s", payload.PublicID, filename)

	// Enforce the byte ceiling even when the remote omits Content-Length
	limited := &limitedReader{r: resp.Body, remaining: s.cfg.RemoteFetchMaxBytes}
	if err := s.objects.Put(fetchCtx, storageKey, contentType, limited, resp.ContentLength); err != nil {
		if limited.exceeded {
			return queue.Terminal(fmt.Errorf("remote object exceeds the %d byte limit", s.cfg.RemoteFetchMaxBytes))
		}
		return fmt.Errorf("failed to store fetched object: %w", err)
	}

	info, err := s.objects.Stat(ctx, storageKey)
	if err != nil {
		return fmt.Errorf("failed to stat stored object: %w", err)
	}

	visibility := payload.Visibility
	if visibility == "" {
		visibility = model.VisibilityPublic
	}

	now := time.Now().UTC()
	file := model.File{
		ID:           ulid.Make().String(),
		PublicID:     payload.PublicID,
		UserID:       payload.UserID,
		OriginalName: filename,
		StorageKey:   storageKey,
		Size:         info.Size,
		MimeType:     contentType,
		Description:  payload.Description,
		Visibility:   visibility,
		IsProcessed:  true, // The object is already in place
		CreatedAt:    now,
	}
	if window := s.cfg.RetentionWindow(); window > 0 {
		expires := now.Add(window)
		file.ExpiresAt = &expires
	}

	if err := s.store.CreateFile(ctx, file); err != nil {
		if err == storage.ErrConflict {
			// A concurrent delivery beat us to it
			return nil
		}
		return fmt.Errorf("failed to create file record: %w", err)
	}

	s.afterFinalize(ctx, &file, job.CorrelationID, true)
	s.metrics.UploadsCompletedTotal.WithLabelValues("remote").Inc()

	slog.Info("remote fetch completed",
		"publicId", payload.PublicID, "size", info.Size, "correlationId", job.CorrelationID)
	return nil
}

// handleGenerateThumbnail derives a preview image. Failures never affect the
// file itself; a file without a thumbnail is still fully downloadable.
func (s *Service) handleGenerateThumbnail(ctx context.Context, job queue.Job) error {
	var payload model.GenerateThumbnailJob
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return queue.Terminal(fmt.Errorf("bad thumbnail payload: %w", err))
	}

	file, err := s.store.GetFile(ctx, payload.FileID)
	if err != nil {
		if err == storage.ErrNotFound {
			// File deleted before the job ran
			return nil
		}
		return fmt.Errorf("failed to load file: %w", err)
	}
	if !file.IsImage() {
		return nil
	}
	return s.deriveThumbnail(ctx, file)
}

// deriveThumbnail renders and stores the preview for an image file and
// records its key. The remote-fetch worker calls this directly after
// finalizing; direct uploads reach it through the thumbnail job. Undecodable
// input is skipped rather than failed; only storage I/O errors propagate.
func (s *Service) deriveThumbnail(ctx context.Context, file *model.File) error {
	if file.ThumbnailKey != "" {
		return nil
	}

	body, err := s.objects.Get(ctx, file.StorageKey)
	if err != nil {
		return fmt.Errorf("failed to open object: %w", err)
	}
	defer body.Close()

	thumb, err := renderThumbnail(body, thumbnailMaxDim)
	if err != nil {
		// Undecodable images are common (corrupt uploads, exotic formats);
		// log and move on rather than burning retries.
		slog.Warn("thumbnail generation failed", "fileId", file.ID, "error", err)
		return nil
	}

	thumbKey := fmt.Sprintf("thumbnails/%s_thumb.jpg", file.PublicID)
	if err := s.objects.Put(ctx, thumbKey, "image/jpeg", thumb, int64(thumb.Len())); err != nil {
		return fmt.Errorf("failed to store thumbnail: %w", err)
	}

	if err := s.store.SetFileThumbnail(ctx, file.ID, thumbKey); err != nil && err != storage.ErrNotFound {
		return fmt.Errorf("failed to record thumbnail key: %w", err)
	}
	return nil
}

// handleVirusScan submits the object to the remote scanner and quarantines
// the file on a positive verdict.
func (s *Service) handleVirusScan(ctx context.Context, job queue.Job) error {
	var payload model.VirusScanJob
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return queue.Terminal(fmt.Errorf("bad virus-scan payload: %w", err))
	}

	file, err := s.store.GetFile(ctx, payload.FileID)
	if err != nil {
		if err == storage.ErrNotFound {
			return nil
		}
		return fmt.Errorf("failed to load file: %w", err)
	}
	if file.TakenDown {
		return nil
	}

	verdict, err := s.scanner.Scan(ctx, file.StorageKey)
	if err != nil {
		return fmt.Errorf("scan failed: %w", err)
	}
	if verdict.Clean {
		return nil
	}

	slog.Warn("virus detected, quarantining file",
		"fileId", file.ID, "publicId", file.PublicID, "threat", verdict.Threat)

	reason := "malware detected"
	if verdict.Threat != "" {
		reason = "malware detected: " + verdict.Threat
	}
	if err := s.store.TakeDownFile(ctx, file.ID, reason); err != nil && err != storage.ErrNotFound {
		return fmt.Errorf("failed to take down file: %w", err)
	}
	// Remove the object itself; the record stays for the audit trail
	if err := s.objects.Delete(ctx, file.StorageKey); err != nil {
		slog.Warn("failed to delete quarantined object", "fileId", file.ID, "error", err)
	}
	return nil
}

// remoteFilename derives a filename for a fetched object, preferring the
// Content-Disposition header over the URL path.
func remoteFilename(resp *http.Response, rawURL string) string {
	if cd := resp.Header.Get("Content-Disposition"); cd != "" {
		if _, params, err := mime.ParseMediaType(cd); err == nil {
			if name := sanitizeFilename(params["filename"]); name != "file" {
				return name
			}
		}
	}
	if req := resp.Request; req != nil && req.URL != nil {
		rawURL = req.URL.String()
	}
	base := path.Base(strings.SplitN(rawURL, "?", 2)[0])
	if base == "." || base == "/" || base == "" {
		return "file"
	}
	return sanitizeFilename(base)
}

// limitedReader fails the read once the byte ceiling is crossed, instead of
// silently truncating the way io.LimitReader does.
type limitedReader struct {
	r         io.Reader
	remaining int64
	exceeded  bool
}

func (l *limitedReader) Read(p []byte) (int, error) {
	if l.remaining <= 0 {
		// The budget is spent; anything left in the stream means overflow
		var probe [1]byte
		n, err := l.r.Read(probe[:])
		if n > 0 {
			l.exceeded = true
			return 0, fmt.Errorf("byte limit exceeded")
		}
		if err != nil {
			return 0, err
		}
		return 0, io.EOF
	}
	if int64(len(p)) > l.remaining {
		p = p[:l.remaining]
	}
	n, err := l.r.Read(p)
	l.remaining -= int64(n)
	return n, err
}
