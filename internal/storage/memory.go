// internal/storage/memory.go
package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sharedrop/sharedrop-go/internal/model"
)

// memory implements the Store interface using in-memory maps.
// It's intended for development and testing purposes. A single mutex guards
// all state, which makes every operation atomic relative to concurrent calls
// the same way the SQL backend's conditional updates are.
type memory struct {
	mu            sync.RWMutex
	files         map[string]*model.File     // file ID -> file
	filesByPublic map[string]string          // publicId -> file ID
	users         map[string]*model.User     // user ID -> user
	downloads     map[string]*model.Download // download ID -> download
	payouts       map[string]*model.Payout   // payout ID -> payout
	reports       map[string]*model.Report   // report ID -> report
}

// NewMemory creates a new in-memory storage implementation.
func NewMemory() Store {
	return &memory{
		files:         make(map[string]*model.File),
		filesByPublic: make(map[string]string),
		users:         make(map[string]*model.User),
		downloads:     make(map[string]*model.Download),
		payouts:       make(map[string]*model.Payout),
		reports:       make(map[string]*model.Report),
	}
}

func (m *memory) CreateFile(ctx context.Context, file model.File) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.files[file.ID]; exists {
		return ErrConflict
	}
	if _, exists := m.filesByPublic[file.PublicID]; exists {
		return ErrConflict
	}

	fileCopy := file
	m.files[file.ID] = &fileCopy
	m.filesByPublic[file.PublicID] = file.ID
	return nil
}

func (m *memory) GetFile(ctx context.Context, id string) (*model.File, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	file, exists := m.files[id]
	if !exists {
		return nil, ErrNotFound
	}
	fileCopy := *file
	return &fileCopy, nil
}

func (m *memory) GetFileByPublicID(ctx context.Context, publicID string) (*model.File, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, exists := m.filesByPublic[publicID]
	if !exists {
		return nil, ErrNotFound
	}
	fileCopy := *m.files[id]
	return &fileCopy, nil
}

func (m *memory) MarkFileProcessed(ctx context.Context, id string, size int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	file, exists := m.files[id]
	if !exists {
		return false, ErrNotFound
	}
	if file.IsProcessed {
		return false, nil
	}
	file.IsProcessed = true
	file.Size = size
	return true, nil
}

func (m *memory) SetFileThumbnail(ctx context.Context, id, thumbnailKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	file, exists := m.files[id]
	if !exists {
		return ErrNotFound
	}
	file.ThumbnailKey = thumbnailKey
	return nil
}

func (m *memory) IncrementFileViews(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	file, exists := m.files[id]
	if !exists {
		return ErrNotFound
	}
	file.ViewsCount++
	return nil
}

func (m *memory) IncrementFileDownloads(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	file, exists := m.files[id]
	if !exists {
		return ErrNotFound
	}
	file.DownloadsCount++
	return nil
}

func (m *memory) TakeDownFile(ctx context.Context, id, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	file, exists := m.files[id]
	if !exists {
		return ErrNotFound
	}
	file.TakenDown = true
	file.TakedownReason = reason
	return nil
}

func (m *memory) FlagFileReported(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	file, exists := m.files[id]
	if !exists {
		return ErrNotFound
	}
	file.Reported = true
	return nil
}

func (m *memory) DeleteFile(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	file, exists := m.files[id]
	if !exists {
		return ErrNotFound
	}
	delete(m.filesByPublic, file.PublicID)
	delete(m.files, id)
	return nil
}

func (m *memory) ListFiles(ctx context.Context, query model.ListFilesQuery) (*model.ListFilesResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	owned := make([]model.File, 0)
	for _, file := range m.files {
		if file.UserID == query.UserID {
			owned = append(owned, *file)
		}
	}
	sort.Slice(owned, func(i, j int) bool {
		return owned[i].CreatedAt.After(owned[j].CreatedAt)
	})

	page := query.Page
	if page <= 0 {
		page = 1
	}
	limit := query.Limit
	if limit <= 0 {
		limit = 20
	}

	total := int64(len(owned))
	start := (page - 1) * limit
	if start > len(owned) {
		start = len(owned)
	}
	end := start + limit
	if end > len(owned) {
		end = len(owned)
	}

	return &model.ListFilesResult{
		Files:      owned[start:end],
		Page:       page,
		Limit:      limit,
		Total:      total,
		TotalPages: (total + int64(limit) - 1) / int64(limit),
	}, nil
}

func (m *memory) AggregateFileStats(ctx context.Context, userID string) (files, views, downloads int64, err error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, file := range m.files {
		if file.UserID == userID {
			files++
			views += file.ViewsCount
			downloads += file.DownloadsCount
		}
	}
	return files, views, downloads, nil
}

func (m *memory) CreateUser(ctx context.Context, user model.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.users[user.ID]; exists {
		return ErrConflict
	}
	userCopy := user
	m.users[user.ID] = &userCopy
	return nil
}

func (m *memory) GetUser(ctx context.Context, id string) (*model.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	user, exists := m.users[id]
	if !exists {
		return nil, ErrNotFound
	}
	userCopy := *user
	return &userCopy, nil
}

func (m *memory) IncrementUserUploads(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	user, exists := m.users[id]
	if !exists {
		return ErrNotFound
	}
	user.TotalUploads++
	return nil
}

func (m *memory) IncrementUserDownloads(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	user, exists := m.users[id]
	if !exists {
		return ErrNotFound
	}
	user.TotalDownloads++
	return nil
}

func (m *memory) AddUserEarnings(ctx context.Context, id string, cents int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	user, exists := m.users[id]
	if !exists {
		return ErrNotFound
	}
	user.TotalEarningsCents += cents
	return nil
}

func (m *memory) CreateDownload(ctx context.Context, download model.Download) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.downloads[download.ID]; exists {
		return ErrConflict
	}
	downloadCopy := download
	m.downloads[download.ID] = &downloadCopy
	return nil
}

func (m *memory) GetDownload(ctx context.Context, id string) (*model.Download, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	download, exists := m.downloads[id]
	if !exists {
		return nil, ErrNotFound
	}
	downloadCopy := *download
	return &downloadCopy, nil
}

func (m *memory) CountDownloadsByIPSince(ctx context.Context, ip string, since time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for _, download := range m.downloads {
		if download.IP == ip && !download.CreatedAt.Before(since) {
			count++
		}
	}
	return count, nil
}

func (m *memory) SettleDownload(ctx context.Context, id string, bytesServed int64, completed bool, earningsCents int64, reportedAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	download, exists := m.downloads[id]
	if !exists {
		return false, ErrNotFound
	}
	if download.ReportedAt != nil {
		return false, nil
	}
	download.BytesServed = bytesServed
	download.Completed = completed
	download.Paid = completed && earningsCents > 0
	download.EarningsCents = earningsCents
	reportedCopy := reportedAt
	download.ReportedAt = &reportedCopy
	return true, nil
}

func (m *memory) CreatePayout(ctx context.Context, payout model.Payout) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.payouts[payout.ID]; exists {
		return ErrConflict
	}
	payoutCopy := payout
	m.payouts[payout.ID] = &payoutCopy
	return nil
}

func (m *memory) GetPayout(ctx context.Context, id string) (*model.Payout, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	payout, exists := m.payouts[id]
	if !exists {
		return nil, ErrNotFound
	}
	payoutCopy := *payout
	return &payoutCopy, nil
}

func (m *memory) ListPayoutsByUser(ctx context.Context, userID string) ([]model.Payout, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]model.Payout, 0)
	for _, payout := range m.payouts {
		if payout.UserID == userID {
			result = append(result, *payout)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].RequestedAt.After(result[j].RequestedAt)
	})
	return result, nil
}

func (m *memory) SumPayoutCents(ctx context.Context, userID string, statuses []model.PayoutStatus) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var sum int64
	for _, payout := range m.payouts {
		if payout.UserID != userID {
			continue
		}
		for _, status := range statuses {
			if payout.Status == status {
				sum += payout.AmountCents
				break
			}
		}
	}
	return sum, nil
}

func (m *memory) TransitionPayout(ctx context.Context, id string, from, to model.PayoutStatus, notes string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	payout, exists := m.payouts[id]
	if !exists {
		return false, ErrNotFound
	}
	if payout.Status != from {
		return false, nil
	}
	payout.Status = to
	if notes != "" {
		payout.AdminNotes = notes
	}
	atCopy := at
	if to == model.PayoutPaid {
		payout.PaidAt = &atCopy
	} else {
		payout.ProcessedAt = &atCopy
	}
	return true, nil
}

func (m *memory) CreateReport(ctx context.Context, report model.Report) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.reports[report.ID]; exists {
		return ErrConflict
	}
	reportCopy := report
	m.reports[report.ID] = &reportCopy
	return nil
}

func (m *memory) ReviewReportsForFile(ctx context.Context, fileID, actionTaken string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, report := range m.reports {
		if report.FileID == fileID && !report.Reviewed {
			report.Reviewed = true
			report.ActionTaken = actionTaken
			atCopy := at
			report.ReviewedAt = &atCopy
		}
	}
	return nil
}
