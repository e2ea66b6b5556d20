// internal/ledger/ledger.go
// Package ledger implements earnings crediting and payout arithmetic.
// Earnings are credited at most once per download row, and payout amounts are
// frozen at request time. The user's totalEarningsCents is lifetime and only
// ever grows; the available balance is derived, never stored.
package ledger

import (
	"context"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/sharedrop/sharedrop-go/internal/config"
	"github.com/sharedrop/sharedrop-go/internal/download"
	apperrors "github.com/sharedrop/sharedrop-go/internal/errors"
	"github.com/sharedrop/sharedrop-go/internal/metrics"
	"github.com/sharedrop/sharedrop-go/internal/model"
	"github.com/sharedrop/sharedrop-go/internal/storage"
)

// committedStatuses are the payout states whose amounts are no longer part of
// the available balance. Only a rejection returns funds.
var committedStatuses = []model.PayoutStatus{
	model.PayoutPending,
	model.PayoutApproved,
	model.PayoutPaid,
}

// Ledger is the earnings and payout service.
type Ledger struct {
	cfg     config.Config
	store   storage.Store
	metrics *metrics.Metrics
}

// New wires the ledger service.
func New(cfg config.Config, store storage.Store, m *metrics.Metrics) *Ledger {
	return &Ledger{cfg: cfg, store: store, metrics: m}
}

// ReportCompletion settles a download against its grant. The first report
// wins: it stamps the row and, if the served fraction clears the completion
// threshold, credits the file owner. Replays and concurrent reports return
// the already-settled outcome without crediting again.
func (l *Ledger) ReportCompletion(ctx context.Context, grantToken string, bytesServed int64) (*model.CompletionResult, error) {
	claims, err := download.VerifyGrant(l.cfg.GrantSecret, grantToken)
	if err != nil {
		return nil, apperrors.New(apperrors.SD_GRANT_INVALID, "download grant is invalid or expired", "")
	}
	if bytesServed < 0 {
		return nil, apperrors.New(apperrors.SD_VALIDATION, "bytesServed must not be negative", "")
	}

	row, err := l.store.GetDownload(ctx, claims.DownloadID)
	if err != nil {
		if err == storage.ErrNotFound {
			return nil, apperrors.New(apperrors.SD_NOT_FOUND, "download not found", "")
		}
		return nil, apperrors.New(apperrors.SD_INTERNAL, "failed to load download", "")
	}
	if row.FileID != claims.FileID {
		return nil, apperrors.New(apperrors.SD_GRANT_INVALID, "grant does not match this download", "")
	}

	file, err := l.store.GetFile(ctx, row.FileID)
	if err != nil {
		if err == storage.ErrNotFound {
			return nil, apperrors.New(apperrors.SD_NOT_FOUND, "file not found", "")
		}
		return nil, apperrors.New(apperrors.SD_INTERNAL, "failed to load file", "")
	}

	completed := float64(bytesServed) >= float64(file.Size)*l.cfg.CompletionThreshold
	var earnings int64
	if completed && file.UserID != "" {
		earnings = l.cfg.EarningsPerDownloadCents
	}

	won, err := l.store.SettleDownload(ctx, row.ID, bytesServed, completed, earnings, time.Now().UTC())
	if err != nil {
		slog.Error("failed to settle download", "downloadId", row.ID, "error", err)
		return nil, apperrors.New(apperrors.SD_INTERNAL, "failed to settle download", "")
	}

	if !won {
		// Already settled; report the recorded outcome
		settled, err := l.store.GetDownload(ctx, row.ID)
		if err != nil {
			return nil, apperrors.New(apperrors.SD_INTERNAL, "failed to load download", "")
		}
		return &model.CompletionResult{
			Completed:     settled.Completed,
			EarningsCents: settled.EarningsCents,
		}, nil
	}

	if earnings > 0 {
		if err := l.store.AddUserEarnings(ctx, file.UserID, earnings); err != nil {
			// The row is settled but the credit failed; this is the one spot
			// where manual reconciliation is needed, so log loudly.
			slog.Error("failed to credit earnings",
				"userId", file.UserID, "downloadId", row.ID, "cents", earnings, "error", err)
		} else {
			l.metrics.EarningsCreditedCents.Add(float64(earnings))
		}
	}

	return &model.CompletionResult{Completed: completed, EarningsCents: earnings}, nil
}

// AvailableBalance computes the user's spendable balance: lifetime earnings
// minus every payout that has not been rejected.
func (l *Ledger) AvailableBalance(ctx context.Context, userID string) (int64, error) {
	user, err := l.store.GetUser(ctx, userID)
	if err != nil {
		if err == storage.ErrNotFound {
			return 0, apperrors.New(apperrors.SD_NOT_FOUND, "user not found", "")
		}
		return 0, apperrors.New(apperrors.SD_INTERNAL, "failed to load user", "")
	}
	committed, err := l.store.SumPayoutCents(ctx, userID, committedStatuses)
	if err != nil {
		return 0, apperrors.New(apperrors.SD_INTERNAL, "failed to sum payouts", "")
	}
	return user.TotalEarningsCents - committed, nil
}

// GetUserStats aggregates the user's ledger view.
func (l *Ledger) GetUserStats(ctx context.Context, userID string) (*model.UserStats, error) {
	user, err := l.store.GetUser(ctx, userID)
	if err != nil {
		if err == storage.ErrNotFound {
			return nil, apperrors.New(apperrors.SD_NOT_FOUND, "user not found", "")
		}
		return nil, apperrors.New(apperrors.SD_INTERNAL, "failed to load user", "")
	}

	files, views, _, err := l.store.AggregateFileStats(ctx, userID)
	if err != nil {
		return nil, apperrors.New(apperrors.SD_INTERNAL, "failed to aggregate file stats", "")
	}

	pending, err := l.store.SumPayoutCents(ctx, userID,
		[]model.PayoutStatus{model.PayoutPending, model.PayoutApproved})
	if err != nil {
		return nil, apperrors.New(apperrors.SD_INTERNAL, "failed to sum payouts", "")
	}
	committed, err := l.store.SumPayoutCents(ctx, userID, committedStatuses)
	if err != nil {
		return nil, apperrors.New(apperrors.SD_INTERNAL, "failed to sum payouts", "")
	}

	available := user.TotalEarningsCents - committed
	now := time.Now().UTC()

	return &model.UserStats{
		TotalUploads:            user.TotalUploads,
		TotalDownloads:          user.TotalDownloads,
		TotalViews:              views,
		TotalFiles:              files,
		TotalEarningsCents:      user.TotalEarningsCents,
		PendingPayoutsCents:     pending,
		AvailableForPayoutCents: available,
		CanRequestPayout:        available >= l.cfg.MinPayoutThresholdCents,
		MinPayoutThresholdCents: l.cfg.MinPayoutThresholdCents,
		IsPremium:               user.IsPremium(now),
		PremiumUntil:            user.PremiumUntil,
	}, nil
}

// RequestPayout freezes amountCents of the available balance into a PENDING
// payout. An amount of zero requests the full available balance. The amount
// must clear the minimum threshold and fit within the available balance.
func (l *Ledger) RequestPayout(ctx context.Context, userID string, amountCents int64, method, destination string) (*model.Payout, error) {
	if method == "" || destination == "" {
		return nil, apperrors.New(apperrors.SD_VALIDATION, "method and destination are required", "")
	}
	if amountCents < 0 {
		return nil, apperrors.New(apperrors.SD_VALIDATION, "amountCents must not be negative", "")
	}

	available, err := l.AvailableBalance(ctx, userID)
	if err != nil {
		return nil, err
	}

	if amountCents == 0 {
		amountCents = available
	}
	if amountCents < l.cfg.MinPayoutThresholdCents {
		return nil, apperrors.NewWithDetails(apperrors.SD_BELOW_THRESHOLD,
			"payout amount is below the minimum threshold", "",
			map[string]int64{"amountCents": amountCents, "minimumCents": l.cfg.MinPayoutThresholdCents})
	}
	if amountCents > available {
		return nil, apperrors.NewWithDetails(apperrors.SD_VALIDATION,
			"payout amount exceeds the available balance", "",
			map[string]int64{"amountCents": amountCents, "availableCents": available})
	}

	payout := model.Payout{
		ID:          ulid.Make().String(),
		UserID:      userID,
		AmountCents: amountCents,
		Method:      method,
		Destination: destination,
		Status:      model.PayoutPending,
		RequestedAt: time.Now().UTC(),
	}
	if err := l.store.CreatePayout(ctx, payout); err != nil {
		slog.Error("failed to create payout", "userId", userID, "error", err)
		return nil, apperrors.New(apperrors.SD_INTERNAL, "failed to create payout", "")
	}
	return &payout, nil
}

// ListPayouts returns a user's payout history, newest first.
func (l *Ledger) ListPayouts(ctx context.Context, userID string) ([]model.Payout, error) {
	payouts, err := l.store.ListPayoutsByUser(ctx, userID)
	if err != nil {
		return nil, apperrors.New(apperrors.SD_INTERNAL, "failed to list payouts", "")
	}
	return payouts, nil
}

// ApprovePayout moves a PENDING payout to APPROVED.
func (l *Ledger) ApprovePayout(ctx context.Context, payoutID, notes string) (*model.Payout, error) {
	return l.transition(ctx, payoutID, model.PayoutPending, model.PayoutApproved, notes)
}

// RejectPayout moves a PENDING payout to REJECTED, returning its amount to
// the available balance.
func (l *Ledger) RejectPayout(ctx context.Context, payoutID, notes string) (*model.Payout, error) {
	return l.transition(ctx, payoutID, model.PayoutPending, model.PayoutRejected, notes)
}

// MarkPayoutPaid moves an APPROVED payout to PAID.
func (l *Ledger) MarkPayoutPaid(ctx context.Context, payoutID, notes string) (*model.Payout, error) {
	return l.transition(ctx, payoutID, model.PayoutApproved, model.PayoutPaid, notes)
}

// transition applies a forward-only payout state change. An illegal or
// already-applied transition surfaces as a conflict with the current state.
func (l *Ledger) transition(ctx context.Context, payoutID string, from, to model.PayoutStatus, notes string) (*model.Payout, error) {
	won, err := l.store.TransitionPayout(ctx, payoutID, from, to, notes, time.Now().UTC())
	if err != nil {
		if err == storage.ErrNotFound {
			return nil, apperrors.New(apperrors.SD_NOT_FOUND, "payout not found", "")
		}
		return nil, apperrors.New(apperrors.SD_INTERNAL, "failed to update payout", "")
	}
	if !won {
		current, err := l.store.GetPayout(ctx, payoutID)
		if err != nil {
			if err == storage.ErrNotFound {
				return nil, apperrors.New(apperrors.SD_NOT_FOUND, "payout not found", "")
			}
			return nil, apperrors.New(apperrors.SD_INTERNAL, "failed to load payout", "")
		}
		return nil, apperrors.NewWithDetails(apperrors.SD_CONFLICT,
			"payout is not in the required state", "",
			map[string]string{"status": string(current.Status), "required": string(from)})
	}
	payout, err := l.store.GetPayout(ctx, payoutID)
	if err != nil {
		return nil, apperrors.New(apperrors.SD_INTERNAL, "failed to load payout", "")
	}
	return payout, nil
}
