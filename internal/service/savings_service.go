package service

import (
	"context"
	"fmt"
	"time"

	"spotfleet/internal/model"
	"spotfleet/pkg/logger"
	"spotfleet/pkg/store/mysql"

	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
)

const snapshotDateLayout = "2006-01-02"

var (
	msPerHour  = decimal.NewFromInt(int64(time.Hour / time.Millisecond))
	hundred    = decimal.NewFromInt(100)
	zeroAmount = decimal.Zero
)

// SavingsService maintains the per-client daily savings ledger.
// Snapshots are derived from the append-only switch log only, so recomputing a
// day always yields the same values.
type SavingsService struct {
	repo  *mysql.Repository
	clock clockwork.Clock
}

// NewSavingsService creates a new savings service
func NewSavingsService(repo *mysql.Repository, clock clockwork.Clock) *SavingsService {
	return &SavingsService{repo: repo, clock: clock}
}

// ParseSnapshotDate parses a YYYY-MM-DD day in UTC
func ParseSnapshotDate(s string) (time.Time, error) {
	day, err := time.ParseInLocation(snapshotDateLayout, s, time.UTC)
	if err != nil {
		return time.Time{}, model.Invalid("date", "expected YYYY-MM-DD, got %q", s)
	}
	return day, nil
}

func dayStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// RecomputeDaily rebuilds the snapshot of the UTC day containing date.
// Each switch's resulting instance is billed from the switch's initiation until
// the agent's next switch or the instance's retirement. An instance still running
// is billed through the end of a finished day and not at all on the current day,
// so the snapshot only moves when a switch or retirement is recorded.
func (s *SavingsService) RecomputeDaily(ctx context.Context, clientID string, date time.Time) (*model.SavingsSnapshot, error) {
	if clientID == "" {
		return nil, model.Invalid("client_id", "required")
	}
	from := dayStart(date)
	to := from.Add(24 * time.Hour)
	now := s.clock.Now().UTC()

	switches, err := s.repo.Switch.ListForClientBefore(ctx, clientID, to)
	if err != nil {
		return nil, err
	}

	savings := zeroAmount
	hours := zeroAmount
	weightedImpact := zeroAmount
	count := 0

	for i, sw := range switches {
		start := sw.InitiatedAt.UTC()
		if !start.Before(to) {
			continue
		}
		if !start.Before(from) {
			count++
		}

		var end time.Time
		if i+1 < len(switches) && switches[i+1].AgentID == sw.AgentID {
			end = switches[i+1].InitiatedAt.UTC()
		} else {
			end, err = s.instanceEnd(ctx, sw.NewInstanceID, to, now)
			if err != nil {
				return nil, err
			}
		}

		overlap := overlapHours(start, end, from, to)
		if overlap.IsZero() {
			continue
		}
		delta := decimal.NewFromFloat(sw.OldPrice).Sub(decimal.NewFromFloat(sw.NewPrice))
		savings = savings.Add(delta.Mul(overlap))
		weightedImpact = weightedImpact.Add(decimal.NewFromFloat(sw.SavingsImpact).Mul(overlap))
		hours = hours.Add(overlap)
	}

	average := zeroAmount
	if hours.IsPositive() {
		average = weightedImpact.Mul(hundred).Div(hours)
	}

	snapshot := &mysql.SavingsSnapshot{
		ClientID:              clientID,
		SnapshotDate:          from.Format(snapshotDateLayout),
		DailySavings:          savings.Round(4),
		SwitchCount:           count,
		InstanceHours:         hours.Round(4),
		AverageSavingsPercent: average.Round(2),
	}
	if err := s.repo.Savings.Upsert(ctx, snapshot); err != nil {
		return nil, err
	}
	logger.DebugCtx(ctx, "savings recomputed, client_id: %s, date: %s, savings: %s, switches: %d",
		clientID, snapshot.SnapshotDate, snapshot.DailySavings.StringFixed(4), count)
	return mysql.ToSavingsDomain(snapshot), nil
}

// instanceEnd is when the instance stopped accruing for the day ending at dayEnd.
// A running instance accrues to dayEnd once the day is over and nothing before.
func (s *SavingsService) instanceEnd(ctx context.Context, instanceID string, dayEnd, now time.Time) (time.Time, error) {
	instance, err := s.repo.Instance.Get(ctx, instanceID)
	if err != nil {
		return time.Time{}, err
	}
	if instance != nil {
		if instance.TerminatedAt != nil {
			return instance.TerminatedAt.UTC(), nil
		}
		if instance.SupersededAt != nil {
			return instance.SupersededAt.UTC(), nil
		}
	}
	if !now.Before(dayEnd) {
		return dayEnd, nil
	}
	return time.Time{}, nil
}

// overlapHours returns the hours [start, end) shares with [from, to), in millisecond steps
func overlapHours(start, end, from, to time.Time) decimal.Decimal {
	if start.Before(from) {
		start = from
	}
	if end.After(to) {
		end = to
	}
	if !end.After(start) {
		return zeroAmount
	}
	return decimal.NewFromInt(end.Sub(start).Milliseconds()).Div(msPerHour)
}

// GetSavings summarizes every stored snapshot of a client with a monthly series
func (s *SavingsService) GetSavings(ctx context.Context, clientID string) (*model.SavingsSummary, error) {
	snapshots, err := s.repo.Savings.ListByClient(ctx, clientID)
	if err != nil {
		return nil, err
	}

	summary := &model.SavingsSummary{
		ClientID: clientID,
		Monthly:  []*model.MonthlySavings{},
	}
	total := zeroAmount
	hours := zeroAmount
	weighted := zeroAmount
	var current *model.MonthlySavings
	currentSavings := zeroAmount

	for _, snap := range snapshots {
		total = total.Add(snap.DailySavings)
		summary.TotalSwitches += snap.SwitchCount
		hours = hours.Add(snap.InstanceHours)
		weighted = weighted.Add(snap.AverageSavingsPercent.Mul(snap.InstanceHours))

		month := snap.SnapshotDate
		if len(month) >= 7 {
			month = month[:7]
		}
		if current == nil || current.Month != month {
			if current != nil {
				current.Savings = currentSavings.StringFixed(4)
			}
			current = &model.MonthlySavings{Month: month}
			currentSavings = zeroAmount
			summary.Monthly = append(summary.Monthly, current)
		}
		currentSavings = currentSavings.Add(snap.DailySavings)
		current.SwitchCount += snap.SwitchCount
	}
	if current != nil {
		current.Savings = currentSavings.StringFixed(4)
	}

	average := zeroAmount
	if hours.IsPositive() {
		average = weighted.Div(hours)
	}
	summary.TotalSavings = total.StringFixed(4)
	summary.AverageSavingsPercent = average.StringFixed(2)
	if len(snapshots) > 0 {
		summary.Latest = mysql.ToSavingsDomain(snapshots[len(snapshots)-1])
	}
	return summary, nil
}

// RecomputeAll refreshes yesterday and today for every client
func (s *SavingsService) RecomputeAll(ctx context.Context) (int, error) {
	clientIDs, err := s.repo.Agent.ListClientIDs(ctx)
	if err != nil {
		return 0, err
	}

	today := dayStart(s.clock.Now())
	days := []time.Time{today.Add(-24 * time.Hour), today}
	done := 0
	var firstErr error
	for _, clientID := range clientIDs {
		for _, day := range days {
			if _, err := s.RecomputeDaily(ctx, clientID, day); err != nil {
				logger.ErrorCtx(ctx, "failed to recompute savings of client %s for %s: %v",
					clientID, day.Format(snapshotDateLayout), err)
				if firstErr == nil {
					firstErr = fmt.Errorf("failed to recompute savings of client %s: %w", clientID, err)
				}
				continue
			}
			done++
		}
	}
	return done, firstErr
}

// OnSwitchCommitted refreshes the days touched by a new switch
func (s *SavingsService) OnSwitchCommitted(ctx context.Context, sw *model.Switch) error {
	initiated := dayStart(sw.InitiatedAt)
	if _, err := s.RecomputeDaily(ctx, sw.ClientID, initiated); err != nil {
		return err
	}
	today := dayStart(s.clock.Now())
	if today.After(initiated) {
		if _, err := s.RecomputeDaily(ctx, sw.ClientID, today); err != nil {
			return err
		}
	}
	return nil
}
