// Package analytics accumulates per-participant activity by UTC day and rolls
// it up into daily, weekly and monthly reports.
package analytics

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/huddle/internal/collab"
)

const (
	dayLayout = "2006-01-02"
	// DefaultReportDays is the lookback used when a report omits its range.
	DefaultReportDays = 30
	// MaxReportDays bounds the lookback of one report.
	MaxReportDays = 366
)

var (
	// ErrInvalidPeriod indicates an unknown rollup period.
	ErrInvalidPeriod = errors.New("analytics: period must be daily, weekly or monthly")
	// ErrInvalidIdentity indicates an empty identity key.
	ErrInvalidIdentity = errors.New("analytics: identity key required")

	errMissingBackend = errors.New("analytics: backend required")
)

// Period selects the rollup granularity.
type Period string

const (
	PeriodDaily   Period = "daily"
	PeriodWeekly  Period = "weekly"
	PeriodMonthly Period = "monthly"
)

// ParsePeriod validates rawInput, defaulting to daily.
func ParsePeriod(rawInput string) (Period, error) {
	switch Period(strings.ToLower(strings.TrimSpace(rawInput))) {
	case "", PeriodDaily:
		return PeriodDaily, nil
	case PeriodWeekly:
		return PeriodWeekly, nil
	case PeriodMonthly:
		return PeriodMonthly, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidPeriod, rawInput)
	}
}

// DailyActivity is the persisted per-(identity, day) counter set.
type DailyActivity struct {
	IdentityKey string
	Day         time.Time
	Seconds     int64
	Sessions    int64
	Executions  int64
	Messages    int64
	CodeChanges int64
}

func (d DailyActivity) isEmpty() bool {
	return d.Seconds == 0 && d.Sessions == 0 && d.Executions == 0 && d.Messages == 0 && d.CodeChanges == 0
}

// Rollup aggregates activity over one period bucket starting at Start.
type Rollup struct {
	Period      Period    `json:"period"`
	Start       time.Time `json:"start"`
	Seconds     int64     `json:"secondsInSession"`
	Sessions    int64     `json:"sessionsJoined"`
	Executions  int64     `json:"executions"`
	Messages    int64     `json:"messages"`
	CodeChanges int64     `json:"codeChanges"`
}

// Backend stores daily activity.
type Backend interface {
	Add(ctx context.Context, activity DailyActivity) error
	Range(ctx context.Context, identityKey string, from, to time.Time) ([]DailyActivity, error)
}

// ServiceConfig wires the Service.
type ServiceConfig struct {
	Backend Backend
	Logger  *zap.Logger
	Clock   func() time.Time
}

// Service records activity and builds reports.
type Service struct {
	backend Backend
	logger  *zap.Logger
	clock   func() time.Time
}

var _ collab.ActivityRecorder = (*Service)(nil)

// NewService constructs a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Backend == nil {
		return nil, errMissingBackend
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{backend: cfg.Backend, logger: logger, clock: clock}, nil
}

// Record implements collab.ActivityRecorder.
func (s *Service) Record(ctx context.Context, activity collab.Activity) error {
	identityKey := strings.TrimSpace(activity.IdentityKey)
	if identityKey == "" {
		return ErrInvalidIdentity
	}
	at := activity.At
	if at.IsZero() {
		at = s.clock()
	}
	daily := DailyActivity{
		IdentityKey: identityKey,
		Day:         StartOfDay(at),
		Seconds:     activity.Seconds,
		Sessions:    activity.Sessions,
		Executions:  activity.Executions,
		Messages:    activity.Messages,
		CodeChanges: activity.CodeChanges,
	}
	if daily.isEmpty() {
		return nil
	}
	if err := s.backend.Add(ctx, daily); err != nil {
		s.logger.Warn("activity record failed",
			zap.String("identity", identityKey),
			zap.Error(err))
		return err
	}
	return nil
}

// Report returns rollups for the last days days ending today, oldest first.
func (s *Service) Report(ctx context.Context, identityKey string, period Period, days int) ([]Rollup, error) {
	identityKey = strings.TrimSpace(identityKey)
	if identityKey == "" {
		return nil, ErrInvalidIdentity
	}
	if days <= 0 {
		days = DefaultReportDays
	}
	if days > MaxReportDays {
		days = MaxReportDays
	}
	to := StartOfDay(s.clock())
	from := to.AddDate(0, 0, -(days - 1))
	activity, err := s.backend.Range(ctx, identityKey, from, to)
	if err != nil {
		return nil, err
	}
	return Summarize(activity, period)
}

// Summarize groups daily activity into period buckets sorted by start.
func Summarize(days []DailyActivity, period Period) ([]Rollup, error) {
	var bucket func(time.Time) time.Time
	switch period {
	case PeriodDaily:
		bucket = StartOfDay
	case PeriodWeekly:
		bucket = StartOfWeek
	case PeriodMonthly:
		bucket = StartOfMonth
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidPeriod, period)
	}
	byStart := make(map[time.Time]*Rollup)
	for _, day := range days {
		start := bucket(day.Day)
		rollup, ok := byStart[start]
		if !ok {
			rollup = &Rollup{Period: period, Start: start}
			byStart[start] = rollup
		}
		rollup.Seconds += day.Seconds
		rollup.Sessions += day.Sessions
		rollup.Executions += day.Executions
		rollup.Messages += day.Messages
		rollup.CodeChanges += day.CodeChanges
	}
	rollups := make([]Rollup, 0, len(byStart))
	for _, rollup := range byStart {
		rollups = append(rollups, *rollup)
	}
	sort.Slice(rollups, func(i, j int) bool { return rollups[i].Start.Before(rollups[j].Start) })
	return rollups, nil
}

// StartOfDay truncates at to midnight UTC.
func StartOfDay(at time.Time) time.Time {
	year, month, day := at.UTC().Date()
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

// StartOfWeek returns the Monday (UTC) of the ISO week containing at.
func StartOfWeek(at time.Time) time.Time {
	day := StartOfDay(at)
	offset := (int(day.Weekday()) + 6) % 7
	return day.AddDate(0, 0, -offset)
}

// StartOfMonth returns the first day of the UTC month containing at.
func StartOfMonth(at time.Time) time.Time {
	year, month, _ := at.UTC().Date()
	return time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
}

func formatDay(day time.Time) string {
	return day.UTC().Format(dayLayout)
}

func parseDay(value string) (time.Time, error) {
	return time.ParseInLocation(dayLayout, value, time.UTC)
}
