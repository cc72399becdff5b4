package analytics

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/huddle/internal/collab"
)

func day(value string) time.Time {
	parsed, err := parseDay(value)
	if err != nil {
		panic(err)
	}
	return parsed
}

type recordingBackend struct {
	added  []DailyActivity
	ranges [][2]time.Time
	stored []DailyActivity
}

func (b *recordingBackend) Add(ctx context.Context, activity DailyActivity) error {
	b.added = append(b.added, activity)
	return nil
}

func (b *recordingBackend) Range(ctx context.Context, identityKey string, from, to time.Time) ([]DailyActivity, error) {
	b.ranges = append(b.ranges, [2]time.Time{from, to})
	return b.stored, nil
}

func TestParsePeriod(t *testing.T) {
	testCases := []struct {
		input    string
		expected Period
		wantErr  bool
	}{
		{input: "", expected: PeriodDaily},
		{input: " Weekly ", expected: PeriodWeekly},
		{input: "monthly", expected: PeriodMonthly},
		{input: "yearly", wantErr: true},
	}
	for _, testCase := range testCases {
		period, err := ParsePeriod(testCase.input)
		if testCase.wantErr {
			if !errors.Is(err, ErrInvalidPeriod) {
				t.Fatalf("expected invalid period for %q, got %v", testCase.input, err)
			}
			continue
		}
		if err != nil || period != testCase.expected {
			t.Fatalf("unexpected result for %q: %s (%v)", testCase.input, period, err)
		}
	}
}

func TestSummarizeGroupsByPeriod(t *testing.T) {
	activity := []DailyActivity{
		{Day: day("2026-09-27"), Seconds: 60, Messages: 1},
		{Day: day("2026-09-28"), Seconds: 120, Executions: 2},
		{Day: day("2026-10-04"), Seconds: 30, CodeChanges: 5},
		{Day: day("2026-10-05"), Sessions: 1},
	}

	weekly, err := Summarize(activity, PeriodWeekly)
	if err != nil {
		t.Fatalf("weekly: %v", err)
	}
	if len(weekly) != 3 {
		t.Fatalf("expected three ISO weeks, got %+v", weekly)
	}
	if !weekly[0].Start.Equal(day("2026-09-21")) || weekly[0].Seconds != 60 {
		t.Fatalf("unexpected first week %+v", weekly[0])
	}
	if !weekly[1].Start.Equal(day("2026-09-28")) || weekly[1].Seconds != 150 || weekly[1].CodeChanges != 5 {
		t.Fatalf("expected Monday-to-Sunday bucket, got %+v", weekly[1])
	}

	monthly, err := Summarize(activity, PeriodMonthly)
	if err != nil {
		t.Fatalf("monthly: %v", err)
	}
	if len(monthly) != 2 || monthly[0].Seconds != 180 || monthly[1].Sessions != 1 {
		t.Fatalf("unexpected monthly rollups %+v", monthly)
	}

	daily, err := Summarize(activity, PeriodDaily)
	if err != nil || len(daily) != 4 || daily[0].Period != PeriodDaily {
		t.Fatalf("unexpected daily rollups %+v (%v)", daily, err)
	}

	if _, err := Summarize(activity, Period("hourly")); !errors.Is(err, ErrInvalidPeriod) {
		t.Fatalf("expected invalid period, got %v", err)
	}
}

func TestServiceRecordsByUTCDay(t *testing.T) {
	backend := &recordingBackend{}
	service, err := NewService(ServiceConfig{Backend: backend})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	late := time.Date(2026, 10, 14, 23, 30, 0, 0, time.FixedZone("UTC-5", -5*3600))
	if err := service.Record(context.Background(), collab.Activity{IdentityKey: "guest:ada", At: late, Messages: 1}); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := service.Record(context.Background(), collab.Activity{IdentityKey: "guest:ada", At: late}); err != nil {
		t.Fatalf("record empty: %v", err)
	}
	if err := service.Record(context.Background(), collab.Activity{Messages: 1}); !errors.Is(err, ErrInvalidIdentity) {
		t.Fatalf("expected invalid identity, got %v", err)
	}
	if len(backend.added) != 1 {
		t.Fatalf("expected only the non-empty increment stored, got %d", len(backend.added))
	}
	if !backend.added[0].Day.Equal(day("2026-10-15")) {
		t.Fatalf("expected UTC bucketing, got %v", backend.added[0].Day)
	}
}

func TestServiceReportClampsRange(t *testing.T) {
	backend := &recordingBackend{stored: []DailyActivity{{Day: day("2026-10-14"), Seconds: 5}}}
	now := time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)
	service, err := NewService(ServiceConfig{Backend: backend, Clock: func() time.Time { return now }})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	rollups, err := service.Report(context.Background(), "guest:ada", PeriodDaily, 0)
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if len(rollups) != 1 || rollups[0].Seconds != 5 {
		t.Fatalf("unexpected rollups %+v", rollups)
	}
	if !backend.ranges[0][0].Equal(day("2026-09-15")) || !backend.ranges[0][1].Equal(day("2026-10-14")) {
		t.Fatalf("expected default 30 day window, got %v", backend.ranges[0])
	}
	if _, err := service.Report(context.Background(), "guest:ada", PeriodDaily, 5000); err != nil {
		t.Fatalf("report: %v", err)
	}
	if !backend.ranges[1][0].Equal(day("2026-10-14").AddDate(0, 0, -(MaxReportDays - 1))) {
		t.Fatalf("expected clamped window, got %v", backend.ranges[1])
	}
}

func TestGormBackendAccumulates(t *testing.T) {
	database, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "analytics.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := database.AutoMigrate(&ActivityRecord{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	backend, err := NewGormBackend(database)
	if err != nil {
		t.Fatalf("new backend: %v", err)
	}
	ctx := context.Background()
	increments := []DailyActivity{
		{IdentityKey: "guest:ada", Day: day("2026-10-13"), Seconds: 30},
		{IdentityKey: "guest:ada", Day: day("2026-10-13"), Seconds: 45, Executions: 1},
		{IdentityKey: "guest:ada", Day: day("2026-10-14"), Messages: 2},
		{IdentityKey: "guest:bob", Day: day("2026-10-14"), Messages: 9},
	}
	for _, increment := range increments {
		if err := backend.Add(ctx, increment); err != nil {
			t.Fatalf("add: %v", err)
		}
	}

	activity, err := backend.Range(ctx, "guest:ada", day("2026-10-01"), day("2026-10-14"))
	if err != nil {
		t.Fatalf("range: %v", err)
	}
	if len(activity) != 2 {
		t.Fatalf("expected two days, got %+v", activity)
	}
	if activity[0].Seconds != 75 || activity[0].Executions != 1 {
		t.Fatalf("expected additive upsert, got %+v", activity[0])
	}
	if activity[1].Messages != 2 || !activity[1].Day.Equal(day("2026-10-14")) {
		t.Fatalf("unexpected second day %+v", activity[1])
	}
}

func TestRedisKeysAndDecoding(t *testing.T) {
	if key := dayKey("user:google:1", day("2026-10-14")); key != "analytics:user:google:1:2026-10-14" {
		t.Fatalf("unexpected day key %q", key)
	}
	if key := daysKey("guest:ada"); key != "analytics:guest:ada:days" {
		t.Fatalf("unexpected index key %q", key)
	}
	decoded, err := decodeDay("guest:ada", "2026-10-14", map[string]string{"seconds": "90", "codeChanges": "3"})
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Seconds != 90 || decoded.CodeChanges != 3 || decoded.Messages != 0 {
		t.Fatalf("unexpected decoded day %+v", decoded)
	}
	if _, err := decodeDay("guest:ada", "2026-10-14", map[string]string{"seconds": "x"}); err == nil {
		t.Fatalf("expected malformed counter to fail")
	}
	if _, err := NewRedisBackend(nil); !errors.Is(err, errMissingRedis) {
		t.Fatalf("expected missing client error, got %v", err)
	}
}
