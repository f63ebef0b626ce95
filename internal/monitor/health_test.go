package monitor

import (
	"strings"
	"testing"
	"time"

	"github.com/chairbook/calsync/internal/model"
)

var now = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

func healthConfig(lastSync time.Time) *model.SyncConfiguration {
	return &model.SyncConfiguration{ID: "cfg-1", UserID: "user-1", LastSync: lastSync}
}

func results(n int, successes int, dur time.Duration, errsPerFailure int) []*model.SyncResult {
	out := make([]*model.SyncResult, n)
	for i := range out {
		r := &model.SyncResult{ConfigID: "cfg-1", Duration: dur, Success: i < successes}
		if !r.Success {
			for range errsPerFailure {
				r.Errors = append(r.Errors, "provider unreachable")
			}
		}
		out[i] = r
	}
	return out
}

func TestHealthPerfectHistory(t *testing.T) {
	report := Health(healthConfig(now.Add(-time.Hour)), results(10, 10, 5*time.Second, 0), now)
	if report.Score != 100 || report.Status != HealthExcellent {
		t.Fatalf("score = %d status = %s, want 100 excellent", report.Score, report.Status)
	}
	if len(report.Recommendations) != 0 {
		t.Fatalf("healthy configuration got recommendations: %v", report.Recommendations)
	}
}

func TestHealthEmptyHistoryIsNeutral(t *testing.T) {
	report := Health(healthConfig(time.Time{}), nil, now)
	if report.Score != 100 {
		t.Fatalf("score = %d, want 100 with no evidence", report.Score)
	}
	if report.SuccessRate != 100 {
		t.Fatalf("success rate = %v, want 100", report.SuccessRate)
	}
}

func TestHealthSuccessRateShortfall(t *testing.T) {
	// 8/10 successes: 80%, ten points below the 90% floor, 2 points each.
	report := Health(healthConfig(now.Add(-time.Hour)), results(10, 8, 5*time.Second, 1), now)
	if report.Score != 80 {
		t.Fatalf("score = %d, want 80", report.Score)
	}
	if report.Status != HealthGood {
		t.Fatalf("status = %s, want good", report.Status)
	}
	if len(report.Recommendations) != 1 || !strings.Contains(report.Recommendations[0], "success rate") {
		t.Fatalf("recommendations = %v, want one success-rate suggestion", report.Recommendations)
	}
}

func TestHealthErrorCountCapped(t *testing.T) {
	// 5 failures x 8 errors = 40 errors: (40-5)*2 = 70 raw, capped at 20.
	// Success shortfall: 50% -> 80 points, floored at 0 overall.
	report := Health(healthConfig(now.Add(-time.Hour)), results(10, 5, 5*time.Second, 8), now)
	if report.ErrorCount != 40 {
		t.Fatalf("error count = %d, want 40", report.ErrorCount)
	}
	if report.Score != 0 {
		t.Fatalf("score = %d, want floor at 0", report.Score)
	}
	if report.Status != HealthPoor {
		t.Fatalf("status = %s, want poor", report.Status)
	}
}

func TestHealthSlowCyclesCapped(t *testing.T) {
	// 90s average: 60s over grace -> 30 raw, capped at 15.
	report := Health(healthConfig(now.Add(-time.Hour)), results(10, 10, 90*time.Second, 0), now)
	if report.Score != 85 {
		t.Fatalf("score = %d, want 85", report.Score)
	}
	foundDuration := false
	for _, rec := range report.Recommendations {
		if strings.Contains(rec, "average") {
			foundDuration = true
		}
	}
	if !foundDuration {
		t.Fatalf("recommendations = %v, want a duration suggestion", report.Recommendations)
	}
}

func TestHealthStalenessCapped(t *testing.T) {
	// Ten days stale: far beyond the cap, deduct 25.
	report := Health(healthConfig(now.Add(-10*24*time.Hour)), results(10, 10, 5*time.Second, 0), now)
	if report.Score != 75 {
		t.Fatalf("score = %d, want 75", report.Score)
	}
	if report.Status != HealthGood {
		t.Fatalf("status = %s, want good", report.Status)
	}
}

func TestHealthStatusBands(t *testing.T) {
	cases := []struct {
		score int
		want  HealthStatus
	}{
		{100, HealthExcellent}, {90, HealthExcellent},
		{89, HealthGood}, {70, HealthGood},
		{69, HealthFair}, {50, HealthFair},
		{49, HealthPoor}, {0, HealthPoor},
	}
	for _, tc := range cases {
		if got := statusFor(tc.score); got != tc.want {
			t.Errorf("statusFor(%d) = %s, want %s", tc.score, got, tc.want)
		}
	}
}
