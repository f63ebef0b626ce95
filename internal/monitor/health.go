package monitor

import (
	"fmt"
	"time"

	"github.com/chairbook/calsync/internal/model"
)

// HealthStatus buckets a numeric health score.
type HealthStatus string

const (
	HealthExcellent HealthStatus = "excellent"
	HealthGood      HealthStatus = "good"
	HealthFair      HealthStatus = "fair"
	HealthPoor      HealthStatus = "poor"
)

// HealthReport is the derived health of one configuration over its recent
// sync history.
type HealthReport struct {
	ConfigID string       `json:"config_id"`
	Score    int          `json:"score"`
	Status   HealthStatus `json:"status"`

	SuccessRate float64       `json:"success_rate"`
	ErrorCount  int           `json:"error_count"`
	AvgDuration time.Duration `json:"avg_duration_ms"`
	LastSuccess time.Time     `json:"last_success,omitempty"`

	// Recommendations names the factors that cost points, one concrete
	// suggestion per factor.
	Recommendations []string `json:"recommendations,omitempty"`
}

// Scoring constants. The score starts at 100 and each factor deducts
// independently.
const (
	successRateFloor = 90.0 // percent; 2 points per point below

	errorGrace     = 5 // errors before deductions start
	errorPenalty   = 2 // points per error beyond the grace count
	errorDeductCap = 20

	durationGrace     = 30 * time.Second
	durationDeductCap = 15 // 0.5 points per second over grace

	stalenessGrace     = 24 * time.Hour
	stalenessDeductCap = 25 // 0.5 points per hour beyond grace
)

// Health scores a configuration from its recent results. An empty history
// yields a neutral report: no evidence, full score, no recommendations.
func Health(cfg *model.SyncConfiguration, results []*model.SyncResult, now time.Time) *HealthReport {
	report := &HealthReport{
		ConfigID:    cfg.ID,
		Score:       100,
		SuccessRate: 100,
		LastSuccess: cfg.LastSync,
	}

	var (
		successes int
		errors    int
		totalDur  time.Duration
	)
	for _, r := range results {
		if r.Success {
			successes++
		}
		errors += len(r.Errors)
		totalDur += r.Duration
	}

	if len(results) > 0 {
		report.SuccessRate = 100 * float64(successes) / float64(len(results))
		report.AvgDuration = totalDur / time.Duration(len(results))
	}
	report.ErrorCount = errors

	if shortfall := successRateFloor - report.SuccessRate; len(results) > 0 && shortfall > 0 {
		report.Score -= int(2 * shortfall)
		report.Recommendations = append(report.Recommendations, fmt.Sprintf(
			"success rate is %.0f%%; check the last error on this configuration and re-authenticate the provider if needed",
			report.SuccessRate))
	}

	if errors > errorGrace {
		deduct := (errors - errorGrace) * errorPenalty
		if deduct > errorDeductCap {
			deduct = errorDeductCap
		}
		report.Score -= deduct
		report.Recommendations = append(report.Recommendations, fmt.Sprintf(
			"%d errors in recent history; inspect sync history entries for recurring item failures", errors))
	}

	if over := report.AvgDuration - durationGrace; over > 0 {
		deduct := int(over.Seconds() / 2)
		if deduct > durationDeductCap {
			deduct = durationDeductCap
		}
		report.Score -= deduct
		report.Recommendations = append(report.Recommendations, fmt.Sprintf(
			"cycles average %s; consider a longer sync frequency or a narrower calendar",
			report.AvgDuration.Round(time.Second)))
	}

	if !report.LastSuccess.IsZero() {
		if stale := now.Sub(report.LastSuccess) - stalenessGrace; stale > 0 {
			deduct := int(stale.Hours() / 2)
			if deduct > stalenessDeductCap {
				deduct = stalenessDeductCap
			}
			report.Score -= deduct
			report.Recommendations = append(report.Recommendations, fmt.Sprintf(
				"no successful sync since %s; trigger a manual sync and verify provider credentials",
				report.LastSuccess.Format(time.RFC3339)))
		}
	}

	if report.Score < 0 {
		report.Score = 0
	}
	report.Status = statusFor(report.Score)
	return report
}

func statusFor(score int) HealthStatus {
	switch {
	case score >= 90:
		return HealthExcellent
	case score >= 70:
		return HealthGood
	case score >= 50:
		return HealthFair
	default:
		return HealthPoor
	}
}
