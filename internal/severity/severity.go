// Package severity assigns an additive heuristic danger score to anomalies.
package severity

import (
	"sort"

	"github.com/Nao-Mk2/log-anomaly-inspector/internal/model"
)

// Reason labels.
const (
	ReasonSuspiciousPath = "suspicious path"
	ReasonLongGap        = "unusually long gap since previous request"
	ReasonRareIP         = "IP seen only once"
	ReasonErrorStatus    = "error-class HTTP status"
	ReasonLongUserAgent  = "abnormally long user-agent string"
	ReasonNone           = "no specific indicator matched"
)

const (
	baseScore  = 1
	displayMin = 1
	displayMax = 10
)

// Config holds the rule thresholds and their points.
type Config struct {
	LongGapSeconds      float64 `mapstructure:"long_gap_seconds"`
	MinIPFrequency      int     `mapstructure:"min_ip_frequency"`
	LongUserAgent       int     `mapstructure:"long_user_agent"`
	SuspiciousPathScore int     `mapstructure:"suspicious_path_points"`
	LongGapScore        int     `mapstructure:"long_gap_points"`
	RareIPScore         int     `mapstructure:"rare_ip_points"`
	ErrorStatusScore    int     `mapstructure:"error_status_points"`
	LongUserAgentScore  int     `mapstructure:"long_user_agent_points"`
}

// DefaultConfig returns the standard rule table.
func DefaultConfig() Config {
	return Config{
		LongGapSeconds:      300,
		MinIPFrequency:      2,
		LongUserAgent:       200,
		SuspiciousPathScore: 4,
		LongGapScore:        2,
		RareIPScore:         1,
		ErrorStatusScore:    3,
		LongUserAgentScore:  2,
	}
}

type rule struct {
	reason string
	points int
	match  func(model.FeatureVector) bool
}

// Ranker scores records against an ordered rule table.
type Ranker struct {
	rules []rule
}

// NewRanker builds the rule table from cfg.
func NewRanker(cfg Config) *Ranker {
	return &Ranker{rules: []rule{
		{ReasonSuspiciousPath, cfg.SuspiciousPathScore, func(fv model.FeatureVector) bool { return fv.SuspiciousPathFlag == 1 }},
		{ReasonLongGap, cfg.LongGapScore, func(fv model.FeatureVector) bool { return fv.InterArrivalSeconds > cfg.LongGapSeconds }},
		{ReasonRareIP, cfg.RareIPScore, func(fv model.FeatureVector) bool { return fv.IPFrequency < cfg.MinIPFrequency }},
		{ReasonErrorStatus, cfg.ErrorStatusScore, func(fv model.FeatureVector) bool { return IsErrorStatus(fv.StatusCode) }},
		{ReasonLongUserAgent, cfg.LongUserAgentScore, func(fv model.FeatureVector) bool { return fv.UserAgentLength > cfg.LongUserAgent }},
	}}
}

// Score returns the raw additive score and the reasons that fired, in rule
// order. HTTP rules only apply to access-like records.
func (r *Ranker) Score(rec model.LogRecord, fv model.FeatureVector) (int, []string) {
	score := baseScore
	var reasons []string
	if rec.Format.IsAccessLike() {
		for _, ru := range r.rules {
			if ru.match(fv) {
				score += ru.points
				reasons = append(reasons, ru.reason)
			}
		}
	}
	if len(reasons) == 0 {
		reasons = []string{ReasonNone}
	}
	return score, reasons
}

// IsErrorStatus reports whether code is in the 4xx or 5xx class.
func IsErrorStatus(code int) bool {
	return code >= 400 && code < 600
}

// Rank sorts anomalies by descending score, keeping line order for ties.
func Rank(results []model.AnomalyResult) {
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].SeverityScore > results[j].SeverityScore
	})
}

// DisplayScore clamps a raw score to the 1..10 presentation scale.
func DisplayScore(score int) int {
	return min(max(score, displayMin), displayMax)
}
