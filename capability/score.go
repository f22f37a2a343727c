package capability

import (
	"context"
	"encoding/json"
	"fmt"
)

// ScoreArgs is the input shape of the built-in scorer.
type ScoreArgs struct {
	Diffs []ScoredDiff `json:"diffs"`
}

// ScoredDiff is the fraction of a difference the scorer cares about.
type ScoredDiff struct {
	Severity string `json:"severity"`
}

// ScoreResult is the output shape of the built-in scorer.
type ScoreResult struct {
	Score float64 `json:"score"`
}

// Severity penalties, in score points out of 100.
var severityPenalty = map[string]float64{
	"critical": 20,
	"high":     12,
	"medium":   8,
	"low":      4,
	"info":     1,
}

// Scorer returns the built-in compliance scorer: each detected difference
// subtracts a severity-weighted penalty from 100, clamped to [0, 100].
// An empty difference list scores 100.
func Scorer() Handler {
	return func(_ context.Context, args json.RawMessage) (json.RawMessage, error) {
		var in ScoreArgs
		if len(args) > 0 {
			if err := json.Unmarshal(args, &in); err != nil {
				return nil, fmt.Errorf("decode score args: %w", err)
			}
		}

		score := 100.0
		for _, d := range in.Diffs {
			penalty, ok := severityPenalty[d.Severity]
			if !ok {
				penalty = severityPenalty["medium"]
			}
			score -= penalty
		}
		if score < 0 {
			score = 0
		}

		return json.Marshal(ScoreResult{Score: score})
	}
}

// ScorerSpec is the declared contract of the built-in scorer.
func ScorerSpec() Spec {
	return Spec{
		Name:        "score_diffs",
		Description: "severity-weighted compliance score over detected differences",
		Input:       "ScoreArgs",
		Output:      "ScoreResult",
	}
}
