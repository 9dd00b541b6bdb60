package slides

import "sort"

// DefaultQAThreshold is the per-slide passing score.
const DefaultQAThreshold = 95.0

// QAResult grades one slide.
type QAResult struct {
	Order  int      `json:"order"`
	Score  float64  `json:"score"`
	Passed bool     `json:"passed"`
	Issues []string `json:"issues,omitempty"`
}

// QAReport is the outcome of one QA pass.
type QAReport struct {
	Results      []QAResult `json:"results"`
	AverageScore float64    `json:"average_score"`
	AllPassed    bool       `json:"all_passed"`
	Iteration    int        `json:"iteration"`
	Threshold    float64    `json:"threshold"`
}

// NewQAReport clamps scores to [0,100], marks pass/fail and computes the aggregate.
func NewQAReport(results []QAResult, iteration int, threshold float64) *QAReport {
	out := make([]QAResult, len(results))
	copy(out, results)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Order < out[j].Order })

	report := &QAReport{Results: out, Iteration: iteration, Threshold: threshold, AllPassed: true}
	var total float64
	for i := range out {
		switch {
		case out[i].Score < 0:
			out[i].Score = 0
		case out[i].Score > 100:
			out[i].Score = 100
		}
		out[i].Passed = out[i].Score >= threshold
		if !out[i].Passed {
			report.AllPassed = false
		}
		total += out[i].Score
	}
	if len(out) > 0 {
		report.AverageScore = total / float64(len(out))
	}
	return report
}

// Failing returns the results below threshold, in slide order.
func (r *QAReport) Failing() []QAResult {
	var failing []QAResult
	for _, res := range r.Results {
		if !res.Passed {
			failing = append(failing, res)
		}
	}
	return failing
}

// Meets reports whether the average clears the threshold.
func (r *QAReport) Meets() bool {
	return r.AverageScore >= r.Threshold
}
