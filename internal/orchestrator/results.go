package orchestrator

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/banshee-data/shimtool/internal/fieldmap"
)

// Results file names inside one results directory.
const (
	ResultsSummaryFile = "summary.json"
	ResultsStateFile   = "state.gob.gz"
)

// ResultsSummary is the human-readable part of a results directory.
type ResultsSummary struct {
	ExamNumber       string            `json:"exam_number"`
	SavedAt          string            `json:"saved_at"`
	NumLoops         int               `json:"num_loops"`
	ShimMode         string            `json:"shim_mode"`
	Principal        []float64         `json:"principal"`
	Solutions        [][]float64       `json:"solutions"`
	Applied          [][]float64       `json:"applied"`
	BackgroundStats  []*fieldmap.Stats `json:"background_stats,omitempty"`
	ExpectedStats    []*fieldmap.Stats `json:"expected_stats,omitempty"`
	ShimmedStats     []*fieldmap.Stats `json:"shimmed_stats,omitempty"`
	AppliedEvalSlice int               `json:"applied_eval_slice"`
	AppliedEval      []*fieldmap.Stats `json:"applied_eval,omitempty"`
}

// SaveResults writes a summary and the encoded exam state to
// <root>/results/<exam>/<timestamp> and returns that directory.
func (t *Tool) SaveResults() (string, error) {
	e := t.Exam()
	if e.Background == nil {
		return "", fmt.Errorf("save results: %w: no background", ErrNotReady)
	}
	now := t.clock.Now()
	dir := filepath.Join(t.cfg.RootDir, "results", t.examNumber(), now.Format("20060102-150405"))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("save results: %w", err)
	}

	summary := ResultsSummary{
		ExamNumber:       t.examNumber(),
		SavedAt:          now.Format("2006-01-02T15:04:05Z07:00"),
		NumLoops:         t.numLoops,
		ShimMode:         e.ShimMode.String(),
		Principal:        e.Principal,
		Solutions:        e.Solutions,
		Applied:          e.Applied,
		BackgroundStats:  e.Stats[StatsBackground],
		ExpectedStats:    e.Stats[StatsExpected],
		ShimmedStats:     e.Stats[StatsShimmed],
		AppliedEvalSlice: e.AppliedEvalSlice,
		AppliedEval:      e.AppliedEval,
	}
	b, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return "", fmt.Errorf("save results: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, ResultsSummaryFile), b, 0o644); err != nil {
		return "", fmt.Errorf("save results: %w", err)
	}

	blob, err := encodeState(toSaved(&e, t.numLoops))
	if err != nil {
		return "", fmt.Errorf("save results: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, ResultsStateFile), blob, 0o644); err != nil {
		return "", fmt.Errorf("save results: %w", err)
	}
	t.Logf("results saved to %s", dir)
	return dir, nil
}
