package rules

import (
	"time"
)

// FileResult is the outcome of running the engine over a single tag file.
type FileResult struct {
	File      string        `json:"file"`
	Format    string        `json:"format"`
	Schema    string        `json:"schema,omitempty"`
	Converted bool          `json:"converted,omitempty"`
	Checks    []CheckResult `json:"checks,omitempty"`
	Entries   []RepairEntry `json:"entries,omitempty"`
	Err       string        `json:"error,omitempty"`
}

// Clean reports whether the file had no mismatches and no processing error.
func (r FileResult) Clean() bool {
	return r.Err == "" && len(r.Entries) == 0
}

// BatchSummary aggregates per-file outcomes for display and reporting.
type BatchSummary struct {
	Files     int `json:"files"`
	Clean     int `json:"clean"`
	Repaired  int `json:"repaired"`
	Converted int `json:"converted"`
	Failed    int `json:"failed"`
	Repairs   int `json:"repairs"`
}

// BatchReport is the serializable result of one scan or fix run.
type BatchReport struct {
	Ts      time.Time    `json:"ts"`
	Mode    string       `json:"mode"`
	Root    string       `json:"root,omitempty"`
	Results []FileResult `json:"results"`
	Summary BatchSummary `json:"summary"`
}

// NewBatchReport returns an empty report stamped with the current time.
func NewBatchReport(mode Mode, root string) *BatchReport {
	return &BatchReport{Ts: time.Now().UTC(), Mode: mode.String(), Root: root}
}

// Add records one file outcome and folds it into the summary.
func (b *BatchReport) Add(r FileResult) {
	b.Results = append(b.Results, r)
	b.Summary.Files++
	switch {
	case r.Err != "":
		b.Summary.Failed++
	case r.Clean():
		b.Summary.Clean++
	default:
		b.Summary.Repaired++
		b.Summary.Repairs += len(r.Entries)
	}
	if r.Converted {
		b.Summary.Converted++
	}
}
