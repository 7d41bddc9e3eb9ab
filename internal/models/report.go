package models

import "time"

// FetchReport summarizes one rendition's download run.
type FetchReport struct {
	RenditionID       string
	SegmentsCompleted int
	SegmentsFailed    int
	SegmentsSkipped   int // already present from a previous session
	Retries           int
	TotalBytes        int64
	Elapsed           time.Duration
}

// VerifyResult is the outcome of post-download integrity checks.
// Mismatches are warnings only; live manifests legitimately vary their
// segment counts between refreshes.
type VerifyResult struct {
	RenditionID string
	Expected    int
	Got         int
	Warning     string
}

// OK reports whether verification passed without warnings.
func (v VerifyResult) OK() bool { return v.Warning == "" }

// DownloadResult aggregates the orchestrator's per-rendition outcome.
type DownloadResult struct {
	Reports  []*FetchReport
	Warnings []string

	// Subtitle renditions that failed and were excluded from the merge.
	DegradedSubtitles []string

	// Path of the merged output file, set once the merge succeeds.
	OutputPath string
}

// Report returns the fetch report for a rendition id, or nil.
func (d *DownloadResult) Report(renditionID string) *FetchReport {
	for _, r := range d.Reports {
		if r.RenditionID == renditionID {
			return r
		}
	}
	return nil
}

// TotalBytes returns the bytes downloaded across all renditions.
func (d *DownloadResult) TotalBytes() int64 {
	var n int64
	for _, r := range d.Reports {
		n += r.TotalBytes
	}
	return n
}
