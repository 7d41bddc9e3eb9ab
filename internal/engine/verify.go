package engine

import (
	"fmt"

	"github.com/mivren/segmux/internal/models"
)

// Verify compares the number of persisted segments against the manifest's
// segment count for one rendition. Mismatches produce a warning, never an
// abort: a stream with a short tail segment is still worth keeping.
func Verify(rendition *models.Rendition, report *models.FetchReport) models.VerifyResult {
	res := models.VerifyResult{
		RenditionID: rendition.ID,
		Expected:    len(rendition.Segments),
		Got:         report.SegmentsCompleted + report.SegmentsSkipped,
	}
	if res.Got != res.Expected {
		res.Warning = fmt.Sprintf(
			"rendition %s: %d of %d segments on disk",
			rendition.ID, res.Got, res.Expected,
		)
	}
	return res
}
