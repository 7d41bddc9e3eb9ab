package models

import "fmt"

// ParseError reports a malformed or unusable manifest. It is fatal and is
// raised before any segment download starts.
type ParseError struct {
	Dialect string
	Reason  string
	Err     error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("parse %s manifest: %s: %v", e.Dialect, e.Reason, e.Err)
	}
	return fmt.Sprintf("parse %s manifest: %s", e.Dialect, e.Reason)
}

func (e *ParseError) Unwrap() error { return e.Err }

// SelectionError reports that no rendition satisfied the selection request.
type SelectionError struct {
	Reason string
}

func (e *SelectionError) Error() string {
	return "track selection: " + e.Reason
}

// FetchError reports a rendition whose download failed after all retries.
// It names the rendition and segment index so a resumed run can pick up
// exactly where this one stopped.
type FetchError struct {
	RenditionID  string
	SegmentIndex int
	Attempts     int
	Err          error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("rendition %s: segment %d failed after %d attempts: %v",
		e.RenditionID, e.SegmentIndex, e.Attempts, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// MergeError reports a failed remux. The previous output file, if any, is
// left untouched.
type MergeError struct {
	Reason string
	Err    error
}

func (e *MergeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("merge: %s: %v", e.Reason, e.Err)
	}
	return "merge: " + e.Reason
}

func (e *MergeError) Unwrap() error { return e.Err }
