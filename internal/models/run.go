package models

import "time"

// PassResult summarizes one pass over a logical type.
type PassResult struct {
	Key          string
	Added        int
	Removed      int
	Changed      int
	Written      int
	Deleted      int
	Missing      int // deletions with no file on disk
	FailedChunks int
	Err          error
}

// Failed reports whether the pass did not complete.
func (p *PassResult) Failed() bool {
	return p.Err != nil
}

// RunResult summarizes a full run.
type RunResult struct {
	Rule       string
	Passes     []*PassResult
	Skipped    []string
	CommitID   string
	DryRun     bool
	StartedAt  time.Time
	FinishedAt time.Time
}

// Totals sums added, removed and changed over all passes.
func (r *RunResult) Totals() (added, removed, changed int) {
	for _, p := range r.Passes {
		added += p.Added
		removed += p.Removed
		changed += p.Changed
	}
	return
}

// FailedPasses returns the passes that ended with an error.
func (r *RunResult) FailedPasses() []*PassResult {
	var failed []*PassResult
	for _, p := range r.Passes {
		if p.Failed() {
			failed = append(failed, p)
		}
	}
	return failed
}
