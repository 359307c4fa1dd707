// Package conccache tracks concordance calculations and maps query prefixes
// to cached concordance files.
package conccache

import (
	"fmt"
	"os"
	"time"
)

// nowFunc is the clock used for all status timestamps.
var nowFunc = time.Now

// CalcStatus records the progress and outcome of one concordance calculation attempt.
//
// Error and Finished are independent flags; either one means the entry no longer
// progresses. A consumer must check Failed before treating Finished as success.
type CalcStatus struct {
	// TaskID identifies the worker task owning the entry. Empty means none.
	TaskID string `json:"task_id,omitempty" yaml:"task_id,omitempty"`

	// PID is the process identifier of the producing worker (diagnostic only).
	PID int `json:"pid" yaml:"pid"`

	// Created is the unix time (seconds) of the first write.
	Created int64 `json:"created" yaml:"created"`

	// LastUpd is the unix time (seconds) of the last update. It never decreases
	// and is the only clock used for stall detection.
	LastUpd int64 `json:"last_upd" yaml:"last_upd"`

	ConcSize    int     `json:"concsize" yaml:"concsize"`
	FullSize    int     `json:"fullsize" yaml:"fullsize"`
	RelConcSize float64 `json:"relconcsize" yaml:"relconcsize"`

	// ARF is set only on final results of whole-corpus calculations.
	ARF *float64 `json:"arf" yaml:"arf"`

	// Error is the failure message. Non-empty means permanently failed.
	Error string `json:"error,omitempty" yaml:"error,omitempty"`

	Finished bool `json:"finished" yaml:"finished"`
}

// NewCalcStatus creates a status owned by the current process.
func NewCalcStatus(taskID string) *CalcStatus {
	created := nowFunc().Unix()

	return &CalcStatus{
		TaskID:  taskID,
		PID:     os.Getpid(),
		Created: created,
		LastUpd: created,
	}
}

// Failed reports whether the calculation ended with an error.
func (s *CalcStatus) Failed() bool {
	return s.Error != ""
}

// TestError returns a *CalcStatusError when the calculation failed, or when it
// is unfinished and has not been updated for longer than timeLimit.
func (s *CalcStatus) TestError(timeLimit time.Duration) error {
	return s.TestErrorAt(timeLimit, nowFunc())
}

// TestErrorAt is TestError evaluated at now.
func (s *CalcStatus) TestErrorAt(timeLimit time.Duration, now time.Time) error {
	if s.Failed() {
		return &CalcStatusError{Msg: s.Error}
	}

	idle := now.Sub(time.Unix(s.LastUpd, 0))

	if !s.Finished && idle > timeLimit {
		return &CalcStatusError{
			Msg: fmt.Sprintf("wait limit for initial data exceeded (waited %.0fs, limit: %.0fs)",
				idle.Seconds(), timeLimit.Seconds()),
			Stalled: true,
		}
	}

	return nil
}

// CreatedBefore reports whether the record was created before t, e.g. before
// the last change of the corpus data.
func (s *CalcStatus) CreatedBefore(t time.Time) bool {
	return time.Unix(s.Created, 0).Before(t)
}

// HasSomeResult reports whether the entry satisfies the minsize acceptance rule.
//
// minsize -1 accepts only a finished result, 0 accepts any record with rows,
// and a positive value accepts once at least that many rows exist.
func (s *CalcStatus) HasSomeResult(minsize int) bool {
	if minsize == -1 && s.Finished {
		return true
	}

	return s.ConcSize > 0 && s.ConcSize >= minsize
}

// Update applies the fields present in p and refreshes LastUpd.
func (s *CalcStatus) Update(p StatusPatch) *CalcStatus {
	if p.taskID != nil {
		s.TaskID = *p.taskID
	}

	if p.pid != nil {
		s.PID = *p.pid
	}

	if p.concSize != nil {
		s.ConcSize = *p.concSize
	}

	if p.fullSize != nil {
		s.FullSize = *p.fullSize
	}

	if p.relConcSize != nil {
		s.RelConcSize = *p.relConcSize
	}

	if p.arfSet {
		s.ARF = p.arf
	}

	if p.err != nil {
		s.Error = *p.err
	}

	if p.finished != nil {
		s.Finished = *p.finished
	}

	s.LastUpd = max(s.LastUpd, nowFunc().Unix())

	return s
}

// Clone returns a deep copy of the status.
func (s *CalcStatus) Clone() *CalcStatus {
	if s == nil {
		return nil
	}

	out := *s

	if s.ARF != nil {
		arf := *s.ARF
		out.ARF = &arf
	}

	return &out
}
