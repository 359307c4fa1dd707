package conccache

import (
	"fmt"
	"strconv"
	"strings"
)

// unknownErrorText replaces empty error messages so a failure is never lost.
const unknownErrorText = "unknown error"

// StatusPatch is a partial CalcStatus update. Only fields set through the
// builder methods are applied.
type StatusPatch struct {
	taskID      *string
	pid         *int
	concSize    *int
	fullSize    *int
	relConcSize *float64
	arf         *float64
	arfSet      bool
	err         *string
	finished    *bool
}

// Patch starts an empty status patch.
func Patch() StatusPatch {
	return StatusPatch{}
}

// TaskID sets the owning task identifier.
func (p StatusPatch) TaskID(id string) StatusPatch {
	p.taskID = &id

	return p
}

// PID sets the producing process identifier.
func (p StatusPatch) PID(pid int) StatusPatch {
	p.pid = &pid

	return p
}

// ConcSize sets the current number of result rows.
func (p StatusPatch) ConcSize(n int) StatusPatch {
	p.concSize = &n

	return p
}

// FullSize sets the full (unsampled) result size.
func (p StatusPatch) FullSize(n int) StatusPatch {
	p.fullSize = &n

	return p
}

// RelConcSize sets the relative size (hits per million tokens).
func (p StatusPatch) RelConcSize(v float64) StatusPatch {
	p.relConcSize = &v

	return p
}

// ARF sets the average reduced frequency. A nil value clears it.
func (p StatusPatch) ARF(v *float64) StatusPatch {
	if v != nil {
		cp := *v
		p.arf = &cp
	} else {
		p.arf = nil
	}

	p.arfSet = true

	return p
}

// Err records a failure. A nil error leaves the field untouched.
func (p StatusPatch) Err(err error) StatusPatch {
	if err == nil {
		return p
	}

	return p.ErrText(err.Error())
}

// ErrText records a failure message.
func (p StatusPatch) ErrText(msg string) StatusPatch {
	if msg == "" {
		msg = unknownErrorText
	}

	p.err = &msg

	return p
}

// Finished sets the terminal flag.
func (p StatusPatch) Finished(v bool) StatusPatch {
	p.finished = &v

	return p
}

// Merge returns p with every field set in other applied over it.
func (p StatusPatch) Merge(other StatusPatch) StatusPatch {
	if other.taskID != nil {
		p.taskID = other.taskID
	}

	if other.pid != nil {
		p.pid = other.pid
	}

	if other.concSize != nil {
		p.concSize = other.concSize
	}

	if other.fullSize != nil {
		p.fullSize = other.fullSize
	}

	if other.relConcSize != nil {
		p.relConcSize = other.relConcSize
	}

	if other.arfSet {
		p.arf = other.arf
		p.arfSet = true
	}

	if other.err != nil {
		p.err = other.err
	}

	if other.finished != nil {
		p.finished = other.finished
	}

	return p
}

// ParsePatch builds a patch from textual name=value pairs as typed by an operator.
// Names follow the JSON field names of CalcStatus. Unknown names fail with
// ErrUnknownAttribute.
func ParsePatch(fields map[string]string) (StatusPatch, error) {
	p := Patch()

	for name, raw := range fields {
		var err error

		switch strings.TrimSpace(name) {
		case "task_id":
			p = p.TaskID(raw)
		case "pid":
			var v int

			v, err = strconv.Atoi(raw)
			p = p.PID(v)
		case "concsize":
			var v int

			v, err = strconv.Atoi(raw)
			p = p.ConcSize(v)
		case "fullsize":
			var v int

			v, err = strconv.Atoi(raw)
			p = p.FullSize(v)
		case "relconcsize":
			var v float64

			v, err = strconv.ParseFloat(raw, 64)
			p = p.RelConcSize(v)
		case "arf":
			if raw == "" || raw == "null" {
				p = p.ARF(nil)

				continue
			}

			var v float64

			v, err = strconv.ParseFloat(raw, 64)
			p = p.ARF(&v)
		case "error":
			p = p.ErrText(raw)
		case "finished":
			var v bool

			v, err = strconv.ParseBool(raw)
			p = p.Finished(v)
		default:
			return StatusPatch{}, fmt.Errorf("%w: %s", ErrUnknownAttribute, name)
		}

		if err != nil {
			return StatusPatch{}, fmt.Errorf("parse %s: %w", name, err)
		}
	}

	return p, nil
}
