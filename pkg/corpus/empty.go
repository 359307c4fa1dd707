package corpus

// EmptyConc stands for "no reusable result".
type EmptyConc struct {
	corp Corpus
}

// NewEmptyConc returns the empty result of corp.
func NewEmptyConc(corp Corpus) *EmptyConc {
	return &EmptyConc{corp: corp}
}

// IsEmpty reports whether c is an EmptyConc (or nil).
func IsEmpty(c Concordance) bool {
	if c == nil {
		return true
	}

	_, ok := c.(*EmptyConc)

	return ok
}

func (e *EmptyConc) Corpus() Corpus          { return e.corp }
func (e *EmptyConc) Size() int               { return 0 }
func (e *EmptyConc) FullSize() int           { return 0 }
func (e *EmptyConc) RelSize() float64        { return 0 }
func (e *EmptyConc) ComputeARF() float64     { return 0 }
func (e *EmptyConc) Finished() bool          { return true }
func (e *EmptyConc) Sync() error             { return nil }
func (e *EmptyConc) Save(string, bool) error { return ErrEmptyConc }

// ExecCommand always fails: there is nothing to operate on.
func (e *EmptyConc) ExecCommand(byte, string) error { return ErrEmptyConc }
