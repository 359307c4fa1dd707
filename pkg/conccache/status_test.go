package conccache_test

import (
	"encoding/json"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sumatoshi-tech/concache/pkg/conccache"
)

const testTimeLimit = 300 * time.Second

func fixedClock(t *testing.T, at time.Time) *time.Time {
	t.Helper()

	now := at
	restore := conccache.SetNowForTest(func() time.Time { return now })
	t.Cleanup(restore)

	return &now
}

func TestNewCalcStatus(t *testing.T) {
	now := fixedClock(t, time.Unix(1_700_000_000, 0))

	s := conccache.NewCalcStatus("task-1")

	assert.Equal(t, "task-1", s.TaskID)
	assert.Equal(t, os.Getpid(), s.PID)
	assert.Equal(t, now.Unix(), s.Created)
	assert.Equal(t, s.Created, s.LastUpd)
	assert.False(t, s.Finished)
	assert.False(t, s.Failed())
	assert.Nil(t, s.ARF)
}

func TestTestError_ErrorSet(t *testing.T) {
	fixedClock(t, time.Unix(1_700_000_000, 0))

	s := conccache.NewCalcStatus("")
	s.Update(conccache.Patch().ErrText("boom").Finished(true))

	err := s.TestError(testTimeLimit)
	require.Error(t, err)
	assert.ErrorIs(t, err, conccache.ErrCalcStatus)
	assert.Equal(t, "boom", err.Error())

	var statusErr *conccache.CalcStatusError
	require.ErrorAs(t, err, &statusErr)
	assert.False(t, statusErr.Stalled)
}

func TestTestError_Stalled(t *testing.T) {
	now := fixedClock(t, time.Unix(1_700_000_000, 0))

	s := conccache.NewCalcStatus("")
	*now = now.Add(testTimeLimit + 5*time.Second)

	err := s.TestError(testTimeLimit)
	require.Error(t, err)

	var statusErr *conccache.CalcStatusError
	require.ErrorAs(t, err, &statusErr)
	assert.True(t, statusErr.Stalled)
	assert.Contains(t, err.Error(), "305s")
	assert.Contains(t, err.Error(), "300s")
}

func TestTestError_FinishedNeverStalls(t *testing.T) {
	now := fixedClock(t, time.Unix(1_700_000_000, 0))

	s := conccache.NewCalcStatus("")
	s.Update(conccache.Patch().Finished(true))
	*now = now.Add(24 * time.Hour)

	assert.NoError(t, s.TestError(testTimeLimit))
}

func TestTestError_WithinLimit(t *testing.T) {
	now := fixedClock(t, time.Unix(1_700_000_000, 0))

	s := conccache.NewCalcStatus("")
	*now = now.Add(testTimeLimit)

	assert.NoError(t, s.TestError(testTimeLimit))
}

func TestHasSomeResult(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		status   conccache.CalcStatus
		minsize  int
		expected bool
	}{
		{"finished full wait", conccache.CalcStatus{Finished: true}, -1, true},
		{"unfinished full wait", conccache.CalcStatus{ConcSize: 0}, -1, false},
		{"any rows accepted", conccache.CalcStatus{ConcSize: 1}, 0, true},
		{"no rows", conccache.CalcStatus{}, 0, false},
		{"enough rows", conccache.CalcStatus{ConcSize: 100}, 100, true},
		{"not enough rows", conccache.CalcStatus{ConcSize: 99}, 100, false},
		{"finished but empty", conccache.CalcStatus{Finished: true}, 10, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, tt.expected, tt.status.HasSomeResult(tt.minsize))
		})
	}
}

func TestUpdate_LastUpdNeverDecreases(t *testing.T) {
	now := fixedClock(t, time.Unix(1_700_000_000, 0))

	s := conccache.NewCalcStatus("")
	*now = now.Add(10 * time.Second)
	s.Update(conccache.Patch().ConcSize(5))
	assert.Equal(t, int64(1_700_000_010), s.LastUpd)

	// A clock step backwards must not move LastUpd back.
	*now = now.Add(-time.Minute)
	s.Update(conccache.Patch())
	assert.Equal(t, int64(1_700_000_010), s.LastUpd)
}

func TestUpdate_AppliesOnlyPresentFields(t *testing.T) {
	t.Parallel()

	arf := 12.5
	s := &conccache.CalcStatus{TaskID: "a", ConcSize: 3, FullSize: 7, ARF: &arf}

	s.Update(conccache.Patch().Finished(true).RelConcSize(1.5))

	assert.Equal(t, "a", s.TaskID)
	assert.Equal(t, 3, s.ConcSize)
	assert.Equal(t, 7, s.FullSize)
	require.NotNil(t, s.ARF)
	assert.InDelta(t, 12.5, *s.ARF, 1e-9)
	assert.True(t, s.Finished)
	assert.InDelta(t, 1.5, s.RelConcSize, 1e-9)

	s.Update(conccache.Patch().ARF(nil))
	assert.Nil(t, s.ARF)
}

func TestPatch_MergeOverrides(t *testing.T) {
	t.Parallel()

	arf := 0.5
	base := conccache.Patch().ConcSize(10).Finished(false).TaskID("old")
	s := &conccache.CalcStatus{}

	s.Update(base.Merge(conccache.Patch().Finished(true).ARF(&arf).TaskID("new")))

	assert.Equal(t, 10, s.ConcSize)
	assert.True(t, s.Finished)
	assert.Equal(t, "new", s.TaskID)
	require.NotNil(t, s.ARF)
	assert.InDelta(t, 0.5, *s.ARF, 1e-9)
}

func TestPatch_ErrNilKeepsStatus(t *testing.T) {
	t.Parallel()

	s := &conccache.CalcStatus{}
	s.Update(conccache.Patch().Err(nil))
	assert.False(t, s.Failed())

	s.Update(conccache.Patch().Err(errors.New("")))
	assert.Equal(t, "unknown error", s.Error)
}

func TestClone_IsDeep(t *testing.T) {
	t.Parallel()

	arf := 1.0
	s := &conccache.CalcStatus{ARF: &arf, ConcSize: 2}
	c := s.Clone()

	*c.ARF = 2
	c.ConcSize = 9

	assert.InDelta(t, 1.0, *s.ARF, 1e-9)
	assert.Equal(t, 2, s.ConcSize)

	var nilStatus *conccache.CalcStatus
	assert.Nil(t, nilStatus.Clone())
}

func TestCalcStatus_JSONFieldNames(t *testing.T) {
	t.Parallel()

	arf := 3.14
	s := conccache.CalcStatus{TaskID: "t", Created: 1, LastUpd: 2, ConcSize: 3, ARF: &arf, Finished: true}

	data, err := json.Marshal(s)
	require.NoError(t, err)

	var fields map[string]any

	require.NoError(t, json.Unmarshal(data, &fields))
	assert.Contains(t, fields, "task_id")
	assert.Contains(t, fields, "last_upd")
	assert.Contains(t, fields, "concsize")
	assert.Contains(t, fields, "arf")
	assert.NotContains(t, fields, "error")
}

func TestParsePatch(t *testing.T) {
	t.Parallel()

	p, err := conccache.ParsePatch(map[string]string{
		"finished": "true",
		"concsize": "42",
		"arf":      "1.25",
		"error":    "broken",
	})
	require.NoError(t, err)

	s := &conccache.CalcStatus{}
	s.Update(p)

	assert.True(t, s.Finished)
	assert.Equal(t, 42, s.ConcSize)
	require.NotNil(t, s.ARF)
	assert.InDelta(t, 1.25, *s.ARF, 1e-9)
	assert.Equal(t, "broken", s.Error)
}

func TestParsePatch_UnknownAttribute(t *testing.T) {
	t.Parallel()

	_, err := conccache.ParsePatch(map[string]string{"colour": "red"})
	require.Error(t, err)
	assert.ErrorIs(t, err, conccache.ErrUnknownAttribute)
}

func TestParsePatch_BadValue(t *testing.T) {
	t.Parallel()

	_, err := conccache.ParsePatch(map[string]string{"concsize": "many"})
	require.Error(t, err)
	assert.NotErrorIs(t, err, conccache.ErrUnknownAttribute)
}

func TestValidateCorpusName(t *testing.T) {
	t.Parallel()

	for _, name := range []string{"susanne", "intercorp_en", "syn2020-v1"} {
		assert.NoError(t, conccache.ValidateCorpusName(name), name)
	}

	for _, name := range []string{"", ".", "..", "../x", "a/b", "a..b", "/abs"} {
		assert.ErrorIs(t, conccache.ValidateCorpusName(name), conccache.ErrInvalidCorpusName, name)
	}
}
