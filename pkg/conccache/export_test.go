package conccache

import "time"

// SetNowForTest replaces the status clock and returns a restore func.
func SetNowForTest(f func() time.Time) func() {
	prev := nowFunc
	nowFunc = f

	return func() { nowFunc = prev }
}
