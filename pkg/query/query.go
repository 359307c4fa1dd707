// Package query defines concordance query operation sequences.
//
// A query is an ordered list of encoded operations. The first byte of an
// operation is its op code and the rest are its arguments, e.g. "q[Ww]ord",
// "p3 house", "r250", "f" or "x-intercorp_en".
package query

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Operation codes with special meaning for caching.
const (
	// OpShuffle is the shuffle operation; it has no arguments.
	OpShuffle = "f"

	// AlignedPrefix starts an op switching the main corpus of aligned corpora.
	AlignedPrefix = "x-"

	// volatileOps are user specific op codes whose results cannot be cached.
	volatileOps = "gae"
)

// keySeparator joins ops into a canonical key; it never appears in queries.
const keySeparator = "\x1f"

// Query is an ordered sequence of encoded operations.
type Query []string

// Prefix returns the first n operations.
func (q Query) Prefix(n int) Query {
	return q[:n:n]
}

// Key returns the canonical string form used for map keys.
func (q Query) Key() string {
	return strings.Join(q, keySeparator)
}

// String renders the query for logs.
func (q Query) String() string {
	return "[" + strings.Join(q, ", ") + "]"
}

// Equal reports whether two queries hold the same operations.
func (q Query) Equal(other Query) bool {
	if len(q) != len(other) {
		return false
	}

	for i := range q {
		if q[i] != other[i] {
			return false
		}
	}

	return true
}

// Hash returns a hex digest identifying (subchash, q).
func Hash(subchash string, q Query) string {
	sum := sha256.Sum256([]byte(subchash + keySeparator + keySeparator + q.Key()))

	return hex.EncodeToString(sum[:16])
}

// Split separates an encoded operation into its op code and arguments.
func Split(op string) (code byte, args string) {
	if op == "" {
		return 0, ""
	}

	return op[0], op[1:]
}

// IsVolatile reports whether the op code produces user specific results
// that must not be stored in the cache.
func IsVolatile(code byte) bool {
	return code != 0 && strings.IndexByte(volatileOps, code) >= 0
}

// ContainsShuffleSeq reports whether q holds two consecutive shuffle operations.
func ContainsShuffleSeq(q Query) bool {
	prevShuffle := false

	for _, op := range q {
		if op != OpShuffle {
			prevShuffle = false

			continue
		}

		if prevShuffle {
			return true
		}

		prevShuffle = true
	}

	return false
}

// AlignedCorpus returns the main corpus named by the last aligned-switch
// operation of q, if any.
func AlignedCorpus(q Query) (string, bool) {
	for i := len(q) - 1; i >= 0; i-- {
		if name, ok := strings.CutPrefix(q[i], AlignedPrefix); ok {
			return name, true
		}
	}

	return "", false
}
