package textengine

import (
	"context"
	"fmt"
	"math/rand/v2"
	"regexp"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Sumatoshi-tech/concache/pkg/corpus"
	"github.com/Sumatoshi-tech/concache/pkg/safeconv"
)

// Seeds of the deterministic random operations.
const (
	sampleSeed  = 0x5eed_0001
	shuffleSeed = 0x5eed_0002
)

// Conc is a concordance over a text corpus. Hits are token positions.
type Conc struct {
	corp *Corpus

	mu       sync.RWMutex
	hits     []uint32
	fullSize int
	finished bool
	err      error

	done chan struct{}
}

func newConc(c *Corpus) *Conc {
	return &Conc{corp: c, done: make(chan struct{})}
}

func loadedConc(c *Corpus, hdr fileHeader, hits []uint32) *Conc {
	conc := &Conc{
		corp:     c,
		hits:     hits,
		fullSize: hdr.FullSize,
		finished: true,
		done:     make(chan struct{}),
	}
	close(conc.done)

	return conc
}

func (c *Conc) scan(ctx context.Context, re *regexp.Regexp, samplesize, batchSize int, delay time.Duration) {
	defer close(c.done)

	var batch []uint32

	flush := func() {
		c.mu.Lock()
		c.hits = append(c.hits, batch...)
		c.fullSize = len(c.hits)
		c.mu.Unlock()

		batch = batch[:0]
	}

	scanned := 0

	for _, sp := range c.corp.spans {
		for pos := sp.start; pos < sp.end; pos++ {
			if re.MatchString(c.corp.tokens[pos]) {
				batch = append(batch, safeconv.MustIntToUint32(pos))
			}

			scanned++
			if scanned%batchSize != 0 {
				continue
			}

			flush()

			err := pause(ctx, delay)
			if err != nil {
				c.fail(err)

				return
			}
		}
	}

	flush()

	c.mu.Lock()
	defer c.mu.Unlock()

	if samplesize > 0 && samplesize < len(c.hits) {
		c.hits = sample(c.hits, samplesize, sampleSeed)
	}

	c.finished = true
}

func pause(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(delay):
		return nil
	}
}

func (c *Conc) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.err = err
	c.finished = true
}

// Corpus returns the corpus the concordance belongs to.
func (c *Conc) Corpus() corpus.Corpus { return c.corp }

// Size returns the number of hits available so far.
func (c *Conc) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.hits)
}

// FullSize returns the number of hits before sampling.
func (c *Conc) FullSize() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.fullSize
}

// RelSize returns hits per million tokens.
func (c *Conc) RelSize() float64 {
	return relSize(c.Size(), c.corp.Size())
}

// Finished reports whether the scan has completed.
func (c *Conc) Finished() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.finished
}

// Sync waits for the scan and returns its error.
func (c *Conc) Sync() error {
	<-c.done

	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.err
}

// Hits returns a copy of the hit positions.
func (c *Conc) Hits() []uint32 {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return slices.Clone(c.hits)
}

// Save writes the current hits to path. A partial save is marked unfinished.
func (c *Conc) Save(path string, partial bool) error {
	c.mu.RLock()
	hits := slices.Clone(c.hits)
	hdr := fileHeader{Finished: !partial && c.finished && c.err == nil, FullSize: c.fullSize}
	c.mu.RUnlock()

	return writeConcFile(path, hdr, hits)
}

// ComputeARF returns the average reduced frequency of the hits.
//
// With N tokens and f hits, the corpus is cut into f windows of length N/f;
// ARF sums min(distance, N/f) over the cyclic gaps between sorted hits.
func (c *Conc) ComputeARF() float64 {
	hits := c.Hits()
	n := float64(c.corp.Size())
	f := len(hits)

	if f == 0 || n == 0 {
		return 0
	}

	slices.Sort(hits)

	window := n / float64(f)
	total := min(float64(hits[0])+n-float64(hits[f-1]), window)

	for i := 1; i < f; i++ {
		total += min(float64(hits[i]-hits[i-1]), window)
	}

	return total / window
}

// ExecCommand applies an operation to a finished concordance.
func (c *Conc) ExecCommand(op byte, args string) error {
	err := c.Sync()
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	switch op {
	case opPositive, opNegative:
		return c.filter(args, op == opPositive)
	case opSample:
		n, convErr := strconv.Atoi(strings.TrimSpace(args))
		if convErr != nil || n < 0 {
			return fmt.Errorf("%w: bad sample size %q", corpus.ErrUnknownOp, args)
		}

		if n < len(c.hits) {
			c.hits = sample(c.hits, n, sampleSeed)
		}
	case opShuffle:
		rng := rand.New(rand.NewPCG(shuffleSeed, safeconv.IntToUint64(len(c.hits))))
		rng.Shuffle(len(c.hits), func(i, j int) { c.hits[i], c.hits[j] = c.hits[j], c.hits[i] })
	case opSort:
		tokens := c.corp.tokens
		sort.SliceStable(c.hits, func(i, j int) bool {
			a, b := tokens[c.hits[i]], tokens[c.hits[j]]
			if a != b {
				return a < b
			}

			return c.hits[i] < c.hits[j]
		})
	case opAligned, 'g', 'a', 'e':
	default:
		return fmt.Errorf("%w: %q", corpus.ErrUnknownOp, string(op))
	}

	return nil
}

// filter keeps hits having (or, when positive is false, lacking) a token
// matching the pattern within ctx tokens on either side in the same document.
func (c *Conc) filter(args string, positive bool) error {
	width, pattern, ok := strings.Cut(strings.TrimSpace(args), " ")
	if !ok {
		return fmt.Errorf("%w: filter needs \"<ctx> <regex>\", got %q", corpus.ErrUnknownOp, args)
	}

	reach, err := strconv.Atoi(width)
	if err != nil || reach < 0 {
		return fmt.Errorf("%w: bad filter context %q", corpus.ErrUnknownOp, width)
	}

	re, err := regexp.Compile("^(?:" + strings.TrimSpace(pattern) + ")$")
	if err != nil {
		return fmt.Errorf("compile filter %q: %w", pattern, err)
	}

	kept := c.hits[:0]

	for _, hit := range c.hits {
		if c.contextMatches(int(hit), reach, re) == positive {
			kept = append(kept, hit)
		}
	}

	c.hits = kept
	c.fullSize = len(kept)

	return nil
}

func (c *Conc) contextMatches(pos, reach int, re *regexp.Regexp) bool {
	doc := c.corp.docOf[pos]
	lo := max(0, pos-reach)
	hi := min(len(c.corp.tokens)-1, pos+reach)

	for i := lo; i <= hi; i++ {
		if i == pos || c.corp.docOf[i] != doc {
			continue
		}

		if re.MatchString(c.corp.tokens[i]) {
			return true
		}
	}

	return false
}

// sample picks n hits deterministically, keeping their relative order.
func sample(hits []uint32, n int, seed uint64) []uint32 {
	rng := rand.New(rand.NewPCG(seed, safeconv.IntToUint64(len(hits))))
	idx := rng.Perm(len(hits))[:n]
	slices.Sort(idx)

	out := make([]uint32, n)
	for i, j := range idx {
		out[i] = hits[j]
	}

	return out
}
