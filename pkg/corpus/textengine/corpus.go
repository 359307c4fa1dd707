package textengine

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/Sumatoshi-tech/concache/pkg/safeconv"
)

// errCorpusTooLarge is returned for corpora whose positions do not fit a hit.
var errCorpusTooLarge = errors.New("corpus exceeds the addressable token count")

// span is a half-open token range [start, end).
type span struct {
	start, end int
}

// Corpus is a plain-text corpus, one document per line, optionally
// restricted to the documents of a subcorpus.
type Corpus struct {
	name     string
	subcname string
	subchash string

	tokens []string
	docOf  []int32
	spans  []span
	size   int64
}

// Name returns the corpus name.
func (c *Corpus) Name() string { return c.name }

// SubcName returns the subcorpus name, empty for the whole corpus.
func (c *Corpus) SubcName() string { return c.subcname }

// IsSubcorpus reports whether the corpus is restricted to a subcorpus.
func (c *Corpus) IsSubcorpus() bool { return c.subcname != "" }

// SubcHash returns the subcorpus fingerprint, empty for the whole corpus.
func (c *Corpus) SubcHash() string { return c.subchash }

// Size returns the number of tokens in the (sub)corpus.
func (c *Corpus) Size() int64 { return c.size }

// Token returns the token at a corpus position.
func (c *Corpus) Token(pos int) string { return c.tokens[pos] }

func loadCorpus(name, path string) (*Corpus, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	c := &Corpus{name: name}

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64<<10), maxLineBytes)

	doc := int32(0)

	for scanner.Scan() {
		for _, tok := range strings.Fields(scanner.Text()) {
			c.tokens = append(c.tokens, tok)
			c.docOf = append(c.docOf, doc)
		}

		doc++
	}

	err = scanner.Err()
	if err != nil {
		return nil, fmt.Errorf("read corpus %s: %w", name, err)
	}

	if uint64(len(c.tokens)) > uint64(safeconv.MaxUint32) {
		return nil, fmt.Errorf("%w: %s", errCorpusTooLarge, name)
	}

	c.spans = []span{{0, len(c.tokens)}}
	c.size = int64(len(c.tokens))

	return c, nil
}

// restrict derives a subcorpus holding the documents listed in the subcorpus file.
func (c *Corpus) restrict(subcname, path string) (*Corpus, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	wanted := map[int32]bool{}

	for i, field := range strings.Fields(string(raw)) {
		n, convErr := strconv.Atoi(field)
		if convErr != nil {
			return nil, fmt.Errorf("subcorpus %s line %d: %w", subcname, i+1, convErr)
		}

		wanted[int32(n)] = true
	}

	sum := sha256.Sum256(append([]byte(path+"\x00"), raw...))

	sub := &Corpus{
		name:     c.name,
		subcname: subcname,
		subchash: hex.EncodeToString(sum[:]),
		tokens:   c.tokens,
		docOf:    c.docOf,
	}

	start := -1

	for pos := 0; pos <= len(c.docOf); pos++ {
		in := pos < len(c.docOf) && wanted[c.docOf[pos]]

		switch {
		case in && start < 0:
			start = pos
		case !in && start >= 0:
			sub.spans = append(sub.spans, span{start, pos})
			sub.size += int64(pos - start)
			start = -1
		}
	}

	return sub, nil
}
