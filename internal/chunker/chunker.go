package chunker

import (
	"errors"
	"iter"

	"github.com/perilstack/lossengine/pkg/types"
)

// ErrInvalidSize is returned when a chunk size below 1 is requested.
var ErrInvalidSize = errors.New("chunker: chunk size must be at least 1")

// Chunk is a contiguous, order-preserving window over the dataset.
// Records aliases the caller's slice; it must be treated as read-only.
type Chunk struct {
	Index   int
	Offset  int
	Records []types.Record
}

// End returns the exclusive global end position of the chunk.
func (c Chunk) End() int { return c.Offset + len(c.Records) }

// Chunker yields consecutive chunks of at most size records.
// It is single-use: once Next reports false it stays exhausted.
//
// A Chunker is not safe for concurrent use.
type Chunker struct {
	records []types.Record
	size    int
	pos     int
	index   int
}

// New returns a Chunker over records. An empty or nil slice is valid and
// produces zero chunks.
func New(records []types.Record, size int) (*Chunker, error) {
	if size < 1 {
		return nil, ErrInvalidSize
	}
	return &Chunker{records: records, size: size}, nil
}

// Next returns the next chunk, or false once every record has been yielded.
func (c *Chunker) Next() (Chunk, bool) {
	if c.pos >= len(c.records) {
		return Chunk{}, false
	}
	end := c.pos + c.size
	if end > len(c.records) {
		end = len(c.records)
	}
	ch := Chunk{
		Index:   c.index,
		Offset:  c.pos,
		Records: c.records[c.pos:end:end],
	}
	c.pos = end
	c.index++
	return ch, true
}

// All returns an iterator over the remaining chunks. It consumes the
// Chunker the same way Next does.
func (c *Chunker) All() iter.Seq[Chunk] {
	return func(yield func(Chunk) bool) {
		for {
			ch, ok := c.Next()
			if !ok || !yield(ch) {
				return
			}
		}
	}
}

// Len returns the total number of chunks this Chunker yields over its
// lifetime, independent of how many have been consumed.
func (c *Chunker) Len() int {
	return Count(len(c.records), c.size)
}

// Size returns ceil(n / workers), the chunk size that spreads n records over
// at most workers chunks. The result is never below 1 so that it can be
// passed straight to New, even for an empty dataset.
func Size(n, workers int) int {
	if workers < 1 {
		workers = 1
	}
	s := (n + workers - 1) / workers
	if s < 1 {
		return 1
	}
	return s
}

// Count returns how many chunks of size cover n records.
func Count(n, size int) int {
	if n <= 0 || size < 1 {
		return 0
	}
	return (n + size - 1) / size
}
