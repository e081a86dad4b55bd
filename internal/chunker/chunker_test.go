package chunker

import (
	"errors"
	"strconv"
	"testing"

	"github.com/perilstack/lossengine/pkg/types"
)

func makeRecords(n int) []types.Record {
	out := make([]types.Record, n)
	for i := range out {
		out[i] = types.Record{ID: strconv.Itoa(i), FloorArea: float64(i)}
	}
	return out
}

func TestNew_InvalidSize(t *testing.T) {
	for _, size := range []int{0, -1, -100} {
		if _, err := New(makeRecords(3), size); !errors.Is(err, ErrInvalidSize) {
			t.Errorf("New(size=%d) err = %v, want ErrInvalidSize", size, err)
		}
	}
}

func TestNext_Partition(t *testing.T) {
	// Concatenating chunks must reconstruct the input for every length and size.
	for n := 0; n <= 17; n++ {
		for size := 1; size <= 7; size++ {
			t.Run(strconv.Itoa(n)+"/"+strconv.Itoa(size), func(t *testing.T) {
				recs := makeRecords(n)
				c, err := New(recs, size)
				if err != nil {
					t.Fatalf("New: %v", err)
				}

				var joined []types.Record
				var chunks []Chunk
				for ch, ok := c.Next(); ok; ch, ok = c.Next() {
					chunks = append(chunks, ch)
					joined = append(joined, ch.Records...)
				}

				if len(joined) != n {
					t.Fatalf("joined len = %d, want %d", len(joined), n)
				}
				for i := range recs {
					if joined[i] != recs[i] {
						t.Fatalf("joined[%d] = %+v, want %+v", i, joined[i], recs[i])
					}
				}
				if len(chunks) != c.Len() {
					t.Errorf("chunks = %d, Len() = %d", len(chunks), c.Len())
				}

				for i, ch := range chunks {
					if ch.Index != i {
						t.Errorf("chunk %d Index = %d", i, ch.Index)
					}
					if ch.Offset != i*size {
						t.Errorf("chunk %d Offset = %d, want %d", i, ch.Offset, i*size)
					}
					last := i == len(chunks)-1
					if !last && len(ch.Records) != size {
						t.Errorf("chunk %d len = %d, want %d", i, len(ch.Records), size)
					}
					if last {
						want := n % size
						if want == 0 {
							want = size
						}
						if len(ch.Records) != want {
							t.Errorf("last chunk len = %d, want %d", len(ch.Records), want)
						}
					}
				}
			})
		}
	}
}

func TestNext_EmptyInput(t *testing.T) {
	c, err := New(nil, 4)
	if err != nil {
		t.Fatalf("New(nil): %v", err)
	}
	if _, ok := c.Next(); ok {
		t.Error("Next() on empty input returned a chunk")
	}
	if c.Len() != 0 {
		t.Errorf("Len() = %d, want 0", c.Len())
	}
}

func TestNext_NotRestartable(t *testing.T) {
	c, _ := New(makeRecords(3), 2)
	for _, ok := c.Next(); ok; _, ok = c.Next() {
	}
	if _, ok := c.Next(); ok {
		t.Error("exhausted Chunker yielded another chunk")
	}
	for range c.All() {
		t.Fatal("All() on exhausted Chunker yielded a chunk")
	}
}

func TestChunk_DoesNotGrowIntoNeighbour(t *testing.T) {
	recs := makeRecords(4)
	c, _ := New(recs, 2)
	first, _ := c.Next()

	// Appending to a chunk must not overwrite the next chunk's records.
	_ = append(first.Records, types.Record{ID: "x"})
	if recs[2].ID != "2" {
		t.Errorf("append to chunk clobbered neighbour: recs[2].ID = %q", recs[2].ID)
	}
}

func TestAll_StopsEarly(t *testing.T) {
	c, _ := New(makeRecords(10), 3)
	seen := 0
	for ch := range c.All() {
		seen++
		if ch.Index == 1 {
			break
		}
	}
	if seen != 2 {
		t.Fatalf("seen = %d, want 2", seen)
	}
	// The third chunk is still available.
	ch, ok := c.Next()
	if !ok || ch.Index != 2 {
		t.Errorf("Next after early break = (%d, %v), want (2, true)", ch.Index, ok)
	}
}

func TestSize(t *testing.T) {
	tests := []struct {
		n, workers, want int
	}{
		{0, 4, 1},
		{1, 4, 1},
		{3, 1, 3},
		{3, 2, 2},
		{3, 3, 1},
		{10, 3, 4},
		{10, 0, 10},
		{1_000_000, 6, 166_667},
	}
	for _, tc := range tests {
		if got := Size(tc.n, tc.workers); got != tc.want {
			t.Errorf("Size(%d, %d) = %d, want %d", tc.n, tc.workers, got, tc.want)
		}
	}
}

func TestSize_AtMostWorkersChunks(t *testing.T) {
	for n := 1; n <= 50; n++ {
		for w := 1; w <= 12; w++ {
			if got := Count(n, Size(n, w)); got > w {
				t.Errorf("n=%d workers=%d: %d chunks", n, w, got)
			}
		}
	}
}
