package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrWorkerFailure marks a worker that crashed while computing a chunk.
	ErrWorkerFailure = errors.New("worker failure")

	// ErrInconsistent marks an aggregation whose chunk results do not tile
	// the dataset exactly. It indicates a bug, not bad input.
	ErrInconsistent = errors.New("aggregate inconsistent")

	// ErrInvalidWorkers is returned when fewer than one worker is requested.
	ErrInvalidWorkers = errors.New("worker count must be at least 1")
)

// ChunkError reports the chunk whose computation failed. Start and End are
// global record positions, End exclusive.
type ChunkError struct {
	Chunk int
	Start int
	End   int
	Err   error
}

func (e *ChunkError) Error() string {
	return fmt.Sprintf("engine: chunk %d [%d, %d): %v", e.Chunk, e.Start, e.End, e.Err)
}

func (e *ChunkError) Unwrap() error { return e.Err }
