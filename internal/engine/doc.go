// Package engine runs the loss formula over a dataset in parallel.
//
// workers.go holds the worker-count policy: WorkerCount reserves two
// hardware threads and never returns less than one; AvailableParallelism
// reads the logical CPU count via gopsutil.
//
// engine.go provides Engine.Run, the dispatcher: it sizes chunks as
// ceil(N/workers), hands each chunk to a pool built for that run
// (pool.go), and joins the results with Combine (aggregate.go) in chunk
// submission order so that output order and the floating-point total are
// reproducible regardless of which worker finishes first.
//
// Failures are all-or-nothing. A malformed record, a non-finite result or a
// panicking formula fails the run with a *ChunkError carrying the chunk's
// record range; partial totals are never returned.
package engine
