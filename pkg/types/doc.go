// Package types defines the shared value types of the loss engine: the
// building Record read from a dataset and the AggregateResult produced by
// one engine run. Both the CLI and the server use these in-memory forms;
// wire formats (JSON, protobuf Struct) are converted at the edges.
package types
