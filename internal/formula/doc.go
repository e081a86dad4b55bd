// Package formula provides the pure per-record loss functions the engine
// applies to each chunk.
//
// Formula.Compute(records, Params) returns a Batch holding one loss per
// record, in input order, and their in-order sum. Implementations:
//   - Exponential ("exponential", default): column-wise evaluation with
//     gonum/floats of cost * exp(inflation * area / 1000) * hazard / (1+d)^n
//   - Scalar ("exponential-scalar"): the same formula record by record,
//     used as the reference for the vectorised path
//   - Maintenance ("maintenance"): the additive variant that compounds
//     cost * area by inflation and adds a maintenance perpetuity
//
// Records outside the domain (NaN or infinite fields, negative area or
// cost, hazard outside [0, 1]) are rejected with a *RecordError wrapping
// ErrMalformedRecord. Non-finite results wrap ErrDomain.
package formula
