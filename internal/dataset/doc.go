// Package dataset reads building records for a run.
//
// The format is a JSON array of objects with floor_area, construction_cost,
// hazard_probability and inflation_rate, plus an optional buildingId. A
// missing numeric attribute is a malformed record, reported as a
// *formula.RecordError with the record's position.
//
// Sources are a local file (zstd-compressed when the name ends in .zst) or
// an HTTP endpoint authenticated with apikey, bearer, basic or mtls
// credentials taken from the environment. Replicate builds large synthetic
// portfolios from the first record.
package dataset
