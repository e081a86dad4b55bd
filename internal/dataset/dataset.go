package dataset

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"

	"github.com/perilstack/lossengine/internal/config"
	"github.com/perilstack/lossengine/internal/formula"
	"github.com/perilstack/lossengine/pkg/types"
)

// ErrEmpty is returned when a dataset must contain at least one record,
// for example as the template for Replicate.
var ErrEmpty = errors.New("dataset: no records")

// zstdExt marks a zstd-compressed dataset file or URL.
const zstdExt = ".zst"

// wireRecord mirrors the on-disk record. Pointer fields distinguish a
// missing attribute from an explicit zero.
type wireRecord struct {
	ID                json.RawMessage `json:"buildingId"`
	FloorArea         *float64        `json:"floor_area"`
	ConstructionCost  *float64        `json:"construction_cost"`
	HazardProbability *float64        `json:"hazard_probability"`
	InflationRate     *float64        `json:"inflation_rate"`
}

func (w wireRecord) record(pos int) (types.Record, error) {
	fields := [...]struct {
		name string
		v    *float64
	}{
		{"floor_area", w.FloorArea},
		{"construction_cost", w.ConstructionCost},
		{"hazard_probability", w.HazardProbability},
		{"inflation_rate", w.InflationRate},
	}
	for _, f := range fields {
		if f.v == nil {
			return types.Record{}, &formula.RecordError{
				Position: pos,
				Field:    f.name,
				Err:      fmt.Errorf("%w: field missing", formula.ErrMalformedRecord),
			}
		}
	}
	id, err := decodeID(w.ID)
	if err != nil {
		return types.Record{}, &formula.RecordError{
			Position: pos,
			Field:    "buildingId",
			Err:      fmt.Errorf("%w: %v", formula.ErrMalformedRecord, err),
		}
	}
	return types.Record{
		ID:                id,
		FloorArea:         *w.FloorArea,
		ConstructionCost:  *w.ConstructionCost,
		HazardProbability: *w.HazardProbability,
		InflationRate:     *w.InflationRate,
	}, nil
}

// decodeID accepts a string or a bare number as the building identifier.
func decodeID(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", err
		}
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", fmt.Errorf("buildingId must be a string or number")
	}
	return n.String(), nil
}

// Decode reads a JSON array of building records from r. Every numeric
// attribute is required; buildingId is optional.
func Decode(r io.Reader) ([]types.Record, error) {
	var wire []wireRecord
	if err := json.NewDecoder(r).Decode(&wire); err != nil {
		return nil, fmt.Errorf("dataset: decode: %w", err)
	}
	records := make([]types.Record, len(wire))
	for i, w := range wire {
		rec, err := w.record(i)
		if err != nil {
			return nil, fmt.Errorf("dataset: decode: %w", err)
		}
		records[i] = rec
	}
	return records, nil
}

// Encode writes records to w as a JSON array in the format Decode reads.
func Encode(w io.Writer, records []types.Record) error {
	if records == nil {
		records = []types.Record{}
	}
	if err := json.NewEncoder(w).Encode(records); err != nil {
		return fmt.Errorf("dataset: encode: %w", err)
	}
	return nil
}

// ReadFile loads the dataset at path. Files ending in .zst are
// decompressed with zstd.
func ReadFile(path string) ([]types.Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("dataset: open: %w", err)
	}
	defer f.Close()

	if !isZstd(path) {
		return Decode(f)
	}
	zr, err := zstd.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("dataset: zstd reader: %w", err)
	}
	defer zr.Close()
	return Decode(zr)
}

// WriteFile stores records at path, zstd-compressed when path ends in .zst.
func WriteFile(path string, records []types.Record) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("dataset: create: %w", err)
	}
	defer func() {
		if cerr := f.Close(); err == nil && cerr != nil {
			err = fmt.Errorf("dataset: close: %w", cerr)
		}
	}()

	if !isZstd(path) {
		return Encode(f, records)
	}
	zw, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
	if err != nil {
		return fmt.Errorf("dataset: zstd writer: %w", err)
	}
	if err := Encode(zw, records); err != nil {
		zw.Close()
		return err
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("dataset: zstd flush: %w", err)
	}
	return nil
}

// Replicate returns n copies of the first record, the synthetic portfolio
// used for scale runs. n <= 1 returns records unchanged.
func Replicate(records []types.Record, n int) ([]types.Record, error) {
	if n <= 1 {
		return records, nil
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("dataset: replicate: %w", ErrEmpty)
	}
	out := make([]types.Record, n)
	for i := range out {
		out[i] = records[0]
	}
	return out, nil
}

// Load reads the dataset described by cfg, from Endpoint when set and from
// Path otherwise, then applies Replicate.
func Load(ctx context.Context, cfg config.DatasetConfig) ([]types.Record, error) {
	var (
		records []types.Record
		err     error
	)
	switch {
	case cfg.Endpoint != "":
		client, cerr := NewHTTPClient(cfg)
		if cerr != nil {
			return nil, cerr
		}
		records, err = Fetch(ctx, client, cfg.Endpoint)
	case cfg.Path != "":
		records, err = ReadFile(cfg.Path)
	default:
		return nil, fmt.Errorf("dataset: neither path nor endpoint configured")
	}
	if err != nil {
		return nil, err
	}
	return Replicate(records, cfg.Replicate)
}

func isZstd(name string) bool {
	return strings.EqualFold(filepath.Ext(name), zstdExt)
}
