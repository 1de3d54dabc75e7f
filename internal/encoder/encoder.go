// Package encoder turns raw transaction records into the fixed-width
// feature vectors the model was trained on. There is exactly one
// encoding path; batch scoring, single scoring, and offline refit
// tooling all go through it, so the training-time columns are
// reproduced bit-for-bit.
package encoder

import (
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/registry"
)

// Encoder is safe for concurrent use. It holds no per-record state;
// the only side effects of Encode are observability counters.
type Encoder struct {
	reg    *registry.Registry
	logger *slog.Logger
}

// New creates an encoder bound to a category registry.
func New(reg *registry.Registry, logger *slog.Logger) *Encoder {
	return &Encoder{reg: reg, logger: logger}
}

// Registry returns the registry the encoder encodes against.
func (e *Encoder) Registry() *registry.Registry {
	return e.reg
}

// Encode converts a record into a feature vector in canonical schema
// order. It is total over record contents: missing fields, nulls, and
// unparseable values become zeros (counted, never fatal). The only
// error is a column-count mismatch, which indicates a registry or
// build defect rather than bad input.
func (e *Encoder) Encode(record domain.TransactionRecord) (*domain.FeatureVector, error) {
	schema := e.reg.Schema()
	values := make([]float64, 0, len(schema))

	// Pruned fields must not influence any feature, including via
	// fallthrough coercion, so work on a copy without them.
	rec := record.Clone()
	for f := range rec {
		if e.reg.ShouldDrop(f) {
			delete(rec, f)
		}
	}
	delete(rec, domain.FieldIsFraud) // target never enters the vector

	txTime, txOK := e.parseDate(rec, domain.FieldTransactionDateTime)

	for _, f := range registry.PassthroughColumns() {
		values = append(values, e.coerce(rec, f))
	}

	values = append(values, e.oneHot(rec, domain.FieldMerchantCountryCode, e.reg.MerchantCountryCodes, true)...)
	values = append(values, e.oneHot(rec, domain.FieldTransactionType, e.reg.TransactionTypes, true)...)
	values = append(values, e.oneHot(rec, domain.FieldMerchantCategoryCode, e.reg.MerchantCategoryCodes, false)...)

	expTime, expOK := e.parseDate(rec, domain.FieldCurrentExpDate)
	openTime, openOK := e.parseDate(rec, domain.FieldAccountOpenDate)
	addrTime, addrOK := e.parseDate(rec, domain.FieldDateOfLastAddressChange)

	// Day counts floor toward negative infinity, matching timedelta
	// semantics from training. An unparseable date yields 0.
	if txOK && expOK {
		values = append(values, float64(-floorDays(txTime.Sub(expTime))))
	} else {
		values = append(values, 0)
	}
	if txOK && openOK {
		values = append(values, float64(floorDays(txTime.Sub(openTime))))
	} else {
		values = append(values, 0)
	}
	if txOK && addrOK {
		values = append(values, float64(floorDays(txTime.Sub(addrTime))))
	} else {
		values = append(values, 0)
	}

	values = append(values, e.merchantBucket(rec))

	if len(values) != e.reg.ColumnCount() {
		return nil, fmt.Errorf("encoded %d columns, registry %s expects %d",
			len(values), e.reg.Version, e.reg.ColumnCount())
	}

	return &domain.FeatureVector{Names: schema, Values: values}, nil
}

// coerce pulls a numeric value out of the record. Failures are
// observable but never fatal: the value becomes 0 and the failure is
// counted per field.
func (e *Encoder) coerce(rec domain.TransactionRecord, field string) float64 {
	if rec.IsNull(field) {
		return 0
	}
	v, ok := rec.Float(field)
	if !ok {
		metrics.CoercionFailures.WithLabelValues(field).Inc()
		e.logger.Warn("numeric coercion failed, zero-filled",
			"field", field, "value", rec.String(field))
		return 0
	}
	return v
}

// oneHot expands a categorical field into indicator columns, one per
// registry value, with an optional leading is-missing column.
// Matching is exact and case-sensitive; an out-of-registry value
// encodes to all zeros.
func (e *Encoder) oneHot(rec domain.TransactionRecord, field string, categories []string, nullable bool) []float64 {
	cols := make([]float64, 0, len(categories)+1)
	missing := rec.IsNull(field)
	if nullable {
		if missing {
			cols = append(cols, 1)
		} else {
			cols = append(cols, 0)
		}
	}
	value := rec.String(field)
	for _, c := range categories {
		if !missing && value == c {
			cols = append(cols, 1)
		} else {
			cols = append(cols, 0)
		}
	}
	return cols
}

// merchantBucket maps the merchant name onto a stable hash bucket.
// xxhash is process-independent, so refit tooling and serving agree
// on bucket assignment. A missing name is bucket 0.
func (e *Encoder) merchantBucket(rec domain.TransactionRecord) float64 {
	if rec.IsNull(domain.FieldMerchantName) {
		return 0
	}
	h := xxhash.Sum64String(rec.String(domain.FieldMerchantName))
	return float64(h % e.reg.MerchantBuckets)
}

// dateLayouts covers the formats seen in the transaction feed.
var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"01/2006",
	"01/02/2006",
}

// parseDate reads a date field. Unparseable dates are counted like
// coercion failures since they silently zero a derived column.
func (e *Encoder) parseDate(rec domain.TransactionRecord, field string) (time.Time, bool) {
	if rec.IsNull(field) {
		return time.Time{}, false
	}
	s := rec.String(field)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	metrics.CoercionFailures.WithLabelValues(field).Inc()
	e.logger.Warn("date parse failed, derived column zero-filled",
		"field", field, "value", s)
	return time.Time{}, false
}

// floorDays converts a duration to whole days, rounding toward
// negative infinity.
func floorDays(d time.Duration) int {
	return int(math.Floor(d.Hours() / 24))
}
