// Package registry holds the category registry: the categorical
// domains, drop-list, and hash bucket count captured when the model
// was trained. The canonical feature schema is derived from it, so
// the registry version pins the feature contract.
package registry

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Registry is immutable after construction. Serving and offline refit
// tooling must load the same version or their columns disagree.
type Registry struct {
	Version string `json:"version"`

	// Categorical domains, in training order. Country and type are
	// nullable: a missing value is legal and gets its own indicator
	// column. Category is not; a missing category one-hot encodes to
	// all zeros with no indicator.
	MerchantCountryCodes  []string `json:"merchantCountryCodes"`
	TransactionTypes      []string `json:"transactionTypes"`
	MerchantCategoryCodes []string `json:"merchantCategoryCodes"`

	// DropColumns are removed from every record before encoding.
	DropColumns []string `json:"dropColumns"`

	// MerchantBuckets is the modulus for the merchant-name hash.
	MerchantBuckets uint64 `json:"merchantBuckets"`

	schema []string
}

// Default returns the registry captured at training time.
func Default() *Registry {
	r := &Registry{
		Version:              "2016-train-v1",
		MerchantCountryCodes: []string{"CAN", "MEX", "PR", "US"},
		TransactionTypes:     []string{"ADDRESS_VERIFICATION", "PURCHASE", "REVERSAL"},
		MerchantCategoryCodes: []string{
			"airline", "auto", "cable/phone", "entertainment", "fastfood", "food",
			"food_delivery", "fuel", "furniture", "gym", "health", "hotels",
			"mobileapps", "online_gifts", "online_retail", "online_subscriptions",
			"personal care", "rideshare", "subscriptions",
		},
		DropColumns: []string{
			"Unnamed: 0",
			domain.FieldEnteredCVV,
			domain.FieldCreditLimit,
			domain.FieldAcqCountry,
			domain.FieldCustomerID,
			domain.FieldEchoBuffer,
			domain.FieldMerchantCity,
			domain.FieldMerchantState,
			domain.FieldMerchantZip,
			domain.FieldPosOnPremises,
			domain.FieldRecurringAuthInd,
		},
		MerchantBuckets: 10000,
	}
	r.schema = buildSchema(r)
	return r
}

// Load reads a registry from a JSON file. Fields left out of the file
// fall back to the training-time defaults.
func Load(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read registry: %w", err)
	}
	r := Default()
	r.schema = nil
	if err := json.Unmarshal(data, r); err != nil {
		return nil, fmt.Errorf("parse registry: %w", err)
	}
	if r.MerchantBuckets == 0 {
		return nil, fmt.Errorf("registry %q: merchantBuckets must be positive", path)
	}
	r.schema = buildSchema(r)
	return r, nil
}

// Derived feature column names.
const (
	ColDaysToCurrentExpDate       = "daysToCurrentExpDate"
	ColDaysSinceAccountOpen       = "daysSinceAccountOpen"
	ColDaysSinceLastAddressChange = "daysSinceLastAddressChange"
	ColMerchantNameOrdinal        = "merchantName_ordinal"
	ColNoMerchantCountryCode      = "nomerchantCountryCode"
	ColNoTransactionType          = "notransactionType"
)

// passthroughColumns are record fields carried into the vector as-is
// (after numeric coercion), in canonical order.
var passthroughColumns = []string{
	domain.FieldAccountNumber,
	domain.FieldAvailableMoney,
	domain.FieldTransactionAmount,
	domain.FieldPosEntryMode,
	domain.FieldPosConditionCode,
	domain.FieldCardCVV,
	domain.FieldCardLast4Digits,
	domain.FieldCurrentBalance,
	domain.FieldCardPresent,
	domain.FieldExpirationDateKeyInMatch,
}

// PassthroughColumns returns the record fields copied straight into
// the vector, in schema order.
func PassthroughColumns() []string {
	out := make([]string, len(passthroughColumns))
	copy(out, passthroughColumns)
	return out
}

func buildSchema(r *Registry) []string {
	cols := make([]string, 0, len(passthroughColumns)+
		1+len(r.MerchantCountryCodes)+
		1+len(r.TransactionTypes)+
		len(r.MerchantCategoryCodes)+4)
	cols = append(cols, passthroughColumns...)
	cols = append(cols, ColNoMerchantCountryCode)
	for _, c := range r.MerchantCountryCodes {
		cols = append(cols, domain.FieldMerchantCountryCode+"_"+c)
	}
	cols = append(cols, ColNoTransactionType)
	for _, t := range r.TransactionTypes {
		cols = append(cols, domain.FieldTransactionType+"_"+t)
	}
	for _, c := range r.MerchantCategoryCodes {
		cols = append(cols, domain.FieldMerchantCategoryCode+"_"+c)
	}
	cols = append(cols,
		ColDaysToCurrentExpDate,
		ColDaysSinceAccountOpen,
		ColDaysSinceLastAddressChange,
		ColMerchantNameOrdinal,
	)
	return cols
}

// Schema returns the canonical feature columns in order. The slice is
// shared; callers must not mutate it.
func (r *Registry) Schema() []string {
	return r.schema
}

// ColumnCount returns the width every encoded vector must have.
func (r *Registry) ColumnCount() int {
	return len(r.schema)
}

// ShouldDrop reports whether a record field is on the drop-list.
func (r *Registry) ShouldDrop(field string) bool {
	for _, d := range r.DropColumns {
		if d == field {
			return true
		}
	}
	return false
}
