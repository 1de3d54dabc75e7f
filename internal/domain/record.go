// Package domain defines the core interfaces and types for Kestrel.
package domain

import (
	"strconv"
	"strings"
)

// TransactionRecord is a raw transaction as submitted for scoring.
// Records are loosely typed: producers send JSON objects (or CSV rows)
// whose fields may be absent, null, or strings where numbers are
// expected. The encoder is responsible for normalizing them.
type TransactionRecord map[string]any

// Well-known record field names from the card-transaction feed.
const (
	FieldAccountNumber            = "accountNumber"
	FieldCustomerID               = "customerId"
	FieldCreditLimit              = "creditLimit"
	FieldAvailableMoney           = "availableMoney"
	FieldTransactionDateTime      = "transactionDateTime"
	FieldTransactionAmount        = "transactionAmount"
	FieldMerchantName             = "merchantName"
	FieldAcqCountry               = "acqCountry"
	FieldMerchantCountryCode      = "merchantCountryCode"
	FieldPosEntryMode             = "posEntryMode"
	FieldPosConditionCode         = "posConditionCode"
	FieldMerchantCategoryCode     = "merchantCategoryCode"
	FieldCurrentExpDate           = "currentExpDate"
	FieldAccountOpenDate          = "accountOpenDate"
	FieldDateOfLastAddressChange  = "dateOfLastAddressChange"
	FieldCardCVV                  = "cardCVV"
	FieldEnteredCVV               = "enteredCVV"
	FieldCardLast4Digits          = "cardLast4Digits"
	FieldTransactionType          = "transactionType"
	FieldEchoBuffer               = "echoBuffer"
	FieldCurrentBalance           = "currentBalance"
	FieldMerchantCity             = "merchantCity"
	FieldMerchantState            = "merchantState"
	FieldMerchantZip              = "merchantZip"
	FieldCardPresent              = "cardPresent"
	FieldPosOnPremises            = "posOnPremises"
	FieldRecurringAuthInd         = "recurringAuthInd"
	FieldExpirationDateKeyInMatch = "expirationDateKeyInMatch"
	FieldIsFraud                  = "isFraud"
)

// IsNull reports whether the field is absent, nil, or an empty string.
func (r TransactionRecord) IsNull(field string) bool {
	v, ok := r[field]
	if !ok || v == nil {
		return true
	}
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s) == ""
	}
	return false
}

// String returns the field rendered as a string, or "" when null.
func (r TransactionRecord) String(field string) string {
	if r.IsNull(field) {
		return ""
	}
	switch v := r[field].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	default:
		return ""
	}
}

// Float returns the field coerced to a float64.
// The second return reports whether coercion succeeded; booleans
// coerce to 0/1 the way the training pipeline converted them.
func (r TransactionRecord) Float(field string) (float64, bool) {
	if r.IsNull(field) {
		return 0, false
	}
	switch v := r[field].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case bool:
		if v {
			return 1, true
		}
		return 0, true
	case string:
		s := strings.TrimSpace(v)
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f, true
		}
		// CSV feeds spell booleans as text.
		switch strings.ToLower(s) {
		case "true":
			return 1, true
		case "false":
			return 0, true
		}
		return 0, false
	default:
		return 0, false
	}
}

// Clone returns a shallow copy so callers can prune fields without
// mutating the submitted record.
func (r TransactionRecord) Clone() TransactionRecord {
	out := make(TransactionRecord, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}
