package registry

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultSchema(t *testing.T) {
	r := Default()

	if got := r.ColumnCount(); got != 42 {
		t.Fatalf("expected 42 columns, got %d", got)
	}

	schema := r.Schema()

	t.Run("order is stable", func(t *testing.T) {
		if schema[0] != "accountNumber" {
			t.Errorf("first column = %q, want accountNumber", schema[0])
		}
		if schema[len(schema)-1] != ColMerchantNameOrdinal {
			t.Errorf("last column = %q, want %s", schema[len(schema)-1], ColMerchantNameOrdinal)
		}
	})

	t.Run("nullable categoricals have indicators", func(t *testing.T) {
		want := map[string]bool{
			ColNoMerchantCountryCode:   false,
			ColNoTransactionType:       false,
			"merchantCountryCode_US":   false,
			"transactionType_PURCHASE": false,
		}
		for _, c := range schema {
			if _, ok := want[c]; ok {
				want[c] = true
			}
		}
		for c, found := range want {
			if !found {
				t.Errorf("schema missing column %q", c)
			}
		}
	})

	t.Run("category has no indicator", func(t *testing.T) {
		for _, c := range schema {
			if c == "nomerchantCategoryCode" {
				t.Error("merchantCategoryCode is non-nullable, must not have an indicator column")
			}
		}
	})

	t.Run("no duplicates", func(t *testing.T) {
		seen := make(map[string]bool, len(schema))
		for _, c := range schema {
			if seen[c] {
				t.Errorf("duplicate column %q", c)
			}
			seen[c] = true
		}
	})
}

func TestShouldDrop(t *testing.T) {
	r := Default()

	for _, f := range []string{"enteredCVV", "customerId", "echoBuffer", "Unnamed: 0"} {
		if !r.ShouldDrop(f) {
			t.Errorf("ShouldDrop(%q) = false, want true", f)
		}
	}
	if r.ShouldDrop("transactionAmount") {
		t.Error("transactionAmount must survive pruning")
	}
}

func TestLoad(t *testing.T) {
	t.Run("overrides defaults", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "registry.json")
		content := `{
			"version": "2026-refit-v2",
			"merchantCountryCodes": ["CAN", "MEX", "PR", "US", "GBR"],
			"merchantBuckets": 20000
		}`
		if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
			t.Fatal(err)
		}

		r, err := Load(path)
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		if r.Version != "2026-refit-v2" {
			t.Errorf("version = %q", r.Version)
		}
		if r.MerchantBuckets != 20000 {
			t.Errorf("merchantBuckets = %d", r.MerchantBuckets)
		}
		// One extra country means one extra column.
		if got := r.ColumnCount(); got != 43 {
			t.Errorf("column count = %d, want 43", got)
		}
		// Fields absent from the file keep training defaults.
		if len(r.MerchantCategoryCodes) != 19 {
			t.Errorf("category codes = %d, want 19", len(r.MerchantCategoryCodes))
		}
	})

	t.Run("missing file", func(t *testing.T) {
		if _, err := Load("/nonexistent/registry.json"); err == nil {
			t.Fatal("expected error")
		}
	})

	t.Run("zero buckets rejected", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "registry.json")
		if err := os.WriteFile(path, []byte(`{"merchantBuckets": 0}`), 0o600); err != nil {
			t.Fatal(err)
		}
		if _, err := Load(path); err == nil {
			t.Fatal("expected error for zero bucket count")
		}
	})
}
