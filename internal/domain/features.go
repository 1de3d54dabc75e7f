package domain

// FeatureVector is the encoded form of a transaction: one float per
// schema column, in schema order. Names and Values are index-aligned.
type FeatureVector struct {
	Names  []string  `json:"names"`
	Values []float64 `json:"values"`
}

// Get returns the value for a named column, or 0 if the column is not
// part of the vector.
func (v *FeatureVector) Get(name string) float64 {
	for i, n := range v.Names {
		if n == name {
			return v.Values[i]
		}
	}
	return 0
}

// Len returns the number of columns.
func (v *FeatureVector) Len() int {
	return len(v.Values)
}
