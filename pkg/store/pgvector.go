package store

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/themeflow/themeflow/pkg/common"
)

// FormatVector formats a float32 slice in pgvector text form: [0.1,0.2,...].
// Components use the shortest representation that round-trips a float32, so
// a vector read back from the database is bit-identical to what was written.
func FormatVector(vector []float32) string {
	if len(vector) == 0 {
		return "[]"
	}

	var b strings.Builder
	b.WriteString("[")
	for i, v := range vector {
		if i > 0 {
			b.WriteString(",")
		}
		b.WriteString(strconv.FormatFloat(float64(v), 'g', -1, 32))
	}
	b.WriteString("]")
	return b.String()
}

// ParseVector parses pgvector text form. Both [..] and {..} delimiters are
// accepted.
func ParseVector(s string) ([]float32, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "[")
	s = strings.TrimPrefix(s, "{")
	s = strings.TrimSuffix(s, "]")
	s = strings.TrimSuffix(s, "}")

	if s == "" {
		return []float32{}, nil
	}

	parts := strings.Split(s, ",")
	result := make([]float32, len(parts))
	for i, part := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(part), 32)
		if err != nil {
			return nil, fmt.Errorf("failed to parse vector component %q: %w", part, err)
		}
		result[i] = float32(f)
	}

	return result, nil
}

// ensureUnit returns the vector L2-normalized. Vectors already unit-norm
// within 1e-6 pass through untouched so cached embeddings stay bit-stable,
// and the zero vector stays zero (the sentinel for empty input).
func ensureUnit(vec []float32) []float32 {
	if len(vec) == 0 || common.IsZeroVector(vec) {
		return vec
	}
	if math.Abs(common.Norm(vec)-1) <= 1e-6 {
		return vec
	}
	return common.NormalizeVectorL2(vec)
}
