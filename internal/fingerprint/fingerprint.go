// Package fingerprint derives deterministic content fingerprints from
// request maps. Two logically identical requests always normalize to the
// same key regardless of map key order or float noise beyond the rounding
// precision.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
)

// floatPrecision is the number of decimal digits floats are rounded to
// before hashing.
const floatPrecision = 6

// keyBytes is the truncated digest length; keys are 2*keyBytes hex chars.
const keyBytes = 16

// Normalize returns a canonical form of v: map keys sorted, floats rounded
// to a fixed precision, nested maps and slices normalized recursively.
func Normalize(v any) any {
	switch x := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, val := range x {
			out[k] = Normalize(val)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, val := range x {
			out[i] = Normalize(val)
		}
		return out
	case float64:
		return roundFloat(x)
	case float32:
		return roundFloat(float64(x))
	case int:
		return float64(x)
	case int64:
		return float64(x)
	case json.Number:
		if f, err := x.Float64(); err == nil {
			return roundFloat(f)
		}
		return x.String()
	default:
		return v
	}
}

func roundFloat(f float64) float64 {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	shift := math.Pow10(floatPrecision)
	return math.Round(f*shift) / shift
}

// Canonical serializes a normalized value with sorted keys. The output is
// stored alongside cache entries as the audit form of the original request.
func Canonical(v any) string {
	var sb strings.Builder
	writeCanonical(&sb, Normalize(v))
	return sb.String()
}

func writeCanonical(sb *strings.Builder, v any) {
	switch x := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sb.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				sb.WriteByte(',')
			}
			kb, _ := json.Marshal(k)
			sb.Write(kb)
			sb.WriteByte(':')
			writeCanonical(sb, x[k])
		}
		sb.WriteByte('}')
	case []any:
		sb.WriteByte('[')
		for i, el := range x {
			if i > 0 {
				sb.WriteByte(',')
			}
			writeCanonical(sb, el)
		}
		sb.WriteByte(']')
	case float64:
		// Trailing zeros stripped so 1.5 and 1.50 serialize identically.
		sb.WriteString(formatFloat(x))
	case nil:
		sb.WriteString("null")
	default:
		b, err := json.Marshal(x)
		if err != nil {
			b = []byte(fmt.Sprintf("%q", fmt.Sprint(x)))
		}
		sb.Write(b)
	}
}

func formatFloat(f float64) string {
	s := fmt.Sprintf("%.*f", floatPrecision, f)
	s = strings.TrimRight(s, "0")
	s = strings.TrimSuffix(s, ".")
	if s == "" || s == "-" {
		return "0"
	}
	return s
}

// Key hashes the canonical serialization of request with SHA-256 and
// returns the digest truncated to a fixed-length hex id.
func Key(request map[string]any) string {
	sum := sha256.Sum256([]byte(Canonical(request)))
	return hex.EncodeToString(sum[:keyBytes])
}
