package readiness

import "encoding/json"

// jsonUnmarshal decodes a NodeInstance's raw value into a generic interface{}
// for use inside predicate expressions. A nil payload decodes to nil.
func jsonUnmarshal(raw json.RawMessage, out interface{}) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, out)
}

// looseEqual compares a decoded JSON value against a predicate literal,
// treating numeric types as interchangeable since json.Unmarshal into
// interface{} always produces float64 regardless of the literal's Go type in
// the expression source.
func looseEqual(got, want interface{}) bool {
	gf, gok := toFloat(got)
	wf, wok := toFloat(want)
	if gok && wok {
		return gf == wf
	}
	return got == want
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
