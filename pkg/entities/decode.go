package entities

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// largest integer a float64 holds without rounding
const maxExactInteger = 1 << 53

// Unmarshal decodes JSON into v keeping numbers as json.Number, so that
// identities can be read with full precision. Attribute values should be
// passed through Normalize before they are stored.
func Unmarshal(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	if err := dec.Decode(v); err != nil {
		return err
	}

	if dec.More() {
		return fmt.Errorf("unexpected data after json value")
	}

	return nil
}

// Identity returns the key of a decoded identity attribute. Numbers keep
// the exact digits they were sent with.
func Identity(value any) (string, error) {
	switch v := value.(type) {
	case string:
		if v == "" {
			return "", fmt.Errorf("identity is empty")
		}
		return v, nil
	case json.Number:
		return v.String(), nil
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	case nil:
		return "", fmt.Errorf("identity is missing")
	}

	return "", fmt.Errorf("identity of type %T is not supported", value)
}

// Normalize turns json.Number values into float64 wherever that is lossless.
// Integers beyond float64 precision stay json.Number.
func Normalize(value any) any {
	switch v := value.(type) {
	case json.Number:
		if i, err := v.Int64(); err == nil {
			if i > maxExactInteger || i < -maxExactInteger {
				return v
			}
			return float64(i)
		}
		if f, err := v.Float64(); err == nil {
			return f
		}
		return v
	case map[string]any:
		for key, item := range v {
			v[key] = Normalize(item)
		}
		return v
	case []any:
		for idx, item := range v {
			v[idx] = Normalize(item)
		}
		return v
	}

	return value
}
