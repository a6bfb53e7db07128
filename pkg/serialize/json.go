package serialize

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/odvcencio/relay/pkg/wamp"
)

// JSONSerializer implements the wamp.2.json text binding.
type JSONSerializer struct{}

// Serialize encodes msg as a JSON array.
func (JSONSerializer) Serialize(msg wamp.Message) ([]byte, error) {
	list := wamp.ToList(msg)
	if list == nil {
		return nil, ErrUnknownMessage
	}
	return json.Marshal(list)
}

// Deserialize decodes a JSON array frame. Numbers decode via json.Number
// so integers above 2^53 do not lose precision in a float64.
func (JSONSerializer) Deserialize(data []byte) (wamp.Message, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw []any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("json frame: %w", err)
	}
	return wamp.FromList(convertNumbers(raw).([]any))
}

// convertNumbers rewrites json.Number into int64 where the value is
// integral, float64 otherwise, recursing through containers.
func convertNumbers(v any) any {
	switch val := v.(type) {
	case json.Number:
		if n, err := val.Int64(); err == nil {
			return n
		}
		if f, err := val.Float64(); err == nil {
			return f
		}
		return val.String()
	case []any:
		for i, e := range val {
			val[i] = convertNumbers(e)
		}
		return val
	case map[string]any:
		for k, e := range val {
			val[k] = convertNumbers(e)
		}
		return val
	}
	return v
}
