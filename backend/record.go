package backend

import (
	"bytes"
	"encoding/json"
	"math"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack"
)

// Record is the payload of a single collection entry.
type Record map[string]interface{}

// ServerValue is a placeholder that the backend substitutes at write time.
type ServerValue string

// ServerTimestamp is replaced with the backend's clock, in milliseconds since the Unix epoch.
const ServerTimestamp ServerValue = "timestamp"

const serverValueKey = ".sv"

// MarshalJSON encodes the placeholder as {".sv": "<name>"}.
func (v ServerValue) MarshalJSON() ([]byte, error) {
	return jsoniter.Marshal(map[string]string{serverValueKey: string(v)})
}

// Resolve returns a copy of the record with every server value replaced. Only top-level fields
// are considered.
func (r Record) Resolve(now int64) (Record, error) {
	ret := make(Record, len(r))
	for k, v := range r {
		if sv, ok := v.(ServerValue); ok {
			switch sv {
			case ServerTimestamp:
				ret[k] = now
			default:
				return nil, errors.Errorf("unknown server value %q for field %q", string(sv), k)
			}
			continue
		}
		ret[k] = v
	}
	return ret, nil
}

// NormalizeJSON converts a record decoded from JSON (with numbers decoded as json.Number) into
// the form written by Go callers: integral numbers become int64, other numbers float64, and
// {".sv": "<name>"} objects become ServerValue placeholders.
func NormalizeJSON(r map[string]interface{}) (Record, error) {
	ret := make(Record, len(r))
	for k, v := range r {
		nv, err := normalizeJSONValue(v)
		if err != nil {
			return nil, errors.Wrapf(err, "field %q", k)
		}
		ret[k] = nv
	}
	return ret, nil
}

func normalizeJSONValue(v interface{}) (interface{}, error) {
	switch v := v.(type) {
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return n, nil
		}
		return v.Float64()
	case map[string]interface{}:
		if name, ok := v[serverValueKey].(string); ok && len(v) == 1 {
			return ServerValue(name), nil
		}
		ret := make(map[string]interface{}, len(v))
		for k, inner := range v {
			n, err := normalizeJSONValue(inner)
			if err != nil {
				return nil, err
			}
			ret[k] = n
		}
		return ret, nil
	case []interface{}:
		ret := make([]interface{}, len(v))
		for i, inner := range v {
			n, err := normalizeJSONValue(inner)
			if err != nil {
				return nil, err
			}
			ret[i] = n
		}
		return ret, nil
	}
	return v, nil
}

// EncodeRecord serializes a resolved record. Map keys are sorted so equal records encode to equal
// bytes.
func EncodeRecord(r Record) ([]byte, error) {
	for k, v := range r {
		if _, ok := v.(ServerValue); ok {
			return nil, errors.Errorf("unresolved server value in field %q", k)
		}
	}
	var buf bytes.Buffer
	if err := msgpack.NewEncoder(&buf).SortMapKeys(true).Encode(map[string]interface{}(r)); err != nil {
		return nil, errors.Wrap(err, "error encoding record")
	}
	return buf.Bytes(), nil
}

// DecodeRecord deserializes a record written by EncodeRecord.
func DecodeRecord(data []byte) (Record, error) {
	var ret map[string]interface{}
	if err := msgpack.Unmarshal(data, &ret); err != nil {
		return nil, errors.Wrap(err, "error decoding record")
	}
	return Record(ret), nil
}

// Number returns the numeric value of a field, if it has one.
func (r Record) Number(field string) (float64, bool) {
	switch v := r[field].(type) {
	case int:
		return float64(v), true
	case int8:
		return float64(v), true
	case int16:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint:
		return float64(v), true
	case uint8:
		return float64(v), true
	case uint16:
		return float64(v), true
	case uint32:
		return float64(v), true
	case uint64:
		return float64(v), true
	case float32:
		return float64(v), true
	case float64:
		if math.IsNaN(v) {
			return 0, false
		}
		return v, true
	}
	return 0, false
}
