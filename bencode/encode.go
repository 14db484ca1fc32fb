package bencode

import (
	"bytes"
	"fmt"
	"slices"
	"strconv"
)

// Encode serializes a value built from int/int64, string, []byte, []any
// and map[string]any. Dictionary keys are emitted in ascending byte
// order so that equal values always encode to the same bytes.
func Encode(value any) ([]byte, error) {
	var buf bytes.Buffer
	if err := encodeValue(&buf, value); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encodeValue(buf *bytes.Buffer, value any) error {
	switch v := value.(type) {
	case string:
		buf.WriteString(strconv.Itoa(len(v)))
		buf.WriteByte(':')
		buf.WriteString(v)
	case []byte:
		buf.WriteString(strconv.Itoa(len(v)))
		buf.WriteByte(':')
		buf.Write(v)
	case int:
		fmt.Fprintf(buf, "i%de", v)
	case int64:
		fmt.Fprintf(buf, "i%de", v)
	case uint16:
		fmt.Fprintf(buf, "i%de", v)
	case []any:
		buf.WriteByte('l')
		for _, item := range v {
			if err := encodeValue(buf, item); err != nil {
				return fmt.Errorf("failed to encode list item: %w", err)
			}
		}
		buf.WriteByte('e')
	case map[string]any:
		buf.WriteByte('d')
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		for _, key := range keys {
			if err := encodeValue(buf, key); err != nil {
				return fmt.Errorf("failed to encode dictionary key: %w", err)
			}
			if err := encodeValue(buf, v[key]); err != nil {
				return fmt.Errorf("failed to encode dictionary value %q: %w", key, err)
			}
		}
		buf.WriteByte('e')
	default:
		return fmt.Errorf("unsupported type for bencode encoding: %T", value)
	}
	return nil
}
