package bencode

import (
	"fmt"
	"math"
)

// DecodeError reports a malformed bencode buffer. Offset is the byte
// position at which decoding failed.
type DecodeError struct {
	Offset int
	Reason string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("bencode: invalid data at offset %d: %s", e.Offset, e.Reason)
}

// Decode parses a complete bencoded buffer into one of int64, string,
// []any or map[string]any. Trailing bytes after a structurally complete
// value are an error.
func Decode(data []byte) (any, error) {
	value, n, err := DecodeFirst(data)
	if err != nil {
		return nil, err
	}
	if n != len(data) {
		return nil, &DecodeError{Offset: n, Reason: "data after valid prefix"}
	}
	return value, nil
}

// DecodeFirst parses the first bencoded value in data and returns it
// together with the number of bytes consumed. Used where a value is
// followed by raw payload bytes, as in metadata-exchange messages.
func DecodeFirst(data []byte) (any, int, error) {
	d := &decoder{buf: data}
	value, err := d.decodeValue()
	if err != nil {
		return nil, 0, err
	}
	return value, d.pos, nil
}

type decoder struct {
	buf []byte
	pos int
}

func (d *decoder) errorf(format string, args ...any) error {
	return &DecodeError{Offset: d.pos, Reason: fmt.Sprintf(format, args...)}
}

func (d *decoder) peek() (byte, error) {
	if d.pos >= len(d.buf) {
		return 0, d.errorf("unexpected end of data")
	}
	return d.buf[d.pos], nil
}

func (d *decoder) decodeValue() (any, error) {
	c, err := d.peek()
	if err != nil {
		return nil, err
	}
	switch {
	case c == 'i':
		return d.decodeInteger()
	case c >= '0' && c <= '9':
		return d.decodeString()
	case c == 'l':
		return d.decodeList()
	case c == 'd':
		return d.decodeDictionary()
	default:
		return nil, d.errorf("unsupported type prefix %q", c)
	}
}

func (d *decoder) decodeInteger() (int64, error) {
	d.pos++ // 'i'
	start := d.pos
	negative := false
	if c, err := d.peek(); err == nil && c == '-' {
		negative = true
		d.pos++
	}
	var value int64
	digits := 0
	for {
		c, err := d.peek()
		if err != nil {
			return 0, err
		}
		if c == 'e' {
			break
		}
		if c < '0' || c > '9' {
			return 0, d.errorf("invalid character %q in integer", c)
		}
		if value > (math.MaxInt64-int64(c-'0'))/10 {
			return 0, d.errorf("integer out of range")
		}
		value = value*10 + int64(c-'0')
		digits++
		d.pos++
	}
	if digits == 0 {
		return 0, d.errorf("integer with no digits")
	}
	// "i01e" and "i-0e" are not canonical and must be rejected.
	if digits > 1 && d.buf[start] == '0' || negative && d.buf[start+1] == '0' {
		return 0, d.errorf("integer with leading zero")
	}
	d.pos++ // 'e'
	if negative {
		value = -value
	}
	return value, nil
}

func (d *decoder) decodeString() (string, error) {
	start := d.pos
	length := 0
	for {
		c, err := d.peek()
		if err != nil {
			return "", err
		}
		if c == ':' {
			break
		}
		if c < '0' || c > '9' {
			return "", d.errorf("invalid character %q in string length", c)
		}
		length = length*10 + int(c-'0')
		if length > len(d.buf) {
			return "", d.errorf("declared string length %d exceeds buffer", length)
		}
		d.pos++
	}
	if d.pos == start {
		return "", d.errorf("string with empty length")
	}
	if d.pos-start > 1 && d.buf[start] == '0' {
		return "", d.errorf("string length with leading zero")
	}
	d.pos++ // ':'
	if d.pos+length > len(d.buf) {
		return "", d.errorf("declared string length %d exceeds buffer", length)
	}
	s := string(d.buf[d.pos : d.pos+length])
	d.pos += length
	return s, nil
}

func (d *decoder) decodeList() ([]any, error) {
	d.pos++ // 'l'
	result := []any{}
	for {
		c, err := d.peek()
		if err != nil {
			return nil, err
		}
		if c == 'e' {
			d.pos++
			return result, nil
		}
		value, err := d.decodeValue()
		if err != nil {
			return nil, err
		}
		result = append(result, value)
	}
}

func (d *decoder) decodeDictionary() (map[string]any, error) {
	d.pos++ // 'd'
	result := map[string]any{}
	for {
		c, err := d.peek()
		if err != nil {
			return nil, err
		}
		if c == 'e' {
			d.pos++
			return result, nil
		}
		key, err := d.decodeString()
		if err != nil {
			return nil, fmt.Errorf("invalid dictionary key: %w", err)
		}
		value, err := d.decodeValue()
		if err != nil {
			return nil, fmt.Errorf("invalid dictionary value: %w", err)
		}
		result[key] = value
	}
}
