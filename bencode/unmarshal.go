package bencode

import (
	"fmt"
	"reflect"

	"github.com/go-viper/mapstructure/v2"
)

// Unmarshal decodes data and maps the resulting dictionary onto out,
// which must be a pointer to a struct with `bencode` field tags.
func Unmarshal(data []byte, out any) error {
	value, err := Decode(data)
	if err != nil {
		return err
	}
	return Remap(value, out)
}

// Remap maps an already decoded value onto a tagged struct.
func Remap(value any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:    "bencode",
		Result:     out,
		DecodeHook: stringToBytesHook,
	})
	if err != nil {
		return fmt.Errorf("failed to build decoder: %w", err)
	}
	if err := dec.Decode(value); err != nil {
		return fmt.Errorf("failed to map bencoded value: %w", err)
	}
	return nil
}

// Decoded byte-strings arrive as Go strings; let them land in []byte
// fields such as piece hash lists and compact peer blobs.
func stringToBytesHook(from reflect.Type, to reflect.Type, data any) (any, error) {
	if from.Kind() == reflect.String && to == reflect.TypeOf([]byte(nil)) {
		return []byte(data.(string)), nil
	}
	return data, nil
}
