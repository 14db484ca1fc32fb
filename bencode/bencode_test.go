package bencode

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	zeebo "github.com/zeebo/bencode"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  any
	}{
		{"integer", "i42e", int64(42)},
		{"negative integer", "i-42e", int64(-42)},
		{"zero", "i0e", int64(0)},
		{"string", "5:hello", "hello"},
		{"empty string", "0:", ""},
		{"list", "l5:helloi42ee", []any{"hello", int64(42)}},
		{"empty list", "le", []any{}},
		{"dict", "d3:bar4:spam3:fooi42ee", map[string]any{"bar": "spam", "foo": int64(42)}},
		{"empty dict", "de", map[string]any{}},
		{"nested", "d4:listl1:a1:bee", map[string]any{"list": []any{"a", "b"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decode([]byte(tt.input))
			if err != nil {
				t.Fatalf("Decode(%q) failed: %v", tt.input, err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Decode(%q) mismatch (-want +got):\n%s", tt.input, diff)
			}
		})
	}
}

func TestDecodeMalformed(t *testing.T) {
	inputs := []string{
		"",
		"i01e",
		"i-0e",
		"i-01e",
		"ie",
		"i12",
		"3:ab",
		"03:abc",
		"5x:hello",
		"l5:hello",
		"d3:foo",
		"d3:fooi1e",
		"x",
		"i42ei43e",  // trailing value
		"5:helloe",  // trailing byte
		"d1:a1:bee", // trailing byte after dict
		"li1eei2ee", // trailing value after list
	}
	for _, input := range inputs {
		if _, err := Decode([]byte(input)); err == nil {
			t.Errorf("Decode(%q) should have failed", input)
		} else {
			var derr *DecodeError
			if !errors.As(err, &derr) {
				t.Errorf("Decode(%q) error is %T, want *DecodeError", input, err)
			}
		}
	}
}

func TestDecodeFirst(t *testing.T) {
	value, n, err := DecodeFirst([]byte("d5:piecei0ee\x01\x02\x03"))
	if err != nil {
		t.Fatalf("DecodeFirst failed: %v", err)
	}
	if n != 12 {
		t.Errorf("consumed %d bytes, want 12", n)
	}
	want := map[string]any{"piece": int64(0)}
	if diff := cmp.Diff(want, value); diff != "" {
		t.Errorf("value mismatch (-want +got):\n%s", diff)
	}
}

func TestRoundTrip(t *testing.T) {
	values := []any{
		int64(0),
		int64(-123456789),
		"",
		"spam",
		[]any{},
		[]any{int64(1), "two", []any{"three"}},
		map[string]any{},
		map[string]any{
			"announce": "http://tracker.example/announce",
			"info": map[string]any{
				"length":       int64(1024),
				"name":         "file.bin",
				"piece length": int64(256),
				"pieces":       "\x00\x01\x02",
			},
		},
	}
	for _, v := range values {
		encoded, err := Encode(v)
		if err != nil {
			t.Fatalf("Encode(%v) failed: %v", v, err)
		}
		decoded, err := Decode(encoded)
		if err != nil {
			t.Fatalf("Decode(%q) failed: %v", encoded, err)
		}
		if diff := cmp.Diff(v, decoded); diff != "" {
			t.Errorf("round trip mismatch (-want +got):\n%s", diff)
		}
	}
}

func TestEncodeCanonicalKeyOrder(t *testing.T) {
	value := map[string]any{
		"zebra": int64(1),
		"apple": int64(2),
		"mango": int64(3),
	}
	want := "d5:applei2e5:mangoi3e5:zebrai1ee"
	for i := 0; i < 16; i++ {
		got, err := Encode(value)
		if err != nil {
			t.Fatalf("Encode failed: %v", err)
		}
		if string(got) != want {
			t.Fatalf("Encode = %q, want %q", got, want)
		}
	}
}

// Canonical output must agree with an independent implementation.
func TestEncodeAgainstReference(t *testing.T) {
	value := map[string]any{
		"interval": int64(1800),
		"peers":    "\x7f\x00\x00\x01\x1a\xe1",
		"nested":   []any{int64(-1), "x"},
	}
	ours, err := Encode(value)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	theirs, err := zeebo.EncodeBytes(value)
	if err != nil {
		t.Fatalf("reference encode failed: %v", err)
	}
	if string(ours) != string(theirs) {
		t.Errorf("encoding disagrees with reference:\nours:   %q\ntheirs: %q", ours, theirs)
	}
}

func TestUnmarshal(t *testing.T) {
	type info struct {
		Name        string `bencode:"name"`
		Length      int64  `bencode:"length"`
		PieceLength int64  `bencode:"piece length"`
		Pieces      []byte `bencode:"pieces"`
	}
	data := "d6:lengthi1024e4:name8:file.bin12:piece lengthi256e6:pieces3:\x00\x01\x02e"
	var got info
	if err := Unmarshal([]byte(data), &got); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	want := info{Name: "file.bin", Length: 1024, PieceLength: 256, Pieces: []byte{0, 1, 2}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Unmarshal mismatch (-want +got):\n%s", diff)
	}
}
