package magnet

import (
	"encoding/base32"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

const sampleHash = "a94a8fe5ccb19ba61c4c0873d391e987982fbbd3"

func TestParse(t *testing.T) {
	link, err := Parse("magnet:?xt=urn:btih:" + sampleHash + "&dn=Foo&tr=http://a&tr=http://b")
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	want, _ := hex.DecodeString(sampleHash)
	if !cmp.Equal(link.InfoHash[:], want) {
		t.Errorf("InfoHash = %x, want %s", link.InfoHash, sampleHash)
	}
	if link.Name != "Foo" {
		t.Errorf("Name = %q, want %q", link.Name, "Foo")
	}
	if diff := cmp.Diff([]string{"http://a", "http://b"}, link.Trackers); diff != "" {
		t.Errorf("Trackers mismatch (-want +got):\n%s", diff)
	}
}

func TestParseBase32(t *testing.T) {
	raw, _ := hex.DecodeString(sampleHash)
	encoded := base32.StdEncoding.EncodeToString(raw)
	if len(encoded) != 32 {
		t.Fatalf("unexpected base32 length %d", len(encoded))
	}
	link, err := Parse("magnet:?xt=urn:btih:" + strings.ToLower(encoded))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if !cmp.Equal(link.InfoHash[:], raw) {
		t.Errorf("InfoHash = %x, want %s", link.InfoHash, sampleHash)
	}
	if len(link.Trackers) != 0 {
		t.Errorf("Trackers = %v, want empty", link.Trackers)
	}
}

func TestParseInvalid(t *testing.T) {
	uris := []string{
		"http://example.com",
		"magnet:?dn=Foo",
		"magnet:?xt=urn:sha1:" + sampleHash,
		"magnet:?xt=urn:btih:abcdef",                   // wrong length
		"magnet:?xt=urn:btih:" + sampleHash[:39] + "z", // not hex
	}
	for _, uri := range uris {
		if _, err := Parse(uri); err == nil {
			t.Errorf("Parse(%q) should have failed", uri)
		}
	}
}

func TestSanitizeName(t *testing.T) {
	link, err := Parse("magnet:?xt=urn:btih:" + sampleHash + "&dn=..%2Fetc%2Fpasswd")
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if strings.ContainsAny(link.Name, "/\\:") || strings.HasPrefix(link.Name, ".") {
		t.Errorf("Name %q was not sanitized", link.Name)
	}
}
