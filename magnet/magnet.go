package magnet

import (
	"encoding/base32"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"
)

// Link represents a parsed magnet link with its components
type Link struct {
	InfoHash [20]byte
	Name     string
	Trackers []string
}

// Parse parses a magnet URI and returns a Link object containing the extracted
// information. The xt parameter must carry a urn:btih infohash, either 40 hex
// characters or 32 base32 characters. Returns an error if the URI format is
// invalid or required fields are missing/malformed.
func Parse(uri string) (*Link, error) {
	if !strings.HasPrefix(uri, "magnet:?") {
		return nil, fmt.Errorf("invalid magnet URI format")
	}

	values, err := url.ParseQuery(uri[len("magnet:?"):])
	if err != nil {
		return nil, fmt.Errorf("failed to parse magnet URI query: %w", err)
	}

	xt := values.Get("xt")
	if !strings.HasPrefix(xt, "urn:btih:") {
		return nil, fmt.Errorf("invalid or missing urn:btih prefix in xt parameter")
	}

	encoded := strings.TrimPrefix(xt, "urn:btih:")
	var raw []byte
	switch len(encoded) {
	case 40:
		raw, err = hex.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("invalid hex-encoded info hash: %w", err)
		}
	case 32:
		raw, err = base32.StdEncoding.DecodeString(strings.ToUpper(encoded))
		if err != nil {
			return nil, fmt.Errorf("invalid base32-encoded info hash: %w", err)
		}
	default:
		return nil, fmt.Errorf("invalid info hash length %d", len(encoded))
	}

	link := &Link{
		Name:     sanitizeName(values.Get("dn")),
		Trackers: values["tr"],
	}
	copy(link.InfoHash[:], raw)
	return link, nil
}

// sanitizeName strips characters that would let a display name escape into
// the filesystem when used as an output filename.
func sanitizeName(name string) string {
	replacer := strings.NewReplacer("/", "", "\\", "", ":", "")
	return strings.Trim(replacer.Replace(name), ".")
}
