package provider

import (
	"encoding/base64"
	"fmt"
	"net/url"
	"path"
	"strings"

	"diagramsync/internal/dsync"
)

// encodeContent base64-encodes the UTF-8 bytes of s.
func encodeContent(s string) string {
	return base64.StdEncoding.EncodeToString([]byte(s))
}

// decodeContent reverses encodeContent. Providers wrap long payloads across
// lines, so whitespace is dropped first.
func decodeContent(s string) (string, error) {
	clean := strings.Map(func(r rune) rune {
		switch r {
		case '\n', '\r', ' ', '\t':
			return -1
		}
		return r
	}, s)
	data, err := base64.StdEncoding.DecodeString(clean)
	if err != nil {
		return "", fmt.Errorf("decoding content: %w", err)
	}
	return string(data), nil
}

func blobSHA(content string) string {
	return dsync.BlobSHA(content)
}

// escapePath escapes each segment of a slash-separated repository path.
func escapePath(p string) string {
	p = strings.Trim(p, "/")
	if p == "" {
		return ""
	}
	segments := strings.Split(p, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return strings.Join(segments, "/")
}

// parentDir returns the directory containing p, "" for the repository root.
func parentDir(p string) string {
	dir := path.Dir(strings.Trim(p, "/"))
	if dir == "." || dir == "/" {
		return ""
	}
	return dir
}
