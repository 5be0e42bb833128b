package upload

import (
	"fmt"
	"path"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

const maxFileNameLength = 255

// chunkKey names the blob holding one chunk. The nonce keeps two writers of
// the same slot from overwriting each other before the record insert decides
// the winner.
func chunkKey(token string, chunkNumber int, nonce string) string {
	return fmt.Sprintf("uploads/%s/chunks/%06d-%s", token, chunkNumber, nonce)
}

// finalKey names the assembled artifact.
func finalKey(mediaType, fileName, id string, at time.Time) string {
	at = at.UTC()
	return fmt.Sprintf("media/%s/%04d/%02d/%s%s", mediaType, at.Year(), int(at.Month()), id, safeExtension(fileName))
}

// safeExtension returns the lowercased extension of name when it is short and
// alphanumeric, or an empty string.
func safeExtension(name string) string {
	ext := strings.ToLower(path.Ext(name))
	if len(ext) < 2 || len(ext) > 10 {
		return ""
	}
	for _, r := range ext[1:] {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return ""
		}
	}
	return ext
}

// normalizeFileName converts the client supplied name to NFC and rejects
// names that could be interpreted as paths.
func normalizeFileName(name string) (string, error) {
	name = strings.TrimSpace(norm.NFC.String(name))
	if name == "" {
		return "", validationError("file name is required")
	}
	if strings.ContainsAny(name, `/\`) {
		return "", validationError("file name must not contain path separators")
	}
	if name == "." || name == ".." {
		return "", validationError("invalid file name %q", name)
	}
	if len(name) > maxFileNameLength {
		return "", validationError("file name exceeds %d bytes", maxFileNameLength)
	}
	for _, r := range name {
		if unicode.IsControl(r) {
			return "", validationError("file name contains control characters")
		}
	}
	return name, nil
}
