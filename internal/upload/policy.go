package upload

import (
	"mime"
	"sort"
	"strings"
	"time"

	"mediahub/internal/checksum"
)

const (
	MediaTypeImage    = "image"
	MediaTypeVideo    = "video"
	MediaTypeAudio    = "audio"
	MediaTypeDocument = "document"
)

const (
	defaultMaxFileSize      int64 = 5 << 30
	defaultMinChunkSize     int64 = 64 << 10
	defaultMaxChunkSize     int64 = 64 << 20
	defaultChunkSize        int64 = 5 << 20
	defaultSessionTTL             = 24 * time.Hour
	defaultMaxImageFileSize int64 = 50 << 20
)

// MediaPolicy constrains uploads of one media type. A zero MaxFileSize falls
// back to the global maximum. MIME types may end in "/*" to allow a whole
// top-level type.
type MediaPolicy struct {
	MaxFileSize int64    `yaml:"maxFileSize"`
	MimeTypes   []string `yaml:"mimeTypes"`
}

// Limits holds the validation rules applied to new sessions and chunks.
type Limits struct {
	MaxFileSize       int64
	MinChunkSize      int64
	MaxChunkSize      int64
	DefaultChunkSize  int64
	SessionTTL        time.Duration
	ChecksumAlgorithm checksum.Algorithm
	MediaTypes        map[string]MediaPolicy
}

// DefaultMediaTypes returns the built-in media categories and their allow-lists.
func DefaultMediaTypes() map[string]MediaPolicy {
	return map[string]MediaPolicy{
		MediaTypeImage: {
			MaxFileSize: defaultMaxImageFileSize,
			MimeTypes:   []string{"image/jpeg", "image/png", "image/gif", "image/webp", "image/avif", "image/heic", "image/svg+xml"},
		},
		MediaTypeVideo: {
			MimeTypes: []string{"video/mp4", "video/quicktime", "video/webm", "video/x-matroska", "video/mpeg"},
		},
		MediaTypeAudio: {
			MaxFileSize: 1 << 30,
			MimeTypes:   []string{"audio/mpeg", "audio/mp4", "audio/aac", "audio/ogg", "audio/wav", "audio/x-wav", "audio/flac", "audio/webm"},
		},
		MediaTypeDocument: {
			MaxFileSize: 500 << 20,
			MimeTypes: []string{
				"application/pdf",
				"application/zip",
				"application/json",
				"application/msword",
				"application/vnd.openxmlformats-officedocument.wordprocessingml.document",
				"text/*",
			},
		},
	}
}

// DefaultLimits returns the limits used when no configuration overrides them.
func DefaultLimits() Limits {
	return Limits{
		MaxFileSize:       defaultMaxFileSize,
		MinChunkSize:      defaultMinChunkSize,
		MaxChunkSize:      defaultMaxChunkSize,
		DefaultChunkSize:  defaultChunkSize,
		SessionTTL:        defaultSessionTTL,
		ChecksumAlgorithm: checksum.Default,
		MediaTypes:        DefaultMediaTypes(),
	}
}

func (l Limits) withDefaults() Limits {
	defaults := DefaultLimits()
	if l.MaxFileSize <= 0 {
		l.MaxFileSize = defaults.MaxFileSize
	}
	if l.MinChunkSize <= 0 {
		l.MinChunkSize = 1
	}
	if l.MaxChunkSize <= 0 {
		l.MaxChunkSize = defaults.MaxChunkSize
	}
	if l.MaxChunkSize < l.MinChunkSize {
		l.MaxChunkSize = l.MinChunkSize
	}
	if l.DefaultChunkSize <= 0 {
		l.DefaultChunkSize = defaults.DefaultChunkSize
	}
	if l.DefaultChunkSize < l.MinChunkSize {
		l.DefaultChunkSize = l.MinChunkSize
	}
	if l.DefaultChunkSize > l.MaxChunkSize {
		l.DefaultChunkSize = l.MaxChunkSize
	}
	if l.SessionTTL <= 0 {
		l.SessionTTL = defaults.SessionTTL
	}
	if l.ChecksumAlgorithm == "" {
		l.ChecksumAlgorithm = defaults.ChecksumAlgorithm
	}
	if len(l.MediaTypes) == 0 {
		l.MediaTypes = defaults.MediaTypes
	}
	return l
}

// maxFileSize resolves the size ceiling for a media type.
func (l Limits) maxFileSize(policy MediaPolicy) int64 {
	if policy.MaxFileSize > 0 && policy.MaxFileSize < l.MaxFileSize {
		return policy.MaxFileSize
	}
	return l.MaxFileSize
}

// MediaTypeNames lists the configured categories in sorted order.
func (l Limits) MediaTypeNames() []string {
	names := make([]string, 0, len(l.MediaTypes))
	for name := range l.MediaTypes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// resolveMediaType returns the policy for the declared media type. When no
// media type is declared, the first category whose allow-list admits the MIME
// type is chosen.
func (l Limits) resolveMediaType(declared, mimeType string) (string, MediaPolicy, error) {
	declared = strings.ToLower(strings.TrimSpace(declared))
	if declared != "" {
		policy, ok := l.MediaTypes[declared]
		if !ok {
			return "", MediaPolicy{}, validationError("unsupported media type %q", declared)
		}
		return declared, policy, nil
	}
	for _, name := range l.MediaTypeNames() {
		policy := l.MediaTypes[name]
		if policy.allows(mimeType) {
			return name, policy, nil
		}
	}
	return "", MediaPolicy{}, validationError("mime type %q is not accepted", mimeType)
}

func (p MediaPolicy) allows(mimeType string) bool {
	for _, pattern := range p.MimeTypes {
		pattern = strings.ToLower(strings.TrimSpace(pattern))
		if pattern == "" {
			continue
		}
		if pattern == "*/*" || pattern == mimeType {
			return true
		}
		if prefix, ok := strings.CutSuffix(pattern, "/*"); ok && strings.HasPrefix(mimeType, prefix+"/") {
			return true
		}
	}
	return false
}

// normalizeMimeType lowercases the media type and drops parameters such as
// charset.
func normalizeMimeType(value string) (string, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", validationError("mime type is required")
	}
	mediaType, _, err := mime.ParseMediaType(value)
	if err != nil || !strings.Contains(mediaType, "/") {
		return "", validationError("invalid mime type %q", value)
	}
	return strings.ToLower(mediaType), nil
}
