package config

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// ByteSize is a size in bytes that parses from plain integers or from
// human readable values such as "64MiB" or "5 GB".
type ByteSize int64

func ParseByteSize(value string) (ByteSize, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, fmt.Errorf("empty size")
	}
	if n, err := strconv.ParseInt(value, 10, 64); err == nil {
		if n < 0 {
			return 0, fmt.Errorf("size %q must not be negative", value)
		}
		return ByteSize(n), nil
	}
	n, err := humanize.ParseBytes(value)
	if err != nil {
		return 0, fmt.Errorf("parse size %q: %w", value, err)
	}
	if n > math.MaxInt64 {
		return 0, fmt.Errorf("size %q is too large", value)
	}
	return ByteSize(n), nil
}

func (b ByteSize) String() string {
	if b <= 0 {
		return "0"
	}
	return humanize.IBytes(uint64(b))
}

// Set implements pflag.Value.
func (b *ByteSize) Set(value string) error {
	parsed, err := ParseByteSize(value)
	if err != nil {
		return err
	}
	*b = parsed
	return nil
}

// Type implements pflag.Value.
func (b *ByteSize) Type() string {
	return "bytes"
}

func (b *ByteSize) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: size must be a scalar", node.Line)
	}
	if err := b.Set(node.Value); err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	return nil
}
