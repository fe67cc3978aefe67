package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// ByteSize is a number of bytes that can be given in config files either as
// a plain integer or as a human-readable string such as "64KB" or "4MiB".
type ByteSize int64

func (b ByteSize) Int() int {
	return int(b)
}

var byteSizeSuffixes = []struct {
	suffix     string
	multiplier int64
}{
	// Longer suffixes must come first so that e.g. "KiB" is not matched as "B".
	{"KIB", 1 << 10},
	{"MIB", 1 << 20},
	{"GIB", 1 << 30},
	{"KB", 1000},
	{"MB", 1000 * 1000},
	{"GB", 1000 * 1000 * 1000},
	{"B", 1},
}

// ParseByteSize parses strings such as "512", "512B", "64KB" or "4MiB".
func ParseByteSize(s string) (ByteSize, error) {
	trimmed := strings.TrimSpace(s)
	upper := strings.ToUpper(trimmed)
	multiplier := int64(1)
	number := upper
	for _, candidate := range byteSizeSuffixes {
		if strings.HasSuffix(upper, candidate.suffix) {
			multiplier = candidate.multiplier
			number = strings.TrimSpace(strings.TrimSuffix(upper, candidate.suffix))
			break
		}
	}
	value, err := strconv.ParseInt(number, 10, 64)
	if err != nil {
		return 0, errors.Errorf("%q is not a valid byte size", s)
	}
	if value < 0 {
		return 0, errors.Errorf("byte size %q must not be negative", s)
	}
	return ByteSize(value * multiplier), nil
}

func (b ByteSize) String() string {
	return fmt.Sprintf("%dB", int64(b))
}
