package config

import (
	"fmt"
	"strconv"
	"strings"
)

// a byte count, written in TOML either as an integer or as a string
// with an optional K, M or G suffix
type ByteSize int64

func (b *ByteSize) UnmarshalText(text []byte) error {
	s := strings.TrimSpace(string(text))
	if s == "" {
		*b = 0
		return nil
	}
	mult := int64(1)
	switch s[len(s)-1] {
	case 'k', 'K':
		mult = 1 << 10
		s = s[:len(s)-1]
	case 'm', 'M':
		mult = 1 << 20
		s = s[:len(s)-1]
	case 'g', 'G':
		mult = 1 << 30
		s = s[:len(s)-1]
	}
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || n < 0 {
		return fmt.Errorf("config: invalid byte size %q", text)
	}
	*b = ByteSize(n * mult)
	return nil
}

func (b ByteSize) String() string {
	return strconv.FormatInt(int64(b), 10)
}
