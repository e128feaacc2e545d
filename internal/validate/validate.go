// Package validate bounds-checks raw input lines and parsed JSON shape
// before any domain decoding happens. All checks are pure functions of the
// input; failures are recoverable and reported per line.
package validate

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

var (
	ErrCommandTooLong    = errors.New("command too long")
	ErrInvalidEncoding   = errors.New("invalid encoding")
	ErrInvalidJSON       = errors.New("invalid json")
	ErrNestingTooDeep    = errors.New("nesting too deep")
	ErrTooManyKeys       = errors.New("too many keys")
	ErrArrayTooLong      = errors.New("array too long")
	ErrInvalidCharacters = errors.New("invalid characters")
)

type Limits struct {
	MaxBytes    int
	MaxDepth    int
	MaxKeys     int
	MaxArrayLen int
}

func DefaultLimits() Limits {
	return Limits{
		MaxBytes:    8192,
		MaxDepth:    5,
		MaxKeys:     50,
		MaxArrayLen: 100,
	}
}

// denied lists shell metacharacters and quoting characters that have no
// business inside any string value of this protocol.
const denied = ";|&`$(){}[]<>\"'\\"

// deniedSchemes are rejected as substrings of any string value, case
// insensitively.
var deniedSchemes = []string{"javascript:", "data:", "vbscript:", "file:"}

// Validate runs the full structural pipeline on one raw line and returns
// the parsed JSON value on success. Checks run in a fixed order: byte cap,
// UTF-8 + NFC normalization, JSON parse, tree bounds, string content.
func Validate(raw []byte, lim Limits) (any, error) {
	normalized, err := checkEncoding(raw, lim)
	if err != nil {
		return nil, err
	}

	dec := json.NewDecoder(bytes.NewReader(normalized))
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, ErrInvalidJSON
	}
	// A line must hold exactly one JSON value.
	if _, err := dec.Token(); err != io.EOF {
		return nil, ErrInvalidJSON
	}

	keys := 0
	if err := walk(doc, 1, &keys, lim); err != nil {
		return nil, err
	}
	return doc, nil
}

// ValidateText applies the byte, encoding, and character checks to a
// non-JSON line (the legacy plain-text command form) and returns the
// normalized text.
func ValidateText(raw []byte, lim Limits) (string, error) {
	normalized, err := checkEncoding(raw, lim)
	if err != nil {
		return "", err
	}
	text := strings.TrimSpace(string(normalized))
	if err := checkString(text); err != nil {
		return "", err
	}
	return text, nil
}

func checkEncoding(raw []byte, lim Limits) ([]byte, error) {
	if len(raw) > lim.MaxBytes {
		return nil, ErrCommandTooLong
	}
	if !utf8.Valid(raw) {
		return nil, ErrInvalidEncoding
	}
	return norm.NFC.Bytes(raw), nil
}

func walk(v any, depth int, keys *int, lim Limits) error {
	if depth > lim.MaxDepth {
		return ErrNestingTooDeep
	}
	switch t := v.(type) {
	case map[string]any:
		*keys += len(t)
		if *keys > lim.MaxKeys {
			return ErrTooManyKeys
		}
		for k, child := range t {
			if err := checkString(k); err != nil {
				return err
			}
			if err := walk(child, depth+1, keys, lim); err != nil {
				return err
			}
		}
	case []any:
		if len(t) > lim.MaxArrayLen {
			return ErrArrayTooLong
		}
		for _, child := range t {
			if err := walk(child, depth+1, keys, lim); err != nil {
				return err
			}
		}
	case string:
		if err := checkString(t); err != nil {
			return err
		}
	}
	return nil
}

func checkString(s string) error {
	for _, r := range s {
		if unicode.IsControl(r) {
			return ErrInvalidCharacters
		}
		if isInvisibleOverride(r) {
			return ErrInvalidCharacters
		}
		if strings.ContainsRune(denied, r) {
			return ErrInvalidCharacters
		}
	}
	lower := strings.ToLower(s)
	for _, scheme := range deniedSchemes {
		if strings.Contains(lower, scheme) {
			return ErrInvalidCharacters
		}
	}
	return nil
}

// isInvisibleOverride reports zero-width and bidi control code points that
// can disguise the visual content of a string.
func isInvisibleOverride(r rune) bool {
	switch {
	case r >= 0x200B && r <= 0x200F: // zero-width space..RLM
		return true
	case r >= 0x202A && r <= 0x202E: // bidi embeddings and overrides
		return true
	case r >= 0x2060 && r <= 0x2064: // word joiner, invisible operators
		return true
	case r >= 0x2066 && r <= 0x2069: // bidi isolates
		return true
	case r == 0xFEFF || r == 0x061C: // BOM, arabic letter mark
		return true
	}
	return false
}
