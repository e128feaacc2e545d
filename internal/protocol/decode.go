package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/voxlight/indicatord/internal/indicator"
)

// DecodeError is a semantically invalid command or config. Always
// recoverable: the line is answered with an error envelope and the stream
// continues.
type DecodeError struct {
	Code    string
	Message string
}

func (e *DecodeError) Error() string {
	return e.Message
}

func decodeErr(code, format string, args ...any) error {
	return &DecodeError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Decode maps a structurally validated JSON value into a typed Command.
// Domain validation order: id, protocol version, kind, config payload.
func Decode(doc any) (Command, error) {
	obj, ok := doc.(map[string]any)
	if !ok {
		return Command{}, decodeErr(CodeInvalidCommand, "command must be a JSON object")
	}

	id, ok := obj["id"].(string)
	if !ok || id == "" {
		return Command{}, decodeErr(CodeInvalidCommand, "missing or empty id")
	}
	if utf8.RuneCountInString(id) > MaxIDRunes {
		return Command{}, decodeErr(CodeInvalidCommand, "id exceeds %d code points", MaxIDRunes)
	}

	version, err := intField(obj, "v")
	if err != nil {
		return Command{}, decodeErr(CodeInvalidCommand, "missing or non-integer protocol version")
	}
	if !versionSupported(version) {
		return Command{}, decodeErr(CodeUnsupportedVersion,
			"unsupported protocol version %d (supported: %s)", version, supportedList())
	}

	kindStr, ok := obj["command"].(string)
	if !ok {
		return Command{}, decodeErr(CodeInvalidCommand, "missing command")
	}
	kind := Kind(kindStr)
	switch kind {
	case KindShow, KindHide, KindHealth, KindConfig:
	default:
		return Command{}, decodeErr(CodeInvalidCommand, "unknown command")
	}

	cmd := Command{ID: id, Version: version, Kind: kind}
	if raw, present := obj["config"]; present {
		cfg, err := decodeConfig(raw)
		if err != nil {
			return Command{}, err
		}
		cmd.Config = cfg
	}
	return cmd, nil
}

func decodeConfig(raw any) (*indicator.Config, error) {
	if _, ok := raw.(map[string]any); !ok {
		return nil, decodeErr(CodeInvalidConfig, "config must be a JSON object")
	}
	// The tree is already structurally validated; re-marshal the subtree to
	// decode it into the typed payload.
	buf, err := json.Marshal(raw)
	if err != nil {
		return nil, decodeErr(CodeInvalidConfig, "config not encodable: %v", err)
	}
	var cfg indicator.Config
	dec := json.NewDecoder(bytes.NewReader(buf))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, decodeErr(CodeInvalidConfig, "config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, &DecodeError{Code: CodeInvalidConfig, Message: err.Error()}
	}
	return &cfg, nil
}

func intField(obj map[string]any, key string) (int, error) {
	num, ok := obj[key].(float64)
	if !ok {
		return 0, fmt.Errorf("field %s missing or not a number", key)
	}
	if num != math.Trunc(num) {
		return 0, fmt.Errorf("field %s not an integer", key)
	}
	return int(num), nil
}

func versionSupported(v int) bool {
	for _, s := range SupportedVersions {
		if v == s {
			return true
		}
	}
	return false
}

func supportedList() string {
	parts := make([]string, len(SupportedVersions))
	for i, v := range SupportedVersions {
		parts[i] = strconv.Itoa(v)
	}
	return strings.Join(parts, ", ")
}

// ParseLegacy decodes the plain-text command form kept for old callers:
// "show [circle|ring|orb|center] [size]", "hide", "health". Legacy
// commands get a generated id and protocol version 1.
func ParseLegacy(text string) (Command, error) {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return Command{}, decodeErr(CodeInvalidCommand, "empty command")
	}
	id := uuid.NewString()
	switch fields[0] {
	case "health":
		return Command{ID: id, Version: 1, Kind: KindHealth}, nil
	case "hide":
		return Command{ID: id, Version: 1, Kind: KindHide}, nil
	case "show":
		cfg, err := legacyShowConfig(fields[1:])
		if err != nil {
			return Command{}, err
		}
		return Command{ID: id, Version: 1, Kind: KindShow, Config: cfg}, nil
	default:
		return Command{}, decodeErr(CodeInvalidCommand, "unknown command")
	}
}

func legacyShowConfig(args []string) (*indicator.Config, error) {
	if len(args) == 0 {
		return nil, nil
	}
	if len(args) > 2 {
		return nil, decodeErr(CodeInvalidCommand, "show takes at most a shape and a size")
	}
	cfg := &indicator.Config{}
	switch args[0] {
	case "circle", "ring", "orb":
		shape := indicator.Shape(args[0])
		cfg.Shape = &shape
	case "center":
		pos := indicator.PositionCenter
		cfg.Position = &pos
	default:
		return nil, decodeErr(CodeInvalidCommand, "unknown shape %q", args[0])
	}
	if len(args) == 2 {
		size, err := strconv.ParseFloat(args[1], 64)
		if err != nil {
			return nil, decodeErr(CodeInvalidCommand, "size %q is not a number", args[1])
		}
		cfg.Size = &size
	}
	if err := cfg.Validate(); err != nil {
		return nil, &DecodeError{Code: CodeInvalidConfig, Message: err.Error()}
	}
	return cfg, nil
}

var idPattern = regexp.MustCompile(`"id"\s*:\s*"((?:[^"\\]|\\.){1,256})"`)

// ExtractID recovers the best-available correlation id from a raw line
// whose full decoding failed. Falls back to SentinelID.
func ExtractID(raw []byte) string {
	var probe struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &probe); err == nil && probe.ID != "" &&
		utf8.RuneCountInString(probe.ID) <= MaxIDRunes {
		return probe.ID
	}
	if m := idPattern.FindSubmatch(raw); m != nil {
		if unquoted, err := strconv.Unquote(`"` + string(m[1]) + `"`); err == nil && unquoted != "" {
			return unquoted
		}
	}
	return SentinelID
}
