// Package protocol defines the wire types of the command stream: one JSON
// command per line in, one JSON response per line out, correlated by id.
package protocol

import (
	"github.com/voxlight/indicatord/internal/indicator"
)

type Kind string

const (
	KindShow   Kind = "show"
	KindHide   Kind = "hide"
	KindHealth Kind = "health"
	KindConfig Kind = "config"
)

type Status string

const (
	StatusOK    Status = "ok"
	StatusError Status = "error"
	StatusAlive Status = "alive"
)

// Error codes carried in error responses. The set is closed; peers switch
// on these strings.
const (
	CodeInvalidCommand       = "INVALID_COMMAND"
	CodeInvalidConfig        = "INVALID_CONFIG"
	CodeUnsupportedVersion   = "UNSUPPORTED_VERSION"
	CodePermissionDenied     = "PERMISSION_DENIED"
	CodeInternalError        = "INTERNAL_ERROR"
	CodeCommunicationFailure = "COMMUNICATION_FAILURE"
	CodeAccessibilityError   = "ACCESSIBILITY_ERROR"
)

// SupportedVersions is the set of protocol versions this engine accepts.
var SupportedVersions = []int{1}

// SentinelID is used when no id could be recovered from a rejected line.
const SentinelID = "unknown"

// MaxIDRunes bounds the id field in code points.
const MaxIDRunes = 256

// Command is one fully validated inbound command. Constructed once per
// line, immutable, discarded after dispatch.
type Command struct {
	ID      string
	Version int
	Kind    Kind
	Config  *indicator.Config
}

// Response is one outbound envelope. Field order here fixes the
// serialization order on the wire.
type Response struct {
	ID        string `json:"id"`
	Status    Status `json:"status"`
	Message   string `json:"message,omitempty"`
	Code      string `json:"code,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	PID       int    `json:"pid,omitempty"`
}

func OK(id, message string) Response {
	return Response{ID: id, Status: StatusOK, Message: message}
}

func Errorf(id, code, message string) Response {
	return Response{ID: id, Status: StatusError, Message: message, Code: code}
}

func Alive(id string, pid int, timestamp string) Response {
	return Response{ID: id, Status: StatusAlive, PID: pid, Timestamp: timestamp}
}
