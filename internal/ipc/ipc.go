// Package ipc defines loom's daemon wire protocol (§6.3): a 4-byte
// big-endian length prefix followed by a UTF-8 JSON body, capped at
// MaxFrameSize. Requests and responses are tagged unions encoded as a
// `type` discriminator field plus the payload for that type, so a single
// Go struct can round-trip through encoding/json without a custom
// marshaler — the same shape catherdd's proto package uses for its
// newline-delimited Request/Response, adapted here to length-prefixed
// framing because a StatusUpdate body can exceed a single line's worth
// of usefully-streamable JSON.
package ipc

import (
	"fmt"
	"time"
)

// MaxFrameSize bounds a single frame's JSON body (§6.3).
const MaxFrameSize = 10 * 1024 * 1024

// MaxConnections caps concurrent client connections (§6.3).
const MaxConnections = 100

// ReqType discriminates Request payloads.
type ReqType string

const (
	ReqPing            ReqType = "ping"
	ReqSubscribeStatus ReqType = "subscribe_status"
	ReqSubscribeLogs   ReqType = "subscribe_logs"
	ReqStop            ReqType = "stop"
)

// Request is the client->daemon envelope. Only the fields relevant to
// Type are populated.
type Request struct {
	Type ReqType `json:"type"`

	// KillSessions is set on ReqStop (§5 Cancellation: "an optional
	// Stop{kill_sessions=true} closes their windows before exit").
	KillSessions bool `json:"kill_sessions,omitempty"`
}

// RspType discriminates Response payloads.
type RspType string

const (
	RspPong         RspType = "pong"
	RspOk           RspType = "ok"
	RspError        RspType = "error"
	RspStatusUpdate RspType = "status_update"
	RspLogLine      RspType = "log_line"
)

// ErrorKind names the category of a RspError. It is a separate vocabulary
// from errs.Kind and does not import that package (ipc must stay
// decodable by clients that do not depend on loom's internals).
type ErrorKind string

const (
	ErrKindBadRequest ErrorKind = "bad_request"
	ErrKindInternal   ErrorKind = "internal"
)

// StageInfo is the IPC projection of a model.Stage (§6.3).
type StageInfo struct {
	ID             string     `json:"id"`
	Status         string     `json:"status"`
	Merged         bool       `json:"merged"`
	Depth          int        `json:"depth"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	PID            int        `json:"pid,omitempty"`
	ContextPercent int        `json:"context_percent,omitempty"`
}

// SessionInfo is the IPC projection of a model.Session.
type SessionInfo struct {
	ID             string `json:"id"`
	StageID        string `json:"stage_id"`
	Kind           string `json:"kind"`
	Status         string `json:"status"`
	PID            int    `json:"pid,omitempty"`
	ContextPercent int    `json:"context_percent,omitempty"`
}

// Response is the daemon->client envelope.
type Response struct {
	Type RspType `json:"type"`

	// Error payload.
	ErrorKind ErrorKind `json:"error_kind,omitempty"`
	Message   string    `json:"message,omitempty"`

	// StatusUpdate payload.
	Stages      []StageInfo   `json:"stages,omitempty"`
	Sessions    []SessionInfo `json:"sessions,omitempty"`
	GeneratedAt time.Time     `json:"generated_at,omitempty"`

	// LogLine payload.
	Ts    time.Time `json:"ts,omitempty"`
	Level string    `json:"level,omitempty"`
	Text  string    `json:"text,omitempty"`
}

func Pong() Response { return Response{Type: RspPong} }
func Ok() Response    { return Response{Type: RspOk} }

func Error(kind ErrorKind, format string, args ...interface{}) Response {
	return Response{Type: RspError, ErrorKind: kind, Message: fmt.Sprintf(format, args...)}
}

func StatusUpdate(stages []StageInfo, sessions []SessionInfo, generatedAt time.Time) Response {
	return Response{Type: RspStatusUpdate, Stages: stages, Sessions: sessions, GeneratedAt: generatedAt}
}

func LogLine(ts time.Time, level, text string) Response {
	return Response{Type: RspLogLine, Ts: ts, Level: level, Text: text}
}
