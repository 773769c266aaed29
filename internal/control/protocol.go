package control

import (
	"encoding/json"
	"errors"

	"github.com/MrWong99/cadenza/internal/corpusfile"
	"github.com/MrWong99/cadenza/internal/engine"
	"github.com/MrWong99/cadenza/pkg/label"
	"github.com/MrWong99/cadenza/pkg/memory"
	"github.com/MrWong99/cadenza/pkg/player"
	"github.com/MrWong99/cadenza/pkg/scheduler"
	"github.com/MrWong99/cadenza/pkg/transform"
)

// Request is one control message sent by a client.
//
//	{"id": "7", "op": "influence", "player": "lead", "path": "melody",
//	 "args": {"keyword": "pitch", "value": 62}}
type Request struct {
	// ID is echoed in the reply so clients can pair them.
	ID     string          `json:"id,omitempty"`
	Op     string          `json:"op"`
	Player string          `json:"player,omitempty"`
	Path   string          `json:"path,omitempty"`
	Args   json.RawMessage `json:"args,omitempty"`
}

// Reply answers exactly one [Request].
type Reply struct {
	ID     string `json:"id,omitempty"`
	Op     string `json:"op"`
	OK     bool   `json:"ok"`
	Result any    `json:"result,omitempty"`
	Error  *Error `json:"error,omitempty"`
}

// Error is the failure part of a [Reply].
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Reply codes. Clients switch on these; messages are for humans.
const (
	CodeOK                = "ok"
	CodeBadRequest        = "bad_request"
	CodeUnknownOp         = "unknown_op"
	CodeUnknownPlayer     = "unknown_player"
	CodeInvalidPath       = "invalid_path"
	CodeDuplicateKey      = "duplicate_key"
	CodeInvalidLabelInput = "invalid_label_input"
	CodeTransformError    = "transform_error"
	CodeInvalidCorpus     = "invalid_corpus"
	CodeTriggerMode       = "trigger_mode"
	CodeInvalidArgument   = "invalid_argument"
)

var (
	// ErrBadRequest marks malformed messages and arguments.
	ErrBadRequest = errors.New("control: bad request")

	// ErrUnknownOp is returned for ops no handler is registered for.
	ErrUnknownOp = errors.New("control: unknown op")
)

// Code maps err to its reply code.
func Code(err error) string {
	switch {
	case err == nil:
		return CodeOK
	case errors.Is(err, ErrBadRequest):
		return CodeBadRequest
	case errors.Is(err, ErrUnknownOp):
		return CodeUnknownOp
	case errors.Is(err, engine.ErrUnknownPlayer), errors.Is(err, scheduler.ErrUnknownPlayer):
		return CodeUnknownPlayer
	case errors.Is(err, player.ErrInvalidPath):
		return CodeInvalidPath
	case errors.Is(err, player.ErrDuplicateKey):
		return CodeDuplicateKey
	case errors.Is(err, label.ErrInvalidInput):
		return CodeInvalidLabelInput
	case errors.Is(err, transform.ErrIncompatible):
		return CodeTransformError
	case errors.Is(err, player.ErrInvalidCorpus), errors.Is(err, engine.ErrUnknownCorpus),
		errors.Is(err, memory.ErrNoCorpus), errors.Is(err, corpusfile.ErrUnknownFormat):
		return CodeInvalidCorpus
	case errors.Is(err, engine.ErrTriggerMode):
		return CodeTriggerMode
	}
	return CodeInvalidArgument
}

func replyTo(req Request, result any, err error) Reply {
	r := Reply{ID: req.ID, Op: req.Op, OK: err == nil, Result: result}
	if err != nil {
		r.Result = nil
		r.Error = &Error{Code: Code(err), Message: err.Error()}
	}
	return r
}
