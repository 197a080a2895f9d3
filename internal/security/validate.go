// Package security implements the Security Pipeline: per-request
// validation, rate limiting, and an optional hardware attestation check.
// It sits inline on the hot path; any rejection here short-circuits the
// pipeline and consumes no model or queue capacity.
package security

import (
	"unicode"
	"unicode/utf8"

	"github.com/edgemcp/gateway/internal/gwerr"
	"github.com/edgemcp/gateway/pkg/models"
)

const (
	DefaultMaxPayloadBytes = 1 << 20 // 1 MiB
	DefaultMaxDepth        = 8
)

// recognizedMethods mirrors the closed set of MCP operations this gateway
// understands; an unrecognized method is rejected distinctly from a
// malformed one.
var recognizedMethods = map[string]bool{
	"completion":  true,
	"embedding":   true,
	"tool-call":   true,
	"tool_call":   true,
	"chat":        true,
	"vision":      true,
	"ping":        true,
	"initialize":  true,
}

// Validator checks structural validity of a Request before it is ever
// admitted to the Router.
type Validator struct {
	MaxPayloadBytes int
	MaxDepth        int
}

func NewValidator() *Validator {
	return &Validator{MaxPayloadBytes: DefaultMaxPayloadBytes, MaxDepth: DefaultMaxDepth}
}

// Validate implements validate(R) -> Ok | Reject(reason). Reject reasons
// distinguish MalformedRequest from OversizedRequest from UnknownMethod —
// all three surface as ErrMalformedRequest kinds with a distinguishing
// message, since the taxonomy in §7 treats them as one terminal class.
func (v *Validator) Validate(r *models.Request) error {
	if r.Method == "" {
		return gwerr.New(models.ErrMalformedRequest, "method must not be empty")
	}
	if !recognizedMethods[r.Method] {
		return gwerr.New(models.ErrMalformedRequest, "unrecognized method: "+r.Method)
	}
	if len(r.Params) > v.MaxPayloadBytes {
		return gwerr.New(models.ErrMalformedRequest, "payload exceeds maximum size")
	}
	if hasControlBytes(r.Params) {
		return gwerr.New(models.ErrMalformedRequest, "payload contains unprintable control bytes")
	}
	if depth := jsonNestingDepth(r.Params); depth > v.MaxDepth {
		return gwerr.New(models.ErrMalformedRequest, "payload structural nesting exceeds configured depth")
	}
	return nil
}

// hasControlBytes scans the raw params for control bytes other than the
// common whitespace separators permitted inside JSON text.
func hasControlBytes(raw []byte) bool {
	for len(raw) > 0 {
		r, size := utf8.DecodeRune(raw)
		if unicode.IsControl(r) && r != '\n' && r != '\r' && r != '\t' {
			return true
		}
		raw = raw[size:]
	}
	return false
}

// jsonNestingDepth performs a cheap bracket-count pass without a full JSON
// parse; it's sufficient for rejecting pathological nesting depth before
// any real parsing is attempted downstream.
func jsonNestingDepth(raw []byte) int {
	depth, maxDepth := 0, 0
	inString := false
	escaped := false
	for _, b := range raw {
		if inString {
			if escaped {
				escaped = false
				continue
			}
			switch b {
			case '\\':
				escaped = true
			case '"':
				inString = false
			}
			continue
		}
		switch b {
		case '"':
			inString = true
		case '{', '[':
			depth++
			if depth > maxDepth {
				maxDepth = depth
			}
		case '}', ']':
			depth--
		}
	}
	return maxDepth
}
