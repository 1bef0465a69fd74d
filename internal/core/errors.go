// Package core defines sentinel errors.
package core

import "errors"

// Sentinel errors following ADR-021 error handling pattern.
// Decoding layers wrap them with fmt.Errorf("%w: ...") and callers test with errors.Is.
var (
	// Configuration errors, fatal at construction time.
	ErrConfiguration = errors.New("recorder: invalid configuration")

	// Noise handshake message malformed or key material unavailable. Stream fatal.
	ErrHandshake = errors.New("recorder: noise handshake failed")

	// AEAD authentication failure on a transport frame. Stream fatal.
	ErrDecrypt = errors.New("recorder: decryption failed")

	// multistream-select violation or unknown agreed protocol. Stream fatal.
	ErrNegotiation = errors.New("recorder: protocol negotiation failed")

	// Malformed or oversized mux frame. Connection fatal.
	ErrFraming = errors.New("recorder: mux framing error")

	// Application message could not be parsed.
	ErrParse = errors.New("recorder: message parse error")

	// Sink rejected a record.
	ErrSink = errors.New("recorder: sink write failed")

	// A pending buffer grew beyond its configured limit. Stream fatal.
	ErrBufferLimit = errors.New("recorder: buffer limit exceeded")

	// Sequence numbers of a stream direction went backwards. Stream fatal.
	ErrSequence = errors.New("recorder: sequence regression")

	// Pipeline errors
	ErrPipelineStopped = errors.New("recorder: pipeline stopped")
)

// ErrorClass returns a short label for err suitable for logs and metrics.
func ErrorClass(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrConfiguration):
		return "configuration"
	case errors.Is(err, ErrHandshake):
		return "handshake"
	case errors.Is(err, ErrDecrypt):
		return "decrypt"
	case errors.Is(err, ErrNegotiation):
		return "negotiation"
	case errors.Is(err, ErrFraming):
		return "framing"
	case errors.Is(err, ErrParse):
		return "parse"
	case errors.Is(err, ErrSink):
		return "sink"
	case errors.Is(err, ErrBufferLimit):
		return "buffer_limit"
	case errors.Is(err, ErrSequence):
		return "sequence"
	default:
		return "other"
	}
}
