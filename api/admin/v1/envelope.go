// Package adminv1 defines the JSON documents of the admin HTTP API.
package adminv1

import "time"

// CodeOK marks a successful response.
const CodeOK = "OK"

// Error codes carried in Envelope.Code and the X-Error-Code header.
const (
	CodeBadRequest      = "MT-ARG-4000"
	CodeAuthRequired    = "MT-AUTH-4010"
	CodeInvalidToken    = "MT-AUTH-4011"
	CodeForbidden       = "MT-ADMIN-4031"
	CodeStoreNotFound   = "MT-STORE-4040"
	CodeNotCoordinator  = "MT-CLUSTER-4090"
	CodeTooManyRequests = "MT-SYS-4290"
	CodeInternal        = "MT-SYS-5000"
	CodeShuttingDown    = "MT-SYS-5030"
	CodeNotReady        = "MT-SYS-5031"
)

// Envelope wraps every JSON response of the admin API except /metrics.
//
// Decoding into an Envelope whose Data holds a non-nil pointer fills that
// pointer, which is how clients unwrap typed payloads.
type Envelope struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id"`
	Timestamp int64  `json:"timestamp"`
	Data      any    `json:"data,omitempty"`
	Details   any    `json:"details,omitempty"`
}

// NewEnvelope wraps a successful payload.
func NewEnvelope(requestID string, data any) *Envelope {
	return &Envelope{
		Code:      CodeOK,
		Message:   "Success",
		RequestID: requestID,
		Timestamp: time.Now().UnixMilli(),
		Data:      data,
	}
}

// NewErrorEnvelope describes a failed request.
func NewErrorEnvelope(requestID, code, message string, details any) *Envelope {
	return &Envelope{
		Code:      code,
		Message:   message,
		RequestID: requestID,
		Timestamp: time.Now().UnixMilli(),
		Details:   details,
	}
}
