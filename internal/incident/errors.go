package incident

import (
	"errors"
	"fmt"
)

var (
	// ErrFetchTimeout marks a fetch that exceeded its per-call timeout.
	ErrFetchTimeout = errors.New("fetch timeout")
	// ErrFetchTransport marks connection, DNS and HTTP-level fetch failures.
	ErrFetchTransport = errors.New("fetch transport error")
	// ErrSourceUnavailable is returned without calling the source while its breaker is open.
	ErrSourceUnavailable = errors.New("source unavailable")
	// ErrStoreUnavailable is fatal for a cycle.
	ErrStoreUnavailable = errors.New("store unavailable")
	// ErrRejected matches every *RejectionError.
	ErrRejected = errors.New("canonicalization rejected")
)

// RejectReason is a stable, metric-friendly rejection code.
type RejectReason string

const (
	ReasonMissingChain         RejectReason = "missing_chain"
	ReasonMissingTimestamp     RejectReason = "missing_timestamp"
	ReasonUnparseableTimestamp RejectReason = "unparseable_timestamp"
	ReasonFutureTimestamp      RejectReason = "future_timestamp"
	ReasonMissingProtocol      RejectReason = "missing_protocol"
	ReasonNegativeAmount       RejectReason = "negative_amount"
	ReasonUnparseableAmount    RejectReason = "unparseable_amount"
	ReasonUnsupportedPayload   RejectReason = "unsupported_payload"
)

// RejectionError explains why a candidate could not be canonicalized.
type RejectionError struct {
	Reason RejectReason
	Detail string
}

// Reject builds a RejectionError.
func Reject(reason RejectReason, format string, args ...any) *RejectionError {
	return &RejectionError{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

func (e *RejectionError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("rejected: %s", e.Reason)
	}
	return fmt.Sprintf("rejected: %s: %s", e.Reason, e.Detail)
}

// Is lets errors.Is(err, ErrRejected) match any rejection.
func (e *RejectionError) Is(target error) bool {
	return target == ErrRejected
}

// RejectionReason extracts the reason from err, if it is a rejection.
func RejectionReason(err error) (RejectReason, bool) {
	var rej *RejectionError
	if errors.As(err, &rej) {
		return rej.Reason, true
	}
	return "", false
}
