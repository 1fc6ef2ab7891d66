// Package fault defines the kernel's error taxonomy with deterministic codes.
//
// Every failure surfaced by the resolver, the capability model, or the harness
// names the offending item or grant so a caller can attribute the failure to a
// specific layer of the delegation chain.
package fault

import (
	"errors"
	"fmt"
)

// Deterministic error codes. Stable across versions; treated as API.
const (
	CodeNotFound             = "ERR_NOT_FOUND"
	CodeMalformedItem        = "ERR_MALFORMED_ITEM"
	CodeCycleDetected        = "ERR_CYCLE_DETECTED"
	CodeChainTooDeep         = "ERR_CHAIN_TOO_DEEP"
	CodePermissionDenied     = "ERR_PERMISSION_DENIED"
	CodePermissionEscalation = "ERR_PERMISSION_ESCALATION"
	CodeBudgetExceeded       = "ERR_BUDGET_EXCEEDED"
	CodeTimeout              = "ERR_TIMEOUT"
	CodeSignal               = "ERR_SIGNAL"
	CodeNetwork              = "ERR_NETWORK"
	CodeLockfileStale        = "ERR_LOCKFILE_STALE"
	CodeIntegrity            = "ERR_INTEGRITY_MISMATCH"
	CodeConfigInvalid        = "ERR_CONFIG_INVALID"
)

// Error is a kernel error bound to the chain position where it occurred.
type Error struct {
	Code   string   `json:"code"`
	ItemID string   `json:"item_id,omitempty"` // offending item, if attributable
	Grant  string   `json:"grant,omitempty"`   // offending grant, if attributable
	Chain  []string `json:"chain,omitempty"`   // ordered item IDs walked before failure

	Message string `json:"message"`
	Cause   error  `json:"-"`
}

func (e *Error) Error() string {
	if e.ItemID != "" {
		return fmt.Sprintf("%s: %s (item=%s)", e.Code, e.Message, e.ItemID)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New constructs a kernel error with a code and message.
func New(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithItem binds the error to the item it occurred on.
func (e *Error) WithItem(itemID string) *Error {
	e.ItemID = itemID
	return e
}

// WithGrant binds the error to the grant that was missing or exceeded.
func (e *Error) WithGrant(grant string) *Error {
	e.Grant = grant
	return e
}

// WithChain records the chain path walked before the failure.
func (e *Error) WithChain(chain []string) *Error {
	e.Chain = chain
	return e
}

// WithCause wraps an underlying error.
func (e *Error) WithCause(err error) *Error {
	e.Cause = err
	return e
}

// CodeOf extracts the kernel error code from err, or "" if err is not a
// kernel error.
func CodeOf(err error) string {
	var ke *Error
	if errors.As(err, &ke) {
		return ke.Code
	}
	return ""
}

// Is reports whether err carries the given code anywhere in its chain.
func Is(err error, code string) bool {
	return CodeOf(err) == code
}

// IsBudget distinguishes a policy stop from an execution error. Callers may
// re-invoke with a larger budget; nothing else should be auto-retried.
func IsBudget(err error) bool {
	return Is(err, CodeBudgetExceeded)
}
