/*
Package game
File: errors.go
Description:
    Error codes shared by the ledger, the backend and the HTTP layer.
*/

package game

import (
	"errors"
	"fmt"
)

// Code is a stable, wire-visible error code.
type Code string

const (
	CodeSequenceViolation Code = "E_SEQUENCE_VIOLATION"
	CodeInsufficientFunds Code = "E_INSUFFICIENT_FUNDS"
	CodeNotDiscovered     Code = "E_NOT_DISCOVERED"
	CodeAlreadyDiscovered Code = "E_ALREADY_DISCOVERED"
	CodeAlreadyMinted     Code = "E_ALREADY_MINTED"
	CodeAlreadyClaimed    Code = "E_ALREADY_CLAIMED"
	CodeAlreadyClaimedDay Code = "E_ALREADY_CLAIMED_TODAY"
	CodeUnknownBody       Code = "E_UNKNOWN_BODY"
	CodeUnknownUtility    Code = "E_UNKNOWN_UTILITY"
	CodePrerequisite      Code = "E_PREREQUISITE"
	CodeAlreadyUnlocked   Code = "E_ALREADY_UNLOCKED"
	CodeClaimPending      Code = "E_CLAIM_PENDING"
	CodeNothingToClaim    Code = "E_NOTHING_TO_CLAIM"
	CodeUnreachable       Code = "E_UNREACHABLE"
	CodeRejected          Code = "E_REJECTED"
	CodeBadRequest        Code = "E_BAD_REQUEST"
	CodeStale             Code = "E_STALE"
	CodeNotFound          Code = "E_NOT_FOUND"
	CodeAlreadyReferred   Code = "E_ALREADY_REFERRED"
	CodeTransferFailed    Code = "E_TRANSFER_FAILED"
	CodeInvalidReferral   Code = "E_INVALID_REFERRAL"
)

// Error is the error type every ledger operation fails with. Failed operations
// never leave partial state behind.
type Error struct {
	Code        Code   `json:"code"`
	Message     string `json:"error"`
	Predecessor string `json:"predecessor,omitempty"` // SequenceViolation: body that must be discovered first
	Shortfall   Amount `json:"shortfall,omitempty"`   // InsufficientFunds: how much is missing
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is matches on Code so errors.Is(err, ErrInsufficientFunds) works for any
// shortfall or message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// Benign reports whether the error is an idempotent "already done" outcome.
func (e *Error) Benign() bool {
	switch e.Code {
	case CodeAlreadyDiscovered, CodeAlreadyMinted, CodeAlreadyClaimed, CodeAlreadyClaimedDay, CodeAlreadyReferred:
		return true
	}
	return false
}

var (
	ErrSequenceViolation = &Error{Code: CodeSequenceViolation}
	ErrInsufficientFunds = &Error{Code: CodeInsufficientFunds}
	ErrNotDiscovered     = &Error{Code: CodeNotDiscovered}
	ErrAlreadyDiscovered = &Error{Code: CodeAlreadyDiscovered}
	ErrAlreadyMinted     = &Error{Code: CodeAlreadyMinted}
	ErrAlreadyClaimed    = &Error{Code: CodeAlreadyClaimed}
	ErrAlreadyClaimedDay = &Error{Code: CodeAlreadyClaimedDay}
	ErrUnknownBody       = &Error{Code: CodeUnknownBody}
	ErrUnknownUtility    = &Error{Code: CodeUnknownUtility}
	ErrPrerequisite      = &Error{Code: CodePrerequisite}
	ErrAlreadyUnlocked   = &Error{Code: CodeAlreadyUnlocked}
	ErrClaimPending      = &Error{Code: CodeClaimPending}
	ErrNothingToClaim    = &Error{Code: CodeNothingToClaim}
	ErrUnreachable       = &Error{Code: CodeUnreachable}
	ErrRejected          = &Error{Code: CodeRejected}
	ErrBadRequest        = &Error{Code: CodeBadRequest}
)

// AsError unwraps err into an *Error when it carries one.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

func errorf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func sequenceViolation(body, predecessor string) *Error {
	return &Error{
		Code:        CodeSequenceViolation,
		Message:     fmt.Sprintf("discover %s before %s", predecessor, body),
		Predecessor: predecessor,
	}
}

func insufficientFunds(need, have Amount) *Error {
	return &Error{
		Code:      CodeInsufficientFunds,
		Message:   fmt.Sprintf("need %s STAR, have %s", need, have),
		Shortfall: need - have,
	}
}
