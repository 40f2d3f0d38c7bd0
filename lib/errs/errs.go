package errs

import "errors"

var ErrNotFound = errors.New("not found")

var ErrAlreadyExists = errors.New("already exists")

var ErrInternal = errors.New("internal error")

var ErrValidation = errors.New("invalid input")

var ErrInsufficientFunds = errors.New("insufficient funds")

var ErrInsufficientShares = errors.New("insufficient shares")

var ErrQuoteUnavailable = errors.New("quote unavailable")

// ErrStorage marks a durable-write failure. A trade that fails with it must
// be treated as not-executed until the caller re-checks the ledger.
var ErrStorage = errors.New("storage failure")

var ErrInvalidCredentials = errors.New("invalid credentials")

var ErrInvalidToken = errors.New("invalid or expired token")
