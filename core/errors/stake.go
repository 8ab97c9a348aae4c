package errors

import stderrors "errors"

var (
	ErrZeroAmount            = stderrors.New("stake: amount must be positive")
	ErrInsufficientPrincipal = stderrors.New("stake: insufficient principal")
	ErrNothingToClaim        = stderrors.New("stake: nothing to claim")
	ErrUnauthorized          = stderrors.New("stake: caller not authorized")
	ErrOverflow              = stderrors.New("stake: arithmetic overflow")
)
