package domain

import "errors"

// Errors
var (
	ErrBonusNotFound     = errors.New("bonus not found")
	ErrTemplateNotFound  = errors.New("bonus template not found")
	ErrInvalidStatus     = errors.New("bonus not in required state")
	ErrNotOwner          = errors.New("bonus does not belong to user")
	ErrUnknownBonusType  = errors.New("no handler registered for bonus type")
	ErrDuplicateClaim    = errors.New("bonus already claimed")
	ErrConcurrentUpdate  = errors.New("concurrent update detected")
	ErrLedger            = errors.New("ledger transfer failed")
	ErrTurnoverNotZero   = errors.New("bonus has turnover progress")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrUsageLimitReached = errors.New("bonus usage limit reached")
)
