package core

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by engine operations. Callers classify
// with errors.Is; wrapped messages carry the operation context.
var (
	ErrInvalidParameter              = errors.New("invalid parameter")
	ErrUnauthorized                  = errors.New("caller not authorized")
	ErrPositionNotFound              = errors.New("position not found")
	ErrPositionExists                = errors.New("position already exists")
	ErrInsufficientCollateralization = errors.New("insufficient collateralization")
	ErrPendingWithdrawal             = errors.New("pending withdrawal request blocks operation")
	ErrNoPendingWithdrawal           = errors.New("no pending withdrawal request")
	ErrWithdrawalLivenessActive      = errors.New("withdrawal liveness has not passed")
	ErrLiquidationNotFound           = errors.New("liquidation not found")
	ErrLiquidationDeadlineExceeded   = errors.New("liquidation deadline exceeded")
	ErrLiquidationPriceOutOfBounds   = errors.New("liquidation price out of bounds")
	ErrLiquidationNotSettleable      = errors.New("liquidation not settleable")
	ErrContractExpired               = errors.New("contract expired")
	ErrContractNotExpired            = errors.New("contract not expired")
)

// ErrAlreadyWithdrawn classifies under ErrLiquidationNotSettleable: a
// party that already collected has nothing left to settle.
var ErrAlreadyWithdrawn = fmt.Errorf("%w: party already withdrew", ErrLiquidationNotSettleable)
