package model

import (
	"errors"
	"fmt"
)

// Operation outcomes. Every failure aborts the whole operation; none are
// retried internally.
var (
	// ErrMathOverflow is returned when checked arithmetic fails.
	ErrMathOverflow = errors.New("staking: math overflow")

	// ErrPoolNotFound is returned when no initialized pool matches an LP token.
	ErrPoolNotFound = errors.New("staking: pool not found")

	// ErrPoolAlreadyExists is returned when an LP token already has a pool.
	ErrPoolAlreadyExists = errors.New("staking: pool already exists")

	// ErrRegistryFull is returned when every registry slot is occupied.
	ErrRegistryFull = errors.New("staking: pool registry is full")

	// ErrInsufficientStake is returned when a withdrawal exceeds the position.
	ErrInsufficientStake = errors.New("staking: insufficient staked amount")

	// ErrInvalidTransferTarget is returned when a transfer names the wrong
	// escrow or an account of the wrong asset.
	ErrInvalidTransferTarget = errors.New("staking: invalid transfer target")

	// ErrInvariantViolation is returned when a position's pending reward
	// would be negative.
	ErrInvariantViolation = errors.New("staking: invariant violation")

	// ErrUnauthorized is returned when the acting identity may not perform
	// the operation.
	ErrUnauthorized = errors.New("staking: unauthorized")

	// ErrChefNotFound is returned for an unknown registry ID.
	ErrChefNotFound = errors.New("staking: master chef not found")

	// ErrPositionNotFound is returned when the caller has never deposited
	// into the pool.
	ErrPositionNotFound = errors.New("staking: position not found")
)

func mathError(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrMathOverflow, op, err)
}
