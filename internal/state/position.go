package state

import (
	fpmath "TickBook/internal/math"
	"TickBook/internal/order"

	"github.com/holiman/uint256"
)

// Status is the lifecycle of a resting order as seen by one contributor.
type Status int32

const (
	StatusOpen Status = iota
	StatusWaitingKeeper
	StatusExecuted
	StatusCanceled
)

func (s Status) String() string {
	switch s {
	case StatusOpen:
		return "open"
	case StatusWaitingKeeper:
		return "waiting_keeper"
	case StatusExecuted:
		return "executed"
	case StatusCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// PositionState is the aggregated record of one PositionID.
type PositionState struct {
	ID            order.PositionID
	Active        bool
	WaitingKeeper bool
	Executed      bool

	// Sum of every contributor's liquidity. After execution it keeps
	// counting unclaimed shares so principal can be split pro rata.
	TotalLiquidity *uint256.Int

	// Cumulative fees per unit of liquidity, Q128.
	FeePerLiquidity fpmath.Pair

	// Unclaimed proceeds of the execution burn, excluding fees.
	Principal fpmath.Pair
}

func newPositionState(id order.PositionID) *PositionState {
	return &PositionState{
		ID:              id,
		TotalLiquidity:  new(uint256.Int),
		FeePerLiquidity: fpmath.NewPair(),
		Principal:       fpmath.NewPair(),
	}
}

// UserPosition is one contributor's share of a PositionState.
type UserPosition struct {
	Liquidity           *uint256.Int
	Fees                fpmath.Pair
	LastFeePerLiquidity fpmath.Pair
	ClaimablePrincipal  fpmath.Pair

	// PrincipalFixed is set once the user's principal is known (cancel).
	PrincipalFixed bool
}

func newUserPosition(acc fpmath.Pair) *UserPosition {
	return &UserPosition{
		Liquidity:           new(uint256.Int),
		Fees:                fpmath.NewPair(),
		LastFeePerLiquidity: acc.Clone(),
		ClaimablePrincipal:  fpmath.NewPair(),
	}
}

// Status derives the contributor-facing status.
func (p *PositionState) Status(u *UserPosition) Status {
	switch {
	case u != nil && u.PrincipalFixed:
		return StatusCanceled
	case p.Executed:
		return StatusExecuted
	case p.WaitingKeeper:
		return StatusWaitingKeeper
	default:
		return StatusOpen
	}
}
