package state

import (
	"fmt"
	"sort"

	fpmath "TickBook/internal/math"
	"TickBook/internal/order"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// PairSnapshot carries a Pair as decimal strings so snapshots stay readable
// and lossless.
type PairSnapshot struct {
	Amount0 string `json:"amount0"`
	Amount1 string `json:"amount1"`
}

type UserSnapshot struct {
	User                common.Address `json:"user"`
	Liquidity           string         `json:"liquidity"`
	Fees                PairSnapshot   `json:"fees"`
	LastFeePerLiquidity PairSnapshot   `json:"last_fee_per_liquidity"`
	ClaimablePrincipal  PairSnapshot   `json:"claimable_principal"`
	PrincipalFixed      bool           `json:"principal_fixed"`
}

type PositionSnapshot struct {
	ID              order.PositionID `json:"id"`
	Active          bool             `json:"active"`
	WaitingKeeper   bool             `json:"waiting_keeper"`
	Executed        bool             `json:"executed"`
	TotalLiquidity  string           `json:"total_liquidity"`
	FeePerLiquidity PairSnapshot     `json:"fee_per_liquidity"`
	Principal       PairSnapshot     `json:"principal"`
	Users           []UserSnapshot   `json:"users"`
}

type NonceSnapshot struct {
	Base  order.BaseID `json:"base"`
	Nonce uint64       `json:"nonce"`
}

// RegistrySnapshot is the full serializable state of one pool's registry.
// The tick index is rebuilt from active positions on restore.
type RegistrySnapshot struct {
	TickSpacing int32              `json:"tick_spacing"`
	Nonces      []NonceSnapshot    `json:"nonces"`
	Positions   []PositionSnapshot `json:"positions"`
}

// Export produces a deterministic snapshot (sorted by trigger tick, side, nonce).
func (r *Registry) Export() RegistrySnapshot {
	snap := RegistrySnapshot{TickSpacing: r.index.Spacing()}

	for base, nonce := range r.nonces {
		snap.Nonces = append(snap.Nonces, NonceSnapshot{Base: base, Nonce: nonce})
	}
	sort.Slice(snap.Nonces, func(i, j int) bool {
		return lessBase(snap.Nonces[i].Base, snap.Nonces[j].Base)
	})

	for key, p := range r.positions {
		ps := PositionSnapshot{
			ID:              p.ID,
			Active:          p.Active,
			WaitingKeeper:   p.WaitingKeeper,
			Executed:        p.Executed,
			TotalLiquidity:  p.TotalLiquidity.Dec(),
			FeePerLiquidity: pairSnapshot(p.FeePerLiquidity),
			Principal:       pairSnapshot(p.Principal),
		}
		for _, addr := range r.Contributors(p.ID) {
			u := r.users[key][addr]
			ps.Users = append(ps.Users, UserSnapshot{
				User:                addr,
				Liquidity:           u.Liquidity.Dec(),
				Fees:                pairSnapshot(u.Fees),
				LastFeePerLiquidity: pairSnapshot(u.LastFeePerLiquidity),
				ClaimablePrincipal:  pairSnapshot(u.ClaimablePrincipal),
				PrincipalFixed:      u.PrincipalFixed,
			})
		}
		snap.Positions = append(snap.Positions, ps)
	}
	sort.Slice(snap.Positions, func(i, j int) bool {
		a, b := snap.Positions[i].ID, snap.Positions[j].ID
		if a.BaseID != b.BaseID {
			return lessBase(a.BaseID, b.BaseID)
		}
		return a.Nonce < b.Nonce
	})
	return snap
}

// RestoreRegistry rebuilds a registry and its tick index from a snapshot.
func RestoreRegistry(snap RegistrySnapshot) (*Registry, error) {
	if snap.TickSpacing <= 0 {
		return nil, fmt.Errorf("restore registry: invalid tick spacing %d", snap.TickSpacing)
	}
	r := NewRegistry(snap.TickSpacing)
	for _, n := range snap.Nonces {
		r.nonces[n.Base] = n.Nonce
	}

	for _, ps := range snap.Positions {
		p := newPositionState(ps.ID)
		p.Active = ps.Active
		p.WaitingKeeper = ps.WaitingKeeper
		p.Executed = ps.Executed

		var err error
		if p.TotalLiquidity, err = parseAmount(ps.TotalLiquidity); err != nil {
			return nil, fmt.Errorf("restore %s: %w", ps.ID, err)
		}
		if p.FeePerLiquidity, err = parsePair(ps.FeePerLiquidity); err != nil {
			return nil, fmt.Errorf("restore %s: %w", ps.ID, err)
		}
		if p.Principal, err = parsePair(ps.Principal); err != nil {
			return nil, fmt.Errorf("restore %s: %w", ps.ID, err)
		}

		key := ps.ID.Key()
		r.positions[key] = p
		r.users[key] = make(map[common.Address]*UserPosition, len(ps.Users))
		for _, us := range ps.Users {
			u := newUserPosition(fpmath.NewPair())
			u.PrincipalFixed = us.PrincipalFixed
			if u.Liquidity, err = parseAmount(us.Liquidity); err != nil {
				return nil, fmt.Errorf("restore %s/%s: %w", ps.ID, us.User, err)
			}
			if u.Fees, err = parsePair(us.Fees); err != nil {
				return nil, fmt.Errorf("restore %s/%s: %w", ps.ID, us.User, err)
			}
			if u.LastFeePerLiquidity, err = parsePair(us.LastFeePerLiquidity); err != nil {
				return nil, fmt.Errorf("restore %s/%s: %w", ps.ID, us.User, err)
			}
			if u.ClaimablePrincipal, err = parsePair(us.ClaimablePrincipal); err != nil {
				return nil, fmt.Errorf("restore %s/%s: %w", ps.ID, us.User, err)
			}
			r.users[key][us.User] = u
		}

		if p.Active {
			if err := r.index.Register(p.ID); err != nil {
				return nil, fmt.Errorf("restore %s: %w", ps.ID, err)
			}
		}
	}
	return r, nil
}

func lessBase(a, b order.BaseID) bool {
	if a.Side != b.Side {
		return a.Side < b.Side
	}
	if a.BottomTick != b.BottomTick {
		return a.BottomTick < b.BottomTick
	}
	return a.TopTick < b.TopTick
}

func pairSnapshot(p fpmath.Pair) PairSnapshot {
	return PairSnapshot{Amount0: p.Get(0).Dec(), Amount1: p.Get(1).Dec()}
}

func parsePair(s PairSnapshot) (fpmath.Pair, error) {
	a0, err := parseAmount(s.Amount0)
	if err != nil {
		return fpmath.Pair{}, err
	}
	a1, err := parseAmount(s.Amount1)
	if err != nil {
		return fpmath.Pair{}, err
	}
	return fpmath.Pair{Amount0: a0, Amount1: a1}, nil
}

func parseAmount(s string) (*uint256.Int, error) {
	if s == "" {
		return new(uint256.Int), nil
	}
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, fmt.Errorf("amount %q: %w", s, err)
	}
	return v, nil
}
