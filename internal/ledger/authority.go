// Package ledger is the token-ledger collaborator of the staking engine: it
// holds token accounts, provisions pool escrows with derived authorities and
// executes transfers.
//
// A derived authority lets the engine move escrowed tokens without holding a
// private key. Its address is blake3(seed | lp token | registry | bump); the
// bump is searched downward from 255 and stored with the pool so the same
// authority can be presented again later.
package ledger

import (
	"encoding/hex"
	"errors"

	"lukechampine.com/blake3"
)

// ErrNoBump is returned when every bump value derives an occupied address.
var ErrNoBump = errors.New("ledger: no free derivation bump")

// EscrowKind selects which of a pool's two escrows is meant.
type EscrowKind int

const (
	LPTokenVault EscrowKind = iota
	RewardTokenVault
)

// Seed is the derivation tag of the escrow account.
func (k EscrowKind) Seed() string {
	if k == RewardTokenVault {
		return "reward_token_vault"
	}
	return "lp_token_vault"
}

// AuthoritySeed is the derivation tag of the escrow's authority.
func (k EscrowKind) AuthoritySeed() string {
	return k.Seed() + "_authority"
}

func (k EscrowKind) String() string { return k.Seed() }

// DeriveAddress hashes seeds and bump into an address.
func DeriveAddress(bump uint8, seeds ...string) string {
	h := blake3.New(32, nil)
	for _, s := range seeds {
		h.Write([]byte(s))
		h.Write([]byte{0})
	}
	h.Write([]byte{bump})
	return hex.EncodeToString(h.Sum(nil))
}

// FindAddress returns the first address, searching bumps from 255 down, for
// which taken reports false.
func FindAddress(taken func(string) bool, seeds ...string) (string, uint8, error) {
	for bump := 255; bump >= 0; bump-- {
		addr := DeriveAddress(uint8(bump), seeds...)
		if taken == nil || !taken(addr) {
			return addr, uint8(bump), nil
		}
	}
	return "", 0, ErrNoBump
}

// Authority is the proof presented with a transfer: either a direct signer
// or a derived authority.
type Authority struct {
	Signer string   `json:"signer,omitempty"`
	Seeds  []string `json:"seeds,omitempty"`
	Bump   uint8    `json:"bump,omitempty"`
}

// SignerAuthority is a proof by an already verified identity.
func SignerAuthority(identity string) Authority {
	return Authority{Signer: identity}
}

// EscrowAuthority is the derived authority of a pool escrow.
func EscrowAuthority(kind EscrowKind, lpToken, registryID string, bump uint8) Authority {
	return Authority{Seeds: []string{kind.AuthoritySeed(), lpToken, registryID}, Bump: bump}
}

// IsDerived reports whether a is a derived authority.
func (a Authority) IsDerived() bool { return len(a.Seeds) > 0 }

// Address returns the identity the authority acts as.
func (a Authority) Address() string {
	if a.IsDerived() {
		return DeriveAddress(a.Bump, a.Seeds...)
	}
	return a.Signer
}
