package ledger

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/atmx/staking-engine/internal/model"
)

func TestDeriveAddress_Deterministic(t *testing.T) {
	a := DeriveAddress(255, "lp_token_vault", "lp", "chef")
	b := DeriveAddress(255, "lp_token_vault", "lp", "chef")
	c := DeriveAddress(254, "lp_token_vault", "lp", "chef")
	d := DeriveAddress(255, "reward_token_vault", "lp", "chef")

	require.Equal(t, a, b)
	require.NotEqual(t, a, c)
	require.NotEqual(t, a, d)
	require.Len(t, a, 64)
}

func TestFindAddress_SkipsTaken(t *testing.T) {
	first := DeriveAddress(255, "x")
	addr, bump, err := FindAddress(func(s string) bool { return s == first }, "x")
	require.NoError(t, err)
	require.Equal(t, uint8(254), bump)
	require.Equal(t, DeriveAddress(254, "x"), addr)

	_, _, err = FindAddress(func(string) bool { return true }, "x")
	require.ErrorIs(t, err, ErrNoBump)
}

func TestProvisionEscrow_OwnedByDerivedAuthority(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger()

	ref, err := l.ProvisionEscrow(ctx, LPTokenVault, "chef", "lp", "lp-mint")
	require.NoError(t, err)

	acct, err := l.Account(ctx, ref.Account)
	require.NoError(t, err)
	require.Equal(t, "lp-mint", acct.Mint)
	require.Equal(t, EscrowAuthority(LPTokenVault, "lp", "chef", ref.AuthorityBump).Address(), acct.Owner)
	require.Equal(t, DeriveAddress(ref.AccountBump, "lp_token_vault", "lp", "chef"), ref.Account)

	other, err := l.ProvisionEscrow(ctx, RewardTokenVault, "chef", "lp", "reward-mint")
	require.NoError(t, err)
	require.NotEqual(t, ref.Account, other.Account)
}

func TestTransfer_SignerAndDerivedAuthority(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger()

	user, err := l.OpenAccount(ctx, "alice", "lp-mint")
	require.NoError(t, err)
	require.NoError(t, l.Mint(ctx, user.ID, 100))

	escrow, err := l.ProvisionEscrow(ctx, LPTokenVault, "chef", "lp", "lp-mint")
	require.NoError(t, err)

	_, err = l.Transfer(ctx, Transfer{From: user.ID, To: escrow.Account, Authority: SignerAuthority("alice"), Amount: 60})
	require.NoError(t, err)

	_, err = l.Transfer(ctx, Transfer{
		From:      escrow.Account,
		To:        user.ID,
		Authority: EscrowAuthority(LPTokenVault, "lp", "chef", escrow.AuthorityBump),
		Amount:    10,
	})
	require.NoError(t, err)

	bal, err := l.Balance(ctx, user.ID)
	require.NoError(t, err)
	require.Equal(t, uint64(50), bal)
	bal, err = l.Balance(ctx, escrow.Account)
	require.NoError(t, err)
	require.Equal(t, uint64(50), bal)
}

func TestTransfer_Failures(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger()

	user, _ := l.OpenAccount(ctx, "alice", "lp-mint")
	require.NoError(t, l.Mint(ctx, user.ID, 10))
	other, _ := l.OpenAccount(ctx, "bob", "other-mint")
	escrow, err := l.ProvisionEscrow(ctx, LPTokenVault, "chef", "lp", "lp-mint")
	require.NoError(t, err)

	_, err = l.Transfer(ctx, Transfer{From: user.ID, To: other.ID, Authority: SignerAuthority("alice"), Amount: 1})
	require.ErrorIs(t, err, model.ErrInvalidTransferTarget)

	_, err = l.Transfer(ctx, Transfer{From: user.ID, To: escrow.Account, Authority: SignerAuthority("mallory"), Amount: 1})
	require.ErrorIs(t, err, ErrInvalidAuthority)

	_, err = l.Transfer(ctx, Transfer{
		From:      escrow.Account,
		To:        user.ID,
		Authority: EscrowAuthority(LPTokenVault, "lp", "chef", escrow.AuthorityBump-1),
		Amount:    0,
	})
	require.ErrorIs(t, err, ErrInvalidAuthority, "wrong bump")

	_, err = l.Transfer(ctx, Transfer{From: user.ID, To: escrow.Account, Authority: SignerAuthority("alice"), Amount: 11})
	require.ErrorIs(t, err, ErrInsufficientFunds)

	_, err = l.Transfer(ctx, Transfer{From: "missing", To: escrow.Account, Authority: SignerAuthority("alice"), Amount: 1})
	require.ErrorIs(t, err, ErrAccountNotFound)

	bal, _ := l.Balance(ctx, user.ID)
	require.Equal(t, uint64(10), bal)
}

func TestRevert(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger()

	user, _ := l.OpenAccount(ctx, "alice", "lp-mint")
	require.NoError(t, l.Mint(ctx, user.ID, 10))
	escrow, err := l.ProvisionEscrow(ctx, LPTokenVault, "chef", "lp", "lp-mint")
	require.NoError(t, err)

	r, err := l.Transfer(ctx, Transfer{From: user.ID, To: escrow.Account, Authority: SignerAuthority("alice"), Amount: 7})
	require.NoError(t, err)
	require.NoError(t, l.Revert(ctx, r))

	bal, _ := l.Balance(ctx, user.ID)
	require.Equal(t, uint64(10), bal)
	require.ErrorIs(t, l.Revert(ctx, r), ErrReceiptNotFound)
}

func TestTransfer_ReceiptCarriesSnapshots(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger()

	user, err := l.OpenAccount(ctx, "alice", "lp-mint")
	require.NoError(t, err)
	require.NoError(t, l.Mint(ctx, user.ID, 10))
	escrow, err := l.ProvisionEscrow(ctx, LPTokenVault, "chef", "lp", "lp-mint")
	require.NoError(t, err)

	r, err := l.Transfer(ctx, Transfer{From: user.ID, To: escrow.Account, Authority: SignerAuthority("alice"), Amount: 4})
	require.NoError(t, err)
	require.Len(t, r.Accounts, 2)
	require.Equal(t, user.ID, r.Accounts[0].ID)
	require.Equal(t, uint64(6), r.Accounts[0].Balance)
	require.Equal(t, uint64(3), r.Accounts[0].Seq, "open, mint, transfer")
	require.Equal(t, escrow.Account, r.Accounts[1].ID)
	require.Equal(t, uint64(4), r.Accounts[1].Balance)
	require.Equal(t, uint64(2), r.Accounts[1].Seq)
}

// accountStore is an in-memory AccountStore that can be told to fail.
type accountStore struct {
	accounts map[string]Account
	fail     error
}

func newAccountStore() *accountStore {
	return &accountStore{accounts: make(map[string]Account)}
}

func (s *accountStore) LoadAccounts(context.Context) ([]Account, error) {
	var out []Account
	for _, a := range s.accounts {
		out = append(out, a)
	}
	return out, nil
}

func (s *accountStore) SaveAccounts(_ context.Context, accounts ...Account) error {
	if s.fail != nil {
		return s.fail
	}
	for _, a := range accounts {
		if cur, ok := s.accounts[a.ID]; ok && cur.Seq >= a.Seq {
			continue
		}
		s.accounts[a.ID] = a
	}
	return nil
}

func TestOpen_RestoresAndWritesThrough(t *testing.T) {
	ctx := context.Background()
	as := newAccountStore()

	l, err := Open(ctx, as)
	require.NoError(t, err)
	user, err := l.OpenAccount(ctx, "alice", "lp-mint")
	require.NoError(t, err)
	require.NoError(t, l.Mint(ctx, user.ID, 25))
	require.Equal(t, uint64(25), as.accounts[user.ID].Balance)

	escrow, err := l.ProvisionEscrow(ctx, LPTokenVault, "chef", "lp", "lp-mint")
	require.NoError(t, err)
	r, err := l.Transfer(ctx, Transfer{From: user.ID, To: escrow.Account, Authority: SignerAuthority("alice"), Amount: 5})
	require.NoError(t, err)
	require.Equal(t, uint64(25), as.accounts[user.ID].Balance, "transfers persist with the caller's commit")
	require.NoError(t, as.SaveAccounts(ctx, r.Accounts...))

	restarted, err := Open(ctx, as)
	require.NoError(t, err)
	bal, err := restarted.Balance(ctx, user.ID)
	require.NoError(t, err)
	require.Equal(t, uint64(20), bal)
	bal, err = restarted.Balance(ctx, escrow.Account)
	require.NoError(t, err)
	require.Equal(t, uint64(5), bal)

	_, err = restarted.Transfer(ctx, Transfer{
		From:      escrow.Account,
		To:        user.ID,
		Authority: EscrowAuthority(LPTokenVault, "lp", "chef", escrow.AuthorityBump),
		Amount:    5,
	})
	require.NoError(t, err, "escrow authority survives the restart")
}

func TestMint_PersistFailureLeavesBalance(t *testing.T) {
	ctx := context.Background()
	as := newAccountStore()
	l, err := Open(ctx, as)
	require.NoError(t, err)

	user, err := l.OpenAccount(ctx, "alice", "lp-mint")
	require.NoError(t, err)

	as.fail = errors.New("disk full")
	require.Error(t, l.Mint(ctx, user.ID, 10))
	bal, err := l.Balance(ctx, user.ID)
	require.NoError(t, err)
	require.Zero(t, bal)

	_, err = l.OpenAccount(ctx, "bob", "lp-mint")
	require.Error(t, err)
}

func TestRevert_WritesThrough(t *testing.T) {
	ctx := context.Background()
	as := newAccountStore()
	l, err := Open(ctx, as)
	require.NoError(t, err)

	user, _ := l.OpenAccount(ctx, "alice", "lp-mint")
	require.NoError(t, l.Mint(ctx, user.ID, 10))
	escrow, err := l.ProvisionEscrow(ctx, LPTokenVault, "chef", "lp", "lp-mint")
	require.NoError(t, err)

	r, err := l.Transfer(ctx, Transfer{From: user.ID, To: escrow.Account, Authority: SignerAuthority("alice"), Amount: 7})
	require.NoError(t, err)
	require.NoError(t, l.Revert(ctx, r))

	require.Equal(t, uint64(10), as.accounts[user.ID].Balance)
	require.Greater(t, as.accounts[user.ID].Seq, r.Accounts[0].Seq)
	require.Zero(t, as.accounts[escrow.Account].Balance)
}

func TestReleaseEscrow(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger()

	ref, err := l.ProvisionEscrow(ctx, LPTokenVault, "chef", "lp", "lp-mint")
	require.NoError(t, err)
	require.NoError(t, l.ReleaseEscrow(ctx, ref.Account))
	_, err = l.Account(ctx, ref.Account)
	require.ErrorIs(t, err, ErrAccountNotFound)

	again, err := l.ProvisionEscrow(ctx, LPTokenVault, "chef", "lp", "lp-mint")
	require.NoError(t, err)
	require.Equal(t, ref, again, "released address is reused with the same bumps")

	require.NoError(t, l.Mint(ctx, again.Account, 1))
	require.NoError(t, l.ReleaseEscrow(ctx, again.Account))
	_, err = l.Account(ctx, again.Account)
	require.NoError(t, err, "funded escrow is kept")

	require.ErrorIs(t, l.ReleaseEscrow(ctx, "missing"), ErrAccountNotFound)
}

func TestEscrowAccount_MatchesProvisioned(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger()

	ref, err := l.ProvisionEscrow(ctx, RewardTokenVault, "chef", "lp", "reward-mint")
	require.NoError(t, err)
	acct, err := l.Account(ctx, ref.Account)
	require.NoError(t, err)
	require.Equal(t, acct, EscrowAccount(RewardTokenVault, "chef", "lp", "reward-mint", ref))
}
