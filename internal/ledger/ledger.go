package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/bits"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/atmx/staking-engine/internal/model"
)

var (
	ErrAccountNotFound   = errors.New("ledger: account not found")
	ErrInsufficientFunds = errors.New("ledger: insufficient funds")
	ErrInvalidAuthority  = errors.New("ledger: invalid authority")
	ErrBalanceOverflow   = errors.New("ledger: balance overflow")
	ErrReceiptNotFound   = errors.New("ledger: receipt not found")

	// ErrAssetMismatch is returned when source and destination hold
	// different assets.
	ErrAssetMismatch = fmt.Errorf("%w: asset mismatch", model.ErrInvalidTransferTarget)
)

// Ledger is the host collaborator the engine calls into. Each engine
// operation performs at most one Transfer.
type Ledger interface {
	// Transfer moves amount from one account to another. The authority must
	// own the source account. The receipt carries the resulting account
	// snapshots, which the caller persists with its own commit.
	Transfer(ctx context.Context, t Transfer) (Receipt, error)

	// Revert undoes a transfer whose enclosing operation failed to commit.
	Revert(ctx context.Context, r Receipt) error

	// ProvisionEscrow creates a pool escrow holding mint, owned by a derived
	// authority tied to (kind, lpToken, registryID).
	ProvisionEscrow(ctx context.Context, kind EscrowKind, registryID, lpToken, mint string) (model.EscrowRef, error)

	// ReleaseEscrow removes an escrow whose pool was never committed. Funded
	// escrows are kept.
	ReleaseEscrow(ctx context.Context, account string) error
}

// AccountStore persists ledger accounts. Saves keep, per account, the
// snapshot with the highest Seq.
type AccountStore interface {
	LoadAccounts(ctx context.Context) ([]Account, error)
	SaveAccounts(ctx context.Context, accounts ...Account) error
}

// Transfer describes one token movement.
type Transfer struct {
	From      string    `json:"from"`
	To        string    `json:"to"`
	Authority Authority `json:"authority"`
	Amount    uint64    `json:"amount"`
}

// Receipt identifies an executed transfer.
type Receipt struct {
	ID       string    `json:"id"`
	Transfer Transfer  `json:"transfer"`
	Accounts []Account `json:"accounts"`
	At       time.Time `json:"at"`
}

// Account is a token account. Seq increases with every change.
type Account struct {
	ID      string `json:"id"`
	Mint    string `json:"mint"`
	Owner   string `json:"owner"`
	Balance uint64 `json:"balance"`
	Seq     uint64 `json:"seq"`
}

// MemoryLedger is an in-process Ledger. With an AccountStore attached (see
// Open) account opening, minting and reverts are written through; transfer
// and escrow snapshots are left to the caller's commit.
type MemoryLedger struct {
	mu       sync.Mutex
	accounts map[string]*Account
	receipts map[string]Receipt
	backing  AccountStore
}

// NewMemoryLedger creates an empty ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		accounts: make(map[string]*Account),
		receipts: make(map[string]Receipt),
	}
}

// Open loads every persisted account from as and writes later changes back
// to it.
func Open(ctx context.Context, as AccountStore) (*MemoryLedger, error) {
	accounts, err := as.LoadAccounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("load ledger accounts: %w", err)
	}
	l := NewMemoryLedger()
	for _, a := range accounts {
		acct := a
		l.accounts[acct.ID] = &acct
	}
	l.backing = as
	return l, nil
}

// persist writes snapshots through to the backing store, if any.
func (l *MemoryLedger) persist(ctx context.Context, accounts ...Account) error {
	if l.backing == nil {
		return nil
	}
	if err := l.backing.SaveAccounts(ctx, accounts...); err != nil {
		return fmt.Errorf("persist ledger accounts: %w", err)
	}
	return nil
}

// OpenAccount creates a token account for owner holding mint.
func (l *MemoryLedger) OpenAccount(ctx context.Context, owner, mint string) (Account, error) {
	if owner == "" || mint == "" {
		return Account{}, errors.New("ledger: owner and mint are required")
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	acct := Account{ID: uuid.New().String(), Mint: mint, Owner: owner, Seq: 1}
	if err := l.persist(ctx, acct); err != nil {
		return Account{}, err
	}
	l.accounts[acct.ID] = &acct
	return acct, nil
}

// Mint credits amount to an account out of thin air.
func (l *MemoryLedger) Mint(ctx context.Context, account string, amount uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	acct, ok := l.accounts[account]
	if !ok {
		return fmt.Errorf("%w: %s", ErrAccountNotFound, account)
	}
	sum, carry := bits.Add64(acct.Balance, amount, 0)
	if carry != 0 {
		return ErrBalanceOverflow
	}
	next := *acct
	next.Balance = sum
	next.Seq++
	if err := l.persist(ctx, next); err != nil {
		return err
	}
	*acct = next
	return nil
}

// Account returns a snapshot of an account.
func (l *MemoryLedger) Account(_ context.Context, id string) (Account, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	acct, ok := l.accounts[id]
	if !ok {
		return Account{}, fmt.Errorf("%w: %s", ErrAccountNotFound, id)
	}
	return *acct, nil
}

// Balance returns an account balance.
func (l *MemoryLedger) Balance(ctx context.Context, id string) (uint64, error) {
	acct, err := l.Account(ctx, id)
	if err != nil {
		return 0, err
	}
	return acct.Balance, nil
}

func (l *MemoryLedger) Transfer(_ context.Context, t Transfer) (Receipt, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	from, ok := l.accounts[t.From]
	if !ok {
		return Receipt{}, fmt.Errorf("%w: %s", ErrAccountNotFound, t.From)
	}
	to, ok := l.accounts[t.To]
	if !ok {
		return Receipt{}, fmt.Errorf("%w: %s", ErrAccountNotFound, t.To)
	}
	if from.Mint != to.Mint {
		return Receipt{}, fmt.Errorf("%w: %s -> %s", ErrAssetMismatch, from.Mint, to.Mint)
	}
	if t.Authority.Address() != from.Owner {
		return Receipt{}, fmt.Errorf("%w: %s does not own %s", ErrInvalidAuthority, t.Authority.Address(), t.From)
	}
	if err := move(from, to, t.Amount); err != nil {
		return Receipt{}, err
	}

	r := Receipt{
		ID:       uuid.New().String(),
		Transfer: t,
		Accounts: []Account{*from, *to},
		At:       time.Now().UTC(),
	}
	l.receipts[r.ID] = r

	slog.Debug("ledger transfer",
		"receipt", r.ID,
		"from", t.From,
		"to", t.To,
		"authority", t.Authority.Address(),
		"derived", t.Authority.IsDerived(),
		"amount", t.Amount,
	)
	return r, nil
}

func (l *MemoryLedger) Revert(ctx context.Context, r Receipt) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.receipts[r.ID]; !ok {
		return fmt.Errorf("%w: %s", ErrReceiptNotFound, r.ID)
	}
	fromAcct, okFrom := l.accounts[r.Transfer.From]
	toAcct, okTo := l.accounts[r.Transfer.To]
	if !okFrom || !okTo {
		return ErrAccountNotFound
	}
	from, to := *fromAcct, *toAcct
	if err := move(&to, &from, r.Transfer.Amount); err != nil {
		return err
	}
	if err := l.persist(ctx, from, to); err != nil {
		return err
	}
	*fromAcct, *toAcct = from, to
	delete(l.receipts, r.ID)
	slog.Warn("ledger transfer reverted", "receipt", r.ID, "amount", r.Transfer.Amount)
	return nil
}

func (l *MemoryLedger) ProvisionEscrow(_ context.Context, kind EscrowKind, registryID, lpToken, mint string) (model.EscrowRef, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	taken := func(addr string) bool {
		_, ok := l.accounts[addr]
		return ok
	}
	_, authorityBump, err := FindAddress(taken, kind.AuthoritySeed(), lpToken, registryID)
	if err != nil {
		return model.EscrowRef{}, err
	}
	account, accountBump, err := FindAddress(taken, kind.Seed(), lpToken, registryID)
	if err != nil {
		return model.EscrowRef{}, err
	}

	ref := model.EscrowRef{
		Account:       account,
		AccountBump:   accountBump,
		AuthorityBump: authorityBump,
	}
	acct := EscrowAccount(kind, registryID, lpToken, mint, ref)
	l.accounts[account] = &acct
	return ref, nil
}

func (l *MemoryLedger) ReleaseEscrow(_ context.Context, account string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	acct, ok := l.accounts[account]
	if !ok {
		return fmt.Errorf("%w: %s", ErrAccountNotFound, account)
	}
	if acct.Balance > 0 {
		slog.Warn("escrow funded before release, keeping it", "account", account, "balance", acct.Balance)
		return nil
	}
	delete(l.accounts, account)
	return nil
}

// EscrowAccount is the freshly provisioned state of the escrow ref points
// to, for persisting alongside the pool that owns it.
func EscrowAccount(kind EscrowKind, registryID, lpToken, mint string, ref model.EscrowRef) Account {
	return Account{
		ID:    ref.Account,
		Mint:  mint,
		Owner: EscrowAuthority(kind, lpToken, registryID, ref.AuthorityBump).Address(),
		Seq:   1,
	}
}

func move(from, to *Account, amount uint64) error {
	if from.Balance < amount {
		return fmt.Errorf("%w: have %d, need %d", ErrInsufficientFunds, from.Balance, amount)
	}
	sum, carry := bits.Add64(to.Balance, amount, 0)
	if carry != 0 {
		return ErrBalanceOverflow
	}
	from.Balance -= amount
	to.Balance = sum
	from.Seq++
	to.Seq++
	return nil
}
