package auction

import (
	"github.com/gagliardetto/solana-go"
)

// Account is one caller-supplied record the processor executes over. The host
// runtime hands the processor a flat, ordered list of these per instruction;
// nothing else is visible to a transition.
type Account struct {
	Key      solana.PublicKey
	Owner    solana.PublicKey
	Lamports uint64
	Data     []byte
	Signer   bool
	Writable bool
}

// NewAccount returns an empty, uninitialized account at the given address.
func NewAccount(key solana.PublicKey, owner solana.PublicKey) *Account {
	return &Account{Key: key, Owner: owner}
}

// IsInitialized reports whether the account carries a typed record. Freshly
// allocated accounts are either empty or zero filled, and no record type tag
// is zero.
func (a *Account) IsInitialized() bool {
	return len(a.Data) > 0 && a.Data[0] != accountTagUninitialized
}

type accountSnapshot struct {
	lamports uint64
	data     []byte
}

// snapshotAccounts captures lamports and data of every supplied account so a
// failed instruction can be rolled back to a byte-for-byte identical state.
func snapshotAccounts(accounts []*Account) []accountSnapshot {
	snapshots := make([]accountSnapshot, len(accounts))
	for i, account := range accounts {
		data := make([]byte, len(account.Data))
		copy(data, account.Data)
		snapshots[i] = accountSnapshot{lamports: account.Lamports, data: data}
	}
	return snapshots
}

func restoreAccounts(accounts []*Account, snapshots []accountSnapshot) {
	for i, account := range accounts {
		account.Lamports = snapshots[i].lamports
		account.Data = snapshots[i].data
	}
}

// moveLamports transfers value between two accounts and fails without effect
// when the source cannot cover it.
func moveLamports(from, to *Account, amount uint64) error {
	if from.Lamports < amount {
		return ErrInsufficientFunds
	}
	from.Lamports -= amount
	to.Lamports += amount
	return nil
}
