package auction

import (
	"fmt"

	"github.com/gagliardetto/solana-go"
)

// Ledger is a minimal account arena keyed by address. Entities never hold
// references to each other's storage; every relationship is an address that
// gets re-derived and looked up here. Tests and local tooling use it to run
// built instructions against the processor the way the host runtime would.
type Ledger struct {
	accounts map[solana.PublicKey]*Account
}

func NewLedger() *Ledger {
	return &Ledger{accounts: make(map[solana.PublicKey]*Account)}
}

// Account returns the record at key, allocating an empty one on first touch.
func (l *Ledger) Account(key solana.PublicKey) *Account {
	if account, ok := l.accounts[key]; ok {
		return account
	}
	account := NewAccount(key, solana.PublicKey{})
	l.accounts[key] = account
	return account
}

// Fund credits lamports to the account at key, creating it if needed.
func (l *Ledger) Fund(key solana.PublicKey, lamports uint64) *Account {
	account := l.Account(key)
	account.Lamports += lamports
	return account
}

// TotalLamports sums every balance in the arena; useful as a whole-system
// conservation check in tests.
func (l *Ledger) TotalLamports() uint64 {
	var total uint64
	for _, account := range l.accounts {
		total += account.Lamports
	}
	return total
}

// Execute resolves a built instruction's account metas against the arena,
// marks signer/writable flags the way the host would, and hands the result to
// the processor.
func (l *Ledger) Execute(processor *Processor, instruction solana.Instruction, now int64) error {
	data, err := instruction.Data()
	if err != nil {
		return fmt.Errorf("instruction data: %w", err)
	}

	metas := instruction.Accounts()
	accounts := make([]*Account, len(metas))
	seen := make(map[solana.PublicKey]bool, len(metas))
	for i, meta := range metas {
		account := l.Account(meta.PublicKey)
		if seen[meta.PublicKey] {
			// The same account can appear under several roles; privileges
			// are the union of all its metas.
			account.Signer = account.Signer || meta.IsSigner
			account.Writable = account.Writable || meta.IsWritable
		} else {
			account.Signer = meta.IsSigner
			account.Writable = meta.IsWritable
			seen[meta.PublicKey] = true
		}
		accounts[i] = account
	}

	return processor.Process(data, accounts, now)
}
