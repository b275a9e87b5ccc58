package auction

import (
	"errors"
	"fmt"
	"sync"

	"github.com/gagliardetto/solana-go"
)

// AssetReceipt proves an asset is held by the vault under a given authority.
type AssetReceipt struct {
	Asset     solana.PublicKey
	Authority solana.PublicKey
}

// VaultCaller is the narrow capability the settlement path needs from the
// companion token-fraction vault program. Both calls happen inside the same
// atomic instruction as the rest of the claim; any failure aborts the claim
// with no partial settlement.
type VaultCaller interface {
	LockAsset(asset solana.PublicKey, authority solana.PublicKey) (AssetReceipt, error)
	TransferOut(receipt AssetReceipt, destination solana.PublicKey) error
}

var (
	ErrAssetAlreadyLocked = errors.New("asset already locked in vault")
	ErrAssetNotLocked     = errors.New("asset is not locked in vault")
)

// MemoryVault is an in-process VaultCaller used by the instruction simulator
// and tests. It tracks which authority holds each asset and where assets end
// up after settlement.
type MemoryVault struct {
	mu     sync.Mutex
	locked map[solana.PublicKey]solana.PublicKey
	homes  map[solana.PublicKey]solana.PublicKey
}

func NewMemoryVault() *MemoryVault {
	return &MemoryVault{
		locked: make(map[solana.PublicKey]solana.PublicKey),
		homes:  make(map[solana.PublicKey]solana.PublicKey),
	}
}

func (v *MemoryVault) LockAsset(asset solana.PublicKey, authority solana.PublicKey) (AssetReceipt, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if holder, ok := v.locked[asset]; ok {
		if !holder.Equals(authority) {
			return AssetReceipt{}, fmt.Errorf("%w: held by %s", ErrAssetAlreadyLocked, holder)
		}
		return AssetReceipt{Asset: asset, Authority: authority}, nil
	}
	v.locked[asset] = authority
	return AssetReceipt{Asset: asset, Authority: authority}, nil
}

func (v *MemoryVault) TransferOut(receipt AssetReceipt, destination solana.PublicKey) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	holder, ok := v.locked[receipt.Asset]
	if !ok {
		return ErrAssetNotLocked
	}
	if !holder.Equals(receipt.Authority) {
		return fmt.Errorf("%w: receipt authority %s does not hold the asset", ErrAssetNotLocked, receipt.Authority)
	}
	delete(v.locked, receipt.Asset)
	v.homes[receipt.Asset] = destination
	return nil
}

// Holder reports the current destination of a settled asset, if any.
func (v *MemoryVault) Holder(asset solana.PublicKey) (solana.PublicKey, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	home, ok := v.homes[asset]
	return home, ok
}
