package bank

import (
	"math/big"

	"quorumescrow/crypto"
)

// Vault is the custody account of one escrow instance. It satisfies the escrow
// transfer collaborator by moving funds between depositors, beneficiaries and
// the vault address.
type Vault struct {
	ledger  *Ledger
	Address [20]byte
}

// Vault returns the custody account bound to an escrow identifier.
func (l *Ledger) Vault(id [32]byte) *Vault {
	return &Vault{ledger: l, Address: crypto.VaultAddress(id)}
}

// TransferIn pulls amount of asset from the depositor into the vault.
func (v *Vault) TransferIn(from, asset [20]byte, amount *big.Int) error {
	return v.ledger.Move(from, v.Address, asset, amount)
}

// TransferOut pays amount of asset from the vault to a beneficiary.
func (v *Vault) TransferOut(to, asset [20]byte, amount *big.Int) error {
	return v.ledger.Move(v.Address, to, asset, amount)
}

// Holdings reports what the vault currently custodies.
func (v *Vault) Holdings() []Balance {
	return v.ledger.Balances(v.Address)
}
