package escrow

import (
	"errors"
	"math/big"
)

// Transfer moves assets between external accounts and the custody of a single
// escrow instance. Implementations must not call back into the engine that
// invoked them.
type Transfer interface {
	TransferIn(from, asset [20]byte, amount *big.Int) error
	TransferOut(to, asset [20]byte, amount *big.Int) error
}

var errTransferUnconfigured = errors.New("escrow: transfer direction not configured")

// FuncTransfer adapts plain functions to the Transfer interface.
type FuncTransfer struct {
	In  func(from, asset [20]byte, amount *big.Int) error
	Out func(to, asset [20]byte, amount *big.Int) error
}

// TransferIn implements Transfer.
func (f FuncTransfer) TransferIn(from, asset [20]byte, amount *big.Int) error {
	if f.In == nil {
		return errTransferUnconfigured
	}
	return f.In(from, asset, amount)
}

// TransferOut implements Transfer.
func (f FuncTransfer) TransferOut(to, asset [20]byte, amount *big.Int) error {
	if f.Out == nil {
		return errTransferUnconfigured
	}
	return f.Out(to, asset, amount)
}
