package bank

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"

	"github.com/holiman/uint256"

	"quorumescrow/crypto"
	"quorumescrow/storage"
)

var (
	ErrInvalidAmount     = errors.New("bank: amount must be positive")
	ErrAmountOverflow    = errors.New("bank: amount exceeds 256 bits")
	ErrInsufficientFunds = errors.New("bank: insufficient funds")
)

var balancePrefix = []byte("bank/balance/")

type balanceKey struct {
	account [20]byte
	asset   [20]byte
}

func (k balanceKey) storageKey() []byte {
	key := append([]byte(nil), balancePrefix...)
	key = append(key, k.account[:]...)
	return append(key, k.asset[:]...)
}

// Balance is a single asset holding of an account.
type Balance struct {
	Asset  [20]byte
	Amount *big.Int
}

// Ledger tracks fungible balances per (account, asset) with 256-bit overflow
// protection. It is the custody backend of escrow vaults.
type Ledger struct {
	mu       sync.Mutex
	balances map[balanceKey]*uint256.Int
	db       storage.Database
}

// NewLedger creates an empty in-memory ledger.
func NewLedger() *Ledger {
	return &Ledger{balances: make(map[balanceKey]*uint256.Int)}
}

// OpenLedger creates a ledger persisted to db and loads existing balances.
func OpenLedger(db storage.Database) (*Ledger, error) {
	l := NewLedger()
	l.db = db
	keys, err := db.Keys(balancePrefix)
	if err != nil {
		return nil, fmt.Errorf("bank: list balances: %w", err)
	}
	for _, key := range keys {
		rest := bytes.TrimPrefix(key, balancePrefix)
		if len(rest) != 40 {
			return nil, fmt.Errorf("bank: malformed balance key %x", key)
		}
		raw, err := db.Get(key)
		if err != nil {
			return nil, fmt.Errorf("bank: read balance: %w", err)
		}
		var k balanceKey
		copy(k.account[:], rest[:20])
		copy(k.asset[:], rest[20:])
		l.balances[k] = new(uint256.Int).SetBytes(raw)
	}
	return l, nil
}

func toUint256(amount *big.Int) (*uint256.Int, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	v, overflow := uint256.FromBig(amount)
	if overflow {
		return nil, ErrAmountOverflow
	}
	return v, nil
}

func (l *Ledger) balance(k balanceKey) *uint256.Int {
	if v, ok := l.balances[k]; ok {
		return new(uint256.Int).Set(v)
	}
	return new(uint256.Int)
}

// apply writes the updated balances, persisting them first when a store is
// configured.
func (l *Ledger) apply(updates map[balanceKey]*uint256.Int) error {
	if l.db != nil {
		for k, v := range updates {
			value := v.Bytes32()
			if err := l.db.Put(k.storageKey(), value[:]); err != nil {
				return fmt.Errorf("bank: persist balance: %w", err)
			}
		}
	}
	for k, v := range updates {
		l.balances[k] = v
	}
	return nil
}

// Credit adds amount of asset to account.
func (l *Ledger) Credit(account, asset [20]byte, amount *big.Int) error {
	v, err := toUint256(amount)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	k := balanceKey{account: account, asset: asset}
	next, overflow := new(uint256.Int).AddOverflow(l.balance(k), v)
	if overflow {
		return ErrAmountOverflow
	}
	return l.apply(map[balanceKey]*uint256.Int{k: next})
}

// Debit removes amount of asset from account.
func (l *Ledger) Debit(account, asset [20]byte, amount *big.Int) error {
	v, err := toUint256(amount)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	k := balanceKey{account: account, asset: asset}
	current := l.balance(k)
	if current.Lt(v) {
		return fmt.Errorf("%w: %s holds %s %s", ErrInsufficientFunds, crypto.FormatAddress(account), current.Dec(), crypto.FormatAsset(asset))
	}
	return l.apply(map[balanceKey]*uint256.Int{k: new(uint256.Int).Sub(current, v)})
}

// Move transfers amount of asset between two accounts atomically.
func (l *Ledger) Move(from, to, asset [20]byte, amount *big.Int) error {
	v, err := toUint256(amount)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if from == to {
		if l.balance(balanceKey{account: from, asset: asset}).Lt(v) {
			return ErrInsufficientFunds
		}
		return nil
	}
	src := balanceKey{account: from, asset: asset}
	dst := balanceKey{account: to, asset: asset}
	srcBal := l.balance(src)
	if srcBal.Lt(v) {
		return fmt.Errorf("%w: %s holds %s %s", ErrInsufficientFunds, crypto.FormatAddress(from), srcBal.Dec(), crypto.FormatAsset(asset))
	}
	dstBal, overflow := new(uint256.Int).AddOverflow(l.balance(dst), v)
	if overflow {
		return ErrAmountOverflow
	}
	return l.apply(map[balanceKey]*uint256.Int{
		src: new(uint256.Int).Sub(srcBal, v),
		dst: dstBal,
	})
}

// BalanceOf returns the balance of asset held by account.
func (l *Ledger) BalanceOf(account, asset [20]byte) *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balance(balanceKey{account: account, asset: asset}).ToBig()
}

// Balances lists the non-zero holdings of account ordered by asset.
func (l *Ledger) Balances(account [20]byte) []Balance {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Balance
	for k, v := range l.balances {
		if k.account != account || v.IsZero() {
			continue
		}
		out = append(out, Balance{Asset: k.asset, Amount: v.ToBig()})
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i].Asset[:], out[j].Asset[:]) < 0 })
	return out
}
