package crypto

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcutil/bech32"
	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// AddressPrefix is the human-readable part used for bech32 identities.
const AddressPrefix = "qe"

// NativeAssetLabel is the textual form of the native-currency sentinel asset.
const NativeAssetLabel = "native"

// ErrInvalidAddress is returned when an identity string cannot be decoded.
var ErrInvalidAddress = errors.New("crypto: invalid address")

// FormatAddress renders a 20-byte identity as a bech32 string.
func FormatAddress(addr [20]byte) string {
	conv, err := bech32.ConvertBits(addr[:], 8, 5, true)
	if err != nil {
		panic(err)
	}
	encoded, err := bech32.Encode(AddressPrefix, conv)
	if err != nil {
		panic(err)
	}
	return encoded
}

// ParseAddress accepts either a bech32 identity with the configured prefix or a
// 0x-prefixed 20-byte hex string.
func ParseAddress(raw string) ([20]byte, error) {
	var out [20]byte
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return out, fmt.Errorf("%w: empty", ErrInvalidAddress)
	}
	if strings.HasPrefix(trimmed, "0x") || strings.HasPrefix(trimmed, "0X") {
		if !common.IsHexAddress(trimmed) {
			return out, fmt.Errorf("%w: %s", ErrInvalidAddress, raw)
		}
		return [20]byte(common.HexToAddress(trimmed)), nil
	}
	prefix, decoded, err := bech32.Decode(trimmed)
	if err != nil {
		return out, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	if prefix != AddressPrefix {
		return out, fmt.Errorf("%w: unexpected prefix %q", ErrInvalidAddress, prefix)
	}
	conv, err := bech32.ConvertBits(decoded, 5, 8, false)
	if err != nil {
		return out, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	if len(conv) != len(out) {
		return out, fmt.Errorf("%w: expected 20 bytes, got %d", ErrInvalidAddress, len(conv))
	}
	copy(out[:], conv)
	return out, nil
}

// FormatAsset renders an asset identifier. The zero identifier is the native
// currency sentinel; token identifiers use checksummed hex.
func FormatAsset(asset [20]byte) string {
	if asset == ([20]byte{}) {
		return NativeAssetLabel
	}
	return common.Address(asset).Hex()
}

// ParseAsset is the inverse of FormatAsset.
func ParseAsset(raw string) ([20]byte, error) {
	trimmed := strings.TrimSpace(raw)
	if strings.EqualFold(trimmed, NativeAssetLabel) {
		return [20]byte{}, nil
	}
	if !common.IsHexAddress(trimmed) {
		return [20]byte{}, fmt.Errorf("crypto: invalid asset identifier %q", raw)
	}
	return [20]byte(common.HexToAddress(trimmed)), nil
}

// InstanceID derives the deterministic identifier of an escrow instance from
// its creator, a caller-chosen nonce and the digest of its configuration.
func InstanceID(creator [20]byte, nonce uint64, configDigest []byte) [32]byte {
	var nonceBytes [8]byte
	binary.BigEndian.PutUint64(nonceBytes[:], nonce)
	return ethcrypto.Keccak256Hash(creator[:], nonceBytes[:], configDigest)
}

// VaultAddress derives the custody account holding the funds of an instance.
func VaultAddress(id [32]byte) [20]byte {
	hash := ethcrypto.Keccak256([]byte("quorumescrow/vault"), id[:])
	var out [20]byte
	copy(out[:], hash[12:])
	return out
}

// FormatID renders an instance identifier as 0x-prefixed hex.
func FormatID(id [32]byte) string {
	return common.Hash(id).Hex()
}

// ParseID decodes a 0x-prefixed 32-byte hex identifier.
func ParseID(raw string) ([32]byte, error) {
	trimmed := strings.TrimSpace(raw)
	if !strings.HasPrefix(trimmed, "0x") && !strings.HasPrefix(trimmed, "0X") {
		return [32]byte{}, fmt.Errorf("crypto: id must be 0x-prefixed")
	}
	if len(trimmed) != 66 {
		return [32]byte{}, fmt.Errorf("crypto: id must be 32 bytes")
	}
	for _, c := range trimmed[2:] {
		if !strings.ContainsRune("0123456789abcdefABCDEF", c) {
			return [32]byte{}, fmt.Errorf("crypto: id must be hex")
		}
	}
	return [32]byte(common.HexToHash(trimmed)), nil
}
