package chain

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil/bech32"
	"github.com/ethereum/go-ethereum/common"
)

var ErrInvalidAddress = errors.New("invalid address")

// ValidateAddress checks that addr is a bech32 string with the given human
// readable prefix carrying a 20 byte account or 32 byte contract payload.
func ValidateAddress(prefix, addr string) error {
	hrp, data, err := bech32.Decode(addr)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	if hrp != prefix {
		return fmt.Errorf("%w: prefix %q, want %q", ErrInvalidAddress, hrp, prefix)
	}
	raw, err := bech32.ConvertBits(data, 5, 8, false)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	if len(raw) != 20 && len(raw) != 32 {
		return fmt.Errorf("%w: payload is %d bytes", ErrInvalidAddress, len(raw))
	}
	return nil
}

// EncodeAddress bech32-encodes raw address bytes under prefix.
func EncodeAddress(prefix string, raw []byte) (string, error) {
	conv, err := bech32.ConvertBits(raw, 8, 5, true)
	if err != nil {
		return "", err
	}
	return bech32.Encode(prefix, conv)
}

// DecodeAddress returns the prefix and raw bytes of a bech32 address.
func DecodeAddress(addr string) (string, []byte, error) {
	hrp, data, err := bech32.Decode(addr)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	raw, err := bech32.ConvertBits(data, 5, 8, false)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	return hrp, raw, nil
}

// ValidateRecipient accepts a bech32 address under prefix or a 0x EVM address.
func ValidateRecipient(prefix, addr string) error {
	if common.IsHexAddress(addr) {
		return nil
	}
	return ValidateAddress(prefix, addr)
}
