package wallet

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/tyler-smith/go-bip39"
	"golang.org/x/crypto/ripemd160"

	"seipulse/internal/chain"
)

// DefaultPath is the Cosmos coin type 118 account used by Sei wallets.
const DefaultPath = "m/44'/118'/0'/0/0"

const mnemonicEntropyBits = 128

var ErrInvalidMnemonic = errors.New("invalid mnemonic")

// Account is the public side of a derived key.
type Account struct {
	Address    string `json:"address"`
	EVMAddress string `json:"evmAddress"`
	PublicKey  string `json:"publicKey"`
	Path       string `json:"path"`
	// Mnemonic is only set for freshly generated wallets.
	Mnemonic string `json:"mnemonic,omitempty"`
}

// Generate creates a new 12 word mnemonic and derives its first account.
func Generate(prefix string) (Account, error) {
	entropy, err := bip39.NewEntropy(mnemonicEntropyBits)
	if err != nil {
		return Account{}, fmt.Errorf("generate entropy: %w", err)
	}
	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return Account{}, fmt.Errorf("generate mnemonic: %w", err)
	}
	acc, err := derive(prefix, mnemonic, DefaultPath)
	if err != nil {
		return Account{}, err
	}
	acc.Mnemonic = mnemonic
	return acc, nil
}

// Import validates mnemonic and derives its first account.
func Import(prefix, mnemonic string) (Account, error) {
	mnemonic = strings.Join(strings.Fields(mnemonic), " ")
	if !bip39.IsMnemonicValid(mnemonic) {
		return Account{}, ErrInvalidMnemonic
	}
	return derive(prefix, mnemonic, DefaultPath)
}

func derive(prefix, mnemonic, path string) (Account, error) {
	seed, err := bip39.NewSeedWithErrorChecking(mnemonic, "")
	if err != nil {
		return Account{}, fmt.Errorf("%w: %v", ErrInvalidMnemonic, err)
	}
	key, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		return Account{}, fmt.Errorf("master key: %w", err)
	}

	indexes, err := parsePath(path)
	if err != nil {
		return Account{}, err
	}
	for _, idx := range indexes {
		key, err = key.Derive(idx)
		if err != nil {
			return Account{}, fmt.Errorf("derive %s: %w", path, err)
		}
	}

	pub, err := key.ECPubKey()
	if err != nil {
		return Account{}, fmt.Errorf("public key: %w", err)
	}
	compressed := pub.SerializeCompressed()

	sha := sha256.Sum256(compressed)
	h := ripemd160.New()
	h.Write(sha[:])
	addr, err := chain.EncodeAddress(prefix, h.Sum(nil))
	if err != nil {
		return Account{}, fmt.Errorf("encode address: %w", err)
	}

	return Account{
		Address:    addr,
		EVMAddress: crypto.PubkeyToAddress(*pub.ToECDSA()).Hex(),
		PublicKey:  hex.EncodeToString(compressed),
		Path:       path,
	}, nil
}

func parsePath(path string) ([]uint32, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(path), "m/")
	if trimmed == "" || trimmed == "m" {
		return nil, nil
	}
	segments := strings.Split(trimmed, "/")
	out := make([]uint32, 0, len(segments))
	for _, seg := range segments {
		hardened := strings.HasSuffix(seg, "'") || strings.HasSuffix(seg, "h")
		if hardened {
			seg = seg[:len(seg)-1]
		}
		val, err := strconv.ParseUint(seg, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid path segment %q: %w", seg, err)
		}
		idx := uint32(val)
		if hardened {
			idx += hdkeychain.HardenedKeyStart
		}
		out = append(out, idx)
	}
	return out, nil
}
