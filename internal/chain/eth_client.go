package chain

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// The Sei EVM denominates the native coin with 18 decimals, usei has 6.
const useiToWeiShift = 12

// EthClient signs legacy transactions with a local key and broadcasts them
// through the Sei EVM JSON-RPC endpoint.
type EthClient struct {
	client  *ethclient.Client
	key     *ecdsa.PrivateKey
	from    common.Address
	chainID *big.Int

	// nonce lookup and broadcast must not interleave for one account
	sendMu sync.Mutex
}

type EthClientConfig struct {
	RPCURL        string
	PrivateKeyHex string
	ChainID       int64 // 0 asks the node
}

func NewEthClient(ctx context.Context, cfg EthClientConfig) (*EthClient, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("evm rpc url is required")
	}
	if cfg.PrivateKeyHex == "" {
		return nil, fmt.Errorf("private key is required for submitting transactions")
	}

	pk, err := parsePrivateKey(cfg.PrivateKeyHex)
	if err != nil {
		return nil, err
	}

	cli, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}

	chainID := big.NewInt(cfg.ChainID)
	if cfg.ChainID == 0 {
		chainID, err = cli.ChainID(ctx)
		if err != nil {
			cli.Close()
			return nil, fmt.Errorf("fetch chain id: %w", err)
		}
	}

	return &EthClient{
		client:  cli,
		key:     pk,
		from:    crypto.PubkeyToAddress(pk.PublicKey),
		chainID: chainID,
	}, nil
}

func parsePrivateKey(hexKey string) (*ecdsa.PrivateKey, error) {
	hexKey = strings.TrimPrefix(hexKey, "0x")
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return key, nil
}

func (c *EthClient) Address() string {
	return c.from.Hex()
}

func (c *EthClient) CheckRecipient(addr string) error {
	if !common.IsHexAddress(addr) {
		return fmt.Errorf("%w: recipient %q is not an EVM address", ErrInvalidAddress, addr)
	}
	return nil
}

func (c *EthClient) SubmitTransfer(ctx context.Context, req TransferRequest) (Result, error) {
	if err := c.CheckRecipient(req.Recipient); err != nil {
		return Result{}, err
	}
	amount, err := ParseAmount(req.Amount)
	if err != nil {
		return Result{}, err
	}
	to := common.HexToAddress(req.Recipient)
	wei := amount.Shift(useiToWeiShift).BigInt()

	hash, err := c.send(ctx, &to, wei, nil)
	if err != nil {
		return Result{}, fmt.Errorf("submit transfer tx: %w", err)
	}
	return Result{TxHash: hash}, nil
}

// SubmitContractCall expects the message to be a JSON string holding 0x-hex calldata.
func (c *EthClient) SubmitContractCall(ctx context.Context, req ContractCallRequest) (Result, error) {
	if !common.IsHexAddress(req.Contract) {
		return Result{}, fmt.Errorf("%w: contract %q is not an EVM address", ErrInvalidAddress, req.Contract)
	}
	var encoded string
	if err := json.Unmarshal(req.Message, &encoded); err != nil {
		return Result{}, fmt.Errorf("%w: expected hex calldata string: %v", ErrInvalidMessage, err)
	}
	data, err := hexutil.Decode(encoded)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	to := common.HexToAddress(req.Contract)

	hash, err := c.send(ctx, &to, new(big.Int), data)
	if err != nil {
		return Result{}, fmt.Errorf("submit contract call tx: %w", err)
	}
	return Result{TxHash: hash}, nil
}

func (c *EthClient) send(ctx context.Context, to *common.Address, value *big.Int, data []byte) (string, error) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	nonce, err := c.client.PendingNonceAt(ctx, c.from)
	if err != nil {
		return "", fmt.Errorf("pending nonce: %w", err)
	}
	gasPrice, err := c.client.SuggestGasPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("gas price: %w", err)
	}
	gas, err := c.client.EstimateGas(ctx, ethereum.CallMsg{
		From:  c.from,
		To:    to,
		Value: value,
		Data:  data,
	})
	if err != nil {
		return "", fmt.Errorf("estimate gas: %w", err)
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       to,
		Value:    value,
		Gas:      gas,
		GasPrice: gasPrice,
		Data:     data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(c.chainID), c.key)
	if err != nil {
		return "", fmt.Errorf("sign: %w", err)
	}
	if err := c.client.SendTransaction(ctx, signed); err != nil {
		return "", err
	}
	return signed.Hash().Hex(), nil
}

func (c *EthClient) Ping(ctx context.Context) error {
	if c.client == nil {
		return fmt.Errorf("rpc client not configured")
	}
	_, err := c.client.BlockNumber(ctx)
	return err
}

func (c *EthClient) Close() {
	if c.client != nil {
		c.client.Close()
	}
}
