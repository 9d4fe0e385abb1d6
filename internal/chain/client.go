package chain

import (
	"context"
	"encoding/json"
	"errors"
)

var ErrInvalidMessage = errors.New("invalid contract message")

// Client signs and broadcasts transactions on behalf of one connected account.
type Client interface {
	Address() string
	SubmitTransfer(ctx context.Context, req TransferRequest) (Result, error)
	SubmitContractCall(ctx context.Context, req ContractCallRequest) (Result, error)
}

// HealthChecker is implemented by clients that can cheaply check their node.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// RecipientChecker is implemented by clients that only accept some address
// formats, so intents can be rejected before they are queued.
type RecipientChecker interface {
	CheckRecipient(addr string) error
}

type TransferRequest struct {
	Sender    string
	Recipient string
	Amount    string // integer string in the minimal denom (usei)
	Memo      string
}

type ContractCallRequest struct {
	Sender   string
	Contract string
	Message  json.RawMessage
}

type Result struct {
	TxHash string
}
