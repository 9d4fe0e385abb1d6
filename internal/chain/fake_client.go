package chain

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

const fakeSender = "sei1fakesigner"

// FakeClient hashes the payload to deterministically emulate broadcasts in
// development and tests.
type FakeClient struct {
	Sender string
}

func (f FakeClient) Address() string {
	if f.Sender == "" {
		return fakeSender
	}
	return f.Sender
}

func (FakeClient) SubmitTransfer(_ context.Context, req TransferRequest) (Result, error) {
	if req.Sender == "" {
		return Result{}, fmt.Errorf("missing sender")
	}
	if req.Recipient == "" {
		return Result{}, fmt.Errorf("missing recipient")
	}
	return Result{TxHash: fakeHash("transfer", req.Sender, req.Recipient, req.Amount, req.Memo)}, nil
}

func (FakeClient) SubmitContractCall(_ context.Context, req ContractCallRequest) (Result, error) {
	if req.Sender == "" {
		return Result{}, fmt.Errorf("missing sender")
	}
	if req.Contract == "" {
		return Result{}, fmt.Errorf("missing contract address")
	}
	return Result{TxHash: fakeHash("execute", req.Sender, req.Contract, string(req.Message))}, nil
}

func (FakeClient) Ping(context.Context) error {
	return nil
}

func fakeHash(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return "0x" + hex.EncodeToString(h.Sum(nil))
}
