package txqueue

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"seipulse/internal/chain"
)

type Kind string

const (
	KindTransfer     Kind = "transfer"
	KindContractCall Kind = "contract_call"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusSucceeded  Status = "succeeded"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no automatic transition leaves s.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

var ErrInvalidIntent = errors.New("invalid transaction intent")

// Intent is what a caller asks the queue to submit.
type Intent struct {
	Kind            Kind            `json:"kind" validate:"required,oneof=transfer contract_call"`
	Recipient       string          `json:"recipient,omitempty" validate:"required_if=Kind transfer"`
	Amount          string          `json:"amount,omitempty" validate:"required_if=Kind transfer"`
	Memo            string          `json:"memo,omitempty" validate:"max=256"`
	ContractAddress string          `json:"contractAddress,omitempty" validate:"required_if=Kind contract_call"`
	Message         json.RawMessage `json:"message,omitempty" validate:"required_if=Kind contract_call"`
}

var validate = validator.New()

// Validate checks that the fields required by the intent's kind are present and well formed.
func (i Intent) Validate() error {
	if err := validate.Struct(i); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidIntent, describeValidation(err))
	}
	switch i.Kind {
	case KindTransfer:
		if _, err := chain.ParseAmount(i.Amount); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidIntent, err)
		}
	case KindContractCall:
		if !json.Valid(i.Message) {
			return fmt.Errorf("%w: message is not valid JSON", ErrInvalidIntent)
		}
	}
	return nil
}

func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, e := range verrs {
		switch e.Tag() {
		case "required", "required_if":
			msgs = append(msgs, fmt.Sprintf("%s is required", e.Field()))
		case "oneof":
			msgs = append(msgs, fmt.Sprintf("%s must be one of [%s]", e.Field(), e.Param()))
		case "max":
			msgs = append(msgs, fmt.Sprintf("%s must be at most %s characters", e.Field(), e.Param()))
		default:
			msgs = append(msgs, fmt.Sprintf("%s failed %s", e.Field(), e.Tag()))
		}
	}
	return strings.Join(msgs, "; ")
}

// Transaction is one queued intent and its delivery state.
type Transaction struct {
	ID string `json:"id"`
	Intent
	CreatedAt     time.Time  `json:"createdAt"`
	Status        Status     `json:"status"`
	Error         string     `json:"error,omitempty"`
	TxHash        string     `json:"txHash,omitempty"`
	RetryCount    int        `json:"retryCount"`
	NextAttemptAt *time.Time `json:"nextAttemptAt,omitempty"`
}

func (t Transaction) clone() Transaction {
	out := t
	if t.Message != nil {
		out.Message = append(json.RawMessage(nil), t.Message...)
	}
	if t.NextAttemptAt != nil {
		at := *t.NextAttemptAt
		out.NextAttemptAt = &at
	}
	return out
}
