package broker

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Side is the broker-facing order direction.
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// Status is what the broker reports for an order it has seen.
type Status string

const (
	StatusAccepted        Status = "ACCEPTED"
	StatusFilled          Status = "FILLED"
	StatusPartiallyFilled Status = "PARTIALLY_FILLED"
	StatusRejected        Status = "REJECTED"
	StatusCancelled       Status = "CANCELLED"
)

// OrderRequest is one submission. The idempotency key is the dedupe handle:
// resubmitting the same key must not create a second live order.
type OrderRequest struct {
	IdempotencyKey string  `json:"idempotency_key"`
	Symbol         string  `json:"symbol"`
	Side           Side    `json:"side"`
	Quantity       int64   `json:"quantity"`
	LimitPrice     float64 `json:"limit_price,omitempty"` // 0 means market
}

// Execution is the broker's record of an order, returned on submit and by
// status probes.
type Execution struct {
	BrokerOrderID  string    `json:"broker_order_id"`
	IdempotencyKey string    `json:"idempotency_key"`
	Status         Status    `json:"status"`
	FilledQuantity int64     `json:"filled_quantity"`
	AvgPrice       float64   `json:"avg_price"`
	Fee            float64   `json:"fee"`
	SlippageBps    int       `json:"slippage_bps"`
	LatencyMs      int       `json:"latency_ms"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Broker places and tracks orders. Implementations must be safe for
// concurrent use and must treat IdempotencyKey as the dedupe boundary.
type Broker interface {
	// Submit places an order. If the key was already accepted, the existing
	// execution is returned rather than a duplicate being created.
	Submit(ctx context.Context, req OrderRequest) (Execution, error)
	// StatusByKey probes for an order by idempotency key; the bool reports
	// whether the broker has seen the key at all.
	StatusByKey(ctx context.Context, idempotencyKey string) (Execution, bool, error)
	Cancel(ctx context.Context, brokerOrderID string) error
}

// TransientError marks failures worth retrying: timeouts, throttling,
// connectivity. Everything else is permanent and the order fails closed.
type TransientError struct {
	Op     string
	Reason string
	Err    error
}

func (e *TransientError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Reason)
}

func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err (or anything it wraps) is retryable.
// Context cancellation and deadline expiry also count, a retry may succeed
// on the next cycle's budget.
func IsTransient(err error) bool {
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// Permanent submission failures.
var (
	ErrInsufficientFunds = errors.New("broker: insufficient funds")
	ErrUnknownSymbol     = errors.New("broker: unknown symbol")
	ErrMarketClosed      = errors.New("broker: market closed")
	ErrOrderNotFound     = errors.New("broker: order not found")
)
