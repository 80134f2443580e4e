// Package settlement waits for on-chain confirmation of a trade's
// transaction hash so OrderManager can emit a transaction_confirmed
// lifecycle event without blocking the order's logical status on it.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// ErrTimeout is returned when a transaction does not mine within the
// configured timeout.
var ErrTimeout = errors.New("settlement: confirmation timeout")

// Option configures a Waiter.
type Option func(*Waiter)

// WithPollInterval sets how often the Waiter checks for a receipt.
// Default 3s.
func WithPollInterval(d time.Duration) Option {
	return func(w *Waiter) { w.pollInterval = d }
}

// WithTimeout bounds how long WaitForConfirmation will wait before
// returning ErrTimeout. Default 5m.
func WithTimeout(d time.Duration) Option {
	return func(w *Waiter) { w.timeout = d }
}

// Confirmation is the result of a mined, 1-confirmation transaction.
type Confirmation struct {
	TxHash      string
	BlockNumber uint64
	GasUsed     uint64
	Success     bool
}

// receiptFetcher is the slice of *ethclient.Client this package needs,
// narrowed so a fake can stand in for tests.
type receiptFetcher interface {
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// Waiter polls an ethclient for a transaction receipt until it has at
// least one confirmation or the timeout elapses.
type Waiter struct {
	client       receiptFetcher
	logger       *slog.Logger
	pollInterval time.Duration
	timeout      time.Duration
}

// New constructs a Waiter against client.
func New(client *ethclient.Client, logger *slog.Logger, opts ...Option) *Waiter {
	w := &Waiter{
		client:       client,
		logger:       logger.With("component", "settlement"),
		pollInterval: 3 * time.Second,
		timeout:      5 * time.Minute,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// WaitForConfirmation blocks until txHash has a mined receipt, the
// timeout elapses, or ctx is cancelled.
func (w *Waiter) WaitForConfirmation(ctx context.Context, txHash string) (Confirmation, error) {
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	hash := common.HexToHash(txHash)
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		receipt, err := w.client.TransactionReceipt(ctx, hash)
		if err == nil {
			return Confirmation{
				TxHash:      txHash,
				BlockNumber: receipt.BlockNumber.Uint64(),
				GasUsed:     receipt.GasUsed,
				Success:     receipt.Status == types.ReceiptStatusSuccessful,
			}, nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			w.logger.Warn("transaction receipt lookup failed, retrying", "txHash", txHash, "error", err)
		}

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return Confirmation{}, fmt.Errorf("%w: %s", ErrTimeout, txHash)
			}
			return Confirmation{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

// WatchAsync runs WaitForConfirmation in a goroutine and invokes onDone
// with the result. Errors are reported through onDone, not returned, so
// settlement failures never affect the order's logical status (spec §4.7).
func (w *Waiter) WatchAsync(ctx context.Context, txHash string, onDone func(Confirmation, error)) {
	go func() {
		conf, err := w.WaitForConfirmation(ctx, txHash)
		onDone(conf, err)
	}()
}
