package settlement

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"os"
	"sync"
	"testing"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeFetcher struct {
	mu           sync.Mutex
	calls        int
	notFoundN    int // number of calls to return ethereum.NotFound before succeeding
	receipt      *types.Receipt
	permanentErr error
}

func (f *fakeFetcher) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.permanentErr != nil {
		return nil, f.permanentErr
	}
	if f.calls <= f.notFoundN {
		return nil, ethereum.NotFound
	}
	return f.receipt, nil
}

func newWaiterWithFetcher(f *fakeFetcher, opts ...Option) *Waiter {
	w := &Waiter{
		client:       f,
		logger:       testLogger(),
		pollInterval: 5 * time.Millisecond,
		timeout:      time.Second,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func TestWaitForConfirmationSucceedsAfterRetries(t *testing.T) {
	t.Parallel()
	f := &fakeFetcher{
		notFoundN: 2,
		receipt: &types.Receipt{
			BlockNumber: big.NewInt(100),
			GasUsed:     21000,
			Status:      types.ReceiptStatusSuccessful,
		},
	}
	w := newWaiterWithFetcher(f)

	conf, err := w.WaitForConfirmation(context.Background(), "0xabc")
	if err != nil {
		t.Fatalf("WaitForConfirmation: %v", err)
	}
	if conf.BlockNumber != 100 || conf.GasUsed != 21000 || !conf.Success {
		t.Errorf("conf = %+v, want block 100 / gas 21000 / success", conf)
	}
	if f.calls < 3 {
		t.Errorf("fetcher called %d times, want at least 3 (2 not-found + 1 success)", f.calls)
	}
}

func TestWaitForConfirmationTimesOut(t *testing.T) {
	t.Parallel()
	f := &fakeFetcher{notFoundN: 1_000_000}
	w := newWaiterWithFetcher(f, WithTimeout(30*time.Millisecond), WithPollInterval(5*time.Millisecond))

	_, err := w.WaitForConfirmation(context.Background(), "0xabc")
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
}

func TestWaitForConfirmationRespectsContextCancellation(t *testing.T) {
	t.Parallel()
	f := &fakeFetcher{notFoundN: 1_000_000}
	w := newWaiterWithFetcher(f)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := w.WaitForConfirmation(ctx, "0xabc")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestWaitForConfirmationFailedReceiptStatus(t *testing.T) {
	t.Parallel()
	f := &fakeFetcher{
		receipt: &types.Receipt{
			BlockNumber: big.NewInt(1),
			GasUsed:     21000,
			Status:      types.ReceiptStatusFailed,
		},
	}
	w := newWaiterWithFetcher(f)

	conf, err := w.WaitForConfirmation(context.Background(), "0xabc")
	if err != nil {
		t.Fatalf("WaitForConfirmation: %v", err)
	}
	if conf.Success {
		t.Error("expected Success=false for a reverted transaction")
	}
}

func TestWatchAsyncInvokesCallback(t *testing.T) {
	t.Parallel()
	f := &fakeFetcher{
		receipt: &types.Receipt{BlockNumber: big.NewInt(5), GasUsed: 1, Status: types.ReceiptStatusSuccessful},
	}
	w := newWaiterWithFetcher(f)

	done := make(chan Confirmation, 1)
	w.WatchAsync(context.Background(), "0xabc", func(c Confirmation, err error) {
		if err != nil {
			t.Errorf("unexpected error: %v", err)
		}
		done <- c
	})

	select {
	case c := <-done:
		if c.BlockNumber != 5 {
			t.Errorf("blockNumber = %d, want 5", c.BlockNumber)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for WatchAsync callback")
	}
}
