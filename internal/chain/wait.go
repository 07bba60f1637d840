package chain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"market-relayer/internal/domain"
)

// DefaultPollInterval is the receipt polling interval.
const DefaultPollInterval = 1 * time.Second

// WaitMined polls for the receipt of hash until it is mined or timeout elapses.
// A timeout is a transient NetworkError: the transaction may still land and
// must not be re-sent blindly.
func WaitMined(ctx context.Context, backend Backend, step string, hash common.Hash, timeout, poll time.Duration) (*types.Receipt, error) {
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	var lastErr error
	for {
		receipt, err := backend.TransactionReceipt(waitCtx, hash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			lastErr = err
		}

		select {
		case <-waitCtx.Done():
			msg := fmt.Sprintf("transaction %s not confirmed within %s", hash.Hex(), timeout)
			if lastErr != nil {
				msg += fmt.Sprintf(" (last error: %v)", lastErr)
			}
			return nil, &domain.Error{
				Kind: domain.KindNetwork,
				Step: step,
				Msg:  msg,
				Hint: "the transaction may still be mined; check its hash before retrying",
				Err:  waitCtx.Err(),
			}
		case <-ticker.C:
		}
	}
}
