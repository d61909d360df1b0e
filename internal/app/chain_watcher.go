/**
 * @description
 * Blockchain poller for the crypto payment rail. Each tick fetches the chain
 * head and recent USDT transfers to the merchant wallet, records them through
 * the crypto normalizer, and publishes any newly confirmable deposits as
 * canonical payment events. Polling is used instead of a push subscription
 * for portability; failures back off exponentially and never block shutdown.
 */
package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/o42sam/faceswap-server/internal/domain"
	"github.com/o42sam/faceswap-server/pkg/ethscan"
)

const (
	maxPollBackoff = 5 * time.Minute
	// scanOverlapBlocks re-reads a window behind the last scanned block so a
	// reorg or a lagging explorer index cannot hide a transfer.
	scanOverlapBlocks = 50
)

// ChainClient defines the explorer operations the watcher needs.
type ChainClient interface {
	BlockNumber(ctx context.Context) (int64, error)
	TokenTransfers(ctx context.Context, contract, address string, startBlock int64) ([]ethscan.TokenTransfer, error)
}

// EventPublisher hands canonical payment events to the reconciliation queue.
type EventPublisher interface {
	PublishPaymentEvent(ctx context.Context, ev domain.PaymentEvent) error
}

// ChainWatcher polls the transfer feed for the merchant wallet.
type ChainWatcher struct {
	client     ChainClient
	normalizer *CryptoNormalizer
	contract   string
	wallet     string
	interval   time.Duration
	logger     *slog.Logger

	lastBlock int64
	failures  int
}

// NewChainWatcher creates a watcher for the configured wallet and token.
func NewChainWatcher(client ChainClient, normalizer *CryptoNormalizer, contract, wallet string, interval time.Duration, logger *slog.Logger) *ChainWatcher {
	return &ChainWatcher{
		client:     client,
		normalizer: normalizer,
		contract:   contract,
		wallet:     wallet,
		interval:   interval,
		logger:     logger,
	}
}

// Run polls until the context is canceled.
func (w *ChainWatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if delay := w.backoffDelay(); delay > 0 {
				select {
				case <-ctx.Done():
					return
				case <-time.After(delay):
				}
			}
			if err := w.pollOnce(ctx); err != nil {
				w.failures++
				w.logger.Warn("chain poll failed", "error", err, "consecutive_failures", w.failures)
			} else {
				w.failures = 0
			}
		}
	}
}

func (w *ChainWatcher) backoffDelay() time.Duration {
	if w.failures == 0 {
		return 0
	}
	shift := w.failures
	if shift > 8 {
		shift = 8
	}
	delay := time.Second << shift
	if delay > maxPollBackoff {
		delay = maxPollBackoff
	}
	return delay
}

func (w *ChainWatcher) pollOnce(ctx context.Context) error {
	head, err := w.client.BlockNumber(ctx)
	if err != nil {
		return err
	}

	start := w.lastBlock - scanOverlapBlocks
	if start < 0 {
		start = 0
	}
	transfers, err := w.client.TokenTransfers(ctx, w.contract, w.wallet, start)
	if err != nil {
		return err
	}

	if err := w.normalizer.Observe(ctx, transfers, head); err != nil {
		return err
	}
	// Advance toward the head even when the range was quiet, otherwise an
	// idle wallet re-fetches its whole history on every tick. Transfers can
	// sit past the proxy head when the explorer index runs ahead of it.
	for _, t := range transfers {
		if t.BlockNumber > w.lastBlock {
			w.lastBlock = t.BlockNumber
		}
	}
	if head > w.lastBlock {
		w.lastBlock = head
	}

	if _, err := w.normalizer.Settle(ctx); err != nil {
		return err
	}
	return nil
}
