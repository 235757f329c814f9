// Package purchase turns a held lock into an order through the REST
// collaborator and settles the lock's state with the result.
package purchase

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/orchestra-mcp/boxoffice/src/orders"
	"github.com/orchestra-mcp/boxoffice/src/types"
	"github.com/rs/zerolog"
)

// Ledger is the part of the lock manager a purchase settles against.
type Ledger interface {
	BeginPurchase(lockID string) (types.Lock, error)
	CompletePurchase(lockID string)
	AbortPurchase(lockID string, invalidate bool)
}

// OrderAPI creates an order that consumes a lock.
type OrderAPI interface {
	CreateWithLock(ctx context.Context, order types.OrderRequest) (types.Order, error)
}

// Coordinator runs purchases. It keeps no idempotency key of its own; a
// consumed lock id is refused locally and the backend refuses it remotely.
type Coordinator struct {
	ledger Ledger
	api    OrderAPI
	logger zerolog.Logger
}

func NewCoordinator(ledger Ledger, api OrderAPI, logger zerolog.Logger) *Coordinator {
	return &Coordinator{
		ledger: ledger,
		api:    api,
		logger: logger.With().Str("component", "purchase").Logger(),
	}
}

// Purchase submits an order for lock. The hold must be Locked and unexpired
// when the call is made. On failure the hold is left as it was, marked
// invalid only when the backend says the lock itself is gone.
func (c *Coordinator) Purchase(ctx context.Context, lock types.Lock, notes string) (types.OrderOutcome, error) {
	held, err := c.ledger.BeginPurchase(lock.ID)
	if err != nil {
		return types.OrderOutcome{}, err
	}

	order, err := c.api.CreateWithLock(ctx, types.OrderRequest{
		EventID:    held.EventID,
		CategoryID: held.CategoryID,
		Quantity:   held.Quantity,
		LockID:     held.ID,
		Notes:      strings.TrimSpace(notes),
	})
	if err != nil {
		apiErr, ok := orders.AsAPIError(err)
		invalid := ok && apiErr.LockInvalid()
		c.ledger.AbortPurchase(held.ID, invalid)

		c.logger.Warn().Err(err).Str("lock_id", held.ID).Bool("lock_invalid", invalid).Msg("purchase failed")
		switch {
		case invalid:
			return types.OrderOutcome{}, fmt.Errorf("%w: %w: %w", types.ErrPurchaseRejected, types.ErrLockExpired, err)
		case unsettled(err):
			// No verdict from the backend; the hold stands.
			return types.OrderOutcome{}, fmt.Errorf("%w: %w", types.ErrPurchaseUnsettled, err)
		}
		return types.OrderOutcome{}, fmt.Errorf("%w: %w", types.ErrPurchaseRejected, err)
	}

	c.ledger.CompletePurchase(held.ID)
	c.logger.Info().
		Str("lock_id", held.ID).
		Int64("order_id", order.ID).
		Str("status", order.Status).
		Msg("purchase complete")

	return types.OrderOutcome{
		Success: true,
		OrderID: order.ID,
		Status:  order.Status,
		Order:   order,
	}, nil
}

// unsettled reports whether the order call failed before the backend
// answered it.
func unsettled(err error) bool {
	return errors.Is(err, types.ErrTransport) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled)
}
