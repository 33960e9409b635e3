package database

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

const (
	connectAttempts = 5
	connectBackoff  = 500 * time.Millisecond
)

// connect runs dial until it succeeds, doubling the wait between
// attempts. Backing services started alongside the API by compose are
// often a few seconds late.
func connect(ctx context.Context, logger *zap.Logger, name string, dial func(context.Context) error) error {
	wait := connectBackoff
	var err error
	for attempt := 1; attempt <= connectAttempts; attempt++ {
		if err = dial(ctx); err == nil {
			return nil
		}
		if attempt == connectAttempts {
			break
		}
		logger.Warn("backing service not ready, retrying",
			zap.String("service", name),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return fmt.Errorf("%s: %w", name, ctx.Err())
		case <-time.After(wait):
		}
		wait *= 2
	}
	return fmt.Errorf("%s unreachable after %d attempts: %w", name, connectAttempts, err)
}
