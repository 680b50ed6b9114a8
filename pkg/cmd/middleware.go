package cmd

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
)

// Middleware wraps a command (logging, permission checks).
type Middleware func(Command) Command

// Apply applies middlewares in order; the first in the list is the outermost.
func Apply(c Command, mws ...Middleware) Command {
	for i := len(mws) - 1; i >= 0; i-- {
		c = mws[i](c)
	}
	return c
}

// WithLogging logs every invocation with its outcome and duration.
func WithLogging(logger zerolog.Logger) Middleware {
	return func(c Command) Command {
		return Wrap(c, func(ctx context.Context, inv *Invocation) error {
			start := time.Now()
			err := c.Run(ctx, inv)

			ev := logger.Info()
			switch {
			case err == nil:
			case errors.Is(err, ErrUsage):
				ev = logger.Debug().Err(err)
			default:
				ev = logger.Warn().Err(err)
			}
			ev.Str("command", c.Name()).
				Str("guild_id", inv.GuildID).
				Str("user_id", inv.UserID).
				Strs("args", inv.Args).
				Dur("took", time.Since(start)).
				Msg("command handled")
			return err
		})
	}
}
