package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/example/safewalk/internal/models"
)

// TripActions is what stdin commands can do to a trip.
type TripActions interface {
	VerifyCode(ctx context.Context, code string) error
	Cancel(ctx context.Context) error
	Complete(ctx context.Context) error
	Decline(ctx context.Context) error
}

type command struct {
	name string
	arg  string
}

// parseCommand returns the zero command for blank lines.
func parseCommand(line string) (command, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return command{}, nil
	}
	c := command{name: strings.ToLower(fields[0])}
	switch c.name {
	case "verify":
		if len(fields) != 2 {
			return command{}, fmt.Errorf("usage: verify <code>")
		}
		c.arg = fields[1]
	case string(models.IntentCancel), string(models.IntentComplete), string(models.IntentDecline):
		if len(fields) != 1 {
			return command{}, fmt.Errorf("usage: %s", c.name)
		}
	default:
		return command{}, fmt.Errorf("unknown command %q", fields[0])
	}
	return c, nil
}

func (c command) apply(ctx context.Context, t TripActions) error {
	switch c.name {
	case "verify":
		return t.VerifyCode(ctx, c.arg)
	case string(models.IntentCancel):
		return t.Cancel(ctx)
	case string(models.IntentComplete):
		return t.Complete(ctx)
	case string(models.IntentDecline):
		return t.Decline(ctx)
	}
	return fmt.Errorf("unknown command %q", c.name)
}
