// Package cmd provides a transport-agnostic command core: a command has a name,
// a description and Run(ctx, invocation). Discord slash commands and the CLI
// both dispatch through it.
package cmd

import (
	"context"
	"errors"
)

// ErrUsage marks an invocation the command refused because of its input.
// Adapters show the message to the caller instead of logging it as a failure.
var ErrUsage = errors.New("usage")

// Invocation carries what any transport can pass: positional arguments, the
// guild the command targets and an opaque adapter payload (for Discord the
// session plus interaction, for the CLI nothing).
type Invocation struct {
	Args    []string
	GuildID string
	UserID  string
	Data    any
}

// Arg returns the i-th argument or "".
func (inv *Invocation) Arg(i int) string {
	if inv == nil || i < 0 || i >= len(inv.Args) {
		return ""
	}
	return inv.Args[i]
}

// Command is the universal contract: identity plus execution.
type Command interface {
	Name() string
	Description() string
	Run(ctx context.Context, inv *Invocation) error
}

// Func adapts a plain function into a Command.
type Func struct {
	CmdName string
	Desc    string
	RunFunc func(ctx context.Context, inv *Invocation) error
}

func (f *Func) Name() string        { return f.CmdName }
func (f *Func) Description() string { return f.Desc }
func (f *Func) Run(ctx context.Context, inv *Invocation) error {
	return f.RunFunc(ctx, inv)
}
