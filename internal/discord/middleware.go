package discord

import (
	"context"

	"github.com/keshon/cadence/pkg/cmd"
)

func withGuildOnly() cmd.Middleware {
	return func(c cmd.Command) cmd.Command {
		return cmd.Wrap(c, func(ctx context.Context, inv *cmd.Invocation) error {
			if inv.GuildID == "" || toID(inv.GuildID) == 0 {
				return refuse("Server only!", "Music commands only work inside a server.")
			}
			return c.Run(ctx, inv)
		})
	}
}

// withSameChannel admits callers sitting in the bot's voice channel.
func withSameChannel(b *Bot) cmd.Middleware {
	return func(c cmd.Command) cmd.Command {
		return cmd.Wrap(c, func(ctx context.Context, inv *cmd.Invocation) error {
			guildID := toID(inv.GuildID)
			if !b.ctrl.SessionExists(guildID) {
				return refuse("I'm not connected!", "Join a voice channel and use the join or play command.")
			}
			channelID, err := FindUserVoiceChannel(slash(inv).s, inv.GuildID, inv.UserID)
			if err != nil || !b.ctrl.IsChannelMember(guildID, toID(channelID)) {
				return refuse("You're not in my channel!", "Join my voice channel to control playback.")
			}
			return c.Run(ctx, inv)
		})
	}
}
