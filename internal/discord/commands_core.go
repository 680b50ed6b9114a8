package discord

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/keshon/cadence/pkg/cmd"
)

func (b *Bot) runPing(_ context.Context, inv *cmd.Invocation) error {
	sc := slash(inv)
	return sc.replyEphemeral(pingEmbed(sc.s.HeartbeatLatency()))
}

func (b *Bot) runHelp(_ context.Context, inv *cmd.Invocation) error {
	return slash(inv).replyEphemeral(helpEmbed(b.commands.GetAll()))
}

func pingEmbed(latency time.Duration) *discordgo.MessageEmbed {
	return fieldEmbed("Pong!", fmt.Sprintf("I'm here, thanks for checking on me! Latency: %dms", latency.Milliseconds()))
}

// helpEmbed lists every registered command, one field each.
func helpEmbed(commands []cmd.Command) *discordgo.MessageEmbed {
	embed := newEmbed()
	embed.Title = "Command List"
	for _, c := range commands {
		desc := c.Description()
		if desc == "" {
			desc = "No description available"
		}
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{Name: "/" + c.Name(), Value: desc})
	}
	return embed
}
