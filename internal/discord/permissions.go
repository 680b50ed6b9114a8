package discord

import (
	"github.com/bwmarrin/discordgo"
)

// canKick reports whether the invoking member may kick members, which is
// what evicting the bot from a channel with queued songs requires.
// Interaction payloads carry the member's resolved permissions.
func canKick(member *discordgo.Member) bool {
	if member == nil {
		return false
	}
	return member.Permissions&(discordgo.PermissionKickMembers|discordgo.PermissionAdministrator) != 0
}
