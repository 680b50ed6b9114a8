package discord

import (
	"errors"
	"fmt"

	"github.com/bwmarrin/discordgo"
)

var errNotInVoice = errors.New("user not in any voice channel")

// FindUserVoiceChannel returns the voice channel the user is connected to.
func FindUserVoiceChannel(s *discordgo.Session, guildID, userID string) (string, error) {
	guild, err := s.State.Guild(guildID)
	if err != nil {
		return "", fmt.Errorf("error retrieving guild: %w", err)
	}
	for _, vs := range guild.VoiceStates {
		if vs.UserID == userID && vs.ChannelID != "" {
			return vs.ChannelID, nil
		}
	}
	return "", errNotInVoice
}
