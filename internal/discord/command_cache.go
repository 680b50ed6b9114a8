package discord

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// commandCache remembers the hash of every slash command last registered per
// guild, so unchanged commands are not re-created on each start.
type commandCache struct {
	dir string
}

func (c commandCache) path(guildID string) string {
	return filepath.Join(c.dir, guildID+".json")
}

func (c commandCache) load(guildID string) map[string]string {
	data := make(map[string]string)
	if c.dir == "" {
		return data
	}
	file, err := os.ReadFile(c.path(guildID))
	if err == nil {
		_ = json.Unmarshal(file, &data)
	}
	return data
}

func (c commandCache) save(guildID string, hashes map[string]string) error {
	if c.dir == "" {
		return nil
	}
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(hashes, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(c.path(guildID), data, 0o644)
}
