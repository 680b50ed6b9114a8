package youtube

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

var youtubeRegex = regexp.MustCompile(`^(?:https?:\/\/)?(?:www\.|music\.|m\.)?(youtube\.com|youtu\.be)\/\S+`)

func isYouTubeURL(input string) bool {
	return youtubeRegex.MatchString(input)
}

// IsPlaylistURL reports links that point at a whole playlist rather than
// a single video. A watch link carrying a list= parameter still plays the video.
func IsPlaylistURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	if u.Path == "/playlist" {
		return true
	}
	return u.Query().Get("list") != "" && u.Query().Get("v") == ""
}

// CleanVideoURL strips everything but the video id from a watch or short link.
func CleanVideoURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}

	host := u.Hostname()

	switch host {
	case "youtu.be":
		// https://youtu.be/<id>?t=123
		vid := strings.Trim(u.Path, "/")
		if vid == "" {
			return raw
		}
		return fmt.Sprintf("https://youtu.be/%s", vid)

	case "www.youtube.com", "youtube.com", "music.youtube.com", "m.youtube.com":
		if u.Path == "/watch" {
			if vid := u.Query().Get("v"); vid != "" {
				return fmt.Sprintf("https://www.youtube.com/watch?v=%s", vid)
			}
		}
		if strings.HasPrefix(u.Path, "/shorts/") {
			return fmt.Sprintf("https://www.youtube.com/watch?v=%s", strings.TrimPrefix(u.Path, "/shorts/"))
		}
		return raw

	default:
		return raw
	}
}
