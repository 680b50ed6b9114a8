package youtube

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"time"

	_ "github.com/bdandy/go-socks4"
	"github.com/kkdai/youtube/v2"
	"github.com/rs/zerolog"
	"golang.org/x/net/proxy"
)

// NewClient builds a kkdai client, routed through proxyStr when it is set.
// Supported schemes are http, https, socks4 and socks5. An unusable proxy is
// logged and the client goes direct.
func NewClient(proxyStr string, logger zerolog.Logger) *youtube.Client {
	direct := &youtube.Client{HTTPClient: &http.Client{Timeout: 15 * time.Second}}
	if proxyStr == "" {
		return direct
	}

	proxyURL, err := url.Parse(proxyStr)
	if err != nil {
		logger.Warn().Err(err).Msg("invalid proxy format, going direct")
		return direct
	}

	transport, err := proxyTransport(proxyURL)
	if err != nil {
		logger.Warn().Err(err).Str("scheme", proxyURL.Scheme).Msg("proxy unusable, going direct")
		return direct
	}

	logger.Info().Str("scheme", proxyURL.Scheme).Str("host", proxyURL.Host).Msg("using provider proxy")
	return &youtube.Client{
		HTTPClient: &http.Client{
			Timeout:   15 * time.Second,
			Transport: transport,
		},
	}
}

func proxyTransport(proxyURL *url.URL) (*http.Transport, error) {
	switch proxyURL.Scheme {
	case "http", "https":
		return &http.Transport{Proxy: http.ProxyURL(proxyURL)}, nil
	case "socks4", "socks5":
		// socks4 is registered with x/net/proxy by go-socks4
		dialer, err := proxy.FromURL(proxyURL, &net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 10 * time.Second,
		})
		if err != nil {
			return nil, err
		}
		return &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				if cd, ok := dialer.(proxy.ContextDialer); ok {
					return cd.DialContext(ctx, network, addr)
				}
				return dialer.Dial(network, addr)
			},
		}, nil
	default:
		return nil, &url.Error{Op: "proxy", URL: proxyURL.String(), Err: errUnsupportedScheme}
	}
}
