package websocket

import (
	"log/slog"
	"net/http"
	"net/url"

	"github.com/gorilla/websocket"
)

// NewCheckOrigin returns a CheckOrigin function for the upgrader.
// It allows empty origins (non-browser clients) and the gateway's public origin. When
// publicURL is empty the origin must match the request's Host instead. When isDevelopment
// is true, localhost origins are additionally allowed.
func NewCheckOrigin(publicURL string, isDevelopment bool) func(r *http.Request) bool {
	publicOrigin := extractOrigin(publicURL)

	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}

		if publicOrigin != "" && origin == publicOrigin {
			return true
		}

		if publicOrigin == "" && originHost(origin) == r.Host {
			return true
		}

		if isDevelopment && isLocalhostOrigin(origin) {
			return true
		}

		slog.Warn("WebSocket origin rejected", "origin", origin, "remote_addr", r.RemoteAddr)
		return false
	}
}

// NewUpgrader returns an upgrader using checkOrigin.
func NewUpgrader(checkOrigin func(r *http.Request) bool) *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     checkOrigin,
	}
}

func extractOrigin(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}

func originHost(origin string) string {
	u, err := url.Parse(origin)
	if err != nil {
		return ""
	}
	return u.Host
}

func isLocalhostOrigin(origin string) bool {
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	host := u.Hostname()
	return host == "localhost" || host == "127.0.0.1"
}
