package main

import (
	"fmt"
	"net"
	"strings"
)

// listenerURL returns a human-friendly URL for a listener address.
// 1.- Upgrade the scheme to its secure variant when TLS is configured.
// 2.- Normalise the configured address so the message always shows a reachable host:port pair.
func listenerURL(scheme, address, path string, tlsEnabled bool) string {
	if tlsEnabled {
		switch scheme {
		case "http":
			scheme = "https"
		case "ws":
			scheme = "wss"
		}
	}
	if path != "" && !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return fmt.Sprintf("%s://%s%s", scheme, normaliseHostPort(address), path)
}

// dialTarget renders a listener address the way gRPC clients expect it, without a scheme.
func dialTarget(address string) string {
	return normaliseHostPort(address)
}

func normaliseHostPort(address string) string {
	trimmed := strings.TrimSpace(address)
	if trimmed == "" {
		return "localhost"
	}
	host, port, err := net.SplitHostPort(trimmed)
	if err != nil {
		if strings.HasPrefix(trimmed, ":") {
			return "localhost" + trimmed
		}
		return trimmed
	}
	host = strings.TrimSpace(host)
	switch host {
	case "", "0.0.0.0", "::", "[::]":
		host = "localhost"
	}
	return net.JoinHostPort(host, port)
}
