package adapter

import "strings"

// wsEndpoint rewrites the public base URL into the ws/wss endpoint the SFU
// dials back for a given path.
func wsEndpoint(publicBaseURL, path string) string {
	base := strings.TrimRight(publicBaseURL, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return base + path
}
