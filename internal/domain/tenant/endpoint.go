package tenant

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// DefaultAgentPath is the path of the agent-manager event channel.
const DefaultAgentPath = "/agents"

// LinkURL builds the event channel URL for a profile: the endpoint's host,
// the profile's port override or defaultPort, and agentPath. The scheme is
// normalized to http or https; ws and wss endpoints map to their HTTP
// counterparts and a missing scheme defaults to http.
func LinkURL(p *Profile, defaultPort int, agentPath string) (string, error) {
	raw := p.Endpoint
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse endpoint %q: %w", p.Endpoint, err)
	}
	host := parsed.Hostname()
	if host == "" {
		return "", fmt.Errorf("endpoint %q has no host", p.Endpoint)
	}

	var scheme string
	switch strings.ToLower(parsed.Scheme) {
	case "https", "wss":
		scheme = "https"
	case "http", "ws", "":
		scheme = "http"
	default:
		return "", fmt.Errorf("endpoint %q has unsupported scheme %q", p.Endpoint, parsed.Scheme)
	}

	port := defaultPort
	if p.PortOverride > 0 {
		port = p.PortOverride
	}
	if agentPath == "" {
		agentPath = DefaultAgentPath
	}
	if !strings.HasPrefix(agentPath, "/") {
		agentPath = "/" + agentPath
	}

	u := url.URL{
		Scheme: scheme,
		Host:   net.JoinHostPort(host, strconv.Itoa(port)),
		Path:   agentPath,
	}
	return u.String(), nil
}
