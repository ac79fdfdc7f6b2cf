package bloomd

import (
	"net"
	"strconv"
	"strings"

	"github.com/pior/bloomd/protocol"
)

// ServerAddr identifies one filter server instance.
type ServerAddr struct {
	Host string
	Port int
}

// ParseServerAddr parses "host" or "host:port".
// A bare host uses protocol.DefaultPort. IPv6 hosts with a port must be bracketed.
func ParseServerAddr(s string) (ServerAddr, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return ServerAddr{}, &ConfigurationError{Message: "empty server address"}
	}

	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		// No port: plain hostname, IPv4 or unbracketed IPv6 literal
		if strings.Count(s, ":") == 0 || net.ParseIP(s) != nil {
			return ServerAddr{Host: s, Port: protocol.DefaultPort}, nil
		}
		return ServerAddr{}, &ConfigurationError{Message: "invalid server address " + strconv.Quote(s)}
	}

	if host == "" {
		return ServerAddr{}, &ConfigurationError{Message: "missing host in server address " + strconv.Quote(s)}
	}

	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return ServerAddr{}, &ConfigurationError{Message: "invalid port in server address " + strconv.Quote(s)}
	}

	return ServerAddr{Host: host, Port: port}, nil
}

// String returns the dialable "host:port" form.
func (a ServerAddr) String() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}
