package support

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"golang.org/x/net/proxy"
)

// NewHTTPClient returns the client used for outbound API calls. When
// socks5Addr is set all connections are dialed through that SOCKS5 proxy;
// credentials may be given as user:pass@host:port.
func NewHTTPClient(timeout time.Duration, socks5Addr string) (*http.Client, error) {
	transport := http.DefaultTransport.(*http.Transport).Clone()

	if addr := strings.TrimSpace(socks5Addr); addr != "" {
		var auth *proxy.Auth
		if at := strings.LastIndex(addr, "@"); at >= 0 {
			user, pass, _ := strings.Cut(addr[:at], ":")
			auth = &proxy.Auth{User: user, Password: pass}
			addr = addr[at+1:]
		}

		socksDialer, err := proxy.SOCKS5("tcp", addr, auth, &net.Dialer{Timeout: 30 * time.Second})
		if err != nil {
			return nil, fmt.Errorf("configure socks5 proxy: %w", err)
		}

		transport.Proxy = nil
		if ctxDialer, ok := socksDialer.(proxy.ContextDialer); ok {
			transport.DialContext = ctxDialer.DialContext
		} else {
			transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
				return socksDialer.Dial(network, addr)
			}
		}
	}

	return &http.Client{Timeout: timeout, Transport: transport}, nil
}
