package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"

	"golang.org/x/net/proxy"

	"github.com/driftline/vpncore/internal/model"
)

// ErrProxyAuthRequired is returned when the proxy answers CONNECT with 407
// and no credentials were configured, so the host can prompt and retry.
var ErrProxyAuthRequired = errors.New("transport: proxy requires authentication")

// connectDialer implements proxy.Dialer over an HTTP-CONNECT proxy. It is
// registered under the "http" scheme so proxy.FromURL and proxy.FromEnvironment
// can produce one from a proxy URL, in addition to being usable directly.
type connectDialer struct {
	proxyAddr string
	username  string
	password  string
	forward   proxy.Dialer
}

func init() {
	proxy.RegisterDialerType("http", newConnectDialerFromURL)
}

func newConnectDialerFromURL(u *url.URL, forward proxy.Dialer) (proxy.Dialer, error) {
	d := &connectDialer{proxyAddr: u.Host, forward: forward}
	if u.User != nil {
		d.username = u.User.Username()
		d.password, _ = u.User.Password()
	}
	return d, nil
}

// Dial implements proxy.Dialer: it opens a connection to the proxy, issues
// CONNECT addr, and hands back the tunneled connection on a 200 response.
func (d *connectDialer) Dial(network, addr string) (net.Conn, error) {
	conn, err := d.forward.Dial(network, d.proxyAddr)
	if err != nil {
		return nil, fmt.Errorf("transport: dialing proxy %s: %w", d.proxyAddr, err)
	}

	req, err := http.NewRequest(http.MethodConnect, "http://"+addr, nil)
	if err != nil {
		conn.Close()
		return nil, err
	}
	req.Host = addr
	if d.username != "" {
		req.SetBasicAuth(d.username, d.password)
	}

	if err := req.Write(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("transport: writing CONNECT request: %w", err)
	}

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, req)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("transport: reading CONNECT response: %w", err)
	}
	resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return conn, nil
	case http.StatusProxyAuthRequired:
		conn.Close()
		return nil, ErrProxyAuthRequired
	default:
		conn.Close()
		return nil, fmt.Errorf("transport: proxy CONNECT failed: %s", resp.Status)
	}
}

// HTTPProxy is the CONNECT-tunneled transport: the data channel is framed
// TCP, same as TCPFrame, but the underlying socket is dialed through an
// HTTP-CONNECT proxy instead of straight to the server.
type HTTPProxy struct {
	*wireTransport
}

// NewHTTPProxy returns an HTTPProxy transport that reaches proxyAddr via
// CONNECT before handing the tunneled connection to the framing layer.
func NewHTTPProxy(logger model.Logger, proxyAddr, username, password string) *HTTPProxy {
	dialer := &connectDialer{proxyAddr: proxyAddr, username: username, password: password, forward: proxy.Direct}
	return &HTTPProxy{wireTransport: newWireTransport("tcp", logger, proxyUnderlyingDialer{dialer})}
}

// proxyUnderlyingDialer adapts a proxy.Dialer (synchronous) to
// [networkio.UnderlyingDialer] (context-aware), since proxy.Dialer predates
// context support.
type proxyUnderlyingDialer struct {
	dialer proxy.Dialer
}

func (p proxyUnderlyingDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := p.dialer.Dial(network, address)
		ch <- result{conn, err}
	}()
	select {
	case r := <-ch:
		return r.conn, r.err
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.conn != nil {
				r.conn.Close()
			}
		}()
		return nil, ctx.Err()
	}
}
