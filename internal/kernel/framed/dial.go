package framed

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mdlayher/vsock"
)

// Retry defaults for connection establishment.
const (
	DefaultDialRetries = 5
	dialBaseBackoff    = 100 * time.Millisecond
)

// Endpoint schemes.
const (
	SchemeUnix    = "unix"
	SchemeTCP     = "tcp"
	SchemeVsock   = "vsock"
	SchemeFCVsock = "fcvsock"
)

// Target is a parsed kernel endpoint.
type Target struct {
	Scheme string
	// Address is the socket path for unix and fcvsock, host:port for tcp.
	Address string
	CID     uint32
	Port    uint32
}

// ParseEndpoint parses one of
//
//	unix:///run/kernel.sock
//	tcp://127.0.0.1:9000
//	vsock://3:9000
//	fcvsock:///run/vm/v.sock?port=9000
func ParseEndpoint(endpoint string) (Target, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return Target{}, fmt.Errorf("parse endpoint %q: %w", endpoint, err)
	}

	switch u.Scheme {
	case SchemeUnix:
		if u.Path == "" {
			return Target{}, fmt.Errorf("endpoint %q: missing socket path", endpoint)
		}
		return Target{Scheme: SchemeUnix, Address: u.Path}, nil

	case SchemeTCP:
		if u.Host == "" || u.Port() == "" {
			return Target{}, fmt.Errorf("endpoint %q: expected tcp://host:port", endpoint)
		}
		return Target{Scheme: SchemeTCP, Address: u.Host}, nil

	case SchemeVsock:
		cid, err := parseUint32(u.Hostname())
		if err != nil {
			return Target{}, fmt.Errorf("endpoint %q: bad context id: %w", endpoint, err)
		}
		port, err := parseUint32(u.Port())
		if err != nil {
			return Target{}, fmt.Errorf("endpoint %q: bad port: %w", endpoint, err)
		}
		return Target{Scheme: SchemeVsock, CID: cid, Port: port}, nil

	case SchemeFCVsock:
		if u.Path == "" {
			return Target{}, fmt.Errorf("endpoint %q: missing socket path", endpoint)
		}
		port, err := parseUint32(u.Query().Get("port"))
		if err != nil {
			return Target{}, fmt.Errorf("endpoint %q: bad port: %w", endpoint, err)
		}
		return Target{Scheme: SchemeFCVsock, Address: u.Path, Port: port}, nil

	default:
		return Target{}, fmt.Errorf("endpoint %q: unsupported scheme %q", endpoint, u.Scheme)
	}
}

func parseUint32(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, err
	}
	return uint32(v), nil
}

// dialTarget connects to t, retrying with exponential backoff. The returned
// reader must be used for all reads: the Firecracker handshake may buffer
// bytes past the OK line.
func dialTarget(ctx context.Context, t Target, retries int) (net.Conn, io.Reader, error) {
	if retries <= 0 {
		retries = DefaultDialRetries
	}
	var lastErr error
	backoff := dialBaseBackoff

	for attempt := range retries {
		select {
		case <-ctx.Done():
			return nil, nil, fmt.Errorf("dial kernel: %w", ctx.Err())
		default:
		}

		conn, reader, err := dialOnce(ctx, t)
		if err == nil {
			return conn, reader, nil
		}
		lastErr = err
		if attempt < retries-1 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, nil, fmt.Errorf("dial kernel: %w", ctx.Err())
			}
			backoff *= 2
		}
	}

	return nil, nil, fmt.Errorf("dial kernel after %d attempts: %w", retries, lastErr)
}

func dialOnce(ctx context.Context, t Target) (net.Conn, io.Reader, error) {
	switch t.Scheme {
	case SchemeUnix, SchemeTCP:
		var d net.Dialer
		conn, err := d.DialContext(ctx, t.Scheme, t.Address)
		if err != nil {
			return nil, nil, fmt.Errorf("connect to %s %s: %w", t.Scheme, t.Address, err)
		}
		return conn, conn, nil
	case SchemeVsock:
		conn, err := vsock.Dial(t.CID, t.Port, nil)
		if err != nil {
			return nil, nil, fmt.Errorf("connect to vsock %d:%d: %w", t.CID, t.Port, err)
		}
		return conn, conn, nil
	case SchemeFCVsock:
		return dialVsockUDS(ctx, t.Address, t.Port)
	default:
		return nil, nil, fmt.Errorf("unsupported scheme %q", t.Scheme)
	}
}

// dialVsockUDS connects to Firecracker's UDS and sends the CONNECT handshake.
// Firecracker bridges the UDS connection to the guest's vsock listener.
// Protocol: send "CONNECT <port>\n", receive "OK <host_port>\n".
func dialVsockUDS(ctx context.Context, udsPath string, port uint32) (net.Conn, io.Reader, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", udsPath)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to UDS %s: %w", udsPath, err)
	}

	if _, err := fmt.Fprintf(conn, "CONNECT %d\n", port); err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("send CONNECT: %w", err)
	}

	reader := bufio.NewReader(conn)
	response, err := reader.ReadString('\n')
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("read CONNECT response: %w", err)
	}

	response = strings.TrimSpace(response)
	if !strings.HasPrefix(response, "OK ") {
		conn.Close()
		return nil, nil, fmt.Errorf("vsock CONNECT failed: %s", response)
	}

	return conn, reader, nil
}
