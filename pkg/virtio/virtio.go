// SPDX-License-Identifier: Apache-2.0

// Package virtio implements the transport a VirtIO-class plugin uses to
// reach a remote host and invoke vaccel_genop there: dialing over
// AF_VSOCK, a hybrid AF_UNIX<->AF_VSOCK bridge, or a plain remote socket
// path, then framing calls over ttrpc. The wire format belongs to the
// plugin, not the runtime, so Client exposes a single opaque
// byte-in/byte-out Genop call rather than a fixed protobuf schema; a
// VirtIO plugin built on top of this package is free to encode its
// read/write argument vectors however it likes before calling it.
package virtio

import (
	"context"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/containerd/ttrpc"
	"github.com/mdlayher/vsock"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Scheme names accepted in a VirtIO backend address.
const (
	SchemeVSock       = "vsock"
	SchemeHybridVSock = "hvsock"
	SchemeRemote      = "remote"
)

var defaultDialTimeout = 30 * time.Second

type dialer func(addr string, timeout time.Duration) (net.Conn, error)

// Client wraps a ttrpc connection to a VirtIO backend's remote host.
type Client struct {
	ttrpc *ttrpc.Client
	conn  net.Conn
}

// Dial parses addr (vsock://<cid>:<port>, hvsock://<path>:<port>, or
// remote://<path>) and opens a ttrpc connection to it.
func Dial(ctx context.Context, addr string, timeout time.Duration) (*Client, error) {
	grpcAddr, parsed, err := parseAddr(addr)
	if err != nil {
		return nil, err
	}

	if timeout <= 0 {
		timeout = defaultDialTimeout
	}

	d := dialerFor(parsed.Scheme)
	if d == nil {
		return nil, status.Errorf(codes.InvalidArgument, "unsupported virtio scheme: %s", parsed.Scheme)
	}

	conn, err := d(grpcAddr, timeout)
	if err != nil {
		return nil, err
	}

	return &Client{
		ttrpc: ttrpc.NewClient(conn),
		conn:  conn,
	}, nil
}

// Close tears down the underlying connection.
func (c *Client) Close() error {
	return c.ttrpc.Close()
}

// Genop invokes method on the "vaccel.VirtIO" ttrpc service with an opaque
// request payload,
// the generalized remote call every VirtIO-offloaded operation
// (vaccel_genop, resource_register, session_init, ...) ultimately
// reduces to once marshalled.
func (c *Client) Genop(ctx context.Context, method string, req []byte) ([]byte, error) {
	var resp ttrpcRawResponse
	if err := c.ttrpc.Call(ctx, "vaccel.VirtIO", method, &ttrpcRawRequest{payload: req}, &resp); err != nil {
		return nil, err
	}
	return resp.payload, nil
}

// ttrpcRawRequest/ttrpcRawResponse satisfy ttrpc's Marshal/Unmarshal
// contract without depending on a generated protobuf schema, keeping the
// wire encoding itself in the plugin's hands.
type ttrpcRawRequest struct{ payload []byte }

func (r *ttrpcRawRequest) Marshal() ([]byte, error) { return r.payload, nil }

type ttrpcRawResponse struct{ payload []byte }

func (r *ttrpcRawResponse) Unmarshal(data []byte) error {
	r.payload = data
	return nil
}

func parseAddr(addr string) (string, *url.URL, error) {
	u, err := url.Parse(addr)
	if err != nil {
		return "", nil, err
	}

	switch u.Scheme {
	case SchemeVSock:
		if u.Hostname() == "" || u.Port() == "" {
			return "", nil, status.Errorf(codes.InvalidArgument, "invalid vsock address: %s", addr)
		}
		if _, err := strconv.ParseUint(u.Hostname(), 10, 32); err != nil {
			return "", nil, status.Errorf(codes.InvalidArgument, "invalid vsock cid: %s", addr)
		}
		if _, err := strconv.ParseUint(u.Port(), 10, 32); err != nil {
			return "", nil, status.Errorf(codes.InvalidArgument, "invalid vsock port: %s", addr)
		}
		return SchemeVSock + ":" + u.Host, u, nil
	case SchemeHybridVSock:
		if u.Path == "" {
			return "", nil, status.Errorf(codes.InvalidArgument, "invalid hybrid vsock address: %s", addr)
		}
		return SchemeHybridVSock + ":" + u.Path, u, nil
	case SchemeRemote:
		if u.Host != "" {
			return "", nil, status.Errorf(codes.InvalidArgument, "remote scheme must not carry a host: %s", addr)
		}
		return SchemeRemote + ":" + u.Path, u, nil
	default:
		return "", nil, status.Errorf(codes.InvalidArgument, "invalid virtio scheme: %s", u.Scheme)
	}
}

func dialerFor(scheme string) dialer {
	switch scheme {
	case SchemeVSock:
		return vsockDialer
	case SchemeHybridVSock:
		return hybridVSockDialer
	case SchemeRemote:
		return remoteSockDialer
	default:
		return nil
	}
}

func parseVsockAddr(addr string) (uint32, uint32, error) {
	parts := strings.Split(addr, ":")
	if len(parts) != 3 || parts[0] != SchemeVSock {
		return 0, 0, status.Errorf(codes.InvalidArgument, "invalid vsock address: %s", addr)
	}
	cid, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return 0, 0, status.Errorf(codes.InvalidArgument, "invalid vsock cid: %s", parts[1])
	}
	port, err := strconv.ParseUint(parts[2], 10, 32)
	if err != nil {
		return 0, 0, status.Errorf(codes.InvalidArgument, "invalid vsock port: %s", parts[2])
	}
	return uint32(cid), uint32(port), nil
}

func vsockDialer(addr string, timeout time.Duration) (net.Conn, error) {
	cid, port, err := parseVsockAddr(addr)
	if err != nil {
		return nil, err
	}
	return dialWithTimeout(timeout, func() (net.Conn, error) {
		return vsock.Dial(cid, port, nil)
	}, status.Errorf(codes.DeadlineExceeded, "timed out connecting to vsock %d:%d", cid, port))
}

func hybridVSockDialer(addr string, timeout time.Duration) (net.Conn, error) {
	path := strings.TrimPrefix(addr, SchemeHybridVSock+":")
	return dialWithTimeout(timeout, func() (net.Conn, error) {
		return net.DialTimeout("unix", path, timeout)
	}, status.Errorf(codes.DeadlineExceeded, "timed out connecting to hybrid vsock %s", path))
}

func remoteSockDialer(addr string, timeout time.Duration) (net.Conn, error) {
	path := strings.TrimPrefix(addr, SchemeRemote+":")
	return dialWithTimeout(timeout, func() (net.Conn, error) {
		return net.DialTimeout("unix", path, timeout)
	}, status.Errorf(codes.DeadlineExceeded, "timed out connecting to remote socket %s", path))
}

// dialWithTimeout races dialFunc against timeout, bypassing grpc's own
// backoff strategy, which is too aggressive for a small number of
// long-lived connections.
func dialWithTimeout(timeout time.Duration, dialFunc func() (net.Conn, error), timeoutErr error) (net.Conn, error) {
	t := time.NewTimer(timeout)
	defer t.Stop()

	ch := make(chan net.Conn, 1)
	errCh := make(chan error, 1)

	go func() {
		conn, err := dialFunc()
		if err != nil {
			errCh <- err
			return
		}
		ch <- conn
	}()

	select {
	case conn := <-ch:
		return conn, nil
	case err := <-errCh:
		return nil, err
	case <-t.C:
		return nil, timeoutErr
	}
}
