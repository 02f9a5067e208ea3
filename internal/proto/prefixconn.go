package proto

import "net"

// prefixConn wraps a net.Conn so its first Read calls are satisfied
// from an in-memory prefix before falling through to the underlying
// connection. It exists for autosslHandler: the relay loop has already
// read a chunk off the wire by the time ClientHello detection runs, so
// a handshake started afterward needs those same bytes replayed rather
// than re-read from a socket that no longer has them buffered.
type prefixConn struct {
	net.Conn
	prefix []byte
}

func newPrefixConn(c net.Conn, prefix []byte) *prefixConn {
	return &prefixConn{Conn: c, prefix: append([]byte(nil), prefix...)}
}

func (c *prefixConn) Read(b []byte) (int, error) {
	if len(c.prefix) > 0 {
		n := copy(b, c.prefix)
		c.prefix = c.prefix[n:]
		return n, nil
	}
	return c.Conn.Read(b)
}
