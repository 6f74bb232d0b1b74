package relay

import (
	"bytes"
	"crypto/subtle"
	"encoding/base64"
	"net"
	"strings"
	"time"

	"rotagate/internal/consts"
	"rotagate/internal/entity"
)

// peekConn replays the bytes captured by Peek ahead of the socket stream.
type peekConn struct {
	net.Conn
	buf []byte
}

func newPeekConn(conn net.Conn) *peekConn {
	return &peekConn{Conn: conn}
}

// Peek performs a single read of up to size bytes, bounded by deadline, and
// keeps the result for later Reads.
func (c *peekConn) Peek(size int, deadline time.Time) ([]byte, error) {
	_ = c.Conn.SetReadDeadline(deadline)
	defer func() { _ = c.Conn.SetReadDeadline(time.Time{}) }()

	buf := make([]byte, size)
	n, err := c.Conn.Read(buf)
	c.buf = buf[:n]

	if n > 0 {
		return c.buf, nil
	}

	return c.buf, err
}

func (c *peekConn) Read(p []byte) (int, error) {
	if len(c.buf) > 0 {
		n := copy(p, c.buf)
		c.buf = c.buf[n:]

		return n, nil
	}

	return c.Conn.Read(p)
}

// sniff classifies the first chunk of a client request. Anything that is not
// a CONNECT is relayed as plain HTTP.
func sniff(head []byte) entity.Protocol {
	if bytes.HasPrefix(head, []byte(consts.ConnectMethod)) {
		return entity.ProtocolHTTPS
	}

	return entity.ProtocolHTTP
}

// authorized reports whether head carries a Proxy-Authorization basic header
// matching username and password.
func authorized(head []byte, username, password string) bool {
	token, ok := basicToken(head)
	if !ok {
		return false
	}

	decoded, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return false
	}

	user, pass, ok := strings.Cut(string(decoded), ":")
	if !ok {
		return false
	}

	userOK := subtle.ConstantTimeCompare([]byte(user), []byte(username)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(pass), []byte(password)) == 1

	return userOK && passOK
}

// basicToken returns the credentials token of the first Proxy-Authorization
// basic header line. The header name and scheme match case-insensitively.
func basicToken(head []byte) (string, bool) {
	for line := range strings.SplitSeq(string(head), "\r\n") {
		if len(line) < len(consts.ProxyAuthorizationBasic) ||
			!strings.EqualFold(line[:len(consts.ProxyAuthorizationBasic)], consts.ProxyAuthorizationBasic) {
			continue
		}

		fields := strings.Fields(line)
		if len(fields) == 0 {
			return "", false
		}

		return fields[len(fields)-1], true
	}

	return "", false
}
