package relay

import "net"

// channelMap is the symmetric conn to peer mapping of relayed pairs. Both
// directions are inserted and removed together. Owned by the loop goroutine.
type channelMap map[net.Conn]net.Conn

func (m channelMap) pair(a, b net.Conn) {
	m[a] = b
	m[b] = a
}

func (m channelMap) peer(conn net.Conn) (net.Conn, bool) {
	p, ok := m[conn]

	return p, ok
}

// remove deletes both directions of the pair conn belongs to. It reports
// false when conn has no live entry.
func (m channelMap) remove(conn net.Conn) (net.Conn, bool) {
	p, ok := m[conn]
	if !ok {
		return nil, false
	}

	delete(m, conn)
	delete(m, p)

	return p, true
}

// pairs returns the number of live pairs.
func (m channelMap) pairs() int {
	return len(m) / 2
}
