package proto

import (
	"net"
)

// UDPTransport is the primary transport: one datagram per message, sender
// address taken straight from the packet.
type UDPTransport struct {
	conn *net.UDPConn
}

// ListenUDP binds a UDP transport to the given address.
func ListenUDP(bind string) (*UDPTransport, error) {
	addr, err := net.ResolveUDPAddr("udp", bind)

	if err != nil {
		return nil, err
	}

	conn, err := net.ListenUDP("udp", addr)

	if err != nil {
		return nil, err
	}

	return &UDPTransport{conn: conn}, nil
}

func (t *UDPTransport) WriteTo(data []byte, addr string) error {
	dst, err := net.ResolveUDPAddr("udp", addr)

	if err != nil {
		return err
	}

	_, err = t.conn.WriteToUDP(data, dst)

	return err
}

func (t *UDPTransport) ReadFrom() ([]byte, string, error) {
	buf := make([]byte, MaxMessageSize)

	n, from, err := t.conn.ReadFromUDP(buf)

	if err != nil {
		return nil, "", err
	}

	return buf[:n], from.String(), nil
}

func (t *UDPTransport) Addr() string {
	return t.conn.LocalAddr().String()
}

func (t *UDPTransport) Close() error {
	return t.conn.Close()
}
