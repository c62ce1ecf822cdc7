package proto

// Transport moves opaque datagrams between node addresses. The core never
// assumes anything about the medium beyond this contract; delivery is
// unreliable and unordered.
type Transport interface {
	// WriteTo sends one datagram to the given address, best effort.
	WriteTo(data []byte, addr string) error

	// ReadFrom blocks until a datagram arrives, returning its payload and
	// the sender address. It returns an error once the transport is closed.
	ReadFrom() ([]byte, string, error)

	// Addr is the address remote nodes can reach this transport on.
	Addr() string

	Close() error
}
