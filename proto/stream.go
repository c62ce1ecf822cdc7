// Keeps track of open TCP connections and yamux sessions, presenting them
// as a datagram transport: one short-lived stream per message.
//
// Sessions are cached per peer address. The first stream of every session
// is a hello frame carrying the dialer's canonical listen address, so that
// replies can reuse the inbound session instead of dialing back.

package proto

import (
	"encoding/binary"
	"errors"
	"io"
	"net"

	"github.com/hashicorp/yamux"
	log "github.com/sirupsen/logrus"
	cmap "github.com/streamrail/concurrent-map"
)

type streamPacket struct {
	data []byte
	from string
}

type StreamTransport struct {
	listener net.Listener
	addr     string

	// peer address -> *yamux.Session
	sessions cmap.ConcurrentMap

	inbound chan streamPacket
	quit    chan struct{}
}

// ListenTCP starts a stream transport on the given bind address. advertise
// is the address remote peers should use to reach us; empty means the
// listener address.
func ListenTCP(bind, advertise string) (*StreamTransport, error) {
	listener, err := net.Listen("tcp", bind)

	if err != nil {
		return nil, err
	}

	if advertise == "" {
		advertise = listener.Addr().String()
	}

	t := &StreamTransport{
		listener: listener,
		addr:     advertise,
		sessions: cmap.New(),
		inbound:  make(chan streamPacket, 128),
		quit:     make(chan struct{}),
	}

	go t.accept()

	return t, nil
}

func (t *StreamTransport) accept() {
	for {
		conn, err := t.listener.Accept()

		if err != nil {
			select {
			case <-t.quit:
				return
			default:
				log.Error("Accept failed: ", err.Error())
				return
			}
		}

		go t.handleConn(conn)
	}
}

func (t *StreamTransport) handleConn(conn net.Conn) {
	session, err := yamux.Server(conn, nil)

	if err != nil {
		log.Error("Failed to start session: ", err.Error())
		conn.Close()
		return
	}

	// hello stream first, tells us how to address the peer
	hello, err := session.AcceptStream()

	if err != nil {
		session.Close()
		return
	}

	peerAddr, err := readFrame(hello)
	hello.Close()

	if err != nil || len(peerAddr) == 0 {
		log.Warn("Session without hello, dropping")
		session.Close()
		return
	}

	from := string(peerAddr)
	t.sessions.Set(from, session)

	t.serveSession(session, from)
}

func (t *StreamTransport) serveSession(session *yamux.Session, from string) {
	for {
		stream, err := session.AcceptStream()

		if err != nil {
			t.sessions.Remove(from)
			session.Close()
			return
		}

		go func() {
			defer stream.Close()

			data, err := readFrame(stream)

			if err != nil {
				log.WithField("from", from).Warn("Bad frame: ", err.Error())
				return
			}

			select {
			case t.inbound <- streamPacket{data: data, from: from}:
			case <-t.quit:
			}
		}()
	}
}

func (t *StreamTransport) session(addr string) (*yamux.Session, error) {
	if s, ok := t.sessions.Get(addr); ok {
		session := s.(*yamux.Session)

		if !session.IsClosed() {
			return session, nil
		}

		t.sessions.Remove(addr)
	}

	conn, err := net.Dial("tcp", addr)

	if err != nil {
		return nil, err
	}

	session, err := yamux.Client(conn, nil)

	if err != nil {
		conn.Close()
		return nil, err
	}

	hello, err := session.OpenStream()

	if err != nil {
		session.Close()
		return nil, err
	}

	err = writeFrame(hello, []byte(t.addr))
	hello.Close()

	if err != nil {
		session.Close()
		return nil, err
	}

	t.sessions.Set(addr, session)

	// inbound traffic on a dialed session still needs serving
	go t.serveSession(session, addr)

	return session, nil
}

func (t *StreamTransport) WriteTo(data []byte, addr string) error {
	session, err := t.session(addr)

	if err != nil {
		return err
	}

	stream, err := session.OpenStream()

	if err != nil {
		t.sessions.Remove(addr)
		return err
	}

	defer stream.Close()

	return writeFrame(stream, data)
}

func (t *StreamTransport) ReadFrom() ([]byte, string, error) {
	select {
	case pkt := <-t.inbound:
		return pkt.data, pkt.from, nil
	case <-t.quit:
		return nil, "", errors.New("transport closed")
	}
}

func (t *StreamTransport) Addr() string {
	return t.addr
}

func (t *StreamTransport) Close() error {
	close(t.quit)

	for item := range t.sessions.Iter() {
		item.Val.(*yamux.Session).Close()
	}

	return t.listener.Close()
}

// Frames are length-prefixed, big endian.
func writeFrame(w io.Writer, data []byte) error {
	if len(data) > MaxMessageSize {
		return errors.New("frame too large")
	}

	err := binary.Write(w, binary.BigEndian, uint32(len(data)))

	if err != nil {
		return err
	}

	_, err = w.Write(data)

	return err
}

func readFrame(r io.Reader) ([]byte, error) {
	var size uint32

	err := binary.Read(r, binary.BigEndian, &size)

	if err != nil {
		return nil, err
	}

	if size > MaxMessageSize {
		return nil, errors.New("frame too large")
	}

	buf := make([]byte, size)
	_, err = io.ReadFull(r, buf)

	if err != nil {
		return nil, err
	}

	return buf, nil
}
