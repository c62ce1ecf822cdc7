// The messenger pairs outbound requests with their replies over an
// unreliable datagram transport. Correlation is by explicit nonce; a
// pending waiter exists per (address, nonce) until the reply arrives, the
// deadline passes, or the caller gives up.

package proto

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	cmap "github.com/streamrail/concurrent-map"

	"github.com/kades/kades/common"
)

// ErrTimeout is returned when a request sees no reply within its deadline.
var ErrTimeout = errors.New("request timed out")

// Response is what a handler sends back for an inbound request. A nil
// response means no reply is transmitted.
type Response struct {
	Cmd  string
	Body []byte
}

// Handler answers a single inbound request. It must be idempotent: the
// transport may deliver retransmits.
type Handler func(from string, cmd string, body []byte) *Response

type Messenger struct {
	transport Transport
	rng       common.RNG

	// "addr|nonce" -> chan *Message, single shot
	pending cmap.ConcurrentMap

	handler Handler

	startOnce sync.Once
	wg        sync.WaitGroup
}

func NewMessenger(transport Transport, rng common.RNG) *Messenger {
	return &Messenger{
		transport: transport,
		rng:       rng,
		pending:   cmap.New(),
	}
}

// Addr is the reachable address of the underlying transport.
func (m *Messenger) Addr() string {
	return m.transport.Addr()
}

// Serve installs the inbound handler and starts the read loop. Each
// request is dispatched on its own goroutine so that a slow handler can
// never hold up reply correlation.
func (m *Messenger) Serve(handler Handler) {
	m.handler = handler

	m.startOnce.Do(func() {
		m.wg.Add(1)
		go m.readLoop()
	})
}

// SendRequest transmits one request and blocks until the matching reply,
// the timeout, or context cancellation. It returns the reply command tag
// and body.
func (m *Messenger) SendRequest(ctx context.Context, to, cmd string, body []byte,
	timeout time.Duration) (string, []byte, error) {

	nonce := m.rng.Uint64()
	key := waiterKey(to, nonce)

	waiter := make(chan *Message, 1)
	m.pending.Set(key, waiter)
	defer m.pending.Remove(key)

	msg := &Message{Cmd: cmd, Nonce: nonce, Body: body}
	data, err := msg.Encode()

	if err != nil {
		return "", nil, err
	}

	err = m.transport.WriteTo(data, to)

	if err != nil {
		return "", nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case reply := <-waiter:
		return reply.Cmd, reply.Body, nil
	case <-timer.C:
		return "", nil, ErrTimeout
	case <-ctx.Done():
		return "", nil, ctx.Err()
	}
}

func (m *Messenger) readLoop() {
	defer m.wg.Done()

	for {
		data, from, err := m.transport.ReadFrom()

		if err != nil {
			return
		}

		msg, err := DecodeMessage(data)

		if err != nil {
			log.WithField("from", from).Warn("Dropping malformed message: ", err.Error())
			continue
		}

		if msg.Reply {
			m.deliver(from, msg)
			continue
		}

		go m.handleRequest(from, msg)
	}
}

func (m *Messenger) deliver(from string, msg *Message) {
	key := waiterKey(from, msg.Nonce)

	w, ok := m.pending.Get(key)

	if !ok {
		// late reply after timeout, or a retransmit
		log.WithFields(log.Fields{
			"from": from,
			"cmd":  msg.Cmd,
		}).Debug("Reply with no waiter")
		return
	}

	m.pending.Remove(key)

	select {
	case w.(chan *Message) <- msg:
	default:
	}
}

func (m *Messenger) handleRequest(from string, msg *Message) {
	if m.handler == nil {
		return
	}

	resp := m.handler(from, msg.Cmd, msg.Body)

	if resp == nil {
		return
	}

	reply := &Message{Cmd: resp.Cmd, Nonce: msg.Nonce, Reply: true, Body: resp.Body}
	data, err := reply.Encode()

	if err != nil {
		log.Error("Failed to encode reply: ", err.Error())
		return
	}

	err = m.transport.WriteTo(data, from)

	if err != nil {
		log.WithField("to", from).Debug("Failed to send reply: ", err.Error())
	}
}

// Close shuts the transport down and waits for the read loop to exit.
func (m *Messenger) Close() error {
	err := m.transport.Close()
	m.wg.Wait()

	return err
}

func waiterKey(addr string, nonce uint64) string {
	return fmt.Sprintf("%s|%d", addr, nonce)
}
