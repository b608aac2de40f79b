// Package control implements the HRUFT control channel: a single
// datagram socket carrying handshake, chunk metadata, NACK, retry, and
// heartbeat messages. It exposes a synchronous receive_with_timeout mode
// for the handshake and an asynchronous callback-delivery mode for the
// transfer phase.
package control

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/net/ipv4"

	"github.com/JinBiLianShao/HRUFT/internal/wire"
)

// highPriorityTOS marks control-plane traffic with IPTOS_LOWDELAY;
// control messages are latency-sensitive despite being small.
const highPriorityTOS = 0x10

var ErrTimeout = errors.New("control: receive timed out")

// Message is one decoded control frame plus its sender.
type Message struct {
	Header  wire.ControlHeader
	Payload []byte
	Addr    net.Addr
}

// Handler is the async-mode callback invoked per received message.
type Handler func(Message)

// Channel owns the single control-plane UDP socket.
type Channel struct {
	log  zerolog.Logger
	conn *net.UDPConn

	handler atomic.Pointer[Handler]
	syncCh  chan Message

	cancel context.CancelFunc
	done   chan struct{}
}

// New binds the control socket on localPort.
func New(ctx context.Context, localPort int, log zerolog.Logger) (*Channel, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: localPort})
	if err != nil {
		return nil, fmt.Errorf("control: listen on port %d: %w", localPort, err)
	}
	pconn := ipv4.NewPacketConn(conn)
	if err := pconn.SetTOS(highPriorityTOS); err != nil {
		log.Warn().Err(err).Msg("control: could not set ToS")
	}

	cctx, cancel := context.WithCancel(ctx)
	c := &Channel{
		log:    log.With().Str("component", "control").Logger(),
		conn:   conn,
		syncCh: make(chan Message, 64),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go c.readLoop(cctx)
	return c, nil
}

// LocalPort returns the bound UDP port.
func (c *Channel) LocalPort() int {
	return c.conn.LocalAddr().(*net.UDPAddr).Port
}

// SetHandler installs the async-mode callback. Passing nil reverts to
// synchronous mode, where messages queue for ReceiveWithTimeout instead.
func (c *Channel) SetHandler(h Handler) {
	if h == nil {
		c.handler.Store(nil)
		return
	}
	c.handler.Store(&h)
}

// Send serializes and sends a control frame to addr.
func (c *Channel) Send(addr *net.UDPAddr, t wire.ControlType, chunkID uint32, payload []byte) error {
	frame := wire.EncodeControlFrame(t, chunkID, payload)
	_, err := c.conn.WriteToUDP(frame, addr)
	return err
}

// ReceiveWithTimeout blocks for up to timeout waiting for the next
// message queued while in synchronous mode (no handler installed).
func (c *Channel) ReceiveWithTimeout(ctx context.Context, timeout time.Duration) (Message, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case msg := <-c.syncCh:
		return msg, nil
	case <-timer.C:
		return Message{}, ErrTimeout
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

func (c *Channel) readLoop(ctx context.Context) {
	defer close(c.done)
	buf := make([]byte, wire.MaxDatagramSize)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n, addr, err := c.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				continue
			}
		}

		header, payload, err := wire.DecodeControlFrame(buf[:n])
		if err != nil {
			c.log.Debug().Err(err).Msg("dropping invalid control frame")
			continue
		}
		msg := Message{Header: header, Payload: payload, Addr: addr}

		if h := c.handler.Load(); h != nil {
			(*h)(msg)
			continue
		}
		select {
		case c.syncCh <- msg:
		default:
			c.log.Warn().Msg("sync receive queue full, dropping control message")
		}
	}
}

// Close stops the read loop and closes the socket.
func (c *Channel) Close() error {
	c.cancel()
	err := c.conn.Close()
	<-c.done
	return err
}
