// Package transport implements the HRUFT datagram transport: N UDP
// sockets bound on a contiguous port range, with load-balanced
// round-robin send fan-out and a fan-in receive loop per socket. Each
// socket is wrapped in golang.org/x/net/ipv4's PacketConn so outgoing
// datagrams can carry a low-delay ToS marking.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/net/ipv4"
)

// MaxDatagramSize is the largest frame the transport ever emits.
const MaxDatagramSize = 65507

// recvBufferSize is the minimum per-socket receive buffer.
const recvBufferSize = 16 << 20

// lowDelayTOS marks data-plane traffic with IPTOS_LOWDELAY.
const lowDelayTOS = 0x10

var ErrNoSockets = errors.New("transport: socket count must be positive")

// Datagram is one received frame along with its source address.
type Datagram struct {
	Data []byte
	Addr net.Addr
}

// Transport owns a fixed pool of UDP sockets bound to
// [basePort, basePort+n).
type Transport struct {
	log zerolog.Logger

	conns  []*net.UDPConn
	pconns []*ipv4.PacketConn

	sendCounter atomic.Uint64

	recvCh chan Datagram
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New binds n UDP sockets starting at basePort, sizes their receive
// buffers, and marks them with a low-delay ToS.
func New(ctx context.Context, basePort, n int, log zerolog.Logger) (*Transport, error) {
	if n <= 0 {
		return nil, ErrNoSockets
	}
	cctx, cancel := context.WithCancel(ctx)
	t := &Transport{
		log:    log.With().Str("component", "transport").Logger(),
		recvCh: make(chan Datagram, 1024),
		cancel: cancel,
	}

	for i := 0; i < n; i++ {
		// basePort 0 means every socket binds ephemerally rather than
		// on a contiguous range.
		port := 0
		if basePort != 0 {
			port = basePort + i
		}
		addr := &net.UDPAddr{Port: port}
		conn, err := net.ListenUDP("udp", addr)
		if err != nil {
			t.closeAll()
			cancel()
			return nil, fmt.Errorf("transport: listen on port %d: %w", addr.Port, err)
		}
		if err := conn.SetReadBuffer(recvBufferSize); err != nil {
			t.log.Warn().Err(err).Int("port", addr.Port).Msg("could not set read buffer size")
		}

		pconn := ipv4.NewPacketConn(conn)
		if err := pconn.SetTOS(lowDelayTOS); err != nil {
			t.log.Warn().Err(err).Int("port", addr.Port).Msg("could not set ToS")
		}

		t.conns = append(t.conns, conn)
		t.pconns = append(t.pconns, pconn)

		t.wg.Add(1)
		go t.receiveLoop(cctx, conn)
	}

	return t, nil
}

// LocalPorts returns the bound port numbers, in socket order.
func (t *Transport) LocalPorts() []int {
	ports := make([]int, len(t.conns))
	for i, c := range t.conns {
		ports[i] = c.LocalAddr().(*net.UDPAddr).Port
	}
	return ports
}

// Send writes data to addr over the next socket in round-robin order.
func (t *Transport) Send(data []byte, addr *net.UDPAddr) error {
	if len(data) > MaxDatagramSize {
		return fmt.Errorf("transport: datagram of %d bytes exceeds max %d", len(data), MaxDatagramSize)
	}
	idx := t.sendCounter.Add(1) % uint64(len(t.conns))
	_, err := t.conns[idx].WriteToUDP(data, addr)
	return err
}

// Receive returns the channel fan-in delivers raw datagrams on; frames
// are not decoded here.
func (t *Transport) Receive() <-chan Datagram {
	return t.recvCh
}

func (t *Transport) receiveLoop(ctx context.Context, conn *net.UDPConn) {
	defer t.wg.Done()
	buf := make([]byte, MaxDatagramSize)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				t.log.Debug().Err(err).Msg("read error, dropping")
				continue
			}
		}

		frame := make([]byte, n)
		copy(frame, buf[:n])

		select {
		case t.recvCh <- Datagram{Data: frame, Addr: addr}:
		case <-ctx.Done():
			return
		}
	}
}

// Close cancels all receive loops and closes every socket.
func (t *Transport) Close() error {
	t.cancel()
	err := t.closeAll()
	t.wg.Wait()
	return err
}

func (t *Transport) closeAll() error {
	var first error
	for _, c := range t.conns {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
