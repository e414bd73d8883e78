// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package distributed

import (
	"context"
	"net"
	"strconv"
	"time"

	"github.com/gomlx/shardbench/pkg/support/errkind"
	"github.com/pkg/errors"
	"github.com/tinylib/msgp/msgp"
	"k8s.io/klog/v2"
)

// Dial retry backoff while waiting for the coordinator to start listening.
var (
	dialInitialBackoff = 50 * time.Millisecond
	dialMaxBackoff     = time.Second
)

type peerConn struct {
	rank int
	conn net.Conn
	r    *msgp.Reader
	w    *msgp.Writer
}

func newPeerConn(rank int, conn net.Conn) *peerConn {
	return &peerConn{rank: rank, conn: conn, r: msgp.NewReader(conn), w: msgp.NewWriter(conn)}
}

func (p *peerConn) send(f *frame) error {
	if err := f.EncodeMsg(p.w); err != nil {
		return err
	}
	return p.w.Flush()
}

func (p *peerConn) receive() (*frame, error) {
	f := &frame{}
	if err := f.DecodeMsg(p.r); err != nil {
		return nil, err
	}
	return f, nil
}

// setDeadline applies the deadline of ctx, or else the given timeout (if > 0), or clears it.
func (p *peerConn) setDeadline(ctx context.Context, timeout time.Duration) {
	var deadline time.Time
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	} else if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	_ = p.conn.SetDeadline(deadline)
}

// tcpTransport is a star: rank 0 (the coordinator) receives the contribution of every rank, and
// sends back to each of them the full list.
type tcpTransport struct {
	rank, worldSize   int
	listener          net.Listener
	peers             []*peerConn // Coordinator: indexed by rank, peers[0] is nil. Others: only peers[0].
	collectiveTimeout time.Duration
}

// errorFromFrame rebuilds the error reported by the coordinator with its original kind.
func errorFromFrame(f *frame) error {
	switch f.ErrKind {
	case "configuration":
		return errkind.Configurationf("reported by coordinator: %s", f.Err)
	case "precondition":
		return errkind.Preconditionf("reported by coordinator: %s", f.Err)
	default:
		return errkind.Communicationf("reported by coordinator: %s", f.Err)
	}
}

func errorFrame(op opCode, seq uint64, err error) *frame {
	kind := errkind.Kind(err)
	if kind == "" {
		kind = "communication"
	}
	return &frame{Op: op, Seq: seq, ErrKind: kind, Err: err.Error()}
}

// connectTCP establishes the star topology. It returns only when all ranks are connected, or when the
// deadline of ctx expires.
func connectTCP(ctx context.Context, cfg Config, o *options) (*tcpTransport, error) {
	t := &tcpTransport{
		rank:              cfg.Rank,
		worldSize:         cfg.WorldSize,
		collectiveTimeout: o.collectiveTimeout,
	}
	var err error
	if cfg.Rank == 0 {
		err = t.accept(ctx, cfg, o.listener)
	} else {
		err = t.dial(ctx, cfg)
	}
	if err != nil {
		_ = t.close()
		return nil, err
	}
	return t, nil
}

func (t *tcpTransport) accept(ctx context.Context, cfg Config, listener net.Listener) error {
	if listener == nil {
		var lc net.ListenConfig
		var err error
		listener, err = lc.Listen(ctx, "tcp", net.JoinHostPort("", strconv.Itoa(cfg.CoordinatorPort)))
		if err != nil {
			return errkind.WrapCommunication(err, "coordinator failed to listen on port %d", cfg.CoordinatorPort)
		}
	}
	t.listener = listener
	t.peers = make([]*peerConn, cfg.WorldSize)
	if deadline, ok := ctx.Deadline(); ok {
		if tcpListener, ok := listener.(*net.TCPListener); ok {
			_ = tcpListener.SetDeadline(deadline)
		}
	}
	go func() {
		// Unblock Accept if the context is cancelled before the deadline.
		<-ctx.Done()
		if tcpListener, ok := listener.(*net.TCPListener); ok {
			_ = tcpListener.SetDeadline(time.Now())
		}
	}()

	failAll := func(err error) error {
		for _, p := range t.peers {
			if p != nil {
				_ = p.send(errorFrame(opHello, 0, err))
			}
		}
		return err
	}
	for connected := 1; connected < cfg.WorldSize; {
		conn, err := listener.Accept()
		if err != nil {
			return failAll(errkind.Communicationf("coordinator: only %d of %d ranks connected before timeout (%s): %v",
				connected, cfg.WorldSize, cfg.Timeout, err))
		}
		peer := newPeerConn(-1, conn)
		peer.setDeadline(ctx, 0)
		hello, err := peer.receive()
		if err != nil {
			_ = conn.Close()
			klog.Warningf("coordinator: dropping connection from %s, failed to read hello: %v", conn.RemoteAddr(), err)
			continue
		}
		var helloErr error
		switch {
		case hello.Op != opHello:
			helloErr = errkind.Communicationf("expected hello from %s, got %s", conn.RemoteAddr(), hello.Op)
		case hello.WorldSize != cfg.WorldSize:
			helloErr = errkind.Configurationf("rank %d reports world size %d, coordinator has %d",
				hello.Rank, hello.WorldSize, cfg.WorldSize)
		case hello.Backend != cfg.Backend.String():
			helloErr = errkind.Configurationf("rank %d uses backend %q, coordinator uses %q",
				hello.Rank, hello.Backend, cfg.Backend)
		case hello.Rank <= 0 || hello.Rank >= cfg.WorldSize:
			helloErr = errkind.Configurationf("rank %d out of range for world size %d", hello.Rank, cfg.WorldSize)
		case t.peers[hello.Rank] != nil:
			helloErr = errkind.Configurationf("rank %d connected twice", hello.Rank)
		}
		if helloErr != nil {
			_ = peer.send(errorFrame(opHello, 0, helloErr))
			_ = conn.Close()
			return failAll(helloErr)
		}
		peer.rank = hello.Rank
		t.peers[hello.Rank] = peer
		connected++
		klog.V(1).Infof("coordinator: rank %d connected from %s (%d of %d)", hello.Rank, conn.RemoteAddr(),
			connected, cfg.WorldSize)
	}
	for _, p := range t.peers[1:] {
		if err := p.send(&frame{Op: opHello, WorldSize: cfg.WorldSize, Backend: cfg.Backend.String()}); err != nil {
			return errkind.WrapCommunication(err, "coordinator: acknowledging rank %d", p.rank)
		}
		_ = p.conn.SetDeadline(time.Time{})
	}
	return nil
}

func (t *tcpTransport) dial(ctx context.Context, cfg Config) error {
	address := cfg.Address()
	backoff := dialInitialBackoff
	var dialer net.Dialer
	var conn net.Conn
	for {
		var err error
		conn, err = dialer.DialContext(ctx, "tcp", address)
		if err == nil {
			break
		}
		klog.V(2).Infof("rank %d: coordinator at %s not reachable yet: %v", cfg.Rank, address, err)
		select {
		case <-ctx.Done():
			return errkind.Communicationf("rank %d: could not reach coordinator at %s within %s: %v",
				cfg.Rank, address, cfg.Timeout, err)
		case <-time.After(backoff):
		}
		backoff = min(2*backoff, dialMaxBackoff)
	}
	peer := newPeerConn(0, conn)
	t.peers = []*peerConn{peer}
	peer.setDeadline(ctx, 0)
	hello := &frame{Op: opHello, Rank: cfg.Rank, WorldSize: cfg.WorldSize, Backend: cfg.Backend.String()}
	if err := peer.send(hello); err != nil {
		return errkind.WrapCommunication(err, "rank %d: sending hello to %s", cfg.Rank, address)
	}
	ack, err := peer.receive()
	if err != nil {
		return errkind.WrapCommunication(err, "rank %d: waiting for all ranks to join at %s", cfg.Rank, address)
	}
	if ack.Err != "" {
		return errorFromFrame(ack)
	}
	_ = conn.SetDeadline(time.Time{})
	return nil
}

func (t *tcpTransport) exchange(ctx context.Context, op opCode, seq uint64, values []float64) ([][]float64, error) {
	if t.rank == 0 {
		return t.coordinatorExchange(ctx, op, seq, values)
	}
	peer := t.peers[0]
	peer.setDeadline(ctx, t.collectiveTimeout)
	request := &frame{Op: op, Seq: seq, Rank: t.rank, Values: [][]float64{values}}
	if err := peer.send(request); err != nil {
		return nil, errkind.WrapCommunication(err, "rank %d: sending %s #%d", t.rank, op, seq)
	}
	reply, err := peer.receive()
	if err != nil {
		return nil, errkind.WrapCommunication(err, "rank %d: receiving %s #%d", t.rank, op, seq)
	}
	if reply.Err != "" {
		return nil, errorFromFrame(reply)
	}
	if reply.Op != op || reply.Seq != seq || len(reply.Values) != t.worldSize {
		return nil, errkind.Communicationf("rank %d: expected reply to %s #%d, got %s #%d with %d vectors",
			t.rank, op, seq, reply.Op, reply.Seq, len(reply.Values))
	}
	return reply.Values, nil
}

func (t *tcpTransport) coordinatorExchange(ctx context.Context, op opCode, seq uint64, values []float64) ([][]float64, error) {
	all := make([][]float64, t.worldSize)
	all[0] = values
	var exchangeErr error
	for _, p := range t.peers[1:] {
		p.setDeadline(ctx, t.collectiveTimeout)
		request, err := p.receive()
		if err != nil {
			exchangeErr = errkind.WrapCommunication(err, "coordinator: receiving %s #%d from rank %d", op, seq, p.rank)
			break
		}
		if request.Op != op || request.Seq != seq || len(request.Values) != 1 {
			exchangeErr = errkind.Communicationf("collective #%d diverged: rank %d called %s #%d, coordinator called %s",
				seq, p.rank, request.Op, request.Seq, op)
			break
		}
		all[p.rank] = request.Values[0]
	}
	reply := &frame{Op: op, Seq: seq, Values: all}
	if exchangeErr != nil {
		reply = errorFrame(op, seq, exchangeErr)
	}
	for _, p := range t.peers[1:] {
		if err := p.send(reply); err != nil && exchangeErr == nil {
			exchangeErr = errkind.WrapCommunication(err, "coordinator: sending %s #%d to rank %d", op, seq, p.rank)
		}
	}
	if exchangeErr != nil {
		return nil, exchangeErr
	}
	return all, nil
}

func (t *tcpTransport) close() error {
	var firstErr error
	for _, p := range t.peers {
		if p == nil {
			continue
		}
		if err := p.conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if t.listener != nil {
		if err := t.listener.Close(); err != nil && firstErr == nil && !errors.Is(err, net.ErrClosed) {
			firstErr = err
		}
	}
	return firstErr
}
