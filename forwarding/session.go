package forwarding

import (
	"context"
	"errors"
	"log"
	"net"
)

// Verbose enables debug logging, mirroring the teacher package's flag of
// the same name.
var Verbose = false

// TransitChannel is the length-framed byte pipe the session loop runs
// over. *transit.Channel satisfies it; tests use an in-memory
// channel-backed double instead (see session_test.go).
type TransitChannel interface {
	Send(ctx context.Context, payload []byte) error
	Recv(ctx context.Context) ([]byte, error)
	Close() error
}

// connection is the per-id state both roles keep: the local TCP socket
// (used for writes by the loop) and the cancel func for its reader
// worker. spec.md's "write half"/"handle to a reader task" split is
// expressed here as a shared net.Conn (safe for one concurrent reader,
// one concurrent writer) plus a context.CancelFunc instead of true
// split halves, since net.Conn does not expose them directly.
type connection struct {
	conn   net.Conn
	cancel context.CancelFunc
}

// backchannelMsg is one event from a connection worker: either a chunk
// read from the local socket, or an end-of-stream/error signal.
type backchannelMsg struct {
	id      uint64
	payload []byte
	eof     bool
}

const backchannelDepth = 20
const readBufferSize = 4096

// runConnectionWorker pumps bytes from conn into back until EOF or a read
// error, then signals eof and returns. It never touches the session's
// maps or counters (spec.md §9 "No cycles"): it only owns conn's read
// side and a send end of back.
func runConnectionWorker(ctx context.Context, id uint64, conn net.Conn, back chan<- backchannelMsg) {
	buf := make([]byte, readBufferSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			payload := make([]byte, n)
			copy(payload, buf[:n])
			select {
			case back <- backchannelMsg{id: id, payload: payload}:
			case <-ctx.Done():
				return
			}
		}
		if err != nil {
			select {
			case back <- backchannelMsg{id: id, eof: true}:
			case <-ctx.Done():
			}
			return
		}
	}
}

// loop is the shared event-selection core behind both forwarding roles
// (spec.md §4.5). Role-specific behavior (how to decide an id is "known",
// and what to do with an accepted local connection) is supplied by the
// caller.
type loop struct {
	transit TransitChannel
	back    chan backchannelMsg
	conns   map[uint64]*connection

	// idKnown reports whether a connection id that is not currently live
	// has nonetheless been seen before (serve: in HistoricSet; connect:
	// below connection_counter). Forward/Disconnect for such an id is a
	// benign close race, not a protocol error.
	idKnown func(id uint64) bool
}

func newLoop(transit TransitChannel, idKnown func(uint64) bool) *loop {
	return &loop{
		transit: transit,
		back:    make(chan backchannelMsg, backchannelDepth),
		conns:   make(map[uint64]*connection),
		idKnown: idKnown,
	}
}

// addConnection registers a freshly dialed/accepted connection and starts
// its reader worker. Returns a protocol error if id is already live
// (spec.md §4.3's duplicate-id check; callers that can't produce
// duplicates, i.e. the listener's own counter, never hit this path).
func (l *loop) addConnection(ctx context.Context, id uint64, conn net.Conn) error {
	if _, exists := l.conns[id]; exists {
		return protocolf("connection %d already exists", id)
	}
	workerCtx, cancel := context.WithCancel(ctx)
	l.conns[id] = &connection{conn: conn, cancel: cancel}
	go runConnectionWorker(workerCtx, id, conn, l.back)
	return nil
}

// forward writes payload to id's local connection. A write failure tears
// the connection down and notifies the peer, but is not itself fatal to
// the session (spec.md §4.3 Forward).
func (l *loop) forward(ctx context.Context, id uint64, payload []byte) error {
	c, ok := l.conns[id]
	if ok {
		if _, err := c.conn.Write(payload); err != nil {
			if Verbose {
				log.Printf("forwarding: write to #%d failed: %v", id, err)
			}
			return l.removeConnection(ctx, id, true)
		}
		return nil
	}
	if l.idKnown(id) {
		return nil
	}
	return protocolf("connection %d not found", id)
}

// removeConnection tears down id's local connection, optionally telling
// the peer first. It is a no-op (not an error) for ids that are merely
// historic/below-counter, and a protocol error for ids never seen.
func (l *loop) removeConnection(ctx context.Context, id uint64, tellPeer bool) error {
	if tellPeer {
		if err := sendPeerMessage(ctx, l.transit, DisconnectMessage(id)); err != nil {
			return wrapError(TransitIO, err, "send disconnect")
		}
	}
	if c, ok := l.conns[id]; ok {
		c.cancel()
		c.conn.Close()
		delete(l.conns, id)
		return nil
	}
	if l.idKnown(id) {
		return nil
	}
	return protocolf("connection %d not found", id)
}

// shutdown cancels every worker and closes every local socket. Called on
// every exit path from run.
func (l *loop) shutdown() {
	for id, c := range l.conns {
		c.cancel()
		c.conn.Close()
		delete(l.conns, id)
	}
}

// acceptedConn is one locally-accepted TCP connection together with the
// offered target string it should be announced under (listener role
// only).
type acceptedConn struct {
	target string
	conn   net.Conn
}

// run is the event loop proper. onMessage handles every PeerMessage that
// isn't Forward/Disconnect/Close/Error (those are handled generically
// here, in terms that are identical between roles); onAccept, if accept
// is non-nil, handles a locally accepted connection (listener role only).
//
// End-of-stream on the transit input and an explicit Close message are
// both treated as a clean shutdown; shutdown (cancel-all, close-all) runs
// before run returns, on every path.
func (l *loop) run(
	ctx context.Context,
	accept <-chan acceptedConn,
	onMessage func(ctx context.Context, m PeerMessage) (done bool, err error),
	onAccept func(ctx context.Context, ac acceptedConn) error,
) error {
	type recvResult struct {
		raw []byte
		err error
	}
	msgCh := make(chan recvResult)
	recvCtx, cancelRecv := context.WithCancel(ctx)
	defer cancelRecv()
	go func() {
		for {
			raw, err := l.transit.Recv(recvCtx)
			select {
			case msgCh <- recvResult{raw, err}:
			case <-recvCtx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	for {
		select {
		case res := <-msgCh:
			if res.err != nil {
				l.shutdown()
				return nil
			}
			m, err := Decode(res.raw)
			if err != nil {
				l.shutdown()
				return err
			}
			switch m.Kind {
			case KindForward:
				if err := l.forward(ctx, m.ConnectionID, m.Payload); err != nil {
					l.shutdown()
					return err
				}
			case KindDisconnect:
				if err := l.removeConnection(ctx, m.ConnectionID, false); err != nil {
					l.shutdown()
					return err
				}
			case KindClose:
				l.shutdown()
				return nil
			case KindError:
				l.shutdown()
				return &Error{Kind: PeerError, cause: errText(m.ErrorText)}
			default:
				done, err := onMessage(ctx, m)
				if err != nil {
					l.shutdown()
					return err
				}
				if done {
					l.shutdown()
					return nil
				}
			}
		case bm := <-l.back:
			if bm.eof {
				if err := l.removeConnection(ctx, bm.id, true); err != nil {
					l.shutdown()
					return err
				}
			} else if err := sendPeerMessage(ctx, l.transit, ForwardMessage(bm.id, bm.payload)); err != nil {
				l.shutdown()
				return wrapError(TransitIO, err, "send forward")
			}
		case ac := <-accept:
			if err := onAccept(ctx, ac); err != nil {
				l.shutdown()
				return err
			}
		}
	}
}

func sendPeerMessage(ctx context.Context, t TransitChannel, m PeerMessage) error {
	raw, err := Encode(m)
	if err != nil {
		return err
	}
	return t.Send(ctx, raw)
}

type errText string

func (e errText) Error() string { return string(e) }

// finishSession applies spec.md §4.5/§7's echo-on-error policy around a
// loop run: a non-PeerError is reported to the peer on a best-effort
// basis before being returned; a PeerError is returned unchanged.
func finishSession(ctx context.Context, t TransitChannel, err error) error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) && fe.Kind == PeerError {
		return err
	}
	_ = sendPeerMessage(ctx, t, ErrorMessage(err.Error()))
	return err
}
