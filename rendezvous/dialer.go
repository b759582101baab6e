package rendezvous

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

var (
	errNotConnected = errors.New("rendezvous: not connected")
	errClosed       = errors.New("rendezvous: closed")
)

// Verbose enables debug logging, mirroring the teacher package's flag of
// the same name.
var Verbose = false

// Dialer drives a Client against a real nhooyr.io/websocket connection. It
// is the "surrounding I/O layer" the state machine in this package assumes
// but does not implement.
type Dialer struct {
	mu     sync.Mutex
	client *Client
	conns  map[WSHandle]*websocket.Conn
	timers map[TimerHandle]*time.Timer

	// Messages receives every text frame read off the broker connection
	// once bind has completed. It is never closed; Recv reports errClosed
	// once the dialer stops.
	Messages chan []byte

	// Ready is closed the first time the bind handshake completes.
	Ready chan struct{}
	ready sync.Once

	ctx    context.Context
	cancel context.CancelFunc
}

// NewDialer wraps c with a live websocket I/O loop.
func NewDialer(c *Client) *Dialer {
	ctx, cancel := context.WithCancel(context.Background())
	return &Dialer{
		client:   c,
		conns:    make(map[WSHandle]*websocket.Conn),
		timers:   make(map[TimerHandle]*time.Timer),
		Messages: make(chan []byte, 16),
		Ready:    make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start begins the connection lifecycle.
func (d *Dialer) Start() error {
	actions, err := d.client.Start()
	if err != nil {
		return err
	}
	return d.execute(actions)
}

// Stop tears the client down and stops the I/O loop.
func (d *Dialer) Stop() error {
	d.mu.Lock()
	actions, err := d.client.Stop()
	d.mu.Unlock()
	if err != nil {
		return err
	}
	if err := d.execute(actions); err != nil {
		return err
	}
	d.cancel()
	return nil
}

func (d *Dialer) execute(actions []Action) error {
	for _, a := range actions {
		switch a := a.(type) {
		case WebSocketOpen:
			go d.open(a.Handle, a.URL)
		case WebSocketSendMessage:
			d.mu.Lock()
			conn := d.conns[a.Handle]
			d.mu.Unlock()
			if conn == nil {
				continue
			}
			if err := conn.Write(d.ctx, websocket.MessageText, []byte(a.Message)); err != nil {
				if Verbose {
					log.Printf("rendezvous: send failed: %v", err)
				}
			}
		case WebSocketClose:
			d.mu.Lock()
			conn := d.conns[a.Handle]
			delete(d.conns, a.Handle)
			d.mu.Unlock()
			if conn != nil {
				conn.Close(websocket.StatusNormalClosure, "bye")
			}
		case StartTimer:
			t := time.AfterFunc(time.Duration(a.Seconds*float64(time.Second)), func() {
				d.mu.Lock()
				delete(d.timers, a.Handle)
				actions, err := d.client.TimerExpired(a.Handle)
				d.mu.Unlock()
				if err != nil {
					if Verbose {
						log.Printf("rendezvous: %v", err)
					}
					return
				}
				d.execute(actions)
			})
			d.mu.Lock()
			d.timers[a.Handle] = t
			d.mu.Unlock()
		case CancelTimer:
			d.mu.Lock()
			if t := d.timers[a.Handle]; t != nil {
				t.Stop()
				delete(d.timers, a.Handle)
			}
			d.mu.Unlock()
		}
	}
	return nil
}

// SendRaw writes a text frame directly to whichever websocket is
// currently connected, bypassing the state machine. Higher layers (the
// wormhole control channel) use this to carry PAKE and encrypted
// application messages once the bind handshake has completed; the
// mailbox machine that would otherwise frame these messages is out of
// scope for this package.
func (d *Dialer) SendRaw(ctx context.Context, msg []byte) error {
	d.mu.Lock()
	var conn *websocket.Conn
	for _, c := range d.conns {
		conn = c
		break
	}
	d.mu.Unlock()
	if conn == nil {
		return errNotConnected
	}
	return conn.Write(ctx, websocket.MessageText, msg)
}

// Recv waits for the next application text frame, or ctx's cancellation,
// or the dialer stopping.
func (d *Dialer) Recv(ctx context.Context) ([]byte, error) {
	select {
	case buf, ok := <-d.Messages:
		if !ok {
			return nil, errClosed
		}
		return buf, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-d.ctx.Done():
		return nil, errClosed
	}
}

func (d *Dialer) open(handle WSHandle, url string) {
	conn, _, err := websocket.Dial(d.ctx, url, nil)
	if err != nil {
		d.mu.Lock()
		actions, terr := d.client.ConnectionLost(handle)
		d.mu.Unlock()
		if terr != nil {
			if Verbose {
				log.Printf("rendezvous: %v", terr)
			}
			return
		}
		d.execute(actions)
		return
	}

	d.mu.Lock()
	d.conns[handle] = conn
	actions, err := d.client.ConnectionMade(handle)
	d.mu.Unlock()
	if err != nil {
		conn.Close(websocket.StatusInternalError, "bug")
		return
	}
	if err := d.execute(actions); err != nil {
		return
	}
	d.ready.Do(func() { close(d.Ready) })

	for {
		_, buf, err := conn.Read(d.ctx)
		if err != nil {
			d.mu.Lock()
			delete(d.conns, handle)
			actions, terr := d.client.ConnectionLost(handle)
			d.mu.Unlock()
			if terr != nil {
				if Verbose {
					log.Printf("rendezvous: %v", terr)
				}
				return
			}
			d.execute(actions)
			return
		}
		select {
		case d.Messages <- buf:
		case <-d.ctx.Done():
			return
		}
	}
}
