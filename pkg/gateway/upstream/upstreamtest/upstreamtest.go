// Package upstreamtest provides scripted provider connections for tests.
package upstreamtest

import (
	"context"
	"io"
	"sync"
	"sync/atomic"

	"github.com/vango-go/vai-relay/pkg/gateway/upstream"
)

type recvItem struct {
	ev  upstream.Event
	err error
}

// Conn is a scripted upstream.Conn. Events pushed by the test are
// returned from Recv in order; End and Fail terminate the sequence.
type Conn struct {
	mu       sync.Mutex
	audio    [][]byte
	controls []string

	// SendErr, when set, fails every SendAudio.
	SendErr error
	// EndOnFinish ends the stream once Finish is called.
	EndOnFinish bool

	recv      chan recvItem
	closed    chan struct{}
	closeOnce sync.Once
	closes    atomic.Int32
	sent      chan struct{}
}

func NewConn() *Conn {
	return &Conn{
		recv:   make(chan recvItem, 1024),
		closed: make(chan struct{}),
		sent:   make(chan struct{}, 1024),
	}
}

func (c *Conn) Push(evs ...upstream.Event) {
	for _, ev := range evs {
		c.recv <- recvItem{ev: ev}
	}
}

// End makes Recv return io.EOF after all pushed events.
func (c *Conn) End() { c.recv <- recvItem{err: io.EOF} }

// Fail makes Recv return err after all pushed events.
func (c *Conn) Fail(err error) { c.recv <- recvItem{err: err} }

func (c *Conn) SendAudio(_ context.Context, pcm []byte) error {
	if c.SendErr != nil {
		return c.SendErr
	}
	c.mu.Lock()
	c.audio = append(c.audio, append([]byte(nil), pcm...))
	c.mu.Unlock()
	select {
	case c.sent <- struct{}{}:
	default:
	}
	return nil
}

func (c *Conn) BeginTurn(context.Context) error {
	c.record("begin_turn")
	return nil
}

func (c *Conn) EndTurn(context.Context) error {
	c.record("end_turn")
	return nil
}

func (c *Conn) Finish(context.Context) error {
	c.record("finish")
	if c.EndOnFinish {
		c.End()
	}
	return nil
}

func (c *Conn) record(op string) {
	c.mu.Lock()
	c.controls = append(c.controls, op)
	c.mu.Unlock()
}

func (c *Conn) Recv(ctx context.Context) (upstream.Event, error) {
	select {
	case it := <-c.recv:
		return it.ev, it.err
	case <-ctx.Done():
		return upstream.Event{}, ctx.Err()
	case <-c.closed:
		return upstream.Event{}, io.ErrClosedPipe
	}
}

func (c *Conn) Close() error {
	c.closes.Add(1)
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

// Closes counts calls to Close.
func (c *Conn) Closes() int { return int(c.closes.Load()) }

func (c *Conn) IsClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// Audio returns copies of every payload received so far.
func (c *Conn) Audio() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.audio...)
}

func (c *Conn) Controls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.controls...)
}

// Sent is signaled after each accepted SendAudio.
func (c *Conn) Sent() <-chan struct{} { return c.sent }

// Dialer fails with Errors in order, then returns fresh Conns.
type Dialer struct {
	mu       sync.Mutex
	Errors   []error
	requests []upstream.DialRequest
	conns    []*Conn

	// Conns receives every successfully dialed connection.
	Conns chan *Conn
	// Prepare configures a Conn before it is returned. Optional.
	Prepare func(*Conn)
}

func NewDialer(errs ...error) *Dialer {
	return &Dialer{Errors: errs, Conns: make(chan *Conn, 64)}
}

func (d *Dialer) Dial(ctx context.Context, req upstream.DialRequest) (upstream.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.requests = append(d.requests, req)
	if len(d.Errors) > 0 {
		err := d.Errors[0]
		d.Errors = d.Errors[1:]
		d.mu.Unlock()
		return nil, err
	}
	c := NewConn()
	if d.Prepare != nil {
		d.Prepare(c)
	}
	d.conns = append(d.conns, c)
	d.mu.Unlock()
	if d.Conns != nil {
		select {
		case d.Conns <- c:
		default:
		}
	}
	return c, nil
}

func (d *Dialer) Attempts() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.requests)
}

func (d *Dialer) Requests() []upstream.DialRequest {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]upstream.DialRequest(nil), d.requests...)
}

func (d *Dialer) Dialed() []*Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Conn(nil), d.conns...)
}
