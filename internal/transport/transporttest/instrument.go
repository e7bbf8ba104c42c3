// Package transporttest provides an in-memory transport driver with
// scriptable fake instruments.
package transporttest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/KevinKickass/scpishot/internal/transport"
)

// Reply is one scripted answer to a command.
type Reply struct {
	Data []byte
	Err  error
}

// Text answers with s plus a line feed.
func Text(s string) Reply {
	return Reply{Data: []byte(s + "\n")}
}

// Block answers with payload framed as a definite length block.
func Block(payload []byte) Reply {
	return Reply{Data: append(transport.EncodeBlock(payload), '\n')}
}

// Raw answers with data as is.
func Raw(data []byte) Reply {
	return Reply{Data: data}
}

// Fail makes the write of the command itself fail.
func Fail(err error) Reply {
	return Reply{Err: err}
}

// Silent accepts the command but never answers, so the read times out.
func Silent() Reply {
	return Reply{}
}

// Instrument is a fake device. Replies for a command are consumed in order;
// the last one repeats.
type Instrument struct {
	mu       sync.Mutex
	replies  map[string][]Reply
	push     []byte
	commands []string
	opens    int

	OpenErr error
}

// NewInstrument returns a fake that answers *IDN? with identity. An empty
// identity leaves *IDN? unanswered.
func NewInstrument(identity string) *Instrument {
	inst := &Instrument{replies: make(map[string][]Reply)}
	if identity != "" {
		inst.On("*IDN?", Text(identity))
	}
	return inst
}

// On scripts the replies for command.
func (i *Instrument) On(command string, replies ...Reply) *Instrument {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.replies[command] = append(i.replies[command], replies...)
	return i
}

// Push queues unsolicited data that the next session can read.
func (i *Instrument) Push(data []byte) *Instrument {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.push = append(i.push, data...)
	return i
}

// Commands returns every command written so far.
func (i *Instrument) Commands() []string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]string(nil), i.commands...)
}

// Opens returns how many sessions were opened on the instrument.
func (i *Instrument) Opens() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.opens
}

func (i *Instrument) handle(command string) (Reply, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()

	i.commands = append(i.commands, command)

	queue, ok := i.replies[command]
	if !ok || len(queue) == 0 {
		return Reply{}, false
	}
	r := queue[0]
	if len(queue) > 1 {
		i.replies[command] = queue[1:]
	}
	return r, true
}

// Driver serves a fixed set of fake instruments under one resource prefix.
type Driver struct {
	mu          sync.Mutex
	name        string
	prefix      string
	resources   []string
	instruments map[string]*Instrument
	ListErr     error
}

// NewDriver returns a driver that supports resources starting with prefix.
func NewDriver(prefix string) *Driver {
	return &Driver{
		name:        "fake-" + strings.ToLower(prefix),
		prefix:      strings.ToUpper(prefix),
		instruments: make(map[string]*Instrument),
	}
}

// Add registers inst under resource. Enumeration follows Add order.
func (d *Driver) Add(resource string, inst *Instrument) *Instrument {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.instruments[resource]; !exists {
		d.resources = append(d.resources, resource)
	}
	d.instruments[resource] = inst
	return inst
}

// Hide keeps a registered instrument reachable but out of List.
func (d *Driver) Hide(resource string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for idx, r := range d.resources {
		if r == resource {
			d.resources = append(d.resources[:idx], d.resources[idx+1:]...)
			return
		}
	}
}

func (d *Driver) Name() string { return d.name }

func (d *Driver) Supports(resource string) bool {
	return strings.HasPrefix(strings.ToUpper(resource), d.prefix)
}

func (d *Driver) List(ctx context.Context) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ListErr != nil {
		return nil, d.ListErr
	}
	return append([]string(nil), d.resources...), nil
}

func (d *Driver) Open(ctx context.Context, resource string, opts transport.SessionOptions) (transport.Conn, error) {
	d.mu.Lock()
	inst, ok := d.instruments[resource]
	d.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("no device at %s", resource)
	}
	if inst.OpenErr != nil {
		return nil, inst.OpenErr
	}

	inst.mu.Lock()
	inst.opens++
	pending := append([]byte(nil), inst.push...)
	inst.push = nil
	inst.mu.Unlock()

	c := &conn{inst: inst, term: opts.Termination}
	c.out.Write(pending)
	return c, nil
}

var ErrClosed = errors.New("connection closed")

type conn struct {
	inst   *Instrument
	term   string
	in     bytes.Buffer
	out    bytes.Buffer
	closed bool
}

// Write splits on the termination and answers every complete command.
func (c *conn) Write(p []byte) (int, error) {
	if c.closed {
		return 0, ErrClosed
	}
	term := c.term
	if term == "" {
		term = "\n"
	}

	c.in.Write(p)
	for {
		line, rest, found := strings.Cut(c.in.String(), term)
		if !found {
			break
		}
		c.in.Reset()
		c.in.WriteString(rest)

		reply, ok := c.inst.handle(line)
		if !ok {
			continue
		}
		if reply.Err != nil {
			return 0, reply.Err
		}
		c.out.Write(reply.Data)
	}
	return len(p), nil
}

// Read never blocks: with nothing queued it reports a timeout at once.
func (c *conn) Read(p []byte) (int, error) {
	if c.closed {
		return 0, ErrClosed
	}
	if c.out.Len() == 0 {
		return 0, os.ErrDeadlineExceeded
	}
	return c.out.Read(p)
}

func (c *conn) Close() error {
	c.closed = true
	return nil
}

func (c *conn) SetReadTimeout(time.Duration) error {
	return nil
}
