package protocol

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/bft-labs/spokesync/pkg/log"
)

// Result is the outcome of a command handler: OK with payload fields, or Fail with a code.
type Result struct {
	failed bool
	fields map[string]any
	code   string
	text   string
}

// OK returns a successful result carrying fields.
func OK(fields map[string]any) Result {
	return Result{fields: fields}
}

// Fail returns an error result.
func Fail(code, format string, args ...any) Result {
	return Result{failed: true, code: code, text: fmt.Sprintf(format, args...)}
}

// Failed reports whether r is an error result.
func (r Result) Failed() bool { return r.failed }

// Code returns the error code of a failed result.
func (r Result) Code() string { return r.code }

// Reply builds the response to req. Version 1 requests get a typed envelope;
// anything else gets the flat version 0 form.
func (r Result) Reply(req *Message) Message {
	reply := Message{AckID: req.ID}
	if req.V >= Version {
		reply.V = Version
	}

	if r.failed {
		reply.Status = StatusError
		reply.Code = r.code
		reply.Text = r.text
		if reply.V >= Version {
			reply.Type = TypeError
		}
		return reply
	}

	reply.Status = StatusOK
	reply.Fields = r.fields
	if reply.V >= Version {
		reply.Type = TypeAck
	}
	return reply
}

// HandlerFunc handles one command from peer and returns its result.
// Handlers run on the connection's read goroutine and must not block on
// recorder I/O; long work is forwarded and reported later as an event.
type HandlerFunc func(ctx context.Context, peer *Peer, req *Message) Result

// Dispatcher routes commands to registered handlers by name.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
	logger   log.Logger
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher(logger log.Logger) *Dispatcher {
	return &Dispatcher{
		handlers: make(map[string]HandlerFunc),
		logger:   log.OrNoop(logger),
	}
}

// Handle registers h for command, replacing any previous handler.
func (d *Dispatcher) Handle(command string, h HandlerFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[command] = h
}

// Commands returns the registered command names, sorted.
func (d *Dispatcher) Commands() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.handlers))
	for name := range d.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Dispatch runs the handler for req and returns the reply. Every request gets
// a reply: unknown commands yield E_UNKNOWN_CMD and a panicking handler yields E_INTERNAL.
func (d *Dispatcher) Dispatch(ctx context.Context, peer *Peer, req *Message) Message {
	if req.Command == "" {
		return Fail(CodeBadParam, "missing command").Reply(req)
	}

	d.mu.RLock()
	h, ok := d.handlers[req.Command]
	d.mu.RUnlock()
	if !ok {
		d.logger.Debug("unknown command", log.String("command", req.Command))
		return Fail(CodeUnknownCommand, "unknown command %q", req.Command).Reply(req)
	}

	return d.invoke(ctx, h, peer, req).Reply(req)
}

func (d *Dispatcher) invoke(ctx context.Context, h HandlerFunc, peer *Peer, req *Message) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("command handler panicked",
				log.String("command", req.Command),
				log.Any("panic", r),
			)
			res = Fail(CodeInternal, "internal error handling %s", req.Command)
		}
	}()
	return h(ctx, peer, req)
}
