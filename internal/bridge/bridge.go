package bridge

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
)

const (
	// DefaultMaxLineBytes caps a single bridge message. A guest emitting a
	// longer line is stuck or adversarial and forces a restart.
	DefaultMaxLineBytes = 1 << 20 // 1 MB

	// DefaultDecodeFailureBudget is the number of consecutive undecodable
	// lines tolerated before the stream is declared broken.
	DefaultDecodeFailureBudget = 5
)

// ErrProcessTerminated resolves every pending request tied to a killed guest
// process. Orphaned entries are failed locally, never matched to a response
// addressed to a different request.
var ErrProcessTerminated = errors.New("guest process terminated")

// ErrProtocol signals a broken bridge stream (oversized line or decode
// failure budget exceeded). The guest process must be restarted.
var ErrProtocol = errors.New("bridge protocol error")

// CallError is a capability-call failure sent back to the guest.
type CallError struct {
	Code    string
	Message string
}

// CallHandler authorizes and executes one capability call. It is invoked
// synchronously from the read loop, so calls reach the handler in the exact
// order the guest issued them and results return in the same order.
type CallHandler func(ctx context.Context, call CallPayload) (any, *CallError)

// Config bounds the bridge's tolerance for malformed input.
type Config struct {
	MaxLineBytes        int
	DecodeFailureBudget int
}

func (c Config) maxLine() int {
	if c.MaxLineBytes > 0 {
		return c.MaxLineBytes
	}
	return DefaultMaxLineBytes
}

func (c Config) failureBudget() int {
	if c.DecodeFailureBudget > 0 {
		return c.DecodeFailureBudget
	}
	return DefaultDecodeFailureBudget
}

// Response is the terminal outcome delivered to an awaiting caller.
type Response struct {
	Msg *Message
	Err error
}

// Bridge is the bidirectional message channel for one guest process.
// It owns the correlation table mapping request ID → awaiting caller.
// A Bridge is bound to a single process and discarded with it.
type Bridge struct {
	config  Config
	handler CallHandler
	logger  *slog.Logger

	writeMu sync.Mutex
	writer  io.Writer

	mu      sync.Mutex
	pending map[string]chan Response
	failed  bool
	fatal   chan error
}

// New creates a Bridge writing host → guest messages to w.
// The read loop is started separately with ReadLoop.
func New(w io.Writer, handler CallHandler, cfg Config, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Bridge{
		config:  cfg,
		handler: handler,
		logger:  logger,
		writer:  w,
		pending: make(map[string]chan Response),
		fatal:   make(chan error, 1),
	}
}

// Send writes one newline-terminated JSON message to the guest.
func (b *Bridge) Send(msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding bridge message: %w", err)
	}
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	if _, err := b.writer.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("writing bridge message: %w", err)
	}
	return nil
}

// Await registers a pending entry for the given correlation ID and returns
// the channel its terminal response will arrive on. If the bridge has already
// failed, the response is delivered immediately.
func (b *Bridge) Await(id string) <-chan Response {
	ch := make(chan Response, 1)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failed {
		ch <- Response{Err: ErrProcessTerminated}
		return ch
	}
	b.pending[id] = ch
	return ch
}

// Discard removes a pending entry without resolving it (caller gave up).
func (b *Bridge) Discard(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.pending, id)
}

// Fatal reports unrecoverable protocol failures. Receiving on it obliges the
// owner to kill and restart the guest process.
func (b *Bridge) Fatal() <-chan error {
	return b.fatal
}

// FailAll resolves every pending entry with the given error and marks the
// bridge failed. Called when the guest process is killed or crashes.
func (b *Bridge) FailAll(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failed {
		return
	}
	b.failed = true
	for id, ch := range b.pending {
		ch <- Response{Err: err}
		delete(b.pending, id)
	}
}

// ReadLoop consumes guest → host messages from r until EOF or a fatal
// protocol error. Capability calls are dispatched to the handler in arrival
// order; terminal messages resolve their pending entries.
func (b *Bridge) ReadLoop(ctx context.Context, r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), b.config.maxLine())

	failures := 0
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var msg Message
		if err := json.Unmarshal(line, &msg); err != nil {
			failures++
			b.logger.Warn("malformed bridge line skipped",
				slog.Int("bytes", len(line)),
				slog.Int("consecutive_failures", failures),
				slog.String("error", err.Error()),
			)
			if failures >= b.config.failureBudget() {
				b.signalFatal(fmt.Errorf("%w: %d consecutive decode failures", ErrProtocol, failures))
				return
			}
			continue
		}
		failures = 0

		switch msg.Type {
		case MsgCall:
			b.handleCall(ctx, &msg)
		case MsgComplete, MsgError:
			b.resolve(&msg)
		default:
			b.logger.Warn("unexpected bridge message type skipped",
				slog.String("type", string(msg.Type)),
				slog.String("id", msg.ID),
			)
		}
	}

	if err := scanner.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			b.signalFatal(fmt.Errorf("%w: message exceeds %d bytes", ErrProtocol, b.config.maxLine()))
			return
		}
		// Stream closed underneath us (kill/crash). The process owner
		// resolves pending entries via FailAll.
		b.logger.Debug("bridge read loop ended", slog.String("error", err.Error()))
	}
}

// resolve delivers a terminal message to its awaiting caller.
// Responses with no pending entry belong to a previous process incarnation
// and are discarded.
func (b *Bridge) resolve(msg *Message) {
	b.mu.Lock()
	ch, ok := b.pending[msg.ID]
	if ok {
		delete(b.pending, msg.ID)
	}
	b.mu.Unlock()

	if !ok {
		b.logger.Warn("orphaned bridge response discarded",
			slog.String("type", string(msg.Type)),
			slog.String("id", msg.ID),
		)
		return
	}
	ch <- Response{Msg: msg}
}

// handleCall executes one capability call and sends the correlated
// result or error back to the guest.
func (b *Bridge) handleCall(ctx context.Context, msg *Message) {
	var call CallPayload
	if err := msg.Decode(&call); err != nil {
		b.logger.Warn("undecodable capability call",
			slog.String("id", msg.ID),
			slog.String("error", err.Error()),
		)
		b.sendCallError(msg.ID, &CallError{
			Code:    CodeExecutionError,
			Message: "malformed call payload",
		})
		return
	}

	value, callErr := b.handler(ctx, call)
	if callErr != nil {
		b.sendCallError(msg.ID, callErr)
		return
	}

	resp, err := NewMessageWithID(MsgResult, msg.ID, ResultPayload{Value: value})
	if err != nil {
		// Unserializable return value: surface as a call error so the
		// guest can keep running.
		b.sendCallError(msg.ID, &CallError{
			Code:    CodeExecutionError,
			Message: "capability returned an unserializable value",
		})
		return
	}
	if err := b.Send(resp); err != nil {
		b.logger.Warn("failed to send call result",
			slog.String("id", msg.ID),
			slog.String("error", err.Error()),
		)
	}
}

func (b *Bridge) sendCallError(id string, callErr *CallError) {
	msg, err := NewMessageWithID(MsgError, id, ErrorPayload{
		Code:    callErr.Code,
		Message: callErr.Message,
	})
	if err != nil {
		return
	}
	if err := b.Send(msg); err != nil {
		b.logger.Warn("failed to send call error",
			slog.String("id", id),
			slog.String("error", err.Error()),
		)
	}
}

func (b *Bridge) signalFatal(err error) {
	b.logger.Error("bridge fatal", slog.String("error", err.Error()))
	select {
	case b.fatal <- err:
	default:
	}
}
