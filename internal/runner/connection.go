package runner

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/codeocean/runbridge/internal/protocol"
)

// maxPendingLine bounds how much of an unterminated structured line is held
// back before it is flushed as plain output.
const maxPendingLine = 64 << 10

// maxPendingWait bounds how long an unterminated structured line is held
// back when no further output arrives.
const maxPendingWait = 250 * time.Millisecond

const maxFrameSize = 1 << 20

// socketConnection adapts an execution WebSocket to Connection.
type socketConnection struct {
	conn   *websocket.Conn
	logger *slog.Logger
	events chan protocol.Event

	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once
	closeErr  error
}

func newSocketConnection(conn *websocket.Conn, logger *slog.Logger) *socketConnection {
	conn.SetReadLimit(maxFrameSize)
	ctx, cancel := context.WithCancel(context.Background())
	c := &socketConnection{
		conn:   conn,
		logger: logger,
		events: make(chan protocol.Event, 16),
		ctx:    ctx,
		cancel: cancel,
	}
	go c.readLoop()
	return c
}

func (c *socketConnection) Events() <-chan protocol.Event { return c.events }

// Send writes data to the process stdin as one text frame terminated by a newline.
func (c *socketConnection) Send(ctx context.Context, data string) error {
	if c.ctx.Err() != nil {
		return newError(KindUnknown, "execution connection is closed")
	}
	if !strings.HasSuffix(data, "\n") {
		data += "\n"
	}
	if err := c.conn.Write(ctx, websocket.MessageText, []byte(data)); err != nil {
		return &Error{Kind: KindUnknown, Msg: "writing to execution socket", Err: err}
	}
	return nil
}

// Close closes the socket. Safe to call more than once.
func (c *socketConnection) Close() error {
	c.closeOnce.Do(func() {
		c.cancel()
		c.closeErr = c.conn.Close(websocket.StatusNormalClosure, "")
		if websocket.CloseStatus(c.closeErr) == websocket.StatusNormalClosure || errors.Is(c.closeErr, context.Canceled) {
			c.closeErr = nil
		}
	})
	return c.closeErr
}

type socketFrame struct {
	data []byte
	err  error
}

func (c *socketConnection) readFrames(out chan<- socketFrame) {
	for {
		_, data, err := c.conn.Read(c.ctx)
		select {
		case out <- socketFrame{data: data, err: err}:
		case <-c.ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

func (c *socketConnection) readLoop() {
	defer close(c.events)

	frames := make(chan socketFrame)
	go c.readFrames(frames)

	var buf lineBuffer
	timer := time.NewTimer(maxPendingWait)
	timer.Stop()
	defer timer.Stop()

	for {
		var f socketFrame
		select {
		case f = <-frames:
		case <-timer.C:
			for _, ev := range buf.flush() {
				if !c.emit(ev) {
					return
				}
			}
			continue
		case <-c.ctx.Done():
			return
		}

		if f.err != nil {
			if c.ctx.Err() != nil {
				return
			}
			for _, ev := range buf.flush() {
				if !c.emit(ev) {
					return
				}
			}
			c.logger.Warn("execution socket closed before exit", slog.String("error", f.err.Error()))
			c.emit(errorEvent("execution socket closed: " + f.err.Error()))
			return
		}

		ev, err := protocol.DecodeEvent(f.data)
		if err != nil {
			c.logger.Warn("discarding malformed runner event", slog.String("error", err.Error()))
			continue
		}

		var out []protocol.Event
		if ev.Type == protocol.EventStdout || ev.Type == protocol.EventStderr {
			out = buf.push(ev)
		} else {
			out = append(buf.flush(), ev)
		}
		for _, e := range out {
			if !c.emit(e) {
				return
			}
		}
		if ev.Terminal() {
			return
		}
		timer.Stop()
		if buf.holding() {
			timer.Reset(maxPendingWait)
		}
	}
}

func (c *socketConnection) emit(ev protocol.Event) bool {
	select {
	case c.events <- ev:
		return true
	case <-c.ctx.Done():
		return false
	}
}

func errorEvent(msg string) protocol.Event {
	data, _ := json.Marshal(msg)
	return protocol.Event{Type: protocol.EventError, Data: data}
}

func textEvent(t protocol.EventType, text string) protocol.Event {
	data, _ := json.Marshal(text)
	return protocol.Event{Type: t, Data: data}
}

// lineBuffer re-chunks output so that structured JSON lines split across
// frames reach the session whole. Only a trailing fragment that can still
// complete to a JSON object is held back; everything else is passed through
// as soon as it arrives. Output of the other stream releases the fragment
// first so both streams keep their arrival order.
type lineBuffer struct {
	stream  protocol.EventType
	pending string
}

func (b *lineBuffer) holding() bool { return b.pending != "" }

func (b *lineBuffer) push(ev protocol.Event) []protocol.Event {
	var out []protocol.Event
	text := ev.Text()
	if b.pending != "" {
		if b.stream == ev.Type {
			text = b.pending + text
		} else {
			out = append(out, textEvent(b.stream, b.pending))
		}
		b.pending = ""
	}

	var plain strings.Builder
	for text != "" {
		i := strings.IndexByte(text, '\n')
		if i < 0 {
			if len(text) < maxPendingLine && partialObject(text) {
				b.stream, b.pending = ev.Type, text
			} else {
				plain.WriteString(text)
			}
			break
		}
		line := text[:i+1]
		text = text[i+1:]
		if strings.HasPrefix(strings.TrimLeft(line, " \t"), "{") {
			if plain.Len() > 0 {
				out = append(out, textEvent(ev.Type, plain.String()))
				plain.Reset()
			}
			out = append(out, textEvent(ev.Type, line))
			continue
		}
		plain.WriteString(line)
	}
	if plain.Len() > 0 {
		out = append(out, textEvent(ev.Type, plain.String()))
	}
	return out
}

func (b *lineBuffer) flush() []protocol.Event {
	if b.pending == "" {
		return nil
	}
	out := []protocol.Event{textEvent(b.stream, b.pending)}
	b.pending = ""
	return out
}

// partialObject reports whether s is the truncated beginning of a JSON object.
func partialObject(s string) bool {
	if !strings.HasPrefix(strings.TrimLeft(s, " \t"), "{") {
		return false
	}
	var v json.RawMessage
	err := json.NewDecoder(strings.NewReader(s)).Decode(&v)
	return errors.Is(err, io.ErrUnexpectedEOF)
}
