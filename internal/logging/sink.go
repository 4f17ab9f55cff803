package logging

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fatih/color"
)

// Sink accepts (tag, message) pairs for display or audit. Implementations
// must never block the caller and never fail.
type Sink interface {
	Log(tag, message string)
}

// Line is one sink entry with the time it was logged.
type Line struct {
	Time    time.Time `json:"time"`
	Tag     string    `json:"tag"`
	Message string    `json:"message"`
}

// Format renders the line as "[HH:MM:SS.mmm] tag: message".
func (l Line) Format() string {
	return fmt.Sprintf("[%s] %s: %s", l.Time.Format("15:04:05.000"), l.Tag, l.Message)
}

// Discard is a Sink that drops everything.
var Discard Sink = discardSink{}

type discardSink struct{}

func (discardSink) Log(string, string) {}

// MultiSink fans a line out to several sinks.
type MultiSink []Sink

func (m MultiSink) Log(tag, message string) {
	for _, s := range m {
		s.Log(tag, message)
	}
}

// SlogSink mirrors sink lines into the structured logger, with the tag as
// the component.
type SlogSink struct{}

func (SlogSink) Log(tag, message string) {
	L(tag).Info(message)
}

// ConsoleSink writes timestamped lines to a writer from a background
// goroutine. Lines are dropped when the buffer is full.
type ConsoleSink struct {
	out     io.Writer
	now     func() time.Time
	tag     func(a ...any) string
	lines   chan string
	done    chan struct{}
	mu      sync.RWMutex // guards lines against send-after-close
	closed  bool
	dropped atomic.Int64
	once    sync.Once
}

// NewConsoleSink starts a console sink writing to out.
func NewConsoleSink(out io.Writer) *ConsoleSink {
	s := &ConsoleSink{
		out:   out,
		now:   time.Now,
		tag:   color.New(color.FgCyan, color.Bold).SprintFunc(),
		lines: make(chan string, 256),
		done:  make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *ConsoleSink) Log(tag, message string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	line := Line{Time: s.now(), Tag: s.tag(tag), Message: message}
	select {
	case s.lines <- line.Format() + "\n":
	default:
		s.dropped.Add(1)
	}
}

// Clear writes a form feed marker. Terminals and pagers treat it as a page
// break, and it survives in redirected output.
func (s *ConsoleSink) Clear() {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.lines <- "\f\n":
	default:
		s.dropped.Add(1)
	}
}

// Dropped returns how many lines were discarded.
func (s *ConsoleSink) Dropped() int64 {
	return s.dropped.Load()
}

// Close flushes pending lines and stops the writer goroutine.
func (s *ConsoleSink) Close() {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.lines)
		s.mu.Unlock()
		<-s.done
	})
}

func (s *ConsoleSink) run() {
	defer close(s.done)
	for line := range s.lines {
		io.WriteString(s.out, line)
	}
}

// Broadcaster fans sink lines out to subscribers, such as websocket clients.
// Slow subscribers lose lines rather than stall the caller.
type Broadcaster struct {
	mu   sync.Mutex
	next int
	subs map[int]chan Line
	now  func() time.Time
}

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[int]chan Line), now: time.Now}
}

func (b *Broadcaster) Log(tag, message string) {
	line := Line{Time: b.now(), Tag: tag, Message: message}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- line:
		default:
		}
	}
}

// Subscribe registers a listener. The returned cancel func unregisters it
// and closes the channel; it is safe to call more than once.
func (b *Broadcaster) Subscribe(buffer int) (<-chan Line, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Line, buffer)

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Subscribers returns the number of registered listeners.
func (b *Broadcaster) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
