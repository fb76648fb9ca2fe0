// Package notify delivers user-facing notifications on a best-effort basis.
package notify

import (
	"context"
	"sync/atomic"

	"github.com/rewired-gh/papertrade/internal/logger"
)

// Sink receives a notification. Implementations must not block for long and
// never report delivery failure to the caller.
type Sink interface {
	Notify(title, message string)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(title, message string)

func (f SinkFunc) Notify(title, message string) { f(title, message) }

// LogSink writes every notification to the log.
type LogSink struct{}

func (LogSink) Notify(title, message string) {
	logger.Info("Notification: %s: %s", title, message)
}

// Multi fans a notification out to every sink in order.
type Multi []Sink

func (m Multi) Notify(title, message string) {
	for _, s := range m {
		s.Notify(title, message)
	}
}

type message struct {
	title string
	body  string
}

// Queue decouples producers from a slow sink. Notify never blocks: when the
// buffer is full the notification is dropped and counted.
type Queue struct {
	sink    Sink
	ch      chan message
	dropped atomic.Int64
}

// NewQueue creates a queue with room for size pending notifications.
func NewQueue(sink Sink, size int) *Queue {
	if size < 1 {
		size = 1
	}
	return &Queue{sink: sink, ch: make(chan message, size)}
}

func (q *Queue) Notify(title, body string) {
	select {
	case q.ch <- message{title: title, body: body}:
	default:
		q.dropped.Add(1)
		logger.Warn("Notification queue full, dropping %q", title)
	}
}

// Dropped returns how many notifications were discarded because the queue was full.
func (q *Queue) Dropped() int64 {
	return q.dropped.Load()
}

// Run delivers queued notifications until ctx is cancelled, then drains what
// is already buffered.
func (q *Queue) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case m := <-q.ch:
					q.sink.Notify(m.title, m.body)
				default:
					return nil
				}
			}
		case m := <-q.ch:
			q.sink.Notify(m.title, m.body)
		}
	}
}
