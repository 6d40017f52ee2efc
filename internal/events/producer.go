package events

import (
	"context"
	"encoding/json"
	"io"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const closeTimeout = 5 * time.Second

// Writer is the interface to be implemented by the underlying writer.
type Writer interface {
	Write(ctx context.Context, topic string, e cloudevents.Event) error
	Close(ctx context.Context) error
}

// EventProducer queues report events and hands them to a Writer from a
// single goroutine, so callers never wait on the broker.
type EventProducer struct {
	buffer   *buffer
	wakeCh   chan struct{}
	doneCh   chan struct{}
	stopped  chan struct{}
	writer   Writer
	topic    string
	source   string
	capacity int
	log      *zap.SugaredLogger
}

func NewEventProducer(w Writer, opts ...ProducerOptions) *EventProducer {
	ep := &EventProducer{
		wakeCh:   make(chan struct{}, 1),
		doneCh:   make(chan struct{}),
		stopped:  make(chan struct{}),
		writer:   w,
		topic:    defaultTopic,
		source:   eventSource,
		capacity: defaultBufferCapacity,
		log:      zap.S().Named("event_producer"),
	}

	for _, o := range opts {
		o(ep)
	}
	ep.buffer = newBuffer(ep.capacity)

	go ep.run()
	return ep
}

// Publish queues a lifecycle event for the report it describes.
func (ep *EventProducer) Publish(ctx context.Context, kind string, ev ReportEvent) error {
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	ep.push(&message{Kind: kind, Subject: ev.ReportID, Data: data})
	return nil
}

// Write queues a raw JSON payload.
func (ep *EventProducer) Write(ctx context.Context, kind string, body io.Reader) error {
	d, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	ep.push(&message{Kind: kind, Data: d})
	return nil
}

// Dropped counts events evicted from a full buffer.
func (ep *EventProducer) Dropped() int {
	return ep.buffer.Dropped()
}

func (ep *EventProducer) push(msg *message) {
	if evicted := ep.buffer.PushBack(msg); evicted != nil {
		ep.log.Warnw("event buffer full, dropping oldest event", "event_type", evicted.Kind, "subject", evicted.Subject)
	}

	select {
	case ep.wakeCh <- struct{}{}:
	default:
	}
}

// Close writes the events still buffered, waiting at most closeTimeout, then
// closes the writer.
func (ep *EventProducer) Close() error {
	closeCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()

	close(ep.doneCh)

	g, ctx := errgroup.WithContext(closeCtx)
	g.Go(func() error {
		select {
		case <-ep.stopped:
		case <-ctx.Done():
			return ctx.Err()
		}
		return ep.writer.Close(ctx)
	})
	if err := g.Wait(); err != nil {
		ep.log.Errorw("event producer closed with error", "error", err, "pending", ep.buffer.Size())
		return err
	}

	ep.log.Info("event producer closed")
	return nil
}

func (ep *EventProducer) run() {
	defer close(ep.stopped)
	for {
		msg := ep.buffer.Pop()
		if msg != nil {
			ep.send(msg)
			continue
		}

		select {
		case <-ep.wakeCh:
		case <-ep.doneCh:
			// pushes racing with Close may still land in the buffer
			for msg := ep.buffer.Pop(); msg != nil; msg = ep.buffer.Pop() {
				ep.send(msg)
			}
			return
		}
	}
}

func (ep *EventProducer) send(msg *message) {
	e := cloudevents.NewEvent()
	e.SetID(uuid.NewString())
	e.SetSource(ep.source)
	e.SetType(msg.Kind)
	e.SetTime(time.Now().UTC())
	if msg.Subject != "" {
		e.SetSubject(msg.Subject)
	}
	_ = e.SetData(*cloudevents.StringOfApplicationJSON(), msg.Data)

	if err := ep.writer.Write(context.Background(), ep.topic, e); err != nil {
		ep.log.Errorw("failed to send message", "error", err, "event_type", e.Type(), "subject", e.Subject())
	}
}
