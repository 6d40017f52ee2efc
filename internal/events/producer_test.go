package events

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("producer", Ordered, func() {
	Context("write", func() {
		It("writes succsessfully", func() {
			w := newTestWriter()
			kp := NewEventProducer(w)

			err := kp.Write(context.TODO(), "kind1", bytes.NewReader([]byte("msg1")))
			Expect(err).To(BeNil())
			err = kp.Write(context.TODO(), "kind2", bytes.NewReader([]byte("msg2")))
			Expect(err).To(BeNil())

			Eventually(w.Count).Should(Equal(2))
			Expect(w.Get(0).Type()).To(Equal("kind1"))
			Expect(w.Get(1).Type()).To(Equal("kind2"))
			Expect(w.Get(0).Source()).To(Equal("reports.pipeline"))

			Expect(kp.Close()).To(Succeed())
			Expect(w.IsClosed()).To(BeTrue())
		})
	})

	Context("publish", func() {
		It("uses the report id as subject", func() {
			w := newTestWriter()
			kp := NewEventProducer(w, WithOutputTopic("reports.test"))
			defer func() { _ = kp.Close() }()

			err := kp.Publish(context.TODO(), ReportFailedKind, ReportEvent{
				ReportID:     "r-1",
				ReportType:   "natal-chart",
				Status:       "failed",
				ErrorCode:    "GENERATION_ERROR",
				PaymentState: "cancelled",
			})
			Expect(err).To(BeNil())

			Eventually(w.Count).Should(Equal(1))
			e := w.Get(0)
			Expect(e.Type()).To(Equal(ReportFailedKind))
			Expect(e.Subject()).To(Equal("r-1"))
			Expect(w.topics[0]).To(Equal("reports.test"))

			var payload ReportEvent
			Expect(json.Unmarshal(e.Data(), &payload)).To(Succeed())
			Expect(payload.ErrorCode).To(Equal("GENERATION_ERROR"))
			Expect(payload.OccurredAt.IsZero()).To(BeFalse())
		})

		It("stamps the configured source", func() {
			w := newTestWriter()
			kp := NewEventProducer(w, WithSource("reports.staging"))
			defer func() { _ = kp.Close() }()

			Expect(kp.Publish(context.TODO(), ReportCompletedKind, ReportEvent{ReportID: "r-2"})).To(Succeed())

			Eventually(w.Count).Should(Equal(1))
			Expect(w.Get(0).Source()).To(Equal("reports.staging"))
		})
	})

	Context("bounded buffer", func() {
		It("drops the oldest events while the writer is stuck", func() {
			w := newTestWriter()
			w.gate = make(chan struct{})
			kp := NewEventProducer(w, WithBufferCapacity(2))

			// the first event is picked up and blocks inside Write
			Expect(kp.Write(context.TODO(), "kind0", bytes.NewReader([]byte("0")))).To(Succeed())
			Eventually(w.Pending).Should(Equal(1))

			for _, kind := range []string{"kind1", "kind2", "kind3"} {
				Expect(kp.Write(context.TODO(), kind, bytes.NewReader([]byte(kind)))).To(Succeed())
			}
			Expect(kp.Dropped()).To(Equal(1))

			close(w.gate)
			Eventually(w.Count).Should(Equal(3))
			Expect(w.Get(0).Type()).To(Equal("kind0"))
			Expect(w.Get(1).Type()).To(Equal("kind2"))
			Expect(w.Get(2).Type()).To(Equal("kind3"))
			Expect(kp.Close()).To(Succeed())
		})
	})

	Context("close", func() {
		It("flushes buffered events before closing the writer", func() {
			w := newTestWriter()
			w.gate = make(chan struct{})
			kp := NewEventProducer(w)

			for _, kind := range []string{"kind1", "kind2", "kind3"} {
				Expect(kp.Write(context.TODO(), kind, bytes.NewReader([]byte(kind)))).To(Succeed())
			}
			Eventually(w.Pending).Should(Equal(1))

			done := make(chan error, 1)
			go func() { done <- kp.Close() }()
			close(w.gate)

			Eventually(done).Should(Receive(BeNil()))
			Expect(w.Count()).To(Equal(3))
			Expect(w.IsClosed()).To(BeTrue())
		})
	})
})

type testwriter struct {
	mu       sync.Mutex
	messages []cloudevents.Event
	topics   []string
	closed   bool
	pending  int
	// gate, when set, holds every Write until it is closed
	gate chan struct{}
}

func newTestWriter() *testwriter {
	return &testwriter{}
}

func (t *testwriter) Write(ctx context.Context, topic string, e cloudevents.Event) error {
	if t.gate != nil {
		t.mu.Lock()
		t.pending++
		t.mu.Unlock()
		<-t.gate
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.messages = append(t.messages, e)
	t.topics = append(t.topics, topic)
	return nil
}

func (t *testwriter) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.messages)
}

func (t *testwriter) Get(i int) cloudevents.Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.messages[i]
}

func (t *testwriter) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pending
}

func (t *testwriter) IsClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *testwriter) Close(_ context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}
