package events

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func pushAll(b *buffer, payloads ...string) []*message {
	var evicted []*message
	for _, p := range payloads {
		if m := b.PushBack(&message{Kind: ReportCompletedKind, Subject: p, Data: []byte(p)}); m != nil {
			evicted = append(evicted, m)
		}
	}
	return evicted
}

var _ = Describe("buffer", func() {
	It("keeps events in order", func() {
		b := newBuffer(0)
		Expect(pushAll(b, "r-1", "r-2", "r-3")).To(BeEmpty())
		Expect(b.Size()).To(Equal(3))

		for _, want := range []string{"r-1", "r-2", "r-3"} {
			m := b.Pop()
			Expect(m).NotTo(BeNil())
			Expect(m.Subject).To(Equal(want))
		}
		Expect(b.Size()).To(BeZero())
		Expect(b.head).To(BeNil())
		Expect(b.tail).To(BeNil())
		Expect(b.Pop()).To(BeNil())
	})

	It("evicts the oldest event when full", func() {
		b := newBuffer(2)
		evicted := pushAll(b, "r-1", "r-2", "r-3", "r-4")

		Expect(evicted).To(HaveLen(2))
		Expect(evicted[0].Subject).To(Equal("r-1"))
		Expect(evicted[1].Subject).To(Equal("r-2"))
		Expect(b.Dropped()).To(Equal(2))
		Expect(b.Size()).To(Equal(2))
		Expect(b.Pop().Subject).To(Equal("r-3"))
		Expect(b.Pop().Subject).To(Equal("r-4"))
	})

	It("accepts pushes after being drained", func() {
		b := newBuffer(1)
		pushAll(b, "r-1")
		Expect(b.Pop().Subject).To(Equal("r-1"))

		Expect(pushAll(b, "r-2")).To(BeEmpty())
		Expect(b.head).To(BeIdenticalTo(b.tail))
		Expect(b.Pop().Subject).To(Equal("r-2"))
	})
})
