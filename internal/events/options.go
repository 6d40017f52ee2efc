package events

type ProducerOptions func(e *EventProducer)

func WithOutputTopic(topic string) ProducerOptions {
	return func(e *EventProducer) {
		e.topic = topic
	}
}

// WithBufferCapacity bounds the pending events. Zero keeps every event.
func WithBufferCapacity(n int) ProducerOptions {
	return func(e *EventProducer) {
		if n >= 0 {
			e.capacity = n
		}
	}
}

// WithSource overrides the CloudEvents source attribute.
func WithSource(source string) ProducerOptions {
	return func(e *EventProducer) {
		if source != "" {
			e.source = source
		}
	}
}
