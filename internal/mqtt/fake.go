package mqtt

import "sync"

// Published is a message recorded by FakeClient.
type Published struct {
	Topic    string
	Payload  []byte
	Retained bool
}

// FakeClient records published messages and lets tests deliver messages to
// subscribers.
type FakeClient struct {
	mu sync.Mutex

	// Messages contains every published message.
	Messages []Published

	// PublishError, if set, will be returned by Publish.
	PublishError error

	// SubscribeError, if set, will be returned by Subscribe.
	SubscribeError error

	// Closed tracks if Close was called.
	Closed bool

	// Connected controls the return value of IsConnected.
	Connected bool

	subs map[string]Handler
}

// NewFakeClient creates a connected FakeClient.
func NewFakeClient() *FakeClient {
	return &FakeClient{Connected: true, subs: make(map[string]Handler)}
}

// Publish records the message.
func (f *FakeClient) Publish(topic string, payload []byte, retained bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.PublishError != nil {
		return f.PublishError
	}
	f.Messages = append(f.Messages, Published{Topic: topic, Payload: payload, Retained: retained})
	return nil
}

// Subscribe registers h for topic.
func (f *FakeClient) Subscribe(topic string, h Handler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SubscribeError != nil {
		return f.SubscribeError
	}
	f.subs[topic] = h
	return nil
}

// Deliver passes payload to the subscriber of topic. It reports whether
// anyone was subscribed.
func (f *FakeClient) Deliver(topic string, payload []byte) bool {
	f.mu.Lock()
	h, ok := f.subs[topic]
	f.mu.Unlock()
	if !ok {
		return false
	}
	h(topic, payload)
	return true
}

// PublishedTo returns the messages sent on topic.
func (f *FakeClient) PublishedTo(topic string) []Published {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Published
	for _, m := range f.Messages {
		if m.Topic == topic {
			out = append(out, m)
		}
	}
	return out
}

// Close marks the client as closed.
func (f *FakeClient) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Closed = true
	return nil
}

// IsConnected reports whether the fake client is "connected".
func (f *FakeClient) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Connected
}

// Reset clears recorded messages.
func (f *FakeClient) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Messages = nil
	f.Closed = false
	f.PublishError = nil
	f.SubscribeError = nil
}
