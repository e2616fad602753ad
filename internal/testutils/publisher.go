package testutils

import (
	"strings"
	"sync"
)

// Published is one message captured by RecordingPublisher
type Published struct {
	Topic   string
	Payload string
	Retain  bool
}

// RecordingPublisher captures published messages in memory.
type RecordingPublisher struct {
	mu        sync.Mutex
	messages  []Published
	available bool
	err       error
}

// NewRecordingPublisher creates an available publisher
func NewRecordingPublisher() *RecordingPublisher {
	return &RecordingPublisher{available: true}
}

func (p *RecordingPublisher) Publish(topic string, payload []byte, retain bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.err != nil {
		return p.err
	}
	p.messages = append(p.messages, Published{Topic: topic, Payload: string(payload), Retain: retain})
	return nil
}

func (p *RecordingPublisher) Available() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.available
}

// SetAvailable toggles the publish capability
func (p *RecordingPublisher) SetAvailable(v bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.available = v
}

// FailWith makes every subsequent Publish return err (nil restores success)
func (p *RecordingPublisher) FailWith(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

// Messages returns a copy of everything published so far
func (p *RecordingPublisher) Messages() []Published {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]Published, len(p.messages))
	copy(out, p.messages)
	return out
}

// Topic returns the messages published to topic
func (p *RecordingPublisher) Topic(topic string) []Published {
	var out []Published
	for _, m := range p.Messages() {
		if m.Topic == topic {
			out = append(out, m)
		}
	}
	return out
}

// WithSuffix returns the messages whose topic ends with suffix
func (p *RecordingPublisher) WithSuffix(suffix string) []Published {
	var out []Published
	for _, m := range p.Messages() {
		if strings.HasSuffix(m.Topic, suffix) {
			out = append(out, m)
		}
	}
	return out
}

// Reset forgets captured messages
func (p *RecordingPublisher) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = nil
}
