package mailer

import (
	"context"
	"sync"
)

// RecordingMailer keeps every message in memory. FailWith makes later
// sends fail, per recipient or for everyone.
type RecordingMailer struct {
	mu   sync.Mutex
	sent []Message
	fail map[string]error
	all  error
}

func NewRecordingMailer() *RecordingMailer {
	return &RecordingMailer{fail: make(map[string]error)}
}

func (m *RecordingMailer) Send(_ context.Context, msg Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.all != nil {
		return m.all
	}
	if err := m.fail[msg.To]; err != nil {
		return err
	}
	m.sent = append(m.sent, msg)
	return nil
}

// FailWith makes sends to recipient fail with err. An empty recipient fails all sends.
func (m *RecordingMailer) FailWith(recipient string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if recipient == "" {
		m.all = err
		return
	}
	m.fail[recipient] = err
}

func (m *RecordingMailer) Sent() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Message(nil), m.sent...)
}

func (m *RecordingMailer) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = nil
	m.fail = make(map[string]error)
	m.all = nil
}
