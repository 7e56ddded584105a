package events

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockErrorEvent struct {
	component string
	category  string
	message   string
	reported  bool
	mu        sync.Mutex
}

func (m *mockErrorEvent) GetComponent() string              { return m.component }
func (m *mockErrorEvent) GetCategory() string               { return m.category }
func (m *mockErrorEvent) GetContext() map[string]interface{} { return nil }
func (m *mockErrorEvent) GetTimestamp() time.Time           { return time.Now() }
func (m *mockErrorEvent) GetError() error                   { return errors.New(m.message) }
func (m *mockErrorEvent) GetMessage() string                { return m.message }

func (m *mockErrorEvent) IsReported() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reported
}

func (m *mockErrorEvent) MarkReported() {
	m.mu.Lock()
	m.reported = true
	m.mu.Unlock()
}

type collectingConsumer struct {
	mu     sync.Mutex
	events []ErrorEvent
	seen   chan struct{}
}

func (c *collectingConsumer) Name() string { return "collector" }

func (c *collectingConsumer) ProcessEvent(event ErrorEvent) error {
	c.mu.Lock()
	c.events = append(c.events, event)
	c.mu.Unlock()
	select {
	case c.seen <- struct{}{}:
	default:
	}
	return nil
}

func (c *collectingConsumer) ProcessBatch(events []ErrorEvent) error {
	for _, ev := range events {
		_ = c.ProcessEvent(ev)
	}
	return nil
}

func (c *collectingConsumer) SupportsBatching() bool { return false }

func resetGlobalBus() {
	globalMutex.Lock()
	globalEventBus = nil
	globalMutex.Unlock()
}

func TestEventBusPublishAndConsume(t *testing.T) {
	resetGlobalBus()
	eb, err := Initialize(&Config{BufferSize: 16, Workers: 1, Enabled: true})
	require.NoError(t, err)
	require.NotNil(t, eb)
	defer func() {
		_ = eb.Shutdown(time.Second)
		resetGlobalBus()
	}()

	consumer := &collectingConsumer{seen: make(chan struct{}, 1)}
	require.NoError(t, eb.RegisterConsumer(consumer))

	ev := &mockErrorEvent{component: "transport", category: "transport", message: "boom"}
	require.True(t, eb.TryPublish(ev))

	select {
	case <-consumer.seen:
	case <-time.After(2 * time.Second):
		t.Fatal("event never consumed")
	}

	consumer.mu.Lock()
	defer consumer.mu.Unlock()
	require.Len(t, consumer.events, 1)
	assert.Equal(t, "transport", consumer.events[0].GetComponent())
}

func TestEventBusNoConsumersRejectsPublish(t *testing.T) {
	resetGlobalBus()
	eb, err := Initialize(&Config{BufferSize: 4, Workers: 1, Enabled: true})
	require.NoError(t, err)
	defer func() {
		_ = eb.Shutdown(time.Second)
		resetGlobalBus()
	}()

	assert.False(t, eb.TryPublish(&mockErrorEvent{component: "x", category: "y"}))
}

func TestEventBusDisabled(t *testing.T) {
	resetGlobalBus()
	eb, err := Initialize(&Config{Enabled: false})
	require.NoError(t, err)
	assert.Nil(t, eb)
	resetGlobalBus()
}

func TestDuplicateConsumerRejected(t *testing.T) {
	resetGlobalBus()
	eb, err := Initialize(&Config{BufferSize: 4, Workers: 1, Enabled: true})
	require.NoError(t, err)
	defer func() {
		_ = eb.Shutdown(time.Second)
		resetGlobalBus()
	}()

	c := &collectingConsumer{seen: make(chan struct{}, 1)}
	require.NoError(t, eb.RegisterConsumer(c))
	assert.Error(t, eb.RegisterConsumer(&collectingConsumer{seen: make(chan struct{}, 1)}))
}
