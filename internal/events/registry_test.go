package events

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingSub captures deliveries; fail makes every Send error.
type recordingSub struct {
	mu     sync.Mutex
	events []string
	data   [][]byte
	closed int
	fail   bool
}

func (s *recordingSub) Send(event string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("connection gone")
	}
	s.events = append(s.events, event)
	s.data = append(s.data, payload)
	return nil
}

func (s *recordingSub) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
}

func (s *recordingSub) received() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.events...)
}

func TestPublishDelivers(t *testing.T) {
	r := NewRegistry(nil)
	sub := &recordingSub{}
	r.Subscribe(JobChannel("j1"), "watcher-1", sub)

	r.Publish(JobChannel("j1"), EventJobStatus, StatusPayload{JobID: "j1", Status: "building"})

	got := sub.received()
	require.Len(t, got, 1)
	assert.Equal(t, EventJobStatus, got[0])
	assert.JSONEq(t, `{"jobId":"j1","status":"building"}`, string(sub.data[0]))
}

func TestPublishChannelIsolation(t *testing.T) {
	r := NewRegistry(nil)
	ios := &recordingSub{}
	android := &recordingSub{}
	r.Subscribe(PlatformChannel("ios"), "r1", ios)
	r.Subscribe(PlatformChannel("android"), "r2", android)

	r.Publish(PlatformChannel("ios"), EventJobCreated, nil)

	assert.Len(t, ios.received(), 1)
	assert.Empty(t, android.received())
}

func TestPublishFailingSubscriberDoesNotBlockOthers(t *testing.T) {
	r := NewRegistry(nil)
	bad := &recordingSub{fail: true}
	good := &recordingSub{}
	r.Subscribe("ch", "bad", bad)
	r.Subscribe("ch", "good", good)

	r.Publish("ch", EventJobLog, LogPayload{JobID: "j1", Stream: "stdout", Data: "hi"})

	assert.Len(t, good.received(), 1)
}

func TestPublishEmptyChannelIsNoop(t *testing.T) {
	r := NewRegistry(nil)
	// Must not panic or create state.
	r.Publish("nobody-home", EventJobStatus, nil)
	assert.Equal(t, 0, r.ChannelCount())
}

func TestUnsubscribeDropsEmptyChannel(t *testing.T) {
	r := NewRegistry(nil)
	a := &recordingSub{}
	b := &recordingSub{}
	r.Subscribe("ch", "a", a)
	r.Subscribe("ch", "b", b)
	require.Equal(t, 2, r.SubscriberCount())

	r.Unsubscribe("ch", "a")
	assert.Equal(t, 1, r.ChannelCount())

	r.Unsubscribe("ch", "b")
	assert.Equal(t, 0, r.ChannelCount())
	assert.Equal(t, 0, r.SubscriberCount())

	// Unsubscribing from a gone channel is harmless.
	r.Unsubscribe("ch", "b")
}

func TestShutdownClosesAll(t *testing.T) {
	r := NewRegistry(nil)
	a := &recordingSub{}
	b := &recordingSub{}
	r.Subscribe("ch1", "a", a)
	r.Subscribe("ch2", "b", b)

	r.Shutdown()

	assert.Equal(t, 1, a.closed)
	assert.Equal(t, 1, b.closed)
	assert.Equal(t, 0, r.ChannelCount())
	assert.Equal(t, 0, r.SubscriberCount())
}

func TestConcurrentPublishAndChurn(t *testing.T) {
	r := NewRegistry(nil)
	var wg sync.WaitGroup

	for i := 0; i < 8; i++ {
		wg.Add(2)
		id := string(rune('a' + i))
		go func() {
			defer wg.Done()
			sub := &recordingSub{}
			for n := 0; n < 50; n++ {
				r.Subscribe("ch", id, sub)
				r.Unsubscribe("ch", id)
			}
		}()
		go func() {
			defer wg.Done()
			for n := 0; n < 50; n++ {
				r.Publish("ch", EventHeartbeat, nil)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, r.SubscriberCount())
}
