package events

import (
	"sync"

	"github.com/oshokin/service-core/internal/domain/core"
)

// DefaultBuffer is the channel capacity of a subscription.
const DefaultBuffer = 64

// LogAppended is published for every line added to a service log buffer.
type LogAppended struct {
	Service core.ServiceName `json:"service"`
	// Line is the appended text without the trailing newline.
	Line string `json:"line"`
}

// PointersUpdated is published after a service's persisted pointers change.
type PointersUpdated struct {
	Service  core.ServiceName `json:"service"`
	Pointers core.Pointers    `json:"pointers"`
}

// StatusChanged is published when a running or guard flag flips.
type StatusChanged struct {
	Status core.Status `json:"status"`
}

// Topic fans values of one type out to subscribers.
type Topic[T any] struct {
	mu   sync.Mutex
	subs map[chan T]struct{}
}

// NewTopic creates an empty topic.
func NewTopic[T any]() *Topic[T] {
	return &Topic[T]{subs: make(map[chan T]struct{})}
}

// Publish delivers v to every subscriber with room in its buffer.
func (t *Topic[T]) Publish(v T) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for ch := range t.subs {
		select {
		case ch <- v:
		default:
		}
	}
}

// Subscribe returns a buffered channel and a function that unsubscribes
// and closes it. The function is safe to call more than once.
func (t *Topic[T]) Subscribe() (<-chan T, func()) {
	ch := make(chan T, DefaultBuffer)

	t.mu.Lock()
	t.subs[ch] = struct{}{}
	t.mu.Unlock()

	var once sync.Once

	return ch, func() {
		once.Do(func() {
			t.mu.Lock()
			delete(t.subs, ch)
			t.mu.Unlock()
			close(ch)
		})
	}
}

// Subscribers returns the number of live subscriptions.
func (t *Topic[T]) Subscribers() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.subs)
}

// Bus groups the topics the supervisor publishes to.
type Bus struct {
	Logs     *Topic[LogAppended]
	Pointers *Topic[PointersUpdated]
	Status   *Topic[StatusChanged]
}

// NewBus creates a bus with empty topics.
func NewBus() *Bus {
	return &Bus{
		Logs:     NewTopic[LogAppended](),
		Pointers: NewTopic[PointersUpdated](),
		Status:   NewTopic[StatusChanged](),
	}
}
