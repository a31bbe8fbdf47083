package logger

import (
	"sync"
	"time"

	"go.uber.org/zap/zapcore"
)

// recentLimit is how many entries each ring buffer keeps.
const recentLimit = 20

// streamBuffer is the per-subscriber channel capacity.
const streamBuffer = 64

var (
	//nolint:gochecknoglobals // Shared by Setup and the diagnostic API.
	recent = newRing(recentLimit)
	//nolint:gochecknoglobals // Shared by Setup and the diagnostic API.
	recentWarnings = newRing(recentLimit)
	//nolint:gochecknoglobals // Shared by Setup and the diagnostic API.
	stream = newBroadcaster()
)

// Entry is a decoded log entry kept in memory.
type Entry struct {
	Time    time.Time      `json:"time"`
	Level   string         `json:"level"`
	Name    string         `json:"name,omitempty"`
	Message string         `json:"message"`
	Fields  map[string]any `json:"fields,omitempty"`
}

// Recent returns the last info-or-above entries, oldest first.
func Recent() []Entry {
	return recent.entries()
}

// RecentWarnings returns the last warn-or-above entries, oldest first.
func RecentWarnings() []Entry {
	return recentWarnings.entries()
}

// Subscribe returns a channel receiving every new info-or-above entry.
// Entries are dropped for a subscriber that does not keep up.
// The returned function unsubscribes and closes the channel.
func Subscribe() (<-chan Entry, func()) {
	return stream.subscribe()
}

type sink interface {
	add(e Entry)
}

// memoryCore decodes entries into Entry values and hands them to a sink.
type memoryCore struct {
	zapcore.LevelEnabler

	sink   sink
	fields []zapcore.Field
}

func newMemoryCore(level zapcore.LevelEnabler, s sink) *memoryCore {
	return &memoryCore{LevelEnabler: level, sink: s}
}

//nolint:ireturn,nolintlint // Returning zapcore.Core is intended for zap integration.
func (c *memoryCore) With(fields []zapcore.Field) zapcore.Core {
	merged := make([]zapcore.Field, 0, len(c.fields)+len(fields))
	merged = append(merged, c.fields...)
	merged = append(merged, fields...)

	return &memoryCore{LevelEnabler: c.LevelEnabler, sink: c.sink, fields: merged}
}

//nolint:gocritic // AddCore requires ent to be passed by value.
func (c *memoryCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}

	return ce
}

//nolint:gocritic // zapcore.Core signature.
func (c *memoryCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	var encoded map[string]any

	if len(c.fields)+len(fields) > 0 {
		enc := zapcore.NewMapObjectEncoder()
		for _, f := range c.fields {
			f.AddTo(enc)
		}

		for _, f := range fields {
			f.AddTo(enc)
		}

		encoded = enc.Fields
	}

	c.sink.add(Entry{
		Time:    ent.Time,
		Level:   ent.Level.String(),
		Name:    ent.LoggerName,
		Message: ent.Message,
		Fields:  encoded,
	})

	return nil
}

func (c *memoryCore) Sync() error {
	return nil
}

// ring is a fixed-size buffer of the newest entries.
type ring struct {
	mu    sync.Mutex
	buf   []Entry
	next  int
	count int
}

func newRing(limit int) *ring {
	return &ring{buf: make([]Entry, limit)}
}

func (r *ring) add(e Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.buf[r.next] = e
	r.next = (r.next + 1) % len(r.buf)

	if r.count < len(r.buf) {
		r.count++
	}
}

func (r *ring) entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Entry, 0, r.count)
	start := (r.next - r.count + len(r.buf)) % len(r.buf)

	for i := range r.count {
		out = append(out, r.buf[(start+i)%len(r.buf)])
	}

	return out
}

// broadcaster fans entries out to subscribers without blocking the writer.
type broadcaster struct {
	mu   sync.Mutex
	subs map[chan Entry]struct{}
}

func newBroadcaster() *broadcaster {
	return &broadcaster{subs: make(map[chan Entry]struct{})}
}

func (b *broadcaster) add(e Entry) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

func (b *broadcaster) subscribe() (<-chan Entry, func()) {
	ch := make(chan Entry, streamBuffer)

	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once

	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, ch)
			b.mu.Unlock()
			close(ch)
		})
	}
}
