package logbuf

import (
	"strings"
	"sync"
)

// DefaultLimit bounds the retained gateway output to roughly one screenful
// of scrollback without letting a chatty child grow memory without bound.
const DefaultLimit = 20000

// Buffer is a character-bounded append buffer for child process output.
// Once the limit is exceeded the oldest content is trimmed from the front.
// Safe for concurrent use; stdout and stderr readers write to it from
// separate goroutines.
type Buffer struct {
	mu       sync.Mutex
	limit    int
	data     []byte
	onChange func(string)
}

func New(limit int) *Buffer {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &Buffer{limit: limit}
}

// OnChange registers a callback invoked with a snapshot after every append.
// The callback runs outside the buffer lock.
func (b *Buffer) OnChange(fn func(string)) {
	b.mu.Lock()
	b.onChange = fn
	b.mu.Unlock()
}

// Append adds p to the buffer, trimming from the front when the limit is
// exceeded. Appends larger than the limit keep only the tail.
func (b *Buffer) Append(p []byte) {
	if len(p) == 0 {
		return
	}
	b.mu.Lock()
	b.data = append(b.data, p...)
	if over := len(b.data) - b.limit; over > 0 {
		b.data = b.data[over:]
	}
	snapshot := string(b.data)
	fn := b.onChange
	b.mu.Unlock()
	if fn != nil {
		fn(snapshot)
	}
}

// AppendLine appends s with a trailing newline.
func (b *Buffer) AppendLine(s string) {
	if !strings.HasSuffix(s, "\n") {
		s += "\n"
	}
	b.Append([]byte(s))
}

// Contents returns a snapshot of the buffered output.
func (b *Buffer) Contents() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.data)
}

// Len returns the current buffered length in bytes.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data)
}

// Reset discards all buffered content.
func (b *Buffer) Reset() {
	b.mu.Lock()
	b.data = nil
	b.mu.Unlock()
}
