package receiver

import (
	"bytes"
	"log/slog"
	"sync"
)

// framer splits inbound chunks into newline-terminated frames, buffering a
// trailing partial fragment per sender until the next chunk arrives or the
// connection closes.
type framer struct {
	mu        sync.Mutex
	fragments map[string][]byte
	logger    *slog.Logger
}

func newFramer(logger *slog.Logger) *framer {
	return &framer{
		fragments: make(map[string][]byte),
		logger:    logger,
	}
}

// feed appends chunk to the sender's buffer and emits every complete line.
// The trailing remainder stays buffered, capped at MaxFragmentBytes.
func (f *framer) feed(senderKey string, chunk []byte, emit func(line []byte)) {
	f.mu.Lock()
	buffered := append(f.fragments[senderKey], chunk...)
	delete(f.fragments, senderKey)
	f.mu.Unlock()

	for {
		idx := bytes.IndexByte(buffered, '\n')
		if idx < 0 {
			break
		}
		line := buffered[:idx]
		buffered = buffered[idx+1:]
		if len(line) > 0 && line[len(line)-1] == '\r' {
			line = line[:len(line)-1]
		}
		if len(line) == 0 {
			continue
		}
		emit(line)
	}

	if len(buffered) == 0 {
		return
	}
	if len(buffered) > MaxFragmentBytes {
		f.logger.Warn("dropping oversized partial fragment",
			"senderKey", senderKey, "bytes", len(buffered))
		return
	}

	f.mu.Lock()
	f.fragments[senderKey] = buffered
	f.mu.Unlock()
}

// discard drops the sender's buffered remainder (connection close).
func (f *framer) discard(senderKey string) {
	f.mu.Lock()
	delete(f.fragments, senderKey)
	f.mu.Unlock()
}

// reset drops every buffered fragment (receiver stop).
func (f *framer) reset() {
	f.mu.Lock()
	f.fragments = make(map[string][]byte)
	f.mu.Unlock()
}
