package logbuf

import (
	"bytes"
	"io"
	"strings"
	"sync"
	"time"
)

// Stream names the child output stream a line came from.
type Stream string

const (
	Stdout Stream = "stdout"
	Stderr Stream = "stderr"
)

// Entry is one captured line of child output.
type Entry struct {
	At     time.Time `json:"at"`
	Stream Stream    `json:"stream"`
	Text   string    `json:"text"`
}

// Ring is a thread-safe ring buffer holding the last N lines written by a
// child process. Each stream gets its own Writer so partial lines from stdout
// and stderr never interleave.
type Ring struct {
	mu      sync.Mutex
	entries []Entry
	size    int
	pos     int
	full    bool
	partial map[Stream]*bytes.Buffer
	now     func() time.Time
}

// New creates a ring buffer that stores the last n lines. n <= 0 is treated as 1.
func New(n int) *Ring {
	if n <= 0 {
		n = 1
	}
	return &Ring{
		entries: make([]Entry, n),
		size:    n,
		partial: make(map[Stream]*bytes.Buffer),
		now:     time.Now,
	}
}

// Writer returns an io.Writer that splits input on newlines and records each
// complete line under the given stream.
func (r *Ring) Writer(s Stream) io.Writer {
	return &streamWriter{ring: r, stream: s}
}

type streamWriter struct {
	ring   *Ring
	stream Stream
}

func (w *streamWriter) Write(p []byte) (int, error) {
	w.ring.write(w.stream, p)
	return len(p), nil
}

// maxLineBytes caps a single entry. Longer lines, and output that never
// sends a newline, are recorded in pieces of this size.
const maxLineBytes = 64 << 10

func (r *Ring) write(s Stream, p []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()

	buf, ok := r.partial[s]
	if !ok {
		buf = &bytes.Buffer{}
		r.partial[s] = buf
	}
	buf.Write(p)

	for {
		i := bytes.IndexByte(buf.Bytes(), '\n')
		if i < 0 {
			break
		}
		r.addLine(s, buf.Next(i+1))
	}
	// an incomplete line stays buffered until its newline arrives, up to the cap
	for buf.Len() >= maxLineBytes {
		r.addLine(s, buf.Next(maxLineBytes))
	}
}

func (r *Ring) addLine(s Stream, line []byte) {
	text := strings.TrimRight(string(line), "\r\n")
	for len(text) > maxLineBytes {
		r.add(Entry{At: r.now(), Stream: s, Text: text[:maxLineBytes]})
		text = text[maxLineBytes:]
	}
	r.add(Entry{At: r.now(), Stream: s, Text: text})
}

func (r *Ring) add(e Entry) {
	r.entries[r.pos] = e
	r.pos = (r.pos + 1) % r.size
	if r.pos == 0 {
		r.full = true
	}
}

// Flush records any buffered partial lines. Called once the child has exited
// so a final line without a trailing newline is not lost.
func (r *Ring) Flush() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, s := range []Stream{Stdout, Stderr} {
		buf, ok := r.partial[s]
		if !ok || buf.Len() == 0 {
			continue
		}
		r.addLine(s, buf.Bytes())
		buf.Reset()
	}
}

// Entries returns all stored lines in order, oldest first.
func (r *Ring) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.full {
		result := make([]Entry, r.pos)
		copy(result, r.entries[:r.pos])
		return result
	}

	result := make([]Entry, r.size)
	copy(result, r.entries[r.pos:])
	copy(result[r.size-r.pos:], r.entries[:r.pos])
	return result
}

// Last returns the last n lines. If fewer lines exist, returns all of them.
func (r *Ring) Last(n int) []Entry {
	all := r.Entries()
	if n <= 0 || n >= len(all) {
		return all
	}
	return all[len(all)-n:]
}
