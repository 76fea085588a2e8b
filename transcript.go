package voicekit

import (
	"strings"
	"sync"
)

// Direction distinguishes the two utterance streams of a conversation.
type Direction int

const (
	DirectionUser Direction = iota
	DirectionModel
)

func (d Direction) String() string {
	if d == DirectionUser {
		return "user"
	}
	return "model"
}

// Message is one finalized utterance.
type Message struct {
	Direction Direction
	Text      string
}

type transcriptBuffer struct {
	b         strings.Builder
	started   bool
	completed bool
}

// Assembler turns streamed fragments into UI-ready messages, one buffer per
// direction. Fragments are concatenated strictly in arrival order; the remote
// service guarantees delta ordering within a direction, so the assembler
// never reorders or deduplicates.
type Assembler struct {
	mu   sync.Mutex
	bufs [2]transcriptBuffer
}

func NewAssembler() *Assembler {
	return &Assembler{}
}

// Append adds one fragment to the open buffer of the given direction,
// opening it if needed. Fragments arriving after completion are dropped
// until the buffer is reset by a new utterance.
func (a *Assembler) Append(dir Direction, fragment string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	buf := &a.bufs[dir]
	if buf.completed {
		return
	}
	buf.started = true
	buf.b.WriteString(fragment)
}

// Finalize emits one immutable completed message and clears the buffer.
// Finalizing an already-finalized or never-started buffer is a no-op (the
// protocol may deliver several "done" variants for one completion), signaled
// by ok == false.
//
// A non-empty override replaces whatever was accumulated; the final
// transcription event is authoritative over its own deltas.
func (a *Assembler) Finalize(dir Direction, override string) (msg Message, ok bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	buf := &a.bufs[dir]
	if buf.completed {
		return Message{}, false
	}
	if !buf.started && override == "" {
		return Message{}, false
	}
	text := buf.b.String()
	if override != "" {
		text = override
	}
	buf.b.Reset()
	buf.started = false
	buf.completed = true
	return Message{Direction: dir, Text: text}, true
}

// Reset discards the open buffer of the given direction without emitting a
// message. Used when a new utterance starts and on barge-in, where the
// model's in-progress buffer stops being authoritative.
func (a *Assembler) Reset(dir Direction) {
	a.mu.Lock()
	defer a.mu.Unlock()
	buf := &a.bufs[dir]
	buf.b.Reset()
	buf.started = false
	buf.completed = false
}

// ResetAll returns both directions to idle. Part of session teardown.
func (a *Assembler) ResetAll() {
	a.Reset(DirectionUser)
	a.Reset(DirectionModel)
}

// Partial returns the text accumulated so far without finalizing.
func (a *Assembler) Partial(dir Direction) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.bufs[dir].b.String()
}
