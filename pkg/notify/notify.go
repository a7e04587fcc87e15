// Package notify is the status display used by the client: one error slot and one
// success slot, where showing either clears the other.
package notify

import (
	"fmt"
	"io"
	"strings"
	"sync"
)

// Notifier receives user-visible status messages.
type Notifier interface {
	Error(msg string)
	Success(msg string)
	Clear()
	LastError() string
}

// Board is the default Notifier. When an output writer is configured every shown message
// is also written to it, prefixed with "error: " or nothing for successes.
type Board struct {
	mu      sync.Mutex
	err     string
	success string
	out     io.Writer
}

// NewBoard returns a Board that mirrors messages to out. out may be nil.
func NewBoard(out io.Writer) *Board {
	return &Board{out: out}
}

func (b *Board) Error(msg string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.err = msg
	b.success = ""
	if b.out != nil {
		fmt.Fprintf(b.out, "error: %s\n", msg)
	}
}

func (b *Board) Success(msg string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.success = msg
	b.err = ""
	if b.out != nil {
		fmt.Fprintln(b.out, msg)
	}
}

func (b *Board) Clear() {
	b.mu.Lock()
	b.err, b.success = "", ""
	b.mu.Unlock()
}

func (b *Board) LastError() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

// LastSuccess returns the current success message.
func (b *Board) LastSuccess() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.success
}

// Shown reports whether the current error already contains msg.
func Shown(n Notifier, msg string) bool {
	if n == nil || msg == "" {
		return false
	}
	return strings.Contains(n.LastError(), msg)
}

// Discard drops every message.
type Discard struct{}

func (Discard) Error(string)      {}
func (Discard) Success(string)    {}
func (Discard) Clear()            {}
func (Discard) LastError() string { return "" }
