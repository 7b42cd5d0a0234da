package storage

import (
	"sync"

	"github.com/richinex/mped/model"
)

// DefaultConversationTurns is how many turns a conversation remembers.
const DefaultConversationTurns = 2

// Conversation is a bounded FIFO of the most recent turns of one session.
// Appending beyond capacity evicts the oldest turn. Safe for concurrent use.
type Conversation struct {
	mu       sync.RWMutex
	capacity int
	turns    []model.Turn
}

// NewConversation creates an empty conversation. A non-positive capacity
// falls back to DefaultConversationTurns.
func NewConversation(capacity int) *Conversation {
	if capacity <= 0 {
		capacity = DefaultConversationTurns
	}
	return &Conversation{
		capacity: capacity,
		turns:    make([]model.Turn, 0, capacity),
	}
}

// Append adds a turn, evicting the oldest when full.
func (c *Conversation) Append(turn model.Turn) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.turns) == c.capacity {
		copy(c.turns, c.turns[1:])
		c.turns = c.turns[:len(c.turns)-1]
	}
	c.turns = append(c.turns, turn)
}

// Recent returns the remembered turns, oldest first.
// The slice is a copy.
func (c *Conversation) Recent() []model.Turn {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]model.Turn, len(c.turns))
	copy(out, c.turns)
	return out
}

// Clear forgets every turn.
func (c *Conversation) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.turns = c.turns[:0]
}

// Len returns the number of remembered turns.
func (c *Conversation) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.turns)
}

// Capacity returns the maximum number of remembered turns.
func (c *Conversation) Capacity() int {
	return c.capacity
}
