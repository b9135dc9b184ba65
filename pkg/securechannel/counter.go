package securechannel

import (
	"encoding/binary"
	"sync"
)

// InitialCounter is the counter value of the first message after authentication.
const InitialCounter uint32 = 1

// Counter is the per-session message counter. Each command/response pair
// consumes one value, which selects the CBC IV of that pair.
// It is safe for concurrent use.
type Counter struct {
	value     uint32
	exhausted bool
	mu        sync.Mutex
}

// NewCounter creates a counter whose next value is initial.
func NewCounter(initial uint32) *Counter {
	return &Counter{value: initial}
}

// Next returns the next counter value and increments the internal counter.
// Returns ErrCounterExhausted once the value space is used up; a value is
// never handed out twice.
func (c *Counter) Next() (uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.exhausted {
		return 0, ErrCounterExhausted
	}

	current := c.value
	c.value++

	// Wrapped: the next value would repeat an IV.
	if c.value == 0 {
		c.exhausted = true
	}

	return current, nil
}

// Current returns the value the next call to Next will return.
func (c *Counter) Current() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value
}

// IsExhausted returns true if the counter has wrapped.
func (c *Counter) IsExhausted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exhausted
}

// ivInput returns the block encrypted under S-ENC to form the IV for a
// counter value: twelve zero bytes followed by the big-endian counter.
func ivInput(counter uint32) []byte {
	block := make([]byte, 16)
	binary.BigEndian.PutUint32(block[12:], counter)
	return block
}
