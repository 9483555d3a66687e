package storage

import (
	"fmt"
	"sync"

	"github.com/xilidan/relay/services/relay/entity"
)

// DefaultTimestampScale converts platform timestamps to seconds.
const DefaultTimestampScale = 1_000_000

// Clock turns raw platform timestamps into offsets relative to the first timestamp seen per session.
type Clock struct {
	scale float64

	mu      sync.Mutex
	origins map[string]int64
}

func NewClock(scale float64) *Clock {
	if scale <= 0 {
		scale = DefaultTimestampScale
	}
	return &Clock{
		scale:   scale,
		origins: make(map[string]int64),
	}
}

// Origin records raw as the time origin of id. Later calls for the same id are no-ops.
func (c *Clock) Origin(id string, raw int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.origins[id]; !ok {
		c.origins[id] = raw
	}
}

func (c *Clock) Relative(id string, raw int64) (float64, error) {
	c.mu.Lock()
	origin, ok := c.origins[id]
	c.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("%w: %s", entity.ErrUnknownSession, id)
	}
	return float64(raw-origin) / c.scale, nil
}

func (c *Clock) Forget(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.origins, id)
}
