// Package uniqueid implements pgdog.unique_id(): a Snowflake-style
// 64-bit identifier combining a millisecond timestamp, a per-process
// instance id, and a monotonic per-millisecond counter.
package uniqueid

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	timestampBits = 41
	instanceBits  = 10
	counterBits   = 12

	maxCounter  = 1<<counterBits - 1
	maxInstance = 1<<instanceBits - 1

	instanceShift  = counterBits
	timestampShift = counterBits + instanceBits

	// epoch anchors the 41-bit millisecond timestamp field so it
	// doesn't roll over for roughly 69 years from this date.
	epochMillis = 1704067200000 // 2024-01-01T00:00:00Z
)

// Generator produces unique 64-bit ids for one process.
type Generator struct {
	mu         sync.Mutex
	instanceID int64
	lastMillis int64
	counter    int64
}

// New derives a generator with an instance id taken from the first two
// bytes of a fresh random UUID (masked to 10 bits), so independent
// processes don't need to coordinate instance-id assignment.
func New() *Generator {
	id := uuid.New()
	instance := int64(id[0])<<8 | int64(id[1])
	return &Generator{instanceID: instance & maxInstance}
}

// NewWithInstanceID builds a generator with an explicit instance id,
// for admin deployments that pin instance ids across a fixed fleet.
func NewWithInstanceID(instanceID int64) (*Generator, error) {
	if instanceID < 0 || instanceID > maxInstance {
		return nil, fmt.Errorf("instance id %d out of range [0,%d]", instanceID, maxInstance)
	}
	return &Generator{instanceID: instanceID}, nil
}

// Next returns the next unique id, blocking up to 1ms if the
// per-millisecond counter has been exhausted.
func (g *Generator) Next() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now().UnixMilli() - epochMillis
	if now < g.lastMillis {
		now = g.lastMillis
	}
	if now == g.lastMillis {
		g.counter = (g.counter + 1) & maxCounter
		if g.counter == 0 {
			for now <= g.lastMillis {
				now = time.Now().UnixMilli() - epochMillis
			}
		}
	} else {
		g.counter = 0
	}
	g.lastMillis = now

	return now<<timestampShift | g.instanceID<<instanceShift | g.counter
}

// InstanceID returns the generator's instance id component.
func (g *Generator) InstanceID() int64 {
	return g.instanceID
}
