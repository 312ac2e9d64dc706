package sharedws

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

// ConsumerInfo is the public view of a registered consumer.
type ConsumerInfo struct {
	ID               string    `json:"id"`
	FirstConnectedAt time.Time `json:"firstConnectedAt"`
	LastActiveAt     time.Time `json:"lastActiveAt"`
}

// ConsumerRegistration is the broker-side record of one consumer. Its mutable fields are guarded by
// the broker lock; the heartbeat timer is owned by the broker.
type ConsumerRegistration struct {
	ID               string
	FirstConnectedAt time.Time

	lastActiveAt time.Time
	port         Port
	heartbeat    Timer
}

func (c *ConsumerRegistration) info() ConsumerInfo {
	return ConsumerInfo{
		ID:               c.ID,
		FirstConnectedAt: c.FirstConnectedAt,
		LastActiveAt:     c.lastActiveAt,
	}
}

// newConsumerID returns an opaque unique id. Uniqueness is all that matters.
func newConsumerID() string {
	return uuid.NewString()
}

func sortConsumers(list []ConsumerInfo) {
	sort.Slice(list, func(i, j int) bool {
		if list[i].FirstConnectedAt.Equal(list[j].FirstConnectedAt) {
			return list[i].ID < list[j].ID
		}
		return list[i].FirstConnectedAt.Before(list[j].FirstConnectedAt)
	})
}
