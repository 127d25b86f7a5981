// Package broadcast pushes rebuilt day queues to everyone watching a
// provider's day.
package broadcast

import (
	"strings"

	"github.com/google/uuid"

	"github.com/hackgods/walkin-queue/internal/appointment"
)

const channelPrefix = "queue:"

// Channel is one provider's queue on one day.
type Channel struct {
	ProviderID uuid.UUID
	Day        string
}

// NewChannel truncates day to its first ten characters, so timestamps and
// plain dates name the same channel.
func NewChannel(providerID uuid.UUID, day string) (Channel, error) {
	d, err := appointment.NormalizeDay(day)
	if err != nil {
		return Channel{}, err
	}
	return Channel{ProviderID: providerID, Day: d}, nil
}

// Key is queue:<providerID>:<YYYY-MM-DD>.
func (c Channel) Key() string {
	return channelPrefix + c.ProviderID.String() + ":" + c.Day
}

// ParseKey is the inverse of Key.
func ParseKey(key string) (Channel, bool) {
	rest, ok := strings.CutPrefix(key, channelPrefix)
	if !ok {
		return Channel{}, false
	}
	providerPart, day, ok := strings.Cut(rest, ":")
	if !ok {
		return Channel{}, false
	}
	providerID, err := uuid.Parse(providerPart)
	if err != nil {
		return Channel{}, false
	}
	ch, err := NewChannel(providerID, day)
	if err != nil {
		return Channel{}, false
	}
	return ch, true
}
