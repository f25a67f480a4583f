package connection

import (
	"fmt"

	"github.com/rcarmo/rdpconnect/internal/settings"
)

// RosterChannel is one static virtual channel and its MCS ID.
type RosterChannel struct {
	Name    string
	Options uint32
	ID      uint16
	Joined  bool
}

// Roster tracks the MCS channels of a session and their join state. Join
// order is user, global, message (when present), then static channels.
type Roster struct {
	UserID    uint16
	GlobalID  uint16
	MessageID uint16
	Channels  []RosterChannel

	joined map[uint16]bool
}

func newRoster(channels []settings.Channel) Roster {
	r := Roster{joined: make(map[uint16]bool)}

	for _, ch := range channels {
		r.Channels = append(r.Channels, RosterChannel{Name: ch.Name, Options: ch.Options})
	}

	return r
}

// Order returns the channel IDs in join order.
func (r *Roster) Order() []uint16 {
	ids := []uint16{r.UserID, r.GlobalID}

	if r.MessageID != 0 {
		ids = append(ids, r.MessageID)
	}

	for _, ch := range r.Channels {
		ids = append(ids, ch.ID)
	}

	return ids
}

// Next returns the first channel not yet joined.
func (r *Roster) Next() (uint16, bool) {
	for _, id := range r.Order() {
		if !r.joined[id] {
			return id, true
		}
	}

	return 0, false
}

func (r *Roster) Contains(id uint16) bool {
	for _, known := range r.Order() {
		if known == id {
			return true
		}
	}

	return false
}

// MarkJoined flips the joined flag of id. A second call for the same
// channel is an error.
func (r *Roster) MarkJoined(id uint16) error {
	if !r.Contains(id) {
		return fmt.Errorf("%w: channel %d is not in the roster", ErrProtocolSequence, id)
	}

	if r.joined[id] {
		return fmt.Errorf("%w: channel %d already joined", ErrProtocolSequence, id)
	}

	r.joined[id] = true

	for i := range r.Channels {
		if r.Channels[i].ID == id {
			r.Channels[i].Joined = true
		}
	}

	return nil
}

// JoinAll marks every channel joined, for the skip channel join path.
func (r *Roster) JoinAll() {
	for _, id := range r.Order() {
		r.joined[id] = true
	}

	for i := range r.Channels {
		r.Channels[i].Joined = true
	}
}

func (r *Roster) Complete() bool {
	_, pending := r.Next()

	return !pending
}

func (r *Roster) Joined(id uint16) bool {
	return r.joined[id]
}

// Lookup returns the static channel with id.
func (r *Roster) Lookup(id uint16) (*RosterChannel, bool) {
	for i := range r.Channels {
		if r.Channels[i].ID == id {
			return &r.Channels[i], true
		}
	}

	return nil, false
}

func (r *Roster) isMessage(id uint16) bool {
	return r.MessageID != 0 && id == r.MessageID
}
