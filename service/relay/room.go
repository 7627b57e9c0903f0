package relay

import (
	"PPSync/service/protocol"
)

// room is the ordered member index of one project; members keep join order.
type room struct {
	projectID string
	members   []*Conn
}

func (r *room) add(c *Conn) {
	r.members = append(r.members, c)
}

func (r *room) remove(c *Conn) bool {
	for i, m := range r.members {
		if m == c {
			r.members = append(r.members[:i], r.members[i+1:]...)
			return true
		}
	}
	return false
}

func (r *room) presence() protocol.Presence {
	entries := make([]protocol.PresenceEntry, 0, len(r.members))
	for _, m := range r.members {
		entries = append(entries, protocol.PresenceEntry{
			UserID:   m.UserID,
			ClientID: m.ClientID,
			JoinedAt: m.JoinedAt.UnixMilli(),
		})
	}
	return protocol.NewPresence(r.projectID, entries)
}
