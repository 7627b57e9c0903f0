package protocol

import (
	"PPSync/tools/errs"
	"encoding/json"
	"strings"
)

// ConnectionEstablished is the first frame a relay sends on a new socket.
type ConnectionEstablished struct {
	ClientID   string `json:"clientId"`
	ServerTime int64  `json:"serverTime"`
}

type SetUser struct {
	UserID string `json:"userId"`
}

// RoomRequest is the optional payload of JOIN_PROJECT / LEAVE_PROJECT when the
// envelope's projectId is not set.
type RoomRequest struct {
	ProjectID string `json:"projectId"`
}

// PresenceEntry is one connection in a room; two tabs of one user are two entries.
type PresenceEntry struct {
	UserID   string `json:"userId,omitempty"`
	ClientID string `json:"clientId"`
	JoinedAt int64  `json:"joinedAt"`
}

// Presence is the full room snapshot carried by USER_PRESENCE.
// Count always equals len(ActiveUsers).
type Presence struct {
	ProjectID   string          `json:"projectId"`
	ActiveUsers []PresenceEntry `json:"activeUsers"`
	Count       int             `json:"count"`
}

func NewPresence(projectID string, entries []PresenceEntry) Presence {
	if entries == nil {
		entries = []PresenceEntry{}
	}
	return Presence{ProjectID: projectID, ActiveUsers: entries, Count: len(entries)}
}

// EntityChange is the payload of *_UPDATE (ID + Changes) and *_DELETE (ID only).
// *_CREATE carries the entity object itself.
type EntityChange struct {
	ID      string         `json:"id"`
	Changes map[string]any `json:"changes,omitempty"`
}

// IngestRequest is accepted from processes that are not live connections, e.g.
// after a persistence write succeeded. Producers may set Payload to any
// encodable value; a decoded request holds the payload as json.RawMessage so
// it is forwarded byte for byte.
type IngestRequest struct {
	Type            MessageType `json:"type"`
	Payload         any         `json:"payload"`
	ProjectID       string      `json:"projectId"`
	OperationID     string      `json:"operationId"`
	Timestamp       int64       `json:"timestamp"`
	UserID          string      `json:"userId,omitempty"`
	ExcludeClientID string      `json:"excludeClientId,omitempty"`
}

func (r *IngestRequest) UnmarshalJSON(data []byte) error {
	type plain IngestRequest
	var aux struct {
		plain
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*r = IngestRequest(aux.plain)
	r.Payload = nil
	if len(aux.Payload) > 0 {
		r.Payload = aux.Payload
	}
	return nil
}

// Validate rejects requests that cannot be routed to a room.
func (r *IngestRequest) Validate() error {
	if r == nil {
		return errs.ErrArgs.WrapMsg("request is nil")
	}
	var problems []string
	if r.Type == "" {
		problems = append(problems, "type is empty")
	} else if !r.Type.Known() {
		return errs.ErrUnknownType.WrapMsg("", "type", r.Type)
	} else if !r.Type.Broadcastable() {
		problems = append(problems, "type "+string(r.Type)+" cannot be broadcast")
	}
	if strings.TrimSpace(r.ProjectID) == "" {
		problems = append(problems, "projectId is empty")
	}
	if len(problems) > 0 {
		return errs.ErrArgs.WrapMsg(strings.Join(problems, "; "))
	}
	return nil
}

// Envelope fills missing correlation fields and converts r to the wire frame.
func (r *IngestRequest) Envelope() (*Envelope, error) {
	env, err := New(r.Type, r.ProjectID, r.Payload)
	if err != nil {
		return nil, err
	}
	if r.OperationID != "" {
		env.OperationID = r.OperationID
	}
	if r.Timestamp != 0 {
		env.Timestamp = r.Timestamp
	}
	env.UserID = r.UserID
	return env, nil
}

type IngestResponse struct {
	Success     bool            `json:"success"`
	Delivered   int             `json:"delivered"`
	ProjectID   string          `json:"projectId,omitempty"`
	OperationID string          `json:"operationId,omitempty"`
	Error       *errs.CodeError `json:"error,omitempty"`
}
