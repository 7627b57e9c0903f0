package protocol

import "strings"

// MessageType is the closed set of envelope tags. Values outside the set are
// accepted on the wire and reported as unknown so newer peers stay compatible.
type MessageType string

const (
	TypeSetUser               MessageType = "SET_USER"
	TypeJoinProject           MessageType = "JOIN_PROJECT"
	TypeLeaveProject          MessageType = "LEAVE_PROJECT"
	TypeTaskCreate            MessageType = "TASK_CREATE"
	TypeTaskUpdate            MessageType = "TASK_UPDATE"
	TypeTaskDelete            MessageType = "TASK_DELETE"
	TypeCommentCreate         MessageType = "COMMENT_CREATE"
	TypeCommentUpdate         MessageType = "COMMENT_UPDATE"
	TypeCommentDelete         MessageType = "COMMENT_DELETE"
	TypeProjectUpdate         MessageType = "PROJECT_UPDATE"
	TypeProjectDelete         MessageType = "PROJECT_DELETE"
	TypeUserPresence          MessageType = "USER_PRESENCE"
	TypeConnectionEstablished MessageType = "CONNECTION_ESTABLISHED"
	TypeError                 MessageType = "ERROR"
)

// EntityKind names a replicated record family.
type EntityKind string

const (
	KindTask    EntityKind = "task"
	KindComment EntityKind = "comment"
	KindProject EntityKind = "project"
)

// Action is the mutation verb carried by an entity message type.
type Action string

const (
	ActionCreate Action = "CREATE"
	ActionUpdate Action = "UPDATE"
	ActionDelete Action = "DELETE"
)

var knownTypes = map[MessageType]struct{}{
	TypeSetUser:               {},
	TypeJoinProject:           {},
	TypeLeaveProject:          {},
	TypeTaskCreate:            {},
	TypeTaskUpdate:            {},
	TypeTaskDelete:            {},
	TypeCommentCreate:         {},
	TypeCommentUpdate:         {},
	TypeCommentDelete:         {},
	TypeProjectUpdate:         {},
	TypeProjectDelete:         {},
	TypeUserPresence:          {},
	TypeConnectionEstablished: {},
	TypeError:                 {},
}

func (t MessageType) Known() bool {
	_, ok := knownTypes[t]
	return ok
}

// Mutation splits an entity message type into its kind and action.
// ok is false for handshake, presence and unknown types.
func (t MessageType) Mutation() (kind EntityKind, action Action, ok bool) {
	if !t.Known() {
		return "", "", false
	}
	prefix, verb, found := strings.Cut(string(t), "_")
	if !found {
		return "", "", false
	}
	switch prefix {
	case "TASK":
		kind = KindTask
	case "COMMENT":
		kind = KindComment
	case "PROJECT":
		kind = KindProject
	default:
		return "", "", false
	}
	return kind, Action(verb), true
}

// IsMutation reports whether t describes a change to a replicated entity.
func (t MessageType) IsMutation() bool {
	_, _, ok := t.Mutation()
	return ok
}

// Broadcastable reports whether an outside process may fan t out to a room.
// Only entity changes qualify: presence is produced by the registry itself and
// ERROR goes to one connection.
func (t MessageType) Broadcastable() bool {
	return t.IsMutation()
}

// MutationType builds the message type for kind and action, e.g. TASK_UPDATE.
// Projects are created outside the realtime channel, so PROJECT_CREATE is unknown.
func MutationType(kind EntityKind, action Action) (MessageType, bool) {
	t := MessageType(strings.ToUpper(string(kind)) + "_" + string(action))
	if !t.IsMutation() {
		return "", false
	}
	return t, true
}
