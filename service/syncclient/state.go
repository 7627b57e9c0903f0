package syncclient

type State string

const (
	StateDisconnected       State = "DISCONNECTED"
	StateConnecting         State = "CONNECTING"
	StateOpen               State = "OPEN"
	StateIdentified         State = "IDENTIFIED"
	StateRoomJoined         State = "ROOM_JOINED"
	StateReconnectScheduled State = "RECONNECT_SCHEDULED"
	// StateGaveUp is terminal: the attempt cap was reached and no timer is pending.
	StateGaveUp State = "GAVE_UP"
)

// Connected reports whether frames can be written in this state.
func (s State) Connected() bool {
	return s == StateOpen || s == StateIdentified || s == StateRoomJoined
}

type transition struct {
	from, to State
}
