package errs

const (
	ArgsError           = 1001
	BadEnvelopeError    = 1002
	UnknownTypeError    = 1003
	NotJoinedError      = 1004
	UnauthorizedError   = 1101
	RecordNotFoundError = 1201
	UnknownOperation    = 1301
	RelayStoppedError   = 1501
	NotConnectedError   = 1502
	PersistenceError    = 1601
	ServerInternalError = 1500
)

var (
	ErrArgs             = NewCodeError(ArgsError, "invalid arguments")
	ErrBadEnvelope      = NewCodeError(BadEnvelopeError, "malformed envelope")
	ErrUnknownType      = NewCodeError(UnknownTypeError, "unknown message type")
	ErrNotJoined        = NewCodeError(NotJoinedError, "connection is not joined to a project")
	ErrUnauthorized     = NewCodeError(UnauthorizedError, "unauthorized")
	ErrRecordNotFound   = NewCodeError(RecordNotFoundError, "record not found")
	ErrUnknownOperation = NewCodeError(UnknownOperation, "unknown pending operation")
	ErrRelayStopped     = NewCodeError(RelayStoppedError, "relay stopped")
	ErrNotConnected     = NewCodeError(NotConnectedError, "not connected to relay")
	ErrPersistence      = NewCodeError(PersistenceError, "persistence rejected the mutation")
	ErrInternal         = NewCodeError(ServerInternalError, "server internal error")
)
