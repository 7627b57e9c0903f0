package protocol

import (
	"PPSync/tools/errs"
	"PPSync/tools/ids"
	"bytes"
	"encoding/json"
	"time"
)

// Envelope is the JSON frame exchanged over the socket and the ingestion path.
// Ordering is per connection only.
type Envelope struct {
	Type        MessageType     `json:"type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	ProjectID   string          `json:"projectId,omitempty"`
	OperationID string          `json:"operationId"`
	Timestamp   int64           `json:"timestamp"`
	UserID      string          `json:"userId,omitempty"`
}

// New builds an envelope with a fresh operation id and the current time.
func New(t MessageType, projectID string, payload any) (*Envelope, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		Type:        t,
		Payload:     raw,
		ProjectID:   projectID,
		OperationID: ids.OperationID(),
		Timestamp:   NowMillis(),
	}, nil
}

// NewError builds the ERROR envelope answering a protocol failure.
func NewError(ce errs.CodeError, operationID string) *Envelope {
	raw, _ := json.Marshal(ce)
	if operationID == "" {
		operationID = ids.OperationID()
	}
	return &Envelope{
		Type:        TypeError,
		Payload:     raw,
		OperationID: operationID,
		Timestamp:   NowMillis(),
	}
}

// Parse decodes one frame. Unknown types are returned as-is; only frames that are
// not JSON objects or carry no type are rejected with errs.ErrBadEnvelope.
func Parse(raw []byte) (*Envelope, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, errs.ErrBadEnvelope.WrapMsg("empty frame")
	}
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, errs.ErrBadEnvelope.WrapMsg(err.Error())
	}
	if env.Type == "" {
		return nil, errs.ErrBadEnvelope.WrapMsg("type is empty")
	}
	return &env, nil
}

func (e *Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// DecodePayload unmarshals the payload into v.
func (e *Envelope) DecodePayload(v any) error {
	if len(e.Payload) == 0 || bytes.Equal(e.Payload, []byte("null")) {
		return errs.ErrBadEnvelope.WrapMsg("payload is empty", "type", e.Type)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return errs.ErrBadEnvelope.WrapMsg(err.Error(), "type", e.Type)
	}
	return nil
}

func NowMillis() int64 {
	return time.Now().UnixMilli()
}

func marshalPayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	case []byte:
		return json.RawMessage(p), nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, errs.ErrArgs.WrapMsg("payload not encodable", "err", err)
	}
	return raw, nil
}
