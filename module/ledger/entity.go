package ledger

import (
	"PPSync/tools/decode"
	"encoding/json"
)

// Entity is a replicated record as it travels on the wire: a JSON object whose
// "id" field is the identifier.
type Entity map[string]any

const idField = "id"

func (e Entity) ID() string {
	id, err := decode.ReadString(e, idField)
	if err != nil {
		return ""
	}
	return id
}

// Clone deep-copies maps and slices so snapshots never alias live state.
func (e Entity) Clone() Entity {
	if e == nil {
		return nil
	}
	return cloneValue(map[string]any(e)).(map[string]any)
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case Entity:
		return Entity(cloneValue(map[string]any(t)).(map[string]any))
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, vv := range t {
			out[k] = cloneValue(vv)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, vv := range t {
			out[i] = cloneValue(vv)
		}
		return out
	default:
		return v
	}
}

// merge applies a shallow patch; the id is never overwritten.
func (e Entity) merge(patch map[string]any) {
	for k, v := range patch {
		if k == idField {
			continue
		}
		e[k] = cloneValue(v)
	}
}

// EntityFrom decodes a JSON object payload.
func EntityFrom(raw json.RawMessage) (Entity, error) {
	var e Entity
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, err
	}
	return e, nil
}
