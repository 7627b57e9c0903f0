package ids

import (
	"crypto/rand"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// TempPrefix marks identifiers synthesized locally before the backend assigns one.
const TempPrefix = "temp-"

// ClientID returns a relay-unique connection id.
func ClientID() string {
	return GenerateString()
}

// OperationID returns a fresh correlation token for an optimistic mutation or a
// server-originated broadcast.
func OperationID() string {
	return uuid.NewString()
}

// TempID returns a sortable temporary entity id, e.g. "temp-01HV...".
func TempID() string {
	return TempPrefix + ulid.MustNew(ulid.Now(), rand.Reader).String()
}

// IsTemp reports whether id was produced by TempID.
func IsTemp(id string) bool {
	return len(id) > len(TempPrefix) && id[:len(TempPrefix)] == TempPrefix
}
