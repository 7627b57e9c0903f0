package relay

import (
	"PPSync/middleware/security"
	"PPSync/service/protocol"
	"PPSync/tools/errs"
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestIngestClientDelivers(t *testing.T) {
	tr := startRelay(t, ServerConf{})
	a, aID := tr.dial(t)
	identifyAndJoin(t, a, "alice", "p1")
	b, _ := tr.dial(t)
	identifyAndJoin(t, b, "bob", "p1")

	cli := NewIngestClient(tr.http.URL + "/")
	resp, err := cli.Broadcast(context.Background(), &protocol.IngestRequest{
		Type:            protocol.TypeTaskDelete,
		ProjectID:       "p1",
		OperationID:     "op-9",
		Payload:         protocol.EntityChange{ID: "task-1"},
		ExcludeClientID: aID,
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, resp.Delivered, 1)
	assert.Equal(t, resp.OperationID, "op-9")

	got := readNonPresence(t, b)
	assert.Equal(t, got.Type, protocol.TypeTaskDelete)
	assert.Equal(t, got.OperationID, "op-9")
}

func TestIngestClientSurfacesErrors(t *testing.T) {
	tr := startRelay(t, ServerConf{})
	cli := NewIngestClient(tr.http.URL)

	_, err := cli.Broadcast(context.Background(), &protocol.IngestRequest{Type: protocol.TypeTaskDelete})
	assert.Equal(t, errors.Is(err, errs.ErrArgs), true)
}

func TestIngestClientSignsTokens(t *testing.T) {
	opts := security.DefaultOptions([]byte("k"))
	opts.RequiredScope = "broadcast"
	tr := startRelay(t, ServerConf{IngestAuth: security.Middleware(opts)})
	req := &protocol.IngestRequest{Type: protocol.TypeProjectDelete, ProjectID: "p1", Payload: protocol.EntityChange{ID: "p1"}}

	_, err := NewIngestClient(tr.http.URL).Broadcast(context.Background(), req)
	assert.Equal(t, errors.Is(err, errs.ErrUnauthorized), true)

	signed := NewIngestClient(tr.http.URL, WithToken(opts.JWT, "persistence", "broadcast"), WithHTTPClient(http.DefaultClient))
	resp, err := signed.Broadcast(context.Background(), req)
	assert.Equal(t, err, nil)
	assert.Equal(t, resp.Success, true)
}
