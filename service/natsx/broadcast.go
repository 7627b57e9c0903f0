package natsx

import (
	"PPSync/service/protocol"
	"PPSync/tools/errs"
	"context"
	"encoding/json"

	"github.com/pkg/errors"
)

const (
	BizBroadcast     = "relay.broadcast"
	SubjectBroadcast = "relay.broadcast"
	QueueRelay       = "relay"
)

// BroadcastRoute is shared by the relay (consumer) and API processes (producer).
func BroadcastRoute() NatsxRoute {
	return NatsxRoute{Biz: BizBroadcast, Subject: SubjectBroadcast, Queue: QueueRelay}
}

// Ingester is implemented by the relay server.
type Ingester interface {
	Ingest(ctx context.Context, req *protocol.IngestRequest) (*protocol.IngestResponse, error)
}

// BroadcastHandler decodes an IngestRequest and always answers with an
// IngestResponse. On failure the reply carries the error code and the error is
// returned as well, so the attempt is not remembered as done.
func BroadcastHandler(ing Ingester) NatsxHandler {
	return func(ctx context.Context, msg NatsxMessage) ([]byte, error) {
		var req protocol.IngestRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			ce := errs.ErrBadEnvelope.WithDetail(err.Error())
			return failed(protocol.IngestResponse{Error: &ce}, ce.Wrap())
		}
		resp, err := ing.Ingest(ctx, &req)
		if err != nil {
			ce := errs.As(err)
			return failed(protocol.IngestResponse{ProjectID: req.ProjectID, OperationID: req.OperationID, Error: &ce}, err)
		}
		return json.Marshal(resp)
	}
}

func failed(resp protocol.IngestResponse, cause error) ([]byte, error) {
	raw, err := json.Marshal(resp)
	if err != nil {
		return nil, errors.Wrap(err, "marshal ingest response")
	}
	return raw, cause
}

// ServeBroadcast subscribes the relay to the shared broadcast subject.
func ServeBroadcast(c *NatsxClient, ing Ingester, idem IdemStore) error {
	if err := c.RegisterRoute(BroadcastRoute()); err != nil {
		return err
	}
	mws := []NatsxMiddleware{NatsxLogMiddleware()}
	if idem != nil {
		mws = append(mws, NatsxIdemMiddleware(idem, 0))
	}
	return NewNatsxConsumer(c, 0, mws...).Subscribe(BizBroadcast, BroadcastHandler(ing))
}

// BroadcastPublisher is the API-side half: it hands IngestRequests to whichever
// relay instance in the queue group answers first.
type BroadcastPublisher struct {
	p *NatsxProducer
}

func NewBroadcastPublisher(c *NatsxClient) (*BroadcastPublisher, error) {
	if err := c.RegisterRoute(BroadcastRoute()); err != nil {
		return nil, err
	}
	return &BroadcastPublisher{p: NewNatsxProducer(c)}, nil
}

func (b *BroadcastPublisher) Broadcast(ctx context.Context, req *protocol.IngestRequest) (*protocol.IngestResponse, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, errs.ErrArgs.WrapMsg("marshal ingest request", "err", err)
	}
	var hdr map[string]string
	if req.OperationID != "" {
		hdr = map[string]string{HeaderMsgID: req.OperationID}
	}
	raw, err := b.p.Request(ctx, BizBroadcast, data, hdr)
	if err != nil {
		return nil, err
	}
	return DecodeIngestResponse(raw)
}

// DecodeIngestResponse turns an error-carrying response into a Go error.
func DecodeIngestResponse(raw []byte) (*protocol.IngestResponse, error) {
	var resp protocol.IngestResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, errors.Wrap(err, "decode ingest response")
	}
	if resp.Error != nil {
		return &resp, resp.Error.Wrap()
	}
	return &resp, nil
}
