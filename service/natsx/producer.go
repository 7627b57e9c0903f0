package natsx

import (
	"context"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
)

type NatsxProducer struct {
	c       *NatsxClient
	Retries int
	Backoff time.Duration
}

func NewNatsxProducer(c *NatsxClient) *NatsxProducer {
	return &NatsxProducer{c: c, Retries: 2, Backoff: 200 * time.Millisecond}
}

func newMsg(subject string, data []byte, hdr map[string]string) *nats.Msg {
	msg := nats.NewMsg(subject)
	msg.Data = data
	for k, v := range hdr {
		msg.Header.Add(k, v)
	}
	return msg
}

// Publish is fire-and-forget on the route's subject.
func (p *NatsxProducer) Publish(biz string, data []byte, hdr map[string]string) error {
	r, ok := p.c.route(biz)
	if !ok {
		return errors.Errorf("route not found: %s", biz)
	}
	if err := p.c.nc.PublishMsg(newMsg(r.Subject, data, hdr)); err != nil {
		return errors.Wrapf(err, "publish %s", r.Subject)
	}
	return nil
}

// Request sends data and waits for one reply. "No responders" and timeouts are
// retried; the same header travels with every attempt so consumers can dedupe.
func (p *NatsxProducer) Request(ctx context.Context, biz string, data []byte, hdr map[string]string) ([]byte, error) {
	r, ok := p.c.route(biz)
	if !ok {
		return nil, errors.Errorf("route not found: %s", biz)
	}
	var err error
	for i := 0; i <= p.Retries; i++ {
		var resp *nats.Msg
		resp, err = p.c.nc.RequestMsgWithContext(ctx, newMsg(r.Subject, data, hdr))
		if err == nil {
			return resp.Data, nil
		}
		if !errors.Is(err, nats.ErrNoResponders) && !errors.Is(err, nats.ErrTimeout) {
			break
		}
		select {
		case <-ctx.Done():
			return nil, errors.Wrapf(ctx.Err(), "request %s", r.Subject)
		case <-time.After(p.Backoff):
		}
	}
	return nil, errors.Wrapf(err, "request %s", r.Subject)
}
