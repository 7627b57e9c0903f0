package natsx

import (
	"PPSync/logger"
	"context"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

type NatsxConsumer struct {
	c       *NatsxClient
	mws     []NatsxMiddleware
	timeout time.Duration
}

// NewNatsxConsumer gives every handler call a deadline of timeout (default 5s).
func NewNatsxConsumer(c *NatsxClient, timeout time.Duration, mws ...NatsxMiddleware) *NatsxConsumer {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &NatsxConsumer{c: c, mws: mws, timeout: timeout}
}

// Subscribe attaches h to the route registered for biz.
func (cs *NatsxConsumer) Subscribe(biz string, h NatsxHandler) error {
	r, ok := cs.c.route(biz)
	if !ok {
		return errors.Errorf("route not found: %s", biz)
	}
	h = NatsxChain(h, cs.mws...)

	cb := func(m *nats.Msg) {
		ctx, cancel := context.WithTimeout(context.Background(), cs.timeout)
		defer cancel()
		reply, _ := h(ctx, NatsxMessage{
			Subject: m.Subject,
			Reply:   m.Reply,
			Data:    append([]byte(nil), m.Data...),
			Header:  headerToMap(m.Header),
		})
		// a failed handler may still carry an answer for the requester
		if m.Reply == "" || reply == nil {
			return
		}
		if rerr := m.Respond(reply); rerr != nil {
			logger.Warn("[NATS] respond failed", zap.String("subject", m.Subject), zap.Error(rerr))
		}
	}

	var (
		sub *nats.Subscription
		err error
	)
	if r.Queue == "" {
		sub, err = cs.c.nc.Subscribe(r.Subject, cb)
	} else {
		sub, err = cs.c.nc.QueueSubscribe(r.Subject, r.Queue, cb)
	}
	if err != nil {
		return errors.Wrapf(err, "subscribe %s", r.Subject)
	}
	_ = sub.SetPendingLimits(1_000_000, 64*1024*1024)
	cs.c.mu.Lock()
	cs.c.subs[biz] = sub
	cs.c.mu.Unlock()
	logger.Info("[NATS] subscribed", zap.String("biz", biz), zap.String("subject", r.Subject), zap.String("queue", r.Queue))
	return nil
}

func headerToMap(h nats.Header) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		if len(v) > 0 {
			out[k] = v[0]
		}
	}
	return out
}
