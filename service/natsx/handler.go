package natsx

import (
	"PPSync/logger"
	"context"
	"time"

	"go.uber.org/zap"
)

type NatsxMessage struct {
	Subject string
	Reply   string
	Data    []byte
	Header  map[string]string
}

// NatsxHandler processes one message. A non-nil reply is sent back when the
// message came in as a request, also when err is set.
type NatsxHandler func(ctx context.Context, msg NatsxMessage) (reply []byte, err error)

type NatsxMiddleware func(NatsxHandler) NatsxHandler

// NatsxChain applies mws so that mws[0] runs first.
func NatsxChain(h NatsxHandler, mws ...NatsxMiddleware) NatsxHandler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

func NatsxLogMiddleware() NatsxMiddleware {
	return func(next NatsxHandler) NatsxHandler {
		return func(ctx context.Context, msg NatsxMessage) ([]byte, error) {
			start := time.Now()
			reply, err := next(ctx, msg)
			fields := []zap.Field{
				zap.String("subject", msg.Subject),
				zap.Int("bytes", len(msg.Data)),
				zap.Duration("cost", time.Since(start)),
			}
			if err != nil {
				logger.Warn("[NATS] handler failed", append(fields, zap.Error(err))...)
			} else {
				logger.Debug("[NATS] handled", fields...)
			}
			return reply, err
		}
	}
}
