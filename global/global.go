package global

import (
	"PPSync/global/config"
	"PPSync/logger"
	mwsec "PPSync/middleware/security"
	"PPSync/service/nacos"
	"PPSync/service/natsx"
	"PPSync/service/relay"
	"PPSync/service/storage"
	"PPSync/service/storage/redis"
	"PPSync/tools/ids"
	"context"
	"net"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

func ConfigLog(cfg *config.RelayConfig) {
	if err := logger.SetLevel(cfg.Log.Level); err != nil {
		logger.Warn("[Global] keep log level", zap.Error(err))
	}
}

func ConfigIds(cfg *config.RelayConfig) {
	logger.Info("[Global] id generator", zap.Int64("node", cfg.NodeID))
	ids.SetNodeID(cfg.NodeID)
}

// ConfigIngestAuth returns nil (public route) when no secret is configured.
func ConfigIngestAuth(cfg *config.RelayConfig) gin.HandlerFunc {
	if cfg.Auth.Secret == "" {
		return nil
	}
	opts := mwsec.DefaultOptions([]byte(cfg.Auth.Secret))
	opts.RequiredScope = cfg.Auth.RequiredScope
	return mwsec.Middleware(opts)
}

// ConfigRedis connects and returns the presence mirror; nil when disabled.
func ConfigRedis(ctx context.Context, cfg *config.RelayConfig) (relay.PresenceMirror, error) {
	if !cfg.Redis.Enabled {
		return nil, nil
	}
	if err := redis.InitRedis(ctx, cfg.Redis.Config); err != nil {
		return nil, err
	}
	logger.Info("[Global] redis presence mirror", zap.String("addr", cfg.Redis.Addr), zap.Duration("ttl", cfg.PresenceTTL()))
	return storage.NewPresenceStore(redis.GetRedis(), cfg.PresenceTTL()), nil
}

// ConfigNats subscribes the relay to the broadcast subject; nil when disabled.
func ConfigNats(ctx context.Context, cfg *config.RelayConfig, ing natsx.Ingester) (*natsx.NatsxClient, error) {
	if !cfg.Nats.Enabled {
		return nil, nil
	}
	cli, err := natsx.NewNatsxClient(cfg.Nats.NatsxConfig)
	if err != nil {
		return nil, err
	}
	var idem natsx.IdemStore
	if cfg.Nats.DedupeTTL > 0 {
		idem = natsx.NewMemIdem(ctx, cfg.Nats.DedupeTTL)
	}
	if err := natsx.ServeBroadcast(cli, ing, idem); err != nil {
		_ = cli.Close()
		return nil, err
	}
	return cli, nil
}

func nacosConf(cfg *config.RelayConfig) nacos.Config {
	return nacos.Config{
		Addr:      cfg.Nacos.Addr,
		Port:      cfg.Nacos.Port,
		Namespace: cfg.Nacos.Namespace,
		Username:  cfg.Nacos.Username,
		Password:  cfg.Nacos.Password,
	}
}

// ConfigNacos watches the remote relay document and hands every accepted
// revision to apply. Disabled when nacos.addr is empty.
func ConfigNacos(ctx context.Context, cfg *config.RelayConfig, apply func(config.RelayConfig)) error {
	if cfg.Nacos.Addr == "" {
		return nil
	}
	src, err := nacos.NewConfigClient(nacosConf(cfg))
	if err != nil {
		return err
	}
	base := *cfg
	return nacos.Watch(ctx, src, cfg.Nacos.DataID, cfg.Nacos.Group, func(content string) error {
		next, err := config.Parse([]byte(content), base, nil)
		if err != nil {
			return err
		}
		apply(next)
		return nil
	})
}

// ConfigRegistrar announces the relay's HTTP endpoint when nacos.register is on.
func ConfigRegistrar(cfg *config.RelayConfig) (*nacos.Registrar, error) {
	if cfg.Nacos.Addr == "" || !cfg.Nacos.Register {
		return nil, nil
	}
	_, portStr, err := net.SplitHostPort(cfg.Server.Addr)
	if err != nil {
		return nil, errors.Wrapf(err, "server.addr %q", cfg.Server.Addr)
	}
	port, err := strconv.ParseUint(portStr, 10, 64)
	if err != nil {
		return nil, errors.Wrapf(err, "server.addr port %q", portStr)
	}
	naming, err := nacos.NewNamingClient(nacosConf(cfg))
	if err != nil {
		return nil, err
	}
	r := nacos.NewRegistrar(naming, cfg.Nacos.ServiceName, cfg.Nacos.AdvertiseIP, port, map[string]string{
		"ws":     cfg.Server.WSPath,
		"ingest": "/api/broadcast",
		"grpc":   cfg.GRPC.Addr,
	})
	if err := r.Register(); err != nil {
		return nil, err
	}
	return r, nil
}

// ApplyRuntime pushes the settings that may change while running.
func ApplyRuntime(cfg config.RelayConfig, srv *relay.Server, mon *relay.LivenessMonitor) {
	ConfigLog(&cfg)
	reg := srv.Registry()
	srv.SetAllowedOrigins(cfg.Server.AllowedOrigins)
	reg.SetHeartbeatTimeout(cfg.Liveness.Timeout)
	mon.SetInterval(cfg.Liveness.Interval)
	logger.Info("[Global] runtime config applied",
		zap.Duration("heartbeatInterval", cfg.Liveness.Interval),
		zap.Duration("heartbeatTimeout", cfg.Liveness.Timeout),
		zap.String("logLevel", cfg.Log.Level),
		zap.Strings("allowedOrigins", cfg.Server.AllowedOrigins))
}
