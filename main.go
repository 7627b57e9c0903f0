package main

import (
	"PPSync/global"
	"PPSync/global/config"
	"PPSync/logger"
	"PPSync/service/health"
	"PPSync/service/relay"
	"PPSync/service/storage/redis"
	"PPSync/tools/safe"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/docopt/docopt-go"
	"go.uber.org/zap"
)

const usage = `PPSync relay.

Usage:
  ppsync-relay [--config=<path>]
  ppsync-relay -h | --help

Options:
  --config=<path>  YAML configuration file [default: etc/relay.yaml].
  -h --help        Show this screen.

Every key can be overridden from the environment, e.g. RELAY_SERVER__ADDR=:9090.`

func main() {
	opts, err := docopt.ParseArgs(usage, os.Args[1:], "ppsync-relay 1.0")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	path, _ := opts.String("--config")

	if err := run(path); err != nil {
		logger.Error("[Main] relay exited", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
	logger.Sync()
}

func run(path string) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	global.ConfigLog(&cfg)
	global.ConfigIds(&cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mirror, err := global.ConfigRedis(ctx, &cfg)
	if err != nil {
		return err
	}
	if mirror != nil {
		defer func() { _ = redis.CloseRedis() }()
	}

	reg := relay.NewRegistry(relay.RegistryConf{
		HeartbeatTimeout: cfg.Liveness.Timeout,
		SendQueue:        cfg.Server.SendQueue,
		WriteWait:        cfg.Server.WriteWait,
		Mirror:           mirror,
	})
	defer reg.Stop()

	srv := relay.NewServer(reg, relay.ServerConf{
		WSPath:          cfg.Server.WSPath,
		MaxMessageBytes: cfg.Server.MaxMessageBytes,
		AllowedOrigins:  cfg.Server.AllowedOrigins,
		IngestAuth:      global.ConfigIngestAuth(&cfg),
	})

	mon := relay.NewLivenessMonitor(reg, cfg.Liveness.Interval, nil)
	safe.SafeGo("liveness", func() { mon.Run(ctx) })

	nc, err := global.ConfigNats(ctx, &cfg, srv)
	if err != nil {
		return err
	}
	if nc != nil {
		defer func() { _ = nc.Close() }()
	}

	if err := global.ConfigNacos(ctx, &cfg, func(next config.RelayConfig) {
		global.ApplyRuntime(next, srv, mon)
	}); err != nil {
		logger.Warn("[Main] remote config disabled", zap.Error(err))
	}

	var hs *health.Server
	if cfg.GRPC.Addr != "" {
		lis, err := net.Listen("tcp", cfg.GRPC.Addr)
		if err != nil {
			return err
		}
		hs = health.NewServer()
		safe.SafeGo("grpc-health", func() {
			if err := hs.Serve(lis); err != nil {
				logger.Error("[Main] grpc health stopped", zap.Error(err))
			}
		})
		defer hs.Stop()
	}

	httpSrv := &http.Server{Addr: cfg.Server.Addr, Handler: srv.Router()}
	errCh := make(chan error, 1)
	safe.SafeGo("http", func() {
		logger.Info("[Main] relay listening", zap.String("addr", cfg.Server.Addr), zap.String("ws", cfg.Server.WSPath))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	})

	registrar, err := global.ConfigRegistrar(&cfg)
	if err != nil {
		logger.Warn("[Main] nacos registration skipped", zap.Error(err))
	}
	if hs != nil {
		hs.SetServing(true)
	}

	select {
	case <-ctx.Done():
		logger.Info("[Main] shutting down")
	case err := <-errCh:
		return err
	}

	if hs != nil {
		hs.SetServing(false)
	}
	if registrar != nil {
		if err := registrar.Deregister(); err != nil {
			logger.Warn("[Main] nacos deregister", zap.Error(err))
		}
	}
	sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	return httpSrv.Shutdown(sctx)
}
