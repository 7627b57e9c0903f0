package main

import (
	"PPSync/logger"
	"PPSync/module/ledger"
	"PPSync/module/session"
	"PPSync/service/health"
	"PPSync/service/natsx"
	"PPSync/service/pgstore"
	"PPSync/service/protocol"
	"PPSync/service/relay"
	"PPSync/service/syncclient"
	"PPSync/tools"
	"PPSync/tools/security"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"go.uber.org/zap"
)

const RelaySimVersion = "0.1.0"

func main() {
	usage := `Relay simulator.

Usage:
    relaysim watch --url=<ws_url> --project=<project_id> [--user=<user_id>]
        [--dsn=<dsn>] [--attempts=<n>] [--header=<kv>]
    relaysim publish --project=<project_id> --type=<type> [--payload=<json>]
        (--http=<base_url> | --nats=<servers>) [--secret=<secret>] [--user=<user_id>]
    relaysim mutate <kind> <action> --project=<project_id> --dsn=<dsn>
        [--id=<entity_id>] [--data=<json>]
        [--http=<base_url> | --nats=<servers>] [--secret=<secret>] [--user=<user_id>]
    relaysim migrate --dsn=<dsn>
    relaysim health --grpc=<addr> [--service=<name>]
    relaysim -h | --help
    relaysim --version

Options:
    -h --help               Show this screen.
    --version               Show version.
    --url=<ws_url>          Relay websocket url, e.g. ws://127.0.0.1:8080/ws
    --project=<project_id>  Project room.
    --user=<user_id>        Identity announced with SET_USER [default: relaysim].
    --dsn=<dsn>             Postgres connection string for the reference store.
    --attempts=<n>          Reconnect attempts before giving up [default: 5].
    --header=<kv>           Extra dial headers, e.g. Authorization=Bearer x,X-Tab=2
    --type=<type>           Envelope type, e.g. TASK_UPDATE.
    --payload=<json>        Envelope payload [default: {}].
    --http=<base_url>       Relay HTTP base url for ingestion.
    --nats=<servers>        Comma separated NATS servers for ingestion.
    --secret=<secret>       Sign an ingestion token with this HMAC secret.
    --id=<entity_id>        Entity id for update and delete.
    --data=<json>           Entity fields for create, patch for update [default: {}].
    --grpc=<addr>           Relay gRPC health address.
    --service=<name>        Health service name [default: ppsync.Relay].

Environment:
    RELAYSIM_DSN                 fallback for --dsn
    RELAYSIM_RECONNECT_INTERVAL  wait between reconnect attempts, 3s when unset`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], RelaySimVersion)
	if err != nil {
		panic(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if watch_, _ := opts.Bool("watch"); watch_ {
		err = watch(ctx, opts)
	} else if publish_, _ := opts.Bool("publish"); publish_ {
		err = publish(ctx, opts)
	} else if mutate_, _ := opts.Bool("mutate"); mutate_ {
		err = mutate(ctx, opts)
	} else if migrate_, _ := opts.Bool("migrate"); migrate_ {
		err = migrate(ctx, opts)
	} else if health_, _ := opts.Bool("health"); health_ {
		err = checkHealth(ctx, opts)
	}
	logger.Sync()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func str(opts docopt.Opts, key string) string {
	v, _ := opts.String(key)
	return v
}

func dsn(opts docopt.Opts) string {
	if v := str(opts, "--dsn"); v != "" {
		return v
	}
	return tools.GetEnv("RELAYSIM_DSN", "")
}

// watch joins a room and prints every change until interrupted.
func watch(ctx context.Context, opts docopt.Opts) error {
	attempts, err := opts.Int("--attempts")
	if err != nil {
		return err
	}
	store := ledger.NewStore()
	project := str(opts, "--project")
	if conn := dsn(opts); conn != "" {
		pool, err := pgstore.Connect(ctx, conn)
		if err != nil {
			return err
		}
		defer pool.Close()
		if err := pgstore.New(pool).Hydrate(ctx, store, project); err != nil {
			return err
		}
	}
	rec := ledger.NewReconciler(ledger.New(store))

	header := http.Header{}
	for k, v := range tools.ParseHdr(str(opts, "--header")) {
		header.Set(k, v)
	}

	done := make(chan struct{})
	cm := syncclient.NewConnMgr(syncclient.Options{
		URL:                  str(opts, "--url"),
		UserID:               str(opts, "--user"),
		MaxReconnectAttempts: attempts,
		ReconnectInterval:    tools.GetEnvDuration("RELAYSIM_RECONNECT_INTERVAL", 3*time.Second),
		Header:               header,
		OnStateChange: func(from, to syncclient.State) {
			logger.Info("[Sim] state", zap.String("from", string(from)), zap.String("to", string(to)))
			if to == syncclient.StateGaveUp {
				close(done)
			}
		},
		Handler: syncclient.HandlerFunc(func(env *protocol.Envelope) {
			rec.Handle(env)
			printEnvelope(store, env)
		}),
	})
	if err := cm.Join(project); err != nil {
		return err
	}
	if err := cm.Start(ctx); err != nil {
		return err
	}
	defer cm.Stop()

	select {
	case <-ctx.Done():
	case <-done:
		return fmt.Errorf("gave up after %d attempts", attempts)
	}
	return nil
}

func printEnvelope(store *ledger.Store, env *protocol.Envelope) {
	switch env.Type {
	case protocol.TypeUserPresence:
		p, _ := store.Presence(env.ProjectID)
		users := make([]string, 0, len(p.ActiveUsers))
		for _, u := range p.ActiveUsers {
			users = append(users, u.UserID+"/"+u.ClientID)
		}
		fmt.Printf("presence %s (%d): %s\n", env.ProjectID, p.Count, strings.Join(users, ", "))
	case protocol.TypeConnectionEstablished:
		fmt.Printf("connected\n")
	default:
		fmt.Printf("%s %s op=%s %s\n", env.Type, env.ProjectID, env.OperationID, env.Payload)
		if kind, _, ok := env.Type.Mutation(); ok {
			fmt.Printf("  %s now: %d\n", kind, len(store.List(kind)))
		}
	}
}

// publisher returns the ingestion path named on the command line and a closer.
func publisher(opts docopt.Opts) (session.Publisher, func(), error) {
	if servers := str(opts, "--nats"); servers != "" {
		cli, err := natsx.NewNatsxClient(natsx.NatsxConfig{
			Servers: strings.Split(servers, ","),
			Name:    "relaysim",
			Timeout: 5 * time.Second,
		})
		if err != nil {
			return nil, nil, err
		}
		pub, err := natsx.NewBroadcastPublisher(cli)
		if err != nil {
			_ = cli.Close()
			return nil, nil, err
		}
		return pub, func() { _ = cli.Close() }, nil
	}
	if base := str(opts, "--http"); base != "" {
		var copts []relay.IngestClientOption
		if secret := str(opts, "--secret"); secret != "" {
			copts = append(copts, relay.WithToken(security.DefaultOptions([]byte(secret)), "relaysim", "broadcast"))
		}
		return relay.NewIngestClient(base, copts...), func() {}, nil
	}
	return nil, func() {}, nil
}

func publish(ctx context.Context, opts docopt.Opts) error {
	var payload any
	if err := json.Unmarshal([]byte(str(opts, "--payload")), &payload); err != nil {
		return fmt.Errorf("--payload: %w", err)
	}
	pub, closeFn, err := publisher(opts)
	if err != nil {
		return err
	}
	defer closeFn()

	resp, err := pub.Broadcast(ctx, &protocol.IngestRequest{
		Type:      protocol.MessageType(str(opts, "--type")),
		Payload:   payload,
		ProjectID: str(opts, "--project"),
		UserID:    str(opts, "--user"),
	})
	if err != nil {
		return err
	}
	fmt.Printf("delivered %d (operationId %s)\n", resp.Delivered, resp.OperationID)
	return nil
}

// mutate runs one change through the full optimistic path against postgres.
func mutate(ctx context.Context, opts docopt.Opts) error {
	kind := protocol.EntityKind(strings.ToLower(str(opts, "<kind>")))
	action := protocol.Action(strings.ToUpper(str(opts, "<action>")))
	project := str(opts, "--project")

	var data ledger.Entity
	if err := json.Unmarshal([]byte(str(opts, "--data")), &data); err != nil {
		return fmt.Errorf("--data: %w", err)
	}

	pool, err := pgstore.Connect(ctx, dsn(opts))
	if err != nil {
		return err
	}
	defer pool.Close()
	pg := pgstore.New(pool)

	store := ledger.NewStore()
	if err := pg.Hydrate(ctx, store, project); err != nil {
		return err
	}
	pub, closeFn, err := publisher(opts)
	if err != nil {
		return err
	}
	defer closeFn()

	sopts := []session.Option{session.WithUser(str(opts, "--user"))}
	if pub != nil {
		sopts = append(sopts, session.WithPublisher(pub))
	}
	sess := session.New(ledger.New(store), pg, sopts...)

	switch action {
	case protocol.ActionCreate:
		ent, err := sess.Create(ctx, kind, project, data)
		if err != nil {
			return err
		}
		fmt.Printf("created %s %s\n", kind, ent.ID())
	case protocol.ActionUpdate:
		ent, err := sess.Update(ctx, kind, project, str(opts, "--id"), data)
		if err != nil {
			return err
		}
		fmt.Printf("updated %s %s\n", kind, ent.ID())
	case protocol.ActionDelete:
		if err := sess.Delete(ctx, kind, project, str(opts, "--id")); err != nil {
			return err
		}
		fmt.Printf("deleted %s %s\n", kind, str(opts, "--id"))
	default:
		return fmt.Errorf("unknown action %q", action)
	}
	return nil
}

func migrate(ctx context.Context, opts docopt.Opts) error {
	pool, err := pgstore.Connect(ctx, dsn(opts))
	if err != nil {
		return err
	}
	defer pool.Close()
	return pgstore.New(pool).Migrate(ctx)
}

func checkHealth(ctx context.Context, opts docopt.Opts) error {
	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	st, err := health.Check(cctx, str(opts, "--grpc"), str(opts, "--service"))
	if err != nil {
		return err
	}
	fmt.Println(st.String())
	return nil
}
