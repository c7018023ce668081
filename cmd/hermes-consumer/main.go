// Command hermes-consumer runs the Consumer side of the pipeline: the
// main apply loop fetching events off the bus in order, a background
// error-queue retry task, and a background trashbin purge task, plus
// the control socket the hermesctl CLI talks to.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/DSIN-INSA-Strasbourg/hermes-go/internal/bus"
	"github.com/DSIN-INSA-Strasbourg/hermes-go/internal/config"
	"github.com/DSIN-INSA-Strasbourg/hermes-go/internal/consumer"
	"github.com/DSIN-INSA-Strasbourg/hermes-go/internal/consumercache"
	"github.com/DSIN-INSA-Strasbourg/hermes-go/internal/dataschema"
	"github.com/DSIN-INSA-Strasbourg/hermes-go/internal/errorqueue"
	"github.com/DSIN-INSA-Strasbourg/hermes-go/internal/fkpolicy"
	"github.com/DSIN-INSA-Strasbourg/hermes-go/internal/herr"
	"github.com/DSIN-INSA-Strasbourg/hermes-go/internal/controlsocket"
	"github.com/DSIN-INSA-Strasbourg/hermes-go/internal/logging"
	"github.com/DSIN-INSA-Strasbourg/hermes-go/internal/mail"
	"github.com/DSIN-INSA-Strasbourg/hermes-go/internal/metrics"
	"github.com/DSIN-INSA-Strasbourg/hermes-go/internal/secret"
	"github.com/DSIN-INSA-Strasbourg/hermes-go/internal/storage"
	"github.com/DSIN-INSA-Strasbourg/hermes-go/internal/target"
	"github.com/DSIN-INSA-Strasbourg/hermes-go/internal/target/flatfile"
	"github.com/DSIN-INSA-Strasbourg/hermes-go/internal/tracing"
	"github.com/DSIN-INSA-Strasbourg/hermes-go/internal/trashbin"
)

func main() {
	configPath := flag.String("config", "hermes-client.yaml", "path to the consumer configuration file")
	flag.Parse()

	cfg, err := config.LoadConsumer(*configPath)
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}

	logger := logging.New(logging.Config{
		Level:   parseLevel(cfg.Runtime.Logging.Level),
		LogDir:  filepath.Dir(cfg.Runtime.LogFile),
		Process: "consumer",
		JSON:    cfg.Runtime.Logging.JSON,
	})
	defer logger.Close()
	defer secret.Purge()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Init(ctx, tracing.Config{
		Enabled:     cfg.Runtime.Tracing.Enabled,
		ServiceName: cfg.Runtime.Tracing.ServiceName,
		OTLPTarget:  cfg.Runtime.Tracing.OTLPTarget,
		Insecure:    true,
	})
	if err != nil {
		logger.Error("start tracing", "error", err)
		os.Exit(1)
	}
	defer shutdownTracing(context.Background())

	reg := prometheus.NewRegistry()
	cm := metrics.NewConsumer(reg)
	if cfg.Runtime.Metrics.Enabled {
		go serveMetrics(cfg.Runtime.Metrics.Listen, reg, logger)
	}

	db, err := storage.Open(storage.DefaultConfig(cfg.Runtime.CacheDir))
	if err != nil {
		logger.Error("open cache", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	schema, err := config.BuildSchema(1, cfg.Datamodel.Types)
	if err != nil {
		logger.Error("build schema", "error", err)
		os.Exit(1)
	}

	cache := consumercache.Open(db)
	queue := errorqueue.Open(db)
	bin := trashbin.Open(db)

	targets := target.NewRegistry()
	if err := registerTarget(cfg.Datamodel.Plugin, cache, targets); err != nil {
		logger.Error("register target plugin", "plugin", cfg.Datamodel.Plugin.Name, "error", err)
		os.Exit(1)
	}

	busConsumer := bus.NewKafkaConsumer(db, cfg.Runtime.Bus.Brokers, cfg.Runtime.Bus.Topic, cfg.Runtime.Bus.Group)
	defer busConsumer.Close()
	scanner := bus.NewKafkaScanner(cfg.Runtime.Bus.Brokers, cfg.Runtime.Bus.Topic)

	retentionByType := make(map[string]time.Duration, len(schema.Forward()))
	for _, typ := range schema.Forward() {
		retentionByType[typ.Name] = cfg.ClientRuntime.Retention()
	}

	var sender *mail.Sender
	if cfg.Runtime.Mail.Enabled {
		sender = mail.New(mail.Config{
			AppName:           "hermes-consumer",
			SMTPAddr:          cfg.Runtime.Mail.SMTPAddr,
			From:              cfg.Runtime.Mail.From,
			To:                cfg.Runtime.Mail.To,
			Compressed:        cfg.Runtime.Mail.Compressed,
			AttachmentMaxSize: 5 << 20,
			MailTextMaxSize:   cfg.Runtime.MailTextMaxSize,
		})
	}

	engine := &consumer.Engine{
		Schema:  schema,
		Bus:     busConsumer,
		Scanner: scanner,
		Cache:   cache,
		Queue:   queue,
		Bin:     bin,
		Targets: targets,

		FKPolicy:        fkpolicy.Policy(cfg.ClientRuntime.ForeignKeysPolicy),
		Autoremediation: errorqueue.Policy(cfg.ClientRuntime.Autoremediation),
		RelationLookup:  fkpolicy.NewLookup(schema, queue),
		Retention:       func(typeName string) time.Duration { return retentionByType[typeName] },

		DecodeSchema:     decodeSchema,
		RemotePkeyStable: func(string) bool { return true },
		OnSaveHooks:      targets.OnSaveHooks(),
	}
	if sender != nil {
		engine.Alert = func(ev bus.Event, diag *herr.Diagnostic) {
			if err := sender.SendDiagnostics(fmt.Sprintf("fatal apply error on %s", ev.String()), []*herr.Diagnostic{diag}); err != nil {
				logger.Warn("send alert mail", "error", err)
			}
		}
	}

	if _, found, err := busConsumer.LastCommittedOffset(); err != nil {
		logger.Error("read last committed offset", "error", err)
		os.Exit(1)
	} else if !found {
		logger.Info("cold start: scanning for initsync sequence")
		if err := engine.ColdStart(ctx, cfg.ClientRuntime.UseFirstInitsyncSequence); err != nil {
			logger.Error("cold start", "error", err)
			os.Exit(1)
		}
	}

	var paused sync.Mutex
	isPaused := false
	ctlSrv := controlsocket.NewServer()
	ctlSrv.RequireSameUID = true
	ctlSrv.Register("status", func(context.Context, []string) (any, error) {
		paused.Lock()
		defer paused.Unlock()
		return map[string]any{"paused": isPaused, "schema_revision": engine.Schema.Revision}, nil
	})
	ctlSrv.Register("pause", func(context.Context, []string) (any, error) {
		paused.Lock()
		isPaused = true
		paused.Unlock()
		return map[string]any{"paused": true}, nil
	})
	ctlSrv.Register("resume", func(context.Context, []string) (any, error) {
		paused.Lock()
		isPaused = false
		paused.Unlock()
		return map[string]any{"paused": false}, nil
	})
	ctlSrv.Register("inspect", func(_ context.Context, args []string) (any, error) {
		if len(args) != 2 {
			return nil, fmt.Errorf("inspect requires <type> <pkey>")
		}
		entry, found, err := cache.Get(args[0], dataschema.Pkey(args[1]))
		if err != nil {
			return nil, err
		}
		if !found {
			return nil, fmt.Errorf("not found")
		}
		return entry, nil
	})
	ctlSrv.Register("flush-errorqueue", func(ctx context.Context, args []string) (any, error) {
		if len(args) != 2 {
			return nil, fmt.Errorf("flush-errorqueue requires <type> <pkey>")
		}
		return nil, queue.PopHead(args[0], dataschema.Pkey(args[1]))
	})
	ctlSrv.Register("reinit", func(context.Context, []string) (any, error) {
		reloaded, err := config.LoadConsumer(*configPath)
		if err != nil {
			return nil, fmt.Errorf("reload %s: %w", *configPath, err)
		}
		cfg = reloaded
		engine.FKPolicy = fkpolicy.Policy(cfg.ClientRuntime.ForeignKeysPolicy)
		engine.Autoremediation = errorqueue.Policy(cfg.ClientRuntime.Autoremediation)
		for _, typ := range engine.Schema.Forward() {
			retentionByType[typ.Name] = cfg.ClientRuntime.Retention()
		}
		return map[string]any{"reloaded": true}, nil
	})
	if cfg.Runtime.ControlSocketPath != "" {
		go func() {
			if err := ctlSrv.Listen(ctx, cfg.Runtime.ControlSocketPath); err != nil {
				logger.Error("control socket", "error", err)
			}
		}()
	}

	logger.Info("consumer started")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return engine.Run(gctx)
	})
	g.Go(func() error {
		return engine.RunRetryTask(gctx, cfg.ClientRuntime.RetryInterval())
	})
	g.Go(func() error {
		return engine.RunPurgeTask(gctx, cfg.ClientRuntime.PurgeInterval())
	})
	g.Go(func() error {
		reportQueueDepth(gctx, queue, cm, cfg.Runtime.UpdateInterval())
		return nil
	})

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		logger.Error("consumer stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("shutting down")
}

// reportQueueDepth refreshes the error_queue_depth gauge from the
// queue's own key listing, once per updateInterval, until ctx is
// cancelled — the queue has no push notification of its own size, so
// this is the same poll-and-set pattern the teacher's gauges use.
func reportQueueDepth(ctx context.Context, queue *errorqueue.Queue, cm *metrics.Consumer, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, types, err := queue.AllKeys()
			if err != nil {
				continue
			}
			counts := make(map[string]float64)
			for _, t := range types {
				counts[t]++
			}
			for t, n := range counts {
				cm.ErrorQueueDepth.WithLabelValues(t).Set(n)
			}
		}
	}
}

func registerTarget(plugin config.ClientPlugin, cache *consumercache.Cache, targets *target.Registry) error {
	switch plugin.Name {
	case "flatfile":
		settings := flatfile.Settings{
			DestDir:         plugin.Settings["destDir"],
			GroupType:       plugin.Settings["groupType"],
			GroupNameAttr:   plugin.Settings["groupNameAttr"],
			MemberType:      plugin.Settings["memberType"],
			MemberGroupAttr: plugin.Settings["memberGroupAttr"],
			MemberValueAttr: plugin.Settings["memberValueAttr"],
			ValueType:       plugin.Settings["valueType"],
			ValueAttr:       plugin.Settings["valueAttr"],
		}
		flatfile.New(settings, cache).Register(targets)
		return nil
	default:
		return fmt.Errorf("unsupported target plugin %q", plugin.Name)
	}
}

// decodeSchema unmarshals a schema_update event's payload — a plain
// JSON encoding of the announcing dataschema.Schema — and rebuilds it
// through dataschema.New so the same duplicate-name/undeclared-parent
// checks config.BuildSchema applies at startup apply again here.
func decodeSchema(payload []byte) (*dataschema.Schema, error) {
	var wire struct {
		Revision int
		Types    []*dataschema.Type
	}
	if err := json.Unmarshal(payload, &wire); err != nil {
		return nil, fmt.Errorf("decode schema_update payload: %w", err)
	}
	return dataschema.New(wire.Revision, wire.Types)
}

func serveMetrics(addr string, reg *prometheus.Registry, logger *logging.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("metrics server", "error", err)
	}
}

func parseLevel(s string) logging.Level {
	switch s {
	case "debug":
		return logging.LevelDebug
	case "warn":
		return logging.LevelWarn
	case "error":
		return logging.LevelError
	default:
		return logging.LevelInfo
	}
}
