// Command miniflare runs the local Workers platform simulator: a
// script path plus flags selecting which gateways to enable, their
// persistence paths, queue bindings, compatibility date/flags,
// subrequest limits and the listen address (section 6's CLI surface).
//
// Script loading and the module linker are out of scope (section 1's
// non-goals); the worker body served is worker.BoundInstance, which
// resolves "/<kv|cache|r2|do>/<binding>/<key>" requests against the
// gateways the flags below constructed and falls back to the Echo test
// double for everything else.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/cloudflare/miniflare-sub008/internal/cache"
	"github.com/cloudflare/miniflare-sub008/internal/durableobject"
	"github.com/cloudflare/miniflare-sub008/internal/kv"
	"github.com/cloudflare/miniflare-sub008/internal/kvstore"
	"github.com/cloudflare/miniflare-sub008/internal/kvstore/filestore"
	"github.com/cloudflare/miniflare-sub008/internal/kvstore/memstore"
	"github.com/cloudflare/miniflare-sub008/internal/queue"
	"github.com/cloudflare/miniflare-sub008/internal/r2"
	"github.com/cloudflare/miniflare-sub008/internal/worker"
)

// config is the flat, tagged option struct flags are parsed into,
// mirroring the teacher's cfgstruct convention of passing one struct
// down to every constructor.
type config struct {
	host string
	port int

	persist string

	kvNamespaces  []string
	cacheNames    []string
	r2Buckets     []string
	doNamespaces  []string
	queueBindings []string // "name" or "name:deadLetterQueue"
	compatDate    string
	compatFlags   []string

	requestDepth    int
	pipelineDepth   int
	subrequestLimit int
}

func main() {
	cfg := &config{}
	var scriptPath string

	root := &cobra.Command{
		Use:   "miniflare <script>",
		Short: "Run a local simulator for the Workers platform primitives",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			scriptPath = args[0]
			return run(scriptPath, cfg)
		},
	}
	bindFlags(root.Flags(), cfg)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func bindFlags(flags *pflag.FlagSet, cfg *config) {
	flags.StringVar(&cfg.host, "host", "127.0.0.1", "listen host")
	flags.IntVar(&cfg.port, "port", 8787, "listen port")
	flags.StringVar(&cfg.persist, "persist", "", "root directory to persist gateway state under; unset keeps everything in memory")
	flags.StringArrayVar(&cfg.kvNamespaces, "kv", nil, "KV namespace to enable (repeatable)")
	flags.StringArrayVar(&cfg.cacheNames, "cache", nil, "named cache to enable (repeatable)")
	flags.StringArrayVar(&cfg.r2Buckets, "r2", nil, "R2 bucket to enable (repeatable)")
	flags.StringArrayVar(&cfg.doNamespaces, "do", nil, "Durable Object namespace to enable (repeatable)")
	flags.StringArrayVar(&cfg.queueBindings, "queue", nil, `queue binding "name" or "name:deadLetterQueue" (repeatable)`)
	flags.StringVar(&cfg.compatDate, "compatibility-date", "", "compatibility date, passed through unvalidated")
	flags.StringArrayVar(&cfg.compatFlags, "compatibility-flags", nil, "compatibility flags, passed through unvalidated")
	flags.IntVar(&cfg.requestDepth, "request-depth", 0, "initial subrequest request-depth counter")
	flags.IntVar(&cfg.pipelineDepth, "pipeline-depth", 0, "initial subrequest pipeline-depth counter")
	flags.IntVar(&cfg.subrequestLimit, "subrequest-limit", 50, "external subrequest budget per request context (0 = unlimited)")
}

// gatewaySet holds every gateway constructed from flags, keyed by the
// binding name a script would reference it under.
type gatewaySet struct {
	kv    map[string]*kv.Gateway
	cache map[string]*cache.Gateway
	r2    map[string]*r2.Gateway
	do    map[string]*durableobject.Store

	closers []func() error
}

func run(scriptPath string, cfg *config) error {
	log, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("starting logger: %w", err)
	}
	defer log.Sync()
	sugar := log.Sugar()

	clock := func() int64 { return time.Now().UnixMilli() }

	rt, err := buildRuntime(cfg, clock, sugar)
	if err != nil {
		return fmt.Errorf("initialising gateways: %w", err)
	}
	defer func() {
		for _, closer := range rt.closers {
			if cerr := closer(); cerr != nil {
				sugar.Warnw("error closing gateway", "error", cerr)
			}
		}
	}()

	broker := queue.New(queue.RealScheduler{}, sugar)
	instance := worker.BoundInstance{
		Bindings: worker.Bindings{KV: rt.kv, Cache: rt.cache, R2: rt.r2, DO: rt.do},
		Fallback: worker.Echo{},
	}
	if err := registerQueues(cfg, broker, instance); err != nil {
		return fmt.Errorf("registering queues: %w", err)
	}

	srv := worker.NewServer(instance, cfg.requestDepth, cfg.pipelineDepth, cfg.subrequestLimit, sugar)
	addr := fmt.Sprintf("%s:%d", cfg.host, cfg.port)
	httpServer := &http.Server{Addr: addr, Handler: srv}

	sugar.Infow("miniflare listening",
		"addr", addr,
		"script", scriptPath,
		"compatibilityDate", cfg.compatDate,
		"compatibilityFlags", cfg.compatFlags,
		"kv", cfg.kvNamespaces,
		"cache", cfg.cacheNames,
		"r2", cfg.r2Buckets,
		"do", cfg.doNamespaces,
		"queues", cfg.queueBindings,
	)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	serveErr := make(chan error, 1)
	go func() { serveErr <- httpServer.ListenAndServe() }()

	select {
	case <-ctx.Done():
		sugar.Info("shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-serveErr:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("serving: %w", err)
		}
		return nil
	}
}

// buildRuntime constructs every gateway named by cfg, using the file
// backend rooted at cfg.persist when set and the in-memory backend
// otherwise (SPEC_FULL.md's "--persist root flag" supplement).
func buildRuntime(cfg *config, clock kvstore.Clock, log *zap.SugaredLogger) (*gatewaySet, error) {
	rt := &gatewaySet{
		kv:    map[string]*kv.Gateway{},
		cache: map[string]*cache.Gateway{},
		r2:    map[string]*r2.Gateway{},
		do:    map[string]*durableobject.Store{},
	}

	substrateFor := func(kind, name string) (kvstore.Store, error) {
		if cfg.persist == "" {
			return memstore.New(clock)
		}
		root := filepath.Join(cfg.persist, kind, name)
		return filestore.New(root, true, clock)
	}

	for _, ns := range cfg.kvNamespaces {
		sub, err := substrateFor("kv", ns)
		if err != nil {
			return nil, fmt.Errorf("kv namespace %q: %w", ns, err)
		}
		rt.kv[ns] = kv.New(ns, sub, clock, time.Minute)
	}

	for _, name := range cfg.cacheNames {
		sub, err := substrateFor("cache", name)
		if err != nil {
			return nil, fmt.Errorf("cache %q: %w", name, err)
		}
		rt.cache[name] = cache.New(name, sub, clock, false, func(msg string) { log.Warn(msg) })
	}

	for _, bucket := range cfg.r2Buckets {
		gw, closer, err := buildR2Bucket(cfg, bucket, clock)
		if err != nil {
			return nil, fmt.Errorf("r2 bucket %q: %w", bucket, err)
		}
		rt.r2[bucket] = gw
		rt.closers = append(rt.closers, closer)
	}

	for _, ns := range cfg.doNamespaces {
		sub, err := substrateFor("do", ns)
		if err != nil {
			return nil, fmt.Errorf("durable object namespace %q: %w", ns, err)
		}
		if cfg.persist == "" {
			rt.do[ns] = durableobject.New(sub, clock)
			continue
		}
		store, err := durableobject.NewWithBoltAlarms(sub, clock, filepath.Join(cfg.persist, "do", ns, "__alarm__.db"))
		if err != nil {
			return nil, fmt.Errorf("durable object namespace %q alarms: %w", ns, err)
		}
		rt.do[ns] = store
		rt.closers = append(rt.closers, store.Close)
	}

	return rt, nil
}

// buildR2Bucket wires an R2 gateway per the persisted layout of
// section 6: "<persist>/<bucket>/db.sqlite" for metadata,
// "<persist>/<bucket>/blobs/<uuid>" for bodies, or both in memory.
func buildR2Bucket(cfg *config, bucket string, clock kvstore.Clock) (*r2.Gateway, func() error, error) {
	if cfg.persist == "" {
		db, err := sql.Open("sqlite3", ":memory:")
		if err != nil {
			return nil, nil, err
		}
		if err := r2.Migrate(db); err != nil {
			return nil, nil, err
		}
		blobs := r2.NewMemoryBlobStore()
		return r2.New(bucket, db, blobs, clock), db.Close, nil
	}

	root := filepath.Join(cfg.persist, bucket)
	if err := os.MkdirAll(filepath.Join(root, "blobs"), 0o755); err != nil {
		return nil, nil, err
	}
	db, err := sql.Open("sqlite3", filepath.Join(root, "db.sqlite"))
	if err != nil {
		return nil, nil, err
	}
	if err := r2.Migrate(db); err != nil {
		db.Close()
		return nil, nil, err
	}
	blobs, err := r2.NewFileBlobStore(filepath.Join(root, "blobs"))
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	return r2.New(bucket, db, blobs, clock), db.Close, nil
}

// registerQueues declares every "--queue" binding against broker,
// delivering batches to instance.Queue (section 9's queue(batch) leg of
// WorkerInstance).
func registerQueues(cfg *config, broker *queue.Broker, instance worker.Instance) error {
	for _, binding := range cfg.queueBindings {
		name, dlq, _ := strings.Cut(binding, ":")
		def := queue.QueueDefinition{DeadLetterQueue: dlq}
		err := broker.RegisterQueue(name, def, func(ctx context.Context, batch *queue.Batch) error {
			wb := worker.QueueBatch{Queue: name}
			for _, m := range batch.Messages {
				wb.Messages = append(wb.Messages, worker.QueueMessage{
					ID: m.ID, Body: m.Body, Timestamp: m.Timestamp, Attempts: m.Attempts,
				})
			}
			return instance.Queue(wb)
		})
		if err != nil {
			return err
		}
	}
	return nil
}
