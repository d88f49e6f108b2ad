// Govulnershttp runs the database lifecycle manager as an HTTP daemon. It
// keeps the local vulnerability database snapshot fresh by syncing against
// the upstream listing and serves the query API over HTTP.
package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/crgimenes/goconfig"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/nextlinux/govulners"
	"github.com/nextlinux/govulners/datastore"
	"github.com/nextlinux/govulners/datastore/mem"
	"github.com/nextlinux/govulners/datastore/postgres"
	"github.com/nextlinux/govulners/feed"
	"github.com/nextlinux/govulners/libdb"
	"github.com/nextlinux/govulners/matcher"
)

// Config this struct is using the goconfig library for simple flag and env var
// parsing. See: https://github.com/crgimenes/goconfig
type Config struct {
	HTTPListenAddr string `cfgDefault:"0.0.0.0:8080" cfg:"HTTP_LISTEN_ADDR"`
	DBRoot         string `cfgDefault:"/var/lib/govulners/db" cfg:"DB_ROOT" cfgHelper:"Directory database snapshots are unpacked under"`
	ListingURL     string `cfgDefault:"https://toolbox-data.anchore.io/govulners/databases/listing.json" cfg:"LISTING_URL" cfgHelper:"Upstream database listing manifest URL"`
	ConnString     string `cfg:"CONNECTION_STRING" cfgHelper:"PostgreSQL connection string for feed metadata. Uses an in-memory store when empty"`
	SyncEnabled    bool   `cfgDefault:"true" cfg:"SYNC_ENABLED" cfgHelper:"Periodically sync the database snapshot"`
	SyncInterval   string `cfgDefault:"6h" cfg:"SYNC_INTERVAL" cfgHelper:"Interval between sync passes"`
	EngineCommand  string `cfgDefault:"govulners" cfg:"ENGINE_COMMAND" cfgHelper:"Matching engine binary to execute"`
	LogLevel       string `cfgDefault:"info" cfg:"LOG_LEVEL" cfgHelper:"Log levels: debug, info, warn, error, fatal, panic"`
}

func main() {
	ctx := context.Background()
	// parse our config
	conf := Config{}
	err := goconfig.Parse(&conf)
	if err != nil {
		log.Fatal().Msgf("failed to parse config: %v", err)
	}

	// setup pretty logging
	zerolog.SetGlobalLevel(logLevel(conf))
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	ctx = log.Logger.WithContext(ctx)

	eng := matcher.New(matcher.WithCommand(conf.EngineCommand))
	mgr, err := libdb.New(ctx, libdb.Options{
		Root:    conf.DBRoot,
		Matcher: eng,
	})
	if err != nil {
		log.Fatal().Msgf("failed to create database manager: %v", err)
	}

	store, err := feedStore(ctx, conf)
	if err != nil {
		log.Fatal().Msgf("failed to create feed store: %v", err)
	}

	if conf.SyncEnabled {
		interval, err := time.ParseDuration(conf.SyncInterval)
		if err != nil {
			log.Fatal().Msgf("failed to parse sync interval: %v", err)
		}
		cfgs := feed.Configs{
			govulners.DBFeedName: {Enabled: true, URL: conf.ListingURL},
		}
		provider, err := feed.NewArchiveProvider(cfgs, store, eng, mgr)
		if err != nil {
			log.Fatal().Msgf("failed to create feed provider: %v", err)
		}
		syncer := feed.NewSyncer(provider, store, feed.WithInterval(interval))
		go func() {
			if err := syncer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error().Msgf("sync loop exited: %v", err)
			}
		}()
	}

	h := libdb.NewHandler(mgr)
	srv := &http.Server{
		Addr:        conf.HTTPListenAddr,
		Handler:     h,
		BaseContext: func(_ net.Listener) context.Context { return ctx },
	}

	log.Printf("starting http server on %v", conf.HTTPListenAddr)
	err = srv.ListenAndServe()
	if err != nil {
		log.Fatal().Msgf("failed to start http server: %v", err)
	}
}

// feedStore picks the metadata store implementation: PostgreSQL when a
// connection string is configured, in-memory otherwise.
func feedStore(ctx context.Context, conf Config) (datastore.FeedStore, error) {
	if conf.ConnString == "" {
		log.Info().Msg("no connection string configured, using in-memory feed store")
		return mem.New(), nil
	}
	pool, err := postgres.Connect(ctx, conf.ConnString, "govulnershttp")
	if err != nil {
		return nil, err
	}
	store := postgres.NewFeedStore(pool)
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

func logLevel(conf Config) zerolog.Level {
	level := strings.ToLower(conf.LogLevel)
	switch level {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	case "panic":
		return zerolog.PanicLevel
	default:
		return zerolog.InfoLevel
	}
}
