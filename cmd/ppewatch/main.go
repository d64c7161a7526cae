package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/LdDl/ppe-watch/api"
	"github.com/LdDl/ppe-watch/config"
	"github.com/LdDl/ppe-watch/inference"
	"github.com/LdDl/ppe-watch/inference/remote"
	"github.com/LdDl/ppe-watch/pipeline"
	"github.com/LdDl/ppe-watch/reid"
	"github.com/LdDl/ppe-watch/source"
	"github.com/LdDl/ppe-watch/source/cvcapture"
	"github.com/LdDl/ppe-watch/store"
	"github.com/LdDl/ppe-watch/store/kafkasink"
	"github.com/LdDl/ppe-watch/store/mqttsink"
	"github.com/LdDl/ppe-watch/store/sqlitestore"
	"github.com/LdDl/ppe-watch/stream"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	configPath := flag.String("config", "ppewatch.yaml", "Path to YAML configuration (empty for defaults)")
	envFile := flag.String("env", ".env", "Path to .env file (skipped when missing)")
	buildGallery := flag.String("build-gallery", "", "Build gallery from identity.gallery_dir, write it to this JSON file and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath, *envFile)
	if err != nil {
		log.Fatal().Err(err).Msg("Can't load configuration")
	}
	setupLogger(cfg.Log)

	client := remote.NewClient(cfg.Inference.DetectURL, cfg.Inference.EmbedURL, remote.WithTimeout(cfg.Inference.Timeout))

	if *buildGallery != "" {
		if err := writeGallery(cfg.Identity.GalleryDir, *buildGallery, client); err != nil {
			log.Fatal().Err(err).Msg("Can't build gallery")
		}
		return
	}

	gallery, err := loadGallery(cfg.Identity, client)
	if err != nil {
		log.Fatal().Err(err).Msg("Can't load gallery")
	}
	matcher := reid.NewMatcher(gallery, cfg.Identity.Threshold)
	log.Info().Int("identities", matcher.Len()).Float64("threshold", matcher.Threshold()).Msg("Gallery loaded")

	sinks, cleanup, err := buildSinks(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Can't initialize persistence")
	}
	defer cleanup()

	deps := pipeline.Deps{
		Opener:   opener{video: cvcapture.Opener{BufferSize: 1}},
		Detector: client,
		Sink:     sinks.sink,
		Querier:  sinks.querier,
		Matcher:  matcher,
	}
	if cfg.Inference.EmbedURL != "" {
		deps.Embedder = client
	}
	runner, err := pipeline.New(cfg, deps)
	if err != nil {
		log.Fatal().Err(err).Msg("Can't create pipeline")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := runner.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Can't start pipeline")
	}

	broadcasters := make(map[int]*stream.Broadcaster)
	wg := sync.WaitGroup{}
	for _, id := range runner.Cameras() {
		pull, _ := runner.Puller(id)
		b, err := stream.NewBroadcaster(pull, cfg.Pipeline.JPEGQuality, cfg.Pipeline.StreamTimeout)
		if err != nil {
			log.Fatal().Err(err).Int("camera_id", id).Msg("Can't create broadcaster")
		}
		broadcasters[id] = b
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.Run(ctx)
		}()
	}

	server := api.NewServer(runner, broadcasters, cfg.HTTP.Debug)
	httpServer := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info().Str("addr", cfg.HTTP.Addr).Int("cameras", len(broadcasters)).Msg("HTTP server started")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("HTTP server failed")
			cancel()
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("Shutting down")
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Pipeline.StopTimeout)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("HTTP server did not shut down gracefully")
	}
	cancel()
	wg.Wait()
	if err := runner.Close(); err != nil {
		log.Warn().Err(err).Msg("Pipeline did not stop cleanly")
	}
	stats := runner.PersistenceStats()
	log.Info().Uint64("saved", stats.Saved).Uint64("failed", stats.Failed).Uint64("dropped", stats.Dropped).Msg("Persistence totals")
}

func setupLogger(cfg config.LogConfig) {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339
	if cfg.Pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	}
}

// opener reads directories of frames natively and everything else through OpenCV
type opener struct {
	video cvcapture.Opener
}

func (o opener) Open(ref string) (source.Source, error) {
	if info, err := os.Stat(ref); err == nil && info.IsDir() {
		return source.DirOpener{}.Open(ref)
	}
	return o.video.Open(ref)
}

func loadGallery(cfg config.IdentityConfig, embedder inference.Embedder) (reid.Gallery, error) {
	switch {
	case cfg.GalleryJSON != "":
		return reid.LoadGalleryJSON(cfg.GalleryJSON)
	case cfg.GalleryDir != "":
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		return reid.BuildGalleryFromDir(ctx, cfg.GalleryDir, embedder)
	default:
		log.Warn().Msg("No gallery configured, every person is Unknown")
		return nil, nil
	}
}

func writeGallery(dir, path string, embedder inference.Embedder) error {
	if dir == "" {
		return errors.New("identity.gallery_dir is empty")
	}
	gallery, err := reid.BuildGalleryFromDir(context.Background(), dir, embedder)
	if err != nil {
		return err
	}
	if err := reid.SaveGalleryJSON(path, gallery); err != nil {
		return err
	}
	log.Info().Str("path", path).Strs("names", gallery.Names()).Msg("Gallery saved")
	return nil
}

type persistence struct {
	sink    store.Sink
	querier store.Querier
}

// buildSinks prepares primary store plus optional Kafka and MQTT forwarders of confirmed violations
func buildSinks(cfg config.Config) (persistence, func(), error) {
	closers := make([]func(), 0, 3)
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fanout := store.Fanout{}
	out := persistence{}
	if cfg.Store.SQLitePath != "" {
		db, err := sqlitestore.Open(cfg.Store.SQLitePath)
		if err != nil {
			return out, cleanup, err
		}
		closers = append(closers, func() {
			if err := db.Close(); err != nil {
				log.Warn().Err(err).Msg("Can't close database")
			}
		})
		fanout = append(fanout, db)
		out.querier = db
		log.Info().Str("path", cfg.Store.SQLitePath).Msg("SQLite store opened")
	} else {
		mem := store.NewMemoryStore()
		fanout = append(fanout, mem)
		out.querier = mem
		log.Info().Msg("In-memory store is used")
	}
	if cfg.Kafka.Enabled {
		producer, err := kafkasink.New(cfg.Kafka.Config)
		if err != nil {
			cleanup()
			return out, func() {}, err
		}
		closers = append(closers, func() { producer.Close(10 * time.Second) })
		fanout = append(fanout, store.ConfirmedOnly(producer))
		log.Info().Str("topic", cfg.Kafka.Topic).Msg("Kafka forwarding enabled")
	}
	if cfg.MQTT.Enabled {
		publisher, err := mqttsink.Connect(cfg.MQTT.Config)
		if err != nil {
			cleanup()
			return out, func() {}, err
		}
		closers = append(closers, publisher.Close)
		fanout = append(fanout, store.ConfirmedOnly(publisher))
		log.Info().Str("broker", cfg.MQTT.Broker).Msg("MQTT alerts enabled")
	}
	out.sink = fanout
	return out, cleanup, nil
}
