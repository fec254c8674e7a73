package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"vigil/internal/alert"
	"vigil/internal/api"
	"vigil/internal/auth"
	"vigil/internal/capture"
	"vigil/internal/config"
	"vigil/internal/database"
	"vigil/internal/detection"
	"vigil/internal/events"
	"vigil/internal/evidence"
	"vigil/internal/identity"
	"vigil/internal/notify"
	"vigil/internal/pipeline"
	"vigil/internal/publish"
	"vigil/internal/telegram"
	"vigil/internal/tracking"
	"vigil/internal/ws"
)

// serve wires the service together and blocks until ctx is cancelled.
// Anything that fails here is a configuration error and aborts startup.
func serve(ctx context.Context, cfg *config.Config, log zerolog.Logger) error {
	store, err := database.Open(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer store.Close()

	embedder, err := detection.NewEmbedder(cfg.Embedder, log)
	if err != nil {
		return fmt.Errorf("face embedder: %w", err)
	}
	defer embedder.Close()

	detector := detection.NewYOLODetector(cfg.Detector, log)
	defer detector.Close()

	trackers, err := tracking.DefaultRegistry().Select(cfg.Tracking, log.With().Str("component", "tracking").Logger())
	if err != nil {
		return err
	}

	opener, err := capture.NewOpener(cfg.Capture, log)
	if err != nil {
		return err
	}

	evidenceStore, err := evidence.New(ctx, cfg.Evidence)
	if err != nil {
		return fmt.Errorf("evidence store: %w", err)
	}

	index := identity.NewIndex(
		identity.WithThreshold(cfg.Identity.Threshold),
		identity.WithSource(store),
		identity.WithEmbedder(embedder),
		identity.WithLogger(log.With().Str("component", "identity").Logger()),
	)
	if _, err := index.Reload(ctx); err != nil {
		// An unreachable embedder must not keep cameras down; everyone is
		// Unknown until the next reload.
		log.Warn().Err(err).Msg("initial identity load failed, starting with an empty index")
	}

	bot, notifier, err := buildNotifier(cfg, log)
	if err != nil {
		return err
	}

	deps := pipeline.Deps{
		Detector:   detector,
		Trackers:   trackers,
		Embedder:   embedder,
		Index:      index,
		Gate:       alert.NewGate(cfg.Alert.Cooldown),
		Buffer:     events.NewBuffer(cfg.Buffer.Window),
		Sink:       store,
		OpenSource: opener,
		Evidence:   evidenceStore,
		Bindings:   bindingStore{store: store},
		Logger:     log.With().Str("component", "pipeline").Logger(),
	}
	if notifier != nil {
		deps.Notifier = notifier
	}
	manager, err := pipeline.NewManager(cfg.Pipeline, deps)
	if err != nil {
		return err
	}
	defer manager.Close()

	hub := ws.NewHub(log)
	defer hub.Close()
	manager.Subscribe(hub)

	closers, err := subscribePublishers(cfg, manager, log)
	if err != nil {
		return err
	}
	defer func() {
		for _, c := range closers {
			if err := c.Close(); err != nil {
				log.Warn().Err(err).Msg("closing publisher")
			}
		}
	}()

	cameras, err := cfg.CameraRegistry()
	if err != nil {
		return fmt.Errorf("camera registry: %w", err)
	}
	for _, cam := range cameras.List() {
		if !cam.Enabled {
			continue
		}
		if err := manager.StartCamera(cam.ID, cam.Source, cam.Stride); err != nil {
			return fmt.Errorf("start camera %s: %w", cam.ID, err)
		}
	}

	authenticator, err := auth.NewAuthenticator(cfg.Auth)
	if err != nil {
		return err
	}

	if bot != nil {
		go telegram.NewCommandHandler(bot, manager, store).Run(ctx)
	}
	if cfg.Identity.ReloadInterval > 0 {
		go reloadLoop(ctx, manager, cfg.Identity.ReloadInterval)
	}

	server := api.NewServer(cfg.HTTP, api.Deps{
		Pipeline: manager,
		Cameras:  cameras,
		Auth:     authenticator,
		Events:   store,
		Stream:   ws.NewHandler(hub, cfg.HTTP.AllowedOrigins),
		Checks: []api.Check{
			{Name: "detector", Check: detector.CheckHealth},
			{Name: "embedder", Check: embedder.CheckHealth},
		},
		Logger: log,
	})

	log.Info().
		Int("cameras", len(manager.Status())).
		Str("tracker", trackers.Name()).
		Int("persons", index.Snapshot().Len()).
		Msg("vigil started")

	err = server.Run(ctx)
	log.Info().Msg("shutting down")
	// stop the cameras before the observers and stores they feed
	if cerr := manager.Close(); cerr != nil {
		log.Warn().Err(cerr).Msg("closing pipelines")
	}
	return err
}

func buildNotifier(cfg *config.Config, log zerolog.Logger) (*telegram.Bot, pipeline.Notifier, error) {
	var (
		bot      *telegram.Bot
		channels []notify.Named
	)
	if cfg.Telegram.Enabled {
		b, err := telegram.NewBot(cfg.Telegram, log)
		if err != nil {
			return nil, nil, fmt.Errorf("telegram: %w", err)
		}
		bot = b
		channels = append(channels, notify.Named{Name: "telegram", Notifier: b})
	}
	if cfg.Speech.Enabled {
		channels = append(channels, notify.Named{Name: "speech", Notifier: notify.NewSpeaker(cfg.Speech)})
	}
	if len(channels) == 0 {
		log.Warn().Msg("no alert channel enabled, unknown persons are only logged")
		return nil, nil, nil
	}
	return bot, notify.NewMulti(log, channels...), nil
}

type closer interface{ Close() error }

func subscribePublishers(cfg *config.Config, m *pipeline.Manager, log zerolog.Logger) ([]closer, error) {
	var out []closer
	if cfg.MQTT.Enabled {
		p, err := publish.NewMQTTPublisher(cfg.MQTT, log)
		if err != nil {
			return nil, err
		}
		m.Subscribe(p)
		out = append(out, p)
	}
	if cfg.Kafka.Enabled {
		p, err := publish.NewKafkaPublisher(cfg.Kafka, log)
		if err != nil {
			return nil, errors.Join(err, closeAll(out))
		}
		m.Subscribe(p)
		out = append(out, p)
	}
	return out, nil
}

func closeAll(cs []closer) error {
	var errs []error
	for _, c := range cs {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}

func reloadLoop(ctx context.Context, m *pipeline.Manager, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			// errors are logged by the manager; the previous snapshot stays
			m.ReloadIdentityIndex(ctx)
		}
	}
}

// bindingStore adapts the database to the pipeline's binding persistence
type bindingStore struct {
	store database.Store
}

func (b bindingStore) SaveBinding(ctx context.Context, cameraID string, trackID int, person string) error {
	return b.store.SaveBinding(ctx, database.Binding{
		CameraID:   cameraID,
		TrackID:    trackID,
		PersonName: person,
		BoundAt:    time.Now().UTC(),
	})
}

func (b bindingStore) DeleteBinding(ctx context.Context, cameraID string, trackID int) error {
	return b.store.DeleteBinding(ctx, cameraID, trackID)
}
