package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/rewired-gh/landview/internal/aoi"
	"github.com/rewired-gh/landview/internal/config"
	"github.com/rewired-gh/landview/internal/engine"
	"github.com/rewired-gh/landview/internal/logger"
	"github.com/rewired-gh/landview/internal/metrics"
	"github.com/rewired-gh/landview/internal/models"
	"github.com/rewired-gh/landview/internal/notify"
	"github.com/rewired-gh/landview/internal/pipeline"
	"github.com/rewired-gh/landview/internal/samples"
	"github.com/rewired-gh/landview/internal/sensor"
	"github.com/rewired-gh/landview/internal/session"
)

// app holds the components every command shares
type app struct {
	cfg      *config.Config
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	engine   engine.Engine
	pipeline *pipeline.Pipeline
	resolver *aoi.Resolver
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m, err := metrics.New(registry)
	if err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	catalog, err := samples.Load(cfg.Samples.CatalogFile)
	if err != nil {
		return nil, err
	}
	logger.Debug("Sample catalog covers years %v", catalog.Years())

	eng, err := newEngine(ctx, cfg, catalog, m)
	if err != nil {
		return nil, err
	}

	p := pipeline.New(eng, catalog, pipeline.Options{
		Scale:        cfg.Classification.Scale,
		Trees:        cfg.Classification.Trees,
		ExportFolder: cfg.Export.Folder,
		Window:       sensor.Window{MinYear: cfg.Classification.MinYear, MaxYear: cfg.Classification.MaxYear},
	}, m)

	if cfg.Telegram.Enabled {
		client, err := notify.NewClient(cfg.Telegram.BotToken, cfg.Telegram.ChatID, cfg.Telegram.MaxRetries, cfg.Telegram.RetryDelay)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize Telegram client: %w", err)
		}
		p.SetNotifier(client)
		logger.Info("Telegram notifications enabled")
	} else {
		logger.Debug("Telegram notifications disabled")
	}

	resolver := aoi.NewResolver(aoi.Options{
		GAULTable:        cfg.Area.GAULTable,
		OverpassEndpoint: cfg.Area.OverpassEndpoint,
		AdminLevel:       cfg.Area.AdminLevel,
		Timeout:          cfg.Area.Timeout,
	})

	return &app{
		cfg:      cfg,
		registry: registry,
		metrics:  m,
		engine:   eng,
		pipeline: p,
		resolver: resolver,
	}, nil
}

func newEngine(ctx context.Context, cfg *config.Config, catalog *samples.Catalog, m *metrics.Metrics) (engine.Engine, error) {
	ec := cfg.Engine
	if ec.Mode == config.EngineLocal {
		tables := make(map[string]int, len(catalog.Tables))
		for year, id := range catalog.Tables {
			tables[id] = year
		}
		scene := engine.NewScene(engine.SceneOptions{
			Width:         ec.Local.Width,
			Height:        ec.Local.Height,
			Seed:          ec.Local.Seed,
			Tables:        tables,
			ClassProperty: catalog.ClassProperty,
		})
		logger.Warn("Using the local development engine (%s); results are synthetic", scene)
		return engine.NewLocal(scene, ec.Local.ExportDir, m), nil
	}

	client, err := engine.Connect(ctx, engine.Options{
		Project:           ec.Project,
		CredentialsFile:   ec.CredentialsFile,
		Endpoint:          ec.Endpoint,
		Timeout:           ec.Timeout,
		RequestsPerSecond: ec.RequestsPerSecond,
		Burst:             ec.Burst,
		Metrics:           m,
	}, engine.Backoff{
		MaxAttempts:  ec.Connect.MaxAttempts,
		InitialDelay: ec.Connect.InitialDelay,
		MaxDelay:     ec.Connect.MaxDelay,
	})
	if err != nil {
		return nil, err
	}
	return client, nil
}

// openStore opens the session store, creating the SQLite directory if needed
func (a *app) openStore() (*session.Store, error) {
	sc := a.cfg.Storage
	if sc.Driver == session.DriverSQLite && sc.DSN != ":memory:" {
		if dir := filepath.Dir(sc.DSN); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create storage directory: %w", err)
			}
		}
	}
	store, err := session.Open(sc.Driver, sc.DSN, sc.CacheTTL)
	if err != nil {
		return nil, err
	}
	logger.Info("Session store ready (%s)", sc.Driver)
	return store, nil
}

// area resolves a reference or, when path is set, an uploaded GeoJSON file
func (a *app) area(ctx context.Context, ref, path string) (*aoi.Area, error) {
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read area file: %w", err)
		}
		area, err := aoi.FromGeoJSON(data)
		if err != nil {
			return nil, err
		}
		a.resolver.Register(area)
		return area, nil
	}
	if ref == "" {
		ref = a.cfg.Area.Default
	}
	return a.resolver.Resolve(ctx, ref)
}

func (a *app) classifier(name string, trees int) (models.ClassifierSpec, error) {
	if name == "" {
		name = a.cfg.Classification.Classifier
	}
	kind, err := models.ParseClassifierKind(name)
	if err != nil {
		return models.ClassifierSpec{}, err
	}
	return models.ClassifierSpec{Kind: kind, Trees: trees}, nil
}

// close waits for pending local exports
func (a *app) close() {
	if local, ok := a.engine.(*engine.Local); ok {
		local.Wait()
	}
}
