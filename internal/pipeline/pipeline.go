// Package pipeline implements the land-cover actions: composite building,
// supervised classification, area statistics, forest change, multi-year
// series and GeoTIFF export.
//
// Every action builds a lazy engine graph and asks the engine only for the
// small values it needs (collection sizes, per-class sums). Results are
// immutable models; errors abort the current action and never produce a
// partial result.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/rewired-gh/landview/internal/engine"
	"github.com/rewired-gh/landview/internal/logger"
	"github.com/rewired-gh/landview/internal/metrics"
	"github.com/rewired-gh/landview/internal/models"
	"github.com/rewired-gh/landview/internal/samples"
	"github.com/rewired-gh/landview/internal/sensor"
)

// Action label values for metrics and notifications
const (
	ActionClassify = "classify"
	ActionStats    = "stats"
	ActionChange   = "change"
	ActionSeries   = "series"
	ActionExport   = "export"
)

// Defaults applied by New
const (
	DefaultScale        = 30.0
	DefaultExportFolder = "GEE_exports"
)

// Notifier is told about submitted exports and failed actions
type Notifier interface {
	ExportSubmitted(job *models.ExportJob, areaName string) error
	ActionFailed(action string, err error) error
}

// Options configures a Pipeline
type Options struct {
	Scale        float64 // metres per pixel for sampling, reductions and export
	Trees        int     // random forest size when a request does not name one
	ExportFolder string
	Window       sensor.Window
}

// Pipeline runs land-cover actions against an engine
type Pipeline struct {
	engine   engine.Engine
	catalog  *samples.Catalog
	selector *sensor.Selector
	metrics  *metrics.Metrics
	notifier Notifier
	opts     Options

	group singleflight.Group
	now   func() time.Time
}

// New creates a pipeline. A nil catalog uses the default sample catalog.
func New(eng engine.Engine, catalog *samples.Catalog, opts Options, m *metrics.Metrics) *Pipeline {
	if catalog == nil {
		catalog = samples.Default()
	}
	if opts.Scale <= 0 {
		opts.Scale = DefaultScale
	}
	if opts.Trees <= 0 {
		opts.Trees = models.DefaultTrees
	}
	if opts.ExportFolder == "" {
		opts.ExportFolder = DefaultExportFolder
	}
	if opts.Window == (sensor.Window{}) {
		opts.Window = sensor.DefaultWindow
	}

	return &Pipeline{
		engine:   eng,
		catalog:  catalog,
		selector: sensor.NewSelector(opts.Window),
		metrics:  m,
		opts:     opts,
		now:      time.Now,
	}
}

// SetNotifier installs a notifier. A nil notifier disables notifications.
func (p *Pipeline) SetNotifier(n Notifier) {
	p.notifier = n
}

// Catalog returns the sample catalog in use
func (p *Pipeline) Catalog() *samples.Catalog {
	return p.catalog
}

// Legend returns the class legend in use
func (p *Pipeline) Legend() samples.Legend {
	return p.catalog.Legend
}

// Scale returns the working scale in metres
func (p *Pipeline) Scale() float64 {
	return p.opts.Scale
}

// yearRange is the calendar year as a half-open date range
func yearRange(year int) (string, string) {
	return fmt.Sprintf("%04d-01-01", year), fmt.Sprintf("%04d-01-01", year+1)
}

func (p *Pipeline) record(action string, err error) {
	p.metrics.RecordAction(action, err)
}

// finish records the outcome of action and reports operational failures to
// the notifier. Request errors and cancellations are not reported.
func (p *Pipeline) finish(action string, err error) {
	p.record(action, err)
	if err == nil || p.notifier == nil || !operational(err) {
		return
	}
	if nerr := p.notifier.ActionFailed(action, err); nerr != nil {
		logger.Warn("Failed to send failure notification: %v", nerr)
	}
}

func operational(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	switch models.Kind(err) {
	case "UnsupportedYear", "InvalidClassifier", "NoTrainingData", "GeometryMismatch":
		return false
	}
	return true
}
