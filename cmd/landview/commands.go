package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/rewired-gh/landview/internal/api"
	"github.com/rewired-gh/landview/internal/config"
	"github.com/rewired-gh/landview/internal/logger"
	"github.com/rewired-gh/landview/internal/models"
	"github.com/rewired-gh/landview/internal/pipeline"
	"github.com/rewired-gh/landview/internal/sensor"
)

type areaFlags struct {
	ref  string
	file string
}

func (f *areaFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.ref, "area", "", `Area of interest ("Nyeri", "gaul:Nyeri", "osm:Nyeri"); defaults to area.default`)
	cmd.Flags().StringVar(&f.file, "area-file", "", "GeoJSON file with the area of interest polygon")
}

type classifierFlags struct {
	name  string
	trees int
}

func (f *classifierFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.name, "classifier", "", "Classifier: random_forest, svm or cart; defaults to classification.classifier")
	cmd.Flags().IntVar(&f.trees, "trees", 0, "Random forest size; defaults to classification.trees")
}

func rootCommand() *cobra.Command {
	var configPath string
	var cfg *config.Config

	root := &cobra.Command{
		Use:           "landview",
		Short:         "Land-use/land-cover classification and forest change analysis",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "configs/config.yaml", "Path to configuration file")

	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}
		logger.Init(cfg.Logging.Level, cfg.Logging.Format)
		logger.Info("Configuration loaded from %s", configPath)
		return nil
	}

	withApp := func(run func(ctx context.Context, a *app) error) func(cmd *cobra.Command, args []string) error {
		return func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.close()
			return run(ctx, a)
		}
	}

	root.AddCommand(
		serveCommand(withApp),
		classifyCommand(withApp),
		changeCommand(withApp),
		seriesCommand(withApp),
		exportCommand(withApp),
		erasCommand(),
	)
	return root
}

type appRunner func(run func(ctx context.Context, a *app) error) func(cmd *cobra.Command, args []string) error

func serveCommand(withApp appRunner) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the dashboard JSON API",
		RunE: withApp(func(ctx context.Context, a *app) error {
			store, err := a.openStore()
			if err != nil {
				return err
			}
			defer func() {
				if err := store.Close(); err != nil {
					logger.Error("Failed to close session store: %v", err)
				}
			}()

			kind, err := models.ParseClassifierKind(a.cfg.Classification.Classifier)
			if err != nil {
				return err
			}
			srv := api.New(api.Options{
				Pipeline:          a.pipeline,
				Resolver:          a.resolver,
				Store:             store,
				Metrics:           a.metrics,
				DefaultArea:       a.cfg.Area.Default,
				DefaultClassifier: kind,
				MaxUploadBytes:    a.cfg.Server.MaxUploadBytes,
				ReadTimeout:       a.cfg.Server.ReadTimeout,
				WriteTimeout:      a.cfg.Server.WriteTimeout,
			})

			errCh := make(chan error, 1)
			go func() {
				errCh <- srv.Start(a.cfg.Server.Address)
			}()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
				logger.Info("Shutdown signal received, cleaning up...")
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("failed to shut down API: %w", err)
			}
			logger.Info("Service stopped")
			return <-errCh
		}),
	}
}

func classifyCommand(withApp appRunner) *cobra.Command {
	var year int
	var area areaFlags
	var clf classifierFlags

	cmd := &cobra.Command{
		Use:   "classify",
		Short: "Classify one year and report per-class areas",
		RunE: withApp(func(ctx context.Context, a *app) error {
			aoi, err := a.area(ctx, area.ref, area.file)
			if err != nil {
				return err
			}
			spec, err := a.classifier(clf.name, clf.trees)
			if err != nil {
				return err
			}

			raster, err := a.pipeline.Classify(ctx, pipeline.ClassifyRequest{Year: year, Classifier: spec, Area: aoi})
			if err != nil {
				return err
			}
			stats, err := a.pipeline.AreaStatistics(ctx, raster, aoi)
			if err != nil {
				return err
			}

			fmt.Printf("%s %d over %s (%s)\n", raster.Classifier.Kind.Label(), raster.Year(), aoi.Name, raster.Sensor)
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "CODE\tCLASS\tPIXELS\tHECTARES")
			for _, c := range stats.Classes {
				pixels := fmt.Sprintf("%.0f", c.Pixels)
				if c.NoData {
					pixels = "no data"
				}
				fmt.Fprintf(w, "%d\t%s\t%s\t%.2f\n", c.Code, c.Name, pixels, c.Hectares)
			}
			fmt.Fprintf(w, "\tTotal\t\t%.2f\n", stats.TotalHectares)
			return w.Flush()
		}),
	}
	cmd.Flags().IntVar(&year, "year", 0, "Year to classify")
	_ = cmd.MarkFlagRequired("year")
	area.register(cmd)
	clf.register(cmd)
	return cmd
}

func changeCommand(withApp appRunner) *cobra.Command {
	var from, to int
	var mode string
	var area areaFlags
	var clf classifierFlags

	cmd := &cobra.Command{
		Use:   "change",
		Short: "Detect forest change between two years",
		RunE: withApp(func(ctx context.Context, a *app) error {
			change, err := runChange(ctx, a, from, to, mode, area, clf)
			if err != nil {
				return err
			}
			return printJSON(change)
		}),
	}
	cmd.Flags().IntVar(&from, "from", 0, "Start year")
	cmd.Flags().IntVar(&to, "to", 0, "End year")
	cmd.Flags().StringVar(&mode, "mode", string(models.SignedDifference), "Change mode: signed_difference or binary_loss")
	_ = cmd.MarkFlagRequired("from")
	_ = cmd.MarkFlagRequired("to")
	area.register(cmd)
	clf.register(cmd)
	return cmd
}

type changeResult struct {
	Change     *models.ChangeRaster `json:"change"`
	LossPixels *float64             `json:"loss_pixels,omitempty"`
}

func runChange(ctx context.Context, a *app, from, to int, modeName string, area areaFlags, clf classifierFlags) (*changeResult, error) {
	mode, err := models.ParseChangeMode(modeName)
	if err != nil {
		return nil, err
	}
	aoi, err := a.area(ctx, area.ref, area.file)
	if err != nil {
		return nil, err
	}
	spec, err := a.classifier(clf.name, clf.trees)
	if err != nil {
		return nil, err
	}

	rasters := make([]*models.ClassifiedRaster, 2)
	for i, year := range []int{from, to} {
		if rasters[i], err = a.pipeline.Classify(ctx, pipeline.ClassifyRequest{Year: year, Classifier: spec, Area: aoi}); err != nil {
			return nil, err
		}
	}

	change, err := a.pipeline.Change(ctx, pipeline.ChangeRequest{From: rasters[0], To: rasters[1], Mode: mode, Area: aoi})
	if err != nil {
		return nil, err
	}
	result := &changeResult{Change: change}
	if mode == models.BinaryLoss {
		lost, err := a.pipeline.ChangePixels(ctx, change, aoi)
		if err != nil {
			return nil, err
		}
		result.LossPixels = &lost
	}
	return result, nil
}

func seriesCommand(withApp appRunner) *cobra.Command {
	var from, to, step, code int
	var area areaFlags
	var clf classifierFlags

	cmd := &cobra.Command{
		Use:   "series",
		Short: "Report the area of one class for every year of a range",
		RunE: withApp(func(ctx context.Context, a *app) error {
			aoi, err := a.area(ctx, area.ref, area.file)
			if err != nil {
				return err
			}
			spec, err := a.classifier(clf.name, clf.trees)
			if err != nil {
				return err
			}
			if code < 0 {
				code = a.pipeline.Legend().ForestCode
			}

			series, yearErrors, err := a.pipeline.Series(ctx, pipeline.SeriesRequest{
				From:       from,
				To:         to,
				Step:       step,
				Classifier: spec,
				ClassCode:  code,
				Area:       aoi,
			})
			if err != nil {
				return err
			}

			fmt.Printf("%s area over %s (%s)\n", series.ClassName, aoi.Name, spec.Kind.Label())
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "YEAR\tHECTARES\tERROR")
			for _, p := range series.Points {
				fmt.Fprintf(w, "%d\t%.2f\t%s\n", p.Year, p.Hectares, p.Err)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			if len(yearErrors) > 0 {
				logger.Warn("%d of %d years failed", len(yearErrors), len(series.Points))
			}
			return nil
		}),
	}
	cmd.Flags().IntVar(&from, "from", 0, "Start year")
	cmd.Flags().IntVar(&to, "to", 0, "End year")
	cmd.Flags().IntVar(&step, "step", 1, "Years between points")
	cmd.Flags().IntVar(&code, "class", -1, "Class code; defaults to the legend's forest code")
	_ = cmd.MarkFlagRequired("from")
	_ = cmd.MarkFlagRequired("to")
	area.register(cmd)
	clf.register(cmd)
	return cmd
}

func exportCommand(withApp appRunner) *cobra.Command {
	var kind, filename, mode string
	var year, from, to int
	var area areaFlags
	var clf classifierFlags

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Submit a classification or change raster as a GeoTIFF export",
		RunE: withApp(func(ctx context.Context, a *app) error {
			var job *models.ExportJob
			switch kind {
			case api.ExportLULC:
				if year == 0 {
					return errors.New("--year is required for lulc exports")
				}
				aoi, err := a.area(ctx, area.ref, area.file)
				if err != nil {
					return err
				}
				spec, err := a.classifier(clf.name, clf.trees)
				if err != nil {
					return err
				}
				raster, err := a.pipeline.Classify(ctx, pipeline.ClassifyRequest{Year: year, Classifier: spec, Area: aoi})
				if err != nil {
					return err
				}
				if filename == "" {
					filename = fmt.Sprintf("LULC_%d", year)
				}
				if job, err = a.pipeline.Export(ctx, raster.Image, filename, aoi); err != nil {
					return err
				}
			case api.ExportChange:
				if from == 0 || to == 0 {
					return errors.New("--from and --to are required for change exports")
				}
				result, err := runChange(ctx, a, from, to, mode, area, clf)
				if err != nil {
					return err
				}
				aoi, err := a.area(ctx, area.ref, area.file)
				if err != nil {
					return err
				}
				if filename == "" {
					filename = fmt.Sprintf("Forest_Change_%d_to_%d", from, to)
				}
				if job, err = a.pipeline.Export(ctx, result.Change.Image, filename, aoi); err != nil {
					return err
				}
			default:
				return fmt.Errorf("unknown export kind %q", kind)
			}
			return printJSON(job)
		}),
	}
	cmd.Flags().StringVar(&kind, "kind", api.ExportLULC, "What to export: lulc or change")
	cmd.Flags().StringVar(&filename, "filename", "", "GeoTIFF name; .tif is appended when missing")
	cmd.Flags().IntVar(&year, "year", 0, "Year of the lulc export")
	cmd.Flags().IntVar(&from, "from", 0, "Start year of the change export")
	cmd.Flags().IntVar(&to, "to", 0, "End year of the change export")
	cmd.Flags().StringVar(&mode, "mode", string(models.SignedDifference), "Change mode of the change export")
	area.register(cmd)
	clf.register(cmd)
	return cmd
}

func erasCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "eras",
		Short: "List the sensor eras and their year ranges",
		// the era table is static and needs no configuration
		PersistentPreRun: func(cmd *cobra.Command, args []string) {},
		RunE: func(cmd *cobra.Command, args []string) error {
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "SENSOR\tYEARS\tCOLLECTION\tBANDS")
			for _, e := range sensor.Eras() {
				fmt.Fprintf(w, "%s\t%s\t%s\t%v\n", e.Label, yearSpan(e), e.Collection, e.Bands)
			}
			return w.Flush()
		},
	}
}

func yearSpan(e sensor.Era) string {
	switch {
	case e.FirstYear == 0:
		return fmt.Sprintf("..%d", e.LastYear)
	case e.LastYear == 0:
		return fmt.Sprintf("%d..", e.FirstYear)
	}
	return fmt.Sprintf("%d..%d", e.FirstYear, e.LastYear)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
