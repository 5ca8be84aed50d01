package main

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/sweeney/hall-sensor/internal/config"
	"github.com/sweeney/hall-sensor/internal/logic"
	"github.com/sweeney/hall-sensor/internal/store"
)

func calibrateCmd(gf *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "calibrate",
		Short: "Calibrate every sensor once and print the thresholds",
		Long: `Take one averaged sample per sensor at rest and derive its press and
release thresholds. Keep the keys released while this runs. Results are
recorded to the calibration history when a store is configured.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, gf)
			if err != nil {
				return err
			}
			logger := newLogger(cfg)
			binding, sampler, err := openSampler(cfg, logger)
			if err != nil {
				return err
			}
			defer binding.Close()

			var st *store.Store
			if cfg.Store.Path != "" {
				if st, err = store.Open(config.ExpandPath(cfg.Store.Path)); err != nil {
					return err
				}
				defer st.Close()
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return calibrateAll(ctx, cmd.OutOrStdout(), cfg, sampler, st, time.Now)
		},
	}
}

// calibrateAll calibrates each configured sensor once. A failed sensor is
// reported and the rest still run; the returned error names the failures.
func calibrateAll(ctx context.Context, w io.Writer, cfg config.Config, sampler *logic.Sampler, st *store.Store, now func() time.Time) error {
	params := cfg.PipelineConfig().Calibration
	failed := 0
	for _, s := range cfg.Sensors {
		c, err := logic.Calibrate(ctx, sampler, s.ID, params)
		if err != nil {
			failed++
			fmt.Fprintf(w, "%s %s\n", sensorLabel(s), color.New(color.FgRed).Sprintf("FAILED: %v", err))
			continue
		}
		fmt.Fprintf(w, "%s baseline=%d mV press>=%d mV release<=%d mV %s\n",
			sensorLabel(s), c.BaselineMV, c.ThresholdMV, c.ReleaseMV(), color.New(color.FgGreen).Sprint("OK"))
		if st != nil {
			if _, err := st.RecordCalibration(ctx, s.ID, c, "cli", now()); err != nil {
				return err
			}
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d sensors failed: %w", failed, len(cfg.Sensors), logic.ErrCalibration)
	}
	return nil
}

func printStateCmd(gf *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "print-state",
		Short: "Sample every sensor once, print its level and exit",
		Long: `Take one averaged sample per sensor. When the calibration history has a
record for the sensor, also print whether the key would read as pressed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, gf)
			if err != nil {
				return err
			}
			logger := newLogger(cfg)
			binding, sampler, err := openSampler(cfg, logger)
			if err != nil {
				return err
			}
			defer binding.Close()

			var st *store.Store
			if cfg.Store.Path != "" {
				if st, err = store.Open(config.ExpandPath(cfg.Store.Path)); err != nil {
					return err
				}
				defer st.Close()
			}
			return printState(cmd.Context(), cmd.OutOrStdout(), cfg, sampler, st)
		},
	}
}

func printState(ctx context.Context, w io.Writer, cfg config.Config, sampler *logic.Sampler, st *store.Store) error {
	if ctx == nil {
		ctx = context.Background()
	}
	for _, s := range cfg.Sensors {
		mv, err := sampler.Sample(ctx, s.ID)
		if err != nil {
			return fmt.Errorf("read %s: %w", sensorLabel(s), err)
		}

		state := color.New(color.FgYellow).Sprint("uncalibrated")
		if st != nil {
			rec, ok, err := st.Latest(ctx, s.ID)
			if err != nil {
				return err
			}
			if ok {
				sensor := logic.NewSensor(s.ID)
				sensor.SetCalibration(rec.Calibration)
				sensor.Process(mv)
				state = stateColor(sensor.State())
			}
		}
		fmt.Fprintf(w, "%s %d mV %s\n", sensorLabel(s), mv, state)
	}
	return nil
}

func historyCmd(gf *globalFlags) *cobra.Command {
	var (
		sensor int
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded calibrations, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, gf)
			if err != nil {
				return err
			}
			if cfg.Store.Path == "" {
				return fmt.Errorf("no calibration store configured (set store.path or --store)")
			}
			st, err := store.Open(config.ExpandPath(cfg.Store.Path))
			if err != nil {
				return err
			}
			defer st.Close()
			return printHistory(cmd.Context(), cmd.OutOrStdout(), st, sensor, limit)
		},
	}
	cmd.Flags().IntVarP(&sensor, "sensor", "s", -1, "only this sensor id")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum records (0 for all)")
	return cmd
}

func printHistory(ctx context.Context, w io.Writer, st *store.Store, sensor, limit int) error {
	if ctx == nil {
		ctx = context.Background()
	}
	recs, err := st.ListCalibrations(ctx, sensor, limit)
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		fmt.Fprintln(w, "no calibrations recorded")
		return nil
	}
	for _, r := range recs {
		fmt.Fprintf(w, "%s  sensor %-2d baseline=%d threshold=%d hysteresis=%d %s\n",
			r.RecordedAt.Local().Format(time.DateTime),
			r.SensorID,
			r.Calibration.BaselineMV,
			r.Calibration.ThresholdMV,
			r.Calibration.HysteresisMV,
			color.New(color.FgCyan).Sprintf("[%s]", r.Source))
	}
	return nil
}

func sensorLabel(s config.SensorConfig) string {
	label := "sensor " + strconv.Itoa(s.ID)
	if s.Name != "" {
		label += " (" + s.Name + ")"
	}
	return color.New(color.Bold).Sprint(label + ":")
}

func stateColor(s logic.State) string {
	if s == logic.StatePressed {
		return color.New(color.FgGreen).Sprint(string(s))
	}
	return color.New(color.FgBlue).Sprint(string(s))
}
