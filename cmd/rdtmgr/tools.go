package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/robertosilvah/rdtmgr/internal/config"
	"github.com/robertosilvah/rdtmgr/internal/mqtt"
	"github.com/robertosilvah/rdtmgr/internal/shift"
	"github.com/robertosilvah/rdtmgr/internal/sim"
)

// toolClient connects a tool with its own client id so it can run next to
// the service.
func toolClient(cfg *config.Config, tool string) (*mqtt.RealClient, error) {
	return mqtt.NewRealClient(mqtt.Options{
		Broker:   cfg.MQTT.Broker,
		ClientID: cfg.MQTT.ClientID + "-" + tool + "-" + uuid.NewString()[:8],
	})
}

func newSimulateCmd(configFile *string) *cobra.Command {
	var (
		port   int
		period time.Duration
	)
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Publish simulated scanner telemetry",
		Long: `simulate publishes the telemetry of two lines every period and serves a
control API to start and stop scanners and add pieces. The API listens on the
HTTP port plus two unless --port is set.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := setup(*configFile, nil)
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("port") {
				port = cfg.HTTP.Port + 2
			}
			client, err := toolClient(cfg, "sim")
			if err != nil {
				return fmt.Errorf("init mqtt: %w", err)
			}
			defer client.Close()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			s := sim.New(client, sim.DefaultLines(), period, log)
			addr := cfg.HTTP.Address + ":" + strconv.Itoa(port)
			srv := &http.Server{Addr: addr, Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
			go func() {
				log.Info("simulator api listening", "addr", addr)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("simulator api", "error", err)
					stop()
				}
			}()

			err = s.Run(ctx)
			shutdownCtx, done := context.WithTimeout(context.Background(), shutdownTimeout)
			defer done()
			srv.Shutdown(shutdownCtx) //nolint:errcheck
			return err
		},
	}
	cmd.Flags().IntVar(&port, "port", 0, "control API port")
	cmd.Flags().DurationVar(&period, "period", time.Second, "publish period")
	return cmd
}

func newRecordCmd(configFile *string) *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "record",
		Short: "Record broker telemetry as JSON lines",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := setup(*configFile, nil)
			if err != nil {
				return err
			}
			var w io.Writer = cmd.OutOrStdout()
			if out != "" && out != "-" {
				f, err := os.OpenFile(out, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
				if err != nil {
					return fmt.Errorf("open recording: %w", err)
				}
				defer f.Close()
				w = f
			}

			client, err := toolClient(cfg, "rec")
			if err != nil {
				return fmt.Errorf("init mqtt: %w", err)
			}
			defer client.Close()

			rec := sim.NewRecorder(w, log)
			if err := client.Subscribe(mqtt.TopicTelemetry, rec.Handle); err != nil {
				return fmt.Errorf("subscribe telemetry: %w", err)
			}
			log.Info("recording", "topic", mqtt.TopicTelemetry)

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			<-ctx.Done()
			log.Info("recording stopped", "records", rec.Count())
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "output file (default stdout)")
	return cmd
}

func newReplayCmd(configFile *string) *cobra.Command {
	var speed, maxRate float64
	cmd := &cobra.Command{
		Use:   "replay FILE",
		Short: "Publish a recording with its original timing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup(*configFile, nil)
			if err != nil {
				return err
			}
			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("open recording: %w", err)
			}
			recs, err := sim.ReadRecords(f)
			f.Close()
			if err != nil {
				return fmt.Errorf("read recording: %w", err)
			}

			client, err := toolClient(cfg, "replay")
			if err != nil {
				return fmt.Errorf("init mqtt: %w", err)
			}
			defer client.Close()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			n, err := sim.NewReplayer(client, speed, maxRate, log).Replay(ctx, recs)
			log.Info("replay finished", "published", n, "total", len(recs))
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().Float64Var(&speed, "speed", 1, "playback speed multiplier")
	cmd.Flags().Float64Var(&maxRate, "max-rate", 50, "maximum messages per second (0 for no limit)")
	return cmd
}

func newIntervalsCmd() *cobra.Command {
	var (
		start string
		count int
		date  string
	)
	cmd := &cobra.Command{
		Use:   "intervals",
		Short: "Print the shifts of a rotation for one day",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return printIntervals(cmd.OutOrStdout(), start, count, date, time.Now())
		},
	}
	cmd.Flags().StringVar(&start, "start", "06:00:00", "first shift start (HH:MM:SS)")
	cmd.Flags().IntVar(&count, "count", 3, "shifts per day")
	cmd.Flags().StringVar(&date, "date", "", "day to print, YYYY-MM-DD (default today)")
	return cmd
}

func printIntervals(w io.Writer, start string, count int, date string, now time.Time) error {
	clock, err := shift.ParseClock(start)
	if err != nil {
		return err
	}
	def := shift.Definition{StartTime: clock, Count: count, Enabled: true}
	if err := def.Validate(); err != nil {
		return err
	}
	day := now.UTC()
	if date != "" {
		if day, err = time.Parse(time.DateOnly, date); err != nil {
			return fmt.Errorf("invalid date %q: %w", date, err)
		}
	}
	anchor := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC).Add(time.Duration(clock))
	for _, iv := range shift.IntervalsFrom(anchor, def) {
		fmt.Fprintf(w, "%d\t%s\t%s\n", iv.Position, iv.Start.Format(time.RFC3339), iv.End.Format(time.RFC3339))
	}
	return nil
}
