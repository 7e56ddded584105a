// Package run implements the engine's long-running mode: a live duplex
// device driving the process cycle, a metrics endpoint, and a clean
// shutdown path.
package run

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/ardourgo/transportcore/internal/capturefile"
	"github.com/ardourgo/transportcore/internal/diskmanager"
	"github.com/ardourgo/transportcore/internal/engineconf"
	"github.com/ardourgo/transportcore/internal/ioport"
	"github.com/ardourgo/transportcore/internal/logging"
	"github.com/ardourgo/transportcore/internal/session"
	"github.com/ardourgo/transportcore/internal/timeline"
)

// Command creates the run subcommand.
func Command(settings *engineconf.Settings) *cobra.Command {
	var soundDir string
	var stateDir string
	var metricsAddr string
	var channels int

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the engine against the default audio device",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEngine(settings, soundDir, stateDir, metricsAddr, channels)
		},
	}

	cmd.Flags().StringVar(&soundDir, "sounddir", viper.GetString("main.sounddir"), "Directory for capture files")
	cmd.Flags().StringVar(&stateDir, "statedir", viper.GetString("main.statedir"), "Directory for state snapshots")
	cmd.Flags().StringVar(&metricsAddr, "metrics", ":9090", "Prometheus metrics listen address (empty to disable)")
	cmd.Flags().IntVar(&channels, "channels", 2, "Device channel count")
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		fmt.Printf("error binding flags: %v\n", err)
		os.Exit(1)
	}

	return cmd
}

func runEngine(settings *engineconf.Settings, soundDir, stateDir, metricsAddr string, channels int) error {
	log := logging.ForService("transportd")
	eng := settings.Engine

	if soundDir == "" {
		soundDir = "capture"
	}
	if stateDir == "" {
		stateDir = "state"
	}

	registry := prometheus.NewRegistry()
	diskMon := diskmanager.NewMonitor(soundDir, 512*1024*1024, 5*time.Second)

	sess := session.New(session.Config{
		Engine:      eng,
		DiskMonitor: diskMon,
		Registry:    registry,
		StateDir:    stateDir,
		SourceFactory: func(trackID string, channel int, when time.Time) (timeline.Source, error) {
			return capturefile.NewWriteSource(soundDir, trackID, channel, eng.SampleRate, when)
		},
	})
	defer sess.Close()

	// One track per device channel, fed straight from the hardware port.
	inputStage := make([][]float32, channels)
	for ch := 0; ch < channels; ch++ {
		id := fmt.Sprintf("track%d", ch+1)
		sess.AddTrack(id, 1, nil)
	}
	sess.SetInputProvider(func(trackID string, ch int, dst []float32) {
		var idx int
		if _, err := fmt.Sscanf(trackID, "track%d", &idx); err != nil || idx < 1 || idx > len(inputStage) {
			return
		}
		src := inputStage[idx-1]
		if src != nil {
			copy(dst, src)
		}
	})

	outputStage := make([][]float32, channels)
	sess.SetOutputSink(func(trackID string, ch int, src []float32) {
		var idx int
		if _, err := fmt.Sscanf(trackID, "track%d", &idx); err != nil || idx < 1 || idx > len(outputStage) {
			return
		}
		if outputStage[idx-1] != nil {
			copy(outputStage[idx-1], src)
		}
	})

	backend, err := ioport.New(ioport.Config{
		SampleRate:  eng.SampleRate,
		Channels:    channels,
		BlockFrames: eng.BlockSize,
	}, func(in, out [][]float32, nframes int) {
		for ch := 0; ch < channels && ch < len(in); ch++ {
			inputStage[ch] = in[ch][:nframes]
			outputStage[ch] = out[ch][:nframes]
		}
		sess.Process(nframes)
	})
	if err != nil {
		return err
	}
	defer backend.Close()

	if err := backend.Start(); err != nil {
		return err
	}
	log.Info("engine running", "sample_rate", eng.SampleRate, "block_size", eng.BlockSize, "channels", channels)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			errCh := make(chan error, 1)
			go func() { errCh <- srv.ListenAndServe() }()
			select {
			case <-gctx.Done():
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()
				_ = srv.Shutdown(shutdownCtx)
				return nil
			case err := <-errCh:
				if err == http.ErrServerClosed {
					return nil
				}
				return err
			}
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		return backend.Stop()
	})

	return g.Wait()
}
