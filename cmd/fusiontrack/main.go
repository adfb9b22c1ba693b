// Command fusiontrack runs the online sensor-fusion server by
// default, and the offline replay driver under its "location-sim"
// subcommand.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"fusiontrack/egress"
	"fusiontrack/fusionloop"
	"fusiontrack/ingress"
	"fusiontrack/internal/obslog"
	"fusiontrack/internal/tracelog"
	"fusiontrack/registry"
	"fusiontrack/replay"
)

var log = obslog.For("main")

func init() {
	viper.AutomaticEnv()
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var wsIn, wsOut, traceFile string
	var maxDist float64
	var maxDistSet bool

	root := &cobra.Command{
		Use:   "fusiontrack",
		Short: "Fuses range reports from geo-registered sensors into a target position track",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(wsIn, wsOut, traceFile, maxDistPtr(maxDist, maxDistSet))
		},
	}

	root.Flags().StringVar(&wsIn, "ws-in", viper.GetString("WS_IN"), "bind address for the sensor ingress listener (host:port)")
	root.Flags().StringVar(&wsOut, "ws-out", viper.GetString("WS_OUT"), "address of the egress publish sink (host:port or ws[s]://...)")
	root.Flags().StringVar(&traceFile, "trace-file", "", "optional path for the append-only trace log")
	root.Flags().Float64Var(&maxDist, "max-dist", 0, "optional cap on admissible sensor range in meters")
	root.PreRun = func(cmd *cobra.Command, args []string) {
		maxDistSet = cmd.Flags().Changed("max-dist")
	}

	root.AddCommand(newLocationSimCmd())
	return root
}

func maxDistPtr(v float64, set bool) *float64 {
	if !set {
		return nil
	}
	return &v
}

func newLocationSimCmd() *cobra.Command {
	var inputDir, modulesCSV, outputCSV, traceFile string
	var maxDist float64
	var maxDistSet bool

	cmd := &cobra.Command{
		Use:   "location-sim",
		Short: "Replays recorded range CSV files through the fusion core offline",
		RunE: func(cmd *cobra.Command, args []string) error {
			var cap *float64
			if maxDistSet {
				cap = &maxDist
			}
			var trace *tracelog.Logger
			if traceFile != "" {
				tl, err := tracelog.Open(traceFile)
				if err != nil {
					return fmt.Errorf("open trace file: %w", err)
				}
				defer tl.Close()
				trace = tl
			}
			return replay.Run(replay.Config{
				InputDir:   inputDir,
				ModulesCSV: modulesCSV,
				OutputCSV:  outputCSV,
				MaxDist:    cap,
				Trace:      trace,
			})
		},
	}

	cmd.Flags().StringVar(&inputDir, "input-dir", "", "directory of per-sensor range CSV files")
	cmd.Flags().StringVar(&modulesCSV, "modules-csv", "", "CSV listing module id, lat, lon")
	cmd.Flags().StringVar(&outputCSV, "output-csv", "estimate.csv", "output CSV path")
	cmd.Flags().Float64Var(&maxDist, "max-dist", 0, "optional cap on admissible sensor range in meters")
	cmd.Flags().StringVar(&traceFile, "trace-file", "", "optional path for the append-only trace log")
	cmd.PreRun = func(cmd *cobra.Command, args []string) {
		maxDistSet = cmd.Flags().Changed("max-dist")
	}
	cmd.MarkFlagRequired("input-dir")
	cmd.MarkFlagRequired("modules-csv")

	return cmd
}

// traceAdapter bridges tracelog.Logger (which knows nothing of
// fusionloop) to the fusionloop.TraceLogger interface.
type traceAdapter struct {
	l *tracelog.Logger
}

func (t traceAdapter) Record(sensorCount int, detection bool, est fusionloop.Estimate) {
	t.l.Record(sensorCount, detection, tracelog.Estimate{Lat: est.Lat, Lon: est.Lon, Alt: est.Alt})
}

func runServer(wsIn, wsOut, traceFile string, maxDist *float64) error {
	if wsIn == "" {
		return fmt.Errorf("--ws-in is required")
	}
	if wsOut == "" {
		return fmt.Errorf("--ws-out is required")
	}

	var trace fusionloop.TraceLogger
	if traceFile != "" {
		tl, err := tracelog.Open(traceFile)
		if err != nil {
			return fmt.Errorf("open trace file: %w", err)
		}
		defer tl.Close()
		trace = traceAdapter{l: tl}
	}

	reg := registry.New()
	listener := ingress.New(wsIn, reg)
	publisher := egress.New(wsOut)
	loop := fusionloop.New(reg, publisher, maxDist, trace)

	ln, err := listener.Listen()
	if err != nil {
		return fmt.Errorf("bind ingress listener: %w", err)
	}

	stop := make(chan struct{})

	go publisher.Run(stop)
	go func() {
		if err := listener.Serve(ln); err != nil {
			log.Error().Err(err).Msg("ingress listener stopped")
		}
	}()
	go loop.Run(stop)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Info().Msg("shutting down")
	close(stop)
	return nil
}
