package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // G108: Intentional pprof exposure for debugging
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmylchreest/mediabusd/internal/config"
	"github.com/jmylchreest/mediabusd/internal/ffmpeg"
	"github.com/jmylchreest/mediabusd/internal/mediabus"
	"github.com/jmylchreest/mediabusd/internal/version"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// serveCmd represents the serve command.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a media bus against one input and its configured outputs",
	Long: `Start a media bus: open the input named in --config, register every
output it lists, and run until a shutdown signal arrives.

Example:
  mediabusd serve --config bus.yaml`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("config", "", "path to the bus topology YAML file (required)")
	serveCmd.Flags().Bool("pprof", false, "enable pprof profiling server")
	serveCmd.Flags().Int("pprof-port", 6060, "port for the pprof profiling server")
	_ = serveCmd.MarkFlagRequired("config")
}

// topologyFile is the one-input-many-outputs shape `serve --config` reads,
// distinct from the daemon-wide config.Config (logging, ffmpeg path, bus
// resource limits), which is loaded separately.
type topologyFile struct {
	Input   inputFile    `mapstructure:"input"`
	Outputs []outputFile `mapstructure:"outputs"`
}

type inputFile struct {
	Kind         string `mapstructure:"kind"` // net, file, device
	URL          string `mapstructure:"url"`
	Path         string `mapstructure:"path"`
	Device       string `mapstructure:"device"`
	DeviceTarget string `mapstructure:"device_target"`
}

type outputFile struct {
	ID     string          `mapstructure:"id"`
	AVKind string          `mapstructure:"av_kind"` // video, audio, both
	Dest   outputDestFile  `mapstructure:"dest"`
	Encode *encodeOptsFile `mapstructure:"encode"`
}

type outputDestFile struct {
	Kind   string `mapstructure:"kind"` // mux_file, mux_network, raw_packet, raw_frame
	Path   string `mapstructure:"path"`
	URL    string `mapstructure:"url"`
	Format string `mapstructure:"format"`
}

type encodeOptsFile struct {
	Preset     string `mapstructure:"preset"`
	BitrateBPS int    `mapstructure:"bitrate_bps"`
	GOPSize    int    `mapstructure:"gop_size"`
}

func loadTopology(path string) (*topologyFile, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading topology file: %w", err)
	}
	var t topologyFile
	if err := v.Unmarshal(&t); err != nil {
		return nil, fmt.Errorf("unmarshaling topology file: %w", err)
	}
	return &t, nil
}

func toInputConfig(f inputFile) mediabus.InputConfig {
	switch mediabus.InputKind(f.Kind) {
	case mediabus.InputFile:
		return mediabus.InputConfig{Kind: mediabus.InputFile, Path: f.Path}
	case mediabus.InputDevice:
		return mediabus.InputConfig{Kind: mediabus.InputDevice, Device: mediabus.DeviceKind(f.Device), DeviceTarget: f.DeviceTarget}
	default:
		return mediabus.InputConfig{Kind: mediabus.InputNet, URL: f.URL}
	}
}

func toOutputSpec(f outputFile) mediabus.OutputSpec {
	spec := mediabus.OutputSpec{
		ID:     f.ID,
		AVKind: mediabus.AVKind(f.AVKind),
		Dest: mediabus.OutputDest{
			Kind:   mediabus.DestKind(f.Dest.Kind),
			Path:   f.Dest.Path,
			URL:    f.Dest.URL,
			Format: f.Dest.Format,
		},
	}
	if f.Encode != nil {
		spec.Encode = &mediabus.EncodeOpts{
			Preset:     mediabus.EncodePreset(f.Encode.Preset),
			BitrateBPS: f.Encode.BitrateBPS,
			GOPSize:    f.Encode.GOPSize,
		}
	}
	return spec
}

func runServe(cmd *cobra.Command, _ []string) error {
	logger := slog.Default()

	versionInfo := version.GetInfo()
	logger.Info("mediabusd starting",
		slog.String("version", versionInfo.Version),
		slog.String("commit", versionInfo.CommitSHA),
		slog.String("built", versionInfo.Date),
		slog.String("go", versionInfo.GoVersion),
		slog.String("platform", versionInfo.Platform),
	)

	if pprofEnabled, _ := cmd.Flags().GetBool("pprof"); pprofEnabled {
		pprofPort, _ := cmd.Flags().GetInt("pprof-port")
		pprofAddr := fmt.Sprintf("localhost:%d", pprofPort)
		go func() {
			logger.Info("pprof server starting", slog.String("address", pprofAddr))
			if err := http.ListenAndServe(pprofAddr, nil); err != nil { //nolint:gosec // G114: pprof server doesn't need timeouts
				logger.Error("pprof server failed", slog.String("error", err.Error()))
			}
		}()
	}

	cfg, err := config.Load("")
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	topoPath, _ := cmd.Flags().GetString("config")
	topo, err := loadTopology(topoPath)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	detectCtx, detectCancel := context.WithTimeout(ctx, 30*time.Second)
	defer detectCancel()

	binDetector := ffmpeg.NewBinaryDetector()
	binInfo, err := binDetector.Detect(detectCtx)
	if err != nil {
		return fmt.Errorf("detecting ffmpeg: %w", err)
	}
	ffmpegPath := cfg.FFmpeg.BinaryPath
	if ffmpegPath == "" {
		ffmpegPath = binInfo.FFmpegPath
	}
	ffprobePath := cfg.FFmpeg.ProbePath
	if ffprobePath == "" {
		ffprobePath = binInfo.FFprobePath
	}

	registry := mediabus.NewCapabilityRegistry()
	if err := registry.Probe(detectCtx, ffmpegPath); err != nil {
		return fmt.Errorf("probing capabilities: %w", err)
	}
	logger.Info("ffmpeg detected", slog.String("version", binInfo.Version), slog.String("path", ffmpegPath))

	bus := mediabus.New("serve", mediabus.BusOptions{
		PacketBusCapacity: cfg.Bus.PacketBusCapacity,
		FrameBusCapacity:  cfg.Bus.FrameBusCapacity,
		FFmpegPath:        ffmpegPath,
		FFprobePath:       ffprobePath,
		WriterRetry:       cfg.Bus.WriterRetry,
		Registry:          registry,
		Logger:            logger,
	})

	if err := bus.AddInput(ctx, toInputConfig(topo.Input), false); err != nil {
		return fmt.Errorf("adding input: %w", err)
	}

	for _, o := range topo.Outputs {
		descs, _, err := bus.AddOutput(ctx, toOutputSpec(o))
		if err != nil {
			return fmt.Errorf("adding output %q: %w", o.ID, err)
		}
		logger.Info("output registered", slog.String("id", o.ID), slog.Int("streams", len(descs)))
	}

	if err := bus.BeginInputReading(); err != nil {
		return fmt.Errorf("starting input reader: %w", err)
	}

	status := bus.Status()
	logger.Info("bus running",
		slog.Int("stream_count", status.StreamCount),
		slog.Int("output_count", status.OutputCount),
	)

	sig := waitForSignal()
	logger.Info("received shutdown signal", slog.String("signal", sig.String()))

	for _, id := range bus.ListOutputs() {
		if err := bus.RemoveOutput(id); err != nil {
			logger.Warn("removing output failed", slog.String("id", id), slog.String("error", err.Error()))
		}
	}
	if err := bus.RemoveInput(); err != nil {
		logger.Warn("removing input failed", slog.String("error", err.Error()))
	}

	logger.Info("shutdown complete")
	return nil
}

// waitForSignal waits for a shutdown signal and returns it.
func waitForSignal() os.Signal {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	return <-sigCh
}
