package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/jmylchreest/mediabusd/internal/ffmpeg"
	"github.com/jmylchreest/mediabusd/internal/mediabus"
	"github.com/spf13/cobra"
)

// detectCmd represents the detect command.
var detectCmd = &cobra.Command{
	Use:   "detect",
	Short: "Detect FFmpeg and hardware acceleration capabilities",
	Long: `Detect the FFmpeg binary and probe the Capability Registry (hardware
encoders/decoders per accel type, with software fallbacks) and print the
result as JSON.

Examples:
  mediabusd detect
  mediabusd detect --pretty
  mediabusd detect > capabilities.json`,
	RunE: runDetect,
}

func init() {
	rootCmd.AddCommand(detectCmd)

	detectCmd.Flags().Bool("pretty", false, "pretty-print JSON output")
	detectCmd.Flags().Duration("timeout", 30*time.Second, "detection timeout")
	detectCmd.Flags().String("ffmpeg-path", "", "path to the ffmpeg binary (auto-detected if unset)")
}

// detectionResult is the JSON shape printed by `mediabusd detect`.
type detectionResult struct {
	FFmpeg       ffmpegInfo       `json:"ffmpeg"`
	Capabilities capabilitiesInfo `json:"capabilities"`
}

type ffmpegInfo struct {
	Version     string `json:"version"`
	FFmpegPath  string `json:"ffmpeg_path"`
	FFprobePath string `json:"ffprobe_path"`
}

type capabilitiesInfo struct {
	HardwareAccels []hwAccelInfo `json:"hardware_accels"`
}

type hwAccelInfo struct {
	Type      string   `json:"type"`
	Device    string   `json:"device,omitempty"`
	Available bool     `json:"available"`
	Encoders  []string `json:"hw_encoders,omitempty"`
	Decoders  []string `json:"hw_decoders,omitempty"`
}

func runDetect(cmd *cobra.Command, _ []string) error {
	timeout, _ := cmd.Flags().GetDuration("timeout")
	pretty, _ := cmd.Flags().GetBool("pretty")
	ffmpegPath, _ := cmd.Flags().GetString("ffmpeg-path")

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	binDetector := ffmpeg.NewBinaryDetector()
	binInfo, err := binDetector.Detect(ctx)
	if err != nil {
		return fmt.Errorf("detecting ffmpeg binary: %w", err)
	}
	if ffmpegPath == "" {
		ffmpegPath = binInfo.FFmpegPath
	}

	registry := mediabus.NewCapabilityRegistry()
	if err := registry.Probe(ctx, ffmpegPath); err != nil {
		return fmt.Errorf("probing capabilities: %w", err)
	}

	result := detectionResult{
		FFmpeg: ffmpegInfo{
			Version:     binInfo.Version,
			FFmpegPath:  binInfo.FFmpegPath,
			FFprobePath: binInfo.FFprobePath,
		},
	}
	for _, accel := range registry.Accels() {
		result.Capabilities.HardwareAccels = append(result.Capabilities.HardwareAccels, hwAccelInfo{
			Type:      string(accel.Type),
			Device:    accel.DeviceName,
			Available: accel.Available,
			Encoders:  accel.Encoders,
			Decoders:  accel.Decoders,
		})
	}

	var output []byte
	if pretty {
		output, err = json.MarshalIndent(result, "", "  ")
	} else {
		output, err = json.Marshal(result)
	}
	if err != nil {
		return fmt.Errorf("marshaling result: %w", err)
	}

	fmt.Fprintln(os.Stdout, string(output))
	return nil
}
