package mediabus

import "fmt"

// This file is the Frame Converter of spec.md §4.5: the scale/pixel-format
// adjustment video needs and the resample/rechannel adjustment audio needs
// before a Frame can be handed to a given FFmpeg encoder. Both live here as
// pure filtergraph-string builders rather than a separate pipeline stage,
// since ffmpegEncoder already runs a single long-lived FFmpeg process with
// its own filtergraph between stdin and the encoder.

// videoFilterChain returns the -vf filter string(s) needed to convert a
// decoded frame in sourceFormat into whatever pixel format encoderName
// prefers (PreferredInputFormat), or nil if no conversion is required.
func videoFilterChain(encoderName, sourceFormat string) []string {
	if sourceFormat == "" {
		sourceFormat = "yuv420p"
	}
	target := PreferredInputFormat(encoderName, sourceFormat)
	if target == sourceFormat {
		return nil
	}
	return []string{fmt.Sprintf("format=%s", target)}
}

// supportedAudioSampleRates lists the sample rates FFmpeg's encoder accepts
// for codecs with a fixed rate table. AAC and Opus are absent: both accept
// an arbitrary input rate, so they never force a resample here.
var supportedAudioSampleRates = map[string][]int{
	"mp3":        {8000, 11025, 12000, 16000, 22050, 24000, 32000, 44100, 48000},
	"libmp3lame": {8000, 11025, 12000, 16000, 22050, 24000, 32000, 44100, 48000},
	"ac3":        {32000, 44100, 48000},
	"eac3":       {32000, 44100, 48000},
}

// maxAudioChannels caps the channel count per codec; codecs absent here
// pass their source channel count through unchanged.
var maxAudioChannels = map[string]int{
	"mp3":        2,
	"libmp3lame": 2,
}

// audioFilterChain returns the -af filter(s) needed to bring a source with
// srcChannels channels and params.SampleRate into a form encoderName
// accepts, plus the channel count the output should be told to use. An
// empty filter slice with outChannels == srcChannels means no conversion is
// needed.
func audioFilterChain(encoderName string, params CodecParams, srcChannels int) (filters []string, outChannels int) {
	outChannels = srcChannels
	if limit, ok := maxAudioChannels[encoderName]; ok && srcChannels > limit {
		outChannels = limit
	}

	targetRate := params.SampleRate
	if rates, ok := supportedAudioSampleRates[encoderName]; ok && !containsInt(rates, params.SampleRate) {
		targetRate = nearestInt(rates, params.SampleRate)
	}

	if targetRate != params.SampleRate {
		filters = append(filters, fmt.Sprintf("aresample=%d", targetRate))
	}
	if outChannels != srcChannels {
		filters = append(filters, fmt.Sprintf("aformat=channel_layouts=%s", channelLayoutName(outChannels)))
	}
	return filters, outChannels
}

func channelLayoutName(channels int) string {
	switch channels {
	case 1:
		return "mono"
	case 2:
		return "stereo"
	default:
		return fmt.Sprintf("%dc", channels)
	}
}

// audioContainerFormat returns the FFmpeg -f muxer name that frames
// encoderName's elementary stream for pipe output, mirroring
// codecDemuxerName's role on the video side.
func audioContainerFormat(encoderName string) string {
	switch encoderName {
	case "aac":
		return "adts"
	case "ac3":
		return "ac3"
	case "eac3":
		return "eac3"
	case "mp3", "libmp3lame":
		return "mp3"
	case "opus", "libopus":
		return "ogg"
	default:
		return "adts"
	}
}

func containsInt(xs []int, v int) bool {
	for _, x := range xs {
		if x == v {
			return true
		}
	}
	return false
}

func nearestInt(xs []int, v int) int {
	best := xs[0]
	bestDiff := absInt(v - best)
	for _, x := range xs[1:] {
		if d := absInt(v - x); d < bestDiff {
			best, bestDiff = x, d
		}
	}
	return best
}

func absInt(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
