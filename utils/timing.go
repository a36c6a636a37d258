package utils

import (
	"fmt"
	"io"
	"os"
	"time"
)

// Verbose controls whether timing statistics are printed.
// Set to false to suppress output.
var Verbose = true

// Output is the writer where timing statistics are printed.
// Defaults to os.Stdout.
var Output io.Writer = os.Stdout

// TimingStats holds timing information for the training phases
type TimingStats struct {
	TotalTime          time.Duration
	DataLoadingTime    time.Duration
	ModelInitTime      time.Duration
	AutoencoderTime    time.Duration
	ClassifierTime     time.Duration
	CriticTime         time.Duration
	GeneratorTime      time.Duration
	EncoderAdvTime     time.Duration
	EvaluationTime     time.Duration
	CheckpointTime     time.Duration
	EncryptedProbeTime time.Duration
}

// Since adds the time elapsed from start to *dst.
func Since(dst *time.Duration, start time.Time) {
	*dst += time.Since(start)
}

func share(part, total time.Duration) float64 {
	if total <= 0 {
		return 0
	}
	return float64(part) / float64(total) * 100
}

// PrintTimingStats prints detailed timing statistics.
// Respects the Verbose flag - does nothing if Verbose is false.
func PrintTimingStats(stats *TimingStats, iterations int) {
	if !Verbose {
		return
	}
	fmt.Fprintln(Output, "\n=== TIMING STATISTICS ===")
	fmt.Fprintf(Output, "Total training time: %v\n", stats.TotalTime)
	if iterations > 0 {
		fmt.Fprintf(Output, "Average time per iteration: %v\n", stats.TotalTime/time.Duration(iterations))
	}
	fmt.Fprintf(Output, "Iterations completed: %d\n", iterations)
	fmt.Fprintln(Output, "\nBreakdown by operation:")
	rows := []struct {
		name string
		d    time.Duration
	}{
		{"Data loading", stats.DataLoadingTime},
		{"Model initialization", stats.ModelInitTime},
		{"Autoencoder updates", stats.AutoencoderTime},
		{"Classifier updates", stats.ClassifierTime},
		{"Critic updates", stats.CriticTime},
		{"Generator updates", stats.GeneratorTime},
		{"Encoder-from-critic updates", stats.EncoderAdvTime},
		{"Evaluation", stats.EvaluationTime},
		{"Checkpoints", stats.CheckpointTime},
		{"Encrypted probe", stats.EncryptedProbeTime},
	}
	for _, r := range rows {
		fmt.Fprintf(Output, "  %s: %v (%.1f%%)\n", r.name, r.d, share(r.d, stats.TotalTime))
	}
}

// DurationUS converts any time.Duration to micro-seconds as float64
func DurationUS(d time.Duration) float64 {
	return float64(d.Nanoseconds()) / 1_000.0
}
