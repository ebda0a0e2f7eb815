package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmylchreest/radiarr/internal/tuning"
)

var (
	tuningEncodeOutput   string
	tuningStaticOutput   string
	tuningStaticDuration time.Duration
)

var tuningCmd = &cobra.Command{
	Use:   "tuning",
	Short: "Dial audio utilities",
	Long: `Utilities for the audible artifacts of the dial: FSK station
signatures and bursts of retuning static, written as WAV files.

Signatures encode text as two alternating tones and decode on any
build, so they double as a quick loopback check of the codec.`,
}

var tuningEncodeCmd = &cobra.Command{
	Use:   "encode <text>",
	Short: "Encode text as an FSK station signature",
	Args:  cobra.ExactArgs(1),
	RunE:  runTuningEncode,
}

var tuningDecodeCmd = &cobra.Command{
	Use:   "decode <file>",
	Short: "Decode an FSK station signature from a WAV file",
	Args:  cobra.ExactArgs(1),
	RunE:  runTuningDecode,
}

var tuningStaticCmd = &cobra.Command{
	Use:   "static",
	Short: "Generate a burst of retuning static",
	RunE:  runTuningStatic,
}

func init() {
	rootCmd.AddCommand(tuningCmd)
	tuningCmd.AddCommand(tuningEncodeCmd)
	tuningCmd.AddCommand(tuningDecodeCmd)
	tuningCmd.AddCommand(tuningStaticCmd)

	tuningEncodeCmd.Flags().StringVarP(&tuningEncodeOutput, "output", "o", "signature.wav", "output WAV file")
	tuningStaticCmd.Flags().StringVarP(&tuningStaticOutput, "output", "o", "static.wav", "output WAV file")
	tuningStaticCmd.Flags().DurationVar(&tuningStaticDuration, "duration", 2*time.Second, "burst length")
}

func runTuningEncode(cmd *cobra.Command, args []string) error {
	codec := tuning.New(tuning.Config{})
	samples := codec.EncodeText(args[0])

	if err := writeWAVFile(tuningEncodeOutput, samples); err != nil {
		return err
	}

	fmt.Printf("wrote %s: %d samples, %.2fs\n",
		tuningEncodeOutput, len(samples), float64(len(samples))/tuning.SampleRate)
	return nil
}

func runTuningDecode(cmd *cobra.Command, args []string) error {
	f, err := os.Open(args[0])
	if err != nil {
		return fmt.Errorf("opening %s: %w", args[0], err)
	}
	defer f.Close()

	samples, rate, err := tuning.ReadWAV(f)
	if err != nil {
		return fmt.Errorf("reading %s: %w", args[0], err)
	}
	if rate != tuning.SampleRate {
		return fmt.Errorf("unsupported sample rate %d, want %d", rate, tuning.SampleRate)
	}

	codec := tuning.New(tuning.Config{})
	fmt.Println(codec.DecodeText(samples))
	return nil
}

func runTuningStatic(cmd *cobra.Command, args []string) error {
	codec := tuning.New(tuning.Config{})
	samples := codec.Static(tuningStaticDuration)

	if err := writeWAVFile(tuningStaticOutput, samples); err != nil {
		return err
	}

	fmt.Printf("wrote %s: %d samples, %s\n", tuningStaticOutput, len(samples), tuningStaticDuration)
	return nil
}

func writeWAVFile(path string, samples []int16) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	if err := tuning.WriteWAV(f, samples); err != nil {
		f.Close()
		return fmt.Errorf("writing %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", path, err)
	}
	return nil
}
