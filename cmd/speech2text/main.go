package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

var (
	cfgFile  string
	logLevel string
)

var rootCmd = &cobra.Command{
	Use:   "speech2text",
	Short: "Segment microphone speech into utterances and transcribe them",
	Long: `speech2text listens to an audio input, cuts the stream into utterances
at silences, stores each one in the speech history directory, sends it to a
transcription service and publishes the resulting text.

Inputs:
  device   - PortAudio capture device (default)
  wav      - replay a WAV file
  ogg      - replay an Ogg Opus file (opus build tag)
  discord  - a Discord voice channel (opus build tag)`,
	SilenceUsage: true,
	RunE:         runSession,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), "speech2text", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $SPEECH2TEXT_CONFIG or ./.speech2text/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log level (debug, info, warn, error)")
	rootCmd.AddCommand(runCmd, devicesCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
