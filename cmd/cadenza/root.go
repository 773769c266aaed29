package main

import (
	"github.com/spf13/cobra"
)

// rootOptions holds flags shared by every subcommand.
type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "cadenza",
		Short: "Real-time generative improvisation engine",
		Long: `cadenza listens to a live stream of musical events, matches recent
patterns against pre-analysed corpora and schedules generated MIDI or audio
triggers in tempo-relative time.

Examples:
  # Run the server
  cadenza serve -c configs/example.yaml

  # Summarise a corpus document
  cadenza corpus inspect corpora/invention.yaml

  # Convert a corpus to msgpack
  cadenza corpus convert corpora/invention.yaml corpora/invention.msgpack

  # Show the last 20 decisions of player "lead"
  cadenza decisions lead --limit 20`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "cadenza.yaml", "path to the YAML configuration file")

	cmd.AddCommand(
		newServeCmd(opts),
		newCorpusCmd(),
		newDecisionsCmd(opts),
		newVersionCmd(),
	)
	return cmd
}
