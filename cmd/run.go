package cmd

import (
	"log"

	"github.com/IndustrialMindustry/industrial-cogs/hugface"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run [flags]",
	Short: "Connects the bot to discord and starts the admin API",
	Run: func(cmd *cobra.Command, _ []string) {
		hf, err := hugface.New(cfg)
		if err != nil {
			log.Fatalf("error creating bot: %s", err.Error())
		}
		if err = hf.Run(cmd.Context()); err != nil {
			log.Fatalf("error running bot: %s", err.Error())
		}
	},
}

//nolint:gochecknoinits
func init() {
	rootCmd.AddCommand(runCmd)
}
