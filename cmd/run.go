package cmd

import (
	"log"

	"github.com/koemilabs/koemi/koemi"
	"github.com/spf13/cobra"
)

var (
	runCmd = &cobra.Command{
		Use:   "run [flags]",
		Short: "Starts the Koemi bot and liveness endpoint",
		Run: func(cmd *cobra.Command, _ []string) {
			ctx := cmd.Context()
			bot, err := koemi.New(cfg)
			if err != nil {
				log.Fatalf("error creating koemi: %s", err.Error())
			}

			if err = bot.Run(ctx); err != nil {
				log.Fatalf("error running koemi: %s", err.Error())
			}
		},
	}
)

//goland:noinspection GoLinter
func init() {
	rootCmd.AddCommand(runCmd)
}
