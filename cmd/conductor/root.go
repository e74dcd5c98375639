package main

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newRootCmd() *cobra.Command {
	v := viper.New()
	var configFile string

	rootCmd := &cobra.Command{
		Use:           "conductor",
		Short:         "Buffer chat messages per conversation and dispatch them to claude",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			if configFile != "" {
				v.SetConfigFile(configFile)
			}
		},
	}
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "path to conductor.yaml")

	rootCmd.AddCommand(
		newServeCmd(v),
		newStatusCmd(),
		newVersionCmd(),
	)
	return rootCmd
}
