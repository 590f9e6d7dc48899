package main

import (
	"fmt"
	"os"

	"github.com/diwise/service-chassis/pkg/infrastructure/buildinfo"
	"github.com/spf13/cobra"
)

const appName string = "context-cache"

func main() {
	root := &cobra.Command{
		Use:   appName,
		Short: "Client side entity cache kept in sync with a remote api",
	}
	root.Version = buildinfo.SourceVersion()
	root.SetVersionTemplate("{{.Version}}\n")
	root.AddCommand(serveCmd())
	root.AddCommand(resolveCmd())
	root.AddCommand(versionCmd())
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), buildinfo.SourceVersion())
			return nil
		},
	}
}
