package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/diwise/service-chassis/pkg/infrastructure/buildinfo"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y"
	"github.com/spf13/cobra"
)

func resolveCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "resolve <resource> <id>",
		Short: "Fetch an entity and its eager associations and print them",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runResolve(cmd, configPath, args[0], args[1])
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "Path to the cache configuration")
	return cmd
}

func runResolve(cmd *cobra.Command, configPath, resource, id string) error {
	ctx, _, cleanup := o11y.Init(context.Background(), appName, buildinfo.SourceVersion(), "json")
	defer cleanup()

	cfg, err := loadConfig(ctx, configPath)
	if err != nil {
		return err
	}

	c, err := newCache(ctx, cfg)
	if err != nil {
		return err
	}
	defer c.Close()

	r, resolveErr := c.Resolve(ctx, resource, id)
	if r == nil {
		return resolveErr
	}

	if !r.Found {
		fmt.Fprintf(cmd.OutOrStdout(), "No %s found with id %q.\n", resource, id)
		return nil
	}

	out := map[string]any{
		"entity": r.Record,
	}

	for name, a := range r.Associations {
		out[name] = a.Store().Records()
	}

	b, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return err
	}

	fmt.Fprintln(cmd.OutOrStdout(), string(b))

	return resolveErr
}
