package main

import (
	"context"
	"fmt"
	"os"

	"github.com/diwise/context-cache/internal/pkg/application/cache"
	"github.com/diwise/context-cache/internal/pkg/application/config"
	"github.com/diwise/context-cache/pkg/client"
	"github.com/diwise/service-chassis/pkg/infrastructure/env"
)

const (
	defaultConfigPath   string = "/opt/diwise/config/context-cache.yaml"
	defaultPoliciesPath string = "/opt/diwise/config/authz.rego"
)

func loadConfig(ctx context.Context, path string) (*config.Config, error) {
	if path == "" {
		path = env.GetVariableOrDefault(ctx, "CACHE_CONFIG_PATH", defaultConfigPath)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open configuration file %s: %w", path, err)
	}
	defer f.Close()

	return config.LoadConfiguration(f)
}

func newCache(ctx context.Context, cfg *config.Config) (*cache.Cache, error) {
	fetcher := client.New(
		client.Tenant(cfg.Tenant),
		client.TenantHeader(cfg.TenantHeader),
		client.BearerToken(env.GetVariableOrDefault(ctx, "API_TOKEN", "")),
		client.Debug(env.GetVariableOrDefault(ctx, "DEBUG_CLIENT", "false")),
	)

	return cache.New(ctx, cfg, fetcher)
}
