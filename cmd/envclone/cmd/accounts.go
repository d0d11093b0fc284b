package cmd

import (
	"context"
	"fmt"

	"github.com/jbcom/envclone/pkg/pipeline"
)

func loadConfig() (*pipeline.Config, error) {
	cfg, err := pipeline.LoadConfig(cfgFiles...)
	if err != nil {
		return nil, fmt.Errorf("failed to load config %v: %w", cfgFiles, err)
	}
	return cfg, nil
}

// newAccounts builds both accounts on one broker. The broker's ambient
// credentials are the ones that assume the configured roles.
func newAccounts(ctx context.Context, cfg *pipeline.Config) (source, target *pipeline.Account, err error) {
	settings, err := pipeline.LoadBrokerSettings()
	if err != nil {
		return nil, nil, err
	}
	broker, err := pipeline.NewSTSBroker(ctx, cfg.Source.Region, settings)
	if err != nil {
		return nil, nil, err
	}
	rps := cfg.Pipeline.RequestsPerSecond
	source = pipeline.NewAccount("source", cfg.Source, broker, broker.Base(), rps)
	target = pipeline.NewAccount("target", cfg.Target, broker, broker.Base(), rps)
	return source, target, nil
}
