package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/BadgerOps/nightsync/internal/config"
	"github.com/BadgerOps/nightsync/internal/remote"
	"github.com/BadgerOps/nightsync/internal/target"
)

// buildTargets constructs every configured target. Construction does not
// touch the network; reachability is checked when a run begins.
func buildTargets(ctx context.Context, cfg *config.Config, tcs []config.TargetConfig, logger *slog.Logger) ([]target.Target, error) {
	targets := make([]target.Target, 0, len(tcs))
	for _, tc := range tcs {
		t, err := buildTarget(ctx, cfg, tc, logger)
		if err != nil {
			closeTargets(targets)
			return nil, fmt.Errorf("failed to set up target %s: %w", tc.Name, err)
		}
		targets = append(targets, t)
	}
	return targets, nil
}

func buildTarget(ctx context.Context, cfg *config.Config, tc config.TargetConfig, logger *slog.Logger) (target.Target, error) {
	th, err := tc.Threshold()
	if err != nil {
		return nil, err
	}
	opts := target.Options{Name: tc.Name, Required: tc.IsRequired(), Threshold: th}

	switch tc.Kind {
	case target.KindLocalDisk, target.KindLocalExternal:
		return target.NewLocalVolume(opts, tc.Kind, tc.Root, logger)

	case target.KindRemoteShell:
		sshCfg := remote.SSHConfig{
			Host:                  tc.Host,
			Port:                  tc.Port,
			User:                  tc.User,
			KeyFile:               tc.KeyFile,
			KnownHosts:            tc.KnownHosts,
			InsecureIgnoreHostKey: tc.InsecureIgnoreHostKey,
			CommandTimeout:        tc.CommandTimeout,
			ProbeTimeout:          cfg.ProbeTimeout,
		}
		dial := func(ctx context.Context) (remote.Executor, error) {
			e, err := remote.Dial(ctx, sshCfg, logger)
			if err != nil {
				return nil, err
			}
			return e, nil
		}
		return target.NewRemoteShell(opts, tc.Host, tc.Root, dial, logger)

	case target.KindObjectStore:
		client, err := target.NewS3Client(ctx, target.S3Config{
			Bucket:          tc.Bucket,
			Prefix:          tc.Prefix,
			Region:          tc.Region,
			Endpoint:        tc.Endpoint,
			AccessKeyID:     tc.AccessKeyID,
			SecretAccessKey: tc.SecretAccessKey,
		})
		if err != nil {
			return nil, err
		}
		return target.NewObjectStore(opts, client, tc.Bucket, tc.Prefix, logger)
	}
	return nil, fmt.Errorf("unknown target kind %q", tc.Kind)
}

func closeTargets(targets []target.Target) {
	for _, t := range targets {
		if err := t.Close(); err != nil {
			logger.Warn("failed to close target", "target", t.Name(), "error", err)
		}
	}
}
