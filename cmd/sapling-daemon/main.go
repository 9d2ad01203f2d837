// Copyright 2026 The Sapling Authors
// SPDX-License-Identifier: Apache-2.0

// sapling-daemon is the user-space filesystem daemon. It spawns the
// privileged helper while still privileged, drops to the real user,
// mounts the configured checkouts through the helper, and then waits:
// SIGINT/SIGTERM unmounts everything and exits; SIGHUP releases the
// kernel sessions through takeover-shutdown so a successor daemon can
// adopt them without unmounting.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/skevy/sapling/lib/privhelper"
	"github.com/skevy/sapling/lib/process"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var configPath string
	flag.StringVar(&configPath, "config", DefaultConfigPath, "path to the daemon YAML config")
	flag.Parse()

	config, err := LoadConfig(configPath)
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: config.SlogLevel(),
	}))
	slog.SetDefault(logger)

	identity := privhelper.UserIdentity{
		UID: uint32(os.Getuid()),
		GID: uint32(os.Getgid()),
	}

	// The helper must be spawned while we still hold whatever
	// privileges we were started with, and before any other goroutines
	// exist.
	helper, err := privhelper.Start(identity, logger)
	if err != nil {
		return err
	}

	if err := dropPrivileges(identity, logger); err != nil {
		stopHelper(helper, logger)
		return err
	}

	// The attach context is deliberately not the signal context:
	// shutdown needs a live channel to issue unmounts on.
	if err := helper.Attach(context.Background()); err != nil {
		stopHelper(helper, logger)
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	takeover := make(chan os.Signal, 1)
	signal.Notify(takeover, syscall.SIGHUP)

	if err := configureHelper(ctx, helper, config, logger); err != nil {
		stopHelper(helper, logger)
		return err
	}

	devices, err := mountCheckouts(ctx, helper, config, logger)
	if err != nil {
		unmountCheckouts(context.Background(), helper, config, logger)
		stopHelper(helper, logger)
		return err
	}
	defer closeDevices(devices)

	logger.Info("daemon ready", "checkouts", len(config.Checkouts))

	select {
	case <-ctx.Done():
		logger.Info("shutting down, unmounting checkouts")
		unmountCheckouts(context.Background(), helper, config, logger)
	case <-takeover:
		logger.Info("takeover requested, releasing kernel sessions")
		for _, checkout := range config.Checkouts {
			if err := helper.TakeoverShutdown(context.Background(), checkout.MountPath); err != nil {
				logger.Error("takeover shutdown failed", "path", checkout.MountPath, "err", err)
			}
		}
	}

	stopHelper(helper, logger)
	return nil
}

// configureHelper applies log and timeout settings before any mounts.
func configureHelper(ctx context.Context, helper privhelper.Helper, config *Config, logger *slog.Logger) error {
	if config.HelperLogFile != "" {
		logFile, err := os.OpenFile(config.HelperLogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("opening helper log file: %w", err)
		}
		err = helper.SetLogFile(ctx, logFile)
		logFile.Close()
		if err != nil {
			return err
		}
	}
	if timeout := config.DaemonTimeout(); timeout > 0 {
		if err := helper.SetDaemonTimeout(ctx, timeout); err != nil {
			return err
		}
	}
	return nil
}

// mountCheckouts mounts every configured checkout and its bind mounts.
// The returned device handles are what filesystem drivers serve on.
func mountCheckouts(ctx context.Context, helper privhelper.Helper, config *Config, logger *slog.Logger) ([]*os.File, error) {
	var devices []*os.File
	for _, checkout := range config.Checkouts {
		device, err := helper.Mount(ctx, checkout.MountPath, checkout.ReadOnly)
		if err != nil {
			closeDevices(devices)
			return nil, fmt.Errorf("mounting %s: %w", checkout.MountPath, err)
		}
		devices = append(devices, device)
		logger.Info("mounted checkout", "path", checkout.MountPath, "read_only", checkout.ReadOnly)

		for _, bind := range checkout.BindMounts {
			if err := helper.BindMount(ctx, bind.RepoPath, bind.MountPath); err != nil {
				closeDevices(devices)
				return nil, fmt.Errorf("bind mounting %s: %w", bind.MountPath, err)
			}
		}
	}
	return devices, nil
}

func unmountCheckouts(ctx context.Context, helper privhelper.Helper, config *Config, logger *slog.Logger) {
	for _, checkout := range config.Checkouts {
		if err := helper.Unmount(ctx, checkout.MountPath); err != nil {
			logger.Error("unmount failed", "path", checkout.MountPath, "err", err)
		}
	}
}

func stopHelper(helper privhelper.Helper, logger *slog.Logger) {
	status, err := helper.Stop()
	if err != nil {
		logger.Error("stopping privileged helper", "err", err)
		return
	}
	if status < 0 {
		logger.Warn("privileged helper killed by signal", "signal", -status)
	} else if status != 0 {
		logger.Warn("privileged helper exited with failure", "code", status)
	}
}

func closeDevices(devices []*os.File) {
	for _, device := range devices {
		device.Close()
	}
}
