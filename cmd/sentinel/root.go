// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"fmt"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/sentinel/pkg/ux"
	"github.com/AleutianAI/sentinel/services/config"
)

// Set with -ldflags "-X main.version=... -X main.commit=...".
var (
	version = "dev"
	commit  = "none"
)

const serviceName = "sentinel"

func newRootCmd() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "sentinel",
		Short: "Rate limiting, redundancy, and telemetry node",
		Long: `Sentinel throttles callers per identifier, executes work against a
pool of redundant components with automatic failover, and samples
telemetry channels into bounded buffers that drain to pluggable sinks.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (YAML or JSON)")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the node until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath)
		},
	}

	checkCmd := &cobra.Command{
		Use:   "check-config",
		Short: "Validate the configuration and print the resolved values",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCheckConfig(ux.NewPrinter(cmd.OutOrStdout()), configPath)
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s (commit %s, %s)\n", serviceName, version, commit, runtime.Version())
		},
	}

	rootCmd.AddCommand(serveCmd, checkCmd, versionCmd)
	return rootCmd
}

func runCheckConfig(p *ux.Printer, path string) error {
	cfg, err := config.Load(path)
	if err != nil {
		p.Error(err.Error())
		return err
	}

	source := "defaults"
	if path != "" {
		source = path
	}
	p.Title("sentinel configuration (" + source + ")")
	p.KeyValues(map[string]string{
		"logging.level":          cfg.Logging.Level,
		"server.http_addr":       cfg.Server.HTTPAddr,
		"server.grpc_addr":       cfg.Server.GRPCAddr,
		"redundancy.strategy":    cfg.Redundancy.Strategy,
		"redundancy.components":  fmt.Sprint(cfg.Redundancy.Components),
		"telemetry.enabled":      fmt.Sprint(cfg.Telemetry.Enabled),
		"telemetry.frequency_hz": fmt.Sprint(cfg.Telemetry.FrequencyHz),
		"telemetry.sinks":        fmt.Sprint(enabledSinkNames(cfg.Sinks)),
	})

	names := make([]string, 0, len(cfg.RateLimit.Policies))
	for name := range cfg.RateLimit.Policies {
		names = append(names, name)
	}
	sort.Strings(names)
	var lines strings.Builder
	for _, name := range names {
		pc := cfg.RateLimit.Policies[name]
		algo := pc.Algorithm
		if algo == "" {
			algo = "sliding_window"
		}
		fmt.Fprintf(&lines, "%s: %d per %s (%s, block=%t)\n",
			name, pc.RequestsPerWindow, pc.Window.Round(time.Millisecond), algo, pc.BlockOnLimit)
	}
	p.Box("Rate limit policies", strings.TrimSuffix(lines.String(), "\n"))

	if len(enabledSinkNames(cfg.Sinks)) == 0 && cfg.Telemetry.Enabled {
		p.Warning("telemetry is enabled but no sinks are configured")
	}
	p.Success("configuration is valid")
	return nil
}
