// Copyright 2024 The TinyDD Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config holds the DD server's TOML-backed configuration, parsed
// with BurntSushi/toml the same way the teacher's server/config parses PD's
// config file.
package config

import (
	"flag"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
)

// Config is the dd-server process configuration.
type Config struct {
	*flag.FlagSet `toml:"-"`

	ConfigFile string `toml:"-"`
	Version    bool   `toml:"-"`

	EtcdEndpoints []string `toml:"etcd-endpoints"`
	MetadataRoot  string   `toml:"metadata-root"`
	LogLevel      string   `toml:"log-level"`

	// DataDistribution knobs, named after the spec's SERVER_KNOBS.
	DD DataDistributionConfig `toml:"data-distribution"`
	RK RateKeeperConfig       `toml:"rate-keeper"`
}

// DataDistributionConfig carries the tunables named throughout spec.md §4.
type DataDistributionConfig struct {
	PrioritySplitPhysicalShardThreshold int64 `toml:"priority-split-physical-shard-threshold-bytes"`
	PriorityMergePhysicalShardThreshold int64 `toml:"priority-merge-physical-shard-threshold-bytes"`
	ColdReadBandwidthCutoff             int64 `toml:"cold-read-bandwidth-cutoff-bytes-per-sec"`
	PhysicalShardAwareGetTeam           bool  `toml:"physical-shard-aware-get-team"`

	RecoveryParallelism int `toml:"recovery-parallelism"`
	UnhealthyParallelism int `toml:"unhealthy-parallelism"`
	RebalanceParallelism int `toml:"rebalance-parallelism"`
	WiggleParallelism    int `toml:"wiggle-parallelism"`

	RetryBackoffBaseMillis int `toml:"retry-backoff-base-millis"`
	RetryBackoffCapMillis  int `toml:"retry-backoff-cap-millis"`
}

// RateKeeperConfig carries the Rate Keeper tunables from spec.md §4.6.
type RateKeeperConfig struct {
	TargetQueueBytes         int64   `toml:"target-queue-bytes"`
	SpringBytes              int64   `toml:"spring-bytes"`
	TargetDurabilityLagBytes int64   `toml:"target-durability-lag-bytes"`
	MinFreeSpaceBytes        int64   `toml:"min-free-space-bytes"`
	MinFreeSpaceRatio        float64 `toml:"min-free-space-ratio"`
	TargetVersionDifference  int64   `toml:"target-version-difference"`
	MaxMachinesFallingBehind int     `toml:"max-machines-falling-behind"`
	DefaultLimit             float64 `toml:"default-limit"`
	NeededTPSHistorySamples  int     `toml:"needed-tps-history-samples"`

	// HealthRelocationHeadroom is the fraction of the computed TPS ceiling
	// held back while an unhealthy- or wiggle-band relocation is in
	// flight, reserving write bandwidth for that relocation's own data
	// movement traffic (spec.md §4.4's "Rate Keeper reads them to reserve
	// headroom").
	HealthRelocationHeadroom float64 `toml:"health-relocation-headroom"`
}

// Default returns the configuration used when no TOML file is supplied,
// with knob values matching the magnitudes used in spec.md §8's seed tests.
func Default() *Config {
	return &Config{
		MetadataRoot: "tinydd",
		LogLevel:     "info",
		DD: DataDistributionConfig{
			PrioritySplitPhysicalShardThreshold: 10 << 30, // 10 GiB
			PriorityMergePhysicalShardThreshold: 1 << 30,  // 1 GiB
			ColdReadBandwidthCutoff:             1 << 20,  // 1 MiB/s
			PhysicalShardAwareGetTeam:           false,
			RecoveryParallelism:                 10,
			UnhealthyParallelism:                5,
			RebalanceParallelism:                2,
			WiggleParallelism:                   1,
			RetryBackoffBaseMillis:              500,
			RetryBackoffCapMillis:               30_000,
		},
		RK: RateKeeperConfig{
			TargetQueueBytes:         1_000_000_000,
			SpringBytes:              100_000_000,
			TargetDurabilityLagBytes: 2_000_000_000,
			MinFreeSpaceBytes:        1 << 30, // 1 GiB
			MinFreeSpaceRatio:        0.05,
			TargetVersionDifference:  2_000_000_000,
			MaxMachinesFallingBehind: 0,
			DefaultLimit:             10_000,
			NeededTPSHistorySamples:  5,
			HealthRelocationHeadroom: 0.1,
		},
	}
}

// NewConfig returns a Config wired to a FlagSet, matching the teacher's
// NewConfig()/Parse() split in server/config/config.go.
func NewConfig() *Config {
	cfg := Default()
	cfg.FlagSet = flag.NewFlagSet("dd-server", flag.ContinueOnError)
	fs := cfg.FlagSet
	fs.StringVar(&cfg.ConfigFile, "config", "", "path to a TOML config file")
	fs.BoolVar(&cfg.Version, "version", false, "print version information and exit")
	return cfg
}

// Parse parses command-line flags and, if -config was given, merges in the
// TOML file (flags win on conflict), mirroring the teacher's precedence
// order of flags over file over defaults.
func (c *Config) Parse(args []string) error {
	if err := c.FlagSet.Parse(args); err != nil {
		return err
	}
	if c.ConfigFile == "" {
		return nil
	}
	data, err := os.ReadFile(c.ConfigFile)
	if err != nil {
		return errors.WithStack(err)
	}
	if _, err := toml.Decode(string(data), c); err != nil {
		return errors.WithStack(err)
	}
	return nil
}
