// Package config provides a reusable loader for kktp-network configuration
// files and environment variables. It is versioned so that applications can
// depend on a stable API contract.
//
// Version: v0.1.0
package config

import (
	"fmt"

	"github.com/spf13/viper"

	"kktp-network/pkg/utils"
)

// Version is the semantic version of this configuration package.
const Version = "v0.1.0"

// Config is the unified configuration for a kktp-network game client. It
// mirrors the structure of the YAML files under configs/.
type Config struct {
	Network struct {
		RPCURL          string `mapstructure:"rpc_url" json:"rpc_url"`
		WalletName      string `mapstructure:"wallet_name" json:"wallet_name"`
		GenesisTimeoutS int    `mapstructure:"genesis_timeout_s" json:"genesis_timeout_s"`
	} `mapstructure:"network" json:"network"`

	Indexer struct {
		MaxSize           int     `mapstructure:"max_size" json:"max_size"`
		TTLSeconds        int     `mapstructure:"ttl_seconds" json:"ttl_seconds"`
		PriorityTTL       bool    `mapstructure:"priority_ttl" json:"priority_ttl"`
		BatchThresholdPct float64 `mapstructure:"batch_threshold_ratio" json:"batch_threshold_ratio"`
		DedupCacheSize    int     `mapstructure:"dedup_cache_size" json:"dedup_cache_size"`
		EvictIntervalS    int     `mapstructure:"evict_interval_s" json:"evict_interval_s"`
	} `mapstructure:"indexer" json:"indexer"`

	UTXO struct {
		UsableThresholdSompi uint64 `mapstructure:"usable_threshold_sompi" json:"usable_threshold_sompi"`
		MaxSmallUTXOs        int    `mapstructure:"max_small_utxos" json:"max_small_utxos"`
		MaxInputsPerTx       int    `mapstructure:"max_inputs_per_tx" json:"max_inputs_per_tx"`
		TargetUTXOCount      int    `mapstructure:"target_utxo_count" json:"target_utxo_count"`
		IntervalMS           int    `mapstructure:"interval_ms" json:"interval_ms"`
		StaleReservationMS   int    `mapstructure:"stale_reservation_ms" json:"stale_reservation_ms"`
		AutoConsolidate      bool   `mapstructure:"auto_consolidate" json:"auto_consolidate"`
	} `mapstructure:"utxo" json:"utxo"`

	Anchor struct {
		HeartbeatIntervalS int `mapstructure:"heartbeat_interval_s" json:"heartbeat_interval_s"`
		TimeDeltaScaleMS   int `mapstructure:"time_delta_scale_ms" json:"time_delta_scale_ms"`
	} `mapstructure:"anchor" json:"anchor"`

	Session struct {
		ReplayCacheSize   int `mapstructure:"replay_cache_size" json:"replay_cache_size"`
		ReassemblyMax     int `mapstructure:"reassembly_max" json:"reassembly_max"`
		GapTimeoutS       int `mapstructure:"gap_timeout_s" json:"gap_timeout_s"`
		KeyBranchBaseSeed int `mapstructure:"key_branch_base_seed" json:"key_branch_base_seed"`
	} `mapstructure:"session" json:"session"`

	Lobby struct {
		MaxMembers         int `mapstructure:"max_members" json:"max_members"`
		FutureBufferSize   int `mapstructure:"future_buffer_size" json:"future_buffer_size"`
		FutureBufferTTLS   int `mapstructure:"future_buffer_ttl_s" json:"future_buffer_ttl_s"`
		JoinQueueTimeoutS  int `mapstructure:"join_queue_timeout_s" json:"join_queue_timeout_s"`
	} `mapstructure:"lobby" json:"lobby"`

	Metrics struct {
		ListenAddr string `mapstructure:"listen_addr" json:"listen_addr"`
	} `mapstructure:"metrics" json:"metrics"`

	Logging struct {
		Level string `mapstructure:"level" json:"level"`
		File  string `mapstructure:"file" json:"file"`
	} `mapstructure:"logging" json:"logging"`
}

// Default returns a Config populated with the same defaults documented in
// SPEC_FULL.md §4 (heartbeat cadence, UTXO pool policy knobs, replay cache
// sizes, etc). Callers that don't need a config file can start here.
func Default() Config {
	var c Config
	c.Indexer.MaxSize = 10000
	c.Indexer.TTLSeconds = 3600
	c.Indexer.PriorityTTL = true
	c.Indexer.BatchThresholdPct = 0.2
	c.Indexer.DedupCacheSize = 4096
	c.Indexer.EvictIntervalS = 30

	c.UTXO.UsableThresholdSompi = 100000000 // 1 KAS-equivalent
	c.UTXO.MaxSmallUTXOs = 50
	c.UTXO.MaxInputsPerTx = 80
	c.UTXO.TargetUTXOCount = 20
	c.UTXO.IntervalMS = 15000
	c.UTXO.StaleReservationMS = 30000
	c.UTXO.AutoConsolidate = true

	c.Anchor.HeartbeatIntervalS = 10
	c.Anchor.TimeDeltaScaleMS = 50

	c.Session.ReplayCacheSize = 1000
	c.Session.ReassemblyMax = 100
	c.Session.GapTimeoutS = 60
	c.Session.KeyBranchBaseSeed = 100

	c.Lobby.MaxMembers = 16
	c.Lobby.FutureBufferSize = 20
	c.Lobby.FutureBufferTTLS = 60
	c.Lobby.JoinQueueTimeoutS = 30

	c.Metrics.ListenAddr = ":9477"
	c.Logging.Level = "info"
	return c
}

// AppConfig holds the configuration loaded via Load or LoadFromEnv.
var AppConfig = Default()

// Load reads configuration files from configPaths and merges any
// environment-specific overrides named by env. If env is empty, only the
// default configuration is loaded. Values absent from every file keep the
// Default() values already populated in AppConfig.
func Load(env string, configPaths ...string) (*Config, error) {
	AppConfig = Default()

	viper.SetConfigName("default")
	for _, p := range configPaths {
		viper.AddConfigPath(p)
	}
	if len(configPaths) == 0 {
		viper.AddConfigPath("configs")
	}
	viper.SetConfigType("yaml")
	if err := viper.ReadInConfig(); err != nil {
		return nil, utils.Wrap(err, "load config")
	}

	if env != "" {
		viper.SetConfigName(env)
		if err := viper.MergeInConfig(); err != nil {
			return nil, utils.Wrap(err, fmt.Sprintf("merge %s config", env))
		}
	}

	viper.AutomaticEnv()

	if err := viper.Unmarshal(&AppConfig); err != nil {
		return nil, utils.Wrap(err, "unmarshal config")
	}
	return &AppConfig, nil
}

// LoadFromEnv loads configuration using the KKTP_ENV environment variable.
func LoadFromEnv() (*Config, error) {
	return Load(utils.EnvOrDefault("KKTP_ENV", ""))
}
