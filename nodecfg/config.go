// Package nodecfg loads an ain-node process's configuration, layering
// a config file, environment variables and hardcoded defaults through
// spf13/viper the way the teacher's engine/config.go hand-builds a
// flat Config -- generalized here because a real deployment needs the
// file/env/flag layering a single DefaultConfig() call can't give it.
package nodecfg

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/cshcomcom/ain-blockchain/consensus"
)

// EnvPrefix is the prefix every environment variable override carries,
// e.g. AIN_CONSENSUS_EPOCHMS overrides consensus.epochMs.
const EnvPrefix = "AIN"

// NodeConfig is the top-level configuration for one ain-node process.
type NodeConfig struct {
	Moniker    string `mapstructure:"moniker"`
	DataDir    string `mapstructure:"dataDir"`
	GenesisFile string `mapstructure:"genesisFile"`

	ListenAddr string   `mapstructure:"listenAddr"`
	Peers      []string `mapstructure:"peers"`

	Consensus ConsensusConfig `mapstructure:"consensus"`
}

// ConsensusConfig mirrors consensus.Config's field names so viper can
// bind them directly; ToEngineConfig converts it to the real type.
type ConsensusConfig struct {
	ChainID                       string        `mapstructure:"chainId"`
	EpochMS                       int64         `mapstructure:"epochMs"`
	MinNumValidators              int           `mapstructure:"minNumValidators"`
	ConsensusStateRetentionWindow int64         `mapstructure:"stateRetentionWindow"`
	NTPResyncEpochInterval        int64         `mapstructure:"ntpResyncEpochInterval"`
	MaxTimeAdjustment             time.Duration `mapstructure:"maxTimeAdjustment"`
	StrictStateProof              bool          `mapstructure:"strictStateProof"`
	StrictShardingRules           bool          `mapstructure:"strictShardingRules"`
	MessageAcceptanceWindow       time.Duration `mapstructure:"messageAcceptanceWindow"`
}

// ToEngineConfig converts the loaded configuration to consensus.Config.
func (c ConsensusConfig) ToEngineConfig() consensus.Config {
	return consensus.Config{
		ChainID:                       c.ChainID,
		EpochMS:                       c.EpochMS,
		MinNumValidators:              c.MinNumValidators,
		ConsensusStateRetentionWindow: c.ConsensusStateRetentionWindow,
		NTPResyncEpochInterval:        c.NTPResyncEpochInterval,
		MaxTimeAdjustment:             c.MaxTimeAdjustment,
		StrictStateProof:              c.StrictStateProof,
		StrictShardingRules:           c.StrictShardingRules,
		MessageAcceptanceWindow:       c.MessageAcceptanceWindow,
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("moniker", "ain-node")
	v.SetDefault("dataDir", "./data")
	v.SetDefault("genesisFile", "./genesis.json")
	v.SetDefault("listenAddr", ":26700")
	v.SetDefault("peers", []string{})

	def := consensus.DefaultConfig()
	v.SetDefault("consensus.chainId", "ain-local")
	v.SetDefault("consensus.epochMs", def.EpochMS)
	v.SetDefault("consensus.minNumValidators", def.MinNumValidators)
	v.SetDefault("consensus.stateRetentionWindow", def.ConsensusStateRetentionWindow)
	v.SetDefault("consensus.ntpResyncEpochInterval", def.NTPResyncEpochInterval)
	v.SetDefault("consensus.maxTimeAdjustment", def.MaxTimeAdjustment)
	v.SetDefault("consensus.strictStateProof", def.StrictStateProof)
	v.SetDefault("consensus.strictShardingRules", def.StrictShardingRules)
	v.SetDefault("consensus.messageAcceptanceWindow", def.MessageAcceptanceWindow)
}

// Load reads configFile (if non-empty and present) over the built-in
// defaults, then applies AIN_-prefixed environment overrides.
func Load(configFile string) (*NodeConfig, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
				return nil, fmt.Errorf("reading config file %s: %w", configFile, err)
			}
		}
	}

	var cfg NodeConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling node config: %w", err)
	}
	return &cfg, nil
}
