// Package config defines the recognized options for the HA replication
// core (spec.md §6) and a flag-based loader in the teacher's style.
package config

import (
	"flag"
	"time"
)

// BrokerRole is an externally observed hint; the role state machine sets
// its own state-machine version independently and never mutates this
// field, per spec.md §6.
type BrokerRole string

const (
	RoleLeader   BrokerRole = "LEADER"
	RoleFollower BrokerRole = "FOLLOWER"
)

// Config holds every option spec.md §6 recognizes.
type Config struct {
	// StorePathEpochFile is the filesystem path of the durable epoch log.
	StorePathEpochFile string

	// StorePathCommitLog is the filesystem path of the commit log this
	// node serves (an ambient addition: the log store contract needs
	// somewhere to persist, which the distilled spec leaves external).
	StorePathCommitLog string

	// StorePathCheckpoint is the filesystem path of the bbolt-backed
	// diagnostics checkpoint.
	StorePathCheckpoint string

	// HaListenAddress is this node's own replication address: where it
	// accepts channels while leading, and the identity it declares to a
	// leader while following.
	HaListenAddress string

	// RpcListenAddress is where the control-plane surface listens.
	RpcListenAddress string

	// HaMaxTimeSlaveNotCatchup is the shrink threshold for ISR eviction.
	HaMaxTimeSlaveNotCatchup time.Duration

	// BrokerRole is the externally observed role hint.
	BrokerRole BrokerRole

	// TransientStorePoolEnable controls whether role transitions toggle
	// the transient buffer pool between real-commit and buffered modes.
	TransientStorePoolEnable bool

	// InBrokerContainer and Identifier name the internal accept service
	// for telemetry only; they never affect replication behavior.
	InBrokerContainer bool
	Identifier        string

	roleFlag *string
}

// Default returns the option defaults. The role hint defaults to FOLLOWER;
// role transitions come from the supervisor, not from this hint.
func Default() Config {
	return Config{
		StorePathEpochFile:       "./data/epochFileCheckpoint",
		StorePathCommitLog:       "./data/commitlog",
		StorePathCheckpoint:      "./data/checkpoint.db",
		HaListenAddress:          ":10912",
		RpcListenAddress:         ":10913",
		HaMaxTimeSlaveNotCatchup: 15 * time.Second,
		BrokerRole:               RoleFollower,
		TransientStorePoolEnable: false,
		InBrokerContainer:        false,
		Identifier:               "default",
	}
}

// RegisterFlags binds cfg's fields to flag.CommandLine, seeded with its
// current values as defaults. Call flag.Parse() afterward.
func (cfg *Config) RegisterFlags() {
	flag.StringVar(&cfg.StorePathEpochFile, "store-path-epoch-file", cfg.StorePathEpochFile, "filesystem path of the durable epoch log")
	flag.StringVar(&cfg.StorePathCommitLog, "store-path-commit-log", cfg.StorePathCommitLog, "filesystem path of the commit log")
	flag.StringVar(&cfg.StorePathCheckpoint, "store-path-checkpoint", cfg.StorePathCheckpoint, "filesystem path of the diagnostics checkpoint")
	flag.StringVar(&cfg.HaListenAddress, "ha-listen-address", cfg.HaListenAddress, "address the leader accepts replication channels on")
	flag.StringVar(&cfg.RpcListenAddress, "rpc-listen-address", cfg.RpcListenAddress, "address the control-plane surface listens on")
	flag.DurationVar(&cfg.HaMaxTimeSlaveNotCatchup, "ha-max-time-slave-not-catchup", cfg.HaMaxTimeSlaveNotCatchup, "shrink threshold for ISR eviction")
	role := flag.String("broker-role", string(cfg.BrokerRole), "externally observed role hint: LEADER or FOLLOWER")
	flag.BoolVar(&cfg.TransientStorePoolEnable, "transient-store-pool-enable", cfg.TransientStorePoolEnable, "toggle the transient buffer pool on role transitions")
	flag.BoolVar(&cfg.InBrokerContainer, "in-broker-container", cfg.InBrokerContainer, "naming hint for the internal accept service")
	flag.StringVar(&cfg.Identifier, "identifier", cfg.Identifier, "naming hint for the internal accept service")

	cfg.roleFlag = role
}

// ResolveRole must be called after flag.Parse() to fold the parsed
// -broker-role string back into cfg.BrokerRole.
func (cfg *Config) ResolveRole() {
	if cfg.roleFlag == nil {
		return
	}
	switch BrokerRole(*cfg.roleFlag) {
	case RoleLeader:
		cfg.BrokerRole = RoleLeader
	default:
		cfg.BrokerRole = RoleFollower
	}
}
