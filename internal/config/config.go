// Package config centralizes the bootstrap fabric's and scheduler's
// tunables, replacing the reference implementation's global mutable
// state (launcher endpoint, rank, debug flags, tree handles) with a
// single immutable struct built once at process startup from the
// environment (and, optionally, a YAML file layered underneath via
// viper) and threaded explicitly into every entry point.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/viper"
)

// Config holds every tunable named in the bootstrap fabric's
// environment-variable table plus the scheduler's own settings.
type Config struct {
	// Wireup / connect policy.
	OpenTimeout    time.Duration // MPIRUN_OPEN_TIMEOUT
	ConnectTries   int           // MPIRUN_CONNECT_TRIES
	ConnectTimeout time.Duration // MPIRUN_CONNECT_TIMEOUT
	ConnectBackoff time.Duration // MPIRUN_CONNECT_BACKOFF
	ConnectRandom  bool          // MPIRUN_CONNECT_RANDOM
	ConnectDown    bool          // MPIRUN_CONNECT_DOWN (parent connects to child)

	// Bootstrap driver selection.
	UseTrees     bool // MPIRUN_USE_TREES
	PMIEnable    bool // MPIRUN_PMI_ENABLE
	ShmEnable    bool // MPIRUN_SHM_ENABLE
	ShmThreshold int  // MPIRUN_SHM_THRESHOLD
	TreeKind     string // FLOWMESH_TREE_KIND: "binomial" (default) or "binary"

	// KVS-mediated driver: a directory shared by every rank, standing
	// in for the process manager's real KVS store.
	KVSDir string // FLOWMESH_KVS_DIR

	// Shared-memory + leader-tree driver: ranks local to this node.
	LocalRanks     string        // FLOWMESH_LOCAL_RANKS, an idset expression
	ShmCheckinPath string        // FLOWMESH_SHM_CHECKIN_PATH
	ShmCheckinTO   time.Duration // FLOWMESH_SHM_CHECKIN_TIMEOUT (seconds)

	// Leader tree, when it spans more than this one node: the other
	// leaders' hostnames in leader-rank order (this node's own host
	// included, at its own leader rank) and the port range each leader
	// binds into, so peers can find it with the port-scan connector
	// instead of an exchanged port number.
	LeaderPeerHosts string // FLOWMESH_LEADER_PEER_HOSTS, comma-separated
	LeaderPortRange string // FLOWMESH_LEADER_PORT_RANGE, a rangeparse expression

	// Demo-only fault injection: the rank that originates a synthetic
	// abort, or -1 to disable.
	AbortRank int // FLOWMESH_ABORT_RANK

	// Authentication.
	AuthenticateEnable  bool          // MPIRUN_AUTHENTICATE_ENABLE
	AuthenticateTimeout time.Duration // MPIRUN_AUTHENTICATE_TIMEOUT (ms)

	// Port scan (leader-tree and generic connector).
	PortScanTimeout   time.Duration // MPIRUN_PORT_SCAN_TIMEOUT
	PortScanConnectTO time.Duration // MPIRUN_PORT_SCAN_CONNECT_TIMEOUT
	PortScanAttempts  int           // MPIRUN_PORT_SCAN_CONNECT_ATTEMPTS
	PortScanSleep     time.Duration // MPIRUN_PORT_SCAN_CONNECT_SLEEP

	// Launcher endpoint / identity.
	LauncherHost string // MPIRUN_HOST
	LauncherPort int    // MPIRUN_PORT
	Rank         int    // MPIRUN_RANK
	NProcs       int    // MPIRUN_NPROCS
	ID           string // MPIRUN_ID

	// Scheduler.
	AllocationMode   string // e.g. "worst-fit", "best-fit", "first-fit"
	ConcurrencyMode  string // "unlimited" or "limited"
	ConcurrencyLimit int    // meaningful when ConcurrencyMode == "limited"
}

// Default returns the configuration the reference fabric ships with.
func Default() *Config {
	return &Config{
		OpenTimeout:    60 * time.Second,
		ConnectTries:   10,
		ConnectTimeout: 5 * time.Second,
		ConnectBackoff: 2 * time.Second,
		ConnectRandom:  false,
		ConnectDown:    true,

		UseTrees:     true,
		PMIEnable:    false,
		ShmEnable:    false,
		ShmThreshold: 16,
		TreeKind:     "binomial",

		ShmCheckinTO: 10 * time.Second,
		AbortRank:    -1,

		AuthenticateEnable:  false,
		AuthenticateTimeout: 2 * time.Second,

		PortScanTimeout:   30 * time.Second,
		PortScanConnectTO: 1 * time.Second,
		PortScanAttempts:  5,
		PortScanSleep:     200 * time.Millisecond,

		LauncherHost: "127.0.0.1",
		LauncherPort: 0,
		Rank:         0,
		NProcs:       1,
		ID:           "",

		AllocationMode:   "first-fit",
		ConcurrencyMode:  "limited",
		ConcurrencyLimit: 8,
	}
}

// Load builds a Config by layering, in increasing priority: built-in
// defaults, an optional YAML file (path given by FLOWMESH_CONFIG_FILE,
// read through viper so later CLI integration gets flag-binding for
// free), then the MPIRUN_*/FLOWMESH_* environment variables.
func Load() (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	if path := os.Getenv("FLOWMESH_CONFIG_FILE"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := v.Unmarshal(cfg); err != nil {
			return nil, fmt.Errorf("config: unmarshal %s: %w", path, err)
		}
	}

	cfg.OpenTimeout = getDurationSeconds("MPIRUN_OPEN_TIMEOUT", cfg.OpenTimeout)
	cfg.ConnectTries = getInt("MPIRUN_CONNECT_TRIES", cfg.ConnectTries)
	cfg.ConnectTimeout = getDurationSeconds("MPIRUN_CONNECT_TIMEOUT", cfg.ConnectTimeout)
	cfg.ConnectBackoff = getDurationSeconds("MPIRUN_CONNECT_BACKOFF", cfg.ConnectBackoff)
	cfg.ConnectRandom = getBool("MPIRUN_CONNECT_RANDOM", cfg.ConnectRandom)
	cfg.ConnectDown = getBool("MPIRUN_CONNECT_DOWN", cfg.ConnectDown)

	cfg.UseTrees = getBool("MPIRUN_USE_TREES", cfg.UseTrees)
	cfg.PMIEnable = getBool("MPIRUN_PMI_ENABLE", cfg.PMIEnable)
	cfg.ShmEnable = getBool("MPIRUN_SHM_ENABLE", cfg.ShmEnable)
	cfg.ShmThreshold = getInt("MPIRUN_SHM_THRESHOLD", cfg.ShmThreshold)
	cfg.TreeKind = getString("FLOWMESH_TREE_KIND", cfg.TreeKind)

	cfg.KVSDir = getString("FLOWMESH_KVS_DIR", cfg.KVSDir)

	cfg.LocalRanks = getString("FLOWMESH_LOCAL_RANKS", cfg.LocalRanks)
	cfg.ShmCheckinPath = getString("FLOWMESH_SHM_CHECKIN_PATH", cfg.ShmCheckinPath)
	cfg.ShmCheckinTO = getDurationSeconds("FLOWMESH_SHM_CHECKIN_TIMEOUT", cfg.ShmCheckinTO)

	cfg.LeaderPeerHosts = getString("FLOWMESH_LEADER_PEER_HOSTS", cfg.LeaderPeerHosts)
	cfg.LeaderPortRange = getString("FLOWMESH_LEADER_PORT_RANGE", cfg.LeaderPortRange)

	cfg.AbortRank = getInt("FLOWMESH_ABORT_RANK", cfg.AbortRank)

	cfg.AuthenticateEnable = getBool("MPIRUN_AUTHENTICATE_ENABLE", cfg.AuthenticateEnable)
	cfg.AuthenticateTimeout = getDurationMillis("MPIRUN_AUTHENTICATE_TIMEOUT", cfg.AuthenticateTimeout)

	cfg.PortScanTimeout = getDurationSeconds("MPIRUN_PORT_SCAN_TIMEOUT", cfg.PortScanTimeout)
	cfg.PortScanConnectTO = getDurationSeconds("MPIRUN_PORT_SCAN_CONNECT_TIMEOUT", cfg.PortScanConnectTO)
	cfg.PortScanAttempts = getInt("MPIRUN_PORT_SCAN_CONNECT_ATTEMPTS", cfg.PortScanAttempts)
	cfg.PortScanSleep = getDurationMillis("MPIRUN_PORT_SCAN_CONNECT_SLEEP", cfg.PortScanSleep)

	cfg.LauncherHost = getString("MPIRUN_HOST", cfg.LauncherHost)
	cfg.LauncherPort = getInt("MPIRUN_PORT", cfg.LauncherPort)
	cfg.Rank = getInt("MPIRUN_RANK", cfg.Rank)
	cfg.NProcs = getInt("MPIRUN_NPROCS", cfg.NProcs)
	cfg.ID = getString("MPIRUN_ID", cfg.ID)

	cfg.AllocationMode = getString("FLOWMESH_ALLOC_MODE", cfg.AllocationMode)
	cfg.ConcurrencyMode = getString("FLOWMESH_CONCURRENCY_MODE", cfg.ConcurrencyMode)
	cfg.ConcurrencyLimit = getInt("FLOWMESH_CONCURRENCY_LIMIT", cfg.ConcurrencyLimit)

	return cfg, nil
}

func getString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getDurationSeconds(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return time.Duration(n) * time.Second
		}
	}
	return def
}

func getDurationMillis(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return time.Duration(n) * time.Millisecond
		}
	}
	return def
}
