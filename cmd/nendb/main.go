package main

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/cuemby/nendb/pkg/engine"
	"github.com/cuemby/nendb/pkg/log"
	"github.com/cuemby/nendb/pkg/types"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "nendb",
	Short: "nendb - embedded graph storage engine",
	Long: `nendb is the core of an embedded graph database: fixed-capacity
struct-of-arrays node/edge/embedding pools, a CRC-protected
write-ahead log, and snapshot+WAL recovery.

This binary is a thin driver over the engine package -- it opens a
data directory, reports its status, and exercises a synthetic batch.
It contains no query language, graph algorithm, or server surface.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("nendb version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("data-dir", "", "Data directory (required)")
	rootCmd.PersistentFlags().String("config", "", "Path to a YAML config file; overrides --data-dir and flags below it")

	statsCmd.Flags().Bool("fail-on-unhealthy", false, "Exit non-zero if the WAL is unhealthy at close")
	rootCmd.AddCommand(statsCmd)

	benchBatchCmd.Flags().Uint32("nodes", 100, "Number of synthetic nodes to create in the batch")
	rootCmd.AddCommand(benchBatchCmd)

	snapshotCmd.AddCommand(snapshotTakeCmd)
	rootCmd.AddCommand(snapshotCmd)
}

// fileConfig mirrors the subset of types.Config a driver user would
// plausibly hand-write in YAML; DefaultConfig fills in everything else.
type fileConfig struct {
	DataDir           string `yaml:"data_dir"`
	NodeCapacity      uint32 `yaml:"node_capacity"`
	EdgeCapacity      uint32 `yaml:"edge_capacity"`
	EmbeddingCapacity uint32 `yaml:"embedding_capacity"`
	EmbeddingDim      uint32 `yaml:"embedding_dim"`
	NodePropSize      uint32 `yaml:"node_prop_size"`
	EdgePropSize      uint32 `yaml:"edge_prop_size"`
	BatchMaxSize      uint32 `yaml:"batch_max_size"`
}

// loadConfig resolves engine configuration from --config (if set) over
// DefaultConfig, or from --data-dir alone against DefaultConfig.
func loadConfig(cmd *cobra.Command) (types.Config, error) {
	dataDir, _ := cmd.Flags().GetString("data-dir")
	configPath, _ := cmd.Flags().GetString("config")

	if configPath == "" {
		if dataDir == "" {
			return types.Config{}, fmt.Errorf("--data-dir is required (or pass --config)")
		}
		return types.DefaultConfig(dataDir), nil
	}

	raw, err := os.ReadFile(configPath)
	if err != nil {
		return types.Config{}, fmt.Errorf("read config %s: %w", configPath, err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return types.Config{}, fmt.Errorf("parse config %s: %w", configPath, err)
	}
	if fc.DataDir == "" && dataDir == "" {
		return types.Config{}, fmt.Errorf("config %s has no data_dir and --data-dir was not given", configPath)
	}
	if fc.DataDir == "" {
		fc.DataDir = dataDir
	}

	cfg := types.DefaultConfig(fc.DataDir)
	if fc.NodeCapacity != 0 {
		cfg.NodeCapacity = fc.NodeCapacity
	}
	if fc.EdgeCapacity != 0 {
		cfg.EdgeCapacity = fc.EdgeCapacity
	}
	if fc.EmbeddingCapacity != 0 {
		cfg.EmbeddingCapacity = fc.EmbeddingCapacity
	}
	if fc.EmbeddingDim != 0 {
		cfg.EmbeddingDim = fc.EmbeddingDim
	}
	if fc.NodePropSize != 0 {
		cfg.NodePropSize = fc.NodePropSize
	}
	if fc.EdgePropSize != 0 {
		cfg.EdgePropSize = fc.EdgePropSize
	}
	if fc.BatchMaxSize != 0 {
		cfg.BatchMaxSize = fc.BatchMaxSize
	}
	return cfg, nil
}

func initLogging(cmd *cobra.Command) {
	level, _ := cmd.Flags().GetString("log-level")
	jsonOut, _ := cmd.Flags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(level), JSONOutput: jsonOut})
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Open a data directory and print engine status as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		initLogging(cmd)
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		e, err := engine.Open(cfg)
		if err != nil {
			return fmt.Errorf("open engine: %w", err)
		}
		defer e.Close()

		stats := e.Stats()
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(stats); err != nil {
			return err
		}

		failOnUnhealthy, _ := cmd.Flags().GetBool("fail-on-unhealthy")
		if failOnUnhealthy && !stats.WAL.Healthy {
			return fmt.Errorf("wal unhealthy: %s", stats.WAL.LastError)
		}
		return nil
	},
}

var benchBatchCmd = &cobra.Command{
	Use:   "bench-batch",
	Short: "Open a data directory, commit one synthetic batch, and report its latency",
	RunE: func(cmd *cobra.Command, args []string) error {
		initLogging(cmd)
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		nodeCount, _ := cmd.Flags().GetUint32("nodes")

		e, err := engine.Open(cfg)
		if err != nil {
			return fmt.Errorf("open engine: %w", err)
		}
		defer e.Close()

		b := e.Batch()
		base := uint64(rand.Int63())
		for i := uint32(0); i < nodeCount; i++ {
			if err := b.AddCreateNode(base+uint64(i), uint8(i%8), nil); err != nil {
				return fmt.Errorf("build batch: %w", err)
			}
		}

		start := time.Now()
		result, err := e.Execute(b)
		if err != nil {
			return fmt.Errorf("execute batch: %w", err)
		}
		elapsed := time.Since(start)

		fmt.Printf("committed %d messages (batch_id=%s, last_lsn=%d) in %s\n",
			result.Processed, result.BatchID, result.LastLSN, elapsed)
		return nil
	},
}

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Snapshot management",
}

var snapshotTakeCmd = &cobra.Command{
	Use:   "take",
	Short: "Write a point-in-time snapshot and rotate the WAL",
	RunE: func(cmd *cobra.Command, args []string) error {
		initLogging(cmd)
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		e, err := engine.Open(cfg)
		if err != nil {
			return fmt.Errorf("open engine: %w", err)
		}
		defer e.Close()

		lsn, err := e.Snapshot()
		if err != nil {
			return fmt.Errorf("snapshot: %w", err)
		}
		fmt.Printf("snapshot written at lsn=%d\n", lsn)
		return nil
	},
}
