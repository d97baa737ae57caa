// Package main provides the SuplementDB CLI entry point.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/latisnere77/SuplementIA-sub012/pkg/config"
	"github.com/latisnere77/SuplementIA-sub012/pkg/resolver"
	"github.com/latisnere77/SuplementIA-sub012/pkg/server"
	"github.com/latisnere77/SuplementIA-sub012/pkg/suplementdb"
	"github.com/latisnere77/SuplementIA-sub012/pkg/supplement"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "suplementdb",
		Short: "SuplementDB - Supplement Query Resolution Engine",
		Long: `SuplementDB resolves free-text supplement queries against a
vector store of known supplements, with tiered caching and a background
discovery pipeline for queries it has never seen.

Features:
  • Tiered query cache (memory + disk) with TTL
  • HNSW vector search over supplement embeddings
  • Exact-name fast path with alias support
  • Background discovery with PubMed evidence validation
  • Legacy lookup fallback for upstream outages`,
	}

	rootCmd.PersistentFlags().String("config", "", "YAML config file path")

	// Version command
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("SuplementDB v%s (%s)\n", version, commit)
		},
	})

	// Serve command
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start SuplementDB server",
		Long:  "Start SuplementDB with the HTTP API and the background discovery worker",
		RunE:  runServe,
	}
	serveCmd.Flags().Int("http-port", 8470, "HTTP API port")
	serveCmd.Flags().String("data-dir", "./data", "Data directory")
	serveCmd.Flags().String("embedding-provider", "ollama", "Embedding provider (ollama, openai, local)")
	serveCmd.Flags().String("embedding-url", "http://localhost:11434", "Embedding API URL (Ollama)")
	serveCmd.Flags().String("embedding-model", "all-minilm", "Embedding model name")
	serveCmd.Flags().Int("embedding-dim", 384, "Embedding dimensions")
	serveCmd.Flags().Bool("no-discovery", false, "Disable the background discovery worker")
	rootCmd.AddCommand(serveCmd)

	// Search command
	searchCmd := &cobra.Command{
		Use:   "search [query]",
		Short: "Resolve a supplement query against a local data directory",
		Args:  cobra.ExactArgs(1),
		RunE:  runSearch,
	}
	searchCmd.Flags().String("data-dir", "./data", "Data directory")
	searchCmd.Flags().Float64("min-similarity", 0, "Similarity threshold override")
	searchCmd.Flags().Int("limit", 0, "Result limit override")
	rootCmd.AddCommand(searchCmd)

	// Import command
	importCmd := &cobra.Command{
		Use:   "import [file]",
		Short: "Bulk-load supplements from a JSON file",
		Long: `Import a JSON array of supplement records. Each entry needs at
least a name; embeddings are computed for entries without a vector.`,
		Args: cobra.ExactArgs(1),
		RunE: runImport,
	}
	importCmd.Flags().String("data-dir", "./data", "Data directory")
	rootCmd.AddCommand(importCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig builds the effective config: file + env, then flag
// overrides for the flags the user actually set.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		path = os.Getenv("SUPLEMENTDB_CONFIG")
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	if cmd.Flags().Changed("data-dir") {
		cfg.Database.DataDir, _ = cmd.Flags().GetString("data-dir")
	}
	if cmd.Flags().Changed("http-port") {
		cfg.Server.Port, _ = cmd.Flags().GetInt("http-port")
	}
	if cmd.Flags().Changed("embedding-provider") {
		cfg.Embedding.Provider, _ = cmd.Flags().GetString("embedding-provider")
	}
	if cmd.Flags().Changed("embedding-url") {
		cfg.Embedding.APIURL, _ = cmd.Flags().GetString("embedding-url")
	}
	if cmd.Flags().Changed("embedding-model") {
		cfg.Embedding.Model, _ = cmd.Flags().GetString("embedding-model")
	}
	if cmd.Flags().Changed("embedding-dim") {
		cfg.Database.Dimensions, _ = cmd.Flags().GetInt("embedding-dim")
	}
	if noDiscovery, _ := cmd.Flags().GetBool("no-discovery"); noDiscovery {
		cfg.Discovery.Enabled = false
	}

	return cfg, cfg.Validate()
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	cfg.Runtime.ApplyRuntimeMemory()

	fmt.Printf("🚀 Starting SuplementDB v%s\n", version)
	fmt.Printf("   Data directory:  %s\n", cfg.Database.DataDir)
	fmt.Printf("   HTTP API:        http://localhost:%d\n", cfg.Server.Port)
	fmt.Printf("   Embedding:       %s/%s (%d dims)\n",
		cfg.Embedding.Provider, cfg.Embedding.Model, cfg.Database.Dimensions)
	fmt.Println()

	fmt.Println("📂 Opening database...")
	db, err := suplementdb.Open(cfg)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	if !cfg.Discovery.Enabled {
		fmt.Println("⚠️  Discovery worker disabled")
	}

	serverConfig := server.DefaultConfig()
	serverConfig.Address = cfg.Server.Address
	serverConfig.Port = cfg.Server.Port
	serverConfig.ReadTimeout = cfg.Server.ReadTimeout
	serverConfig.WriteTimeout = cfg.Server.WriteTimeout

	httpServer, err := server.New(server.Deps{
		Shim:     db.Shim(),
		Resolver: db.Resolver(),
		Store:    db.Store(),
		Queue:    db.Queue(),
		Worker:   db.Worker(),
	}, serverConfig)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	if err := httpServer.Start(); err != nil {
		return fmt.Errorf("starting server: %w", err)
	}

	fmt.Println()
	fmt.Println("✅ SuplementDB is ready!")
	fmt.Println()
	fmt.Println("Endpoints:")
	fmt.Printf("  • Search:       GET  http://localhost:%d/search?q=...\n", cfg.Server.Port)
	fmt.Printf("  • Records:      POST http://localhost:%d/supplements\n", cfg.Server.Port)
	fmt.Printf("  • Discovery:    GET  http://localhost:%d/discovery/stats\n", cfg.Server.Port)
	fmt.Printf("  • Health:       GET  http://localhost:%d/health\n", cfg.Server.Port)
	fmt.Println()
	fmt.Println("Press Ctrl+C to stop")
	fmt.Println()

	// Block until shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	fmt.Println("\n🛑 Shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Stop(ctx); err != nil {
		return fmt.Errorf("stopping server: %w", err)
	}

	fmt.Println("✅ Server stopped gracefully")
	return nil
}

func runSearch(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	// One-shot local lookup; don't spin up the worker.
	cfg.Discovery.Enabled = false

	db, err := suplementdb.Open(cfg)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	minSim, _ := cmd.Flags().GetFloat64("min-similarity")
	limit, _ := cmd.Flags().GetInt("limit")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	res, err := db.Search(ctx, args[0], resolver.Options{
		MinSimilarity: minSim,
		Limit:         limit,
	})
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func runImport(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	cfg.Discovery.Enabled = false

	fmt.Printf("📥 Importing supplements from %s\n", args[0])

	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("reading import file: %w", err)
	}

	var inputs []supplement.Input
	if err := json.Unmarshal(data, &inputs); err != nil {
		return fmt.Errorf("parsing import file: %w", err)
	}

	db, err := suplementdb.Open(cfg)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	startTime := time.Now()
	imported, skipped := 0, 0
	for i := range inputs {
		if _, err := db.Insert(ctx, &inputs[i]); err != nil {
			fmt.Printf("   ⚠️  %q: %v\n", inputs[i].Name, err)
			skipped++
			continue
		}
		imported++
	}

	fmt.Printf("✅ Imported %d supplements (%d skipped) in %v\n",
		imported, skipped, time.Since(startTime))
	return nil
}
