package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/seralabs/researchmem/internal/embeddings"
	"github.com/seralabs/researchmem/internal/metrics"
	"github.com/seralabs/researchmem/pkg/knowledge"
)

var (
	configPath      = flag.String("config", "", "Path to YAML config file")
	graphURL        = flag.String("graph-url", "", "libSQL database URL for the entity graph (default: file:./researchmem.db)")
	resultsURL      = flag.String("results-url", "", "libSQL database URL for the result cache")
	authToken       = flag.String("auth-token", "", "Authentication token for remote databases")
	janitorInterval = flag.Duration("janitor-interval", 5*time.Minute, "Interval between expired-entry sweeps and health checks")
)

func main() {
	flag.Parse()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Println("Received shutdown signal, closing...")
		cancel()
	}()

	cfg := knowledge.DefaultConfig()
	if *configPath != "" {
		loaded, err := knowledge.LoadConfig(*configPath)
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
		cfg = loaded
	}

	// Initialize metrics (noop if disabled)
	metrics.InitFromEnv()

	// Override with command line flags if provided
	if *graphURL != "" {
		cfg.Graph.URL = *graphURL
	}
	if *resultsURL != "" {
		cfg.Results.URL = *resultsURL
	}
	if *authToken != "" {
		cfg.Graph.AuthToken = *authToken
	}

	kctx, err := knowledge.NewContext(cfg, embeddings.NewFromEnv())
	if err != nil {
		log.Fatalf("Failed to initialize knowledge context: %v", err)
	}
	defer func() {
		if err := kctx.Close(); err != nil {
			log.Printf("Error closing knowledge context: %v", err)
		}
	}()

	log.Println("Starting researchmem...")

	// Periodic janitor: sweep expired cache entries and probe tier health.
	go func() {
		ticker := time.NewTicker(*janitorInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				removed, err := kctx.CleanupExpired(ctx, "")
				if err != nil {
					log.Printf("Warning: cleanup failed: %v", err)
				} else if removed > 0 {
					log.Printf("Janitor removed %d expired cache entries", removed)
				}
				report := kctx.CacheHealth(ctx)
				if !report.Healthy {
					for name, health := range report.Caches {
						if !health.Healthy {
							log.Printf("Warning: cache %q degraded: %s", name, health.Reason)
						}
					}
				}
			}
		}
	}()

	<-ctx.Done()

	log.Println("Stopped")
}
