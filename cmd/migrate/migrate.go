package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"kb-rag-service/internal/app"
	"kb-rag-service/internal/config"
	"kb-rag-service/internal/database"
	"kb-rag-service/internal/logger"
)

func usage() {
	fmt.Println("Usage: go run ./cmd/migrate <command>")
	fmt.Println("Commands:")
	fmt.Println("  ensure-collection  - Create the vector collection if it does not exist")
	fmt.Println("  create-indexes     - Create the document store indexes")
	fmt.Println("  all                - Run every step")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}
	command := os.Args[1]

	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Error("Failed to load config", "error", err)
		os.Exit(1)
	}
	log := logger.InitLogger(cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	switch command {
	case "ensure-collection":
		err = ensureCollection(ctx, cfg)
	case "create-indexes":
		err = createIndexes(ctx, cfg)
	case "all":
		err = migrateAll(ctx, cfg)
	default:
		fmt.Printf("Unknown command: %s\n", command)
		usage()
		os.Exit(1)
	}
	if err != nil {
		log.Error("Migration failed", "command", command, "error", err)
		os.Exit(1)
	}
	log.Info("Migration completed", "command", command, "collection", cfg.CollectionName)
}

func ensureCollection(ctx context.Context, cfg *config.Config) error {
	index, err := app.OpenIndex(ctx, cfg, nil)
	if err != nil {
		return err
	}
	defer index.Close()
	return index.EnsureCollection(ctx, cfg.CollectionName, cfg.VectorSize, cfg.DistanceMetric)
}

func createIndexes(ctx context.Context, cfg *config.Config) error {
	store, closeStore, err := app.OpenStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore(context.WithoutCancel(ctx))

	m, ok := store.(*database.MongoStore)
	if !ok {
		fmt.Println("In-memory store has no indexes, nothing to do")
		return nil
	}
	return m.EnsureIndexes(ctx)
}

func migrateAll(ctx context.Context, cfg *config.Config) error {
	index, err := app.OpenIndex(ctx, cfg, nil)
	if err != nil {
		return err
	}
	defer index.Close()

	store, closeStore, err := app.OpenStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore(context.WithoutCancel(ctx))

	return app.Migrate(ctx, cfg, store, index)
}
