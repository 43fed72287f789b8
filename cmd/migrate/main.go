package main

import (
	"context"
	"log"
	"os"

	"github.com/safar/go-checkout-store/internal/config"
	"github.com/safar/go-checkout-store/internal/database"
	"github.com/safar/go-checkout-store/internal/logging"
	"go.uber.org/zap"
)

func main() {
	if len(os.Args) < 2 {
		log.Fatal("Usage: migrate [up|down]")
	}

	direction := database.Direction(os.Args[1])
	if direction != database.DirectionUp && direction != database.DirectionDown {
		log.Fatal("Direction must be 'up' or 'down'")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Load config: %v", err)
	}

	logger, err := logging.NewLogger(cfg.Log.Service+"-migrate", cfg.Log.Env, "")
	if err != nil {
		log.Fatalf("Create logger: %v", err)
	}
	defer logger.Sync()

	db, err := database.NewConnection(context.Background(), &cfg.Database)
	if err != nil {
		logger.Fatal("connect to database", zap.Error(err))
	}
	defer db.Close()

	if err := database.Migrate(db, direction); err != nil {
		logger.Fatal("migrate", zap.String("direction", string(direction)), zap.Error(err))
	}

	logger.Info("migrations applied", zap.String("direction", string(direction)))
}
