package main

import (
	"log"
	"os"
	"time"

	"github.com/gin-gonic/gin"

	"taskpilot/internal/api"
	"taskpilot/internal/auth"
	"taskpilot/internal/config"
	"taskpilot/internal/redis"
	"taskpilot/internal/service/agent"
	"taskpilot/internal/service/store"
	"taskpilot/internal/storage"
)

func main() {
	cfgPath := os.Getenv("TASKPILOT_CONFIG")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	dbType := os.Getenv("TASKPILOT_DB")
	if dbType == "" {
		dbType = "sqlite3"
	}
	log.Printf("dbType: %s\n", dbType)
	db, err := storage.Open(dbType, cfg)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer db.Close()

	// Create necessary tables: users, tasks, tags, conversations, messages
	if err := storage.Migrate(db, dbType); err != nil {
		log.Fatalf("migrate database: %v", err)
	}

	var cache *redis.Client
	if cfg.Redis.Enabled {
		cache, err = redis.NewClient(cfg)
		if err != nil {
			log.Fatalf("create redis client: %v", err)
		}
		defer cache.Close()
	} else {
		log.Printf("redis disabled, running without history cache and turn locks")
	}

	storeService := store.NewService(db, cache)
	authService := auth.NewService(db, 24*time.Hour)
	runner := agent.NewRunner(cfg, storeService)
	handlers := api.NewHandler(storeService, authService, runner)

	router := gin.Default()
	handlers.RegisterRoutes(router)

	addr := cfg.BasicConfig.ServerAddress
	if addr == "" {
		addr = ":8090"
	}

	if err := router.Run(addr); err != nil {
		log.Fatalf("server stopped: %v", err)
	}
}
