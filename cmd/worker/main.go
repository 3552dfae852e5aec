package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"classtrack/internal/attendance"
	"classtrack/internal/config"
	"classtrack/internal/queue"
	"classtrack/internal/schedule"
	"classtrack/internal/store"
)

// Worker consumes scan events from the redis queue and performs
// identify + check-in, so the reader keeps working even when the API
// process restarts. Run it only with QUEUE_BACKEND=redis; the in-memory
// queue is consumed inside cmd/api.
func main() {
	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("shutdown signal received")
		cancel()
	}()

	var db *store.DB
	var err error
	if cfg.StoreBackend == "postgres" {
		db, err = store.NewPostgres(cfg.DatabaseURL)
	} else {
		db, err = store.NewSQLite(cfg.SQLitePath)
	}
	if err != nil {
		log.Fatalf("store connect failed: %v", err)
	}
	defer db.Close()

	repo := attendance.NewSQLRepository(db.Client)
	if err := repo.Migrate(ctx); err != nil {
		log.Fatalf("migrate failed: %v", err)
	}
	dir := attendance.NewDirectory(repo, nil)
	svc := attendance.NewService(repo, dir, schedule.NewTable(nil), nil)

	redisClient := store.NewRedis(cfg.RedisAddr)
	defer redisClient.Close()
	q := queue.NewRedisQueue(redisClient.Client, cfg.ScanQueueKey)

	scans, err := q.Consume(ctx)
	if err != nil {
		log.Fatalf("queue consume init failed: %v", err)
	}

	log.Println("worker started, waiting for scans...")
	for s := range scans {
		rec, err := svc.CheckIn(ctx, s.UID, "")
		if err != nil {
			log.Printf("scan %s: %v", s.UID, err)
			continue
		}
		log.Printf("scan %s: checked in at %s", s.UID, rec.CheckIn.Format("15:04:05"))
	}
	log.Println("worker stopped")
}
