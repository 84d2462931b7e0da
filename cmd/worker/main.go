package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"classattend/internal/attendance"
	"classattend/internal/config"
	"classattend/internal/queue"
	"classattend/internal/store"
)

// Worker consumes record and session events and keeps the per-session
// analytics rows current. It also fills in absent records once a session
// completes, so reports never have holes.
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

	db, err := store.NewDB(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db connect failed: %v", err)
	}
	defer db.Close()

	redisClient := store.NewRedis(cfg.RedisAddr)

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(64)
	} else {
		q = queue.NewRedisQueue(redisClient.Client, "")
	}

	repo := attendance.NewRepository(db.Client)

	messages, err := q.Consume(ctx)
	if err != nil {
		log.Fatalf("queue consume init failed: %v", err)
	}

	log.Println("worker started, waiting for events...")
	for msg := range messages {
		var evt attendance.Event
		if err := json.Unmarshal(msg.Body, &evt); err != nil {
			log.Printf("undecodable %s event dropped: %v", msg.Type, err)
			continue
		}

		switch msg.Type {
		case attendance.EventRecordAppended:
			if err := repo.RefreshAnalytics(ctx, evt.SessionID); err != nil {
				log.Printf("analytics refresh for %s failed: %v", evt.SessionID, err)
				continue
			}
			log.Printf("analytics refreshed for session %s", evt.SessionID)

		case attendance.EventSessionEnded:
			at := evt.At
			if at.IsZero() {
				at = time.Now().UTC()
			}
			n, err := repo.MarkAbsentees(ctx, evt.SessionID, evt.CourseID, at)
			if err != nil {
				log.Printf("absentee fill for %s failed: %v", evt.SessionID, err)
				continue
			}
			if err := repo.RefreshAnalytics(ctx, evt.SessionID); err != nil {
				log.Printf("analytics refresh for %s failed: %v", evt.SessionID, err)
			}
			log.Printf("session %s closed out, %d absentees recorded", evt.SessionID, n)

		default:
			// future event types are ignored, not fatal
		}
	}

	log.Println("worker stopped")
}
