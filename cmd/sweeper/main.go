package main

import (
	"log"
	"os"
	"strconv"
	"time"

	"biblioqueue/pkg/database"
	"biblioqueue/pkg/engine"
	"biblioqueue/pkg/notify"
)

func main() {
	log.Println("Starting expiry sweep...")

	db, err := database.Connect()
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	notifier := notify.FromEnv()
	reassign := engine.NewReassignmentService(db, notifier)
	reassign.HoldWindow = time.Duration(getEnvInt("HOLD_WINDOW_DAYS", 3)) * 24 * time.Hour

	sweeper := engine.NewExpirySweeper(db, reassign, notifier)
	report, err := sweeper.Sweep()
	if err != nil {
		log.Fatalf("Expiry sweep failed: %v", err)
	}

	log.Printf("Expiry sweep complete: %d expired, %d reassigned, %d skipped, %d failed",
		report.Expired, report.Reassigned, report.Skipped, report.Failed)
}

func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil || n < 1 {
		return defaultValue
	}
	return n
}
