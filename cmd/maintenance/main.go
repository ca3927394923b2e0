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
	log.Println("Starting maintenance pass...")

	db, err := database.Connect()
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	notifier := notify.FromEnv()
	reassign := engine.NewReassignmentService(db, notifier)
	reassign.HoldWindow = time.Duration(getEnvInt("HOLD_WINDOW_DAYS", 3)) * 24 * time.Hour

	sweeper := engine.NewExpirySweeper(db, reassign, notifier)
	job := engine.NewMaintenanceJob(db, sweeper, reassign, notifier)
	job.Retention = time.Duration(getEnvInt("RETENTION_DAYS", 30)) * 24 * time.Hour

	report, err := job.Run()
	if err != nil {
		log.Fatalf("Maintenance pass failed: %v", err)
	}

	log.Printf("Maintenance pass complete: %d expired, %d reassigned by sweep, %d repaired, %d titles failed, %d purged",
		report.Sweep.Expired, report.Sweep.Reassigned, report.Repaired, report.TitlesFailed, report.Purged)
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
