package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"devpulse/internal"
	"devpulse/pkg/mlclient"
	"devpulse/pkg/storage/sqlstore"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to the service config file")
	driver := flag.String("driver", "", "Storage driver override (postgres, mysql, sqlite)")
	dsn := flag.String("dsn", "", "Storage DSN override")
	repoID := flag.Uint("repo", 0, "Repository id to score")
	mlURL := flag.String("ml-url", "", "Acceleration service base URL override")
	days := flag.Int("days", 30, "How many days of merges to score")
	flag.Parse()

	log.SetPrefix("devpulse/acceleration ")
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	if *repoID == 0 {
		log.Fatal("a repository id is required (-repo)")
	}

	storageDriver := "sqlite"
	storageDSN := "devpulse.db"
	mlBase := "http://localhost:8001"
	mlTimeout := 10 * time.Second
	if config, err := internal.LoadConfig(*configPath); err == nil {
		if config.Storage.Driver != "" {
			storageDriver = config.Storage.Driver
		}
		if config.Storage.DSN != "" {
			storageDSN = config.Storage.DSN
		}
		if config.ML.BaseURL != "" {
			mlBase = config.ML.BaseURL
		}
		if config.ML.TimeoutMS > 0 {
			mlTimeout = time.Duration(config.ML.TimeoutMS) * time.Millisecond
		}
	} else {
		log.Printf("config %s not loaded (%v), using flags and defaults", *configPath, err)
	}
	if *driver != "" {
		storageDriver = *driver
	}
	if *dsn != "" {
		storageDSN = *dsn
	}
	if *mlURL != "" {
		mlBase = *mlURL
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	store, err := sqlstore.Open(sqlstore.Config{Driver: storageDriver, DSN: storageDSN})
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer store.Close()

	pulls, err := store.ListPullRequestsForRepository(ctx, *repoID)
	if err != nil {
		log.Fatalf("list pull requests: %v", err)
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -*days)
	perDay := map[string]float64{}
	for _, pr := range pulls {
		if pr.MergedAt == nil || pr.MergedAt.Before(cutoff) {
			continue
		}
		perDay[pr.MergedAt.UTC().Format("2006-01-02")]++
	}
	if len(perDay) < 3 {
		log.Fatalf("only %d days with merges in the window, need at least 3", len(perDay))
	}

	daysSorted := make([]string, 0, len(perDay))
	for day := range perDay {
		daysSorted = append(daysSorted, day)
	}
	sort.Strings(daysSorted)

	timestamps := make([]time.Time, 0, len(daysSorted))
	metrics := make([]float64, 0, len(daysSorted))
	for _, day := range daysSorted {
		at, _ := time.Parse("2006-01-02", day)
		timestamps = append(timestamps, at)
		metrics = append(metrics, perDay[day])
	}

	client := mlclient.New(mlBase, mlTimeout)
	verdict, err := client.CalculateAcceleration(ctx, mlclient.AccelerationRequest{
		Timestamps: timestamps,
		Metrics:    metrics,
	})
	if err != nil {
		log.Fatalf("calculate acceleration: %v", err)
	}

	log.Printf("repository=%d days=%d velocity=%.2f acceleration=%.3f trend=%s confidence=%.2f",
		*repoID, len(metrics), verdict.CurrentVelocity, verdict.CurrentAcceleration, verdict.Trend, verdict.Confidence)
}
