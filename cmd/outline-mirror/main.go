package main

import (
	"context"
	"flag"
	"log"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/outlinehq/outlinesync/internal/mirror"
	"github.com/outlinehq/outlinesync/internal/treesync"
)

func main() {
	baseURL := flag.String("base-url", envOrDefault("OUTLINE_BASE_URL", "http://127.0.0.1:5001"), "outline server base URL")
	localDir := flag.String("local-dir", strings.TrimSpace(os.Getenv("OUTLINE_LOCAL_DIR")), "local mirror directory")
	rootIdentity := flag.String("root", envOrDefault("OUTLINE_ROOT", treesync.DefaultRootIdentity), "root item identity")
	interval := flag.Duration("interval", durationEnv("OUTLINE_POLL_INTERVAL", 2*time.Second), "change feed poll interval")
	intervalJitter := flag.Float64("interval-jitter", floatEnv("OUTLINE_POLL_INTERVAL_JITTER", 0.2), "poll interval jitter ratio (0.0-1.0)")
	quiescence := flag.Duration("quiescence", durationEnv("OUTLINE_QUIESCENCE", time.Second), "edit debounce window")
	timeout := flag.Duration("timeout", durationEnv("OUTLINE_TIMEOUT", 15*time.Second), "per-request timeout")
	once := flag.Bool("once", false, "bootstrap, run one poll cycle, and exit")
	flag.Parse()

	if strings.TrimSpace(*localDir) == "" {
		log.Fatalf("local-dir is required (--local-dir or OUTLINE_LOCAL_DIR)")
	}
	if *interval <= 0 {
		*interval = 2 * time.Second
	}
	if *timeout <= 0 {
		*timeout = 15 * time.Second
	}
	*intervalJitter = clampJitterRatio(*intervalJitter)

	proj, err := mirror.New(mirror.Options{
		BaseDir:      *localDir,
		RootIdentity: strings.TrimSpace(*rootIdentity),
		Logger:       log.Default(),
	})
	if err != nil {
		log.Fatalf("failed to initialize mirror: %v", err)
	}
	defer proj.Close()

	client := treesync.NewHTTPClient(*baseURL, &http.Client{Timeout: *timeout})
	tree, err := treesync.NewTree(client, treesync.TreeOptions{
		RootIdentity: strings.TrimSpace(*rootIdentity),
		Quiescence:   *quiescence,
		PollInterval: *interval,
		Surface:      proj,
		Logger:       log.Default(),
	})
	if err != nil {
		log.Fatalf("failed to initialize sync tree: %v", err)
	}
	proj.Bind(tree)

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bootstrapCtx, cancel := context.WithTimeout(rootCtx, *timeout)
	err = tree.Bootstrap(bootstrapCtx)
	cancel()
	if err != nil {
		log.Fatalf("failed to load outline root: %v", err)
	}
	log.Printf("outline mirrored into %s", *localDir)

	if *once {
		if err := tree.PollNow(rootCtx); err != nil {
			log.Printf("poll cycle failed: %v", err)
		}
		return
	}

	go proj.Run(rootCtx)

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	timer := time.NewTimer(jitteredIntervalWithSample(*interval, *intervalJitter, rng.Float64()))
	defer timer.Stop()
	for {
		select {
		case <-rootCtx.Done():
			log.Printf("outline mirror stopping: %v", rootCtx.Err())
			return
		case <-timer.C:
			if err := tree.PollNow(rootCtx); err != nil && err != treesync.ErrPollInFlight {
				log.Printf("poll cycle failed: %v", err)
			}
			timer.Reset(jitteredIntervalWithSample(*interval, *intervalJitter, rng.Float64()))
		}
	}
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}

func floatEnv(name string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %f", name, raw, fallback)
		return fallback
	}
	return value
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	if factor < 0 {
		factor = 0
	}
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
