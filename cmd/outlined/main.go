package main

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/outlinehq/outlinesync/internal/httpapi"
	"github.com/outlinehq/outlinesync/internal/outline"
)

func main() {
	addr := envOrDefault("OUTLINED_ADDR", ":5001")
	backend, err := buildStateBackendFromEnv()
	if err != nil {
		log.Fatalf("failed to initialize state backend: %v", err)
	}

	store, err := outline.NewStore(outline.StoreOptions{
		StateBackend: backend,
		RootText:     strings.TrimSpace(os.Getenv("OUTLINED_ROOT_TEXT")),
		Logger:       log.Default(),
	})
	if err != nil {
		log.Fatalf("failed to initialize outline store: %v", err)
	}
	defer store.Close()

	server := httpapi.NewServerWithConfig(store, httpapi.ServerConfig{
		MaxBodyBytes: int64Env("OUTLINED_MAX_BODY_BYTES", 0),
		Logger:       log.Default(),
	})

	log.Printf("outlined listening on %s", addr)
	if err := http.ListenAndServe(addr, server); err != nil {
		log.Fatalf("server failed: %v", err)
	}
}

func buildStateBackendFromEnv() (outline.StateBackend, error) {
	profileDSN, err := storageProfileDefaultFromEnv()
	if err != nil {
		return nil, err
	}
	stateBackendDSN := strings.TrimSpace(os.Getenv("OUTLINED_STATE_BACKEND_DSN"))
	stateFile := strings.TrimSpace(os.Getenv("OUTLINED_STATE_FILE"))
	switch {
	case stateBackendDSN != "":
		return outline.BuildStateBackendFromDSN(stateBackendDSN)
	case stateFile != "":
		return outline.BuildStateBackendFromDSN(stateFile)
	case profileDSN != "":
		return outline.BuildStateBackendFromDSN(profileDSN)
	default:
		return nil, nil
	}
}

func storageProfileDefaultFromEnv() (string, error) {
	profile := strings.ToLower(strings.TrimSpace(os.Getenv("OUTLINED_BACKEND_PROFILE")))
	dataDir := strings.TrimSpace(os.Getenv("OUTLINED_DATA_DIR"))
	if dataDir == "" {
		dataDir = ".outlined"
	}
	switch profile {
	case "", "custom":
		return "", nil
	case "memory", "inmemory":
		return "memory://", nil
	case "production", "prod":
		productionDSN := strings.TrimSpace(os.Getenv("OUTLINED_POSTGRES_DSN"))
		if productionDSN == "" {
			return "", fmt.Errorf("OUTLINED_POSTGRES_DSN is required when OUTLINED_BACKEND_PROFILE=%s", profile)
		}
		return productionDSN, nil
	case "durable-local", "local-durable":
		return "file://" + filepath.Join(dataDir, "state.json"), nil
	default:
		return "", fmt.Errorf("unsupported OUTLINED_BACKEND_PROFILE: %s", profile)
	}
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}
