// Package e2e exercises a running ingestion daemon: files dropped into its
// ready directory must come out verified through the admin API.
//
// Prerequisites:
//   - PostgreSQL running with the schema applied
//   - the ingestion service running with the localfs fetcher
//
// Run with:
//
//	E2E_READY_DIR=./data/ready go test -v -timeout=120s ./test/e2e/...
package e2e

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Adithya-Monish-Kumar-K/claims-ingestion/internal/ingestion/sample"
)

type e2eConfig struct {
	IngestionURL string
	ReadyDir     string
}

func loadE2EConfig() e2eConfig {
	return e2eConfig{
		IngestionURL: envOrDefault("E2E_INGESTION_URL", "http://localhost:8081"),
		ReadyDir:     os.Getenv("E2E_READY_DIR"),
	}
}

func TestServiceHealth(t *testing.T) {
	cfg := loadE2EConfig()
	client := &http.Client{Timeout: 5 * time.Second}

	for _, path := range []string{"/health/live", "/health/ready"} {
		t.Run(path, func(t *testing.T) {
			resp, err := client.Get(cfg.IngestionURL + path)
			if err != nil {
				t.Skipf("service unavailable: %v", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				body, _ := io.ReadAll(resp.Body)
				t.Errorf("expected 200, got %d: %s", resp.StatusCode, body)
			}
		})
	}
}

// TestDropAndProcess drops a submission into the ready directory and forces
// a cycle, polling until the file has been picked up.
func TestDropAndProcess(t *testing.T) {
	cfg := loadE2EConfig()
	client := &http.Client{Timeout: 30 * time.Second}
	if _, err := client.Get(cfg.IngestionURL + "/health/live"); err != nil {
		t.Skipf("ingestion service unavailable: %v", err)
	}
	if cfg.ReadyDir == "" {
		t.Skip("E2E_READY_DIR not set")
	}

	prefix := fmt.Sprintf("E2E%d", time.Now().UnixNano())
	name := filepath.Join(cfg.ReadyDir, prefix+".xml")
	data := sample.Submission(sample.Options{ClaimPrefix: prefix, Claims: 2})
	if err := os.WriteFile(name+".part", data, 0o644); err != nil {
		t.Fatalf("writing drop file: %v", err)
	}
	if err := os.Rename(name+".part", name); err != nil {
		t.Fatalf("renaming drop file: %v", err)
	}

	deadline := time.Now().Add(60 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := client.Post(cfg.IngestionURL+"/api/v1/ingestion/process?reason=e2e", "application/json", nil)
		if err != nil {
			t.Fatalf("process request failed: %v", err)
		}
		var sum struct {
			Fetched int `json:"fetched"`
			Results []struct {
				FileID string `json:"file_id"`
				State  string `json:"state"`
			} `json:"results"`
		}
		err = json.NewDecoder(resp.Body).Decode(&sum)
		resp.Body.Close()
		if err != nil {
			t.Fatalf("decoding summary: %v", err)
		}
		for _, r := range sum.Results {
			if r.FileID == prefix+".xml" {
				if r.State != "VERIFIED" {
					t.Fatalf("expected VERIFIED, got %s", r.State)
				}
				return
			}
		}
		if sum.Fetched == 0 {
			t.Skip("file was taken by a background cycle")
		}
		time.Sleep(time.Second)
	}
	t.Fatalf("file %s was not processed within 60s", name)
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
