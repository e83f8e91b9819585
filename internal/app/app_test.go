package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "quiesced.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestAppStartProcessesChangesAndStops(t *testing.T) {
	if testing.Short() {
		t.Skip("timing-sensitive")
	}
	dir := t.TempDir()
	watchDir := filepath.Join(dir, "data")
	if err := os.MkdirAll(watchDir, 0o755); err != nil {
		t.Fatal(err)
	}

	cfgPath := writeConfig(t, dir, `
logging:
  level: "error"
  console: false
watch:
  roots:
    - `+watchDir+`
idle:
  backOffTimeSpanInMS: 60
storage:
  driver: "file"
  path: `+filepath.Join(dir, "catalog")+`
`)

	a, err := New(cfgPath)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// A change in the watched tree must eventually be indexed once quiet.
	time.Sleep(150 * time.Millisecond) // let the watch set establish
	if err := os.WriteFile(filepath.Join(watchDir, "file.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for {
		hist := a.Indexer().Snapshot().History
		if len(hist) > 0 && hist[0].Indexed >= 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("change never indexed; history=%v", hist)
		}
		time.Sleep(20 * time.Millisecond)
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	if err := a.Stop(stopCtx, StopSignal); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	select {
	case <-a.Done():
	default:
		t.Fatal("Done not closed after Stop")
	}
}

func TestNewRejectsBadConfig(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeConfig(t, dir, `
idle:
  backOffTimeSpanInMS: -5
`)
	if _, err := New(cfgPath); err == nil {
		t.Fatal("New accepted a negative back-off")
	}
}
