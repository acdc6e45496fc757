// Package busrecovery sweeps bus messages orphaned by a consumer crash.
// Files left under processing/ are not auto-recovered by the consumers
// themselves; this package gives an operator a deliberate, auditable way to
// move them back into pending/.
package busrecovery

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
)

// DefaultGrace is comfortably past the bus's 10 s reply timeout, so a
// message only a few seconds into processing is never mistaken for stale.
const DefaultGrace = 5 * time.Minute

// Moved describes one file the sweep requeued.
type Moved struct {
	ID       string
	Age      time.Duration
	SizeHint string
}

// SweepStaleProcessing moves every file under {root}/processing/ older than
// grace back to {root}/pending/, returning what it moved so the caller can
// report it. It never runs automatically; only cmd/dhctl's
// "bus requeue-stale" subcommand invokes it.
func SweepStaleProcessing(root string, grace time.Duration) ([]Moved, error) {
	if grace <= 0 {
		grace = DefaultGrace
	}
	processingDir := filepath.Join(root, "processing")
	pendingDir := filepath.Join(root, "pending")

	entries, err := os.ReadDir(processingDir)
	if err != nil {
		return nil, fmt.Errorf("busrecovery: reading %s: %w", processingDir, err)
	}

	now := time.Now()
	var moved []Moved
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		age := now.Sub(info.ModTime())
		if age < grace {
			continue
		}

		src := filepath.Join(processingDir, e.Name())
		dst := filepath.Join(pendingDir, e.Name())
		if err := os.Rename(src, dst); err != nil {
			return moved, fmt.Errorf("busrecovery: requeuing %s: %w", e.Name(), err)
		}

		moved = append(moved, Moved{
			ID:       e.Name()[:len(e.Name())-len(".json")],
			Age:      age,
			SizeHint: humanize.Bytes(uint64(info.Size())),
		})
	}
	return moved, nil
}

// Report renders a human-readable summary of a sweep, used by cmd/dhctl.
func Report(moved []Moved) string {
	if len(moved) == 0 {
		return "no stale messages found under processing/"
	}
	out := fmt.Sprintf("requeued %d stale message(s):\n", len(moved))
	for _, m := range moved {
		out += fmt.Sprintf("  %s  stuck for %s  (%s)\n", m.ID, humanize.RelTime(time.Now().Add(-m.Age), time.Now(), "", ""), m.SizeHint)
	}
	return out
}
