// Package bus implements the hardware-isolation bus: a correlated
// request/reply queue brokered entirely through atomic POSIX rename on a
// shared filesystem, for effectors that cannot reach the physical RFID
// controller or the directory service directly.
//
// A producer writes {id, payload, timestamp} to a scratch file, renames it
// into pending/, and polls responses/{id}.json for the correlated reply. A
// consumer claims the oldest pending file by renaming it into processing/,
// runs it through its handler, and renames the reply into responses/.
// Delivery is at-least-once; rename within one filesystem is the sole
// hand-off primitive.
package bus

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
)

const (
	pendingDir    = "pending"
	processingDir = "processing"
	responsesDir  = "responses"
)

// Message is the on-disk shape of a pending request.
type Message struct {
	ID        string          `json:"id"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp int64           `json:"timestamp"`
}

// Response is the on-disk shape of a reply, correlated to its request by
// OriginalID.
type Response struct {
	OriginalID string          `json:"original_id"`
	Result     string          `json:"result"`
	Status     string          `json:"status"` // "success" or "failure"
	Data       json.RawMessage `json:"data,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// Bus roots the three well-known subdirectories under Dir and provides the
// atomic-rename primitives both the producer and the consumer build on.
type Bus struct {
	Dir string
}

// New returns a Bus rooted at dir. EnsureDirs must be called once (e.g. at
// process startup) before a Producer or Consumer uses the Bus.
func New(dir string) *Bus {
	return &Bus{Dir: dir}
}

// EnsureDirs creates pending/, processing/, and responses/ under Dir if they
// do not already exist.
func (b *Bus) EnsureDirs() error {
	for _, d := range []string{pendingDir, processingDir, responsesDir} {
		if err := os.MkdirAll(filepath.Join(b.Dir, d), 0o755); err != nil {
			return fmt.Errorf("bus: creating %s: %w", d, err)
		}
	}
	return nil
}

func (b *Bus) path(elem ...string) string {
	return filepath.Join(append([]string{b.Dir}, elem...)...)
}

// writeAtomic writes data to the scratch file at scratchPath, fsyncs it, then atomically renames it to finalPath. This is the single
// primitive both Send and the consumer's reply step use to guarantee a
// reader never observes a partially-written file.
func writeAtomic(scratchPath, finalPath string, data []byte) error {
	f, err := os.OpenFile(scratchPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(scratchPath)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(scratchPath)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(scratchPath)
		return err
	}
	return os.Rename(scratchPath, finalPath)
}

// newID mints a fresh opaque unique token for a bus message.
func newID() string {
	return uuid.NewString()
}

// listPendingFIFO lists pending/*.json ordered by modification time
// ascending, implementing the consumer protocol's FIFO claim order.
func (b *Bus) listPendingFIFO() ([]string, error) {
	entries, err := os.ReadDir(b.path(pendingDir))
	if err != nil {
		return nil, err
	}
	type fileInfo struct {
		name    string
		modTime time.Time
	}
	files := make([]fileInfo, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, fileInfo{name: e.Name(), modTime: info.ModTime()})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].modTime.Before(files[j].modTime) })

	names := make([]string, len(files))
	for i, f := range files {
		names[i] = f.name
	}
	return names, nil
}
