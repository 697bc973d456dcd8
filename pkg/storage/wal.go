package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/uhyunpark/swapexec/pkg/order"
)

// EventLog is an append-only audit trail of published order events.
type EventLog interface {
	Append(ev order.Event)
}

type NopEventLog struct{}

func (NopEventLog) Append(order.Event) {}

// FileEventLog writes one JSON event per line.
type FileEventLog struct {
	mu sync.Mutex
	f  *os.File
}

func NewFileEventLog(path string) (*FileEventLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &FileEventLog{f: f}, nil
}

func (w *FileEventLog) Append(ev order.Event) {
	line, err := json.Marshal(ev)
	if err != nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	fmt.Fprintln(w.f, string(line))
}

func (w *FileEventLog) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.f.Close()
}

var _ EventLog = NopEventLog{}
var _ EventLog = (*FileEventLog)(nil)
