package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// inbox persists received messages, one file per message.
type inbox struct {
	dir string
}

func newInbox(dir string) *inbox {
	return &inbox{dir: dir}
}

func (b *inbox) save(msg []byte) (string, error) {
	if b.dir == "" {
		return "", fmt.Errorf("inbox: no output directory configured")
	}
	if err := os.MkdirAll(b.dir, 0o755); err != nil {
		return "", fmt.Errorf("inbox: create %s: %w", b.dir, err)
	}
	path := filepath.Join(b.dir, fmt.Sprintf("msg_%s.bin", uuid.New().String()))
	if err := os.WriteFile(path, msg, 0o644); err != nil {
		return "", fmt.Errorf("inbox: write %s: %w", path, err)
	}
	return path, nil
}
