package storage

import (
	"fmt"
	"os"
	"sync"
)

// Journal is an append-only audit trail of order events, one line each
type Journal interface {
	Append(line string)
}

type FileJournal struct {
	mu sync.Mutex
	f  *os.File
}

func NewFileJournal(path string) (*FileJournal, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &FileJournal{f: f}, nil
}

func (j *FileJournal) Append(line string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	fmt.Fprintln(j.f, line)
}

func (j *FileJournal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.f.Close()
}

var _ Journal = (*FileJournal)(nil)
