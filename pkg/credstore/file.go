package credstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/lkarlslund/buddyproxy/pkg/tokens"
)

// File keeps all records in one JSON document. Writes go through a temp
// file and rename so readers never observe a partial document.
type File struct {
	path string
	mu   sync.Mutex
}

type fileDocument struct {
	Records map[string]tokens.TokenRecord `json:"records"`
}

func NewFile(path string) (*File, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("file store requires a path")
	}
	return &File{path: path}, nil
}

func (f *File) Get(_ context.Context, secret string) (tokens.TokenRecord, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, err := f.load()
	if err != nil {
		return tokens.TokenRecord{}, false, err
	}
	rec, ok := doc.Records[secretKey(secret)]
	return rec, ok, nil
}

func (f *File) Put(_ context.Context, secret string, rec tokens.TokenRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, err := f.load()
	if err != nil {
		return err
	}
	doc.Records[secretKey(secret)] = rec
	return f.save(doc)
}

func (f *File) Close() error { return nil }

func (f *File) load() (fileDocument, error) {
	doc := fileDocument{Records: map[string]tokens.TokenRecord{}}
	b, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return doc, nil
		}
		return doc, fmt.Errorf("read token file: %w", err)
	}
	if err := json.Unmarshal(b, &doc); err != nil {
		return doc, fmt.Errorf("decode token file: %w", err)
	}
	if doc.Records == nil {
		doc.Records = map[string]tokens.TokenRecord{}
	}
	return doc, nil
}

func (f *File) save(doc fileDocument) error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return fmt.Errorf("mkdir token dir: %w", err)
	}
	b, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode token file: %w", err)
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return fmt.Errorf("write token temp: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return fmt.Errorf("rename token file: %w", err)
	}
	return nil
}
