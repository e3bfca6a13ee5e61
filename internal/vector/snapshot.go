package vector

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/multierr"
)

const (
	currentFile  = "CURRENT"
	indexFile    = "index.bin"
	textsFile    = "texts.json"
	metadataFile = "metadata.json"
)

type snapshotEntry struct {
	Source   string            `json:"source"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// writeSnapshot writes st into a fresh generation directory under dir and
// then points CURRENT at it. It returns the generation name.
func writeSnapshot(dir string, st *state) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create index dir: %w", err)
	}
	gen := uuid.NewString()
	genDir := filepath.Join(dir, gen)
	if err := os.Mkdir(genDir, 0755); err != nil {
		return "", fmt.Errorf("create generation dir: %w", err)
	}

	texts := make([]string, len(st.chunks))
	entries := make([]snapshotEntry, len(st.chunks))
	for i, c := range st.chunks {
		texts[i] = c.Text
		entries[i] = snapshotEntry{Source: c.Source, Metadata: c.Metadata}
	}
	textsJSON, err := json.Marshal(texts)
	if err != nil {
		return "", fmt.Errorf("encode texts: %w", err)
	}
	metaJSON, err := json.Marshal(entries)
	if err != nil {
		return "", fmt.Errorf("encode metadata: %w", err)
	}

	files := []struct {
		name string
		data []byte
	}{
		{indexFile, st.index.MarshalBinary(st.nextID)},
		{textsFile, textsJSON},
		{metadataFile, metaJSON},
	}
	for _, f := range files {
		if err := writeFileSync(filepath.Join(genDir, f.name), f.data); err != nil {
			_ = os.RemoveAll(genDir)
			return "", err
		}
	}

	tmp := filepath.Join(dir, currentFile+".tmp")
	if err := writeFileSync(tmp, []byte(gen+"\n")); err != nil {
		_ = os.RemoveAll(genDir)
		return "", err
	}
	if err := os.Rename(tmp, filepath.Join(dir, currentFile)); err != nil {
		_ = os.Remove(tmp)
		_ = os.RemoveAll(genDir)
		return "", fmt.Errorf("commit snapshot: %w", err)
	}
	syncDir(dir)
	return gen, nil
}

// readSnapshot loads the committed generation under dir. It returns a nil
// state and no error when no snapshot has been committed.
func readSnapshot(dir string, dim int) (*state, error) {
	raw, err := os.ReadFile(filepath.Join(dir, currentFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read %s: %w", currentFile, err)
	}
	gen := strings.TrimSpace(string(raw))
	if _, err := uuid.Parse(gen); err != nil {
		return nil, fmt.Errorf("bad generation name %q", gen)
	}
	genDir := filepath.Join(dir, gen)

	data, err := os.ReadFile(filepath.Join(genDir, indexFile))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", indexFile, err)
	}
	idx, nextID, err := UnmarshalFlatIndex(data, dim)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", indexFile, err)
	}

	var texts []string
	if err := readJSON(filepath.Join(genDir, textsFile), &texts); err != nil {
		return nil, err
	}
	var entries []snapshotEntry
	if err := readJSON(filepath.Join(genDir, metadataFile), &entries); err != nil {
		return nil, err
	}
	if len(texts) != idx.Len() || len(entries) != idx.Len() {
		return nil, fmt.Errorf("artifact lengths disagree: %d vectors, %d texts, %d metadata",
			idx.Len(), len(texts), len(entries))
	}

	st := &state{index: idx, chunks: make([]Chunk, idx.Len()), nextID: nextID}
	seen := make(map[int64]bool, idx.Len())
	for i := range texts {
		id := idx.ids[i]
		if seen[id] {
			return nil, fmt.Errorf("duplicate chunk id %d", id)
		}
		seen[id] = true
		if id >= st.nextID {
			st.nextID = id + 1
		}
		st.chunks[i] = Chunk{ID: id, Text: texts[i], Source: entries[i].Source, Metadata: entries[i].Metadata}
	}
	return st, nil
}

// pruneGenerations removes generation directories other than keep.
func pruneGenerations(dir, keep string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	var errs error
	for _, e := range entries {
		if !e.IsDir() || e.Name() == keep {
			continue
		}
		if _, err := uuid.Parse(e.Name()); err != nil {
			continue
		}
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return nil
}

func writeFileSync(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("create %s: %w", filepath.Base(path), err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync %s: %w", filepath.Base(path), err)
	}
	return f.Close()
}

func syncDir(dir string) {
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}
}
