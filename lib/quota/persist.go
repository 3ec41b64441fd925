package quota

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	"github.com/gravitational/trace"
)

// fileFormatVersion is bumped whenever the on-disk Row shape changes.
const fileFormatVersion = 1

type fileDoc struct {
	Version int   `json:"version"`
	Rows    []Row `json:"rows"`
}

// FilePersister persists quota rows to a JSON file, guarded by a flock
// advisory lock and written atomically via temp-file + rename (§6
// "Quota snapshot file: ... written atomically via temp-file + rename").
type FilePersister struct {
	path string
	lock *flock.Flock
}

// NewFilePersister builds a persister rooted at path.
func NewFilePersister(path string) *FilePersister {
	return &FilePersister{path: path, lock: flock.New(path + ".lock")}
}

// Save writes rows to disk, replacing the prior snapshot.
func (p *FilePersister) Save(rows []Row) error {
	locked, err := p.lock.TryLock()
	if err != nil {
		return trace.Wrap(err)
	}
	if !locked {
		// Another writer is mid-flight; skip this round, best-effort.
		return nil
	}
	defer p.lock.Unlock()

	doc := fileDoc{Version: fileFormatVersion, Rows: rows}
	data, err := json.Marshal(doc)
	if err != nil {
		return trace.Wrap(err)
	}

	dir := filepath.Dir(p.path)
	tmp, err := os.CreateTemp(dir, ".quota-*.tmp")
	if err != nil {
		return trace.Wrap(err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return trace.Wrap(err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return trace.Wrap(err)
	}
	if err := os.Rename(tmpName, p.path); err != nil {
		os.Remove(tmpName)
		return trace.Wrap(err)
	}
	return nil
}

// Load reads the last persisted snapshot, if any. A missing file is not
// an error (first run).
func (p *FilePersister) Load() ([]Row, error) {
	data, err := os.ReadFile(p.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, trace.Wrap(err)
	}
	var doc fileDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, trace.Wrap(err)
	}
	return doc.Rows, nil
}
