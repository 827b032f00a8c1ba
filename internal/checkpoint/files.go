package checkpoint

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/talgya/covidsim/internal/engine"
)

// Formats.
const (
	FormatBinary = "binary"
	FormatCSV    = "csv"
)

const (
	extBinary = ".ckpt.zst"
	extCSV    = ".ckpt.csv"
)

// ErrNotFound is returned when no checkpoint matches a lookup.
var ErrNotFound = fmt.Errorf("checkpoint %w", fs.ErrNotExist)

// Name returns the file name for a checkpoint of iteration at step.
func Name(format string, iteration, step int) string {
	ext := extBinary
	if format == FormatCSV {
		ext = extCSV
	}
	return fmt.Sprintf("iter-%d-step-%d%s", iteration, step, ext)
}

// Save writes snap into dir in the given format and returns the path and size.
func Save(dir, format, runID string, snap *engine.Snapshot) (string, int64, error) {
	path := filepath.Join(dir, Name(format, snap.Iteration, snap.State.StepNo))
	var (
		n   int64
		err error
	)
	if format == FormatCSV {
		n, err = WriteCSV(path, runID, snap)
	} else {
		n, err = Write(path, runID, snap)
	}
	return path, n, err
}

// Load reads a checkpoint of either format, chosen by extension, and checks
// it is for the requested iteration and step. A directory is searched with
// Find first.
func Load(path string, iteration, step int) (*engine.Snapshot, Header, error) {
	st, err := os.Stat(path)
	if err != nil {
		return nil, Header{}, err
	}
	if st.IsDir() {
		if path, err = Find(path, iteration, step); err != nil {
			return nil, Header{}, err
		}
	}

	var (
		snap *engine.Snapshot
		h    Header
	)
	if strings.HasSuffix(path, ".csv") {
		snap, h, err = ReadCSV(path)
	} else {
		snap, h, err = Read(path)
	}
	if err != nil {
		return nil, h, err
	}
	if err := Check(h, iteration, step); err != nil {
		return nil, h, err
	}
	return snap, h, nil
}

// Find locates the checkpoint for iteration at step in dir. Files named by
// Name are matched directly; other CSV files are opened and matched on their
// Step and Iteration columns.
func Find(dir string, iteration, step int) (string, error) {
	for _, format := range []string{FormatBinary, FormatCSV} {
		p := filepath.Join(dir, Name(format, iteration, step))
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", err
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".csv") {
			continue
		}
		p := filepath.Join(dir, e.Name())
		_, h, err := ReadCSV(p)
		if err != nil {
			// Not a checkpoint table, or another schema.
			continue
		}
		if h.Iteration == iteration && h.Step == step {
			return p, nil
		}
	}
	return "", fmt.Errorf("%w: iteration %d step %d in %s", ErrNotFound, iteration, step, dir)
}
