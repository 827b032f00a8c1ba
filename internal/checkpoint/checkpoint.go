// Package checkpoint reads and writes model snapshots: a compact binary form
// (zstd-compressed JSON header line + gob body) and a one-row CSV form that
// spreadsheet tooling can open.
package checkpoint

import (
	"bufio"
	"encoding/gob"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"

	"github.com/talgya/covidsim/internal/engine"
)

// Version is the snapshot schema version. Files with any other version are
// refused.
const Version = 1

var (
	// ErrVersion is returned for a snapshot written under another schema.
	ErrVersion = errors.New("checkpoint version mismatch")
	// ErrMismatch is returned when a snapshot is not for the requested step
	// or iteration.
	ErrMismatch = errors.New("checkpoint mismatch")
)

// Header identifies a checkpoint without decoding its body.
type Header struct {
	Version   int    `json:"version"`
	RunID     string `json:"run_id,omitempty"`
	Iteration int    `json:"iteration"`
	Step      int    `json:"step"`
}

// HeaderFor builds the header a snapshot is written under.
func HeaderFor(runID string, snap *engine.Snapshot) Header {
	return Header{Version: Version, RunID: runID, Iteration: snap.Iteration, Step: snap.State.StepNo}
}

// Write stores snap at path in the binary form and returns the file size. The
// file is written next to its final name and renamed into place.
func Write(path, runID string, snap *engine.Snapshot) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, err
	}
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, err
	}
	if err := encode(f, HeaderFor(runID, snap), snap); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return 0, err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return 0, err
	}
	if err := os.Rename(tmp, path); err != nil {
		return 0, err
	}
	st, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return st.Size(), nil
}

func encode(f *os.File, h Header, snap *engine.Snapshot) error {
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}
	bw := bufio.NewWriterSize(enc, 256*1024)

	hb, err := json.Marshal(h)
	if err != nil {
		return err
	}
	if _, err := bw.Write(hb); err != nil {
		return err
	}
	if err := bw.WriteByte('\n'); err != nil {
		return err
	}
	if err := gob.NewEncoder(bw).Encode(snap); err != nil {
		return fmt.Errorf("gob encode: %w", err)
	}
	if err := bw.Flush(); err != nil {
		return err
	}
	return enc.Close()
}

// ReadHeader returns the header of a binary checkpoint without decoding the
// body.
func ReadHeader(path string) (Header, error) {
	var h Header
	err := open(path, func(br *bufio.Reader) error {
		var err error
		h, err = readHeader(br)
		return err
	})
	return h, err
}

// Read loads a binary checkpoint. The header version is checked before the
// body is decoded.
func Read(path string) (*engine.Snapshot, Header, error) {
	var (
		h    Header
		snap engine.Snapshot
	)
	err := open(path, func(br *bufio.Reader) error {
		var err error
		if h, err = readHeader(br); err != nil {
			return err
		}
		if h.Version != Version {
			return fmt.Errorf("%w: %s has version %d, want %d", ErrVersion, path, h.Version, Version)
		}
		if err := gob.NewDecoder(br).Decode(&snap); err != nil {
			return fmt.Errorf("gob decode: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, h, err
	}
	return &snap, h, nil
}

func open(path string, fn func(*bufio.Reader) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return err
	}
	defer dec.Close()

	return fn(bufio.NewReaderSize(dec, 256*1024))
}

func readHeader(br *bufio.Reader) (Header, error) {
	var h Header
	line, err := br.ReadBytes('\n')
	if err != nil {
		return h, fmt.Errorf("read header: %w", err)
	}
	if err := json.Unmarshal(line, &h); err != nil {
		return h, fmt.Errorf("decode header: %w", err)
	}
	return h, nil
}

// Check verifies a loaded header is for the requested iteration and step.
func Check(h Header, iteration, step int) error {
	if h.Iteration != iteration || h.Step != step {
		return fmt.Errorf("%w: have iteration %d step %d, want iteration %d step %d",
			ErrMismatch, h.Iteration, h.Step, iteration, step)
	}
	return nil
}
