package device

import (
	"errors"
	"os"
	"strings"
	"sync"
)

// ErrInjected is the default error returned by injected faults.
var ErrInjected = errors.New("injected fault error")

// Fault defines specific failure behavior.
type Fault struct {
	FailWrites bool
	FailReads  bool
	FailOnSync bool
	Err        error // Defaults to ErrInjected.
}

func (f Fault) err() error {
	if f.Err != nil {
		return f.Err
	}
	return ErrInjected
}

// FaultyFS is a FileSystem wrapper that can inject errors into files whose name contains a pattern.
// Rules are evaluated on every call, so faults can be toggled while a file is open.
type FaultyFS struct {
	FS    FileSystem
	mu    sync.Mutex
	rules map[string]Fault // Filename pattern -> Fault
}

var _ FileSystem = (*FaultyFS)(nil)

// NewFaultyFS creates a new FaultyFS wrapping the provided FS (or DefaultFS if nil).
func NewFaultyFS(fs FileSystem) *FaultyFS {
	if fs == nil {
		fs = DefaultFS
	}
	return &FaultyFS{FS: fs, rules: make(map[string]Fault)}
}

// SetFault installs (or replaces) the fault for files matching `pattern`.
func (f *FaultyFS) SetFault(pattern string, fault Fault) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules[pattern] = fault
}

// ClearFaults removes every rule.
func (f *FaultyFS) ClearFaults() {
	f.mu.Lock()
	defer f.mu.Unlock()
	clear(f.rules)
}

// faultFor returns the merged fault of every rule matching `name`.
func (f *FaultyFS) faultFor(name string) Fault {
	f.mu.Lock()
	defer f.mu.Unlock()
	var merged Fault
	for pattern, rule := range f.rules {
		if !strings.Contains(name, pattern) {
			continue
		}
		merged.FailWrites = merged.FailWrites || rule.FailWrites
		merged.FailReads = merged.FailReads || rule.FailReads
		merged.FailOnSync = merged.FailOnSync || rule.FailOnSync
		if rule.Err != nil {
			merged.Err = rule.Err
		}
	}
	return merged
}

func (f *FaultyFS) OpenFile(name string, flag int, perm os.FileMode) (File, error) {
	file, err := f.FS.OpenFile(name, flag, perm)
	if err != nil {
		return nil, err
	}
	return &faultyFile{File: file, fs: f, name: name}, nil
}

func (f *FaultyFS) MkdirAll(path string, perm os.FileMode) error { return f.FS.MkdirAll(path, perm) }
func (f *FaultyFS) Remove(name string) error                     { return f.FS.Remove(name) }

type faultyFile struct {
	File
	fs   *FaultyFS
	name string
}

func (ff *faultyFile) WriteAt(p []byte, off int64) (int, error) {
	if fault := ff.fs.faultFor(ff.name); fault.FailWrites {
		return 0, fault.err()
	}
	return ff.File.WriteAt(p, off)
}

func (ff *faultyFile) ReadAt(p []byte, off int64) (int, error) {
	if fault := ff.fs.faultFor(ff.name); fault.FailReads {
		return 0, fault.err()
	}
	return ff.File.ReadAt(p, off)
}

func (ff *faultyFile) Sync() error {
	if fault := ff.fs.faultFor(ff.name); fault.FailOnSync {
		return fault.err()
	}
	return ff.File.Sync()
}
