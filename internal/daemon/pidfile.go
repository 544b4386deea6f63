// Package daemon tracks the background serve process through a PID file.
package daemon

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ErrAlreadyRunning is returned by Acquire when a live process owns the file.
var ErrAlreadyRunning = errors.New("reviewloop server already running")

// PIDFile records the serve process ID and the address it listens on.
type PIDFile struct {
	Path string
}

// Info is the content of a PID file.
type Info struct {
	PID  int
	Addr string
}

// NewPIDFile creates a PIDFile manager for the given path.
func NewPIDFile(path string) *PIDFile {
	return &PIDFile{Path: path}
}

// Acquire claims the PID file for the current process. A file left behind
// by a dead process is replaced.
func (p *PIDFile) Acquire(addr string) error {
	if info, running := p.IsRunning(); running && info.PID != os.Getpid() {
		return fmt.Errorf("%w (pid %d, %s)", ErrAlreadyRunning, info.PID, info.Addr)
	}
	return p.Write(Info{PID: os.Getpid(), Addr: addr})
}

// Release removes the file if the current process owns it.
func (p *PIDFile) Release() error {
	info, err := p.Read()
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if info.PID != os.Getpid() {
		return nil
	}
	return p.Remove()
}

// Write replaces the file with info.
func (p *PIDFile) Write(info Info) error {
	if err := os.MkdirAll(filepath.Dir(p.Path), 0o755); err != nil {
		return fmt.Errorf("create PID file directory: %w", err)
	}
	content := strconv.Itoa(info.PID) + "\n"
	if info.Addr != "" {
		content += info.Addr + "\n"
	}
	tmp := p.Path + ".tmp"
	if err := os.WriteFile(tmp, []byte(content), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, p.Path)
}

// Read parses the file. The first line is the PID, the optional second line
// the listen address.
func (p *PIDFile) Read() (Info, error) {
	f, err := os.Open(p.Path)
	if err != nil {
		return Info{}, err
	}
	defer func() { _ = f.Close() }()

	var info Info
	sc := bufio.NewScanner(f)
	if !sc.Scan() {
		return Info{}, fmt.Errorf("invalid PID file content: empty")
	}
	info.PID, err = strconv.Atoi(strings.TrimSpace(sc.Text()))
	if err != nil || info.PID <= 0 {
		return Info{}, fmt.Errorf("invalid PID file content: %q", sc.Text())
	}
	if sc.Scan() {
		info.Addr = strings.TrimSpace(sc.Text())
	}
	return info, sc.Err()
}

// IsRunning reports the recorded process and whether it is alive.
func (p *PIDFile) IsRunning() (Info, bool) {
	info, err := p.Read()
	if err != nil {
		return Info{}, false
	}
	return info, processAlive(info.PID)
}

// Stop asks the recorded process to shut down.
func (p *PIDFile) Stop() error {
	info, err := p.Read()
	if err != nil {
		return fmt.Errorf("read PID file: %w", err)
	}
	if !processAlive(info.PID) {
		_ = p.Remove()
		return fmt.Errorf("process %d is not running", info.PID)
	}
	return terminate(info.PID)
}

// Remove deletes the PID file.
func (p *PIDFile) Remove() error {
	return os.Remove(p.Path)
}
