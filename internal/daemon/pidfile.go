// Package daemon tracks the background `lineage serve` process through a
// PID file that records its pid and listen address.
package daemon

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ErrAlreadyRunning is returned by Acquire when a live process holds the file.
var ErrAlreadyRunning = errors.New("server already running")

// Info is the content of a PID file.
type Info struct {
	PID  int
	Addr string
}

// PIDFile manages a PID file for daemon process tracking.
type PIDFile struct {
	Path string
}

// NewPIDFile creates a PIDFile manager for the given path.
func NewPIDFile(path string) *PIDFile {
	return &PIDFile{Path: path}
}

// Write records the current process listening on addr.
func (p *PIDFile) Write(addr string) error {
	return p.WriteInfo(Info{PID: os.Getpid(), Addr: addr})
}

// WriteInfo writes info to the file, creating its directory if needed.
func (p *PIDFile) WriteInfo(info Info) error {
	if err := os.MkdirAll(filepath.Dir(p.Path), 0o755); err != nil {
		return fmt.Errorf("create PID file directory: %w", err)
	}
	content := strconv.Itoa(info.PID) + "\n"
	if info.Addr != "" {
		content += info.Addr + "\n"
	}
	return os.WriteFile(p.Path, []byte(content), 0o644)
}

// Read parses the file. The address line is optional.
func (p *PIDFile) Read() (Info, error) {
	data, err := os.ReadFile(p.Path)
	if err != nil {
		return Info{}, err
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	pid, err := strconv.Atoi(strings.TrimSpace(lines[0]))
	if err != nil {
		return Info{}, fmt.Errorf("invalid PID file content: %w", err)
	}
	info := Info{PID: pid}
	if len(lines) > 1 {
		info.Addr = strings.TrimSpace(lines[1])
	}
	return info, nil
}

// Remove deletes the PID file.
func (p *PIDFile) Remove() error {
	return os.Remove(p.Path)
}

// Acquire records the current process unless another live process already
// holds the file. A file left by a dead process is replaced.
func (p *PIDFile) Acquire(addr string) error {
	if info, running := p.IsRunning(); running && info.PID != os.Getpid() {
		return fmt.Errorf("%w (pid %d, %s)", ErrAlreadyRunning, info.PID, info.Addr)
	}
	return p.Write(addr)
}

// Release removes the file if it still names the current process.
func (p *PIDFile) Release() error {
	info, err := p.Read()
	if errors.Is(err, os.ErrNotExist) {
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
