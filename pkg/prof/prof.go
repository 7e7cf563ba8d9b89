// Package prof records runtime profiles of a simulated probe run.
//
// A Session starts CPU profiling on creation and writes snapshot
// profiles when stopped:
//
//	s, err := prof.Start(prof.Options{CPU: "cpu.prof", Heap: "heap.prof"})
//	defer s.Stop()
//
// Block and mutex profiles are useful for the ring and SWO FIFO paths;
// enabling them sets the runtime sampling rates for the whole process.
package prof

import (
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"runtime/pprof"
	"sync"
)

// Profile names a runtime/pprof profile.
type Profile string

// Snapshot profiles.
const (
	ProfileHeap      Profile = "heap"
	ProfileAllocs    Profile = "allocs"
	ProfileGoroutine Profile = "goroutine"
	ProfileBlock     Profile = "block"
	ProfileMutex     Profile = "mutex"
)

// Profiling errors.
var (
	// ErrCPUProfileActive indicates CPU profiling is already active.
	ErrCPUProfileActive = errors.New("cpu profile already active")

	// ErrInvalidProfile indicates an unknown profile name.
	ErrInvalidProfile = errors.New("invalid profile")
)

// Options selects the profiles a session records. Empty paths are
// skipped.
type Options struct {
	CPU   string
	Heap  string
	Block string
	Mutex string
}

// Session is an active profiling run.
type Session struct {
	opts    Options
	cpuFile *os.File
	once    sync.Once
	err     error
}

var cpuMutex sync.Mutex

// Start begins profiling. Only one session may profile the CPU at a time.
func Start(opts Options) (*Session, error) {
	s := &Session{opts: opts}
	if opts.CPU != "" {
		if !cpuMutex.TryLock() {
			return nil, ErrCPUProfileActive
		}
		f, err := os.Create(opts.CPU)
		if err != nil {
			cpuMutex.Unlock()
			return nil, err
		}
		if err := pprof.StartCPUProfile(f); err != nil {
			cpuMutex.Unlock()
			f.Close()
			os.Remove(opts.CPU)
			return nil, fmt.Errorf("%w: %v", ErrCPUProfileActive, err)
		}
		s.cpuFile = f
	}
	if opts.Block != "" {
		runtime.SetBlockProfileRate(1)
	}
	if opts.Mutex != "" {
		runtime.SetMutexProfileFraction(1)
	}
	return s, nil
}

// Stop ends CPU profiling and writes the snapshot profiles. Calls after
// the first return the first result.
func (s *Session) Stop() error {
	s.once.Do(func() {
		var errs []error
		if s.cpuFile != nil {
			pprof.StopCPUProfile()
			errs = append(errs, s.cpuFile.Close())
			cpuMutex.Unlock()
		}
		if s.opts.Heap != "" {
			runtime.GC()
			errs = append(errs, Write(ProfileHeap, s.opts.Heap))
		}
		if s.opts.Block != "" {
			errs = append(errs, Write(ProfileBlock, s.opts.Block))
			runtime.SetBlockProfileRate(0)
		}
		if s.opts.Mutex != "" {
			errs = append(errs, Write(ProfileMutex, s.opts.Mutex))
			runtime.SetMutexProfileFraction(0)
		}
		s.err = errors.Join(errs...)
	})
	return s.err
}

// Write writes a snapshot profile to path.
func Write(profile Profile, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := WriteTo(profile, f, 0); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// WriteTo writes a snapshot profile to w. Debug level 0 is the binary
// format read by go tool pprof; 1 is text.
func WriteTo(profile Profile, w io.Writer, debug int) error {
	p := pprof.Lookup(string(profile))
	if p == nil {
		return fmt.Errorf("%q: %w", profile, ErrInvalidProfile)
	}
	return p.WriteTo(w, debug)
}
