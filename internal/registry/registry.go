// Package registry tracks live sandbox launches under a shared run
// directory so concurrent invocations of the launcher can discover,
// name-resolve, and reap each other's sandboxes.
package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"golang.org/x/sys/unix"
	"gopkg.in/yaml.v3"
)

// DefaultDir is the well-known run directory, used by Open when given an
// empty dir; tests pass their own directory to Open instead.
const DefaultDir = "/run/boxjail"

// RunRecord is the persisted state for one live sandbox. Beyond identity
// and the profile path, it carries just enough of the frozen Policy for
// the --X.print= query commands to answer without attaching to the
// sandboxed process itself.
type RunRecord struct {
	PID           int       `yaml:"pid"`
	Name          string    `yaml:"name"`
	ProfilePath   string    `yaml:"profile_path"`
	SeccompFilter string    `yaml:"seccomp_filter"`
	Caps          []string  `yaml:"caps"`
	DNS           []string  `yaml:"dns"`
	FSDirectives  int       `yaml:"fs_directives"`
	StartedAt     time.Time `yaml:"started_at"`
}

// Registry manages RunRecords under a directory locked with a single flock
// file, so Register/Delete/SweepDead never race across processes.
type Registry struct {
	dir      string
	lockPath string
	lockFD   int
}

// Open returns a Registry rooted at dir. Build must be called once before
// first use to ensure the directory tree exists.
func Open(dir string) *Registry {
	if dir == "" {
		dir = DefaultDir
	}
	return &Registry{dir: dir, lockPath: filepath.Join(dir, ".lock"), lockFD: -1}
}

// Build creates the run directory tree if missing.
func (r *Registry) Build() error {
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return fmt.Errorf("registry: build %s: %w", r.dir, err)
	}
	fd, err := unix.Open(r.lockPath, unix.O_CREAT|unix.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("registry: create lock file: %w", err)
	}
	unix.Close(fd)
	return nil
}

func (r *Registry) withLock(fn func() error) error {
	fd, err := unix.Open(r.lockPath, unix.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("registry: open lock: %w", err)
	}
	defer unix.Close(fd)

	if err := unix.Flock(fd, unix.LOCK_EX); err != nil {
		return fmt.Errorf("registry: flock: %w", err)
	}
	defer unix.Flock(fd, unix.LOCK_UN)

	return fn()
}

func (r *Registry) recordPath(pid int) string {
	return filepath.Join(r.dir, strconv.Itoa(pid)+".yaml")
}

// Register writes a RunRecord for pid, filling in PID and StartedAt, and
// returns the completed record.
func (r *Registry) Register(pid int, rec RunRecord) (*RunRecord, error) {
	rec.PID = pid
	rec.StartedAt = time.Now()

	err := r.withLock(func() error {
		b, err := yaml.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal run record: %w", err)
		}
		return os.WriteFile(r.recordPath(pid), b, 0o644)
	})
	if err != nil {
		return nil, fmt.Errorf("registry: register pid %d: %w", pid, err)
	}
	return &rec, nil
}

// Delete removes the record for pid, ignoring a missing file.
func (r *Registry) Delete(pid int) error {
	return r.withLock(func() error {
		err := os.Remove(r.recordPath(pid))
		if err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("registry: delete pid %d: %w", pid, err)
		}
		return nil
	})
}

// FindByName returns the pid of the most recently started record whose
// Name matches token, or ok=false if none match.
func (r *Registry) FindByName(token string) (pid int, ok bool, err error) {
	var recs []RunRecord
	err = r.withLock(func() error {
		all, ferr := r.loadAll()
		recs = all
		return ferr
	})
	if err != nil {
		return 0, false, err
	}

	var best *RunRecord
	for i := range recs {
		if recs[i].Name != token {
			continue
		}
		if best == nil || recs[i].StartedAt.After(best.StartedAt) {
			best = &recs[i]
		}
	}
	if best == nil {
		return 0, false, nil
	}
	return best.PID, true, nil
}

// FindRecord returns the full RunRecord matching token, tried first as a
// literal pid and then as the most recently started record with that
// Name, for the --X.print= family which needs more than just a pid.
func (r *Registry) FindRecord(token string) (*RunRecord, bool, error) {
	var recs []RunRecord
	err := r.withLock(func() error {
		all, ferr := r.loadAll()
		recs = all
		return ferr
	})
	if err != nil {
		return nil, false, err
	}

	if pid, perr := strconv.Atoi(token); perr == nil {
		for i := range recs {
			if recs[i].PID == pid {
				return &recs[i], true, nil
			}
		}
	}

	var best *RunRecord
	for i := range recs {
		if recs[i].Name != token {
			continue
		}
		if best == nil || recs[i].StartedAt.After(best.StartedAt) {
			best = &recs[i]
		}
	}
	if best == nil {
		return nil, false, nil
	}
	return best, true, nil
}

// SweepDead removes records whose pid no longer exists. It is a no-op
// when the container environment variable is "firejail", i.e. when the
// process is itself running inside such a sandbox, matching firejail's own
// guard against sweeping a registry it does not own.
func (r *Registry) SweepDead(getenv func(string) string) error {
	if getenv == nil {
		getenv = os.Getenv
	}
	if getenv("container") == "firejail" {
		return nil
	}

	return r.withLock(func() error {
		recs, err := r.loadAll()
		if err != nil {
			return err
		}
		for _, rec := range recs {
			if !pidAlive(rec.PID) {
				if rerr := os.Remove(r.recordPath(rec.PID)); rerr != nil && !os.IsNotExist(rerr) {
					return fmt.Errorf("registry: sweep pid %d: %w", rec.PID, rerr)
				}
			}
		}
		return nil
	})
}

func (r *Registry) loadAll() ([]RunRecord, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return nil, fmt.Errorf("registry: read %s: %w", r.dir, err)
	}

	var recs []RunRecord
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".yaml" {
			continue
		}
		b, err := os.ReadFile(filepath.Join(r.dir, e.Name()))
		if err != nil {
			continue
		}
		var rec RunRecord
		if err := yaml.Unmarshal(b, &rec); err != nil {
			continue
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

func pidAlive(pid int) bool {
	return unix.Kill(pid, 0) == nil
}
