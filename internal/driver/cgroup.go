package driver

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// cgroupRoot is the cgroup v2 unified hierarchy mountpoint.
const cgroupRoot = "/sys/fs/cgroup"

// cgroupManager creates a leaf cgroup under the launcher's own cgroup and
// applies the policy's resource limits to it before the child is released.
type cgroupManager struct {
	path string
}

func newCgroupManager(name string) (*cgroupManager, error) {
	parent, err := readOwnCgroup()
	if err != nil {
		return nil, fmt.Errorf("cgroup: read own cgroup: %w", err)
	}

	if err := enableControllers(parent); err != nil {
		return nil, fmt.Errorf("cgroup: enable controllers: %w", err)
	}

	leaf := filepath.Join(cgroupRoot, parent, "boxjail-"+name)
	if err := os.MkdirAll(leaf, 0o755); err != nil {
		return nil, fmt.Errorf("cgroup: mkdir %s: %w", leaf, err)
	}
	return &cgroupManager{path: leaf}, nil
}

func (m *cgroupManager) setMemoryMax(bytes uint64) error {
	if bytes == 0 {
		return nil
	}
	return os.WriteFile(filepath.Join(m.path, "memory.max"), []byte(strconv.FormatUint(bytes, 10)), 0o644)
}

func (m *cgroupManager) setPIDsMax(n uint32) error {
	if n == 0 {
		return nil
	}
	return os.WriteFile(filepath.Join(m.path, "pids.max"), []byte(strconv.FormatUint(uint64(n), 10)), 0o644)
}

func (m *cgroupManager) addPID(pid int) error {
	return os.WriteFile(filepath.Join(m.path, "cgroup.procs"), []byte(strconv.Itoa(pid)), 0o644)
}

func (m *cgroupManager) destroy() error {
	err := os.Remove(m.path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("cgroup: remove %s: %w", m.path, err)
	}
	return nil
}

func readOwnCgroup() (string, error) {
	f, err := os.Open("/proc/self/cgroup")
	if err != nil {
		return "", err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		// cgroup v2 lines look like "0::/user.slice/...".
		parts := strings.SplitN(line, ":", 3)
		if len(parts) == 3 && parts[0] == "0" {
			return parts[2], nil
		}
	}
	return "", fmt.Errorf("no cgroup v2 entry found in /proc/self/cgroup")
}

// enableControllers ensures memory and pids controllers are active on the
// path leading to where boxjail will create its leaf cgroup. EBUSY is
// tolerated: it means a sibling process already enabled the controller.
func enableControllers(relPath string) error {
	segments := strings.Split(strings.Trim(relPath, "/"), "/")
	cur := cgroupRoot
	for _, seg := range segments {
		if seg == "" {
			continue
		}
		if err := writeSubtreeControl(cur); err != nil {
			return err
		}
		cur = filepath.Join(cur, seg)
	}
	return writeSubtreeControl(cur)
}

func writeSubtreeControl(dir string) error {
	path := filepath.Join(dir, "cgroup.subtree_control")
	err := os.WriteFile(path, []byte("+memory +pids"), 0o644)
	if err == nil || os.IsNotExist(err) {
		return nil
	}
	if pe, ok := err.(*os.PathError); ok && pe.Err.Error() == "device or resource busy" {
		return nil
	}
	return err
}
