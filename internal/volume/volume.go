// Package volume provisions the per-sandbox loop-backed ext4 volumes that
// challenge containers mount at /data. Each sandbox gets a fixed-size image
// file under the volume base directory, formatted once and loop-mounted for
// the container's lifetime.
package volume

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// PortMappingsFile is the handshake file written into a freshly provisioned
// volume so the challenge process can discover its published host ports.
const PortMappingsFile = ".xctf_port_mappings.json"

// Manager creates, mounts and tears down sandbox volumes under a single
// base directory.
type Manager struct {
	base   string
	sizeMB int
}

// NewManager returns a Manager rooted at base. sizeMB is the capacity of
// each provisioned image.
func NewManager(base string, sizeMB int) *Manager {
	return &Manager{base: base, sizeMB: sizeMB}
}

// ImagePath returns the backing image file for a sandbox volume:
// challenge_{cid}_container.img for static sandboxes,
// challenge_{cid}_{uid}_container.img for per-user ones.
func (m *Manager) ImagePath(challengeID int64, userID *int64) string {
	return filepath.Join(m.base, volumeName(challengeID, userID)+".img")
}

// MountPath returns the directory the image is loop-mounted at.
func (m *Manager) MountPath(challengeID int64, userID *int64) string {
	return filepath.Join(m.base, volumeName(challengeID, userID))
}

func volumeName(challengeID int64, userID *int64) string {
	if userID != nil {
		return fmt.Sprintf("challenge_%d_%d_container", challengeID, *userID)
	}
	return fmt.Sprintf("challenge_%d_container", challengeID)
}

// Provision makes sure the sandbox's volume exists and is mounted, returning
// the mount point. The image is created sparse and formatted only when
// absent, so re-provisioning an existing sandbox volume keeps its contents.
func (m *Manager) Provision(ctx context.Context, challengeID int64, userID *int64) (string, error) {
	if err := os.MkdirAll(m.base, 0755); err != nil {
		return "", fmt.Errorf("mkdir volume base: %w", err)
	}

	imagePath := m.ImagePath(challengeID, userID)
	if _, err := os.Stat(imagePath); os.IsNotExist(err) {
		log.Printf("volume: creating image %s (%dMB)", imagePath, m.sizeMB)
		if err := createImage(imagePath, m.sizeMB); err != nil {
			return "", err
		}
	} else if err != nil {
		return "", fmt.Errorf("stat image %s: %w", imagePath, err)
	}

	mountPoint := m.MountPath(challengeID, userID)
	if err := os.MkdirAll(mountPoint, 0755); err != nil {
		return "", fmt.Errorf("mkdir mount point: %w", err)
	}

	log.Printf("volume: mounting %s at %s", imagePath, mountPoint)
	if out, err := runCmd(ctx, "sudo", "mount", "-o", "loop", imagePath, mountPoint); err != nil {
		return "", fmt.Errorf("mount volume: %w (%s)", err, out)
	}
	return mountPoint, nil
}

func createImage(path string, sizeMB int) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create image file: %w", err)
	}
	// Sparse file: no disk used until the container writes.
	if err := f.Truncate(int64(sizeMB) * 1024 * 1024); err != nil {
		f.Close()
		os.Remove(path)
		return fmt.Errorf("truncate image: %w", err)
	}
	f.Close()

	cmd := exec.Command("mkfs.ext4", "-q", "-F", path)
	if out, err := cmd.CombinedOutput(); err != nil {
		os.Remove(path)
		return fmt.Errorf("mkfs.ext4: %w (%s)", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// WritePortMappings drops the handshake file into a mounted volume. The file
// is world-readable so the container process can read it regardless of its
// uid. Callers treat failure as non-fatal.
func (m *Manager) WritePortMappings(mountPoint string, mappings map[string]int) error {
	data, err := json.Marshal(mappings)
	if err != nil {
		return fmt.Errorf("marshal port mappings: %w", err)
	}
	path := filepath.Join(mountPoint, PortMappingsFile)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	log.Printf("volume: wrote port mappings to %s", path)
	return nil
}

// Unmount unmounts the sandbox's volume, tolerating a volume that was never
// mounted.
func (m *Manager) Unmount(ctx context.Context, challengeID int64, userID *int64) {
	mountPoint := m.MountPath(challengeID, userID)
	log.Printf("volume: unmounting %s", mountPoint)
	if out, err := runCmd(ctx, "sudo", "umount", mountPoint); err != nil {
		log.Printf("volume: umount %s failed (non-critical): %v (%s)", mountPoint, err, out)
	}
}

// Cleanup unmounts and deletes the sandbox's volume. Best-effort: every
// failure is logged and swallowed so sandbox teardown can always proceed.
func (m *Manager) Cleanup(ctx context.Context, challengeID int64, userID *int64) {
	m.Unmount(ctx, challengeID, userID)

	imagePath := m.ImagePath(challengeID, userID)
	if _, err := os.Stat(imagePath); err == nil {
		log.Printf("volume: removing image %s", imagePath)
		if err := os.Remove(imagePath); err != nil {
			log.Printf("volume: failed to remove image %s: %v", imagePath, err)
		}
	}

	mountPoint := m.MountPath(challengeID, userID)
	if _, err := os.Stat(mountPoint); err == nil {
		if err := os.Remove(mountPoint); err != nil {
			log.Printf("volume: failed to remove mount point %s: %v", mountPoint, err)
		}
	}
	log.Printf("volume: cleanup complete: challenge=%d", challengeID)
}

func runCmd(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	out, err := cmd.CombinedOutput()
	return strings.TrimSpace(string(out)), err
}
