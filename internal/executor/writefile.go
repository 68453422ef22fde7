// writefile.go - atomic file replacement for WriteFile steps.
// Contents go to a temp file in the destination directory (same filesystem,
// so the rename is atomic), ownership and mode are applied to the temp file,
// and only then is it renamed over the target. A concurrent reader sees
// either the old file or the complete new one.
package executor

import (
	"fmt"
	"log/slog"
	"os"
	"os/user"
	"path/filepath"
	"strconv"

	"github.com/doughall/mcbridge/internal/plan"
)

// WriteFile performs a WriteFile step.
func (e *Executor) WriteFile(step plan.WriteFile) error {
	if err := plan.ValidateStep(step); err != nil {
		return err
	}

	uid, gid, err := lookupOwnership(step.Owner, step.Group)
	if err != nil {
		return err
	}

	dir := filepath.Dir(step.Path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create directory %s: %w", dir, err)
	}

	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(step.Path)+".mcbridge-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	// Cleanup on any error
	success := false
	defer func() {
		tmpFile.Close()
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(step.Contents); err != nil {
		return fmt.Errorf("write to temp file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("sync to disk: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	// chown before chmod: chown clears setuid/setgid bits.
	if uid != -1 || gid != -1 {
		if err := os.Chown(tmpPath, uid, gid); err != nil {
			return fmt.Errorf("chown %s: %w", tmpPath, err)
		}
	}
	if err := os.Chmod(tmpPath, step.Mode); err != nil {
		return fmt.Errorf("chmod %s: %w", tmpPath, err)
	}

	if err := os.Rename(tmpPath, step.Path); err != nil {
		return fmt.Errorf("move file into place: %w", err)
	}
	success = true

	syncDir(dir)

	e.logger.Debug("file written",
		slog.String("path", step.Path),
		slog.Int("bytes", len(step.Contents)),
		slog.String("mode", fmt.Sprintf("%#o", plan.ModeBits(step.Mode))),
	)
	return nil
}

// syncDir flushes the directory entry after a rename. Best effort.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	d.Sync()
	d.Close()
}

// lookupOwnership resolves owner and group names (or numeric ids) to ids.
// Unset values come back as -1, which os.Chown leaves unchanged.
func lookupOwnership(owner, group string) (int, int, error) {
	uid, gid := -1, -1

	if owner != "" {
		if n, err := strconv.Atoi(owner); err == nil {
			uid = n
		} else {
			u, err := user.Lookup(owner)
			if err != nil {
				return -1, -1, fmt.Errorf("lookup owner %s: %w", owner, err)
			}
			uid, _ = strconv.Atoi(u.Uid)
		}
	}

	if group != "" {
		if n, err := strconv.Atoi(group); err == nil {
			gid = n
		} else {
			g, err := user.LookupGroup(group)
			if err != nil {
				return -1, -1, fmt.Errorf("lookup group %s: %w", group, err)
			}
			gid, _ = strconv.Atoi(g.Gid)
		}
	}

	return uid, gid, nil
}
