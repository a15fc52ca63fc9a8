package retention

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/juju/clock"

	"feedsync/pkg/logger"
)

// fileLease is a lock file shared by every process using the same store
// directory, so only one of them sweeps at a time.
type fileLease struct {
	path  string
	clock clock.Clock
}

type leaseFile struct {
	Owner   string `json:"owner"`
	Expires string `json:"expires"`
}

func newFileLease(dir string, clk clock.Clock) *fileLease {
	if clk == nil {
		clk = clock.WallClock
	}
	return &fileLease{path: filepath.Join(dir, "retention.lock"), clock: clk}
}

func (l *fileLease) read() (leaseFile, error) {
	var lf leaseFile
	data, err := os.ReadFile(l.path)
	if err != nil {
		return lf, err
	}
	if err := json.Unmarshal(data, &lf); err != nil {
		return lf, fmt.Errorf("parse %s: %w", l.path, err)
	}
	return lf, nil
}

func (l *fileLease) write(lf leaseFile) (string, error) {
	b, err := json.Marshal(lf)
	if err != nil {
		return "", err
	}
	tmp := l.path + "." + lf.Owner + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		logger.Error("lease_tmp_write_failed", "path", tmp, "error", err)
		return "", err
	}
	return tmp, nil
}

// Acquire takes the lease for ttl unless another owner holds an unexpired
// one.
func (l *fileLease) Acquire(owner string, ttl time.Duration) (bool, error) {
	now := l.clock.Now()
	tmp, err := l.write(leaseFile{Owner: owner, Expires: now.Add(ttl).Format(time.RFC3339Nano)})
	if err != nil {
		return false, err
	}
	defer os.Remove(tmp)

	// link fails when the lock exists
	if err := os.Link(tmp, l.path); err == nil {
		logger.Debug("lease_acquired", "path", l.path, "owner", owner)
		return true, nil
	}
	existing, err := l.read()
	if err != nil {
		return false, err
	}
	exp, _ := time.Parse(time.RFC3339Nano, existing.Expires)
	if existing.Owner != owner && !exp.Before(now) {
		logger.Info("lease_currently_held", "path", l.path, "owner", existing.Owner)
		return false, nil
	}
	if err := os.Rename(tmp, l.path); err != nil {
		logger.Error("lease_replace_failed", "error", err)
		return false, err
	}
	logger.Info("lease_acquired_replaced", "path", l.path, "owner", owner, "previous", existing.Owner)
	return true, nil
}

// Renew extends a lease held by owner.
func (l *fileLease) Renew(owner string, ttl time.Duration) error {
	existing, err := l.read()
	if err != nil {
		return err
	}
	if existing.Owner != owner {
		return fmt.Errorf("lease held by %s", existing.Owner)
	}
	existing.Expires = l.clock.Now().Add(ttl).Format(time.RFC3339Nano)
	tmp, err := l.write(existing)
	if err != nil {
		return err
	}
	if err := os.Rename(tmp, l.path); err != nil {
		_ = os.Remove(tmp)
		logger.Error("lease_renew_rename_failed", "error", err)
		return err
	}
	logger.Debug("lease_renewed", "path", l.path, "owner", owner)
	return nil
}

func (l *fileLease) Release(owner string) error {
	existing, err := l.read()
	if err != nil {
		return err
	}
	if existing.Owner != owner {
		logger.Error("lease_release_not_owner", "owner", owner, "holder", existing.Owner)
		return fmt.Errorf("lease held by %s", existing.Owner)
	}
	if err := os.Remove(l.path); err != nil {
		logger.Error("lease_release_remove_failed", "error", err)
		return err
	}
	logger.Debug("lease_released", "path", l.path, "owner", owner)
	return nil
}
