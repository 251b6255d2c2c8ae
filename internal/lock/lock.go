// Package lock provides the two named cross-process locks (detector and
// sender) that keep exactly one process detecting changes and one process
// delivering diffs per machine, across restarts and multiple editor
// windows.
//
// Each lock combines an OS advisory file lock with a lease sidecar. The
// advisory lock arbitrates between live processes; the lease records who
// holds it and until when, and a heartbeat goroutine renews it. If the
// heartbeat finds the lease stolen or unrenewable, the lock demotes its
// local state and fires the on-lost callback so the owner re-acquires
// instead of assuming ownership.
package lock

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Well-known lock names.
const (
	// Detector serializes change detection across processes.
	Detector = "detector"
	// Sender serializes diff delivery across processes.
	Sender = "sender"
)

// ErrHeld indicates the lock is held by another process.
var ErrHeld = errors.New("lock held by another process")

// lease is the YAML sidecar describing the current holder.
type lease struct {
	Owner      string    `yaml:"owner"`
	AcquiredAt time.Time `yaml:"acquired_at"`
	RenewedAt  time.Time `yaml:"renewed_at"`
	ExpiresAt  time.Time `yaml:"expires_at"`
}

// Lock is one named cross-process lock.
type Lock struct {
	name      string
	lockPath  string
	leasePath string
	leaseFor  time.Duration
	onLost    func()
	logger    *log.Logger

	fl *flock.Flock

	mu    sync.Mutex
	held  bool
	owner string
	done  chan struct{}
	wg    sync.WaitGroup
}

// New creates a named lock under dir. leaseFor is the lease duration; the
// heartbeat renews at a third of it. onLost is invoked (once per
// acquisition, from the heartbeat goroutine) when the lock is compromised;
// it may be nil.
func New(name, dir string, leaseFor time.Duration, onLost func(), logger *log.Logger) (*Lock, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}
	if leaseFor <= 0 {
		leaseFor = 30 * time.Second
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[lock] ", log.LstdFlags)
	}
	lockPath := filepath.Join(dir, name+".lock")
	return &Lock{
		name:      name,
		lockPath:  lockPath,
		leasePath: filepath.Join(dir, name+".lease"),
		leaseFor:  leaseFor,
		onLost:    onLost,
		logger:    logger,
		fl:        flock.New(lockPath),
	}, nil
}

// Acquire attempts to take the lock without blocking. Returns ErrHeld if
// another live process holds it. On success a heartbeat goroutine keeps the
// lease renewed until Release.
func (l *Lock) Acquire() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.held {
		return nil
	}

	ok, err := l.fl.TryLock()
	if err != nil {
		return fmt.Errorf("failed to take %s lock: %w", l.name, err)
	}
	if !ok {
		return ErrHeld
	}

	l.owner = uuid.NewString()
	if err := l.writeLease(); err != nil {
		_ = l.fl.Unlock()
		return err
	}

	l.held = true
	l.done = make(chan struct{})
	l.wg.Add(1)
	go l.heartbeat(l.done)

	return nil
}

// Release drops the lock and removes the lease. Releasing an unheld lock
// is a no-op.
func (l *Lock) Release() error {
	l.mu.Lock()
	if !l.held {
		l.mu.Unlock()
		return nil
	}
	l.held = false
	close(l.done)
	l.mu.Unlock()

	l.wg.Wait()

	if err := os.Remove(l.leasePath); err != nil && !os.IsNotExist(err) {
		l.logger.Printf("Failed to remove %s lease: %v", l.name, err)
	}
	if err := l.fl.Unlock(); err != nil {
		return fmt.Errorf("failed to release %s lock: %w", l.name, err)
	}
	return nil
}

// Held reports whether this process currently believes it owns the lock.
func (l *Lock) Held() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held
}

// Holder returns the owner ID in the lease file, if any. Used by status
// reporting; an empty string means no lease on disk.
func (l *Lock) Holder() string {
	ls, err := l.readLease()
	if err != nil {
		return ""
	}
	return ls.Owner
}

// heartbeat renews the lease until the lock is released or compromised.
func (l *Lock) heartbeat(done chan struct{}) {
	defer l.wg.Done()

	ticker := time.NewTicker(l.leaseFor / 3)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return

		case <-ticker.C:
			if !l.renew() {
				l.compromised()
				return
			}
		}
	}
}

// renew re-reads the lease, verifies we still own it, and extends it.
// Returns false if the lease was stolen or cannot be written.
func (l *Lock) renew() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.held {
		return true
	}

	ls, err := l.readLease()
	if err == nil && ls.Owner != l.owner {
		l.logger.Printf("%s lease stolen by %s", l.name, ls.Owner)
		return false
	}
	if err := l.writeLease(); err != nil {
		l.logger.Printf("Failed to renew %s lease: %v", l.name, err)
		return false
	}
	return true
}

// compromised demotes local state so the next Acquire starts from scratch,
// then fires the on-lost callback.
func (l *Lock) compromised() {
	l.mu.Lock()
	wasHeld := l.held
	l.held = false
	l.mu.Unlock()

	_ = l.fl.Unlock()

	if wasHeld && l.onLost != nil {
		l.onLost()
	}
}

// writeLease persists the lease sidecar. Caller holds l.mu.
func (l *Lock) writeLease() error {
	now := time.Now()
	ls, err := l.readLease()
	if err != nil || ls.Owner != l.owner {
		ls = lease{Owner: l.owner, AcquiredAt: now}
	}
	ls.RenewedAt = now
	ls.ExpiresAt = now.Add(l.leaseFor)

	data, err := yaml.Marshal(&ls)
	if err != nil {
		return fmt.Errorf("failed to marshal lease: %w", err)
	}
	tmp := l.leasePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write lease: %w", err)
	}
	if err := os.Rename(tmp, l.leasePath); err != nil {
		return fmt.Errorf("failed to commit lease: %w", err)
	}
	return nil
}

func (l *Lock) readLease() (lease, error) {
	var ls lease
	data, err := os.ReadFile(l.leasePath)
	if err != nil {
		return ls, err
	}
	if err := yaml.Unmarshal(data, &ls); err != nil {
		return ls, err
	}
	return ls, nil
}
