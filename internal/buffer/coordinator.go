// Package buffer drives diff delivery. A coordinator ticks on a fixed
// interval; each tick samples the queue, groups pending records by
// repository, and hands the batch to a transport session running in its
// own goroutine, so the timer loop never blocks on the network.
//
// Guards, in order: at most one session in flight, the sender
// cross-process lock, an active signed-in account, the connect cooldown
// after a recent failure, and a server health probe.
package buffer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/codesync-hq/codesyncd/internal/api"
	"github.com/codesync-hq/codesyncd/internal/auth"
	"github.com/codesync-hq/codesyncd/internal/config"
	"github.com/codesync-hq/codesyncd/internal/lock"
	"github.com/codesync-hq/codesyncd/internal/queue"
	"github.com/codesync-hq/codesyncd/internal/transport"
)

// State is the coordinator's position in its delivery cycle.
type State int

const (
	// Idle means waiting for the next tick.
	Idle State = iota
	// Acquiring means taking the sender lock.
	Acquiring
	// Running means a transport session is in flight.
	Running
	// Connecting means delivery is blocked on connectivity (recent
	// failure cooldown or a failed health probe).
	Connecting
	// NoWork means the last pass found an empty queue.
	NoWork
	// NoUser means no account is signed in.
	NoUser
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Acquiring:
		return "acquiring"
	case Running:
		return "running"
	case Connecting:
		return "connecting"
	case NoWork:
		return "no work"
	case NoUser:
		return "no user"
	default:
		return "unknown"
	}
}

// SessionRunner executes one delivery session over grouped queue entries.
// The production runner is a transport.Session; tests substitute fakes.
type SessionRunner func(ctx context.Context, token string, groups map[string][]queue.Entry) error

// Options configures a Coordinator.
type Options struct {
	Queue      *queue.Queue
	Config     *config.Store
	Users      *auth.Store
	SenderLock *lock.Lock
	Health     api.HealthChecker
	Session    SessionRunner

	// Interval is the tick period.
	Interval time.Duration
	// Cooldown suppresses reconnects after a failed session.
	Cooldown time.Duration
	// BatchSize caps the records sampled per pass.
	BatchSize int

	Logger *log.Logger
}

// Coordinator runs the delivery state machine.
type Coordinator struct {
	q       *queue.Queue
	cfg     *config.Store
	users   *auth.Store
	sender  *lock.Lock
	health  api.HealthChecker
	session SessionRunner

	interval  time.Duration
	cooldown  time.Duration
	batchSize int
	logger    *log.Logger

	mu          sync.Mutex
	state       State
	inFlight    bool
	lastFailure time.Time
	authFailed  bool
	running     bool

	done chan struct{}
	wg   sync.WaitGroup
}

// New creates a Coordinator. It must be started with Start, or driven
// manually with RunOnce.
func New(opts Options) (*Coordinator, error) {
	if opts.Queue == nil || opts.Config == nil || opts.Users == nil || opts.Session == nil {
		return nil, fmt.Errorf("queue, config, users and session are required")
	}
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Second
	}
	if opts.Cooldown <= 0 {
		opts.Cooldown = 30 * time.Second
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 50
	}
	if opts.Logger == nil {
		opts.Logger = log.New(os.Stderr, "[buffer] ", log.LstdFlags)
	}
	return &Coordinator{
		q:         opts.Queue,
		cfg:       opts.Config,
		users:     opts.Users,
		sender:    opts.SenderLock,
		health:    opts.Health,
		session:   opts.Session,
		interval:  opts.Interval,
		cooldown:  opts.Cooldown,
		batchSize: opts.BatchSize,
		logger:    opts.Logger,
		state:     Idle,
		done:      make(chan struct{}),
	}, nil
}

// Start begins the tick loop.
func (c *Coordinator) Start() error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("coordinator already running")
	}
	c.running = true
	c.mu.Unlock()

	c.wg.Add(1)
	go c.loop()
	return nil
}

// Stop halts the tick loop and waits for an in-flight session to finish.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	c.mu.Unlock()

	close(c.done)
	c.wg.Wait()
}

func (c *Coordinator) loop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.tick()
		}
	}
}

// tick runs the guard chain and, when there is work, delegates the
// session to a goroutine so the timer loop returns immediately.
func (c *Coordinator) tick() {
	token, groups, ok := c.prepare(context.Background())
	if !ok {
		return
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), c.interval*10)
		defer cancel()
		c.finish(c.session(ctx, token, groups))
	}()
}

// RunOnce performs one full synchronous delivery pass. Used by the flush
// command and anywhere a blocking pass is wanted.
func (c *Coordinator) RunOnce(ctx context.Context) error {
	token, groups, ok := c.prepare(ctx)
	if !ok {
		return nil
	}

	err := c.session(ctx, token, groups)
	c.finish(err)
	return err
}

// prepare walks the guard chain and samples the queue. It returns ok
// false when this pass should not deliver; the state records why.
func (c *Coordinator) prepare(ctx context.Context) (string, map[string][]queue.Entry, bool) {
	c.mu.Lock()
	if c.inFlight {
		c.mu.Unlock()
		return "", nil, false
	}
	c.state = Acquiring
	sinceFailure := time.Since(c.lastFailure)
	authFailed := c.authFailed
	c.mu.Unlock()

	if c.sender != nil && !c.sender.Held() {
		if err := c.sender.Acquire(); err != nil {
			if !errors.Is(err, lock.ErrHeld) {
				c.logger.Printf("Failed to acquire sender lock: %v", err)
			}
			c.setState(Idle)
			return "", nil, false
		}
	}

	if authFailed {
		// The cached token was rejected; re-read user.yml in case the
		// user reconnected the account since.
		if err := c.users.Reload(); err != nil {
			c.logger.Printf("Failed to reload account store: %v", err)
		}
	}
	user, ok := c.users.ActiveUser()
	if !ok {
		c.setState(NoUser)
		return "", nil, false
	}

	if sinceFailure < c.cooldown {
		c.setState(Connecting)
		return "", nil, false
	}
	if c.health != nil && c.health.IsServerDown(ctx) {
		c.logger.Printf("Server down, skipping pass")
		c.markFailure()
		c.setState(Connecting)
		return "", nil, false
	}

	entries, err := c.q.Sample(c.batchSize, c.cfg)
	if err != nil {
		c.logger.Printf("Failed to sample queue: %v", err)
		c.setState(Idle)
		return "", nil, false
	}
	if len(entries) == 0 {
		c.setState(NoWork)
		return "", nil, false
	}

	groups := map[string][]queue.Entry{}
	for _, entry := range entries {
		groups[entry.Record.RepoPath] = append(groups[entry.Record.RepoPath], entry)
	}

	c.mu.Lock()
	c.inFlight = true
	c.state = Running
	c.mu.Unlock()

	c.logger.Printf("Delivering %d diffs across %d repos", len(entries), len(groups))
	return user.AccessToken, groups, true
}

// finish settles the shared state after a session ends.
func (c *Coordinator) finish(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.inFlight = false
	c.state = Idle

	if err == nil {
		c.authFailed = false
		return
	}

	c.lastFailure = time.Now()
	if errors.Is(err, transport.ErrAuthFailed) {
		// Retrying with the same token is pointless until the user
		// reconnects the account.
		c.authFailed = true
		c.logger.Printf("Delivery stopped: account needs reconnecting")
		return
	}
	c.logger.Printf("Delivery failed: %v", err)
}

func (c *Coordinator) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Coordinator) markFailure() {
	c.mu.Lock()
	c.lastFailure = time.Now()
	c.mu.Unlock()
}

// Status is a point-in-time snapshot for status reporting.
type Status struct {
	State       State
	LastFailure time.Time
	AuthFailed  bool
}

// Status returns the coordinator's current snapshot.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{State: c.state, LastFailure: c.lastFailure, AuthFailed: c.authFailed}
}
