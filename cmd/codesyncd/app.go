package main

import (
	"context"
	"fmt"
	"os"

	"github.com/codesync-hq/codesyncd/internal/api"
	"github.com/codesync-hq/codesyncd/internal/auth"
	"github.com/codesync-hq/codesyncd/internal/buffer"
	"github.com/codesync-hq/codesyncd/internal/config"
	"github.com/codesync-hq/codesyncd/internal/detector"
	"github.com/codesync-hq/codesyncd/internal/lock"
	"github.com/codesync-hq/codesyncd/internal/logging"
	"github.com/codesync-hq/codesyncd/internal/pathspec"
	"github.com/codesync-hq/codesyncd/internal/queue"
	"github.com/codesync-hq/codesyncd/internal/sequencer"
	"github.com/codesync-hq/codesyncd/internal/settings"
	"github.com/codesync-hq/codesyncd/internal/shadow"
	"github.com/codesync-hq/codesyncd/internal/transport"
)

// app wires the sync pipeline from settings. Every command builds one.
type app struct {
	settings *settings.Settings
	logs     *logging.Factory
	cfg      *config.Store
	users    *auth.Store
	shadows  *shadow.Store
	q        *queue.Queue
	det      *detector.Detector
	seq      *sequencer.Sequencer
}

// newApp assembles the pipeline. daemonLogs selects the rotating log file
// under the root directory; one-shot commands log to stderr instead.
func newApp(daemonLogs bool) (*app, error) {
	s, err := settings.Load(rootDirFlag)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(s.RootDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create root directory: %w", err)
	}

	logDir := ""
	if daemonLogs {
		logDir = s.LogDir()
		if err := os.MkdirAll(logDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
	}
	logs := logging.NewFactory(logDir)

	cfg, err := config.Load(s.ConfigPath())
	if err != nil {
		return nil, err
	}
	users := auth.NewStore(s.UserPath())
	shadows := shadow.NewStore(s.ShadowDir(), s.OriginalsDir(), s.DeletedDir())

	q, err := queue.New(s.QueueDir(), queue.Options{
		MaxDiffBytes: s.MaxDiffBytes,
		GraceWindow:  s.QueueGraceWindow,
		Ignore: func(repoPath, relPath string) bool {
			return pathspec.LoadMatcher(repoPath).Match(relPath)
		},
		Logger: logs.For("queue"),
	})
	if err != nil {
		return nil, err
	}

	det := detector.New(cfg, shadows, q, s.Source, logs.For("detector"))
	seq := sequencer.New(cfg, shadows, q, api.UnavailableUploader{}, s.UploadWaitWindow, logs.For("sequencer"))

	return &app{
		settings: s,
		logs:     logs,
		cfg:      cfg,
		users:    users,
		shadows:  shadows,
		q:        q,
		det:      det,
		seq:      seq,
	}, nil
}

// newLock creates one of the named cross-process locks under the root.
func (a *app) newLock(name string, onLost func()) (*lock.Lock, error) {
	return lock.New(name, a.settings.LockDir(), a.settings.LockLease, onLost, a.logs.For("lock"))
}

// coordinator builds the delivery coordinator over a fresh transport
// session per pass.
func (a *app) coordinator(senderLock *lock.Lock) (*buffer.Coordinator, error) {
	session := func(ctx context.Context, token string, groups map[string][]queue.Entry) error {
		s := transport.NewSession(a.settings.WebsocketURL, token, a.seq, a.q, a.logs.For("transport"))
		return s.Run(ctx, groups)
	}
	return buffer.New(buffer.Options{
		Queue:      a.q,
		Config:     a.cfg,
		Users:      a.users,
		SenderLock: senderLock,
		Health:     api.NewHealthChecker(a.settings.HealthURL),
		Session:    session,
		Interval:   a.settings.DeliveryInterval,
		Cooldown:   a.settings.ConnectCooldown,
		BatchSize:  a.settings.BatchSize,
		Logger:     a.logs.For("buffer"),
	})
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
