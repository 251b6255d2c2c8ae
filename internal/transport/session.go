// Package transport owns one authenticated websocket session per delivery
// pass. It dials the diff endpoint, gates on the server's auth frame, sends
// the sequenced payloads, and turns asynchronous sync acknowledgements back
// into queue removals.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/url"
	"os"

	"github.com/coder/websocket"

	"github.com/codesync-hq/codesyncd/internal/queue"
	"github.com/codesync-hq/codesyncd/internal/sequencer"
)

// ErrAuthFailed signals that the server rejected the access token. The
// session is abandoned without retry; the account needs reconnecting.
var ErrAuthFailed = errors.New("authentication rejected")

// serverFrame is any inbound message. Type selects which fields matter.
type serverFrame struct {
	Type         string `json:"type"`
	Status       int    `json:"status"`
	DiffFilePath string `json:"diff_file_path"`
}

// diffsMessage is the outbound batch frame.
type diffsMessage struct {
	Diffs []sequencer.Payload `json:"diffs"`
}

// Session drives one connection lifetime: dial, authenticate, sequence,
// send, collect acks. A Session is single-use.
type Session struct {
	endpoint string
	token    string
	seq      *sequencer.Sequencer
	q        *queue.Queue
	logger   *log.Logger
}

// NewSession creates a Session for one delivery pass.
func NewSession(endpoint, token string, seq *sequencer.Sequencer, q *queue.Queue, logger *log.Logger) *Session {
	if logger == nil {
		logger = log.New(os.Stderr, "[transport] ", log.LstdFlags)
	}
	return &Session{
		endpoint: endpoint,
		token:    token,
		seq:      seq,
		q:        q,
		logger:   logger,
	}
}

// Run executes the session over the given repository groups. It returns
// ErrAuthFailed on a rejected token, a wrapped error on connection trouble
// (the caller records the failure for its cooldown), and nil once every
// forwarded diff is acknowledged or nothing needed sending.
func (s *Session) Run(ctx context.Context, groups map[string][]queue.Entry) error {
	dialURL, err := s.dialURL()
	if err != nil {
		return err
	}

	conn, _, err := websocket.Dial(ctx, dialURL, nil)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	// The server speaks first with the auth verdict.
	frame, err := s.readFrame(ctx, conn)
	if err != nil {
		return fmt.Errorf("failed to read auth frame: %w", err)
	}
	if frame.Type != "auth" {
		return fmt.Errorf("expected auth frame, got %q", frame.Type)
	}
	if frame.Status != 200 {
		s.logger.Printf("Authentication rejected (status %d)", frame.Status)
		return ErrAuthFailed
	}

	inFlight := map[string]queue.Entry{}
	defer func() {
		// Whatever was not acknowledged goes back into circulation.
		for path := range inFlight {
			s.q.ClearInFlight(path)
		}
	}()

	for repoPath, group := range groups {
		payloads := s.seq.Process(ctx, s.token, group)
		if len(payloads) == 0 {
			continue
		}

		byPath := map[string]queue.Entry{}
		for _, entry := range group {
			byPath[entry.Path] = entry
		}
		for _, p := range payloads {
			if entry, ok := byPath[p.DiffFilePath]; ok {
				s.q.MarkInFlight(entry.Path)
				inFlight[entry.Path] = entry
			}
		}

		data, err := json.Marshal(diffsMessage{Diffs: payloads})
		if err != nil {
			return fmt.Errorf("failed to marshal diffs: %w", err)
		}
		if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
			return fmt.Errorf("failed to send diffs: %w", err)
		}
		s.logger.Printf("Sent %d diffs for %s", len(payloads), repoPath)
	}

	// Acks arrive per diff, in any order. The session ends when every
	// forwarded record is settled or the connection drops.
	for len(inFlight) > 0 {
		frame, err := s.readFrame(ctx, conn)
		if err != nil {
			return fmt.Errorf("connection lost awaiting acks: %w", err)
		}

		switch frame.Type {
		case "sync":
			entry, ok := inFlight[frame.DiffFilePath]
			if !ok {
				s.logger.Printf("Ack for unknown diff %s", frame.DiffFilePath)
				continue
			}
			delete(inFlight, frame.DiffFilePath)
			if frame.Status == 200 {
				s.seq.Acknowledge(entry)
			} else {
				// Left queued for a future pass.
				s.logger.Printf("Diff %s rejected (status %d)", frame.DiffFilePath, frame.Status)
				s.q.ClearInFlight(entry.Path)
			}
		default:
			s.logger.Printf("Unhandled message type %q", frame.Type)
		}
	}

	return nil
}

func (s *Session) readFrame(ctx context.Context, conn *websocket.Conn) (serverFrame, error) {
	var frame serverFrame

	_, data, err := conn.Read(ctx)
	if err != nil {
		return frame, err
	}
	if err := json.Unmarshal(data, &frame); err != nil {
		return frame, fmt.Errorf("bad frame: %w", err)
	}
	return frame, nil
}

// dialURL appends the access token as a query parameter.
func (s *Session) dialURL() (string, error) {
	u, err := url.Parse(s.endpoint)
	if err != nil {
		return "", fmt.Errorf("bad endpoint %q: %w", s.endpoint, err)
	}
	q := u.Query()
	q.Set("token", s.token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
