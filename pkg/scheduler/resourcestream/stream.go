// Package resourcestream implements the scheduler's resource.acquire
// subscription (spec.md §4.12's "streaming subscription to resource
// updates") as a JSON-over-websocket client, since the core spec names
// the subscription but leaves its wire form to the resource module.
package resourcestream

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/khryptorgraphics/flowmesh/pkg/idset"
	"github.com/khryptorgraphics/flowmesh/pkg/rlist"
	"github.com/khryptorgraphics/flowmesh/pkg/scheduler"
)

const (
	readTimeout  = 60 * time.Second
	pingInterval = 25 * time.Second
)

// frame is one message of the acquire subscription's wire protocol: a
// single "initial" frame carrying the opening R snapshot, followed by
// any number of "update" frames.
type frame struct {
	Type       string    `json:"type"`
	R          *rlist.R  `json:"r,omitempty"`
	Up         string    `json:"up,omitempty"`
	Down       string    `json:"down,omitempty"`
	Shrink     *rlist.R  `json:"shrink,omitempty"`
	Expiration *float64  `json:"expiration,omitempty"`
}

// Subscription is a live resource.acquire stream; it implements
// scheduler.ResourceSubscription.
type Subscription struct {
	conn *websocket.Conn
	log  *logrus.Entry
	done chan struct{}
}

// Dial opens a resource.acquire subscription at url. header carries
// whatever bearer credentials the resource module requires.
func Dial(ctx context.Context, url string, header http.Header, log *logrus.Entry) (*Subscription, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, fmt.Errorf("resourcestream: dial %s: %w", url, err)
	}
	conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	sub := &Subscription{conn: conn, log: log, done: make(chan struct{})}
	go sub.pingLoop()
	return sub, nil
}

func (s *Subscription) pingLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.done:
			return
		}
	}
}

// Initial blocks for the subscription's opening R snapshot.
func (s *Subscription) Initial() (*rlist.R, error) {
	f, err := s.readFrame()
	if err != nil {
		return nil, fmt.Errorf("resourcestream: initial: %w", err)
	}
	if f.Type != "initial" || f.R == nil {
		return nil, fmt.Errorf("resourcestream: initial: expected an initial frame, got %q", f.Type)
	}
	return f.R, nil
}

// Next blocks for the next acquire continuation.
func (s *Subscription) Next() (scheduler.ResourceUpdate, error) {
	f, err := s.readFrame()
	if err != nil {
		return scheduler.ResourceUpdate{}, fmt.Errorf("resourcestream: next: %w", err)
	}
	if f.Type != "update" {
		return scheduler.ResourceUpdate{}, fmt.Errorf("resourcestream: next: expected an update frame, got %q", f.Type)
	}
	return decodeUpdate(f)
}

func decodeUpdate(f frame) (scheduler.ResourceUpdate, error) {
	var u scheduler.ResourceUpdate
	if f.Up != "" {
		ids, err := idset.Decode(f.Up)
		if err != nil {
			return u, fmt.Errorf("decode up: %w", err)
		}
		u.Up = ids
	}
	if f.Down != "" {
		ids, err := idset.Decode(f.Down)
		if err != nil {
			return u, fmt.Errorf("decode down: %w", err)
		}
		u.Down = ids
	}
	if f.Shrink != nil {
		rl, err := rlist.FromR(f.Shrink)
		if err != nil {
			return u, fmt.Errorf("decode shrink: %w", err)
		}
		u.Shrink = rl
	}
	u.Expiration = f.Expiration
	return u, nil
}

func (s *Subscription) readFrame() (frame, error) {
	var f frame
	if err := s.conn.ReadJSON(&f); err != nil {
		return frame{}, err
	}
	return f, nil
}

// Close ends the subscription.
func (s *Subscription) Close() error {
	close(s.done)
	return s.conn.Close()
}
