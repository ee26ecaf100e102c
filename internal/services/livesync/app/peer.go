package server

import (
	"io"
	"sync"
	"time"

	"github.com/louisbranch/campaign-livesync/internal/services/livesync/domain"
)

// livePeer is one open connection. Identity is fixed at accept time.
type livePeer struct {
	id     string
	userID string
	role   domain.Role

	mu           sync.Mutex
	out          io.Writer
	setDeadline  func(time.Time) error
	writeTimeout time.Duration
	closer       io.Closer
}

func newLivePeer(id string, userID string, role domain.Role, out io.Writer) *livePeer {
	return &livePeer{
		id:     id,
		userID: userID,
		role:   role,
		out:    out,
	}
}

// send writes one serialized event as a single frame.
func (p *livePeer) send(payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.setDeadline != nil && p.writeTimeout > 0 {
		if err := p.setDeadline(time.Now().Add(p.writeTimeout)); err != nil {
			return err
		}
	}
	_, err := p.out.Write(payload)
	return err
}

func (p *livePeer) close() {
	if p.closer != nil {
		_ = p.closer.Close()
	}
}
