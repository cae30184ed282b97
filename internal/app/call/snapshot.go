package call

import (
	"time"

	"github.com/dkeye/mathminds/internal/core"
	"github.com/dkeye/mathminds/internal/domain"
)

var timeAfterFunc = time.AfterFunc

// Snapshot is a read-only view of the session for UI collaborators.
type Snapshot struct {
	SelfID       domain.PeerID               `json:"selfId"`
	DisplayName  string                      `json:"displayName"`
	State        domain.CallState            `json:"state"`
	PeerID       domain.PeerID               `json:"peerId,omitempty"`
	PeerName     string                      `json:"peerName,omitempty"`
	LocalStream  *core.MediaHandle           `json:"localStream"`
	RemoteStream *core.MediaHandle           `json:"remoteStream"`
	Incoming     *domain.IncomingCallRequest `json:"incomingRequest"`
	// Reason explains why the last call ended, if it ended badly.
	Reason string `json:"reason,omitempty"`
}

func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Manager) snapshotLocked() Snapshot {
	s := Snapshot{
		SelfID:       m.self,
		DisplayName:  m.opts.DisplayName,
		State:        m.state,
		PeerID:       m.peer,
		PeerName:     m.peerName,
		LocalStream:  m.local,
		RemoteStream: m.remote,
		Reason:       m.reason,
	}
	if m.incoming != nil {
		req := *m.incoming
		s.Incoming = &req
	}
	return s
}

// Subscribe returns a channel carrying the latest snapshot after every change.
// Slow readers only miss intermediate snapshots, never the newest one.
func (m *Manager) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 1)

	m.mu.Lock()
	ch <- m.snapshotLocked()
	m.subsMu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = ch
	m.subsMu.Unlock()
	m.mu.Unlock()

	cancel := func() {
		m.subsMu.Lock()
		defer m.subsMu.Unlock()
		if c, ok := m.subs[id]; ok {
			delete(m.subs, id)
			close(c)
		}
	}
	return ch, cancel
}

func (m *Manager) publishLocked() {
	s := m.snapshotLocked()
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for _, ch := range m.subs {
		for {
			select {
			case ch <- s:
			default:
				select {
				case <-ch:
				default:
				}
				continue
			}
			break
		}
	}
}
