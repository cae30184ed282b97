package core

import "github.com/dkeye/mathminds/internal/domain"

// PeerSession binds a connected user and its transport endpoint.
// This is what the server registry stores and routes to.
type PeerSession interface {
	User() *domain.User
	Signal() SignalConnection
}

type peerSession struct {
	user *domain.User
	sig  SignalConnection
}

func NewPeerSession(user *domain.User, sig SignalConnection) PeerSession {
	return &peerSession{user: user, sig: sig}
}

func (s *peerSession) User() *domain.User       { return s.user }
func (s *peerSession) Signal() SignalConnection { return s.sig }
