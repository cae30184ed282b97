package call

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dkeye/mathminds/internal/core"
	"github.com/dkeye/mathminds/internal/domain"
	"github.com/stretchr/testify/require"
)

var ctx = context.Background()

// connect drives f through an outgoing call to peer and returns its peer connection.
func connect(t *testing.T, f *fixture, peer domain.PeerID) *fakePeer {
	t.Helper()
	require.NoError(t, f.m.CallUser(ctx, peer))
	f.sig.deliver(domain.SignalEnvelope{Kind: domain.SignalAnswer, From: peer, To: "A", Payload: []byte("answer")})
	require.Equal(t, domain.CallConnected, f.m.Snapshot().State)
	return f.peers.last()
}

func TestManager_CallUser(t *testing.T) {
	t.Run("answer connects", func(t *testing.T) {
		f := newFixture("alice")
		f.sig.assign("A")

		require.NoError(t, f.m.CallUser(ctx, "B"))
		require.Equal(t, []domain.SignalKind{domain.SignalOffer}, f.sig.sentKinds())
		offer := f.sig.last()
		require.Equal(t, domain.PeerID("A"), offer.From)
		require.Equal(t, domain.PeerID("B"), offer.To)
		require.Equal(t, "alice", offer.DisplayName)
		require.Equal(t, []byte("offer-to-B"), offer.Payload)

		s := f.m.Snapshot()
		require.Equal(t, domain.CallOutgoing, s.State)
		require.Equal(t, domain.PeerID("B"), s.PeerID)
		require.NotNil(t, s.LocalStream)

		f.sig.deliver(domain.SignalEnvelope{Kind: domain.SignalAnswer, From: "B", To: "A", DisplayName: "bob", Payload: []byte("answer")})
		s = f.m.Snapshot()
		require.Equal(t, domain.CallConnected, s.State)
		require.Equal(t, "bob", s.PeerName)

		pc := f.peers.last()
		require.Equal(t, []byte("answer"), pc.answer)

		remote := pc.emitStream()
		require.Same(t, remote, f.m.Snapshot().RemoteStream)
	})

	t.Run("media failure leaves no session", func(t *testing.T) {
		f := newFixture("alice")
		f.sig.assign("A")
		f.media.err = core.ErrPermissionDenied

		err := f.m.CallUser(ctx, "B")
		require.ErrorIs(t, err, core.ErrPermissionDenied)

		s := f.m.Snapshot()
		require.Equal(t, domain.CallIdle, s.State)
		require.Empty(t, s.PeerID)
		require.Equal(t, core.Reason(core.ErrPermissionDenied), s.Reason)
		require.Zero(t, f.peers.count())
		require.Empty(t, f.sig.sentKinds())
	})

	t.Run("peer connection failure releases media", func(t *testing.T) {
		f := newFixture("alice")
		f.sig.assign("A")
		f.peers.err = errors.New("no ice")

		err := f.m.CallUser(ctx, "B")
		require.ErrorIs(t, err, core.ErrNegotiationFailed)
		require.Equal(t, domain.CallIdle, f.m.Snapshot().State)
		require.True(t, f.media.lastHandle().Released())
		require.Empty(t, f.sig.sentKinds())
	})

	t.Run("send failure ends the call", func(t *testing.T) {
		f := newFixture("alice")
		f.sig.assign("A")
		f.sig.err = core.ErrChannelClosed

		err := f.m.CallUser(ctx, "B")
		require.ErrorIs(t, err, core.ErrChannelClosed)
		require.Equal(t, domain.CallIdle, f.m.Snapshot().State)
		require.True(t, f.media.lastHandle().Released())
		require.Equal(t, 1, f.peers.last().destroyCount())
	})

	t.Run("invalid transitions", func(t *testing.T) {
		f := newFixture("alice")
		f.sig.assign("A")

		require.ErrorIs(t, f.m.AnswerCall(ctx), core.ErrInvalidTransition)
		require.ErrorIs(t, f.m.RejectCall(""), core.ErrInvalidTransition)
		require.ErrorIs(t, f.m.CallUser(ctx, "A"), core.ErrInvalidTransition)

		require.NoError(t, f.m.CallUser(ctx, "B"))
		require.ErrorIs(t, f.m.CallUser(ctx, "C"), core.ErrInvalidTransition)
		require.Equal(t, domain.PeerID("B"), f.m.Snapshot().PeerID)
		require.Equal(t, 1, f.peers.count())
	})

	t.Run("apply answer failure", func(t *testing.T) {
		f := newFixture("alice")
		f.sig.assign("A")
		require.NoError(t, f.m.CallUser(ctx, "B"))
		pc := f.peers.last()
		pc.applyErr = errors.New("bad sdp")

		f.sig.deliver(domain.SignalEnvelope{Kind: domain.SignalAnswer, From: "B", To: "A", Payload: []byte("garbage")})
		s := f.m.Snapshot()
		require.Equal(t, domain.CallIdle, s.State)
		require.Equal(t, core.Reason(core.ErrNegotiationFailed), s.Reason)
		require.Equal(t, 1, pc.destroyCount())
		require.Equal(t, domain.SignalHangup, f.sig.last().Kind)
	})

	t.Run("answer from another peer is dropped", func(t *testing.T) {
		f := newFixture("alice")
		f.sig.assign("A")
		require.NoError(t, f.m.CallUser(ctx, "B"))

		f.sig.deliver(domain.SignalEnvelope{Kind: domain.SignalAnswer, From: "C", To: "A", Payload: []byte("answer")})
		require.Equal(t, domain.CallOutgoing, f.m.Snapshot().State)
		require.Nil(t, f.peers.last().answer)
	})

	t.Run("remote reject", func(t *testing.T) {
		f := newFixture("alice")
		f.sig.assign("A")
		require.NoError(t, f.m.CallUser(ctx, "B"))

		f.sig.deliver(domain.SignalEnvelope{Kind: domain.SignalReject, From: "B", To: "A", Reason: domain.ReasonBusy})
		s := f.m.Snapshot()
		require.Equal(t, domain.CallIdle, s.State)
		require.Equal(t, "call rejected: busy", s.Reason)
		require.True(t, f.media.lastHandle().Released())
		require.Equal(t, 1, f.peers.last().destroyCount())
		require.Equal(t, []domain.SignalKind{domain.SignalOffer}, f.sig.sentKinds())
	})
}

func TestManager_LeaveCall(t *testing.T) {
	t.Run("releases everything once", func(t *testing.T) {
		f := newFixture("alice")
		f.sig.assign("A")
		pc := connect(t, f, "B")
		remote := pc.emitStream()
		local := f.media.lastHandle()

		f.m.LeaveCall()
		s := f.m.Snapshot()
		require.Equal(t, domain.CallIdle, s.State)
		require.Nil(t, s.LocalStream)
		require.Nil(t, s.RemoteStream)
		require.True(t, local.Released())
		require.True(t, remote.Released())
		require.Equal(t, 1, pc.destroyCount())

		f.m.LeaveCall()
		require.Equal(t, 1, pc.destroyCount())
		require.Equal(t, 1, f.media.released)
		require.Equal(t, []domain.SignalKind{domain.SignalOffer, domain.SignalHangup}, f.sig.sentKinds())
	})

	t.Run("idle is a no-op", func(t *testing.T) {
		f := newFixture("alice")
		f.m.LeaveCall()
		f.m.LeaveCall()
		require.Equal(t, domain.CallIdle, f.m.Snapshot().State)
		require.Empty(t, f.sig.sentKinds())
	})

	t.Run("while acquiring media", func(t *testing.T) {
		f := newFixture("alice")
		f.sig.assign("A")
		f.media.gate = make(chan struct{})

		errCh := make(chan error, 1)
		go func() { errCh <- f.m.CallUser(ctx, "B") }()
		require.Eventually(t, func() bool {
			return f.m.Snapshot().State == domain.CallOutgoing
		}, time.Second, time.Millisecond)

		f.m.LeaveCall()
		require.Equal(t, domain.CallIdle, f.m.Snapshot().State)

		close(f.media.gate)
		require.ErrorIs(t, <-errCh, core.ErrCallCancelled)
		require.True(t, f.media.lastHandle().Released())
		require.Zero(t, f.peers.count())
		require.Empty(t, f.sig.sentKinds())
		require.Nil(t, f.m.Snapshot().LocalStream)
	})

	t.Run("late remote stream is released", func(t *testing.T) {
		f := newFixture("alice")
		f.sig.assign("A")
		pc := connect(t, f, "B")
		f.m.LeaveCall()

		late := pc.emitStream()
		require.True(t, late.Released())
		require.Nil(t, f.m.Snapshot().RemoteStream)
	})

	t.Run("during offer send suppresses the offer", func(t *testing.T) {
		f := newFixture("alice")
		f.sig.assign("A")
		f.sig.honorCtx = true
		f.sig.beforeSend = func(env domain.SignalEnvelope) {
			if env.Kind == domain.SignalOffer {
				f.m.LeaveCall()
			}
		}

		err := f.m.CallUser(ctx, "B")
		require.ErrorIs(t, err, core.ErrCallCancelled)
		require.Equal(t, domain.CallIdle, f.m.Snapshot().State)
		require.Empty(t, f.sig.sentKinds())
		require.Equal(t, 1, f.peers.last().destroyCount())
	})

	t.Run("during offer send hangs up after the offer", func(t *testing.T) {
		f := newFixture("alice")
		f.sig.assign("A")
		f.sig.beforeSend = func(env domain.SignalEnvelope) {
			if env.Kind == domain.SignalOffer {
				f.m.LeaveCall()
			}
		}

		err := f.m.CallUser(ctx, "B")
		require.ErrorIs(t, err, core.ErrCallCancelled)
		require.Equal(t, domain.CallIdle, f.m.Snapshot().State)
		require.Equal(t, []domain.SignalKind{domain.SignalOffer, domain.SignalHangup}, f.sig.sentKinds())
	})

	t.Run("answer racing the offer send connects", func(t *testing.T) {
		f := newFixture("alice")
		f.sig.assign("A")
		f.sig.beforeSend = func(env domain.SignalEnvelope) {
			if env.Kind == domain.SignalOffer {
				f.sig.deliver(domain.SignalEnvelope{Kind: domain.SignalAnswer, From: "B", To: "A", Payload: []byte("answer")})
			}
		}

		require.NoError(t, f.m.CallUser(ctx, "B"))
		require.Equal(t, domain.CallConnected, f.m.Snapshot().State)
		require.Equal(t, []byte("answer"), f.peers.last().answer)
	})

	t.Run("during answer send still tells the caller", func(t *testing.T) {
		f := newFixture("alice")
		f.sig.assign("A")
		f.sig.deliver(domain.SignalEnvelope{Kind: domain.SignalOffer, From: "B", To: "A", Payload: []byte("offer")})
		f.sig.honorCtx = true
		f.sig.beforeSend = func(env domain.SignalEnvelope) {
			if env.Kind == domain.SignalAnswer {
				f.m.LeaveCall()
			}
		}

		err := f.m.AnswerCall(ctx)
		require.ErrorIs(t, err, core.ErrCallCancelled)
		require.Equal(t, domain.CallIdle, f.m.Snapshot().State)
		require.Equal(t, []domain.SignalKind{domain.SignalHangup}, f.sig.sentKinds())
		require.Equal(t, domain.PeerID("B"), f.sig.last().To)
	})

	t.Run("remote hangup", func(t *testing.T) {
		f := newFixture("alice")
		f.sig.assign("A")
		pc := connect(t, f, "B")
		remote := pc.emitStream()

		f.sig.deliver(domain.SignalEnvelope{Kind: domain.SignalHangup, From: "B", To: "A"})
		s := f.m.Snapshot()
		require.Equal(t, domain.CallIdle, s.State)
		require.Equal(t, core.Reason(core.ErrRemoteHangup), s.Reason)
		require.True(t, remote.Released())
		require.Equal(t, []domain.SignalKind{domain.SignalOffer}, f.sig.sentKinds())
	})
}

func TestManager_Incoming(t *testing.T) {
	offerFrom := func(from domain.PeerID, name string) domain.SignalEnvelope {
		return domain.SignalEnvelope{Kind: domain.SignalOffer, From: from, To: "A", DisplayName: name, Payload: []byte("offer-" + string(from))}
	}

	t.Run("rings without media", func(t *testing.T) {
		f := newFixture("alice")
		f.sig.assign("A")
		f.sig.deliver(offerFrom("B", "bob"))

		s := f.m.Snapshot()
		require.Equal(t, domain.CallIncomingRinging, s.State)
		require.NotNil(t, s.Incoming)
		require.Equal(t, domain.PeerID("B"), s.Incoming.From)
		require.Equal(t, "bob", s.Incoming.DisplayName)
		require.Nil(t, f.media.lastHandle())
		require.Zero(t, f.peers.count())
	})

	t.Run("later offer replaces pending one", func(t *testing.T) {
		f := newFixture("alice")
		f.sig.assign("A")
		f.sig.deliver(offerFrom("B", "bob"))
		f.sig.deliver(offerFrom("C", "carol"))

		s := f.m.Snapshot()
		require.Equal(t, domain.CallIncomingRinging, s.State)
		require.Equal(t, domain.PeerID("C"), s.Incoming.From)
		require.Equal(t, domain.PeerID("C"), s.PeerID)

		rej := f.sig.last()
		require.Equal(t, domain.SignalReject, rej.Kind)
		require.Equal(t, domain.PeerID("B"), rej.To)
		require.Equal(t, domain.ReasonBusy, rej.Reason)

		require.NoError(t, f.m.AnswerCall(ctx))
		require.Equal(t, []byte("offer-C"), f.peers.last().offerIn)
	})

	t.Run("answer sends answer", func(t *testing.T) {
		f := newFixture("alice")
		f.sig.assign("A")
		f.sig.deliver(offerFrom("B", "bob"))

		require.NoError(t, f.m.AnswerCall(ctx))
		s := f.m.Snapshot()
		require.Equal(t, domain.CallConnected, s.State)
		require.Nil(t, s.Incoming)
		require.NotNil(t, s.LocalStream)
		require.Nil(t, s.RemoteStream)

		ans := f.sig.last()
		require.Equal(t, domain.SignalAnswer, ans.Kind)
		require.Equal(t, domain.PeerID("B"), ans.To)
		require.Equal(t, []byte("answer-to-B"), ans.Payload)

		remote := f.peers.last().emitStream()
		require.Same(t, remote, f.m.Snapshot().RemoteStream)
	})

	t.Run("answer media failure", func(t *testing.T) {
		f := newFixture("alice")
		f.sig.assign("A")
		f.sig.deliver(offerFrom("B", "bob"))
		f.media.err = core.ErrDeviceUnavailable

		require.ErrorIs(t, f.m.AnswerCall(ctx), core.ErrDeviceUnavailable)
		require.Equal(t, domain.CallIdle, f.m.Snapshot().State)
		require.Zero(t, f.peers.count())
		require.Equal(t, []domain.SignalKind{domain.SignalHangup}, f.sig.sentKinds())
	})

	t.Run("reject", func(t *testing.T) {
		f := newFixture("alice")
		f.sig.assign("A")
		f.sig.deliver(offerFrom("B", "bob"))

		require.NoError(t, f.m.RejectCall(""))
		require.Equal(t, domain.CallIdle, f.m.Snapshot().State)
		rej := f.sig.last()
		require.Equal(t, domain.SignalReject, rej.Kind)
		require.Equal(t, domain.PeerID("B"), rej.To)
		require.Equal(t, domain.ReasonDeclined, rej.Reason)
	})

	t.Run("caller gives up", func(t *testing.T) {
		f := newFixture("alice")
		f.sig.assign("A")
		f.sig.deliver(offerFrom("B", "bob"))
		f.sig.deliver(domain.SignalEnvelope{Kind: domain.SignalHangup, From: "B", To: "A"})

		s := f.m.Snapshot()
		require.Equal(t, domain.CallIdle, s.State)
		require.Nil(t, s.Incoming)
		require.Empty(t, f.sig.sentKinds())
	})

	t.Run("offer while connected is refused", func(t *testing.T) {
		f := newFixture("alice")
		f.sig.assign("A")
		pc := connect(t, f, "B")

		f.sig.deliver(offerFrom("C", "carol"))
		s := f.m.Snapshot()
		require.Equal(t, domain.CallConnected, s.State)
		require.Equal(t, domain.PeerID("B"), s.PeerID)
		require.Nil(t, s.Incoming)
		require.Zero(t, pc.destroyCount())
		require.Equal(t, 1, f.peers.count())

		rej := f.sig.last()
		require.Equal(t, domain.SignalReject, rej.Kind)
		require.Equal(t, domain.PeerID("C"), rej.To)
	})

	t.Run("ring timeout rejects", func(t *testing.T) {
		var fire func()
		timeAfterFunc = func(_ time.Duration, fn func()) *time.Timer {
			fire = fn
			return time.NewTimer(time.Hour)
		}
		defer func() { timeAfterFunc = time.AfterFunc }()

		f := newFixture("alice", func(o *Options) { o.RingTimeout = time.Second })
		f.sig.assign("A")
		f.sig.deliver(offerFrom("B", "bob"))
		require.NotNil(t, fire)

		fire()
		require.Equal(t, domain.CallIdle, f.m.Snapshot().State)
		rej := f.sig.last()
		require.Equal(t, domain.SignalReject, rej.Kind)
		require.Equal(t, domain.ReasonTimeout, rej.Reason)
	})
}

func TestManager_Failures(t *testing.T) {
	t.Run("peer failure while connected", func(t *testing.T) {
		f := newFixture("alice")
		f.sig.assign("A")
		pc := connect(t, f, "B")
		remote := pc.emitStream()

		pc.onFailure(core.ErrNegotiationTimeout)
		s := f.m.Snapshot()
		require.Equal(t, domain.CallIdle, s.State)
		require.Equal(t, core.Reason(core.ErrNegotiationTimeout), s.Reason)
		require.True(t, remote.Released())
		require.True(t, f.media.lastHandle().Released())
		require.Equal(t, 1, pc.destroyCount())
		require.Equal(t, domain.SignalHangup, f.sig.last().Kind)

		pc.onFailure(core.ErrNegotiationFailed)
		require.Equal(t, 1, pc.destroyCount())
	})

	t.Run("reconnect while connected", func(t *testing.T) {
		f := newFixture("alice")
		f.sig.assign("A")
		pc := connect(t, f, "B")
		remote := pc.emitStream()
		local := f.media.lastHandle()

		f.sig.assign("A2")
		s := f.m.Snapshot()
		require.Equal(t, domain.CallIdle, s.State)
		require.Equal(t, domain.PeerID("A2"), s.SelfID)
		require.True(t, local.Released())
		require.True(t, remote.Released())
		require.Equal(t, 1, pc.destroyCount())
		bye := f.sig.last()
		require.Equal(t, domain.SignalHangup, bye.Kind)
		require.Equal(t, domain.PeerID("A2"), bye.From)
	})

	t.Run("reconnect drops incoming request", func(t *testing.T) {
		f := newFixture("alice")
		f.sig.assign("A")
		f.sig.deliver(domain.SignalEnvelope{Kind: domain.SignalOffer, From: "B", To: "A", Payload: []byte("offer")})

		f.sig.assign("A2")
		s := f.m.Snapshot()
		require.Equal(t, domain.CallIdle, s.State)
		require.Nil(t, s.Incoming)
		require.ErrorIs(t, f.m.AnswerCall(ctx), core.ErrInvalidTransition)
		rej := f.sig.last()
		require.Equal(t, domain.SignalReject, rej.Kind)
		require.Equal(t, domain.ReasonUnavailable, rej.Reason)
	})

	t.Run("caller gone before the answer arrived", func(t *testing.T) {
		f := newFixture("alice")
		f.sig.assign("A")
		f.sig.deliver(domain.SignalEnvelope{Kind: domain.SignalOffer, From: "B", To: "A", Payload: []byte("offer")})
		require.NoError(t, f.m.AnswerCall(ctx))
		require.Equal(t, domain.CallConnected, f.m.Snapshot().State)

		f.sig.deliver(domain.SignalEnvelope{Kind: domain.SignalReject, From: "B", To: "A", Reason: domain.ReasonUnavailable})
		s := f.m.Snapshot()
		require.Equal(t, domain.CallIdle, s.State)
		require.Equal(t, "call rejected: unavailable", s.Reason)
		require.Equal(t, 1, f.peers.last().destroyCount())
	})

	t.Run("reject after media arrived is ignored", func(t *testing.T) {
		f := newFixture("alice")
		f.sig.assign("A")
		pc := connect(t, f, "B")
		pc.emitStream()

		f.sig.deliver(domain.SignalEnvelope{Kind: domain.SignalReject, From: "B", To: "A", Reason: domain.ReasonBusy})
		require.Equal(t, domain.CallConnected, f.m.Snapshot().State)
	})
}

func TestManager_TwoPlayers(t *testing.T) {
	board := newFakeSwitchboard()
	a := newFixture("alice")
	b := newFixture("bob")
	board.join("A", a.sig)
	board.join("B", b.sig)

	require.NoError(t, a.m.CallUser(ctx, "B"))

	sb := b.m.Snapshot()
	require.Equal(t, domain.CallIncomingRinging, sb.State)
	require.Equal(t, "alice", sb.Incoming.DisplayName)
	require.Equal(t, domain.PeerID("A"), sb.Incoming.From)

	require.NoError(t, b.m.AnswerCall(ctx))
	require.Equal(t, domain.CallConnected, a.m.Snapshot().State)
	require.Equal(t, domain.CallConnected, b.m.Snapshot().State)
	require.Equal(t, []byte("answer-to-A"), a.peers.last().answer)

	a.peers.last().emitStream()
	b.peers.last().emitStream()
	require.NotNil(t, a.m.Snapshot().RemoteStream)
	require.NotNil(t, b.m.Snapshot().RemoteStream)

	bLocal := b.media.lastHandle()
	a.m.LeaveCall()

	for _, f := range []*fixture{a, b} {
		s := f.m.Snapshot()
		require.Equal(t, domain.CallIdle, s.State)
		require.Nil(t, s.RemoteStream)
		require.Nil(t, s.LocalStream)
	}
	require.True(t, bLocal.Released())
	require.Equal(t, 1, b.peers.last().destroyCount())
}

func TestManager_Subscribe(t *testing.T) {
	f := newFixture("alice")
	ch, cancel := f.m.Subscribe()
	defer cancel()

	require.Equal(t, domain.CallIdle, (<-ch).State)

	f.sig.assign("A")
	f.sig.deliver(domain.SignalEnvelope{Kind: domain.SignalOffer, From: "B", To: "A", DisplayName: "bob"})

	s := <-ch
	require.Equal(t, domain.CallIncomingRinging, s.State)
	require.Equal(t, "bob", s.Incoming.DisplayName)

	f.m.Close()
	var last Snapshot
	for s := range ch {
		last = s
	}
	require.Equal(t, domain.CallIdle, last.State)
	require.ErrorIs(t, f.m.CallUser(ctx, "B"), core.ErrChannelClosed)
}
