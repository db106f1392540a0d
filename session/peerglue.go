package session

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/go-leech/leech/mse"
	"github.com/go-leech/leech/peerconn"
	"github.com/go-leech/leech/peermgr"
	"github.com/go-leech/leech/tracker"
	"github.com/go-leech/leech/wire"
)

// dialTimeout bounds one outbound connection attempt, MSE negotiation
// included (SmartConnect has its own inner bound for the encrypted
// attempt; this is the outer ceiling on the whole dial).
const dialTimeout = 10 * time.Second

// Dialer opens outbound connections to newly discovered peers. Session
// depends on this interface, not peerconn directly, so tests can swap
// in a dialer that never touches a real socket.
type Dialer interface {
	Dial(s *Session, addr tracker.PeerAddr)
}

type netDialer struct {
	policy mse.Policy
	logger *zap.Logger
}

// NewDialer builds the default Dialer: a real TCP dial negotiated under
// the given MSE policy.
func NewDialer(policy mse.Policy, logger *zap.Logger) Dialer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &netDialer{policy: policy, logger: logger}
}

func (d *netDialer) Dial(s *Session, addr tracker.PeerAddr) {
	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()
	conn, err := peerconn.Dial(ctx, addr.String(), d.policy, s.info.InfoHash)
	if err != nil {
		d.logger.Debug("outbound dial failed", zap.String("addr", addr.String()), zap.Error(err))
		return
	}
	key := peermgr.PeerKey{InfoHash: s.info.InfoHash, IP: addr.IP, Port: addr.Port}
	s.attach(conn, key, true)
}

// AcceptPeer wires an already-accepted inbound connection into this
// session's peer set. The caller (typically enginemgr's single shared
// listener) is responsible for having already resolved which torrent's
// info hash this connection negotiated before calling here.
func (s *Session) AcceptPeer(conn *peerconn.Conn, remoteIP string, remotePort int) {
	key := peermgr.PeerKey{InfoHash: s.info.InfoHash, IP: remoteIP, Port: remotePort}
	s.attach(conn, key, false)
}

func (s *Session) attach(conn *peerconn.Conn, key peermgr.PeerKey, isInitiator bool) {
	if !s.peers.CanAccept(s.info.InfoHash) {
		conn.Close()
		return
	}
	handler := &sessionHandler{key: key, peers: s.peers}
	fsm := peerconn.NewFSM(s.info.PieceCount, handler)
	if err := s.peers.Register(key, conn, fsm); err != nil {
		conn.Close()
		return
	}
	localHandshake := wire.Handshake(s.info.InfoHash, s.peerID)
	go func() {
		err := peerconn.Run(conn, s.info.PieceCount, isInitiator, localHandshake, handler)
		reason := peermgr.ReasonPeerClosed
		if err != nil {
			reason = peermgr.ReasonProtocolError
		}
		s.peers.Disconnect(key, reason)
	}()
}

// sessionHandler adapts one connection's FSM callbacks into
// peermgr.Manager events tagged with that connection's PeerKey. It does
// no torrent-level work itself; session.handlePeerEvent does that once
// the event reaches the per-torrent channel peermgr fans it onto.
type sessionHandler struct {
	key   peermgr.PeerKey
	peers *peermgr.Manager
}

// pexExtID is the extension id under which inbound extended messages
// are parsed as ut_pex. The session sends no BEP-10 handshake of its
// own, so this id is not advertised to peers.
const pexExtID = 1

func (h *sessionHandler) OnHandshake(wire.ParsedHandshake) {}

func (h *sessionHandler) OnChoke(choked bool) { h.peers.OnChoke(h.key, choked) }

func (h *sessionHandler) OnInterested(interested bool) { h.peers.OnInterested(h.key, interested) }

func (h *sessionHandler) OnHave(index uint32) { h.peers.OnHave(h.key, index) }

func (h *sessionHandler) OnBitfield(bf *wire.Bitfield) { h.peers.OnBitfield(h.key, bf) }

func (h *sessionHandler) OnRequest(r wire.ParsedRequest) { h.peers.OnRequest(h.key, r) }

// OnCancel ignores the cancel: every request already surfaced to the
// session is still served.
func (h *sessionHandler) OnCancel(wire.ParsedRequest) {}

func (h *sessionHandler) OnPiece(p wire.ParsedPiece) { h.peers.OnPiece(h.key, p) }

func (h *sessionHandler) OnExtended(extID uint8, payload []byte) {
	if extID != pexExtID {
		return
	}
	if peers, err := wire.ParsePEX(payload); err == nil {
		h.peers.OnPEXPeers(h.key.InfoHash, peers)
	}
}

func (h *sessionHandler) OnProtocolError(error) {}
