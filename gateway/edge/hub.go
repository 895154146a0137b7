package edge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/hashicorp/yamux"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/rs/zerolog/log"

	"github.com/hypertuna/gateway/gateway/core/wire"
	"github.com/hypertuna/gateway/gateway/dispatch"
	"github.com/hypertuna/gateway/gateway/registry"
)

// WorkerProtocolID is the libp2p protocol workers dial to reach the
// gateway. Workers never expose a port; every session is worker-initiated.
const WorkerProtocolID = protocol.ID("/hypertuna/worker/1.0")

var (
	ErrWorkerUnavailable = errors.New("edge: worker peer not connected")
	ErrTunnelRejected    = errors.New("edge: worker rejected tunnel")
)

type workerConn struct {
	id     int64
	peerID string
	sess   *yamux.Session
	raw    io.ReadWriteCloser
}

// WorkerHub owns the inbound worker sessions: one yamux session per worker
// connection, control packets feeding the registry and dispatcher, and
// outbound tunnel streams opened on demand.
type WorkerHub struct {
	reg  *registry.Registry
	disp *dispatch.Dispatcher

	mu          sync.RWMutex
	connCounter int64
	conns       map[int64]*workerConn
	byPeer      map[string]*workerConn
}

var _yamux_config = yamux.DefaultConfig()

func NewWorkerHub(reg *registry.Registry, disp *dispatch.Dispatcher) *WorkerHub {
	return &WorkerHub{
		reg:    reg,
		disp:   disp,
		conns:  map[int64]*workerConn{},
		byPeer: map[string]*workerConn{},
	}
}

// Attach installs the hub as the worker protocol handler.
func (hub *WorkerHub) Attach(h host.Host) {
	h.SetStreamHandler(WorkerProtocolID, hub.handleSession)
}

func (hub *WorkerHub) Detach(h host.Host) {
	h.RemoveStreamHandler(WorkerProtocolID)
}

func (hub *WorkerHub) handleSession(s network.Stream) {
	if err := hub.HandleConnection(s, s.Conn().RemotePeer().String()); err != nil {
		_ = s.Reset()
	}
}

// HandleConnection wraps one worker connection in a yamux session and
// starts serving its control streams.
func (hub *WorkerHub) HandleConnection(conn io.ReadWriteCloser, remote string) error {
	sess, err := yamux.Server(conn, _yamux_config)
	if err != nil {
		log.Error().Err(err).Msg("[edge] yamux server handshake")
		return err
	}

	hub.mu.Lock()
	hub.connCounter++
	wc := &workerConn{id: hub.connCounter, sess: sess, raw: conn}
	hub.conns[wc.id] = wc
	hub.mu.Unlock()

	log.Info().Int64("conn_id", wc.id).Str("remote", remote).Msg("[edge] worker session opened")
	go hub.serveSession(wc)
	return nil
}

func (hub *WorkerHub) serveSession(conn *workerConn) {
	defer hub.dropConn(conn)

	for {
		stream, err := conn.sess.AcceptStream()
		if err != nil {
			return
		}
		go hub.serveControlStream(conn, stream)
	}
}

func (hub *WorkerHub) dropConn(conn *workerConn) {
	hub.mu.Lock()
	delete(hub.conns, conn.id)
	if conn.peerID != "" && hub.byPeer[conn.peerID] == conn {
		delete(hub.byPeer, conn.peerID)
	}
	peerID := conn.peerID
	hub.mu.Unlock()

	_ = conn.sess.Close()
	_ = conn.raw.Close()
	if peerID != "" {
		hub.reg.DropPeer(peerID)
	}
	log.Info().Int64("conn_id", conn.id).Str("peer", peerID).Msg("[edge] worker session closed")
}

// bindPeer associates the registry-level peer id with this session so
// tunnels can find it. Latest session wins.
func (hub *WorkerHub) bindPeer(conn *workerConn, peerID string) {
	if peerID == "" {
		return
	}
	hub.mu.Lock()
	conn.peerID = peerID
	hub.byPeer[peerID] = conn
	hub.mu.Unlock()
}

func (hub *WorkerHub) serveControlStream(conn *workerConn, stream *yamux.Stream) {
	defer stream.Close()

	for {
		packet, err := wire.ReadPacket(stream)
		if err != nil {
			return
		}

		switch packet.Type {
		case wire.PacketRegisterRequest:
			err = hub.handleRegister(conn, stream, packet)
		case wire.PacketHeartbeat:
			err = hub.handleHeartbeat(conn, packet)
		case wire.PacketDeregisterRequest:
			err = hub.handleDeregister(conn, stream, packet)
		default:
			log.Debug().Uint8("type", uint8(packet.Type)).Msg("[edge] ignoring unknown worker packet")
			return
		}
		if err != nil {
			return
		}
	}
}

func (hub *WorkerHub) handleRegister(conn *workerConn, stream *yamux.Stream, packet *wire.Packet) error {
	req, err := wire.Decode[wire.RegisterRequest](packet)
	if err != nil {
		return err
	}

	resp := wire.RegisterResponse{}
	reg, rerr := hub.reg.Register(req)
	if rerr != nil {
		resp.Error = rerr.Error()
		log.Warn().Err(rerr).Str("relay_key", req.RelayKey).Str("peer", req.PeerID).Msg("[edge] registration rejected")
	} else {
		resp.Accepted = true
		resp.MirrorPublicKey = reg.MirrorPublicKey
		resp.ReplicationTopic = reg.ReplicationTopic
		hub.bindPeer(conn, req.PeerID)
	}
	return wire.WriteMessage(stream, wire.PacketRegisterResponse, resp)
}

func (hub *WorkerHub) handleHeartbeat(conn *workerConn, packet *wire.Packet) error {
	hb, err := wire.Decode[wire.Heartbeat](packet)
	if err != nil {
		return err
	}
	hub.bindPeer(conn, hb.PeerID)
	hub.reg.Heartbeat(hb)
	hub.disp.ReportPeerMetrics(hb.PeerID, hb.Metrics)
	return nil
}

func (hub *WorkerHub) handleDeregister(conn *workerConn, stream *yamux.Stream, packet *wire.Packet) error {
	req, err := wire.Decode[wire.DeregisterRequest](packet)
	if err != nil {
		return err
	}
	hub.reg.Deregister(req.RelayKey, req.PeerID)
	return wire.WriteMessage(stream, wire.PacketDeregisterResponse, wire.DeregisterResponse{Accepted: true})
}

// OpenTunnel opens a fresh stream to the worker hosting relayKey and
// completes the tunnel handshake. The returned conn is the raw byte pipe.
func (hub *WorkerHub) OpenTunnel(ctx context.Context, peerID, relayKey, jobID string) (net.Conn, error) {
	hub.mu.RLock()
	conn, ok := hub.byPeer[peerID]
	hub.mu.RUnlock()
	if !ok {
		return nil, ErrWorkerUnavailable
	}

	stream, err := conn.sess.OpenStream()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWorkerUnavailable, err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = stream.SetDeadline(deadline)
	} else {
		_ = stream.SetDeadline(time.Now().Add(10 * time.Second))
	}

	if err := wire.WriteMessage(stream, wire.PacketTunnelRequest, wire.TunnelRequest{JobID: jobID, RelayKey: relayKey}); err != nil {
		stream.Close()
		return nil, fmt.Errorf("%w: %v", ErrWorkerUnavailable, err)
	}
	packet, err := wire.ReadPacket(stream)
	if err != nil {
		stream.Close()
		return nil, fmt.Errorf("%w: %v", ErrWorkerUnavailable, err)
	}
	if packet.Type != wire.PacketTunnelResponse {
		stream.Close()
		return nil, ErrTunnelRejected
	}
	resp, err := wire.Decode[wire.TunnelResponse](packet)
	if err != nil || !resp.Accepted {
		stream.Close()
		if err == nil {
			err = fmt.Errorf("%w: %s", ErrTunnelRejected, resp.Reason)
			return nil, err
		}
		return nil, ErrTunnelRejected
	}

	_ = stream.SetDeadline(time.Time{})
	return stream, nil
}

// ConnectedPeers lists worker peer ids with a live session.
func (hub *WorkerHub) ConnectedPeers() []string {
	hub.mu.RLock()
	defer hub.mu.RUnlock()
	out := make([]string, 0, len(hub.byPeer))
	for id := range hub.byPeer {
		out = append(out, id)
	}
	return out
}

// Close tears down every worker session.
func (hub *WorkerHub) Close() {
	hub.mu.Lock()
	conns := make([]*workerConn, 0, len(hub.conns))
	for _, c := range hub.conns {
		conns = append(conns, c)
	}
	hub.mu.Unlock()
	for _, c := range conns {
		_ = c.sess.Close()
	}
}
