package edge

import (
	"context"
	"fmt"

	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/rs/zerolog/log"
)

// MakeHost builds the gateway's libp2p host: the leg workers dial into and
// the transport the discovery advertiser announces over.
func MakeHost(ctx context.Context, port int) (host.Host, error) {
	addrs := []string{
		fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", port),
		fmt.Sprintf("/ip4/0.0.0.0/udp/%d/quic-v1", port),
		fmt.Sprintf("/ip6/::/tcp/%d", port),
		fmt.Sprintf("/ip6/::/udp/%d/quic-v1", port),
	}

	opts := []libp2p.Option{
		libp2p.ListenAddrStrings(addrs...),
		libp2p.DefaultTransports,
		libp2p.NATPortMap(),
		libp2p.EnableNATService(),
		libp2p.EnableHolePunching(),
		libp2p.DefaultSecurity,
		libp2p.DefaultMuxers,
		libp2p.EnableRelay(),
	}
	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, err
	}
	return h, nil
}

// ConnectBootstraps dials the configured bootstrap peers, aggregating all
// multiaddrs per peer so the dialer can fall back across them.
func ConnectBootstraps(ctx context.Context, h host.Host, addrs []string) {
	perPeer := make(map[peer.ID][]ma.Multiaddr)

	for _, s := range addrs {
		m, err := ma.NewMultiaddr(s)
		if err != nil {
			log.Warn().Err(err).Msgf("[edge] bootstrap bad multiaddr %q", s)
			continue
		}
		ai, err := peer.AddrInfoFromP2pAddr(m)
		if err != nil {
			log.Warn().Err(err).Msgf("[edge] bootstrap missing /p2p/ in %q", s)
			continue
		}
		perPeer[ai.ID] = append(perPeer[ai.ID], ai.Addrs...)
	}

	for pid, maddrs := range perPeer {
		if h.Network().Connectedness(pid) == network.Connected {
			continue
		}
		info := peer.AddrInfo{ID: pid, Addrs: maddrs}
		if err := h.Connect(ctx, info); err != nil {
			log.Warn().Err(err).Msgf("[edge] bootstrap connect %s", pid)
		}
	}
}
