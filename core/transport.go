package core

// Transport wraps a libp2p host and gossipsub router. Every inbound
// connection is provisional until a handshake binds it to a whitelisted
// VerificationIdentifierKey via PeerManager.VerifyAndLink. Connections
// that never complete the handshake are not closed by the transport; they
// stay connected but unverified.

import (
	"context"
	"fmt"
	"sync"
	"time"

	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/sirupsen/logrus"
)

// HandshakeProtocolID is the libp2p stream protocol used to bind a
// connection to a VerificationIdentifierKey before the peer is usable for
// gossip-mode aggregation.
const HandshakeProtocolID = protocol.ID("/restakeops/handshake/1.0.0")

// ShareGossipTopic is the pubsub topic BLS shares are published to in
// AggregationCoordinator Mode B.
const ShareGossipTopic = "restakeops/bls-shares/1.0.0"

// TransportConfig holds the listen address and bootstrap peers a
// verified-peer transport needs.
type TransportConfig struct {
	ListenAddr     string
	BootstrapPeers []string
}

// Transport owns the libp2p host, the gossipsub router, and drives peer
// lifecycle notifications into a PeerManager.
type Transport struct {
	host   host.Host
	pubsub *pubsub.PubSub
	pm     *PeerManager
	ctx    context.Context
	cancel context.CancelFunc
	log    *logrus.Entry

	shareTopic *pubsub.Topic
	shareSub   *pubsub.Subscription

	mu        sync.Mutex
	pendingHS map[peer.ID]chan struct{}
}

// NewTransport creates a libp2p host, a gossipsub router over it, and wires
// connection notifications into pm. It does not start serving the
// handshake protocol or join the share-gossip topic; call Start for that.
func NewTransport(cfg TransportConfig, pm *PeerManager, log *logrus.Entry) (*Transport, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	ctx, cancel := context.WithCancel(context.Background())

	h, err := libp2p.New(libp2p.ListenAddrStrings(cfg.ListenAddr))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("transport: new host: %w", err)
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		h.Close()
		cancel()
		return nil, fmt.Errorf("transport: new gossipsub: %w", err)
	}

	t := &Transport{
		host:      h,
		pubsub:    ps,
		pm:        pm,
		ctx:       ctx,
		cancel:    cancel,
		log:       log.WithField("component", "transport"),
		pendingHS: make(map[peer.ID]chan struct{}),
	}

	h.Network().Notify(&network.NotifyBundle{
		ConnectedF: func(_ network.Network, c network.Conn) {
			t.pm.OnConnected(c.RemotePeer().String(), c.RemoteMultiaddr().String())
		},
		DisconnectedF: func(_ network.Network, c network.Conn) {
			t.pm.RemovePeer(c.RemotePeer().String())
		},
	})

	for _, addr := range cfg.BootstrapPeers {
		if err := t.DialSeed(addr); err != nil {
			t.log.WithError(err).Warn("bootstrap dial failed")
		}
	}

	return t, nil
}

// DialSeed connects to a bootstrap multiaddr.
func (t *Transport) DialSeed(addr string) error {
	pi, err := peer.AddrInfoFromString(addr)
	if err != nil {
		return fmt.Errorf("invalid bootstrap addr: %w", err)
	}
	return t.host.Connect(t.ctx, *pi)
}

// Start registers the handshake stream handler and joins the share-gossip
// topic. Call once after construction.
func (t *Transport) Start() error {
	t.host.SetStreamHandler(HandshakeProtocolID, t.handleHandshakeStream)

	topic, err := t.pubsub.Join(ShareGossipTopic)
	if err != nil {
		return fmt.Errorf("transport: join share topic: %w", err)
	}
	sub, err := topic.Subscribe()
	if err != nil {
		return fmt.Errorf("transport: subscribe share topic: %w", err)
	}
	t.shareTopic = topic
	t.shareSub = sub
	return nil
}

// Close tears down the host and cancels all background loops.
func (t *Transport) Close() error {
	t.cancel()
	if t.shareSub != nil {
		t.shareSub.Cancel()
	}
	return t.host.Close()
}

// HostID returns this node's libp2p peer id.
func (t *Transport) HostID() string { return t.host.ID().String() }

func (t *Transport) handleHandshakeStream(s network.Stream) {
	defer s.Close()
	buf := make([]byte, 4096)
	n, err := s.Read(buf)
	if err != nil {
		t.log.WithError(err).Debug("handshake stream read failed")
		return
	}
	// Wire format: 1-byte key kind | u16-BE-prefixed key material |
	// u16-BE-prefixed msg | u16-BE-prefixed sig. A malformed frame is
	// rejected before VerifyAndLink and the connection is left unverified.
	key, msg, sig, ok := decodeHandshakeFrame(buf[:n])
	if !ok {
		t.log.Debug("malformed handshake frame")
		return
	}
	verified, err := t.pm.VerifyAndLink(s.Conn().RemotePeer().String(), key, msg, sig)
	if err != nil {
		t.log.WithError(err).Debug("handshake verification error")
		return
	}
	if !verified {
		t.log.WithField("peer", s.Conn().RemotePeer().String()).Debug("handshake rejected")
	}
}

// SendHandshake opens a stream to peerID and presents this operator's
// verification key and a signature over a freshly-issued challenge.
func (t *Transport) SendHandshake(peerID string, key VerificationIdentifierKey, msg, sig []byte) error {
	pid, err := peer.Decode(peerID)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(t.ctx, 5*time.Second)
	defer cancel()
	s, err := t.host.NewStream(ctx, pid, HandshakeProtocolID)
	if err != nil {
		return err
	}
	defer s.Close()
	frame := encodeHandshakeFrame(key, msg, sig)
	_, err = s.Write(frame)
	return err
}

// PublishShare gossips a serialized BLS share to the mesh.
func (t *Transport) PublishShare(ctx context.Context, payload []byte) error {
	if t.shareTopic == nil {
		return fmt.Errorf("transport: not started")
	}
	return t.shareTopic.Publish(ctx, payload)
}

// Shares returns the channel of gossiped, not-yet-validated share payloads.
// AggregationCoordinator's Mode B loop reads from here and verifies each
// payload itself before counting it.
func (t *Transport) Shares(ctx context.Context) <-chan []byte {
	out := make(chan []byte)
	go func() {
		defer close(out)
		for {
			msg, err := t.shareSub.Next(ctx)
			if err != nil {
				return
			}
			if msg.ReceivedFrom == t.host.ID() {
				continue // don't re-process our own gossip
			}
			select {
			case out <- msg.Data:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// SendAsync opens a one-shot stream to peerID on proto and writes payload.
func (t *Transport) SendAsync(peerID, proto string, payload []byte) error {
	pid, err := peer.Decode(peerID)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(t.ctx, 5*time.Second)
	defer cancel()
	s, err := t.host.NewStream(ctx, pid, protocol.ID(proto))
	if err != nil {
		return err
	}
	defer s.Close()
	_, err = s.Write(payload)
	return err
}

func encodeHandshakeFrame(key VerificationIdentifierKey, msg, sig []byte) []byte {
	var keyBytes []byte
	kind := byte(key.Kind)
	if key.Kind == VerificationEvmAddress {
		keyBytes = key.EvmAddr[:]
	} else {
		keyBytes = key.PubKeyRaw
	}
	out := make([]byte, 0, 1+2+len(keyBytes)+2+len(msg)+2+len(sig))
	out = append(out, kind)
	out = appendU16Prefixed(out, keyBytes)
	out = appendU16Prefixed(out, msg)
	out = appendU16Prefixed(out, sig)
	return out
}

func decodeHandshakeFrame(b []byte) (VerificationIdentifierKey, []byte, []byte, bool) {
	if len(b) < 1 {
		return VerificationIdentifierKey{}, nil, nil, false
	}
	kind := VerificationKeyKind(b[0])
	b = b[1:]
	keyBytes, b, ok := readU16Prefixed(b)
	if !ok {
		return VerificationIdentifierKey{}, nil, nil, false
	}
	msg, b, ok := readU16Prefixed(b)
	if !ok {
		return VerificationIdentifierKey{}, nil, nil, false
	}
	sig, _, ok := readU16Prefixed(b)
	if !ok {
		return VerificationIdentifierKey{}, nil, nil, false
	}
	key := VerificationIdentifierKey{Kind: kind}
	if kind == VerificationEvmAddress {
		if len(keyBytes) != 20 {
			return VerificationIdentifierKey{}, nil, nil, false
		}
		copy(key.EvmAddr[:], keyBytes)
	} else {
		key.PubKeyRaw = keyBytes
	}
	return key, msg, sig, true
}

func appendU16Prefixed(dst, data []byte) []byte {
	dst = append(dst, byte(len(data)>>8), byte(len(data)))
	return append(dst, data...)
}

func readU16Prefixed(b []byte) (data, rest []byte, ok bool) {
	if len(b) < 2 {
		return nil, nil, false
	}
	n := int(b[0])<<8 | int(b[1])
	b = b[2:]
	if len(b) < n {
		return nil, nil, false
	}
	return b[:n], b[n:], true
}
