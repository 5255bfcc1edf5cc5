package core

// PeerManager tracks peers, enforces the whitelist of verification keys,
// bans misbehavers, and maps peer-ids to verification keys and whitelist
// positions, sitting in front of the libp2p transport's connection events.

import (
	"fmt"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/sirupsen/logrus"
)

// DefaultBanDuration is how long a non-whitelisted or misbehaving peer is
// banned for.
const DefaultBanDuration = time.Hour

// BanSweepInterval is how often expired bans are cleared.
const BanSweepInterval = 60 * time.Second

// PeerEventKind tags a PeerManager broadcast event.
type PeerEventKind uint8

const (
	PeerUpdated PeerEventKind = iota
	PeerRemoved
	PeerBanned
	PeerUnbanned
)

func (k PeerEventKind) String() string {
	switch k {
	case PeerUpdated:
		return "updated"
	case PeerRemoved:
		return "removed"
	case PeerBanned:
		return "banned"
	case PeerUnbanned:
		return "unbanned"
	default:
		return "unknown"
	}
}

// PeerEvent is broadcast whenever a peer's whitelist/ban status changes.
type PeerEvent struct {
	Kind   PeerEventKind
	PeerID string
}

type banEntry struct {
	until time.Time
}

// PeerManager maintains three indexes behind one mutex: peer_id ->
// PeerRecord, verification_key -> peer_id, and the set of verified peers.
type PeerManager struct {
	mu sync.RWMutex

	records   map[string]*PeerRecord
	keyToPeer map[string]string // verification key identity -> peer id
	peerToKey map[string]VerificationIdentifierKey
	verified  map[string]struct{}
	banned    map[string]banEntry

	whitelist []VerificationIdentifierKey // order is the canonical operator index

	subs []chan PeerEvent

	log *logrus.Entry

	closeOnce sync.Once
	closeCh   chan struct{}
}

// NewPeerManager constructs an empty PeerManager. Call Run to start the ban
// sweeper; whitelist updates are applied via UpdateWhitelist.
func NewPeerManager(log *logrus.Entry) *PeerManager {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &PeerManager{
		records:   make(map[string]*PeerRecord),
		keyToPeer: make(map[string]string),
		peerToKey: make(map[string]VerificationIdentifierKey),
		verified:  make(map[string]struct{}),
		banned:    make(map[string]banEntry),
		log:       log.WithField("component", "peer_manager"),
		closeCh:   make(chan struct{}),
	}
}

// Run starts the periodic ban sweeper. It returns when ctx-equivalent
// shutdown is requested via Close.
func (pm *PeerManager) Run() {
	ticker := time.NewTicker(BanSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			pm.sweepBans()
		case <-pm.closeCh:
			return
		}
	}
}

// Close stops the ban sweeper.
func (pm *PeerManager) Close() {
	pm.closeOnce.Do(func() { close(pm.closeCh) })
}

func (pm *PeerManager) sweepBans() {
	now := time.Now()
	var unbanned []string
	pm.mu.Lock()
	for id, b := range pm.banned {
		if now.After(b.until) {
			delete(pm.banned, id)
			unbanned = append(unbanned, id)
		}
	}
	pm.mu.Unlock()
	for _, id := range unbanned {
		pm.emit(PeerEvent{Kind: PeerUnbanned, PeerID: id})
	}
}

// Events returns a channel of PeerManager broadcast events. Each call
// creates an independent subscriber; callers should drain it promptly —
// the manager does not buffer beyond a small channel capacity.
func (pm *PeerManager) Events() <-chan PeerEvent {
	ch := make(chan PeerEvent, 64)
	pm.mu.Lock()
	pm.subs = append(pm.subs, ch)
	pm.mu.Unlock()
	return ch
}

func (pm *PeerManager) emit(ev PeerEvent) {
	pm.mu.RLock()
	subs := append([]chan PeerEvent(nil), pm.subs...)
	pm.mu.RUnlock()
	for _, ch := range subs {
		select {
		case ch <- ev:
		default:
			pm.log.WithField("peer", ev.PeerID).Warn("peer event subscriber is slow, dropping event")
		}
	}
}

// UpdateWhitelist atomically replaces the whitelist and re-verifies
// existing peer links: any peer whose key is no longer present is
// unverified and, if currently connected, removed and banned.
func (pm *PeerManager) UpdateWhitelist(keys []VerificationIdentifierKey) (toDisconnect []string) {
	pm.mu.Lock()
	pm.whitelist = append([]VerificationIdentifierKey(nil), keys...)

	stillWhitelisted := func(k VerificationIdentifierKey) bool {
		for _, wk := range pm.whitelist {
			if wk.Equal(k) {
				return true
			}
		}
		return false
	}

	for peerID, key := range pm.peerToKey {
		if !stillWhitelisted(key) {
			delete(pm.verified, peerID)
			delete(pm.peerToKey, peerID)
			toDisconnect = append(toDisconnect, peerID)
		}
	}
	pm.mu.Unlock()

	for _, id := range toDisconnect {
		pm.Ban(id, DefaultBanDuration)
		pm.RemovePeer(id)
	}
	pm.emit(PeerEvent{Kind: PeerUpdated})
	return toDisconnect
}

// IsWhitelisted reports whether key currently appears in the whitelist.
func (pm *PeerManager) IsWhitelisted(key VerificationIdentifierKey) bool {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	for _, wk := range pm.whitelist {
		if wk.Equal(key) {
			return true
		}
	}
	return false
}

// IsBanned reports whether peerID is currently under an active ban.
func (pm *PeerManager) IsBanned(peerID string) bool {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	b, ok := pm.banned[peerID]
	if !ok {
		return false
	}
	return time.Now().Before(b.until)
}

// Ban marks peerID as banned for duration, refusing future verified links
// until it expires or Unban clears it.
func (pm *PeerManager) Ban(peerID string, duration time.Duration) {
	pm.mu.Lock()
	pm.banned[peerID] = banEntry{until: time.Now().Add(duration)}
	pm.mu.Unlock()
	pm.emit(PeerEvent{Kind: PeerBanned, PeerID: peerID})
}

// Unban clears an active ban early.
func (pm *PeerManager) Unban(peerID string) {
	pm.mu.Lock()
	delete(pm.banned, peerID)
	pm.mu.Unlock()
	pm.emit(PeerEvent{Kind: PeerUnbanned, PeerID: peerID})
}

// OnConnected records a newly observed connection. Peers are created on
// first observed connection. A peerID that doesn't decode as a libp2p peer
// id is rejected with a logged warning and no record is created.
func (pm *PeerManager) OnConnected(peerID string, addr string) {
	if _, err := decodePeerID(peerID); err != nil {
		pm.log.WithError(err).WithField("peer", peerID).Warn("rejecting connection with malformed peer id")
		return
	}
	pm.mu.Lock()
	rec, ok := pm.records[peerID]
	if !ok {
		rec = &PeerRecord{Addresses: make(map[string]struct{})}
		pm.records[peerID] = rec
	}
	rec.Addresses[addr] = struct{}{}
	rec.LastSeen = time.Now()
	pm.mu.Unlock()
	pm.emit(PeerEvent{Kind: PeerUpdated, PeerID: peerID})
}

// RemovePeer deletes all state for a disconnected peer.
func (pm *PeerManager) RemovePeer(peerID string) {
	pm.mu.Lock()
	delete(pm.records, peerID)
	if key, ok := pm.peerToKey[peerID]; ok {
		delete(pm.keyToPeer, keyIdentity(key))
		delete(pm.peerToKey, peerID)
	}
	delete(pm.verified, peerID)
	pm.mu.Unlock()
	pm.emit(PeerEvent{Kind: PeerRemoved, PeerID: peerID})
}

// VerifyAndLink binds peerID to key once the handshake signature over msg
// checks out against key's recovered address or public key. A peer that
// connects without ever completing this link is never "verified" and must
// be disconnected by the caller.
func (pm *PeerManager) VerifyAndLink(peerID string, key VerificationIdentifierKey, msg, sig []byte) (bool, error) {
	if _, err := decodePeerID(peerID); err != nil {
		return false, fmt.Errorf("verify and link: malformed peer id %q: %w", peerID, err)
	}
	if pm.IsBanned(peerID) {
		return false, nil
	}
	ok, err := key.Verify(msg, sig)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	if !pm.IsWhitelisted(key) {
		pm.Ban(peerID, DefaultBanDuration)
		pm.RemovePeer(peerID)
		return false, nil
	}

	pm.mu.Lock()
	pm.keyToPeer[keyIdentity(key)] = peerID
	pm.peerToKey[peerID] = key
	pm.verified[peerID] = struct{}{}
	pm.mu.Unlock()
	pm.emit(PeerEvent{Kind: PeerUpdated, PeerID: peerID})
	return true, nil
}

// PartyIndexFromPeerID returns the whitelist position of a verified peer.
// Callers must treat ok=false as "cannot participate".
func (pm *PeerManager) PartyIndexFromPeerID(peerID string) (index uint32, ok bool) {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	if _, verified := pm.verified[peerID]; !verified {
		return 0, false
	}
	key, ok := pm.peerToKey[peerID]
	if !ok {
		return 0, false
	}
	for i, wk := range pm.whitelist {
		if wk.Equal(key) {
			return uint32(i), true
		}
	}
	return 0, false
}

// IndexOf returns key's position in the current whitelist, regardless of
// whether any peer is currently linked to it. Used by an operator to
// resolve its own party index for locally-originated signature shares.
func (pm *PeerManager) IndexOf(key VerificationIdentifierKey) (index uint32, ok bool) {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	for i, wk := range pm.whitelist {
		if wk.Equal(key) {
			return uint32(i), true
		}
	}
	return 0, false
}

// PeerIDForIndex is the inverse of PartyIndexFromPeerID: given a whitelist
// position, find the currently-connected, verified peer (if any).
func (pm *PeerManager) PeerIDForIndex(index uint32) (string, bool) {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	if int(index) >= len(pm.whitelist) {
		return "", false
	}
	target := pm.whitelist[index]
	peerID, ok := pm.keyToPeer[keyIdentity(target)]
	return peerID, ok
}

// VerifiedPeers returns the peer-ids currently linked to a whitelisted key.
func (pm *PeerManager) VerifiedPeers() []string {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	out := make([]string, 0, len(pm.verified))
	for id := range pm.verified {
		out = append(out, id)
	}
	return out
}

// WhitelistSize returns the total number of whitelisted operators.
func (pm *PeerManager) WhitelistSize() int {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return len(pm.whitelist)
}

func keyIdentity(k VerificationIdentifierKey) string {
	switch k.Kind {
	case VerificationEvmAddress:
		return "evm:" + string(k.EvmAddr[:])
	default:
		return "pk:" + string(k.PubKeyRaw)
	}
}

// decodePeerID is a thin wrapper so callers outside this package don't need
// to import libp2p/core/peer directly just to validate an id string.
func decodePeerID(s string) (peer.ID, error) {
	return peer.Decode(s)
}
