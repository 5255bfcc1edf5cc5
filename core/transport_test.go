package core

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
)

func TestHandshakeFrameRoundTripsEvmAddress(t *testing.T) {
	key := VerificationIdentifierKey{Kind: VerificationEvmAddress}
	for i := range key.EvmAddr {
		key.EvmAddr[i] = byte(i)
	}
	msg := []byte("challenge")
	sig := []byte("signature-bytes")

	frame := encodeHandshakeFrame(key, msg, sig)
	gotKey, gotMsg, gotSig, ok := decodeHandshakeFrame(frame)
	if !ok {
		t.Fatal("expected successful decode")
	}
	if !gotKey.Equal(key) {
		t.Fatalf("expected key round-trip, got %+v", gotKey)
	}
	if !bytes.Equal(gotMsg, msg) || !bytes.Equal(gotSig, sig) {
		t.Fatalf("expected msg/sig round-trip, got %q %q", gotMsg, gotSig)
	}
}

func TestHandshakeFrameRoundTripsInstancePublicKey(t *testing.T) {
	key := VerificationIdentifierKey{Kind: VerificationInstancePublicKey, PubKeyRaw: []byte("a-bls-pubkey")}
	frame := encodeHandshakeFrame(key, []byte("m"), []byte("s"))
	gotKey, _, _, ok := decodeHandshakeFrame(frame)
	if !ok {
		t.Fatal("expected successful decode")
	}
	if !gotKey.Equal(key) {
		t.Fatalf("expected key round-trip, got %+v", gotKey)
	}
}

func TestDecodeHandshakeFrameRejectsTruncatedInput(t *testing.T) {
	if _, _, _, ok := decodeHandshakeFrame(nil); ok {
		t.Fatal("expected empty input to fail decode")
	}
	if _, _, _, ok := decodeHandshakeFrame([]byte{byte(VerificationEvmAddress), 0, 5, 1, 2}); ok {
		t.Fatal("expected truncated length-prefixed field to fail decode")
	}
}

func newLocalTransport(t *testing.T, pm *PeerManager) *Transport {
	t.Helper()
	tr, err := NewTransport(TransportConfig{ListenAddr: "/ip4/127.0.0.1/tcp/0"}, pm, nil)
	if err != nil {
		t.Fatalf("NewTransport failed: %v", err)
	}
	if err := tr.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	return tr
}

func TestTransportHandshakeBindsWhitelistedPeer(t *testing.T) {
	ksA, _ := NewKeyStoreFromRandom()
	keyA := VerificationIdentifierKey{Kind: VerificationInstancePublicKey, PubKeyRaw: ksA.PublicBLS()}

	pmA := NewPeerManager(nil)
	pmB := NewPeerManager(nil)
	pmB.UpdateWhitelist([]VerificationIdentifierKey{keyA})

	trA := newLocalTransport(t, pmA)
	defer trA.Close()
	trB := newLocalTransport(t, pmB)
	defer trB.Close()

	addrs := trB.host.Addrs()
	if len(addrs) == 0 {
		t.Fatal("expected transport B to have a listen address")
	}
	addrInfo := peer.AddrInfo{ID: trB.host.ID(), Addrs: addrs}
	if err := trA.host.Connect(context.Background(), addrInfo); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	msg := []byte("handshake-challenge")
	sig, err := ksA.SignBLS(msg)
	if err != nil {
		t.Fatalf("SignBLS failed: %v", err)
	}
	if err := trA.SendHandshake(trB.host.ID().String(), keyA, msg, sig); err != nil {
		t.Fatalf("SendHandshake failed: %v", err)
	}

	deadline := time.After(5 * time.Second)
	for {
		if _, ok := pmB.PartyIndexFromPeerID(trA.host.ID().String()); ok {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for handshake to bind the peer")
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func TestTransportPublishShareReachesSubscriber(t *testing.T) {
	pmA := NewPeerManager(nil)
	pmB := NewPeerManager(nil)
	trA := newLocalTransport(t, pmA)
	defer trA.Close()
	trB := newLocalTransport(t, pmB)
	defer trB.Close()

	addrInfo := peer.AddrInfo{ID: trB.host.ID(), Addrs: trB.host.Addrs()}
	if err := trA.host.Connect(context.Background(), addrInfo); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	// Give gossipsub's mesh time to form before publishing.
	time.Sleep(500 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	shares := trB.Shares(ctx)

	payload := []byte("wire-share-payload")
	published := false
	for i := 0; i < 10; i++ {
		if err := trA.PublishShare(ctx, payload); err != nil {
			t.Fatalf("PublishShare failed: %v", err)
		}
		published = true
		select {
		case got := <-shares:
			if !bytes.Equal(got, payload) {
				t.Fatalf("expected payload round-trip, got %q", got)
			}
			return
		case <-time.After(300 * time.Millisecond):
		}
	}
	if published {
		t.Fatal("timed out waiting for gossiped share to arrive")
	}
}
