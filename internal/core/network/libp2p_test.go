package network

import (
	"context"
	"crypto/rand"
	"errors"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
)

func TestLibp2pDialRequiresReachableBootstrap(t *testing.T) {
	if testing.Short() {
		t.Skip("starts a libp2p host")
	}
	_, pub, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	pid, err := peer.IDFromPublicKey(pub)
	if err != nil {
		t.Fatalf("peer id: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = Libp2pDialer(Libp2pOptions{
		ListenAddrs:      []string{"/ip4/127.0.0.1/tcp/0"},
		Bootstrap:        []string{"/ip4/127.0.0.1/tcp/1/p2p/" + pid.String()},
		RequireBootstrap: true,
	})(ctx)
	if err == nil {
		t.Fatal("expected dial to fail without a listening bootstrap peer")
	}
	var ce *ConnectionError
	if !errors.As(err, &ce) {
		t.Fatalf("expected ConnectionError, got %T: %v", err, err)
	}
	if ce.Transport != "libp2p" {
		t.Fatalf("unexpected transport %q", ce.Transport)
	}
}

func TestLibp2pGossipBetweenHosts(t *testing.T) {
	if testing.Short() {
		t.Skip("starts two libp2p hosts")
	}
	ctx := context.Background()
	simSide, err := NewLibp2pPubSub(ctx, Libp2pOptions{ListenAddrs: []string{"/ip4/127.0.0.1/tcp/0"}})
	if err != nil {
		t.Fatalf("sim host: %v", err)
	}
	defer simSide.Close()

	bridgeSide, err := NewLibp2pPubSub(ctx, Libp2pOptions{
		ListenAddrs:      []string{"/ip4/127.0.0.1/tcp/0"},
		Bootstrap:        simSide.ListenAddrs(),
		RequireBootstrap: true,
	})
	if err != nil {
		t.Fatalf("bridge host: %v", err)
	}
	defer bridgeSide.Close()

	ch, cancel, err := bridgeSide.Subscribe("~/response")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()
	if _, _, err := simSide.Subscribe("~/response"); err != nil {
		t.Fatalf("sim subscribe: %v", err)
	}

	// GossipSub needs a heartbeat or two to build the mesh; keep publishing.
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if err := simSide.Publish("~/response", []byte(`{"type":"sim.msgs.Response","data":{}}`)); err != nil {
			t.Fatalf("publish: %v", err)
		}
		select {
		case msg := <-ch:
			if msg.Topic != "~/response" {
				t.Fatalf("unexpected topic %q", msg.Topic)
			}
			return
		case <-time.After(200 * time.Millisecond):
		}
	}
	t.Fatal("no gossip message received")
}
