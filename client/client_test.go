package client

import (
	"bytes"
	"context"
	"errors"
	"math/rand"
	"net"
	"net/http/httptest"
	"testing"
	"time"

	"bitferry/file"
	"bitferry/seeder"
	"bitferry/torrent"
	"bitferry/tracker"
)

func randomData(size int) []byte {
	data := make([]byte, size)
	rand.New(rand.NewSource(int64(size))).Read(data)
	return data
}

func TestDescriptorOperations(t *testing.T) {
	data := randomData(1000000)
	desc, err := CreateDescriptorFromFile(data, "movie.bin", "http://tracker.test/announce")
	if err != nil {
		t.Fatal(err)
	}
	tf, err := DecodeDescriptor(desc)
	if err != nil {
		t.Fatal(err)
	}
	if tf.PieceLength != 262144 || tf.NumPieces() != 4 || tf.Length != len(data) {
		t.Fatalf("descriptor = %s", tf)
	}
	h, err := ComputeInfoHash(desc)
	if err != nil {
		t.Fatal(err)
	}
	if h != tf.InfoHash {
		t.Fatal("ComputeInfoHash disagrees with DecodeDescriptor")
	}
}

func TestPeerID(t *testing.T) {
	a, b := New(), New()
	if a.PeerID() != a.PeerID() {
		t.Fatal("peer id changed within a session")
	}
	if a.PeerID() == b.PeerID() {
		t.Fatal("two sessions share a peer id")
	}
}

func TestDownloadFromSwarmChecksPieceCount(t *testing.T) {
	desc, err := CreateDescriptorFromFile(randomData(1000), "a", "http://t/a")
	if err != nil {
		t.Fatal(err)
	}
	tf, err := DecodeDescriptor(desc)
	if err != nil {
		t.Fatal(err)
	}
	_, err = New().DownloadFromSwarm(context.Background(), nil, tf, 2)
	if !errors.Is(err, file.ErrInvalidDescriptor) {
		t.Fatalf("expected ErrInvalidDescriptor, got %v", err)
	}
}

func TestAnnounceFallsBackToNextTracker(t *testing.T) {
	server := tracker.NewServer()
	srv := httptest.NewServer(server)
	defer srv.Close()

	dead := httptest.NewServer(nil)
	deadURL := dead.URL + "/announce"
	dead.Close()

	desc, err := CreateDescriptorFromFile(randomData(5000), "a", deadURL)
	if err != nil {
		t.Fatal(err)
	}
	tf, err := DecodeDescriptor(desc)
	if err != nil {
		t.Fatal(err)
	}

	c := New(WithTrackerTimeout(2 * time.Second))
	if _, err := c.AnnounceToTracker(context.Background(), tf); !errors.Is(err, tracker.ErrUnreachable) {
		t.Fatalf("expected ErrUnreachable, got %v", err)
	}

	tf.AnnounceList = []string{srv.URL + "/announce"}
	peers, err := c.AnnounceToTracker(context.Background(), tf)
	if err != nil {
		t.Fatal(err)
	}
	if len(peers) != 0 {
		t.Fatalf("first peer of a swarm got %d peers", len(peers))
	}
	if got := server.Peers(tf.InfoHash); len(got) != 1 || got[0].Port != DefaultPort {
		t.Fatalf("tracker peers = %+v", got)
	}
}

func TestEndToEnd(t *testing.T) {
	server := tracker.NewServer(tracker.WithInterval(time.Minute))
	srv := httptest.NewServer(server)
	defer srv.Close()

	data := randomData(1000000)
	desc, err := CreateDescriptorFromFile(data, "sample.bin", srv.URL+"/announce")
	if err != nil {
		t.Fatal(err)
	}
	tf, err := DecodeDescriptor(desc)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	seeding := make(chan error, 2)
	for _, pieces := range [][]int{{0, 2}, {1, 3}} {
		pieces := pieces
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			t.Fatal(err)
		}
		go func() {
			seeding <- New().Seed(ctx, tf, data, ln, seeder.WithPieces(pieces...))
		}()
	}
	defer func() {
		cancel()
		for i := 0; i < 2; i++ {
			if err := <-seeding; err != nil {
				t.Errorf("Seed: %v", err)
			}
		}
		if n := len(server.Peers(tf.InfoHash)); n != 1 {
			t.Errorf("after seeders stopped the tracker lists %d peers, want 1", n)
		}
	}()

	deadline := time.Now().Add(5 * time.Second)
	for len(server.Peers(tf.InfoHash)) < 2 {
		if time.Now().After(deadline) {
			t.Fatal("seeders never announced")
		}
		time.Sleep(10 * time.Millisecond)
	}

	leecher := New(WithPort(7777), WithSwarmOptions(torrent.WithRequestTimeout(5*time.Second)))
	res, err := leecher.Download(context.Background(), tf)
	if err != nil {
		t.Fatal(err)
	}
	if res.Name != "sample.bin" || !bytes.Equal(res.Data, data) {
		t.Fatal("downloaded file differs from the original")
	}

	for _, p := range server.Peers(tf.InfoHash) {
		if p.Port == 7777 && !p.Seeder {
			t.Error("leecher was not marked a seeder after completing")
		}
	}
}
