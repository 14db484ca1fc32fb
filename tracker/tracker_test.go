package tracker

import (
	"context"
	"encoding/binary"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/magnetgo/magnet2torrent/bencode"
	"github.com/magnetgo/magnet2torrent/peerwire"
)

var (
	testInfoHash = [20]byte{0: 0xaa, 19: 0xbb}
	testPeerID   = [20]byte{'-', 'M', 'G', '0', '0', '0', '1', '-'}
)

func TestAnnounceHTTPCompact(t *testing.T) {
	var gotQuery map[string][]string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query()
		body, _ := bencode.Encode(map[string]any{
			"interval": 1800,
			"complete": 5,
			"peers":    "\x7f\x00\x00\x01\x1a\xe1\x0a\x00\x00\x02\x00\x50",
		})
		w.Write(body)
	}))
	defer ts.Close()

	resp, err := Announce(context.Background(), ts.URL, testInfoHash, testPeerID, 6881)
	if err != nil {
		t.Fatalf("Announce failed: %v", err)
	}
	if resp.Interval != 1800*time.Second {
		t.Errorf("Interval = %v, want 30m", resp.Interval)
	}
	if resp.Seeders != 5 {
		t.Errorf("Seeders = %d, want 5", resp.Seeders)
	}
	wantPeers := []peerwire.Peer{
		{IP: net.IPv4(127, 0, 0, 1), Port: 6881},
		{IP: net.IPv4(10, 0, 0, 2), Port: 80},
	}
	if diff := cmp.Diff(wantPeers, resp.Peers); diff != "" {
		t.Errorf("Peers mismatch (-want +got):\n%s", diff)
	}

	if got := gotQuery["info_hash"][0]; got != string(testInfoHash[:]) {
		t.Errorf("info_hash sent as %q", got)
	}
	for _, key := range []string{"peer_id", "port", "uploaded", "downloaded", "left", "compact", "event"} {
		if len(gotQuery[key]) == 0 {
			t.Errorf("announce query is missing %q", key)
		}
	}
}

func TestAnnounceHTTPDictPeers(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := bencode.Encode(map[string]any{
			"interval": 60,
			"peers": []any{
				map[string]any{"ip": "192.168.1.9", "port": 51413},
			},
		})
		w.Write(body)
	}))
	defer ts.Close()

	resp, err := Announce(context.Background(), ts.URL, testInfoHash, testPeerID, 6881)
	if err != nil {
		t.Fatalf("Announce failed: %v", err)
	}
	if len(resp.Peers) != 1 || resp.Peers[0].Port != 51413 {
		t.Fatalf("Peers = %v, want one peer on port 51413", resp.Peers)
	}
}

func TestAnnounceHTTPFailureReason(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := bencode.Encode(map[string]any{"failure reason": "torrent not registered"})
		w.Write(body)
	}))
	defer ts.Close()

	if _, err := Announce(context.Background(), ts.URL, testInfoHash, testPeerID, 6881); err == nil {
		t.Fatal("Announce should surface the failure reason")
	}
}

// fakeUDPTracker answers one connect and one announce request.
func fakeUDPTracker(t *testing.T, peers []byte) (addr string, stop func()) {
	t.Helper()
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}

	const connectionID = 0x1122334455667788
	go func() {
		buf := make([]byte, 2048)
		for {
			n, remote, err := conn.ReadFrom(buf)
			if err != nil {
				return
			}
			if n < 16 {
				continue
			}
			action := binary.BigEndian.Uint32(buf[8:12])
			transactionID := binary.BigEndian.Uint32(buf[12:16])
			switch action {
			case actionConnect:
				resp := make([]byte, 16)
				binary.BigEndian.PutUint32(resp[4:8], transactionID)
				binary.BigEndian.PutUint64(resp[8:16], connectionID)
				conn.WriteTo(resp, remote)
			case actionAnnounce:
				resp := make([]byte, 20+len(peers))
				binary.BigEndian.PutUint32(resp[0:4], actionAnnounce)
				binary.BigEndian.PutUint32(resp[4:8], transactionID)
				binary.BigEndian.PutUint32(resp[8:12], 900) // interval
				binary.BigEndian.PutUint32(resp[12:16], 3)  // leechers
				binary.BigEndian.PutUint32(resp[16:20], 7)  // seeders
				copy(resp[20:], peers)
				conn.WriteTo(resp, remote)
			}
		}
	}()
	return conn.LocalAddr().String(), func() { conn.Close() }
}

func TestAnnounceUDP(t *testing.T) {
	addr, stop := fakeUDPTracker(t, []byte{127, 0, 0, 1, 0x1a, 0xe1})
	defer stop()

	resp, err := Announce(context.Background(), "udp://"+addr, testInfoHash, testPeerID, 6881)
	if err != nil {
		t.Fatalf("Announce failed: %v", err)
	}
	if resp.Interval != 900*time.Second {
		t.Errorf("Interval = %v, want 15m", resp.Interval)
	}
	if resp.Seeders != 7 || resp.Leechers != 3 {
		t.Errorf("Seeders/Leechers = %d/%d, want 7/3", resp.Seeders, resp.Leechers)
	}
	want := []peerwire.Peer{{IP: net.IPv4(127, 0, 0, 1), Port: 6881}}
	if diff := cmp.Diff(want, resp.Peers); diff != "" {
		t.Errorf("Peers mismatch (-want +got):\n%s", diff)
	}
}

func TestAnnounceUnsupportedScheme(t *testing.T) {
	if _, err := Announce(context.Background(), "wss://tracker.example", testInfoHash, testPeerID, 6881); err == nil {
		t.Fatal("Announce should reject unknown schemes")
	}
}
