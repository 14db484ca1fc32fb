package dht

import (
	"bytes"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/magnetgo/magnet2torrent/bencode"
)

type recordingCollector struct {
	mu        sync.Mutex
	observed  map[string][]ID
	datagrams int
}

func newRecordingCollector() *recordingCollector {
	return &recordingCollector{observed: make(map[string][]ID)}
}

func (c *recordingCollector) ObservedInfoHash(source string, infoHash ID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observed[source] = append(c.observed[source], infoHash)
}

func (c *recordingCollector) ObservedDatagram() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.datagrams++
}

func (c *recordingCollector) infohashes(source string) []ID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]ID(nil), c.observed[source]...)
}

func newTestCrawler(t *testing.T) (*Crawler, *recordingCollector) {
	t.Helper()
	collector := newRecordingCollector()
	crawler, err := NewCrawler(CrawlerConfig{
		ListenAddr: "127.0.0.1:0",
		Bootstrap:  deadBootstrap,
		Collector:  collector,
	})
	if err != nil {
		t.Fatalf("NewCrawler failed: %v", err)
	}
	go crawler.Run()
	t.Cleanup(func() { crawler.Close() })
	return crawler, collector
}

// Run does not return until Close; callers that need the current
// goroutine afterwards have to start it with go.
func TestCrawlerRunBlocksUntilClose(t *testing.T) {
	collector := newRecordingCollector()
	crawler, err := NewCrawler(CrawlerConfig{
		ListenAddr: "127.0.0.1:0",
		Bootstrap:  deadBootstrap,
		Collector:  collector,
	})
	if err != nil {
		t.Fatalf("NewCrawler failed: %v", err)
	}

	done := make(chan struct{})
	go func() {
		crawler.Run()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("Run returned before Close")
	case <-time.After(100 * time.Millisecond):
	}

	crawler.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Close")
	}
}

// exchange sends one raw datagram to the crawler and returns the reply.
func exchange(t *testing.T, crawler *Crawler, payload map[string]any) map[string]any {
	t.Helper()

	conn, err := net.DialUDP("udp4", nil, crawler.conn.LocalAddr().(*net.UDPAddr))
	if err != nil {
		t.Fatalf("failed to dial crawler: %v", err)
	}
	defer conn.Close()

	data, err := bencode.Encode(payload)
	if err != nil {
		t.Fatalf("failed to encode payload: %v", err)
	}
	if _, err := conn.Write(data); err != nil {
		t.Fatalf("failed to send: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, maxDatagram)
	count, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("no reply from crawler: %v", err)
	}
	value, err := bencode.Decode(buf[:count])
	if err != nil {
		t.Fatalf("invalid reply: %v", err)
	}
	return value.(map[string]any)
}

func TestCrawlerCollectsGetPeers(t *testing.T) {
	crawler, collector := newTestCrawler(t)
	infoHash := testID(0x3c)
	senderID := testID(0x01)

	reply := exchange(t, crawler, map[string]any{
		"t": "aa",
		"y": "q",
		"q": "get_peers",
		"a": map[string]any{
			"id":        string(senderID[:]),
			"info_hash": string(infoHash[:]),
		},
	})

	if reply["y"] != "r" {
		t.Fatalf("reply is not a response: %v", reply)
	}
	response := reply["r"].(map[string]any)

	// The crawler claims to live right next to the asked-for infohash.
	claimed := response["id"].(string)
	if !bytes.Equal([]byte(claimed)[:10], infoHash[:10]) {
		t.Errorf("reply id %x does not share the infohash prefix", claimed)
	}
	if _, ok := response["token"]; !ok {
		t.Error("reply carries no token")
	}

	hashes := collector.infohashes("get_peers")
	if len(hashes) != 1 || hashes[0] != infoHash {
		t.Errorf("collector saw %v, want [%s]", hashes, infoHash)
	}
}

func TestCrawlerCollectsAnnouncePeer(t *testing.T) {
	crawler, collector := newTestCrawler(t)
	infoHash := testID(0x77)
	senderID := testID(0x02)

	reply := exchange(t, crawler, map[string]any{
		"t": "bb",
		"y": "q",
		"q": "announce_peer",
		"a": map[string]any{
			"id":        string(senderID[:]),
			"info_hash": string(infoHash[:]),
			"port":      6881,
			"token":     string(infoHash[:2]),
		},
	})

	if reply["y"] != "r" {
		t.Fatalf("announce was not acked: %v", reply)
	}
	hashes := collector.infohashes("announce_peer")
	if len(hashes) != 1 || hashes[0] != infoHash {
		t.Errorf("collector saw %v, want [%s]", hashes, infoHash)
	}
}

func TestCrawlerQueuesFoundNodes(t *testing.T) {
	// The loops stay stopped here so the drain task cannot consume the
	// queue before the assertion.
	crawler, err := NewCrawler(CrawlerConfig{
		ListenAddr: "127.0.0.1:0",
		Bootstrap:  deadBootstrap,
	})
	if err != nil {
		t.Fatalf("NewCrawler failed: %v", err)
	}
	t.Cleanup(func() { crawler.Close() })

	contact := Contact{ID: testID(0x44), IP: net.IPv4(10, 2, 3, 4), Port: 6881}
	crawler.handleFoundNodes(&message{
		R: map[string]any{"nodes": string(packContacts([]Contact{contact}))},
	})

	select {
	case queued := <-crawler.routeQueue:
		if queued.ID != contact.ID {
			t.Errorf("queued %s, want %s", queued.ID, contact.ID)
		}
	default:
		t.Fatal("found node never reached the route queue")
	}
}

func TestCrawlerFindNodeClaimsAdjacentID(t *testing.T) {
	crawler, _ := newTestCrawler(t)

	sink, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	defer sink.Close()

	neighbor := testID(0x5e)
	crawler.sendFindNode(sink.LocalAddr().(*net.UDPAddr), neighbor)

	sink.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, maxDatagram)
	count, _, err := sink.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("no find_node received: %v", err)
	}

	msg, err := decodeMessage(buf[:count])
	if err != nil {
		t.Fatalf("invalid find_node datagram: %v", err)
	}
	if msg.Q != "find_node" {
		t.Fatalf("query = %q, want find_node", msg.Q)
	}
	var args queryArgs
	if err := remapArgs(msg.A, &args); err != nil {
		t.Fatalf("invalid args: %v", err)
	}
	if !bytes.Equal([]byte(args.ID)[:10], neighbor[:10]) {
		t.Errorf("claimed id %x does not share the neighbor prefix", args.ID)
	}
	if len(args.Target) != IDLength {
		t.Errorf("target length %d, want %d", len(args.Target), IDLength)
	}
}

func TestCrawlerRejectsUnknownQuery(t *testing.T) {
	crawler, _ := newTestCrawler(t)
	senderID := testID(0x04)

	reply := exchange(t, crawler, map[string]any{
		"t": "dd",
		"y": "q",
		"q": "vote",
		"a": map[string]any{"id": string(senderID[:])},
	})
	if reply["y"] != "e" {
		t.Fatalf("expected error reply, got %v", reply)
	}
	errs := reply["e"].([]any)
	if len(errs) != 2 || errs[0] != int64(202) {
		t.Errorf("unexpected error payload %v", errs)
	}
}

func TestAdjacentID(t *testing.T) {
	target := testID(0xaa)
	own := testID(0xbb)
	got := adjacentID(target, own)
	if !bytes.Equal(got[:10], target[:10]) {
		t.Error("prefix not taken from target")
	}
	if !bytes.Equal(got[10:], own[10:]) {
		t.Error("suffix not taken from own id")
	}
}
