package dht

import (
	"crypto/rand"
	"net"
	"sync"
	"time"

	"github.com/magnetgo/magnet2torrent/peerwire"
)

const (
	tokenLength  = 16
	tokenTTL     = 10 * time.Minute
	peerTTL      = time.Hour
	maxStoreSize = 2000
)

// tokenStore mints opaque tokens on get_peers and verifies them on
// announce_peer. A token is bound to the (sender address, claimed id,
// infohash) triple, expires after tokenTTL, and verifies exactly once.
type tokenStore struct {
	mu     sync.Mutex
	tokens map[string]tokenEntry
	now    func() time.Time
}

type tokenEntry struct {
	senderIP string
	id       ID
	infoHash ID
	expires  time.Time
}

func newTokenStore() *tokenStore {
	return &tokenStore{tokens: make(map[string]tokenEntry), now: time.Now}
}

func (s *tokenStore) Mint(sender net.IP, id ID, infoHash ID) []byte {
	token := make([]byte, tokenLength)
	rand.Read(token)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.prune()
	s.tokens[string(token)] = tokenEntry{
		senderIP: sender.String(),
		id:       id,
		infoHash: infoHash,
		expires:  s.now().Add(tokenTTL),
	}
	return token
}

// Verify consumes the token on success.
func (s *tokenStore) Verify(sender net.IP, id ID, infoHash ID, token []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.tokens[string(token)]
	if !ok || s.now().After(entry.expires) {
		return false
	}
	if entry.senderIP != sender.String() || entry.id != id || entry.infoHash != infoHash {
		return false
	}
	delete(s.tokens, string(token))
	return true
}

func (s *tokenStore) prune() {
	if len(s.tokens) < maxStoreSize {
		return
	}
	now := s.now()
	for k, entry := range s.tokens {
		if now.After(entry.expires) {
			delete(s.tokens, k)
		}
	}
}

// peerStore is a time-expiring multimap from infohash to announced
// peers. Expired entries are invisible to readers without any explicit
// cleanup pass.
type peerStore struct {
	mu    sync.Mutex
	peers map[ID]map[string]peerRecord
	now   func() time.Time
}

type peerRecord struct {
	peer    peerwire.Peer
	expires time.Time
}

func newPeerStore() *peerStore {
	return &peerStore{peers: make(map[ID]map[string]peerRecord), now: time.Now}
}

func (s *peerStore) Put(infoHash ID, peer peerwire.Peer) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, ok := s.peers[infoHash]
	if !ok {
		records = make(map[string]peerRecord)
		s.peers[infoHash] = records
	}
	records[peer.Addr()] = peerRecord{peer: peer, expires: s.now().Add(peerTTL)}
}

func (s *peerStore) Get(infoHash ID) []peerwire.Peer {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var peers []peerwire.Peer
	for _, record := range s.peers[infoHash] {
		if now.After(record.expires) {
			continue
		}
		peers = append(peers, record.peer)
	}
	return peers
}
