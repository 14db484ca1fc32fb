package dht

import (
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/magnetgo/magnet2torrent/bencode"
)

// Collector receives infohashes the crawler observes on the wire. One
// collector belongs to one crawler instance.
type Collector interface {
	ObservedInfoHash(source string, infoHash ID)
	ObservedDatagram()
}

const (
	routeQueueSize   = 2000
	crawlTokenLength = 2
	drainInterval    = 500 * time.Microsecond
)

// Crawler passively harvests infohashes from get_peers and
// announce_peer traffic. It spoofs neighborhood: replies claim an id
// close to whatever the asker is interested in, so more queries flow
// our way. Discovered nodes travel through a bounded route queue
// drained by a periodic find_node task; when the queue runs dry the
// crawler re-joins via the bootstrap addresses.
type Crawler struct {
	id        ID
	conn      *net.UDPConn
	collector Collector
	logger    *zap.Logger
	bootstrap []string

	routeQueue chan Contact

	closeOnce sync.Once
	closing   chan struct{}
	wg        sync.WaitGroup
}

type noopCollector struct{}

func (noopCollector) ObservedInfoHash(string, ID) {}
func (noopCollector) ObservedDatagram()           {}

type CrawlerConfig struct {
	ListenAddr string
	Bootstrap  []string
	Collector  Collector
	Logger     *zap.Logger
}

func NewCrawler(cfg CrawlerConfig) (*Crawler, error) {
	addr, err := net.ResolveUDPAddr("udp4", cfg.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("invalid listen address: %w", err)
	}
	conn, err := net.ListenUDP("udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to bind: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.L()
	}
	bootstrap := cfg.Bootstrap
	if len(bootstrap) == 0 {
		bootstrap = DefaultBootstrap
	}
	collector := cfg.Collector
	if collector == nil {
		collector = noopCollector{}
	}

	return &Crawler{
		id:         NewRandomID(),
		conn:       conn,
		collector:  collector,
		logger:     logger.Named("crawler"),
		bootstrap:  bootstrap,
		routeQueue: make(chan Contact, routeQueueSize),
		closing:    make(chan struct{}),
	}, nil
}

// Run starts the receive and drain loops and blocks until Close.
func (c *Crawler) Run() {
	c.wg.Add(2)
	go c.receiveLoop()
	go c.drainLoop()
	c.wg.Wait()
}

func (c *Crawler) Close() error {
	c.closeOnce.Do(func() {
		close(c.closing)
		c.conn.Close()
	})
	return nil
}

func (c *Crawler) receiveLoop() {
	defer c.wg.Done()

	buf := make([]byte, maxDatagram)
	for {
		count, remote, err := c.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-c.closing:
				return
			default:
				continue
			}
		}
		c.collector.ObservedDatagram()

		data := make([]byte, count)
		copy(data, buf[:count])
		c.handleDatagram(data, remote)
	}
}

// drainLoop pulls nodes off the route queue and asks each for more
// nodes, re-joining through the bootstrap set whenever the queue is
// empty for a while.
func (c *Crawler) drainLoop() {
	defer c.wg.Done()

	rejoin := time.NewTicker(rejoinInterval)
	defer rejoin.Stop()
	pace := time.NewTicker(drainInterval)
	defer pace.Stop()

	c.join()
	for {
		select {
		case <-c.closing:
			return
		case <-rejoin.C:
			if len(c.routeQueue) == 0 {
				c.join()
			}
		case <-pace.C:
			select {
			case contact := <-c.routeQueue:
				c.sendFindNode(contact.Addr(), contact.ID)
			default:
			}
		}
	}
}

func (c *Crawler) join() {
	for _, hostPort := range c.bootstrap {
		addr, err := net.ResolveUDPAddr("udp4", hostPort)
		if err != nil {
			continue
		}
		c.sendFindNode(addr, c.id)
	}
}

// sendFindNode issues a fire-and-forget find_node for a random target,
// claiming an id adjacent to the receiver so it keeps us in its table.
func (c *Crawler) sendFindNode(addr *net.UDPAddr, neighbor ID) {
	target := NewRandomID()
	tid := NewRandomID()
	claimed := adjacentID(neighbor, c.id)
	c.sendMessage(addr, map[string]any{
		"t": string(tid[:crawlTokenLength]),
		"y": "q",
		"q": "find_node",
		"a": map[string]any{
			"id":     string(claimed[:]),
			"target": string(target[:]),
		},
	})
}

func (c *Crawler) sendMessage(addr *net.UDPAddr, msg map[string]any) {
	data, err := bencode.Encode(msg)
	if err != nil {
		return
	}
	c.conn.WriteToUDP(data, addr)
}

// adjacentID forges an id sharing a 10-byte prefix with target.
func adjacentID(target ID, own ID) ID {
	var id ID
	copy(id[:10], target[:10])
	copy(id[10:], own[10:])
	return id
}

func (c *Crawler) handleDatagram(data []byte, remote *net.UDPAddr) {
	msg, err := decodeMessage(data)
	if err != nil {
		return
	}

	switch msg.Y {
	case "r":
		if _, ok := msg.R["nodes"]; ok {
			c.handleFoundNodes(msg)
		}
	case "q":
		var args queryArgs
		if err := remapArgs(msg.A, &args); err != nil {
			return
		}
		switch msg.Q {
		case "get_peers":
			c.handleGetPeers(msg.T, args, remote)
		case "announce_peer":
			c.handleAnnouncePeer(msg.T, args, remote)
		case "ping", "find_node":
			c.ack(msg.T, args, remote)
		default:
			c.sendMessage(remote, map[string]any{
				"t": msg.T,
				"y": "e",
				"e": []any{202, "Server Error"},
			})
		}
	}
}

// handleFoundNodes pushes newly discovered nodes onto the route queue,
// dropping them when the queue is full.
func (c *Crawler) handleFoundNodes(msg *message) {
	raw, ok := msg.R["nodes"].(string)
	if !ok {
		return
	}
	contacts, err := unpackContacts([]byte(raw))
	if err != nil {
		return
	}
	for _, contact := range contacts {
		if contact.ID.IsZero() || contact.IP.IsUnspecified() {
			continue
		}
		select {
		case c.routeQueue <- contact:
		default:
			return // queue full, drop the rest
		}
	}
}

func (c *Crawler) handleGetPeers(tid string, args queryArgs, remote *net.UDPAddr) {
	infoHash, err := IDFromBytes([]byte(args.InfoHash))
	if err != nil || infoHash.IsZero() {
		return
	}
	c.collector.ObservedInfoHash("get_peers", infoHash)

	claimed := adjacentID(infoHash, c.id)
	c.sendMessage(remote, map[string]any{
		"t": tid,
		"y": "r",
		"r": map[string]any{
			"id":    string(claimed[:]),
			"nodes": "",
			"token": args.InfoHash[:crawlTokenLength],
		},
	})
}

func (c *Crawler) handleAnnouncePeer(tid string, args queryArgs, remote *net.UDPAddr) {
	infoHash, err := IDFromBytes([]byte(args.InfoHash))
	if err != nil || infoHash.IsZero() {
		return
	}
	c.collector.ObservedInfoHash("announce_peer", infoHash)
	c.ack(tid, args, remote)
}

func (c *Crawler) ack(tid string, args queryArgs, remote *net.UDPAddr) {
	id := c.id
	if sender, err := IDFromBytes([]byte(args.ID)); err == nil {
		id = adjacentID(sender, c.id)
	}
	c.sendMessage(remote, map[string]any{
		"t": tid,
		"y": "r",
		"r": map[string]any{"id": string(id[:])},
	})
}
