package dht

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/magnetgo/magnet2torrent/peerwire"
)

// DefaultBootstrap are well-known routers used to join the network when
// the routing table is empty.
var DefaultBootstrap = []string{
	"router.bittorrent.com:6881",
	"dht.transmissionbt.com:6881",
	"router.utorrent.com:6881",
}

const (
	defaultQueryTimeout = 10 * time.Second
	rejoinInterval      = 3 * time.Second
	bucketMaxAge        = 15 * time.Minute
	maxDatagram         = 65536
)

type Config struct {
	// ListenAddr is the UDP address to bind, e.g. "0.0.0.0:6881".
	ListenAddr string
	// Bootstrap overrides DefaultBootstrap when non-empty.
	Bootstrap []string
	// QueryTimeout bounds every outbound query round-trip.
	QueryTimeout time.Duration
	Logger       *zap.Logger
}

// Node is a DHT participant: it answers the four standard queries and
// issues its own to locate peers for infohashes.
type Node struct {
	id           ID
	conn         *net.UDPConn
	table        *Table
	tokens       *tokenStore
	peers        *peerStore
	logger       *zap.Logger
	queryTimeout time.Duration
	bootstrap    []string

	mu      sync.Mutex
	pending map[string]*transaction

	// Closed mapping from query name to handler; unknown names get the
	// synthetic error reply.
	handlers map[string]func(remote *net.UDPAddr, sender Contact, args queryArgs) map[string]any

	closeOnce sync.Once
	closing   chan struct{}
	wg        sync.WaitGroup
}

func NewNode(cfg Config) (*Node, error) {
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
	timeout := cfg.QueryTimeout
	if timeout <= 0 {
		timeout = defaultQueryTimeout
	}
	bootstrap := cfg.Bootstrap
	if len(bootstrap) == 0 {
		bootstrap = DefaultBootstrap
	}

	id := NewRandomID()
	n := &Node{
		id:           id,
		conn:         conn,
		table:        NewTable(id),
		tokens:       newTokenStore(),
		peers:        newPeerStore(),
		logger:       logger.Named("dht").With(zap.Stringer("self", id)),
		queryTimeout: timeout,
		bootstrap:    bootstrap,
		pending:      make(map[string]*transaction),
		closing:      make(chan struct{}),
	}
	n.handlers = map[string]func(*net.UDPAddr, Contact, queryArgs) map[string]any{
		"ping":          n.handlePing,
		"find_node":     n.handleFindNode,
		"get_peers":     n.handleGetPeers,
		"announce_peer": n.handleAnnouncePeer,
	}
	return n, nil
}

// ID returns the node's own identifier.
func (n *Node) ID() ID { return n.id }

// Table exposes the routing table, mainly for seeding in tests and for
// the crawler's refresh pass.
func (n *Node) Table() *Table { return n.table }

// Addr returns the bound UDP address.
func (n *Node) Addr() *net.UDPAddr { return n.conn.LocalAddr().(*net.UDPAddr) }

// Start launches the receive loop and the bootstrap loop. The receive
// loop runs for the node's entire lifetime, independent of any single
// resolution.
func (n *Node) Start() {
	n.wg.Add(2)
	go n.receiveLoop()
	go n.bootstrapLoop()
}

func (n *Node) Close() error {
	n.closeOnce.Do(func() {
		close(n.closing)
		n.conn.Close()
	})
	n.wg.Wait()
	return nil
}

func (n *Node) receiveLoop() {
	defer n.wg.Done()

	buf := make([]byte, maxDatagram)
	for {
		count, remote, err := n.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-n.closing:
				return
			default:
				n.logger.Warn("read failed", zap.Error(err))
				continue
			}
		}

		data := make([]byte, count)
		copy(data, buf[:count])
		n.handleDatagram(data, remote)
	}
}

func (n *Node) handleDatagram(data []byte, remote *net.UDPAddr) {
	msg, err := decodeMessage(data)
	if err != nil {
		n.logger.Debug("failed to decode message", zap.Stringer("addr", remote), zap.Error(err))
		return
	}
	logMessage(n.logger, "received datagram", msg, remote)

	switch msg.Y {
	case "r":
		n.handleResponse(msg)
	case "q":
		n.handleQuery(msg, remote)
	case "e":
		n.handleError(msg, remote)
	}
}

func (n *Node) handleResponse(msg *message) {
	n.mu.Lock()
	_, known := n.pending[msg.T]
	n.mu.Unlock()
	if !known {
		n.logger.Debug("response for unknown transaction", zap.Binary("t", []byte(msg.T)))
		return
	}
	n.resolveTransaction(msg.T, txResult{outcome: txResponse, response: msg.R})
}

// handleError logs a remote error reply. Retrying is the caller's
// responsibility via a new transaction.
func (n *Node) handleError(msg *message, remote *net.UDPAddr) {
	n.logger.Debug("remote error", zap.Stringer("addr", remote), zap.Any("e", msg.E))
	n.resolveTransaction(msg.T, txResult{outcome: txError})
}

func (n *Node) handleQuery(msg *message, remote *net.UDPAddr) {
	handler, ok := n.handlers[msg.Q]
	if !ok {
		// Unknown query names elicit a generic server error.
		n.send(remote, message{T: msg.T, Y: "e", E: []any{202, "Server Error"}})
		return
	}

	var args queryArgs
	if err := remapArgs(msg.A, &args); err != nil {
		n.logger.Debug("malformed query args", zap.Stringer("addr", remote), zap.Error(err))
		return
	}

	senderID, err := IDFromBytes([]byte(args.ID))
	if err != nil || senderID.IsZero() {
		return // invalid node id: silently ignored
	}
	sender := Contact{ID: senderID, IP: remote.IP, Port: remote.Port}

	response := handler(remote, sender, args)
	if response == nil {
		return
	}
	n.send(remote, message{T: msg.T, Y: "r", R: response})
}

// welcome adds a node we just heard from to the routing table.
func (n *Node) welcome(c Contact) {
	if n.table.IsNew(c.ID) {
		n.logger.Debug("welcoming new contact", zap.Stringer("contact", c))
	}
	n.table.AddContact(c)
}

func (n *Node) handlePing(_ *net.UDPAddr, sender Contact, _ queryArgs) map[string]any {
	n.welcome(sender)
	return map[string]any{"id": string(n.id[:])}
}

func (n *Node) handleFindNode(_ *net.UDPAddr, sender Contact, args queryArgs) map[string]any {
	n.welcome(sender)

	target, err := IDFromBytes([]byte(args.Target))
	if err != nil || target.IsZero() {
		return nil
	}
	neighbors := n.table.FindNeighbors(target, &sender.ID, K)
	return map[string]any{
		"id":    string(n.id[:]),
		"nodes": string(packContacts(neighbors)),
	}
}

func (n *Node) handleGetPeers(remote *net.UDPAddr, sender Contact, args queryArgs) map[string]any {
	n.welcome(sender)

	infoHash, err := IDFromBytes([]byte(args.InfoHash))
	if err != nil || infoHash.IsZero() {
		return nil
	}
	token := n.tokens.Mint(remote.IP, sender.ID, infoHash)

	if peers := n.peers.Get(infoHash); len(peers) > 0 {
		values := make([]any, 0, len(peers))
		for _, peer := range peers {
			if compact := peer.Compact(); compact != nil {
				values = append(values, string(compact))
			}
		}
		return map[string]any{
			"id":     string(n.id[:]),
			"token":  string(token),
			"values": values,
		}
	}

	neighbors := n.table.FindNeighbors(infoHash, &sender.ID, K)
	return map[string]any{
		"id":    string(n.id[:]),
		"token": string(token),
		"nodes": string(packContacts(neighbors)),
	}
}

// handleAnnouncePeer records the announcing peer when its token checks
// out. The reply never reveals whether verification succeeded; that
// matches how deployed DHT nodes behave.
func (n *Node) handleAnnouncePeer(remote *net.UDPAddr, sender Contact, args queryArgs) map[string]any {
	n.welcome(sender)

	infoHash, err := IDFromBytes([]byte(args.InfoHash))
	if err != nil || infoHash.IsZero() {
		return nil
	}

	if n.tokens.Verify(remote.IP, sender.ID, infoHash, []byte(args.Token)) {
		port := args.Port
		if args.ImpliedPort != 0 {
			port = remote.Port
		}
		n.logger.Debug("storing announced peer",
			zap.Stringer("infohash", infoHash),
			zap.Stringer("addr", remote))
		n.peers.Put(infoHash, peerwire.Peer{IP: remote.IP, Port: uint16(port)})
	} else {
		n.logger.Debug("invalid announce token", zap.Stringer("addr", remote))
	}
	return map[string]any{"id": string(n.id[:])}
}

// bootstrapLoop broadcasts find_node to the bootstrap addresses until
// at least one contact is learned.
func (n *Node) bootstrapLoop() {
	defer n.wg.Done()

	ticker := time.NewTicker(rejoinInterval)
	defer ticker.Stop()

	for {
		if n.table.Count() == 0 {
			n.joinNetwork()
		} else {
			n.refreshBuckets()
		}
		select {
		case <-n.closing:
			return
		case <-ticker.C:
		}
	}
}

// refreshBuckets sends a find_node for a random id inside every bucket
// that has gone quiet, keeping the table populated across the whole
// id space.
func (n *Node) refreshBuckets() {
	for _, target := range n.table.RefreshIDs(bucketMaxAge) {
		closest := n.table.FindNeighbors(target, nil, 1)
		if len(closest) == 0 {
			continue
		}
		go func(contact Contact, target ID) {
			ctx, cancel := context.WithTimeout(context.Background(), n.queryTimeout)
			defer cancel()
			if _, err := n.FindNode(ctx, contact, target); err != nil {
				n.logger.Debug("bucket refresh failed", zap.Stringer("contact", contact), zap.Error(err))
			}
		}(closest[0], target)
	}
}

func (n *Node) joinNetwork() {
	for _, hostPort := range n.bootstrap {
		addr, err := net.ResolveUDPAddr("udp4", hostPort)
		if err != nil {
			n.logger.Debug("cannot resolve bootstrap address", zap.String("addr", hostPort), zap.Error(err))
			continue
		}
		go func(addr *net.UDPAddr) {
			ctx, cancel := context.WithTimeout(context.Background(), n.queryTimeout)
			defer cancel()
			if _, err := n.findNodeAddr(ctx, addr, n.id); err != nil {
				n.logger.Debug("bootstrap query failed", zap.Stringer("addr", addr), zap.Error(err))
			}
		}(addr)
	}
}

// Ping checks reachability. A response welcomes the contact, a timeout
// evicts it.
func (n *Node) Ping(ctx context.Context, contact Contact) error {
	_, err := n.callContact(ctx, contact, "ping", map[string]any{
		"id": string(n.id[:]),
	})
	return err
}

// FindNode asks contact for the nodes it knows closest to target.
func (n *Node) FindNode(ctx context.Context, contact Contact, target ID) ([]Contact, error) {
	response, err := n.callContact(ctx, contact, "find_node", map[string]any{
		"id":     string(n.id[:]),
		"target": string(target[:]),
	})
	if err != nil {
		return nil, err
	}
	return nodesFromResponse(response)
}

// GetPeersResult carries either peers for the infohash or the closest
// nodes to continue the lookup with, plus the announce token.
type GetPeersResult struct {
	Peers []peerwire.Peer
	Nodes []Contact
	Token string
}

// GetPeers asks contact for peers downloading infoHash.
func (n *Node) GetPeers(ctx context.Context, contact Contact, infoHash ID) (*GetPeersResult, error) {
	response, err := n.callContact(ctx, contact, "get_peers", map[string]any{
		"id":        string(n.id[:]),
		"info_hash": string(infoHash[:]),
	})
	if err != nil {
		return nil, err
	}

	result := &GetPeersResult{}
	if token, ok := response["token"].(string); ok {
		result.Token = token
	}
	if values, ok := response["values"].([]any); ok {
		for _, value := range values {
			if s, ok := value.(string); ok && len(s) == 6 {
				result.Peers = append(result.Peers, peerwire.ParseCompact([]byte(s))...)
			}
		}
	}
	if nodes, err := nodesFromResponse(response); err == nil {
		result.Nodes = nodes
	}
	return result, nil
}

// AnnouncePeer tells contact that we are downloading infoHash on port,
// presenting the token from an earlier GetPeers.
func (n *Node) AnnouncePeer(ctx context.Context, contact Contact, infoHash ID, port int, token string) error {
	_, err := n.callContact(ctx, contact, "announce_peer", map[string]any{
		"id":        string(n.id[:]),
		"info_hash": string(infoHash[:]),
		"port":      port,
		"token":     token,
	})
	return err
}

// callContact performs one query against a known contact. A response
// welcomes the responder; a timeout treats non-response as evidence of
// unreachability and evicts the contact.
func (n *Node) callContact(ctx context.Context, contact Contact, q string, args map[string]any) (map[string]any, error) {
	response, err := n.call(ctx, contact.Addr(), q, args)
	if err != nil {
		if err == errQueryTimeout || ctx.Err() != nil {
			n.logger.Debug("no response, removing from table", zap.Stringer("contact", contact))
			n.table.RemoveContact(contact.ID)
		}
		return nil, err
	}
	n.welcomeResponder(contact.Addr(), response)
	return response, nil
}

// findNodeAddr queries an address whose node id we do not know yet
// (bootstrap case).
func (n *Node) findNodeAddr(ctx context.Context, addr *net.UDPAddr, target ID) ([]Contact, error) {
	response, err := n.call(ctx, addr, "find_node", map[string]any{
		"id":     string(n.id[:]),
		"target": string(target[:]),
	})
	if err != nil {
		return nil, err
	}
	n.welcomeResponder(addr, response)

	contacts, err := nodesFromResponse(response)
	if err != nil {
		return nil, err
	}
	for _, c := range contacts {
		n.welcome(c)
	}
	return contacts, nil
}

func (n *Node) welcomeResponder(addr *net.UDPAddr, response map[string]any) {
	raw, ok := response["id"].(string)
	if !ok {
		return
	}
	id, err := IDFromBytes([]byte(raw))
	if err != nil || id.IsZero() {
		return
	}
	n.welcome(Contact{ID: id, IP: addr.IP, Port: addr.Port})
}

func nodesFromResponse(response map[string]any) ([]Contact, error) {
	raw, ok := response["nodes"].(string)
	if !ok {
		return nil, fmt.Errorf("response carries no nodes")
	}
	return unpackContacts([]byte(raw))
}
