package dht

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/magnetgo/magnet2torrent/bencode"
)

// message is the envelope shared by all KRPC datagrams. Exactly one of
// A, R or E is populated depending on Y.
type message struct {
	T string         `bencode:"t"`
	Y string         `bencode:"y"`
	Q string         `bencode:"q"`
	A map[string]any `bencode:"a"`
	R map[string]any `bencode:"r"`
	E []any          `bencode:"e"`
}

// queryArgs are the arguments any of the four supported queries may
// carry.
type queryArgs struct {
	ID          string `bencode:"id"`
	Target      string `bencode:"target"`
	InfoHash    string `bencode:"info_hash"`
	Port        int    `bencode:"port"`
	Token       string `bencode:"token"`
	ImpliedPort int    `bencode:"implied_port"`
}

// Outcomes of an outbound query. A remote error reply destroys the
// transaction but, unlike a timeout, is not evidence of unreachability.
var (
	errQueryTimeout = errors.New("dht: query timed out")
	errRemoteError  = errors.New("dht: remote returned error")
)

type txOutcome int

const (
	txResponse txOutcome = iota
	txError
	txTimeout
)

type txResult struct {
	outcome  txOutcome
	response map[string]any
}

type transaction struct {
	ch    chan txResult
	timer *time.Timer
}

// newTransactionID generates a random 2-byte transaction id not already
// in flight. Caller must hold n.mu.
func (n *Node) newTransactionID() string {
	for {
		var b [2]byte
		rand.Read(b[:])
		tid := string(b[:])
		if _, exists := n.pending[tid]; !exists {
			return tid
		}
	}
}

// resolveTransaction delivers an outcome to the waiting caller and
// destroys the transaction. At most one of response, error or timeout
// ever wins.
func (n *Node) resolveTransaction(tid string, result txResult) {
	n.mu.Lock()
	tx, ok := n.pending[tid]
	if ok {
		delete(n.pending, tid)
		tx.timer.Stop()
	}
	n.mu.Unlock()

	if ok {
		tx.ch <- result
	}
}

// call sends one query and blocks until its transaction resolves.
func (n *Node) call(ctx context.Context, addr *net.UDPAddr, q string, args map[string]any) (map[string]any, error) {
	ch := make(chan txResult, 1)

	n.mu.Lock()
	tid := n.newTransactionID()
	n.pending[tid] = &transaction{
		ch: ch,
		timer: time.AfterFunc(n.queryTimeout, func() {
			n.resolveTransaction(tid, txResult{outcome: txTimeout})
		}),
	}
	n.mu.Unlock()

	if err := n.send(addr, message{T: tid, Y: "q", Q: q, A: args}); err != nil {
		n.resolveTransaction(tid, txResult{outcome: txTimeout})
		<-ch
		return nil, err
	}

	select {
	case result := <-ch:
		switch result.outcome {
		case txResponse:
			return result.response, nil
		case txError:
			return nil, errRemoteError
		default:
			return nil, errQueryTimeout
		}
	case <-ctx.Done():
		n.resolveTransaction(tid, txResult{outcome: txTimeout})
		return nil, ctx.Err()
	}
}

func (n *Node) send(addr *net.UDPAddr, msg message) error {
	encoded := map[string]any{"t": msg.T, "y": msg.Y}
	switch msg.Y {
	case "q":
		encoded["q"] = msg.Q
		encoded["a"] = msg.A
	case "r":
		encoded["r"] = msg.R
	case "e":
		encoded["e"] = msg.E
	}

	data, err := bencode.Encode(encoded)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}
	if _, err := n.conn.WriteToUDP(data, addr); err != nil {
		return fmt.Errorf("failed to send datagram: %w", err)
	}
	return nil
}

// decodeMessage parses one inbound datagram.
func decodeMessage(data []byte) (*message, error) {
	value, err := bencode.Decode(data)
	if err != nil {
		return nil, err
	}
	if _, ok := value.(map[string]any); !ok {
		return nil, fmt.Errorf("krpc message is not a dictionary")
	}
	var msg message
	if err := bencode.Remap(value, &msg); err != nil {
		return nil, err
	}
	if msg.T == "" {
		return nil, fmt.Errorf("krpc message has no transaction id")
	}
	return &msg, nil
}

func remapArgs(raw map[string]any, args *queryArgs) error {
	if raw == nil {
		return fmt.Errorf("query carries no arguments")
	}
	return bencode.Remap(raw, args)
}

func logMessage(logger *zap.Logger, verb string, msg *message, addr *net.UDPAddr) {
	logger.Debug(verb,
		zap.String("y", msg.Y),
		zap.String("q", msg.Q),
		zap.Stringer("addr", addr))
}
