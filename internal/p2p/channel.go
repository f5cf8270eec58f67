// Package p2p implements the transport channel contract over a libp2p
// host: every session maps to a gossipsub topic, LAN peers are discovered
// via mDNS, and the node identity persists across restarts.
package p2p

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/petervdpas/tunelink/internal/proto"
	"github.com/petervdpas/tunelink/internal/transport"
	"github.com/petervdpas/tunelink/internal/util"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"
	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	ma "github.com/multiformats/go-multiaddr"
)

func init() {
	// Silence noisy libp2p subsystems — dial failures and backoff errors
	// go to stderr by default and pollute terminal output.
	logging.SetLogLevel("swarm2", "error")
	logging.SetLogLevel("autonat", "warn")
}

const peerPollInterval = 2 * time.Second

// Channel is a libp2p-backed transport channel. It satisfies
// transport.Channel.
type Channel struct {
	host host.Host
	ps   *pubsub.PubSub

	mu      sync.Mutex
	state   transport.ConnState
	session string
	peers   []string
	topic   *pubsub.Topic
	sub     *pubsub.Subscription
	cancel  context.CancelFunc

	events chan transport.Event
}

type mdnsNotifee struct {
	h host.Host
}

func (n *mdnsNotifee) HandlePeerFound(pi peer.AddrInfo) {
	ctx, cancel := context.WithTimeout(context.Background(), util.DefaultConnectTimeout)
	defer cancel()
	_ = n.h.Connect(ctx, pi)
}

// loadOrCreateKey loads a persistent identity key from disk,
// or generates a new Ed25519 key and saves it on first run.
func loadOrCreateKey(keyFile string) (crypto.PrivKey, error) {
	data, err := os.ReadFile(keyFile)
	if err == nil {
		priv, err := crypto.UnmarshalPrivateKey(data)
		if err == nil {
			return priv, nil
		}
		log.Printf("WARNING: corrupt identity key at %s: %v (generating new key)", keyFile, err)
	}

	priv, _, err := crypto.GenerateEd25519Key(nil)
	if err != nil {
		return nil, err
	}

	raw, err := crypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("marshal identity key: %w", err)
	}

	if dir := filepath.Dir(keyFile); dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("create key directory: %w", err)
		}
	}
	if err := os.WriteFile(keyFile, raw, 0600); err != nil {
		return nil, fmt.Errorf("save identity key: %w", err)
	}
	return priv, nil
}

// New creates the libp2p host, starts mDNS discovery, and wires gossipsub.
// staticPeers are multiaddrs (with /p2p/ suffix) dialed immediately, for
// peers mDNS cannot reach. No topic is joined until Connect.
func New(ctx context.Context, listenPort int, keyFile string, staticPeers []string) (*Channel, error) {
	priv, err := loadOrCreateKey(keyFile)
	if err != nil {
		return nil, err
	}

	h, err := libp2p.New(
		libp2p.Identity(priv),
		libp2p.ListenAddrStrings(fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", listenPort)),
	)
	if err != nil {
		return nil, err
	}

	md := mdns.NewMdnsService(h, proto.MdnsTag, &mdnsNotifee{h: h})
	if err := md.Start(); err != nil {
		_ = h.Close()
		return nil, err
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		_ = h.Close()
		return nil, err
	}

	for _, s := range staticPeers {
		addr, err := ma.NewMultiaddr(s)
		if err != nil {
			log.Printf("P2P: Bad static peer address %q: %v", s, err)
			continue
		}
		pi, err := peer.AddrInfoFromP2pAddr(addr)
		if err != nil {
			log.Printf("P2P: Static peer address %q has no /p2p/ component: %v", s, err)
			continue
		}
		go func(pi peer.AddrInfo) {
			dialCtx, cancel := context.WithTimeout(ctx, util.DefaultConnectTimeout)
			defer cancel()
			if err := h.Connect(dialCtx, pi); err != nil {
				log.Printf("P2P: Static peer %s unreachable: %v", pi.ID, err)
			}
		}(*pi)
	}

	log.Printf("P2P: Node up (id=%s)", h.ID())
	return &Channel{
		host:   h,
		ps:     ps,
		events: make(chan transport.Event, 64),
	}, nil
}

// ID returns the local peer id.
func (c *Channel) ID() string { return c.host.ID().String() }

// Addrs returns the host's listen addresses with the peer id encapsulated,
// in the form other peers can dial directly as static peers.
func (c *Channel) Addrs() []string {
	suffix, err := ma.NewMultiaddr("/p2p/" + c.host.ID().String())
	if err != nil {
		return nil
	}
	var out []string
	for _, a := range c.host.Addrs() {
		out = append(out, a.Encapsulate(suffix).String())
	}
	sort.Strings(out)
	return out
}

// Connect joins the session topic. An empty session id mints a new code.
func (c *Channel) Connect(ctx context.Context, sessionID string) (string, error) {
	c.mu.Lock()
	if c.topic != nil {
		c.mu.Unlock()
		return "", fmt.Errorf("already connected")
	}
	c.state = transport.Connecting
	c.mu.Unlock()
	c.emit(transport.Event{Type: transport.EventState, State: transport.Connecting})

	if sessionID == "" {
		sessionID = NewSessionCode()
	}

	topic, err := c.ps.Join(proto.SessionTopic(sessionID))
	if err != nil {
		c.setState(transport.Disconnected)
		return "", fmt.Errorf("join topic: %w", err)
	}
	sub, err := topic.Subscribe()
	if err != nil {
		_ = topic.Close()
		c.setState(transport.Disconnected)
		return "", fmt.Errorf("subscribe: %w", err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())

	c.mu.Lock()
	c.session = sessionID
	c.topic = topic
	c.sub = sub
	c.cancel = cancel
	c.state = transport.Connected
	c.mu.Unlock()

	go c.readLoop(loopCtx, sub)
	go c.pollPeers(loopCtx, topic)

	c.emit(transport.Event{Type: transport.EventSession, SessionID: sessionID})
	c.emit(transport.Event{Type: transport.EventState, State: transport.Connected})
	log.Printf("P2P: Joined session %s", sessionID)
	return sessionID, nil
}

// Disconnect leaves the session topic. The host stays up for reuse.
func (c *Channel) Disconnect() error {
	c.mu.Lock()
	topic, sub, cancel := c.topic, c.sub, c.cancel
	c.topic, c.sub, c.cancel = nil, nil, nil
	c.session = ""
	c.peers = nil
	c.state = transport.Disconnected
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if sub != nil {
		sub.Cancel()
	}
	if topic != nil {
		_ = topic.Close()
	}
	c.emit(transport.Event{Type: transport.EventState, State: transport.Disconnected})
	return nil
}

// Send publishes an opaque payload on the session topic.
func (c *Channel) Send(data []byte) error {
	c.mu.Lock()
	topic := c.topic
	c.mu.Unlock()
	if topic == nil {
		return fmt.Errorf("not connected")
	}
	ctx, cancel := context.WithTimeout(context.Background(), util.ShortTimeout)
	defer cancel()
	return topic.Publish(ctx, data)
}

func (c *Channel) ConnState() transport.ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Channel) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

func (c *Channel) ConnectedPeers() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.peers...)
}

func (c *Channel) Events() <-chan transport.Event {
	return c.events
}

// Close shuts down the libp2p host.
func (c *Channel) Close() error {
	_ = c.Disconnect()
	return c.host.Close()
}

func (c *Channel) readLoop(ctx context.Context, sub *pubsub.Subscription) {
	for {
		m, err := sub.Next(ctx)
		if err != nil {
			return
		}
		if m.ReceivedFrom == c.host.ID() {
			continue
		}
		c.emit(transport.Event{
			Type: transport.EventMessage,
			From: m.ReceivedFrom.String(),
			Data: m.Data,
		})
	}
}

// pollPeers watches topic membership. Gossipsub has no membership
// callback, so the peer set is sampled on a short interval.
func (c *Channel) pollPeers(ctx context.Context, topic *pubsub.Topic) {
	t := time.NewTicker(peerPollInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			var ids []string
			for _, p := range topic.ListPeers() {
				ids = append(ids, p.String())
			}
			sort.Strings(ids)

			c.mu.Lock()
			changed := !equalStrings(ids, c.peers)
			if changed {
				c.peers = ids
			}
			c.mu.Unlock()

			if changed {
				c.emit(transport.Event{Type: transport.EventPeers, Peers: ids})
			}
		}
	}
}

func (c *Channel) setState(st transport.ConnState) {
	c.mu.Lock()
	c.state = st
	c.mu.Unlock()
	c.emit(transport.Event{Type: transport.EventState, State: st})
}

func (c *Channel) emit(evt transport.Event) {
	select {
	case c.events <- evt:
	default:
	}
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// NewSessionCode mints a short join code for a new session.
func NewSessionCode() string {
	id := uuid.NewString()
	return strings.SplitN(id, "-", 2)[0]
}
