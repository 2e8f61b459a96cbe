package core

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"theblock-network/pkg/utils"
)

// P2P gossip and fork choice. Every connection starts with a Hello frame;
// mismatched network id, protocol version, or missing feature bits close the
// connection with a per-reason counter. Every subsequent payload travels in
// a signed envelope. Fork choice is longest-chain; convergence under
// partition heal comes from periodic chain broadcasts plus reactive
// ChainRequest responses.

// Wire discriminants (§ external interfaces): 0=Tx, 1=BlockAnnounce,
// 2=ChainRequest, 3=Handshake.
const (
	wireTxBroadcast   uint32 = 0
	wireBlockAnnounce uint32 = 1
	wireChainRequest  uint32 = 2
	wireHandshake     uint32 = 3
)

// Transport identifies the carrying transport in a Hello.
type Transport uint8

const (
	TransportTcp  Transport = 0
	TransportQuic Transport = 1
)

// Hello is the first message on any connection. The QUIC fields ride along
// even on TCP so a peer can advertise an alternate endpoint.
type Hello struct {
	NetworkID    Hash
	ProtoVersion uint16
	FeatureBits  uint32
	Agent        string
	Nonce        uint64
	Transport    Transport

	QuicAddr                string
	HasQuicAddr             bool
	QuicCert                []byte
	HasQuicCert             bool
	QuicFingerprint         []byte
	HasQuicFingerprint      bool
	QuicFingerprintPrevious [][]byte
	QuicProvider            string
	HasQuicProvider         bool
	QuicCapabilities        []string
}

// WireMessage is the tagged union of gossip payloads.
type WireMessage struct {
	Kind      uint32
	Tx        []byte
	Block     []byte
	BlockHeight uint64
	From      uint64
	To        uint64
	Hello     *Hello
}

// EncodeWireMessage frames a message as u32 discriminant + struct body.
func EncodeWireMessage(msg *WireMessage) []byte {
	w := NewWriter()
	switch msg.Kind {
	case wireTxBroadcast:
		w.WriteU32(wireTxBroadcast)
		w.BeginStruct(1)
		w.Field("tx", func(w *Writer) { w.WriteBytes(msg.Tx) })
	case wireBlockAnnounce:
		w.WriteU32(wireBlockAnnounce)
		w.BeginStruct(2)
		w.Field("height", func(w *Writer) { w.WriteU64(msg.BlockHeight) })
		w.Field("block", func(w *Writer) { w.WriteBytes(msg.Block) })
	case wireChainRequest:
		w.WriteU32(wireChainRequest)
		w.BeginStruct(2)
		w.Field("from", func(w *Writer) { w.WriteU64(msg.From) })
		w.Field("to", func(w *Writer) { w.WriteU64(msg.To) })
	case wireHandshake:
		w.WriteU32(wireHandshake)
		encodeHello(w, msg.Hello)
	}
	return w.Bytes()
}

func encodeHello(w *Writer, h *Hello) {
	w.BeginStruct(12)
	w.Field("network_id", func(w *Writer) { w.WriteRaw(h.NetworkID[:]) })
	w.Field("proto_version", func(w *Writer) { w.WriteU16(h.ProtoVersion) })
	w.Field("feature_bits", func(w *Writer) { w.WriteU32(h.FeatureBits) })
	w.Field("agent", func(w *Writer) { w.WriteString(h.Agent) })
	w.Field("nonce", func(w *Writer) { w.WriteU64(h.Nonce) })
	w.Field("transport", func(w *Writer) { w.WriteU8(uint8(h.Transport)) })
	w.Field("quic_addr", func(w *Writer) {
		w.WriteOption(h.HasQuicAddr, func(w *Writer) { w.WriteString(h.QuicAddr) })
	})
	w.Field("quic_cert", func(w *Writer) {
		w.WriteOption(h.HasQuicCert, func(w *Writer) { w.WriteBytes(h.QuicCert) })
	})
	w.Field("quic_fingerprint", func(w *Writer) {
		w.WriteOption(h.HasQuicFingerprint, func(w *Writer) { w.WriteBytes(h.QuicFingerprint) })
	})
	w.Field("quic_fingerprint_previous", func(w *Writer) {
		w.WriteU64(uint64(len(h.QuicFingerprintPrevious)))
		for _, fp := range h.QuicFingerprintPrevious {
			w.WriteBytes(fp)
		}
	})
	w.Field("quic_provider", func(w *Writer) {
		w.WriteOption(h.HasQuicProvider, func(w *Writer) { w.WriteString(h.QuicProvider) })
	})
	w.Field("quic_capabilities", func(w *Writer) {
		w.WriteU64(uint64(len(h.QuicCapabilities)))
		for _, cap := range h.QuicCapabilities {
			w.WriteString(cap)
		}
	})
}

// DecodeWireMessage parses a framed message and requires exhaustion.
func DecodeWireMessage(b []byte) (*WireMessage, error) {
	r := NewReader(b)
	msg, err := readWireMessage(r)
	if err != nil {
		return nil, err
	}
	if err := r.Finish(); err != nil {
		return nil, err
	}
	return msg, nil
}

func readWireMessage(r *Reader) (*WireMessage, error) {
	kind, err := r.ReadU32("wire discriminant")
	if err != nil {
		return nil, err
	}
	msg := &WireMessage{Kind: kind}
	switch kind {
	case wireTxBroadcast:
		err = r.DecodeStruct("TxBroadcast", 1, func(key string, r *Reader) error {
			if key != "tx" {
				return errUnknownField(key)
			}
			v, err := r.ReadBytes(key)
			msg.Tx = v
			return err
		})
	case wireBlockAnnounce:
		err = r.DecodeStruct("BlockAnnounce", 2, func(key string, r *Reader) error {
			switch key {
			case "height":
				v, err := r.ReadU64(key)
				msg.BlockHeight = v
				return err
			case "block":
				v, err := r.ReadBytes(key)
				msg.Block = v
				return err
			default:
				return errUnknownField(key)
			}
		})
	case wireChainRequest:
		err = r.DecodeStruct("ChainRequest", 2, func(key string, r *Reader) error {
			switch key {
			case "from":
				v, err := r.ReadU64(key)
				msg.From = v
				return err
			case "to":
				v, err := r.ReadU64(key)
				msg.To = v
				return err
			default:
				return errUnknownField(key)
			}
		})
	case wireHandshake:
		msg.Hello, err = readHello(r)
	default:
		return nil, errEnum("WireMessage", uint64(kind))
	}
	if err != nil {
		return nil, err
	}
	return msg, nil
}

func readHello(r *Reader) (*Hello, error) {
	var h Hello
	err := r.DecodeStruct("Hello", 12, func(key string, r *Reader) error {
		switch key {
		case "network_id":
			v, err := r.ReadHash(key)
			h.NetworkID = v
			return err
		case "proto_version":
			v, err := r.ReadU16(key)
			h.ProtoVersion = v
			return err
		case "feature_bits":
			v, err := r.ReadU32(key)
			h.FeatureBits = v
			return err
		case "agent":
			v, err := r.ReadString(key)
			h.Agent = v
			return err
		case "nonce":
			v, err := r.ReadU64(key)
			h.Nonce = v
			return err
		case "transport":
			v, err := r.ReadU8(key)
			if err != nil {
				return err
			}
			if v > uint8(TransportQuic) {
				return errEnum("Transport", uint64(v))
			}
			h.Transport = Transport(v)
			return nil
		case "quic_addr":
			_, err := r.ReadOption(key, func(r *Reader) error {
				v, err := r.ReadString(key)
				h.QuicAddr = v
				h.HasQuicAddr = true
				return err
			})
			return err
		case "quic_cert":
			_, err := r.ReadOption(key, func(r *Reader) error {
				v, err := r.ReadBytes(key)
				h.QuicCert = v
				h.HasQuicCert = true
				return err
			})
			return err
		case "quic_fingerprint":
			_, err := r.ReadOption(key, func(r *Reader) error {
				v, err := r.ReadBytes(key)
				h.QuicFingerprint = v
				h.HasQuicFingerprint = true
				return err
			})
			return err
		case "quic_fingerprint_previous":
			n, err := r.ReadU64(key)
			if err != nil {
				return err
			}
			for i := uint64(0); i < n; i++ {
				fp, err := r.ReadBytes(key)
				if err != nil {
					return err
				}
				h.QuicFingerprintPrevious = append(h.QuicFingerprintPrevious, fp)
			}
			return nil
		case "quic_provider":
			_, err := r.ReadOption(key, func(r *Reader) error {
				v, err := r.ReadString(key)
				h.QuicProvider = v
				h.HasQuicProvider = true
				return err
			})
			return err
		case "quic_capabilities":
			n, err := r.ReadU64(key)
			if err != nil {
				return err
			}
			for i := uint64(0); i < n; i++ {
				cap, err := r.ReadString(key)
				if err != nil {
					return err
				}
				h.QuicCapabilities = append(h.QuicCapabilities, cap)
			}
			return nil
		default:
			return errUnknownField(key)
		}
	})
	if err != nil {
		return nil, err
	}
	return &h, nil
}

// Signed envelopes. Every payload after the handshake carries a 64-byte
// signature over the body plus the sender's 32-byte public key.

type signedEnvelope struct {
	Body      []byte
	Signature Signature
	PublicKey []byte
}

func encodeEnvelope(env *signedEnvelope) []byte {
	w := NewWriter()
	w.BeginStruct(3)
	w.Field("body", func(w *Writer) { w.WriteBytes(env.Body) })
	w.Field("signature", func(w *Writer) { w.WriteBytes(env.Signature[:]) })
	w.Field("public_key", func(w *Writer) { w.WriteBytes(env.PublicKey) })
	return w.Bytes()
}

func decodeEnvelope(b []byte) (*signedEnvelope, error) {
	r := NewReader(b)
	var env signedEnvelope
	err := r.DecodeStruct("SignedEnvelope", 3, func(key string, r *Reader) error {
		switch key {
		case "body":
			v, err := r.ReadBytes(key)
			env.Body = v
			return err
		case "signature":
			raw, err := r.ReadBytes(key)
			if err != nil {
				return err
			}
			sig, err := SignatureFromBytes(raw)
			if err != nil {
				return &DecodeError{Kind: "invalid_value", Detail: key}
			}
			env.Signature = sig
			return nil
		case "public_key":
			v, err := r.ReadBytes(key)
			env.PublicKey = v
			return err
		default:
			return errUnknownField(key)
		}
	})
	if err != nil {
		return nil, err
	}
	if err := r.Finish(); err != nil {
		return nil, err
	}
	return &env, nil
}

// Node identity. The long-lived ed25519 key pair loads from, in order:
// TB_NODE_KEY_HEX (raw seed), TB_NET_KEY_SEED (deterministic derivation for
// tests), or TB_NET_KEY_PATH (persisted seed file, created on first run).
func LoadNodeKey() (ed25519.PrivateKey, error) {
	if hexSeed, ok := os.LookupEnv("TB_NODE_KEY_HEX"); ok && hexSeed != "" {
		seed, err := hex.DecodeString(hexSeed)
		if err != nil || len(seed) != ed25519.SeedSize {
			return nil, fmt.Errorf("p2p: TB_NODE_KEY_HEX must be %d hex bytes", ed25519.SeedSize)
		}
		return ed25519.NewKeyFromSeed(seed), nil
	}
	if label, ok := os.LookupEnv("TB_NET_KEY_SEED"); ok && label != "" {
		digest := HashBytes([]byte("tb_net_key_seed:" + label))
		return ed25519.NewKeyFromSeed(digest[:]), nil
	}
	path := utils.EnvOrDefault("TB_NET_KEY_PATH", "")
	if path == "" {
		_, priv, err := ed25519.GenerateKey(rand.Reader)
		return priv, err
	}
	if seed, err := os.ReadFile(path); err == nil {
		if len(seed) != ed25519.SeedSize {
			return nil, fmt.Errorf("p2p: node key file %s corrupt", path)
		}
		return ed25519.NewKeyFromSeed(seed), nil
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("p2p: read node key: %w", err)
	}
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, priv.Seed(), 0o600); err != nil {
		return nil, fmt.Errorf("p2p: persist node key: %w", err)
	}
	return priv, nil
}

// NodeConfig wires a gossip node.
type NodeConfig struct {
	NetworkID           Hash
	ProtoVersion        uint16
	RequiredFeatureBits uint32
	Agent               string
	ListenAddr          string

	MaxRequestsPerSec uint64
	MaxBytesPerSec    uint64
	BanSecs           uint64
	ChainSyncInterval time.Duration
}

// DefaultNodeConfig reads the TB_P2P_* environment overrides.
func DefaultNodeConfig(networkID Hash, listenAddr string) NodeConfig {
	return NodeConfig{
		NetworkID:           networkID,
		ProtoVersion:        1,
		RequiredFeatureBits: 0,
		Agent:               "theblock/1.0",
		ListenAddr:          listenAddr,
		MaxRequestsPerSec:   utils.EnvOrDefaultUint64("TB_P2P_MAX_PER_SEC", 256),
		MaxBytesPerSec:      1 << 22,
		BanSecs:             utils.EnvOrDefaultUint64("TB_P2P_BAN_SECS", 300),
		ChainSyncInterval:   utils.EnvOrDefaultMillis("TB_P2P_CHAIN_SYNC_INTERVAL_MS", 2*time.Second),
	}
}

const (
	handshakeDeadline = 2 * time.Second
	maxFrameBytes     = 1 << 24
	maxBackoffLevel   = 8
	banBreachCount    = 5
)

// BanStore is the external collaborator holding long-term bans.
type BanStore interface {
	Ban(peerID string, until time.Time)
	IsBanned(peerID string) bool
}

// memoryBanStore is the in-process default.
type memoryBanStore struct {
	mu   sync.Mutex
	bans map[string]time.Time
}

func newMemoryBanStore() *memoryBanStore {
	return &memoryBanStore{bans: make(map[string]time.Time)}
}

func (b *memoryBanStore) Ban(peerID string, until time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bans[peerID] = until
}

func (b *memoryBanStore) IsBanned(peerID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	until, ok := b.bans[peerID]
	return ok && time.Now().Before(until)
}

// peer is one live connection.
type peer struct {
	id      string // hex of the remote node public key
	conn    net.Conn
	metrics *PeerMetrics

	sendMu sync.Mutex
}

// Node is the gossip endpoint. All peer-set mutation happens under a single
// write lock so fork-choice decisions stay linearizable; fan-out takes the
// read lock.
type Node struct {
	config NodeConfig
	key    ed25519.PrivateKey
	chain  *Chain

	mu       sync.RWMutex
	peers    map[string]*peer
	listener net.Listener
	closed   bool

	peerEngine *Engine
	peerTree   *Tree

	bans  BanStore
	clock monotonicClock
	done  chan struct{}

	// OnTransaction is invoked for each verified inbound transaction.
	OnTransaction func(tx *Transaction)

	wg sync.WaitGroup
}

// NewNode builds a gossip node around a chain. When TB_PEER_DB_PATH is set,
// peer metrics persist to the peers tree across restarts.
func NewNode(config NodeConfig, key ed25519.PrivateKey, chain *Chain) *Node {
	n := &Node{
		config: config,
		key:    key,
		chain:  chain,
		peers:  make(map[string]*peer),
		bans:   newMemoryBanStore(),
		clock:  newMonotonicClock(),
		done:   make(chan struct{}),
	}
	if path := utils.EnvOrDefault("TB_PEER_DB_PATH", ""); path != "" {
		engine, err := OpenEngine(path)
		if err != nil {
			logrus.Warnf("p2p: peer db unavailable: %v", err)
		} else if tree, err := engine.OpenTree("peers"); err != nil {
			logrus.Warnf("p2p: peers tree unavailable: %v", err)
			_ = engine.Close()
		} else {
			n.peerEngine = engine
			n.peerTree = tree
		}
	}
	return n
}

// persistPeerMetrics stores a departing peer's accounting record.
func (n *Node) persistPeerMetrics(p *peer) {
	if n.peerTree == nil {
		return
	}
	if _, err := n.peerTree.Insert([]byte(p.id), EncodePeerMetrics(p.metrics)); err != nil {
		logrus.Warnf("p2p: persist peer metrics: %v", err)
	}
}

// StoredPeerMetrics loads a persisted metrics record from the peers tree.
func (n *Node) StoredPeerMetrics(peerID string) (*PeerMetrics, error) {
	if n.peerTree == nil {
		return nil, nil
	}
	raw, err := n.peerTree.Get([]byte(peerID))
	if err != nil || raw == nil {
		return nil, err
	}
	return DecodePeerMetrics(raw)
}

// SetBanStore swaps the ban collaborator.
func (n *Node) SetBanStore(store BanStore) { n.bans = store }

// NodeID is the hex form of this node's public key.
func (n *Node) NodeID() string {
	return hex.EncodeToString(n.key.Public().(ed25519.PublicKey))
}

// Start begins accepting connections and the periodic chain sync.
func (n *Node) Start() error {
	listener, err := net.Listen("tcp", n.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("p2p: listen %s: %w", n.config.ListenAddr, err)
	}
	n.mu.Lock()
	n.listener = listener
	n.mu.Unlock()

	n.wg.Add(2)
	go n.acceptLoop(listener)
	go n.chainSyncLoop()
	logrus.Infof("p2p: node %s listening on %s", n.NodeID()[:8], listener.Addr())
	return nil
}

// ListenAddr reports the bound address.
func (n *Node) ListenAddr() string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.listener == nil {
		return ""
	}
	return n.listener.Addr().String()
}

// Close shuts the node down and disconnects every peer.
func (n *Node) Close() {
	n.mu.Lock()
	if !n.closed {
		close(n.done)
	}
	n.closed = true
	if n.listener != nil {
		_ = n.listener.Close()
	}
	departed := make([]*peer, 0, len(n.peers))
	for _, p := range n.peers {
		_ = p.conn.Close()
		departed = append(departed, p)
	}
	n.peers = make(map[string]*peer)
	n.mu.Unlock()
	n.wg.Wait()
	for _, p := range departed {
		n.persistPeerMetrics(p)
	}
	if n.peerEngine != nil {
		_ = n.peerEngine.Close()
	}
}

func (n *Node) acceptLoop(listener net.Listener) {
	defer n.wg.Done()
	for {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			n.handleInbound(conn)
		}()
	}
}

// Connect dials a peer and performs the handshake as initiator.
func (n *Node) Connect(addr string) error {
	conn, err := net.DialTimeout("tcp", addr, handshakeDeadline)
	if err != nil {
		return fmt.Errorf("p2p: dial %s: %w", addr, err)
	}
	p, err := n.handshake(conn, true)
	if err != nil {
		_ = conn.Close()
		return err
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.readLoop(p)
	}()
	return nil
}

func (n *Node) handleInbound(conn net.Conn) {
	p, err := n.handshake(conn, false)
	if err != nil {
		_ = conn.Close()
		return
	}
	n.readLoop(p)
}

// handshake exchanges Hello frames under the fixed deadline and registers
// the peer. Counter-per-reason accounting happens here.
func (n *Node) handshake(conn net.Conn, initiator bool) (*peer, error) {
	deadline := time.Now().Add(handshakeDeadline)
	_ = conn.SetDeadline(deadline)
	defer conn.SetDeadline(time.Time{})

	hello := &Hello{
		NetworkID:    n.config.NetworkID,
		ProtoVersion: n.config.ProtoVersion,
		FeatureBits:  n.config.RequiredFeatureBits,
		Agent:        n.config.Agent,
		Nonce:        randomNonce(),
		Transport:    TransportTcp,
	}
	sendFirst := initiator

	recordFail := func(reason HandshakeError, err error) (*peer, error) {
		handshakeFailTotal.WithLabelValues(reason.String()).Inc()
		return nil, fmt.Errorf("p2p: handshake %s: %w", reason, err)
	}

	if sendFirst {
		if err := n.writeSignedFrame(conn, &WireMessage{Kind: wireHandshake, Hello: hello}); err != nil {
			return recordFail(HandshakeOther, err)
		}
	}

	env, err := readFrame(conn)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return recordFail(HandshakeTimeout, err)
		}
		return recordFail(HandshakeOther, err)
	}
	msg, remoteKey, err := n.openEnvelope(env)
	if err != nil {
		return recordFail(HandshakeCertificate, err)
	}
	if msg.Kind != wireHandshake || msg.Hello == nil {
		return recordFail(HandshakeOther, fmt.Errorf("first frame was not a handshake"))
	}
	remote := msg.Hello
	if remote.NetworkID != n.config.NetworkID {
		return recordFail(HandshakeOther, fmt.Errorf("network id mismatch"))
	}
	if remote.ProtoVersion != n.config.ProtoVersion {
		return recordFail(HandshakeVersion, fmt.Errorf("protocol version %d != %d", remote.ProtoVersion, n.config.ProtoVersion))
	}
	if remote.FeatureBits&n.config.RequiredFeatureBits != n.config.RequiredFeatureBits {
		return recordFail(HandshakeVersion, fmt.Errorf("missing required feature bits"))
	}

	if !sendFirst {
		if err := n.writeSignedFrame(conn, &WireMessage{Kind: wireHandshake, Hello: hello}); err != nil {
			return recordFail(HandshakeOther, err)
		}
	}

	peerID := hex.EncodeToString(remoteKey)
	if n.bans.IsBanned(peerID) {
		peerDropsTotal.WithLabelValues(DropBlacklist.String()).Inc()
		return nil, fmt.Errorf("p2p: peer %s is banned", peerID[:8])
	}

	p := &peer{id: peerID, conn: conn, metrics: NewPeerMetrics()}
	p.metrics.HandshakeSuccess++
	p.metrics.LastHandshakeMs = n.clock.NowMillis()
	p.metrics.Reputation.Score = 1.0

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil, fmt.Errorf("p2p: node closed")
	}
	if existing, ok := n.peers[peerID]; ok {
		_ = existing.conn.Close()
	}
	n.peers[peerID] = p
	n.mu.Unlock()

	logrus.Debugf("p2p: handshake complete with %s (%s)", peerID[:8], remote.Agent)
	return p, nil
}

func randomNonce() uint64 {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return binary.LittleEndian.Uint64(b[:])
}

// Frame I/O: u32 little-endian length then the envelope bytes.

func readFrame(conn net.Conn) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(conn, lenBuf[:]); err != nil {
		return nil, err
	}
	size := binary.LittleEndian.Uint32(lenBuf[:])
	if size > maxFrameBytes {
		return nil, fmt.Errorf("p2p: frame of %d bytes exceeds limit", size)
	}
	buf := make([]byte, size)
	if _, err := io.ReadFull(conn, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func writeFrame(conn net.Conn, payload []byte) error {
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := conn.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := conn.Write(payload)
	return err
}

func (n *Node) writeSignedFrame(conn net.Conn, msg *WireMessage) error {
	body := EncodeWireMessage(msg)
	sig := ed25519.Sign(n.key, body)
	var signature Signature
	copy(signature[:], sig)
	env := &signedEnvelope{
		Body:      body,
		Signature: signature,
		PublicKey: n.key.Public().(ed25519.PublicKey),
	}
	return writeFrame(conn, encodeEnvelope(env))
}

// openEnvelope verifies the signature and decodes the body.
func (n *Node) openEnvelope(frame []byte) (*WireMessage, ed25519.PublicKey, error) {
	env, err := decodeEnvelope(frame)
	if err != nil {
		return nil, nil, err
	}
	if len(env.PublicKey) != ed25519.PublicKeySize {
		return nil, nil, fmt.Errorf("p2p: bad public key length")
	}
	key := ed25519.PublicKey(env.PublicKey)
	if !ed25519.Verify(key, env.Body, env.Signature[:]) {
		return nil, nil, fmt.Errorf("p2p: envelope signature invalid")
	}
	msg, err := DecodeWireMessage(env.Body)
	if err != nil {
		return nil, nil, err
	}
	return msg, key, nil
}

// readLoop processes inbound frames for one peer in receive order.
func (n *Node) readLoop(p *peer) {
	defer n.dropPeer(p)
	for {
		frame, err := readFrame(p.conn)
		if err != nil {
			return
		}
		if !n.admitFrame(p, uint64(len(frame))) {
			continue
		}
		msg, _, err := n.openEnvelope(frame)
		if err != nil {
			n.recordDrop(p, DropMalformed)
			continue
		}
		n.handleMessage(p, msg)
	}
}

// admitFrame applies the per-second request/byte ceilings. Breaches
// throttle the peer with exponential backoff; persistent breaches ban it.
func (n *Node) admitFrame(p *peer, frameBytes uint64) bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	now := n.clock.NowMillis()
	m := p.metrics
	m.Requests++
	m.LastUpdated = now

	if m.ThrottledUntil > now {
		n.recordDropLocked(p, DropRateLimit)
		return false
	}

	sec := now / 1000
	if m.SecStart != sec {
		m.SecStart = sec
		m.SecRequests = 0
		m.SecBytes = 0
	}
	m.SecRequests++
	m.SecBytes = satAdd(m.SecBytes, frameBytes)

	if m.SecRequests > n.config.MaxRequestsPerSec || m.SecBytes > n.config.MaxBytesPerSec {
		m.BreachCount++
		if m.BackoffLevel < maxBackoffLevel {
			m.BackoffLevel++
		}
		backoff := uint64(1000) << (m.BackoffLevel - 1)
		m.ThrottledUntil = now + backoff
		m.ThrottleReason = "rate_limit"
		m.HasThrottleReason = true
		m.Reputation.Score -= 0.1
		n.recordDropLocked(p, DropRateLimit)
		logrus.Warnf("p2p: throttled peer %s for %dms (breach %d)", p.id[:8], backoff, m.BreachCount)
		if m.BreachCount >= banBreachCount {
			until := time.Now().Add(time.Duration(n.config.BanSecs) * time.Second)
			n.bans.Ban(p.id, until)
			logrus.Warnf("p2p: banned peer %s until %s", p.id[:8], until.Format(time.RFC3339))
		}
		return false
	}
	return true
}

func (n *Node) recordDrop(p *peer, reason DropReason) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.recordDropLocked(p, reason)
}

func (n *Node) recordDropLocked(p *peer, reason DropReason) {
	p.metrics.Drops[reason]++
	peerDropsTotal.WithLabelValues(reason.String()).Inc()
}

func (n *Node) handleMessage(p *peer, msg *WireMessage) {
	switch msg.Kind {
	case wireTxBroadcast:
		tx, err := DecodeTransaction(msg.Tx)
		if err != nil {
			n.recordDrop(p, DropMalformed)
			return
		}
		if n.OnTransaction != nil {
			n.OnTransaction(tx)
		}
	case wireBlockAnnounce:
		block, err := DecodeBlock(msg.Block)
		if err != nil {
			n.recordDrop(p, DropMalformed)
			return
		}
		changed, err := n.chain.Observe(block)
		if err != nil {
			// Orphans trigger a sync request back to the sender.
			n.requestChainFrom(p)
			return
		}
		if changed {
			n.BroadcastBlock(block)
		}
	case wireChainRequest:
		n.serveChainRequest(p, msg.From, msg.To)
	case wireHandshake:
		n.recordDrop(p, DropDuplicate)
	}
}

func (n *Node) requestChainFrom(p *peer) {
	msg := &WireMessage{Kind: wireChainRequest, From: 0, To: n.chain.Height() + 64}
	n.sendToPeer(p, msg)
}

// serveChainRequest answers with a BlockAnnounce stream.
func (n *Node) serveChainRequest(p *peer, from, to uint64) {
	blocks := n.chain.Blocks(from, to)
	for _, b := range blocks {
		n.sendToPeer(p, &WireMessage{
			Kind:        wireBlockAnnounce,
			BlockHeight: b.Header.Height,
			Block:       EncodeBlock(b),
		})
	}
}

func (n *Node) sendToPeer(p *peer, msg *WireMessage) {
	p.sendMu.Lock()
	defer p.sendMu.Unlock()
	if err := n.writeSignedFrame(p.conn, msg); err != nil {
		return
	}
	n.mu.Lock()
	p.metrics.Sends++
	p.metrics.BytesSent = satAdd(p.metrics.BytesSent, uint64(len(msg.Block)+len(msg.Tx)))
	n.mu.Unlock()
}

func (n *Node) dropPeer(p *peer) {
	_ = p.conn.Close()
	n.mu.Lock()
	if current, ok := n.peers[p.id]; ok && current == p {
		delete(n.peers, p.id)
	}
	n.mu.Unlock()
	n.persistPeerMetrics(p)
}

// BroadcastTx fans a transaction out to every peer.
func (n *Node) BroadcastTx(tx *Transaction) {
	raw := EncodeTransaction(tx)
	n.broadcast(&WireMessage{Kind: wireTxBroadcast, Tx: raw})
}

// BroadcastBlock fans a block out to every peer.
func (n *Node) BroadcastBlock(b *Block) {
	n.broadcast(&WireMessage{
		Kind:        wireBlockAnnounce,
		BlockHeight: b.Header.Height,
		Block:       EncodeBlock(b),
	})
}

// BroadcastChain announces the tip to every peer; peers behind will request
// the gap.
func (n *Node) BroadcastChain() {
	blocks := n.chain.Snapshot()
	if len(blocks) == 0 {
		return
	}
	n.BroadcastBlock(blocks[len(blocks)-1])
}

func (n *Node) broadcast(msg *WireMessage) {
	n.mu.RLock()
	targets := make([]*peer, 0, len(n.peers))
	for _, p := range n.peers {
		targets = append(targets, p)
	}
	n.mu.RUnlock()
	payload := EncodeWireMessage(msg)
	gossipBytesTotal.Add(float64(len(payload) * len(targets)))
	for _, p := range targets {
		n.sendToPeer(p, msg)
	}
}

// chainSyncLoop periodically rebroadcasts the tip so partitions heal.
func (n *Node) chainSyncLoop() {
	defer n.wg.Done()
	ticker := time.NewTicker(n.config.ChainSyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-n.done:
			return
		case <-ticker.C:
			n.BroadcastChain()
		}
	}
}

// PeerCount reports live connections.
func (n *Node) PeerCount() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.peers)
}

// PeerMetricsFor returns a copy of one peer's metrics.
func (n *Node) PeerMetricsFor(peerID string) (*PeerMetrics, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	p, ok := n.peers[peerID]
	if !ok {
		return nil, false
	}
	clone := *p.metrics
	clone.Drops = make(map[DropReason]uint64, len(p.metrics.Drops))
	for k, v := range p.metrics.Drops {
		clone.Drops[k] = v
	}
	clone.HandshakeFail = make(map[HandshakeError]uint64, len(p.metrics.HandshakeFail))
	for k, v := range p.metrics.HandshakeFail {
		clone.HandshakeFail[k] = v
	}
	return &clone, true
}
