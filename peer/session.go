// Package peer establishes and maintains the direct UDP leg between two
// participants: NAT hole-punch handshake, keepalive-based failure
// detection, and the encrypted chunked message pipeline.
package peer

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/labstack/gommon/log"

	"roomlink/chunk"
	"roomlink/secure"
)

// Reserved control-plane tokens. These exact literals are wire contract;
// application frames are tagged with a leading sentinel byte so
// ciphertext can never collide with them.
const (
	helloPrefix  = "HELLO from "
	tokenConfirm = "CONFIRMRECEIVED"
	tokenPing    = "#PING"
	tokenPong    = "#PONG"

	dataSentinel byte = 0x02
)

// key frame roles
const (
	keyNamePublic  = "public"
	keyNameSession = "session"
)

var (
	ErrHandshakeTimeout = errors.New("could not reach peer")
	ErrPeerDisconnected = errors.New("peer disconnected")
	ErrSessionClosed    = errors.New("session closed")
	ErrNoSessionKey     = errors.New("no session key established")
)

// Config tunes the session's timers. Zero values select the defaults.
type Config struct {
	ProbeInterval    time.Duration
	PingInterval     time.Duration
	IdleTimeout      time.Duration
	HandshakeTimeout time.Duration
	ChunkSize        int
}

func (c Config) withDefaults() Config {
	if c.ProbeInterval == 0 {
		c.ProbeInterval = 500 * time.Millisecond
	}
	if c.PingInterval == 0 {
		c.PingInterval = time.Second
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 10 * time.Second
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 30 * time.Second
	}
	if c.ChunkSize == 0 {
		c.ChunkSize = chunk.DefaultChunkSize
	}
	return c
}

// Session is the client-side state for one peer pair. It owns the UDP
// socket; three loops (listener, prober, liveness) share the state below
// under one mutex. The session is single-use: once declared dead it is
// discarded and a fresh rendezvous is required.
type Session struct {
	cfg     Config
	name    string
	conn    *net.UDPConn
	remote  *net.UDPAddr
	keypair *secure.Keypair

	// OnPublicKey, when set, receives the peer's public key PEM arriving
	// in-band. Set before Handshake; used by transports whose signaling
	// cannot carry key material.
	OnPublicKey func(pem string)

	asm      *chunk.Assembler
	messages chan chunk.Message

	mu        sync.Mutex
	cipher    *secure.Cipher
	connected bool
	received  bool
	lastSeen  time.Time
	failure   error

	connectedCh chan struct{}
	done        chan struct{}
	connectOnce sync.Once
	closeOnce   sync.Once
}

// NewSession wraps an already-bound UDP socket and the peer's public
// endpoint. Start launches the listener; Handshake must complete before
// application traffic flows.
func NewSession(conn *net.UDPConn, remote *net.UDPAddr, localName string, cfg Config) *Session {
	return &Session{
		cfg:         cfg.withDefaults(),
		name:        localName,
		conn:        conn,
		remote:      remote,
		asm:         chunk.NewAssembler(),
		messages:    make(chan chunk.Message, 32),
		connectedCh: make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// UseKeypair enables in-band key frames: a wrapped session key arriving
// over the data path is unwrapped with this keypair.
func (s *Session) UseKeypair(kp *secure.Keypair) {
	s.keypair = kp
}

// SetSessionKey installs the symmetric key negotiated over signaling.
func (s *Session) SetSessionKey(key []byte) error {
	c, err := secure.NewCipher(key)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.cipher = c
	s.mu.Unlock()
	return nil
}

// HasSessionKey reports whether encrypted traffic can flow yet.
func (s *Session) HasSessionKey() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cipher != nil
}

// Connected reports whether two-way reachability was confirmed.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// Messages delivers fully reassembled, decrypted application payloads.
func (s *Session) Messages() <-chan chunk.Message {
	return s.messages
}

// Done is closed when the session terminates, cleanly or not.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err reports why the session ended; nil after a local Close.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failure
}

// Send encrypts and transmits one application payload, chunked.
func (s *Session) Send(kind string, payload []byte, name string) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}

	s.mu.Lock()
	cipher := s.cipher
	s.mu.Unlock()
	if cipher == nil {
		return ErrNoSessionKey
	}

	for _, f := range chunk.Split(kind, payload, name, s.cfg.ChunkSize) {
		raw, err := json.Marshal(f)
		if err != nil {
			return err
		}
		sealed, err := cipher.Seal(raw)
		if err != nil {
			return err
		}
		if err = s.writeData(sealed); err != nil {
			return err
		}
	}
	return nil
}

// SendText transmits a chat line.
func (s *Session) SendText(text string) error {
	return s.Send(chunk.KindText, []byte(text), "")
}

// SendFile transmits a named blob.
func (s *Session) SendFile(name string, data []byte) error {
	return s.Send(chunk.KindFile, data, name)
}

// SendSessionKey wraps key to the peer's public key and ships it as an
// in-band key frame, for rendezvous variants whose signaling cannot
// carry it. The frame travels before encryption is available, so it is
// plaintext JSON around an RSA-wrapped key.
func (s *Session) SendSessionKey(peerPub string, key []byte) error {
	pub, err := secure.ParsePublicPEM(peerPub)
	if err != nil {
		return err
	}
	wrapped, err := secure.WrapKey(pub, key)
	if err != nil {
		return err
	}
	return s.writeKeyFrame(keyNameSession, wrapped)
}

// SendPublicKey ships this side's public key PEM in-band, inviting the
// peer to answer with a wrapped session key.
func (s *Session) SendPublicKey() error {
	if s.keypair == nil {
		return errors.New("no keypair configured")
	}
	pem, err := s.keypair.PublicPEM()
	if err != nil {
		return err
	}
	return s.writeKeyFrame(keyNamePublic, []byte(pem))
}

func (s *Session) writeKeyFrame(name string, body []byte) error {
	f := chunk.Frame{
		Type:       chunk.KindKey,
		MsgID:      "key-" + name,
		ChunkIndex: 0,
		ChunkTotal: 1,
		Name:       name,
		Content:    base64.StdEncoding.EncodeToString(body),
	}
	raw, err := json.Marshal(f)
	if err != nil {
		return err
	}
	return s.writeData(raw)
}

func (s *Session) writeControl(token string) error {
	_, err := s.conn.WriteToUDP([]byte(token), s.remote)
	return err
}

func (s *Session) writeData(b []byte) error {
	frame := make([]byte, 1+len(b))
	frame[0] = dataSentinel
	copy(frame[1:], b)
	_, err := s.conn.WriteToUDP(frame, s.remote)
	return err
}

// handleData runs the receive pipeline: decrypt (when a key exists),
// parse the frame, fold it into the assembler, deliver completions.
// A frame that fails any stage is dropped; the session survives.
func (s *Session) handleData(b []byte) {
	s.mu.Lock()
	cipher := s.cipher
	s.mu.Unlock()

	raw := b
	if cipher != nil {
		plain, err := cipher.Open(b)
		if err != nil {
			// corrupt or foreign frame on an unreliable transport
			log.Warnf("dropping frame from %s: %v", s.remote, err)
			return
		}
		raw = plain
	}

	var f chunk.Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		log.Warnf("dropping malformed frame from %s: %v", s.remote, err)
		return
	}

	if f.Type == chunk.KindKey {
		s.acceptKeyFrame(f)
		return
	}
	// until a key is installed only key frames are trusted; plaintext
	// application payloads never reach the chat pipeline
	if cipher == nil {
		log.Warnf("dropping plaintext %s frame from %s", f.Type, s.remote)
		return
	}

	msg, err := s.asm.Receive(f)
	if err != nil {
		log.Warnf("dropping chunk from %s: %v", s.remote, err)
		return
	}
	if msg == nil {
		return
	}
	select {
	case s.messages <- *msg:
	default:
		log.Warnf("message channel full, dropping %s message from %s", msg.Kind, s.remote)
	}
}

func (s *Session) acceptKeyFrame(f chunk.Frame) {
	body, err := base64.StdEncoding.DecodeString(f.Content)
	if err != nil {
		log.Warnf("dropping key frame: %v", err)
		return
	}

	if f.Name == keyNamePublic {
		if s.OnPublicKey == nil {
			log.Warn("received public key frame but no handler configured, dropping")
			return
		}
		s.OnPublicKey(string(body))
		return
	}

	if s.keypair == nil {
		log.Warn("received key frame but no keypair configured, dropping")
		return
	}
	s.mu.Lock()
	already := s.cipher != nil
	s.mu.Unlock()
	if already {
		return
	}
	key, err := s.keypair.UnwrapKey(body)
	if err != nil {
		log.Warnf("dropping key frame: %v", err)
		return
	}
	if err = s.SetSessionKey(key); err != nil {
		log.Warnf("dropping key frame: %v", err)
	}
}

// fail records the terminal error, closes the socket and wakes everyone.
// Only the first call wins.
func (s *Session) fail(err error) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.failure = err
		s.mu.Unlock()
		close(s.done)
		_ = s.conn.Close()
	})
}

// Close tears the session down locally.
func (s *Session) Close() error {
	s.fail(nil)
	return nil
}

func (s *Session) String() string {
	return fmt.Sprintf("peer %s", s.remote)
}
