package main

import (
	"bufio"
	"context"
	"encoding/base64"
	"flag"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/labstack/gommon/log"

	"roomlink/chunk"
	"roomlink/config"
	"roomlink/discover"
	"roomlink/model"
	"roomlink/peer"
	"roomlink/pkg/utils"
	"roomlink/secure"
	"roomlink/signal"
)

func main() {
	var (
		server    = flag.String("server", "", "signaling server base URL")
		name      = flag.String("name", "", "your display name")
		room      = flag.String("room", "", "room code to join")
		create    = flag.Bool("create", false, "create the room instead of joining")
		password  = flag.String("password", "", "room password")
		poll      = flag.Bool("poll", false, "use HTTP polling rendezvous instead of websocket")
		cfgPath   = flag.String("config", "config.json", "client config file")
		downloads = flag.String("downloads", "downloads", "directory for received files")
	)
	flag.Parse()

	cc, err := config.LoadClient(*cfgPath)
	if err != nil {
		log.Fatal(err)
	}
	if *server != "" && *server != cc.ServerURL {
		cc.ServerURL = strings.TrimRight(*server, "/")
		if err = cc.Save(); err != nil {
			log.Warnf("could not persist config: %v", err)
		}
	}
	if cc.ServerURL == "" {
		log.Fatal("no server configured, pass -server")
	}
	if !utils.IsNameValid(*name) {
		log.Fatal("pass -name")
	}

	code := strings.ToUpper(*room)
	if code == "" {
		if !*create {
			log.Fatal("pass -room, or -create to start a new one")
		}
		code = utils.RandCode()
	}
	if !utils.IsCodeValid(code) {
		log.Fatalf("room code must be %d uppercase alphanumerics", utils.RoomCodeLength)
	}

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{})
	if err != nil {
		log.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	self, nat, err := discover.PublicEndpoint(ctx, conn, discover.DefaultServers)
	cancel()
	if err != nil {
		log.Fatalf("endpoint discovery failed: %v", err)
	}
	self.Username = *name
	fmt.Printf("public endpoint: %s\n", self.Addr())
	if nat == discover.NATSymmetric {
		log.Warn("symmetric NAT detected, hole punching will likely fail")
	}

	var sess *peer.Session
	if *poll {
		sess, err = rendezvousPoll(cc.ServerURL, conn, self, code, *password, *create)
	} else {
		sess, err = rendezvousWS(cc.ServerURL, conn, self, code, *password, *create)
	}
	if err != nil {
		log.Fatal(err)
	}

	fmt.Println("connected; type to chat, /sendfile <path> to share, /quit to leave")
	chat(sess, *downloads)
}

// rendezvousWS runs the pushed-signaling flow: the room creator offers
// its public key and endpoint, the joiner answers with the wrapped
// session key, then both punch.
func rendezvousWS(server string, conn *net.UDPConn, self model.Identity, room, password string, create bool) (*peer.Session, error) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	c, err := signal.Dial(ctx, server)
	if err != nil {
		return nil, err
	}

	peers, err := c.Join(room, self.Username, password, create, self)
	if err != nil {
		return nil, err
	}

	if create {
		fmt.Printf("room %s created, waiting for a peer...\n", room)
		return wsOffer(c, conn, self, room)
	}
	if len(peers) == 0 {
		return nil, fmt.Errorf("room %s has no other members", room)
	}
	return wsAnswer(c, conn, self, peers[0])
}

func wsOffer(c *signal.Client, conn *net.UDPConn, self model.Identity, room string) (*peer.Session, error) {
	kp, err := secure.GenerateKeypair()
	if err != nil {
		return nil, err
	}
	pub, err := kp.PublicPEM()
	if err != nil {
		return nil, err
	}

	waitCtx, cancel := context.WithTimeout(context.Background(), time.Hour)
	defer cancel()
	other, err := c.WaitForPeer(waitCtx)
	if err != nil {
		return nil, err
	}
	fmt.Printf("%s joined room %s\n", other.Username, room)

	err = c.Send(&signal.Message{
		Type:     signal.TypeOffer,
		To:       other.Username,
		PubKey:   pub,
		Endpoint: self.Addr(),
	})
	if err != nil {
		return nil, err
	}

	// the answer carries the wrapped session key and the peer's endpoint
	negCtx, cancelNeg := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancelNeg()
	answer, err := c.WaitForAnswer(negCtx)
	if err != nil {
		return nil, fmt.Errorf("no answer from %s: %w", other.Username, err)
	}

	wrapped, err := base64.StdEncoding.DecodeString(answer.Key)
	if err != nil {
		return nil, fmt.Errorf("bad answer key: %w", err)
	}
	key, err := kp.UnwrapKey(wrapped)
	if err != nil {
		return nil, fmt.Errorf("bad answer key: %w", err)
	}

	endpoint := answer.Endpoint
	if endpoint == "" {
		endpoint = other.Addr()
	}
	punchCtx, cancelPunch := context.WithTimeout(context.Background(), time.Minute)
	defer cancelPunch()
	sess, err := punch(punchCtx, conn, self.Username, endpoint)
	if err != nil {
		return nil, err
	}
	if err = sess.SetSessionKey(key); err != nil {
		return nil, err
	}
	go relayBye(c, sess)
	return sess, nil
}

func wsAnswer(c *signal.Client, conn *net.UDPConn, self model.Identity, host model.Identity) (*peer.Session, error) {
	// the host's offer brings its public key; we pick the session key
	negCtx, cancelNeg := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancelNeg()
	offer, err := c.WaitForOffer(negCtx)
	if err != nil {
		return nil, fmt.Errorf("no offer from %s: %w", host.Username, err)
	}

	pub, err := secure.ParsePublicPEM(offer.PubKey)
	if err != nil {
		return nil, fmt.Errorf("bad offer: %w", err)
	}
	key, err := secure.NewSessionKey()
	if err != nil {
		return nil, err
	}
	wrapped, err := secure.WrapKey(pub, key)
	if err != nil {
		return nil, err
	}

	err = c.Send(&signal.Message{
		Type:     signal.TypeAnswer,
		To:       offer.From,
		Key:      base64.StdEncoding.EncodeToString(wrapped),
		Endpoint: self.Addr(),
	})
	if err != nil {
		return nil, err
	}

	endpoint := offer.Endpoint
	if endpoint == "" {
		endpoint = host.Addr()
	}
	punchCtx, cancelPunch := context.WithTimeout(context.Background(), time.Minute)
	defer cancelPunch()
	sess, err := punch(punchCtx, conn, self.Username, endpoint)
	if err != nil {
		return nil, err
	}
	if err = sess.SetSessionKey(key); err != nil {
		return nil, err
	}
	go relayBye(c, sess)
	return sess, nil
}

// relayBye announces the session's end over signaling, then drops it.
func relayBye(c *signal.Client, sess *peer.Session) {
	<-sess.Done()
	_ = c.Bye()
}

// rendezvousPoll runs the HTTP variant: endpoints come from the roster
// and key material travels in-band after the punch, since polling cannot
// push the offer/answer exchange.
func rendezvousPoll(server string, conn *net.UDPConn, self model.Identity, room, password string, create bool) (*peer.Session, error) {
	p := signal.NewPoller(server, self, room, password)

	ctx, cancel := context.WithTimeout(context.Background(), time.Hour)
	defer cancel()

	if create {
		if err := p.Create(ctx); err != nil {
			return nil, err
		}
		fmt.Printf("room %s created, waiting for a peer...\n", room)
	}

	other, err := p.WaitForPeer(ctx)
	if err != nil {
		return nil, err
	}
	fmt.Printf("found %s at %s\n", other.Username, other.Addr())

	punchCtx, cancelPunch := context.WithTimeout(context.Background(), time.Minute)
	defer cancelPunch()

	remote, err := net.ResolveUDPAddr("udp4", other.Addr())
	if err != nil {
		return nil, err
	}
	sess := peer.NewSession(conn, remote, self.Username, peer.Config{})

	if create {
		kp, err := secure.GenerateKeypair()
		if err != nil {
			return nil, err
		}
		sess.UseKeypair(kp)
		if err = sess.Handshake(punchCtx); err != nil {
			return nil, err
		}
		if err = sess.SendPublicKey(); err != nil {
			return nil, err
		}
	} else {
		sess.OnPublicKey = func(pem string) {
			key, err := secure.NewSessionKey()
			if err != nil {
				log.Errorf("key generation failed: %v", err)
				return
			}
			if err = sess.SetSessionKey(key); err != nil {
				log.Errorf("key setup failed: %v", err)
				return
			}
			if err = sess.SendSessionKey(pem, key); err != nil {
				log.Errorf("key delivery failed: %v", err)
			}
		}
		if err = sess.Handshake(punchCtx); err != nil {
			return nil, err
		}
	}

	// chat is unusable until the in-band exchange settles
	deadline := time.Now().Add(30 * time.Second)
	for !sess.HasSessionKey() {
		if time.Now().After(deadline) {
			sess.Close()
			return nil, fmt.Errorf("session key exchange timed out")
		}
		time.Sleep(100 * time.Millisecond)
	}
	return sess, nil
}

// punch resolves the endpoint and runs the hole-punch handshake.
func punch(ctx context.Context, conn *net.UDPConn, name, endpoint string) (*peer.Session, error) {
	remote, err := net.ResolveUDPAddr("udp4", endpoint)
	if err != nil {
		return nil, fmt.Errorf("bad peer endpoint %q: %w", endpoint, err)
	}
	fmt.Printf("punching through to %s...\n", remote)
	sess := peer.NewSession(conn, remote, name, peer.Config{})
	if err = sess.Handshake(ctx); err != nil {
		return nil, err
	}
	return sess, nil
}

// chat pumps stdin to the peer and peer messages to the terminal until
// either side goes away.
func chat(sess *peer.Session, downloads string) {
	go func() {
		for msg := range sess.Messages() {
			switch msg.Kind {
			case chunk.KindFile:
				path, err := saveFile(downloads, msg.Name, msg.Payload)
				if err != nil {
					log.Errorf("could not save %s: %v", msg.Name, err)
					continue
				}
				fmt.Printf("received file %s (%d bytes)\n", path, len(msg.Payload))
			default:
				fmt.Printf("peer> %s\n", msg.Payload)
			}
		}
	}()

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		scanner.Buffer(make([]byte, 1024*1024), 1024*1024)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	for {
		select {
		case <-sess.Done():
			if err := sess.Err(); err != nil {
				fmt.Printf("connection lost: %v\n", err)
			}
			return
		case line, ok := <-lines:
			if !ok {
				sess.Close()
				return
			}
			switch {
			case line == "/quit":
				sess.Close()
				return
			case strings.HasPrefix(line, "/sendfile "):
				sendFile(sess, strings.TrimSpace(strings.TrimPrefix(line, "/sendfile ")))
			case strings.TrimSpace(line) == "":
			default:
				if err := sess.SendText(line); err != nil {
					log.Errorf("send failed: %v", err)
				}
			}
		}
	}
}

func sendFile(sess *peer.Session, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		log.Errorf("cannot read %s: %v", path, err)
		return
	}
	if err = sess.SendFile(filepath.Base(path), data); err != nil {
		log.Errorf("send failed: %v", err)
		return
	}
	fmt.Printf("sent %s (%d bytes)\n", filepath.Base(path), len(data))
}

// saveFile writes a received blob under the downloads directory, never
// letting the sender's name escape it.
func saveFile(dir, name string, data []byte) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	base := filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	if base == "." || base == ".." || base == "/" || base == "" {
		base = "unnamed"
	}
	path := filepath.Join(dir, base)
	return path, os.WriteFile(path, data, 0644)
}
