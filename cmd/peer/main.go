// Command peer is a headless Umbra peer for testing relays and bridges from
// the terminal: it creates communities, prints invites, joins via invite
// codes and sends or tails channel messages.
package main

import (
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/openumbra/umbra-bridge/internal/app/repositories"
	"github.com/openumbra/umbra-bridge/internal/app/services"
	"github.com/openumbra/umbra-bridge/internal/domain/community"
	"github.com/openumbra/umbra-bridge/internal/domain/identity"
	"github.com/openumbra/umbra-bridge/internal/platform/database"
	"github.com/openumbra/umbra-bridge/internal/platform/relay"
	"github.com/openumbra/umbra-bridge/pkg/logger"
)

func main() {
	dataDir := flag.String("data", "peer-data", "directory for identity and local store")
	relayURL := flag.String("relay", "ws://localhost:8420/ws", "relay websocket URL")
	dbDriver := flag.String("driver", "sqlite", "database driver: sqlite or postgres")
	dbDSN := flag.String("dsn", "", "database DSN (defaults to a sqlite file under -data)")
	logLevel := flag.String("log", "warn", "log level")
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
		os.Exit(2)
	}

	p, err := newPeer(*dataDir, *relayURL, *dbDriver, *dbDSN, *logLevel)
	if err != nil {
		log.Fatal(err)
	}
	defer p.close()

	var cmdErr error
	switch flag.Arg(0) {
	case "identity":
		fmt.Println(p.ident.DID)
	case "create":
		cmdErr = p.create(flag.Args()[1:])
	case "join":
		cmdErr = p.join(flag.Args()[1:])
	case "send":
		cmdErr = p.send(flag.Args()[1:])
	case "listen":
		cmdErr = p.listen()
	case "list":
		cmdErr = p.list()
	default:
		usage()
		os.Exit(2)
	}
	if cmdErr != nil {
		log.Fatal(cmdErr)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: peer [flags] <command>

commands:
  identity                     print this peer's DID
  create -name N [-desc D]     create a community, print its invite
  join -invite CODE            import a community from an invite code
  send -community ID -channel NAME -text T
  listen                       connect and print incoming events
  list                         list local communities`)
	flag.PrintDefaults()
}

type peer struct {
	ident    *identity.Identity
	db       *sql.DB
	repo     repositories.CommunityRepository
	resolver *services.Resolver
	client   *relay.Client
	sync     *services.SyncService
	log      logger.Logger
}

func newPeer(dataDir, relayURL, dbDriver, dbDSN, logLevel string) (*peer, error) {
	ident, err := identity.LoadOrGenerate(dataDir)
	if err != nil {
		return nil, err
	}
	appLog := logger.New("Peer", logLevel)

	if dbDSN == "" {
		dbDSN = "file:" + filepath.Join(dataDir, "peer.db") + "?_foreign_keys=on"
	}
	db, err := database.Open(dbDriver, dbDSN)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	repo, err := repositories.NewSQLCommunityRepo(db)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init store: %w", err)
	}

	resolver := services.NewResolver(repo, appLog.Sub("Resolver"))
	client := relay.NewClient(relayURL, ident.DID, 0, 0, appLog.Sub("Relay"))
	syncSvc := services.NewSyncService(repo, resolver, client, nil, appLog.Sub("Sync"))

	return &peer{
		ident:    ident,
		db:       db,
		repo:     repo,
		resolver: resolver,
		client:   client,
		sync:     syncSvc,
		log:      appLog,
	}, nil
}

func (p *peer) close() {
	p.client.Disconnect()
	p.db.Close()
}

// connect dials the relay and waits for registration so queued offline
// messages drain before the command proceeds.
func (p *peer) connect() error {
	p.client.SetHandlers(relay.Handlers{OnMessage: p.sync.HandleEnvelope})
	p.client.Connect()
	deadline := time.Now().Add(10 * time.Second)
	for !p.client.Registered() {
		if time.Now().After(deadline) {
			return fmt.Errorf("relay registration timed out")
		}
		time.Sleep(50 * time.Millisecond)
	}
	return nil
}

func (p *peer) create(args []string) error {
	fs := flag.NewFlagSet("create", flag.ExitOnError)
	name := fs.String("name", "", "community name")
	desc := fs.String("desc", "", "community description")
	fs.Parse(args)
	if *name == "" {
		return fmt.Errorf("create requires -name")
	}

	ctx := context.Background()
	c, err := p.resolver.CreateCommunity(ctx, p.ident.DID, *name, *desc)
	if err != nil {
		return err
	}
	code, err := encodeInvite(&community.Invite{
		Code:        uuid.NewString(),
		CommunityID: c.CanonicalID(),
		OwnerDID:    p.ident.DID,
		Name:        c.Name,
		Description: c.Description,
		MemberDIDs:  []string{p.ident.DID},
	})
	if err != nil {
		return err
	}
	fmt.Printf("community %q created (id %s)\n\ninvite code:\n%s\n\n", c.Name, c.LocalID, code)
	printQRASCII(code)
	return nil
}

func (p *peer) join(args []string) error {
	fs := flag.NewFlagSet("join", flag.ExitOnError)
	code := fs.String("invite", "", "invite code")
	fs.Parse(args)
	if *code == "" {
		return fmt.Errorf("join requires -invite")
	}
	inv, err := decodeInvite(*code)
	if err != nil {
		return err
	}

	ctx := context.Background()
	c, err := p.resolver.ImportFromInvite(ctx, inv, p.ident.DID)
	if err != nil {
		return err
	}
	fmt.Printf("joined %q (local id %s)\n", c.Name, c.LocalID)

	if err := p.connect(); err != nil {
		return err
	}
	sent, err := p.sync.BroadcastEvent(ctx, c.LocalID, community.Event{
		MemberJoined: &community.MemberJoinedEvent{MemberDID: p.ident.DID},
	})
	if err != nil {
		return err
	}
	fmt.Printf("announced join to %d member(s)\n", sent)
	return nil
}

func (p *peer) send(args []string) error {
	fs := flag.NewFlagSet("send", flag.ExitOnError)
	communityID := fs.String("community", "", "local community ID")
	channelName := fs.String("channel", "general", "channel name")
	text := fs.String("text", "", "message text")
	fs.Parse(args)
	if *communityID == "" || *text == "" {
		return fmt.Errorf("send requires -community and -text")
	}

	ctx := context.Background()
	ch, err := p.resolver.ResolveChannel(ctx, *communityID, "", *channelName)
	if err != nil {
		return err
	}
	if err := p.connect(); err != nil {
		return err
	}

	msgID := uuid.NewString()
	now := time.Now()
	if _, err := p.repo.InsertMessage(ctx, &community.Message{
		ID:               msgID,
		CommunityLocalID: *communityID,
		ChannelID:        ch.ID,
		SenderDID:        p.ident.DID,
		Content:          *text,
		SentAt:           now,
	}); err != nil {
		return err
	}
	sent, err := p.sync.BroadcastEvent(ctx, *communityID, community.Event{
		MessageSent: &community.MessageSentEvent{
			ChannelID:   ch.ID,
			ChannelName: ch.Name,
			MessageID:   msgID,
			SenderDID:   p.ident.DID,
			Content:     *text,
		},
	})
	if err != nil {
		return err
	}
	fmt.Printf("sent to %d member(s)\n", sent)
	// Give in-flight frames a moment before the socket closes.
	time.Sleep(200 * time.Millisecond)
	return nil
}

func (p *peer) listen() error {
	p.sync.SetAppliedHook(func(env *community.Envelope, local *community.Community) {
		ev := env.Payload.Event
		switch {
		case ev.MessageSent != nil:
			fmt.Printf("[%s] #%s <%s> %s\n", local.Name, ev.MessageSent.ChannelName, shortDID(env.Payload.SenderDID), ev.MessageSent.Content)
		case ev.MemberJoined != nil:
			fmt.Printf("[%s] %s joined\n", local.Name, shortDID(ev.MemberJoined.MemberDID))
		case ev.MemberLeft != nil:
			fmt.Printf("[%s] %s left\n", local.Name, shortDID(ev.MemberLeft.MemberDID))
		case ev.ChannelCreated != nil:
			fmt.Printf("[%s] channel #%s created\n", local.Name, ev.ChannelCreated.ChannelName)
		}
	})
	if err := p.connect(); err != nil {
		return err
	}
	fmt.Printf("listening as %s (ctrl-c to stop)\n", p.ident.DID)
	select {}
}

func (p *peer) list() error {
	communities, err := p.repo.ListCommunities(context.Background())
	if err != nil {
		return err
	}
	for _, c := range communities {
		marker := ""
		if c.Canonical() {
			marker = " (owner)"
		}
		fmt.Printf("%s  %q%s\n", c.LocalID, c.Name, marker)
	}
	return nil
}

func shortDID(did string) string {
	if len(did) <= 16 {
		return did
	}
	return did[:16] + "…"
}

func encodeInvite(inv *community.Invite) (string, error) {
	data, err := json.Marshal(inv)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(data), nil
}

func decodeInvite(code string) (*community.Invite, error) {
	data, err := base64.RawURLEncoding.DecodeString(code)
	if err != nil {
		return nil, fmt.Errorf("invalid invite code: %w", err)
	}
	var inv community.Invite
	if err := json.Unmarshal(data, &inv); err != nil {
		return nil, fmt.Errorf("invalid invite payload: %w", err)
	}
	return &inv, nil
}
