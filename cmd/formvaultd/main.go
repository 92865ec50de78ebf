// Command formvaultd is the reference CLI over the formvault core: it
// wires the storage adapters, the event/entity stores, the applier
// registry, the data-manager façade, and the libp2p sync transport
// into one binary, mirroring the teacher's cmd/vaultd structure
// (printUsage, a switch on os.Args[1], a stdLogger bridging to the
// single-method Logger interface every package shares).
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/amaydixit11/formvault/internal/apply"
	"github.com/amaydixit11/formvault/internal/crypto"
	"github.com/amaydixit11/formvault/internal/datamanager"
	"github.com/amaydixit11/formvault/internal/entitystore"
	"github.com/amaydixit11/formvault/internal/eventstore"
	"github.com/amaydixit11/formvault/internal/logging"
	"github.com/amaydixit11/formvault/internal/merkle"
	"github.com/amaydixit11/formvault/internal/model"
	"github.com/amaydixit11/formvault/internal/storage"
	"github.com/amaydixit11/formvault/internal/storage/postgres"
	"github.com/amaydixit11/formvault/internal/storage/sqlite"
	syncp2p "github.com/amaydixit11/formvault/internal/sync"
	"github.com/amaydixit11/formvault/internal/syncmanager"
	libp2p "github.com/libp2p/go-libp2p"
	p2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"golang.org/x/term"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "init":
		err = cmdInit(args)
	case "submit":
		err = cmdSubmit(args)
	case "get":
		err = cmdGet(args)
	case "list":
		err = cmdList(args)
	case "search":
		err = cmdSearch(args)
	case "verify":
		err = cmdVerify(args)
	case "sync":
		err = cmdSync(args)
	case "serve":
		err = cmdServe(args)
	case "invite":
		err = cmdInvite(args)
	case "pair":
		err = cmdPair(args)
	case "watch":
		err = cmdWatch(args)
	case "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`formvaultd - offline-first, tamper-evident event-sourced data store

Usage: formvaultd <command> [options]

Commands:
  init     Initialize a tenant's store (and optionally an encrypted vault)
  submit   Append a form submission event
  get      Fetch an entity pair by id or guid
  list     List entities, optionally modified since a timestamp
  search   Search entities against a JSON criteria document
  verify   Verify an event's Merkle proof against the current root
  sync     Run one push-then-pull sync cycle against a paired server
  serve    Host the sync server for this tenant (long-running)
  invite   Print a signed pairing invite for this tenant's server identity
  pair     Trust a server invite and add it to the local allowlist
  watch    Tail newly applied audit log entries
  help     Show this help

Every command accepts --data (default ~/.formvaultd) and --tenant
(default "default"). Backend selection: --backend sqlite (default) or
--backend postgres --dsn <connstring>.`)
}

// --- shared plumbing -------------------------------------------------

type commonFlags struct {
	dataDir  string
	tenant   string
	backend  string
	dsn      string
	ftsIndex bool
}

func bindCommon(fs *flag.FlagSet) *commonFlags {
	c := &commonFlags{}
	home, _ := os.UserHomeDir()
	fs.StringVar(&c.dataDir, "data", filepath.Join(home, ".formvaultd"), "data directory (embedded backend) or identity/allowlist directory (relational backend)")
	fs.StringVar(&c.tenant, "tenant", "default", "tenant id")
	fs.StringVar(&c.backend, "backend", "sqlite", "storage backend: sqlite or postgres")
	fs.StringVar(&c.dsn, "dsn", "", "postgres connection string (backend=postgres)")
	fs.BoolVar(&c.ftsIndex, "fts", false, "attach the Bleve full-text assist index (sqlite only)")
	return c
}

// adapters bundles the event and entity storage adapters plus a close
// func, already wrapped with at-rest encryption if the tenant's vault
// is unlocked.
type adapters struct {
	events   storage.EventStorageAdapter
	entities storage.EntityStorageAdapter
	close    func() error
}

func openAdapters(ctx context.Context, c *commonFlags) (*adapters, error) {
	var events storage.EventStorageAdapter
	var entities storage.EntityStorageAdapter
	var closeFn func() error

	switch c.backend {
	case "sqlite":
		if err := os.MkdirAll(c.dataDir, 0700); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
		store, err := sqlite.New(filepath.Join(c.dataDir, "formvault.db"))
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		if c.ftsIndex {
			if err := store.WithFullTextIndex(filepath.Join(c.dataDir, "fts")); err != nil {
				store.Close()
				return nil, fmt.Errorf("attach full-text index: %w", err)
			}
		}
		events, entities, closeFn = store, store, store.Close
	case "postgres":
		if c.dsn == "" {
			return nil, fmt.Errorf("--dsn is required for backend=postgres")
		}
		store, err := postgres.New(ctx, c.dsn)
		if err != nil {
			return nil, fmt.Errorf("connect postgres store: %w", err)
		}
		events, entities, closeFn = store, store, store.Close
	default:
		return nil, fmt.Errorf("unknown backend %q", c.backend)
	}

	keyStore := crypto.NewFileKeyStore(c.dataDir)
	if keyStore.IsInitialized() {
		fmt.Fprint(os.Stderr, "vault is encrypted, enter password: ")
		password, err := readPassword()
		fmt.Fprintln(os.Stderr)
		if err != nil {
			closeFn()
			return nil, fmt.Errorf("read password: %w", err)
		}
		key, err := keyStore.Unlock(password)
		if err != nil {
			closeFn()
			return nil, fmt.Errorf("unlock vault: %w", err)
		}
		events = crypto.NewEventAdapter(events, key)
	}

	if err := events.Initialize(ctx); err != nil {
		closeFn()
		return nil, fmt.Errorf("initialize event adapter: %w", err)
	}
	if err := entities.Initialize(ctx); err != nil {
		closeFn()
		return nil, fmt.Errorf("initialize entity adapter: %w", err)
	}

	return &adapters{events: events, entities: entities, close: closeFn}, nil
}

// buildManager builds the full write path (eventstore + entitystore +
// applier registry + datamanager façade) over already-open adapters.
func buildManager(ctx context.Context, a *adapters, tenant string, logger logging.Logger) (*eventstore.Store, *entitystore.Store, *datamanager.Manager, error) {
	events := eventstore.New(a.events, tenant, logger)
	if err := events.Initialize(ctx); err != nil {
		return nil, nil, nil, fmt.Errorf("initialize event store: %w", err)
	}
	entities := entitystore.New(a.entities, tenant)
	if err := entities.Initialize(ctx); err != nil {
		return nil, nil, nil, fmt.Errorf("initialize entity store: %w", err)
	}
	mgr := datamanager.New(events, entities, apply.NewRegistry())
	return events, entities, mgr, nil
}

func readPassword() ([]byte, error) {
	fd := int(syscall.Stdin)
	if !term.IsTerminal(fd) {
		var password string
		fmt.Scanln(&password)
		return []byte(password), nil
	}
	return term.ReadPassword(fd)
}

type stdLogger struct{ *log.Logger }

func (l stdLogger) Printf(format string, v ...interface{}) { l.Logger.Printf(format, v...) }

func newStdLogger(prefix string) stdLogger {
	return stdLogger{logging.Default(os.Stderr, prefix)}
}

func printJSON(v interface{}) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "marshal output: %v\n", err)
		return
	}
	fmt.Println(string(out))
}

// --- init -------------------------------------------------------------

func cmdInit(args []string) error {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	c := bindCommon(fs)
	encrypt := fs.Bool("encrypt", false, "protect this tenant's data with a password-derived vault key")
	fs.Parse(args)

	ctx := context.Background()
	a, err := openAdaptersUnencrypted(ctx, c)
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.events.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize event adapter: %w", err)
	}
	if err := a.entities.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize entity adapter: %w", err)
	}

	if *encrypt {
		keyStore := crypto.NewFileKeyStore(c.dataDir)
		if keyStore.IsInitialized() {
			fmt.Println("vault already initialized")
			return nil
		}
		fmt.Fprint(os.Stderr, "enter new password: ")
		p1, err := readPassword()
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return fmt.Errorf("read password: %w", err)
		}
		fmt.Fprint(os.Stderr, "confirm password: ")
		p2, err := readPassword()
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return fmt.Errorf("read password: %w", err)
		}
		if string(p1) != string(p2) {
			return fmt.Errorf("passwords do not match")
		}
		if err := keyStore.Initialize(p1); err != nil {
			return fmt.Errorf("initialize vault: %w", err)
		}
		fmt.Printf("vault initialized at %s\n", c.dataDir)
		return nil
	}

	fmt.Printf("tenant %q initialized at %s (backend=%s)\n", c.tenant, c.dataDir, c.backend)
	return nil
}

// openAdaptersUnencrypted skips the vault unlock prompt, for init
// (which may be creating the vault for the first time).
func openAdaptersUnencrypted(ctx context.Context, c *commonFlags) (*adapters, error) {
	switch c.backend {
	case "sqlite":
		if err := os.MkdirAll(c.dataDir, 0700); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
		store, err := sqlite.New(filepath.Join(c.dataDir, "formvault.db"))
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return &adapters{events: store, entities: store, close: store.Close}, nil
	case "postgres":
		if c.dsn == "" {
			return nil, fmt.Errorf("--dsn is required for backend=postgres")
		}
		store, err := postgres.New(ctx, c.dsn)
		if err != nil {
			return nil, fmt.Errorf("connect postgres store: %w", err)
		}
		return &adapters{events: store, entities: store, close: store.Close}, nil
	default:
		return nil, fmt.Errorf("unknown backend %q", c.backend)
	}
}

// --- submit -------------------------------------------------------------

func cmdSubmit(args []string) error {
	fs := flag.NewFlagSet("submit", flag.ExitOnError)
	c := bindCommon(fs)
	entityGuid := fs.String("entity", "", "target entity guid")
	eventType := fs.String("type", "", "event type (create-individual, update-individual, create-group, delete, ...)")
	payload := fs.String("payload", "{}", "opaque JSON data payload")
	userID := fs.String("user", "cli", "originator user id")
	timestamp := fs.String("timestamp", "", "ISO-8601 timestamp (default: now)")
	fs.Parse(args)

	if *entityGuid == "" || *eventType == "" {
		return fmt.Errorf("--entity and --type are required")
	}
	ts := *timestamp
	if ts == "" {
		ts = time.Now().UTC().Format(time.RFC3339)
	}
	if !json.Valid([]byte(*payload)) {
		return fmt.Errorf("--payload must be valid JSON")
	}

	ctx := context.Background()
	a, err := openAdapters(ctx, c)
	if err != nil {
		return err
	}
	defer a.close()

	_, _, mgr, err := buildManager(ctx, a, c.tenant, newStdLogger("formvaultd: "))
	if err != nil {
		return err
	}

	event := model.NewEvent(*entityGuid, *eventType, json.RawMessage(*payload), ts, *userID)
	version, err := mgr.SubmitForm(ctx, event)
	if err != nil {
		return fmt.Errorf("submit event: %w", err)
	}
	fmt.Printf("applied %s as event %s; entity %s now at version %d\n", *eventType, event.Guid, *entityGuid, version)
	return nil
}

// --- get / list / search -------------------------------------------------

func cmdGet(args []string) error {
	fs := flag.NewFlagSet("get", flag.ExitOnError)
	c := bindCommon(fs)
	fs.Parse(args)
	if fs.NArg() < 1 {
		return fmt.Errorf("usage: formvaultd get [options] <guid>")
	}

	ctx := context.Background()
	a, err := openAdapters(ctx, c)
	if err != nil {
		return err
	}
	defer a.close()

	_, entities, _, err := buildManager(ctx, a, c.tenant, logging.Noop)
	if err != nil {
		return err
	}
	pair, err := entities.GetEntity(ctx, fs.Arg(0))
	if err != nil {
		return fmt.Errorf("get entity: %w", err)
	}
	printJSON(pair)
	return nil
}

func cmdList(args []string) error {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	c := bindCommon(fs)
	since := fs.String("since", "", "only entities modified after this ISO-8601 timestamp")
	fs.Parse(args)

	ctx := context.Background()
	a, err := openAdapters(ctx, c)
	if err != nil {
		return err
	}
	defer a.close()

	_, entities, _, err := buildManager(ctx, a, c.tenant, logging.Noop)
	if err != nil {
		return err
	}

	var pairs []model.EntityPair
	if *since != "" {
		pairs, err = entities.GetModifiedEntitiesSince(ctx, *since)
	} else {
		pairs, err = entities.GetAllEntities(ctx)
	}
	if err != nil {
		return fmt.Errorf("list entities: %w", err)
	}
	if len(pairs) == 0 {
		fmt.Println("no entities found")
		return nil
	}
	for _, p := range pairs {
		fmt.Printf("%s [%s] v%d  synced=%v\n", p.Guid, p.Modified.Type, p.Modified.Version, p.Synced())
	}
	return nil
}

func cmdSearch(args []string) error {
	fs := flag.NewFlagSet("search", flag.ExitOnError)
	c := bindCommon(fs)
	criteriaJSON := fs.String("criteria", "{}", `JSON criteria, e.g. {"data.name":{"$regex":"^an"}}`)
	fs.Parse(args)

	var criteria storage.EntityCriteria
	if err := json.Unmarshal([]byte(*criteriaJSON), &criteria); err != nil {
		return fmt.Errorf("--criteria must be a JSON object: %w", err)
	}

	ctx := context.Background()
	a, err := openAdapters(ctx, c)
	if err != nil {
		return err
	}
	defer a.close()

	_, entities, _, err := buildManager(ctx, a, c.tenant, logging.Noop)
	if err != nil {
		return err
	}
	pairs, err := entities.SearchEntities(ctx, criteria)
	if err != nil {
		return fmt.Errorf("search entities: %w", err)
	}
	printJSON(pairs)
	return nil
}

// --- verify -------------------------------------------------------------

func cmdVerify(args []string) error {
	fs := flag.NewFlagSet("verify", flag.ExitOnError)
	c := bindCommon(fs)
	fs.Parse(args)
	if fs.NArg() < 1 {
		return fmt.Errorf("usage: formvaultd verify [options] <event-guid>")
	}
	guid := fs.Arg(0)

	ctx := context.Background()
	a, err := openAdapters(ctx, c)
	if err != nil {
		return err
	}
	defer a.close()

	events, _, _, err := buildManager(ctx, a, c.tenant, logging.Noop)
	if err != nil {
		return err
	}

	idx := events.IndexOf(guid)
	if idx < 0 {
		return fmt.Errorf("event %s not found in the log", guid)
	}
	proof, err := events.GetProof(guid)
	if err != nil {
		return fmt.Errorf("build proof: %w", err)
	}

	all, err := a.events.GetEvents(ctx, c.tenant)
	if err != nil {
		return fmt.Errorf("load event log: %w", err)
	}
	var target model.Event
	for _, e := range all {
		if e.Guid == guid {
			target = e
			break
		}
	}

	ok, err := merkle.Verify(target, idx, proof, events.Root())
	if err != nil {
		return fmt.Errorf("verify proof: %w", err)
	}
	fmt.Printf("root:  %s\n", events.Root())
	fmt.Printf("proof: %v\n", []string(proof))
	fmt.Printf("valid: %v\n", ok)
	return nil
}

// --- sync -----------------------------------------------------------------

func cmdSync(args []string) error {
	fs := flag.NewFlagSet("sync", flag.ExitOnError)
	c := bindCommon(fs)
	invite := fs.String("invite", "", "signed invite for the sync server to push/pull against")
	pageSize := fs.Int("page-size", syncmanager.DefaultPageSize, "push/pull page size")
	mdnsFallback := fs.Bool("mdns", true, "fall back to LAN discovery if the server's last known address is unreachable")
	fs.Parse(args)

	if *invite == "" {
		return fmt.Errorf("--invite is required (see 'formvaultd pair')")
	}
	parsed, err := syncp2p.ParseInvite(*invite)
	if err != nil {
		return fmt.Errorf("parse invite: %w", err)
	}
	peerInfo, err := parsed.ToPeerAddrInfo()
	if err != nil {
		return fmt.Errorf("resolve server address: %w", err)
	}

	ctx := context.Background()
	a, err := openAdapters(ctx, c)
	if err != nil {
		return err
	}
	defer a.close()

	events, entities, mgr, err := buildManager(ctx, a, c.tenant, newStdLogger("formvaultd: "))
	if err != nil {
		return err
	}

	logger := newStdLogger("sync: ")
	cfg := syncp2p.DefaultConfig()
	cfg.EnableMDNS = *mdnsFallback
	cfg.Logger = logger
	client, err := syncp2p.NewClient(cfg, *peerInfo)
	if err != nil {
		return fmt.Errorf("create sync client: %w", err)
	}
	defer client.Close()

	if connectErr := client.Host().Connect(ctx, *peerInfo); connectErr != nil {
		if !cfg.EnableMDNS {
			return fmt.Errorf("connect to server %s: %w", peerInfo.ID, connectErr)
		}
		logger.Printf("direct connect to %s failed (%v), waiting for LAN discovery", peerInfo.ID, connectErr)
		if err := waitForPeerOnLAN(ctx, client.Host(), c.dataDir, peerInfo.ID, logger); err != nil {
			return fmt.Errorf("connect to server %s: %w", peerInfo.ID, err)
		}
	}

	syncMgr := syncmanager.New(events, entities, mgr, client, syncmanager.Config{PageSize: *pageSize, Logger: logger})
	if err := syncMgr.Sync(ctx); err != nil {
		return fmt.Errorf("sync: %w", err)
	}
	fmt.Printf("sync complete, state=%s\n", syncMgr.State())
	return nil
}

// waitForPeerOnLAN starts mDNS discovery on h and blocks until target
// is found and connected, or 15 seconds pass. The peers considered
// trustworthy for auto-reconnect are read from the same on-disk
// allowlist that 'pair' populates, so a found peer is only acted on if
// it was already paired with.
func waitForPeerOnLAN(ctx context.Context, h host.Host, dataDir string, target peer.ID, logger syncp2p.Logger) error {
	allowlist, err := syncp2p.NewAllowlist(dataDir, true)
	if err != nil {
		return fmt.Errorf("open allowlist: %w", err)
	}

	found := make(chan struct{}, 1)
	watcher := syncp2p.NewWatcher(h, allowlist, logger, func(pi peer.AddrInfo) {
		if pi.ID == target {
			select {
			case found <- struct{}{}:
			default:
			}
		}
	})
	if err := watcher.Start(); err != nil {
		return fmt.Errorf("start mdns discovery: %w", err)
	}
	defer watcher.Stop()

	waitCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	select {
	case <-found:
		return nil
	case <-waitCtx.Done():
		return fmt.Errorf("server not found on LAN within timeout")
	}
}

// --- serve / invite / pair -------------------------------------------------

// serverBackend adapts eventstore.Store + datamanager.Manager to
// sync.ServerBackend, the bridge internal/sync documents as living in
// this command rather than importing entitystore/datamanager directly.
type serverBackend struct {
	events *eventstore.Store
	mgr    *datamanager.Manager
}

func (b *serverBackend) EventsWithSyncLevel(ctx context.Context, level model.SyncLevel) ([]model.Event, error) {
	return b.events.EventsWithSyncLevel(ctx, level)
}

func (b *serverBackend) EventsSince(ctx context.Context, since string, limit int) ([]model.Event, string, error) {
	return b.events.EventsSince(ctx, since, limit)
}

func (b *serverBackend) IsEventExisted(ctx context.Context, guid string) (bool, error) {
	return b.events.IsEventExisted(ctx, guid)
}

func (b *serverBackend) ApplyIncoming(ctx context.Context, event model.Event) error {
	_, err := b.mgr.ApplyRemoteForm(ctx, event)
	return err
}

func (b *serverBackend) GetAuditTrailSince(ctx context.Context, since string) ([]model.AuditLogEntry, error) {
	return b.events.GetAuditTrailSince(ctx, since)
}

func (b *serverBackend) SaveIncomingAudit(ctx context.Context, entries []model.AuditLogEntry) error {
	return b.events.SaveAuditLog(ctx, entries)
}

// identityPath returns where a tenant's libp2p host identity is
// persisted, so repeated `serve`/`invite` runs under the same --data
// directory present the same peer id to clients.
func identityPath(dataDir string) string {
	return filepath.Join(dataDir, "host_identity.key")
}

func loadOrCreateIdentity(dataDir string) (p2pcrypto.PrivKey, error) {
	path := identityPath(dataDir)
	if data, err := os.ReadFile(path); err == nil {
		return p2pcrypto.UnmarshalPrivateKey(data)
	}
	priv, _, err := p2pcrypto.GenerateEd25519Key(nil)
	if err != nil {
		return nil, fmt.Errorf("generate identity: %w", err)
	}
	data, err := p2pcrypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("marshal identity: %w", err)
	}
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return nil, fmt.Errorf("persist identity: %w", err)
	}
	return priv, nil
}

func cmdServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	c := bindCommon(fs)
	listen := fs.String("listen", "/ip4/0.0.0.0/tcp/0", "libp2p listen multiaddr")
	strict := fs.Bool("strict-allowlist", true, "reject streams from peers not in the allowlist")
	fs.Parse(args)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	identity, err := loadOrCreateIdentity(c.dataDir)
	if err != nil {
		return err
	}
	h, err := libp2p.New(libp2p.Identity(identity), libp2p.ListenAddrStrings(*listen))
	if err != nil {
		return fmt.Errorf("create libp2p host: %w", err)
	}
	defer h.Close()

	a, err := openAdapters(ctx, c)
	if err != nil {
		return err
	}
	defer a.close()

	events, _, mgr, err := buildManager(ctx, a, c.tenant, newStdLogger("serve: "))
	if err != nil {
		return err
	}

	allowlist, err := syncp2p.NewAllowlist(c.dataDir, *strict)
	if err != nil {
		return fmt.Errorf("open allowlist: %w", err)
	}

	logger := newStdLogger("serve: ")
	syncp2p.NewServer(h, &serverBackend{events: events, mgr: mgr}, allowlist, logger)

	fmt.Printf("serving tenant %q at peer %s\n", c.tenant, h.ID())
	for _, addr := range h.Addrs() {
		fmt.Printf("  %s/p2p/%s\n", addr, h.ID())
	}
	fmt.Println("waiting for sync connections, press Ctrl-C to stop")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	fmt.Println("shutting down")
	return nil
}

func cmdInvite(args []string) error {
	fs := flag.NewFlagSet("invite", flag.ExitOnError)
	c := bindCommon(fs)
	expiry := fs.Duration("expiry", syncp2p.DefaultInviteExpiry, "invite validity duration")
	listen := fs.String("listen", "/ip4/0.0.0.0/tcp/0", "libp2p listen multiaddr to advertise")
	includeKey := fs.Bool("include-key", false, "embed this tenant's vault key so the pairing client can decrypt synced payloads")
	fs.Parse(args)

	identity, err := loadOrCreateIdentity(c.dataDir)
	if err != nil {
		return err
	}
	h, err := libp2p.New(libp2p.Identity(identity), libp2p.ListenAddrStrings(*listen))
	if err != nil {
		return fmt.Errorf("create libp2p host: %w", err)
	}
	defer h.Close()

	invite, err := syncp2p.CreateInvite(h, *expiry)
	if err != nil {
		return fmt.Errorf("create invite: %w", err)
	}

	if *includeKey {
		keyStore := crypto.NewFileKeyStore(c.dataDir)
		if !keyStore.IsInitialized() {
			return fmt.Errorf("--include-key requires an initialized vault (see 'formvaultd init --encrypt')")
		}
		fmt.Fprint(os.Stderr, "enter vault password to include the key in this invite: ")
		password, err := readPassword()
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return fmt.Errorf("read password: %w", err)
		}
		key, err := keyStore.Unlock(password)
		if err != nil {
			return fmt.Errorf("unlock vault: %w", err)
		}
		invite.Key = key[:]
	}

	qr, err := invite.ToQRString()
	if err == nil {
		fmt.Println(qr)
	}
	fmt.Printf("peer:    %s\n", invite.PeerID)
	fmt.Printf("expires: %s\n", invite.ExpiresIn().Round(time.Minute))
	code, err := invite.Encode()
	if err != nil {
		return fmt.Errorf("encode invite: %w", err)
	}
	fmt.Printf("code:    %s\n", code)
	return nil
}

func cmdPair(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: formvaultd pair [options] <invite-code>")
	}
	inviteCode := args[0]

	fs := flag.NewFlagSet("pair", flag.ExitOnError)
	c := bindCommon(fs)
	fs.Parse(args[1:])

	invite, err := syncp2p.ParseInvite(inviteCode)
	if err != nil {
		return fmt.Errorf("invalid invite: %w", err)
	}
	peerInfo, err := invite.ToPeerAddrInfo()
	if err != nil {
		return fmt.Errorf("resolve invite address: %w", err)
	}

	allowlist, err := syncp2p.NewAllowlist(c.dataDir, true)
	if err != nil {
		return fmt.Errorf("open allowlist: %w", err)
	}
	addrs := make([]string, 0, len(peerInfo.Addrs))
	for _, a := range peerInfo.Addrs {
		addrs = append(addrs, a.String())
	}
	if err := allowlist.Add(peerInfo.ID, c.tenant, addrs); err != nil {
		return fmt.Errorf("add to allowlist: %w", err)
	}

	if len(invite.Key) > 0 {
		keyStore := crypto.NewFileKeyStore(c.dataDir)
		if !keyStore.IsInitialized() {
			if len(invite.Key) != crypto.KeySize {
				return fmt.Errorf("invite carries an invalid key size")
			}
			var key crypto.Key
			copy(key[:], invite.Key)

			fmt.Fprint(os.Stderr, "invite includes a vault key, set a password to protect it: ")
			p1, err := readPassword()
			fmt.Fprintln(os.Stderr)
			if err != nil {
				return fmt.Errorf("read password: %w", err)
			}
			fmt.Fprint(os.Stderr, "confirm password: ")
			p2, err := readPassword()
			fmt.Fprintln(os.Stderr)
			if err != nil {
				return fmt.Errorf("read password: %w", err)
			}
			if string(p1) != string(p2) {
				return fmt.Errorf("passwords do not match")
			}
			if err := keyStore.InitializeWithKey(p1, key); err != nil {
				return fmt.Errorf("initialize vault with imported key: %w", err)
			}
			fmt.Println("vault initialized with imported key")
		}
	}

	fmt.Printf("paired with %s, added to allowlist at %s\n", peerInfo.ID, c.dataDir)
	return nil
}

// --- watch -----------------------------------------------------------------

func cmdWatch(args []string) error {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	c := bindCommon(fs)
	interval := fs.Duration("interval", 2*time.Second, "poll interval")
	since := fs.String("since", "", "start tailing from this ISO-8601 timestamp (default: now)")
	fs.Parse(args)

	ctx := context.Background()
	a, err := openAdapters(ctx, c)
	if err != nil {
		return err
	}
	defer a.close()

	events, _, _, err := buildManager(ctx, a, c.tenant, logging.Noop)
	if err != nil {
		return err
	}

	cursor := *since
	if cursor == "" {
		cursor = time.Now().UTC().Format(time.RFC3339)
	}
	fmt.Printf("watching tenant %q for audit entries since %s, press Ctrl-C to stop\n", c.tenant, cursor)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	for {
		select {
		case <-sigCh:
			fmt.Println("stopped")
			return nil
		case <-ticker.C:
			entries, err := events.GetAuditTrailSince(ctx, cursor)
			if err != nil {
				fmt.Fprintf(os.Stderr, "poll audit log: %v\n", err)
				continue
			}
			for _, e := range entries {
				fmt.Printf("[%s] %s entity=%s event=%s user=%s\n", e.Timestamp, e.Action, e.EntityGuid, e.EventGuid, e.UserID)
				if e.Timestamp > cursor {
					cursor = e.Timestamp
				}
			}
		}
	}
}
