// Command triumvir-gateway runs one governance cluster: the HTTP API, the
// triple-store write path, the cross-verification sweeper and the quorum
// coordinator.
package main

import (
	"context"
	"crypto/ed25519"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/dndnordic/triumvir/internal/api"
	"github.com/dndnordic/triumvir/internal/auth"
	"github.com/dndnordic/triumvir/internal/config"
	"github.com/dndnordic/triumvir/internal/crypto"
	"github.com/dndnordic/triumvir/internal/ledger"
	"github.com/dndnordic/triumvir/internal/ledger/pgstore"
	"github.com/dndnordic/triumvir/internal/ledger/sqlstore"
	"github.com/dndnordic/triumvir/internal/ledger/streamstore"
	"github.com/dndnordic/triumvir/internal/ledger/vaultstore"
	"github.com/dndnordic/triumvir/internal/notify"
	"github.com/dndnordic/triumvir/internal/policy"
	"github.com/dndnordic/triumvir/internal/quorum"
	"github.com/dndnordic/triumvir/internal/verifier"
)

var (
	runFn  = run
	fatalf = log.Fatalf
)

func main() {
	if err := runFn(os.Args[1:], os.Getenv, listenAndServe, newApp); err != nil {
		fatalf("triumvir-gateway: %v", err)
	}
}

type (
	envFn      func(string) string
	listenFn   func(*http.Server) error
	appFactory func(cfg config.Config, logger *zap.Logger) (*app, error)
)

func listenAndServe(srv *http.Server) error {
	return srv.ListenAndServe()
}

func run(args []string, getenv envFn, listen listenFn, factory appFactory) error {
	fs := flag.NewFlagSet("triumvir-gateway", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to the gateway config file")
	verbose := fs.Bool("verbose", false, "log at debug level")
	if err := fs.Parse(args); err != nil {
		return err
	}

	path := firstNonEmpty(*configPath, getenv("TRIUMVIR_CONFIG_PATH"))
	if path == "" {
		return fmt.Errorf("no config: pass -config or set TRIUMVIR_CONFIG_PATH")
	}

	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("load config %s: %w", path, err)
	}
	if addr := getenv("TRIUMVIR_LISTEN_ADDR"); addr != "" {
		cfg.ListenAddr = addr
	}

	zcfg := zap.NewProductionConfig()
	if *verbose {
		zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	logger, err := zcfg.Build()
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	a, err := factory(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if a.start != nil {
		a.start(ctx)
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = a.server.Shutdown(shutdownCtx)
	}()

	logger.Info("gateway listening",
		zap.String("addr", cfg.ListenAddr),
		zap.String("cluster", cfg.ClusterID))
	if err := listen(a.server); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// app bundles the HTTP server with its background loops and the resources
// that need closing on the way down.
type app struct {
	server  *http.Server
	logger  *zap.Logger
	start   func(ctx context.Context)
	closers []func() error
}

func (a *app) onClose(fn func() error) {
	a.closers = append(a.closers, fn)
}

// Close releases resources in reverse acquisition order.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("close failed", zap.Error(err))
		}
	}
}

// relationalStore is what the gateway needs from the system-of-record: the
// ledger store API, the decision-copy backend role and the raw handle for
// migrations.
type relationalStore interface {
	ledger.Store
	ledger.Backend
	DB() *sql.DB
}

func newApp(cfg config.Config, logger *zap.Logger) (*app, error) {
	a := &app{logger: logger}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	store, err := openRelational(cfg)
	if err != nil {
		return nil, fmt.Errorf("open relational backend: %w", err)
	}
	a.onClose(store.Close)
	if err := ledger.Migrate(store.DB(), ledger.DBDriver(cfg.RelationalDriver())); err != nil {
		return nil, fmt.Errorf("migrate relational schema: %w", err)
	}

	vault, err := vaultstore.OpenVault(cfg.Backends.Vault.DSN)
	if err != nil {
		return nil, fmt.Errorf("open vault backend: %w", err)
	}
	a.onClose(vault.Close)

	stream, err := streamstore.OpenStream(cfg.Backends.Stream.DSN)
	if err != nil {
		return nil, fmt.Errorf("open stream backend: %w", err)
	}
	a.onClose(stream.Close)

	triple := ledger.NewTripleStore([]ledger.Backend{vault, stream, store}, 0, logger)

	signer, err := ledger.LoadSigner(cfg.SigningKey.KeyID, cfg.SigningKey.PrivateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("load signing key: %w", err)
	}

	loaded, err := policy.LoadTable(cfg.PolicyPath)
	if err != nil {
		return nil, fmt.Errorf("load policy table: %w", err)
	}
	logger.Info("policy table loaded",
		zap.String("path", cfg.PolicyPath),
		zap.String("hash", loaded.Hash))

	gate, err := buildGate(cfg)
	if err != nil {
		return nil, err
	}

	lockdown := quorum.NewLockdown(store, logger)

	peers, peerKeys, err := parsePeers(cfg.Quorum.Peers)
	if err != nil {
		return nil, err
	}

	var coordinator *quorum.Coordinator
	var voter *quorum.Voter
	if len(peers) > 0 {
		coordinator, err = quorum.New(quorum.Params{
			ClusterID: cfg.ClusterID,
			Signer:    signer,
			Peers:     peers,
			Caller:    quorum.NewHTTPCaller(cfg.Quorum.VoteTimeout()),
			Store:     store,
			Lockdown:  lockdown,
			Timeout:   cfg.Quorum.VoteTimeout(),
			Logger:    logger,
		})
		if err != nil {
			return nil, fmt.Errorf("build quorum coordinator: %w", err)
		}
		voter, err = quorum.NewVoter(quorum.VoterParams{
			ClusterID: cfg.ClusterID,
			Signer:    signer,
			Table:     &loaded.Table,
			PeerKeys:  peerKeys,
			Lockdown:  lockdown,
			MaxSkew:   cfg.Quorum.MaxSkew(),
			Logger:    logger,
		})
		if err != nil {
			return nil, fmt.Errorf("build quorum voter: %w", err)
		}
	} else {
		logger.Warn("no quorum peers configured, running as a single cluster")
	}

	svc, err := verifier.New(verifier.Params{
		Triple: triple,
		Store:  store,
		Window: cfg.Verify.Window,
		Logger: logger,
	})
	if err != nil {
		return nil, fmt.Errorf("build verifier: %w", err)
	}

	params := ledger.Params{
		Store:           store,
		Triple:          triple,
		Signer:          signer,
		Gate:            gate,
		Table:           &loaded.Table,
		Lockdown:        lockdown,
		Scheduler:       svc,
		Audit:           stream,
		ClusterID:       cfg.ClusterID,
		ApprovalTimeout: cfg.ApprovalTimeout(),
		Logger:          logger,
	}
	if coordinator != nil {
		params.Quorum = coordinator
	}
	led, err := ledger.New(params)
	if err != nil {
		return nil, fmt.Errorf("build ledger: %w", err)
	}

	authn := &auth.MultiAuthenticator{
		DevToken: firstNonEmpty(cfg.Auth.DevToken, os.Getenv("TRIUMVIR_DEV_TOKEN")),
		Tokens:   cfg.Auth.Tokens,
	}

	h := &api.Handler{
		Auth:     authn,
		Ledger:   led,
		Verifier: svc,
		Voter:    voter,
		Lockdown: lockdown,
		Triple:   triple,
		Table:    &loaded.Table,
		Idem:     api.NewInMemoryIdemStore(),
	}

	a.server = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.NewRouter(h),
		ReadHeaderTimeout: 5 * time.Second,
	}

	a.start = func(ctx context.Context) {
		go svc.Run(ctx, cfg.Verify.Interval())
		if coordinator != nil {
			go coordinator.RunProbe(ctx, cfg.Quorum.ProbeInterval())
		}
		if cfg.Notify.Enabled {
			poster := notify.NewWebhookPoster(cfg.Notify.WebhookURL, 0)
			go notify.RunWorker(ctx, store, poster, cfg.Notify.PollInterval())
		}
	}

	ok = true
	return a, nil
}

func openRelational(cfg config.Config) (relationalStore, error) {
	if cfg.RelationalDriver() == "postgres" {
		return pgstore.OpenPostgres(cfg.Backends.Relational.DSN)
	}
	return sqlstore.OpenSQLite(cfg.Backends.Relational.DSN)
}

func buildGate(cfg config.Config) (ledger.Gate, error) {
	if !cfg.Auth.HOTP.Enabled {
		return &auth.StaticVerifier{Proofs: cfg.Auth.StaticProofs}, nil
	}

	secrets := make(map[string][]auth.TokenSecret, len(cfg.Auth.HOTP.Secrets))
	for actor, tokens := range cfg.Auth.HOTP.Secrets {
		for _, tc := range tokens {
			key, err := crypto.ParseKeyBytes(tc.Key)
			if err != nil {
				return nil, fmt.Errorf("hotp secret %s/%s: %w", actor, tc.ID, err)
			}
			secrets[actor] = append(secrets[actor], auth.TokenSecret{ID: tc.ID, Key: key})
		}
	}
	counters, err := auth.OpenFileCounterStore(cfg.Auth.HOTP.CounterPath)
	if err != nil {
		return nil, fmt.Errorf("open hotp counter store: %w", err)
	}
	return auth.NewHOTPVerifier(secrets, counters, cfg.Auth.HOTP.Window), nil
}

func parsePeers(configs []config.PeerConfig) ([]quorum.Peer, map[string]ed25519.PublicKey, error) {
	peers := make([]quorum.Peer, 0, len(configs))
	keys := make(map[string]ed25519.PublicKey, len(configs))
	for _, pc := range configs {
		key, err := crypto.ParseEd25519PublicKey(pc.PublicKey)
		if err != nil {
			return nil, nil, fmt.Errorf("peer %s public key: %w", pc.ID, err)
		}
		peers = append(peers, quorum.Peer{ID: pc.ID, URL: pc.URL, PublicKey: key})
		keys[pc.ID] = key
	}
	return peers, keys, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
