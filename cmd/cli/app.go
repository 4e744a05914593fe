package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net/http"
	"os"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"

	"github.com/and161185/group-keeper/internal/config"
	clientcrypto "github.com/and161185/group-keeper/internal/crypto/clientcrypto"
	"github.com/and161185/group-keeper/internal/delivery"
	"github.com/and161185/group-keeper/internal/keystore"
	"github.com/and161185/group-keeper/internal/ledger"
	"github.com/and161185/group-keeper/internal/migrate"
	"github.com/and161185/group-keeper/internal/push"
	"github.com/and161185/group-keeper/internal/repository"
	"github.com/and161185/group-keeper/internal/repository/postgres"
	"github.com/and161185/group-keeper/internal/repository/sqlite"
	"github.com/and161185/group-keeper/internal/service"
)

// app holds everything a subcommand may need. Close releases it.
type app struct {
	cfg     config.Client
	log     *zap.Logger
	keyring *clientcrypto.Keyring
	keys    *keystore.Store
	groups  repository.GroupRepository
	relay   *delivery.RelayClient
	svc     *service.GroupServiceImpl

	closers []func()
}

type stores struct {
	keys    repository.KeyPairRepository
	groups  repository.GroupRepository
	journal repository.PendingRotationRepository
	close   func()
}

func openStores(ctx context.Context, dsn string) (stores, error) {
	if config.IsPostgres(dsn) {
		if err := migrate.Up(ctx, dsn); err != nil {
			return stores{}, fmt.Errorf("migrate: %w", err)
		}
		db, err := postgres.New(ctx, dsn)
		if err != nil {
			return stores{}, err
		}
		return stores{
			keys:    postgres.NewKeyPairRepo(db),
			groups:  postgres.NewGroupRepo(db),
			journal: postgres.NewPendingRotationRepo(db),
			close:   db.Close,
		}, nil
	}

	st, err := sqlite.Open(ctx, config.SQLitePath(dsn))
	if err != nil {
		return stores{}, err
	}
	return stores{keys: st, groups: st, journal: st, close: func() { _ = st.Close() }}, nil
}

// openApp unlocks the identity, opens local storage and dials the relay.
func openApp(ctx context.Context, cfg config.Client, log *zap.Logger) (*app, error) {
	kr, err := loadIdentity(cfg.IdentityPath(), cfg.Passphrase)
	if err != nil {
		return nil, err
	}
	if cfg.Token == "" {
		return nil, errors.New("missing relay token (-token or GK_TOKEN)")
	}

	st, err := openStores(ctx, cfg.DSN)
	if err != nil {
		return nil, err
	}
	cc, err := dial(cfg.Addr, cfg.CACert, cfg.Insecure)
	if err != nil {
		st.close()
		return nil, err
	}
	a := newApp(cfg, log, kr, st, cc)
	a.closers = append(a.closers, func() { _ = cc.Close() })
	return a, nil
}

// newApp wires the group service over already opened storage and relay connection.
func newApp(cfg config.Client, log *zap.Logger, kr *clientcrypto.Keyring, st stores, conn grpc.ClientConnInterface) *app {
	a := &app{cfg: cfg, log: log, keyring: kr, groups: st.groups, closers: []func(){st.close}}
	a.keys = keystore.New(st.keys, log)
	a.relay = delivery.NewRelayClient(conn, kr.Identity(), cfg.Token, log, delivery.WithAttempts(cfg.Retries))

	var notifier push.Notifier = push.Nop{}
	if cfg.PushURL != "" {
		notifier = push.NewClient(cfg.PushURL, &http.Client{Timeout: cfg.Timeout}, log)
	}

	a.svc = service.NewGroupService(service.Deps{
		Keys:    a.keys,
		Ledger:  ledger.New(),
		Groups:  st.groups,
		Journal: st.journal,
		Sender:  delivery.Instrumented{Next: a.relay},
		Keyring: kr,
		Push:    notifier,
		Log:     log,
	})
	return a
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// wait blocks on r for at most the configured timeout.
func (a *app) wait(ctx context.Context, r *delivery.Receipt) error {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()
	return r.Wait(ctx)
}

// ---- grpc dial ----

func loadTLS(caPath string, insecure bool) (credentials.TransportCredentials, error) {
	if insecure {
		return credentials.NewTLS(&tls.Config{InsecureSkipVerify: true}), nil
	}
	if caPath == "" {
		return credentials.NewClientTLSFromCert(nil, ""), nil
	}
	pem, err := os.ReadFile(caPath)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, errors.New("bad CA cert")
	}
	return credentials.NewTLS(&tls.Config{RootCAs: pool}), nil
}

// dial creates a lazy client connection; the bearer token is attached per call
// by the relay client.
func dial(addr, caPath string, insecure bool) (*grpc.ClientConn, error) {
	creds, err := loadTLS(caPath, insecure)
	if err != nil {
		return nil, err
	}
	return grpc.NewClient(addr, grpc.WithTransportCredentials(creds))
}
