// Command gk is the group-keeper client: it manages closed groups and their
// encryption keys on this device and exchanges control messages over the relay.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/and161185/group-keeper/internal/config"
	clientcrypto "github.com/and161185/group-keeper/internal/crypto/clientcrypto"
	"github.com/and161185/group-keeper/internal/delivery"
	"github.com/and161185/group-keeper/internal/model"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

func usage() {
	fmt.Fprintf(os.Stderr, `gk CLI
Usage:
  gk [-addr HOST:PORT] [-cacert file | -insecure] [-home dir] [-dsn dsn] [-token tok] <cmd> [args]

Commands:
  version
  init                                             (new identity, locked with GK_PASSPHRASE)
  whoami
  create      -name <name> -members <id,id,...>
  rename      -group <key> -name <name>
  add         -group <key> -members <id,...>
  remove      -group <key> -members <id,...>
  leave       -group <key>
  rotate      -group <key> [-targets <id,...>]      (default: all members)
  update      -group <key> [-name <name>] -members <id,...>
  request-key -group <key>
  serve-key   -group <key> -requester <id>
  poll
  list
  show        -group <key>
  keys        -group <key>
  resume                                           (re-send interrupted rotations)
`)
	os.Exit(2)
}

// main dispatches subcommands.
func main() {
	if err := config.LoadDotEnv(); err != nil {
		fail(err)
	}
	cfg, rest, err := config.LoadClient(os.Args[1:])
	if errors.Is(err, flag.ErrHelp) {
		usage()
	}
	if err != nil {
		fail(err)
	}
	if len(rest) < 1 {
		usage()
	}

	log, err := newLogger(cfg.Dev)
	if err != nil {
		fail(err)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log, os.Stdout, rest[0], rest[1:]); err != nil {
		if errors.Is(err, errUsage) {
			usage()
		}
		fail(err)
	}
}

var errUsage = errors.New("usage")

var groupCommands = map[string]bool{
	"rename": true, "add": true, "remove": true, "leave": true, "rotate": true,
	"update": true, "request-key": true, "serve-key": true, "show": true, "keys": true,
}

// run executes one subcommand. Commands that do not need the relay or local
// storage are handled before the app is opened.
func run(ctx context.Context, cfg config.Client, log *zap.Logger, out io.Writer, cmd string, args []string) error {
	switch cmd {
	case "version":
		fmt.Fprintf(out, "gk %s (%s)\n", version, buildDate)
		return nil
	case "init":
		kr, err := clientcrypto.GenerateKeyring()
		if err != nil {
			return err
		}
		if err := saveIdentity(cfg.IdentityPath(), kr, cfg.Passphrase); err != nil {
			return err
		}
		fmt.Fprintln(out, kr.Identity())
		return nil
	case "whoami":
		kr, err := loadIdentity(cfg.IdentityPath(), cfg.Passphrase)
		if err != nil {
			return err
		}
		who := map[string]any{"identity": kr.Identity()}
		if cfg.Token != "" {
			sub, exp, err := tokenSubject(cfg.Token)
			if err != nil {
				return fmt.Errorf("token: %w", err)
			}
			who["token_subject"] = sub
			who["token_matches"] = sub == string(kr.Identity())
			if !exp.IsZero() {
				who["token_expires"] = exp.UTC().Format(time.RFC3339)
			}
		}
		printJSON(out, who)
		return nil
	}

	a, err := openApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()
	return a.exec(ctx, out, cmd, args)
}

func (a *app) exec(ctx context.Context, out io.Writer, cmd string, args []string) error {
	fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
	group := fs.String("group", "", "group public key")
	name := fs.String("name", "", "group name")
	members := fs.String("members", "", "comma-separated identities")
	targets := fs.String("targets", "", "comma-separated identities")
	requester := fs.String("requester", "", "requesting identity")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}

	needGroup := func() (model.GroupPublicKey, error) {
		if *group == "" {
			return "", fmt.Errorf("%s: need -group", cmd)
		}
		return model.ParseGroupPublicKey(*group)
	}

	var (
		g   model.GroupPublicKey
		r   *delivery.Receipt
		err error
	)
	switch cmd {
	case "create":
		if *name == "" || *members == "" {
			return fmt.Errorf("create: need -name and -members")
		}
		g, r, err = a.svc.Create(ctx, *name, splitIdentities(*members))
		if err != nil {
			return err
		}
		if err := a.wait(ctx, r); err != nil {
			return fmt.Errorf("group %s created, delivery: %w", g, err)
		}
		fmt.Fprintln(out, g)
		return nil

	case "list":
		groups, err := a.svc.Groups(ctx)
		if err != nil {
			return err
		}
		rows := make([]groupView, 0, len(groups))
		for _, gr := range groups {
			rows = append(rows, viewGroup(gr))
		}
		printJSON(out, rows)
		return nil

	case "poll":
		rows, err := a.poll(ctx)
		printJSON(out, rows)
		return err

	case "resume":
		r, err = a.svc.ResumePendingRotations(ctx)
		if err != nil {
			return err
		}
		return a.done(ctx, out, r)
	}

	if !groupCommands[cmd] {
		return errUsage
	}
	if g, err = needGroup(); err != nil {
		return err
	}
	switch cmd {
	case "rename":
		if *name == "" {
			return errors.New("rename: need -name")
		}
		r, err = a.svc.Rename(ctx, g, *name)
	case "add":
		r, err = a.svc.AddMembers(ctx, g, splitIdentities(*members))
	case "remove":
		r, err = a.svc.RemoveMembers(ctx, g, splitIdentities(*members))
	case "leave":
		r, err = a.svc.Leave(ctx, g)
	case "rotate":
		to := splitIdentities(*targets)
		if len(to) == 0 {
			gr, gerr := a.svc.Group(ctx, g)
			if gerr != nil {
				return gerr
			}
			to = gr.Members.Sorted()
		}
		r, err = a.svc.RotateAndDistribute(ctx, g, to)
	case "update":
		r, err = a.svc.Update(ctx, g, *name, splitIdentities(*members))
	case "request-key":
		r, err = a.svc.RequestKeyPair(ctx, g)
	case "serve-key":
		var id model.Identity
		if id, err = model.ParseIdentity(*requester); err != nil {
			return fmt.Errorf("serve-key: -requester: %w", err)
		}
		r, err = a.svc.ServeKeyRequest(ctx, g, id)

	case "show":
		gr, err := a.svc.Group(ctx, g)
		if err != nil {
			return err
		}
		notes, err := a.svc.Notes(ctx, g)
		if err != nil {
			return err
		}
		v := viewGroup(gr)
		for _, n := range notes {
			v.Notes = append(v.Notes, noteView{At: n.CreatedAt.UTC().Format(time.RFC3339), Body: n.Body})
		}
		printJSON(out, v)
		return nil
	case "keys":
		recs, err := a.svc.KeyPairs(ctx, g)
		if err != nil {
			return err
		}
		rows := make([]keyView, 0, len(recs))
		for _, rec := range recs {
			rows = append(rows, keyView{Timestamp: rec.TimestampKey(), PublicKey: fmt.Sprintf("%x", rec.KeyPair.PublicKey)})
		}
		printJSON(out, rows)
		return nil
	default:
		return errUsage
	}
	if err != nil {
		return err
	}
	return a.done(ctx, out, r)
}

func (a *app) done(ctx context.Context, out io.Writer, r *delivery.Receipt) error {
	if err := a.wait(ctx, r); err != nil {
		return err
	}
	fmt.Fprintln(out, "ok")
	return nil
}

// ---- views ----

type groupView struct {
	PublicKey string     `json:"public_key"`
	Name      string     `json:"name"`
	Members   []string   `json:"members"`
	Admins    []string   `json:"admins"`
	UpdatedAt string     `json:"updated_at"`
	Notes     []noteView `json:"notes,omitempty"`
}

type noteView struct {
	At   string `json:"at"`
	Body string `json:"body"`
}

type keyView struct {
	Timestamp string `json:"timestamp"`
	PublicKey string `json:"public_key"`
}

func viewGroup(g model.Group) groupView {
	return groupView{
		PublicKey: string(g.PublicKey),
		Name:      g.Name,
		Members:   g.Members.Strings(),
		Admins:    g.Admins.Strings(),
		UpdatedAt: g.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

// ---- utils ----

// splitIdentities splits a comma list. Validation is left to the service.
func splitIdentities(s string) []model.Identity {
	var ids []model.Identity
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			ids = append(ids, model.Identity(p))
		}
	}
	return ids
}

func printJSON(w io.Writer, v any) {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func newLogger(dev bool) (*zap.Logger, error) {
	if dev {
		return zap.NewDevelopment()
	}
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
	return zc.Build()
}

func fail(err error) {
	if s, ok := status.FromError(err); ok && s.Code() != codes.OK {
		fmt.Fprintf(os.Stderr, "rpc error: code=%s msg=%s\n", s.Code(), s.Message())
		os.Exit(1)
	}
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
