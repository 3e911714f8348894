// Command xlink links voters, organizations and candidates to Twitter/X accounts.
//
// Usage:
//
//	xlink serve -config xlink.yaml
//	xlink match -kind organization       # propose candidates for one batch
//	xlink refresh -kind voter            # refresh linked profiles for one batch
//	xlink repair -kind voter -ids 42,43  # clear duplicate cached ids
//	xlink lookup @janedoe
//	xlink ratelimits
//	xlink token -sub ops -ttl 8h         # mint an admin bearer token
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/codeGROOVE-dev/xlink/pkg/identity"
	"github.com/codeGROOVE-dev/xlink/pkg/server"
	"github.com/codeGROOVE-dev/xlink/pkg/twitter"
	"github.com/gin-gonic/gin"
)

type command struct {
	run   func(ctx context.Context, args []string) error
	usage string
}

var commands = map[string]command{
	"serve":      {serve, "run the HTTP API"},
	"match":      {match, "propose account candidates for unmatched entities (-kind)"},
	"refresh":    {refresh, "refresh cached profiles of matched entities (-kind)"},
	"repair":     {repairIDs, "repair link conflicts for external ids (-kind -ids)"},
	"lookup":     {lookup, "look up a handle on the external network"},
	"ratelimits": {rateLimits, "show the external API quota"},
	"token":      {token, "issue an admin bearer token (-sub -ttl)"},
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	cmd, ok := commands[os.Args[1]]
	if !ok {
		fmt.Fprintf(os.Stderr, "Unknown command %q\n\n", os.Args[1])
		usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := cmd.run(ctx, os.Args[2:])
	stop()
	if errors.Is(err, flag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "Usage: xlink <command> [options]")
	fmt.Fprintln(os.Stderr, "\nCommands:")
	for _, name := range []string{"serve", "match", "refresh", "repair", "lookup", "ratelimits", "token"} {
		fmt.Fprintf(os.Stderr, "  %-11s %s\n", name, commands[name].usage)
	}
	fmt.Fprintln(os.Stderr, "\nEvery command accepts -config <file> and -debug.")
}

// common are the flags every command takes.
type common struct {
	configPath string
	debug      bool
}

func newFlags(name string) (*flag.FlagSet, *common) {
	fs := flag.NewFlagSet("xlink "+name, flag.ContinueOnError)
	c := &common{}
	fs.StringVar(&c.configPath, "config", "", "YAML config file; .env and XLINK_* variables override it")
	fs.BoolVar(&c.debug, "debug", false, "enable debug logging")
	return fs, c
}

func kindFlag(fs *flag.FlagSet) *string {
	return fs.String("kind", string(identity.Organization), "entity kind: voter, organization or candidate")
}

func newLogger(debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func parseKind(s string) (identity.Kind, error) {
	k := identity.Kind(s)
	if !k.Valid() {
		return "", fmt.Errorf("unknown kind %q", s)
	}
	return k, nil
}

func serve(ctx context.Context, args []string) error {
	fs, c := newFlags("serve")
	if err := fs.Parse(args); err != nil {
		return err
	}
	a, err := setup(ctx, c, true)
	if err != nil {
		return err
	}
	defer a.close()
	if err := a.cfg.ValidateServer(); err != nil {
		return err
	}
	if !c.debug {
		gin.SetMode(gin.ReleaseMode)
	}

	srv, err := server.New(a.signin, a.reconcile, a.repair, []byte(a.cfg.Server.JWTSecret),
		server.WithLogger(a.logger), server.WithCORSOrigins(a.cfg.Server.CORSOrigins...))
	if err != nil {
		return err
	}
	return srv.Run(ctx, a.cfg.Server.Addr)
}

func match(ctx context.Context, args []string) error {
	fs, c := newFlags("match")
	kind := kindFlag(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	k, err := parseKind(*kind)
	if err != nil {
		return err
	}
	a, err := setup(ctx, c, false)
	if err != nil {
		return err
	}
	defer a.close()

	b := a.reconcile.Match(ctx, k)
	if err := outputJSON(b); err != nil {
		return err
	}
	return b.Err
}

func refresh(ctx context.Context, args []string) error {
	fs, c := newFlags("refresh")
	kind := kindFlag(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	k, err := parseKind(*kind)
	if err != nil {
		return err
	}
	a, err := setup(ctx, c, false)
	if err != nil {
		return err
	}
	defer a.close()

	b := a.reconcile.Refresh(ctx, k)
	if err := outputJSON(b); err != nil {
		return err
	}
	return b.Err
}

func repairIDs(ctx context.Context, args []string) error {
	fs, c := newFlags("repair")
	kind := kindFlag(fs)
	rawIDs := fs.String("ids", "", "comma-separated external account ids")
	if err := fs.Parse(args); err != nil {
		return err
	}
	k, err := parseKind(*kind)
	if err != nil {
		return err
	}
	ids, err := parseIDs(*rawIDs)
	if err != nil {
		return err
	}
	a, err := setup(ctx, c, false)
	if err != nil {
		return err
	}
	defer a.close()

	reports, sweepErr := a.repair.Sweep(ctx, k, ids)
	if err := outputJSON(reports); err != nil {
		return err
	}
	return sweepErr
}

func parseIDs(s string) ([]int64, error) {
	var ids []int64
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("bad id %q", part)
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil, errors.New("-ids is required")
	}
	return ids, nil
}

func lookup(ctx context.Context, args []string) error {
	fs, c := newFlags("lookup")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("usage: xlink lookup [options] <handle or profile URL>")
	}
	a, err := setup(ctx, c, false)
	if err != nil {
		return err
	}
	defer a.close()

	p, err := a.twitter.LookupHandle(ctx, twitter.NormalizeHandle(fs.Arg(0)))
	if err != nil {
		return err
	}
	return outputJSON(p)
}

func rateLimits(ctx context.Context, args []string) error {
	fs, c := newFlags("ratelimits")
	if err := fs.Parse(args); err != nil {
		return err
	}
	a, err := setup(ctx, c, false)
	if err != nil {
		return err
	}
	defer a.close()

	limits, err := a.twitter.RateLimits(ctx)
	if err != nil {
		return err
	}
	return outputJSON(limits)
}

func token(_ context.Context, args []string) error {
	fs, c := newFlags("token")
	sub := fs.String("sub", "", "operator name recorded in admin logs")
	ttl := fs.Duration("ttl", 8*time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	tok, err := server.IssueToken([]byte(cfg.Server.JWTSecret), *sub, *ttl, time.Now())
	if err != nil {
		return err
	}
	fmt.Println(tok)
	return nil
}

func outputJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
