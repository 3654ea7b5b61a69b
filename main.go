package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	goldap "github.com/go-ldap/ldap/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"pagedldap/config"
	"pagedldap/directory"
	"pagedldap/errors"
	"pagedldap/ldap"
	"pagedldap/limits"
	"pagedldap/logging"
	"pagedldap/models"
	"pagedldap/paging"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "pagedldap: %v\n", err)
		os.Exit(1)
	}
}

/*
app carries what the persistent pre-run prepares for every subcommand: the parsed seed file, the logger
and the in-memory server built from it.
*/
type app struct {
	configPath string
	logLevel   string
	logFile    string

	cfg     *models.Config
	log     *zap.Logger
	cleanup func() error
	srv     *ldap.Server
}

func newRootCmd() *cobra.Command {
	a := &app{}
	cmd := &cobra.Command{
		Use:           "pagedldap",
		Short:         "Run paged LDAP searches against an in-memory directory",
		Version:       version + " (" + commit + ")",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup()
		},
		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			if a.cleanup != nil {
				return a.cleanup()
			}
			return nil
		},
	}
	cmd.PersistentFlags().StringVarP(&a.configPath, "config", "c", "pagedldap.yaml", "seed file with base DN, users, groups and limits (yaml, json or toml)")
	cmd.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "log level: debug, info, warn or error (overrides the config file)")
	cmd.PersistentFlags().StringVar(&a.logFile, "log-file", "", "write logs to this file with rotation instead of stderr")

	cmd.AddCommand(newSearchCmd(a), newLimitsCmd(a))
	return cmd
}

// setup loads the seed file, builds the logger and starts the in-memory server.
func (a *app) setup() error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	lc := logging.Config{
		Level:      cfg.Logging.Level,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
		Compress:   cfg.Logging.Compress,
	}
	if a.logLevel != "" {
		lc.Level = a.logLevel
	}
	if a.logFile != "" {
		lc.File = a.logFile
	}
	log, cleanup, err := logging.New(lc)
	if err != nil {
		return err
	}
	dir, err := config.BuildDirectory(cfg)
	if err != nil {
		_ = cleanup()
		return err
	}
	lim, err := config.BuildLimits(cfg)
	if err != nil {
		_ = cleanup()
		return err
	}
	store := &directory.DirStore{}
	store.Set(dir)

	a.cfg, a.log, a.cleanup = cfg, log, cleanup
	a.srv = ldap.NewServer(store, lim,
		ldap.WithLogger(log),
		ldap.WithLatency(cfg.Server.Latency),
		ldap.WithMaxPagedPerConn(cfg.Server.MaxPagedPerConn),
		ldap.WithRootDN(cfg.RootDN, cfg.RootPW),
	)
	log.Debug("directory loaded", zap.String("base", dir.BaseDN), zap.Int("entries", dir.Len()))
	return nil
}

type searchOpts struct {
	bindDN   string
	password string
	base     string
	scope    string
	filter   string
	attrs    []string
	pageSize int
	sort     []string
	timeout  time.Duration
}

func newSearchCmd(a *app) *cobra.Command {
	o := &searchOpts{}
	cmd := &cobra.Command{
		Use:   "search",
		Short: "Bind, run one paged search to completion and print the DNs found",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !cmd.Flags().Changed("page-size") {
				o.pageSize = a.cfg.Server.DefaultPageSize
			}
			if !cmd.Flags().Changed("timeout") {
				o.timeout = a.cfg.Server.RequestTimeout
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.search(ctx, cmd.OutOrStdout(), o)
		},
	}
	f := cmd.Flags()
	f.StringVarP(&o.bindDN, "bind-dn", "D", "", "DN to bind as (empty binds anonymously)")
	f.StringVarP(&o.password, "password", "w", "", "bind password")
	f.StringVarP(&o.base, "base", "b", "", "search base (defaults to the configured base DN)")
	f.StringVarP(&o.scope, "scope", "s", "sub", "search scope: base, one or sub")
	f.StringVarP(&o.filter, "filter", "f", "(objectClass=*)", "search filter")
	f.StringSliceVarP(&o.attrs, "attrs", "a", nil, "attributes to return, comma separated")
	f.IntVarP(&o.pageSize, "page-size", "p", 0, "entries per page, 0 returns everything in one page")
	f.StringSliceVar(&o.sort, "sort", nil, "server side sort keys: attr, -attr for reverse, attr:orderingRule")
	f.DurationVar(&o.timeout, "timeout", paging.DefaultTimeout, "wait bound for each page")
	return cmd
}

func (a *app) search(ctx context.Context, out io.Writer, o *searchOpts) error {
	scope, err := ldap.ParseScope(o.scope)
	if err != nil {
		return err
	}
	keys, err := parseSortKeys(o.sort)
	if err != nil {
		return err
	}
	base := o.base
	if base == "" {
		base = a.cfg.BaseDN
	}
	conn, err := a.srv.Bind(o.bindDN, o.password)
	if err != nil {
		return err
	}
	defer conn.Close()

	req := ldap.SearchRequest{BaseDN: base, Scope: scope, Filter: o.filter, Attributes: o.attrs}
	opts := []paging.Option{paging.WithLogger(a.log), paging.WithTimeout(o.timeout)}
	if len(keys) > 0 {
		opts = append(opts, paging.WithSort(keys...))
	}
	s, err := paging.Open(conn, req, o.pageSize, conn.Limits(limits.Paged), opts...)
	if err != nil {
		return err
	}
	agg := paging.NewAggregator(s)
	if err := paging.Drain(ctx, s, agg); err != nil {
		if rerr := s.Release(context.Background()); rerr != nil {
			a.log.Debug("release paged state", zap.Error(rerr))
		}
		return errors.Wrap(err, errors.Unknown, "search stopped after %d pages and %d entries", s.Pages(), s.Returned())
	}
	seq, err := agg.Finalize()
	if err != nil {
		return err
	}
	for e := range seq {
		fmt.Fprintf(out, "dn: %s\n", e.DN)
		for _, attr := range o.attrs {
			for _, v := range e.Attributes[strings.ToLower(attr)] {
				fmt.Fprintf(out, "%s: %s\n", attr, v)
			}
		}
	}
	fmt.Fprintf(out, "# pages: %d\n# entries: %d\n", s.Pages(), s.Returned())
	return nil
}

/*
parseSortKeys turns "sn", "-sn" and "sn:caseExactOrderingMatch" into sort keys. A leading "-" reverses
the order.
*/
func parseSortKeys(args []string) ([]*goldap.SortKey, error) {
	keys := make([]*goldap.SortKey, 0, len(args))
	for _, arg := range args {
		arg = strings.TrimSpace(arg)
		k := &goldap.SortKey{}
		if strings.HasPrefix(arg, "-") {
			k.Reverse = true
			arg = arg[1:]
		}
		k.AttributeType, k.MatchingRule, _ = strings.Cut(arg, ":")
		if k.AttributeType == "" {
			return nil, errors.New(errors.InvalidArgument, "empty sort key in %q", args)
		}
		keys = append(keys, k)
	}
	return keys, nil
}

func newLimitsCmd(a *app) *cobra.Command {
	var identity string
	cmd := &cobra.Command{
		Use:   "limits",
		Short: "Print the limits the server applies to an identity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			name := identity
			if name == "" {
				name = "anonymous"
			}
			fmt.Fprintf(out, "identity: %s\n", name)
			fmt.Fprintf(out, "paged: %s\n", a.srv.LimitsFor(identity, limits.Paged))
			fmt.Fprintf(out, "plain: %s\n", a.srv.LimitsFor(identity, limits.Plain))
			return nil
		},
	}
	cmd.Flags().StringVarP(&identity, "identity", "i", "", "DN whose limits to resolve (empty is anonymous)")
	return cmd
}
