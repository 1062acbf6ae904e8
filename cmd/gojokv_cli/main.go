// Package main is the gojokv command-line tool: one-shot commands against a
// database file plus an interactive shell.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/alecthomas/kong"
	"github.com/chzyer/readline"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/sushant-115/gojokv"
	"github.com/sushant-115/gojokv/config"
	"github.com/sushant-115/gojokv/pkg/logger"
	"github.com/sushant-115/gojokv/pkg/telemetry"
)

// CLI defines the command-line interface using Kong
var CLI struct {
	DB          string `name:"db" short:"d" help:"Database file (overrides database.path from the config file)" type:"path"`
	Config      string `name:"config" short:"c" help:"YAML config file" type:"path"`
	MetricsPort int    `name:"metrics-port" help:"Serve Prometheus metrics on this port"`
	LogLevel    string `name:"log-level" help:"Log level (debug, info, warn, error)"`
	ReadOnly    bool   `name:"read-only" help:"Open the database read-only"`

	Get    GetCmd    `cmd:"" help:"Print the value of a key"`
	Put    PutCmd    `cmd:"" help:"Store a value under a key"`
	Delete DeleteCmd `cmd:"" help:"Remove a key"`
	Scan   ScanCmd   `cmd:"" help:"List keys in order"`
	Stats  StatsCmd  `cmd:"" help:"Show database statistics"`
	Check  CheckCmd  `cmd:"" help:"Verify the integrity of the database file"`
	Backup BackupCmd `cmd:"" help:"Write a consistent copy of the database to a file"`
	Shell  ShellCmd  `cmd:"" help:"Start an interactive shell"`
}

// session is what every command runs against.
type session struct {
	ctx    context.Context
	db     *gojokv.DB
	logger *zap.Logger
	out    io.Writer
}

func main() {
	home, _ := os.UserHomeDir()
	kctx := kong.Parse(&CLI,
		kong.Name("gojokv"),
		kong.Description("Embedded transactional key-value store"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
		}),
		kong.Vars{"home": home},
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	s, closeFn, err := openSession(ctx)
	kctx.FatalIfErrorf(err)

	err = kctx.Run(s)
	err = multierr.Append(err, closeFn())
	kctx.FatalIfErrorf(err)
}

func openSession(ctx context.Context) (*session, func() error, error) {
	cfg, err := config.Load(CLI.Config)
	if err != nil {
		return nil, nil, err
	}
	if CLI.DB != "" {
		cfg.Database.Path = CLI.DB
	}
	if CLI.ReadOnly {
		cfg.Database.ReadOnly = true
	}
	if CLI.LogLevel != "" {
		cfg.Logger.Level = CLI.LogLevel
	}
	if CLI.MetricsPort > 0 {
		cfg.Telemetry.Enabled = true
		cfg.Telemetry.PrometheusPort = CLI.MetricsPort
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	log, closeLog, err := logger.New(cfg.Logger)
	if err != nil {
		return nil, nil, err
	}

	// Telemetry goes first so that the engine's instruments bind to the
	// installed providers.
	_, shutdown, err := telemetry.New(cfg.Telemetry)
	if err != nil {
		return nil, nil, multierr.Append(err, closeLog())
	}

	opts := cfg.Options()
	opts.Logger = log
	db, err := gojokv.Open(cfg.Database.Path, opts)
	if err != nil {
		return nil, nil, multierr.Combine(err, shutdown(context.Background()), closeLog())
	}

	s := &session{ctx: ctx, db: db, logger: log, out: os.Stdout}
	closeFn := func() error {
		return multierr.Combine(db.Close(), shutdown(context.Background()), closeLog())
	}
	return s, closeFn, nil
}

// printable renders b as text when it is valid UTF-8 without control
// characters, and as a quoted Go string otherwise.
func printable(b []byte) string {
	if utf8.Valid(b) && strings.IndexFunc(string(b), func(r rune) bool { return r < 0x20 || r == 0x7f }) < 0 {
		return string(b)
	}
	return strconv.Quote(string(b))
}

// GetCmd prints the value of a key
type GetCmd struct {
	Key string `arg:"" help:"Key to look up"`
}

func (c *GetCmd) Run(s *session) error {
	v, err := s.db.Get([]byte(c.Key))
	if err != nil {
		return err
	}
	if v == nil {
		fmt.Fprintln(s.out, "(not found)")
		return nil
	}
	fmt.Fprintln(s.out, printable(v))
	return nil
}

// PutCmd stores a value
type PutCmd struct {
	Key   string   `arg:"" help:"Key to store"`
	Value []string `arg:"" optional:"" help:"Value; words are joined with single spaces"`
	File  string   `name:"file" short:"f" help:"Read the value from this file instead" type:"existingfile"`
}

func (c *PutCmd) Run(s *session) error {
	value := []byte(strings.Join(c.Value, " "))
	if c.File != "" {
		data, err := os.ReadFile(c.File)
		if err != nil {
			return err
		}
		value = data
	}
	if err := s.db.Put([]byte(c.Key), value); err != nil {
		return err
	}
	fmt.Fprintln(s.out, "OK")
	return nil
}

// DeleteCmd removes a key
type DeleteCmd struct {
	Key string `arg:"" help:"Key to remove"`
}

func (c *DeleteCmd) Run(s *session) error {
	if err := s.db.Delete([]byte(c.Key)); err != nil {
		return err
	}
	fmt.Fprintln(s.out, "OK")
	return nil
}

// ScanCmd lists keys in order
type ScanCmd struct {
	From     string `name:"from" help:"Start at the first key >= this one (<= with --reverse)"`
	Limit    int    `name:"limit" short:"n" default:"0" help:"Stop after this many entries (0 for all)"`
	Reverse  bool   `name:"reverse" short:"r" help:"Scan from the largest key down"`
	KeysOnly bool   `name:"keys-only" short:"k" help:"Print keys without values"`
}

func (c *ScanCmd) Run(s *session) error {
	return s.db.View(func(tx *gojokv.Tx) error {
		cur, err := tx.Cursor()
		if err != nil {
			return err
		}
		defer cur.Close()

		ok, err := c.position(cur)
		for n := 0; ok && err == nil; n++ {
			if c.Limit > 0 && n >= c.Limit {
				break
			}
			if c.KeysOnly {
				fmt.Fprintln(s.out, printable(cur.Key()))
			} else {
				k, v, verr := cur.KeyValue()
				if verr != nil {
					return verr
				}
				fmt.Fprintf(s.out, "%s\t%s\n", printable(k), printable(v))
			}
			if c.Reverse {
				ok, err = cur.Prev()
			} else {
				ok, err = cur.Next()
			}
		}
		return err
	})
}

func (c *ScanCmd) position(cur *gojokv.Cursor) (bool, error) {
	switch {
	case c.From == "" && c.Reverse:
		return cur.Last()
	case c.From == "":
		return cur.First()
	case !c.Reverse:
		return cur.Seek([]byte(c.From))
	}
	// Largest key <= From.
	ok, err := cur.Seek([]byte(c.From))
	if err != nil {
		return false, err
	}
	if !ok {
		return cur.Last()
	}
	if string(cur.Key()) != c.From {
		return cur.Prev()
	}
	return true, nil
}

// StatsCmd shows database statistics
type StatsCmd struct{}

func (c *StatsCmd) Run(s *session) error {
	st := s.db.Stats()
	fmt.Fprintf(s.out, "File:            %s\n", s.db.Path())
	fmt.Fprintf(s.out, "File ID:         %s\n", st.FileID)
	fmt.Fprintf(s.out, "Page size:       %d\n", st.PageSize)
	fmt.Fprintf(s.out, "Version (txid):  %d\n", st.TxID)
	fmt.Fprintf(s.out, "Pages:           %d\n", st.PageCount)
	fmt.Fprintf(s.out, "Free pages:      %d\n", st.FreePages)
	fmt.Fprintf(s.out, "Pending pages:   %d\n", st.PendingPages)
	fmt.Fprintf(s.out, "Freelist pages:  %d\n", st.FreelistPages)
	fmt.Fprintf(s.out, "Open readers:    %d\n", st.OpenReaders)
	fmt.Fprintf(s.out, "Cache:           %d/%d pages, %d hits, %d misses, %d evictions\n",
		st.CachedPages, st.CacheCapacity, st.CacheHits, st.CacheMisses, st.CacheEvictions)
	return nil
}

// CheckCmd verifies the database file
type CheckCmd struct{}

func (c *CheckCmd) Run(s *session) error {
	ts, err := s.db.Check()
	fmt.Fprintf(s.out, "Depth %d, %d branch pages, %d leaf pages, %d overflow pages, %d keys\n",
		ts.Depth, ts.BranchPages, ts.LeafPages, ts.OverflowPages, ts.Keys)
	if err == nil {
		fmt.Fprintln(s.out, "OK")
		return nil
	}
	errs := multierr.Errors(err)
	for _, e := range errs {
		fmt.Fprintf(s.out, "  %v\n", e)
	}
	return fmt.Errorf("%d problems found (%s)", len(errs), gojokv.CodeOf(err))
}

// BackupCmd writes a hot copy of the database
type BackupCmd struct {
	Dest   string `arg:"" help:"Destination file" type:"path"`
	Rate   int64  `name:"rate" help:"Limit the copy to this many bytes per second (0 for unlimited)"`
	Verify bool   `name:"verify" help:"Open the copy afterwards and check it"`
}

func (c *BackupCmd) Run(s *session) error {
	if src, err := filepath.Abs(s.db.Path()); err == nil && src == c.Dest {
		return errors.New("backup destination is the database itself")
	}
	f, err := os.OpenFile(c.Dest, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	res, err := s.db.Backup(s.ctx, f, c.Rate)
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(s.out, "Wrote version %d to %s (%d bytes, sha256 %x)\n", res.TxID, c.Dest, res.Bytes, res.SHA256)

	if !c.Verify {
		return nil
	}
	copyDB, err := gojokv.Open(c.Dest, &gojokv.Options{ReadOnly: true, Logger: s.logger})
	if err != nil {
		return fmt.Errorf("opening backup: %w", err)
	}
	_, err = copyDB.Check()
	err = multierr.Append(err, copyDB.Close())
	if err != nil {
		return fmt.Errorf("verifying backup: %w", err)
	}
	fmt.Fprintln(s.out, "Backup verified")
	return nil
}

// ShellCmd runs an interactive shell
type ShellCmd struct {
	History string `name:"history" help:"History file" default:"${home}/.gojokv_history" type:"path"`
}

// shellGrammar is the command set available inside the shell.
type shellGrammar struct {
	Get    GetCmd    `cmd:"" help:"Print the value of a key"`
	Put    PutCmd    `cmd:"" help:"Store a value under a key"`
	Delete DeleteCmd `cmd:"" help:"Remove a key"`
	Scan   ScanCmd   `cmd:"" help:"List keys in order"`
	Stats  StatsCmd  `cmd:"" help:"Show database statistics"`
	Check  CheckCmd  `cmd:"" help:"Verify the integrity of the database file"`
	Backup BackupCmd `cmd:"" help:"Write a consistent copy of the database to a file"`
}

func (c *ShellCmd) Run(s *session) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "gojokv> ",
		HistoryFile:     c.History,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		AutoComplete: readline.NewPrefixCompleter(
			readline.PcItem("get"), readline.PcItem("put"), readline.PcItem("delete"),
			readline.PcItem("scan"), readline.PcItem("stats"), readline.PcItem("check"),
			readline.PcItem("backup"), readline.PcItem("help"), readline.PcItem("exit"),
		),
	})
	if err != nil {
		return err
	}
	defer rl.Close()

	fmt.Fprintf(rl.Stdout(), "gojokv shell on %s. Type 'help' for commands, 'exit' to quit.\n", s.db.Path())
	shell := &session{ctx: s.ctx, db: s.db, logger: s.logger, out: rl.Stdout()}
	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			if line == "" {
				return nil
			}
			continue
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		args := strings.Fields(line)
		if len(args) == 0 {
			continue
		}
		switch args[0] {
		case "exit", "quit":
			return nil
		case "help":
			args = []string{"--help"}
		}
		if err := runShellCommand(shell, args); err != nil {
			fmt.Fprintf(rl.Stderr(), "Error: %v\n", err)
		}
	}
}

func runShellCommand(s *session, args []string) error {
	var grammar shellGrammar
	exited := false
	parser, err := kong.New(&grammar,
		kong.Name(""),
		kong.Writers(s.out, s.out),
		kong.Exit(func(int) { exited = true }),
		kong.ConfigureHelp(kong.HelpOptions{Compact: true}),
	)
	if err != nil {
		return err
	}
	kctx, err := parser.Parse(args)
	if exited {
		return nil
	}
	if err != nil {
		return err
	}
	return kctx.Run(s)
}
