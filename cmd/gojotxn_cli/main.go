package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/chzyer/readline"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	txnservice "github.com/sushant-115/gojotxn/api/txn_service"
	"github.com/sushant-115/gojotxn/config/certs"
	"github.com/sushant-115/gojotxn/core/auth"
	"github.com/sushant-115/gojotxn/core/transaction"
	"github.com/sushant-115/gojotxn/pkg/connection"
)

const (
	prompt        = "gojotxn> "
	clientTimeout = 10 * time.Second
)

var (
	addr      = flag.String("addr", "127.0.0.1:7420", "Address of the transaction service")
	database  = flag.String("database", "", "Restrict commands to this database")
	user      = flag.String("user", "", "Act as this user; empty acts as an internal caller")
	superuser = flag.Bool("superuser", false, "Act as a superuser")
	tlsDir    = flag.String("tls_dir", "", "Directory with certificates written by gojotxn_server -gen_certs")
)

const usage = `commands:
  list [details]      list transactions visible to the caller
  status <id>         show the status of a transaction
  commit <id>         commit a transaction
  abort <id>          abort a transaction
  abort-writes        abort every write transaction of the caller
  hold <ms>           block new commits for up to <ms> while they drain
  release             allow commits again
  members             show the membership registry
  help                show this text
  exit                leave the shell`

type shell struct {
	client *txnservice.Client
	addr   string
	db     string
	ident  *auth.Identity
	out    io.Writer
}

func main() {
	flag.Parse()

	creds := insecure.NewCredentials()
	if *tlsDir != "" {
		_, clientCfg := certs.Paths(*tlsDir)
		var err error
		if creds, err = clientCfg.ClientCredentials(); err != nil {
			log.Fatalf("failed to load TLS credentials: %v", err)
		}
	}
	pool := connection.NewConnectionPoolManager(1, grpc.WithTransportCredentials(creds))
	defer pool.Close()

	sh := &shell{
		client: txnservice.NewClient(pool, clientTimeout, zap.NewNop()),
		addr:   *addr,
		db:     *database,
		out:    os.Stdout,
	}
	if *user != "" || *superuser {
		sh.ident = &auth.Identity{User: *user, Superuser: *superuser}
	}

	// A command on the command line runs once without the shell.
	if flag.NArg() > 0 {
		if err := sh.exec(strings.Join(flag.Args(), " ")); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if err := sh.interactive(); err != nil {
		log.Fatal(err)
	}
}

func (s *shell) interactive() error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          prompt,
		HistoryFile:     historyPath(),
		HistoryLimit:    1000,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		AutoComplete: readline.NewPrefixCompleter(
			readline.PcItem("list", readline.PcItem("details")),
			readline.PcItem("status"),
			readline.PcItem("commit"),
			readline.PcItem("abort"),
			readline.PcItem("abort-writes"),
			readline.PcItem("hold"),
			readline.PcItem("release"),
			readline.PcItem("members"),
			readline.PcItem("help"),
			readline.PcItem("exit"),
		),
	})
	if err != nil {
		return fmt.Errorf("failed to start readline: %w", err)
	}
	defer rl.Close()
	s.out = rl.Stdout()

	fmt.Fprintf(s.out, "connected to %s, type 'help' for commands\n", s.addr)
	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			continue
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		line = strings.TrimSpace(line)
		if line == "exit" || line == "quit" {
			return nil
		}
		if err := s.exec(line); err != nil {
			fmt.Fprintf(s.out, "error: %v\n", err)
		}
	}
}

func historyPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".gojotxn_history")
}

func (s *shell) context() (context.Context, context.CancelFunc) {
	ctx := context.Background()
	if s.ident != nil {
		ctx = auth.WithIdentity(ctx, *s.ident)
	}
	return context.WithTimeout(ctx, clientTimeout)
}

func (s *shell) exec(line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	ctx, cancel := s.context()
	defer cancel()

	switch cmd, args := fields[0], fields[1:]; cmd {
	case "help":
		fmt.Fprintln(s.out, usage)
	case "list":
		details := len(args) > 0 && args[0] == "details"
		infos, err := s.client.ListTransactions(ctx, s.addr, transaction.ListRequest{
			Database: s.db, Details: details, Identity: s.ident,
		})
		if err != nil {
			return err
		}
		s.printInfos(infos, details)
	case "status", "commit", "abort":
		if len(args) != 1 {
			return fmt.Errorf("usage: %s <id>", cmd)
		}
		id, err := transaction.ParseID(args[0])
		if err != nil {
			return err
		}
		return s.transactionCommand(ctx, cmd, id)
	case "abort-writes":
		n, err := s.client.AbortAllWrite(ctx, s.addr, transaction.AbortRequest{Identity: s.ident})
		if err != nil {
			return err
		}
		fmt.Fprintf(s.out, "aborted %d write transaction(s)\n", n)
	case "hold":
		if len(args) != 1 {
			return errors.New("usage: hold <ms>")
		}
		ms, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil || ms <= 0 {
			return fmt.Errorf("invalid timeout %q", args[0])
		}
		if err := s.client.Hold(ctx, s.addr, time.Duration(ms)*time.Millisecond); err != nil {
			return err
		}
		fmt.Fprintln(s.out, "commits are held")
	case "release":
		if err := s.client.Release(ctx, s.addr); err != nil {
			return err
		}
		fmt.Fprintln(s.out, "commits are released")
	case "members":
		resp, err := s.client.Members(ctx, s.addr)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(s.out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tADDRESS\tROLE\tREBOOT\tSTATUS\tLEADER")
		for _, srv := range resp.Servers {
			leader := ""
			if srv.ID == resp.Leader {
				leader = "*"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n", srv.ID, srv.Address, srv.Role, srv.RebootID, srv.Status, leader)
		}
		return w.Flush()
	default:
		return fmt.Errorf("unknown command %q, type 'help'", cmd)
	}
	return nil
}

func (s *shell) transactionCommand(ctx context.Context, cmd string, id transaction.ID) error {
	switch cmd {
	case "status":
		st, err := s.client.Status(ctx, s.addr, id, s.db)
		if err != nil {
			return err
		}
		fmt.Fprintf(s.out, "%s %s\n", id, st)
	case "commit":
		if err := s.client.Commit(ctx, s.addr, id, s.db); err != nil {
			return err
		}
		fmt.Fprintf(s.out, "%s committed\n", id)
	case "abort":
		if err := s.client.Abort(ctx, s.addr, id, s.db); err != nil {
			return err
		}
		fmt.Fprintf(s.out, "%s aborted\n", id)
	}
	return nil
}

func (s *shell) printInfos(infos []transaction.Info, details bool) {
	if len(infos) == 0 {
		fmt.Fprintln(s.out, "no transactions")
		return
	}
	w := tabwriter.NewWriter(s.out, 0, 4, 2, ' ', 0)
	header := "ID\tSTATE\tDATABASE\tUSER\tREAD_ONLY\tSERVER"
	if details {
		header += "\tCONTEXT\tSIDE_USERS\tEXPIRES"
	}
	fmt.Fprintln(w, header)
	for _, in := range infos {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\t%s", in.ID, in.State, in.Database, in.User, in.ReadOnly, in.Server)
		if details {
			expires := ""
			if !in.ExpiresAt.IsZero() {
				expires = in.ExpiresAt.Format(time.RFC3339)
			}
			fmt.Fprintf(w, "\t%s\t%d\t%s", in.Context, in.SideUsers, expires)
		}
		fmt.Fprintln(w)
	}
	w.Flush()
}
