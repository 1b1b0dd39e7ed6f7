// Package client is the interactive admin shell of the transaction manager.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"

	"cabbageTxn/filter"
	"cabbageTxn/logger"
	"cabbageTxn/manager"
	"cabbageTxn/storage"
	"cabbageTxn/txn"

	"github.com/chzyer/readline"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

var errNoTxn = errors.New("no transaction in progress, run begin first")

type Shell struct {
	Manager     *manager.Manager
	Versions    *storage.VersionStore
	Out         io.Writer
	HistoryPath string
	ShowHeaders bool

	session string
	current uint64
}

func NewShell(m *manager.Manager, versions *storage.VersionStore, out io.Writer) *Shell {
	return &Shell{
		Manager:     m,
		Versions:    versions,
		Out:         out,
		ShowHeaders: true,
		session:     uuid.NewString(),
	}
}

// Current is the transaction commands run in when they name no id.
func (c *Shell) Current() uint64 {
	return c.current
}

// Execute runs one command line.
func (c *Shell) Execute(ctx context.Context, input string) error {
	input = strings.TrimSpace(input)
	if input == "" {
		return nil
	}
	parts := strings.Fields(input)
	if strings.HasPrefix(parts[0], "!") {
		return c.executeCommand(ctx, parts[0], parts[1:])
	}
	logger.Debugw("shell command", "session", c.session, "command", parts[0])

	cmd, args := strings.ToLower(parts[0]), parts[1:]
	switch cmd {
	case "begin":
		return c.begin(ctx, args)
	case "commit":
		id, err := c.txnArg(args)
		if err != nil {
			return err
		}
		commitTS, err := c.Manager.Commit(ctx, id)
		if err != nil {
			return err
		}
		c.finish(id)
		fmt.Fprintf(c.Out, "Committed transaction %d at %d\n", id, commitTS)
	case "rollback":
		id, err := c.txnArg(args)
		if err != nil {
			return err
		}
		if err = c.Manager.Rollback(ctx, id); err != nil {
			return err
		}
		c.finish(id)
		fmt.Fprintf(c.Out, "Rolled back transaction %d\n", id)
	case "use":
		id, err := c.txnArg(args)
		if err != nil {
			return err
		}
		if _, err = c.Manager.GetTransaction(ctx, id); err != nil {
			return err
		}
		c.current = id
		fmt.Fprintf(c.Out, "Using transaction %d\n", id)
	case "get":
		id, err := c.txnArg(args)
		if err != nil {
			return err
		}
		view, err := c.Manager.GetTransaction(ctx, id)
		if err != nil {
			return err
		}
		state, commitTS, err := txn.EffectiveState(ctx, c.Manager, view)
		if err != nil {
			return err
		}
		fmt.Fprintln(c.Out, view.String())
		if state != view.State {
			fmt.Fprintf(c.Out, "effective state %s\n", state)
		} else if state == txn.StateCommitted && commitTS != view.CommitTimestamp {
			fmt.Fprintf(c.Out, "effective commit timestamp %d\n", commitTS)
		}
	case "cached":
		id, err := c.txnArg(args)
		if err != nil {
			return err
		}
		fmt.Fprintln(c.Out, c.Manager.TransactionCached(id))
	case "keepalive":
		id, err := c.txnArg(args)
		if err != nil {
			return err
		}
		if err = c.Manager.KeepAlive(ctx, id); err != nil {
			return err
		}
		fmt.Fprintf(c.Out, "Kept transaction %d alive\n", id)
	case "put":
		if len(args) != 4 {
			return errors.New("usage: put <table> <row> <column> <value>")
		}
		if c.current == 0 {
			return errNoTxn
		}
		if err := c.Versions.Put(ctx, c.current, args[0], []byte(args[1]), []byte(args[2]), []byte(args[3])); err != nil {
			return err
		}
		fmt.Fprintln(c.Out, "OK")
	case "delete", "undelete":
		if len(args) != 2 {
			return errors.Errorf("usage: %s <table> <row>", cmd)
		}
		if c.current == 0 {
			return errNoTxn
		}
		var err error
		if cmd == "delete" {
			err = c.Versions.Delete(ctx, c.current, args[0], []byte(args[1]))
		} else {
			err = c.Versions.Undelete(ctx, c.current, args[0], []byte(args[1]))
		}
		if err != nil {
			return err
		}
		fmt.Fprintln(c.Out, "OK")
	case "scan":
		if len(args) < 1 {
			return errors.New("usage: scan <table> [column...]")
		}
		return c.scan(ctx, args[0], args[1:])
	case "count":
		if len(args) != 1 {
			return errors.New("usage: count <table>")
		}
		return c.count(ctx, args[0])
	default:
		return errors.Errorf("unknown command: %s", parts[0])
	}
	return nil
}

func (c *Shell) executeCommand(ctx context.Context, cmd string, args []string) error {
	switch cmd {
	case "!headers":
		if len(args) != 1 {
			return errors.New("usage: !headers <on|off>")
		}
		c.ShowHeaders = args[0] != "off" && args[0] != "false"
		fmt.Fprintf(c.Out, "Headers %s\n", args[0])
	case "!help":
		fmt.Fprint(c.Out, `
Commands run in the current transaction unless they name an id.

    begin [si|rc|ru] [additive] [parent=<id>] [tables=<t1,t2>]
    commit [id]                       Commit a transaction
    rollback [id]                     Roll back a transaction
    use <id>                          Switch the current transaction
    get <id>                          Show a transaction record
    cached <id>                       Is the transaction in the cache
    keepalive [id]                    Heartbeat a transaction
    put <table> <row> <column> <value>
    delete <table> <row>
    undelete <table> <row>
    scan <table> [column...]          Rows visible to the current transaction
    count <table>                     Count visible rows

    !help                             Show this help
    !status                           Show manager status
    !headers <on|off>                 Toggle scan headers
`)
	case "!status":
		status, err := c.Manager.Status(ctx)
		if err != nil {
			return err
		}
		statusJSON, err := json.Marshal(status)
		if err != nil {
			return err
		}
		fmt.Fprintln(c.Out, string(statusJSON))
	default:
		return errors.Errorf("unknown command: %s", cmd)
	}
	return nil
}

func (c *Shell) begin(ctx context.Context, args []string) error {
	opts := txn.BeginOptions{}
	for _, arg := range args {
		switch {
		case arg == "additive":
			opts.Additive = true
		case strings.HasPrefix(arg, "parent="):
			parent, err := strconv.ParseUint(strings.TrimPrefix(arg, "parent="), 10, 64)
			if err != nil {
				return errors.Wrapf(err, "invalid parent %q", arg)
			}
			opts.Parent = parent
		case strings.HasPrefix(arg, "tables="):
			opts.Tables = strings.Split(strings.TrimPrefix(arg, "tables="), ",")
		default:
			isolation, err := txn.ParseIsolationLevel(arg)
			if err != nil {
				return err
			}
			opts.Isolation = isolation
		}
	}
	t, err := c.Manager.Begin(ctx, opts)
	if err != nil {
		return err
	}
	c.current = t.ID
	if t.ParentID != 0 {
		fmt.Fprintf(c.Out, "Began %s transaction %d under %d\n", t.Isolation, t.ID, t.ParentID)
	} else {
		fmt.Fprintf(c.Out, "Began %s transaction %d\n", t.Isolation, t.ID)
	}
	return nil
}

func (c *Shell) scan(ctx context.Context, table string, columns []string) error {
	if c.current == 0 {
		return errNoTxn
	}
	projection := make([][]byte, 0, len(columns))
	for _, col := range columns {
		projection = append(projection, []byte(col))
	}
	state, err := c.Manager.NewFilterState(ctx, c.current, filter.NewColumnAccumulator(projection...))
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(c.Out, 0, 0, 2, ' ', 0)
	defer w.Flush()
	if c.ShowHeaders {
		fmt.Fprintln(w, "row\tversion\tcolumns")
	}
	return c.Versions.Scan(ctx, state, table, func(cell *filter.Cell) error {
		decoded, err := filter.DecodeColumns(cell.Value)
		if err != nil {
			return err
		}
		pairs := make([]string, 0, len(decoded))
		for _, col := range decoded {
			pairs = append(pairs, fmt.Sprintf("%s=%s", col.Qualifier, col.Value))
		}
		fmt.Fprintf(w, "%s\t%d\t%s\n", cell.Row, cell.Timestamp, strings.Join(pairs, " "))
		return nil
	})
}

func (c *Shell) count(ctx context.Context, table string) error {
	if c.current == 0 {
		return errNoTxn
	}
	acc := filter.NewCountAccumulator()
	state, err := c.Manager.NewFilterState(ctx, c.current, acc)
	if err != nil {
		return err
	}
	if err = c.Versions.Scan(ctx, state, table, func(*filter.Cell) error { return nil }); err != nil {
		return err
	}
	fmt.Fprintln(c.Out, acc.Count())
	return nil
}

// txnArg returns the id named by args, or the current transaction.
func (c *Shell) txnArg(args []string) (uint64, error) {
	if len(args) == 0 {
		if c.current == 0 {
			return 0, errNoTxn
		}
		return c.current, nil
	}
	id, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid transaction id %q", args[0])
	}
	return id, nil
}

func (c *Shell) finish(id uint64) {
	if c.current == id {
		c.current = 0
	}
}

func (c *Shell) prompt() string {
	if c.current != 0 {
		return fmt.Sprintf("txn:%d> ", c.current)
	}
	return "txn> "
}

// Run is the interactive loop. It returns when the input ends.
func (c *Shell) Run(ctx context.Context) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          c.prompt(),
		HistoryFile:     c.HistoryPath,
		AutoComplete:    c.completer(),
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return err
	}
	defer rl.Close()

	for {
		rl.SetPrompt(c.prompt())
		line, err := rl.Readline()
		if err != nil {
			// Ctrl+D or Ctrl+C
			return nil
		}
		if err := c.Execute(ctx, line); err != nil {
			fmt.Fprintf(c.Out, "Error: %v\n", err)
		}
	}
}

func (c *Shell) completer() *readline.PrefixCompleter {
	return readline.NewPrefixCompleter(
		readline.PcItem("begin",
			readline.PcItem("si"),
			readline.PcItem("rc"),
			readline.PcItem("ru"),
		),
		readline.PcItem("commit"),
		readline.PcItem("rollback"),
		readline.PcItem("use"),
		readline.PcItem("get"),
		readline.PcItem("cached"),
		readline.PcItem("keepalive"),
		readline.PcItem("put"),
		readline.PcItem("delete"),
		readline.PcItem("undelete"),
		readline.PcItem("scan"),
		readline.PcItem("count"),
		readline.PcItem("!help"),
		readline.PcItem("!status"),
		readline.PcItem("!headers"),
	)
}
