// lstore-cli is a REPL for interacting with an lstore database.
//
// Usage:
//
//	lstore-cli --db <path> --table <name> --columns <n> --key <pos>
//
// Commands (in REPL):
//
//	insert <v0> <v1> ... <vN-1>      Insert a row
//	select <key> <mask>              Read a row (mask: comma-separated 0/1 per column)
//	update <key> <v0|_> <v1|_> ...   Update a row (use _ for "no change")
//	delete <key>                     Delete a row
//	increment <key> <col>            Add one to col
//	sum <lo> <hi> <col>               Sum col over [lo, hi]
//	merge                            Fold tail history back into base pages
//	help                             Show this help
//	exit / quit / q                  Exit
package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/peterh/liner"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/calvinalkan/lstore/pkg/fs"
	"github.com/calvinalkan/lstore/pkg/lstore"
	"github.com/calvinalkan/lstore/pkg/query"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	dbPath := pflag.String("db", "", "database directory")
	tableName := pflag.String("table", "", "table name")
	numColumns := pflag.Int("columns", 0, "number of user columns")
	keyColumn := pflag.Int("key", 0, "key column position")
	pflag.Parse()

	if *dbPath == "" || *tableName == "" || *numColumns <= 0 {
		pflag.Usage()

		return fmt.Errorf("--db, --table, and --columns are required")
	}

	logger, err := zap.NewProduction()
	if err != nil {
		logger = zap.NewNop()
	}
	defer logger.Sync() //nolint:errcheck

	db, err := lstore.Open(*dbPath, fs.NewReal(), lstore.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	table, err := db.CreateTable(*tableName, *numColumns, *keyColumn)
	if err != nil {
		return fmt.Errorf("opening table: %w", err)
	}

	repl := &repl{q: query.New(table), numColumns: *numColumns}

	return repl.run()
}

type repl struct {
	q          *query.Query
	numColumns int
	liner      *liner.State
}

func (r *repl) run() error {
	r.liner = liner.NewLiner()
	defer r.liner.Close()

	r.liner.SetCtrlCAborts(true)
	r.liner.SetCompleter(r.completer)

	fmt.Printf("lstore-cli (columns=%d)\n", r.numColumns)
	fmt.Println("Type 'help' for available commands.")

	for {
		line, err := r.liner.Prompt("lstore> ")
		if err != nil {
			if err == liner.ErrPromptAborted || err == io.EOF {
				fmt.Println("\nBye!")

				return nil
			}

			return fmt.Errorf("reading input: %w", err)
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		r.liner.AppendHistory(line)

		parts := strings.Fields(line)
		cmd := strings.ToLower(parts[0])
		args := parts[1:]

		switch cmd {
		case "exit", "quit", "q":
			fmt.Println("Bye!")

			return nil
		case "help", "?":
			r.printHelp()
		case "insert":
			r.cmdInsert(args)
		case "select":
			r.cmdSelect(args)
		case "update":
			r.cmdUpdate(args)
		case "delete":
			r.cmdDelete(args)
		case "increment":
			r.cmdIncrement(args)
		case "sum":
			r.cmdSum(args)
		case "merge":
			r.cmdMerge()
		default:
			fmt.Printf("Unknown command: %s (type 'help' for commands)\n", cmd)
		}
	}
}

func (r *repl) completer(line string) []string {
	commands := []string{"insert", "select", "update", "delete", "increment", "sum", "help", "exit", "quit", "q"}

	var out []string

	lower := strings.ToLower(line)

	for _, c := range commands {
		if strings.HasPrefix(c, lower) {
			out = append(out, c)
		}
	}

	return out
}

func (r *repl) printHelp() {
	fmt.Println("Commands:")
	fmt.Println("  insert <v0> <v1> ... <vN-1>      Insert a row")
	fmt.Println("  select <key> <mask>              Read a row (mask: e.g. 1,0,1)")
	fmt.Println("  update <key> <v0|_> <v1|_> ...   Update a row (_ = no change)")
	fmt.Println("  delete <key>                     Delete a row")
	fmt.Println("  increment <key> <col>            Add one to col")
	fmt.Println("  sum <lo> <hi> <col>               Sum col over [lo, hi]")
	fmt.Println("  merge                            Fold tail history back into base pages")
	fmt.Println("  help                             Show this help")
	fmt.Println("  exit / quit / q                  Exit")
}

func (r *repl) cmdInsert(args []string) {
	if len(args) != r.numColumns {
		fmt.Printf("Usage: insert <%d values>\n", r.numColumns)

		return
	}

	vals, err := parseInts(args)
	if err != nil {
		fmt.Printf("Error: %v\n", err)

		return
	}

	rid, err := r.q.Insert(vals...)
	if err != nil {
		fmt.Printf("Error: %v\n", err)

		return
	}

	fmt.Printf("OK: rid=%d\n", rid)
}

func (r *repl) cmdSelect(args []string) {
	if len(args) != 2 {
		fmt.Println("Usage: select <key> <mask>")

		return
	}

	key, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		fmt.Printf("Error parsing key: %v\n", err)

		return
	}

	mask, err := parseMask(args[1], r.numColumns)
	if err != nil {
		fmt.Printf("Error parsing mask: %v\n", err)

		return
	}

	records, err := r.q.Select(key, mask)
	if err != nil {
		fmt.Printf("Error: %v\n", err)

		return
	}

	if len(records) == 0 {
		fmt.Println("(not found)")

		return
	}

	for _, rec := range records {
		fmt.Printf("rid=%d key=%d columns=%v\n", rec.RID, rec.Key, rec.Columns)
	}
}

func (r *repl) cmdUpdate(args []string) {
	if len(args) != 1+r.numColumns {
		fmt.Printf("Usage: update <key> <%d values, _ for unchanged>\n", r.numColumns)

		return
	}

	key, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		fmt.Printf("Error parsing key: %v\n", err)

		return
	}

	newValues := make([]*int64, r.numColumns)

	for i, a := range args[1:] {
		if a == "_" {
			continue
		}

		v, err := strconv.ParseInt(a, 10, 64)
		if err != nil {
			fmt.Printf("Error parsing value %d: %v\n", i, err)

			return
		}

		newValues[i] = &v
	}

	matched, err := r.q.Update(key, newValues)
	if err != nil {
		fmt.Printf("Error: %v\n", err)

		return
	}

	fmt.Printf("OK: matched=%v\n", matched)
}

func (r *repl) cmdDelete(args []string) {
	if len(args) != 1 {
		fmt.Println("Usage: delete <key>")

		return
	}

	key, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		fmt.Printf("Error parsing key: %v\n", err)

		return
	}

	matched, err := r.q.Delete(key)
	if err != nil {
		fmt.Printf("Error: %v\n", err)

		return
	}

	fmt.Printf("OK: matched=%v\n", matched)
}

func (r *repl) cmdIncrement(args []string) {
	if len(args) != 2 {
		fmt.Println("Usage: increment <key> <col>")

		return
	}

	key, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		fmt.Printf("Error parsing key: %v\n", err)

		return
	}

	col, err := strconv.Atoi(args[1])
	if err != nil {
		fmt.Printf("Error parsing col: %v\n", err)

		return
	}

	matched, err := r.q.Increment(key, col)
	if err != nil {
		fmt.Printf("Error: %v\n", err)

		return
	}

	fmt.Printf("OK: matched=%v\n", matched)
}

func (r *repl) cmdSum(args []string) {
	if len(args) != 3 {
		fmt.Println("Usage: sum <lo> <hi> <col>")

		return
	}

	lo, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		fmt.Printf("Error parsing lo: %v\n", err)

		return
	}

	hi, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		fmt.Printf("Error parsing hi: %v\n", err)

		return
	}

	col, err := strconv.Atoi(args[2])
	if err != nil {
		fmt.Printf("Error parsing col: %v\n", err)

		return
	}

	total, err := r.q.Sum(lo, hi, col)
	if err != nil {
		fmt.Printf("Error: %v\n", err)

		return
	}

	fmt.Printf("sum=%d\n", total)
}

func (r *repl) cmdMerge() {
	if err := r.q.Merge(); err != nil {
		fmt.Printf("Error: %v\n", err)

		return
	}

	fmt.Println("OK: merge complete")
}

func parseInts(args []string) ([]int64, error) {
	out := make([]int64, len(args))

	for i, a := range args {
		v, err := strconv.ParseInt(a, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("value %d: %w", i, err)
		}

		out[i] = v
	}

	return out, nil
}

func parseMask(s string, n int) ([]bool, error) {
	parts := strings.Split(s, ",")
	if len(parts) != n {
		return nil, fmt.Errorf("mask has %d entries, want %d", len(parts), n)
	}

	mask := make([]bool, n)

	for i, p := range parts {
		switch strings.TrimSpace(p) {
		case "1":
			mask[i] = true
		case "0":
			mask[i] = false
		default:
			return nil, fmt.Errorf("mask entry %d must be 0 or 1", i)
		}
	}

	return mask, nil
}
