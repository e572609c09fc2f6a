// stonedb is the interactive shell and single-shot command driver for the
// embedded key-value store: put, get, del, scan, backup, restore, stats.
package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/peterh/liner"
	flag "github.com/spf13/pflag"

	"github.com/ruskaruma/stonedb/storage"
)

func main() {
	os.Exit(run())
}

func run() int {
	dbPath := flag.String("db", "stonedb.sdb", "path to the database file")
	batch := flag.Bool("batch", false, "read commands from stdin, one per line, non-interactively")
	quiet := flag.Bool("quiet", false, "suppress info-level log lines")
	help := flag.Bool("help", false, "show usage")
	flag.Parse()

	if *help {
		printUsage()
		return 0
	}

	walPath := walPathFor(*dbPath)

	e, err := storage.Open(*dbPath, walPath, storage.Options{Quiet: *quiet})
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		return 1
	}
	defer e.Close()

	sh := &shell{engine: e, quiet: *quiet}

	if *batch || !isTerminalStdin() {
		return sh.runBatch(os.Stdin)
	}
	return sh.runInteractive()
}

// walPathFor derives the sibling WAL path from a database path per
// spec.md's "replacing the extension or appending .wal" rule.
func walPathFor(dbPath string) string {
	ext := filepath.Ext(dbPath)
	if ext == "" {
		return dbPath + ".wal"
	}
	return strings.TrimSuffix(dbPath, ext) + ".wal"
}

func isTerminalStdin() bool {
	fi, err := os.Stdin.Stat()
	if err != nil {
		return false
	}
	return (fi.Mode() & os.ModeCharDevice) != 0
}

func printUsage() {
	fmt.Println("Usage: stonedb [options]")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  --db PATH      database file (default stonedb.sdb)")
	fmt.Println("  --batch        read commands from stdin, non-interactively")
	fmt.Println("  --quiet        suppress info-level log lines")
	fmt.Println("  --help         show this usage")
	fmt.Println()
	printHelp()
}

func printHelp() {
	fmt.Println("Commands:")
	fmt.Println("  put <key> <value>   Insert or overwrite a key")
	fmt.Println("  get <key>           Read a key")
	fmt.Println("  del <key>           Delete a key")
	fmt.Println("  scan                List every live key/value pair")
	fmt.Println("  backup <path>       Write a JSON snapshot of the database to path")
	fmt.Println("  restore <path>      Load a JSON snapshot written by backup")
	fmt.Println("  stats               Show engine counters")
	fmt.Println("  help                Show this help")
	fmt.Println("  quit                Exit")
}

// shell holds the state shared between the interactive (liner) and
// batch (stdin-line) command loops.
type shell struct {
	engine *storage.Engine
	quiet  bool
	liner  *liner.State
}

func historyFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".stonedb_history")
}

func (sh *shell) runInteractive() int {
	sh.liner = liner.NewLiner()
	defer sh.liner.Close()

	sh.liner.SetCtrlCAborts(true)
	sh.liner.SetCompleter(sh.completer)

	if f, err := os.Open(historyFile()); err == nil {
		sh.liner.ReadHistory(f)
		f.Close()
	}

	fmt.Println("stonedb - embedded key-value store shell")
	fmt.Println("Type 'help' for available commands.")
	fmt.Println()

	for {
		line, err := sh.liner.Prompt("stonedb> ")
		if err != nil {
			if err == liner.ErrPromptAborted || err == io.EOF {
				break
			}
			fmt.Fprintf(os.Stderr, "ERROR: reading input: %v\n", err)
			return 1
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		sh.liner.AppendHistory(line)

		if !sh.dispatch(line) {
			break
		}
	}

	sh.saveHistory()
	return 0
}

func (sh *shell) runBatch(r io.Reader) int {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if !sh.dispatch(line) {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: reading stdin: %v\n", err)
		return 1
	}
	return 0
}

func (sh *shell) saveHistory() {
	if sh.liner == nil {
		return
	}
	if path := historyFile(); path != "" {
		if f, err := os.Create(path); err == nil {
			sh.liner.WriteHistory(f)
			f.Close()
		}
	}
}

func (sh *shell) completer(line string) []string {
	commands := []string{"put", "get", "del", "scan", "backup", "restore", "stats", "help", "quit", "exit"}
	lower := strings.ToLower(line)
	var out []string
	for _, c := range commands {
		if strings.HasPrefix(c, lower) {
			out = append(out, c)
		}
	}
	return out
}

// dispatch runs one command line and returns false when the shell
// should exit.
func (sh *shell) dispatch(line string) bool {
	parts := strings.Fields(line)
	cmd := strings.ToLower(parts[0])
	args := parts[1:]

	switch cmd {
	case "quit", "exit", "q":
		return false
	case "help", "?":
		printHelp()
	case "put":
		sh.cmdPut(args)
	case "get":
		sh.cmdGet(args)
	case "del", "delete":
		sh.cmdDel(args)
	case "scan":
		sh.cmdScan(args)
	case "backup":
		sh.cmdBackup(args)
	case "restore":
		sh.cmdRestore(args)
	case "stats":
		sh.cmdStats()
	default:
		fmt.Printf("ERROR: unknown command %q (type 'help' for commands)\n", cmd)
	}
	return true
}

func (sh *shell) cmdPut(args []string) {
	if len(args) < 2 {
		fmt.Println("ERROR: usage: put <key> <value>")
		return
	}
	key := args[0]
	value := strings.Join(args[1:], " ")
	if err := sh.engine.Put([]byte(key), []byte(value)); err != nil {
		fmt.Printf("ERROR: %v\n", err)
		return
	}
	fmt.Println("OK")
}

func (sh *shell) cmdGet(args []string) {
	if len(args) != 1 {
		fmt.Println("ERROR: usage: get <key>")
		return
	}
	value, found, err := sh.engine.Get([]byte(args[0]))
	if err != nil {
		fmt.Printf("ERROR: %v\n", err)
		return
	}
	if !found {
		fmt.Println("NOT FOUND")
		return
	}
	fmt.Println(string(value))
}

func (sh *shell) cmdDel(args []string) {
	if len(args) != 1 {
		fmt.Println("ERROR: usage: del <key>")
		return
	}
	found, err := sh.engine.Delete([]byte(args[0]))
	if err != nil {
		fmt.Printf("ERROR: %v\n", err)
		return
	}
	if !found {
		fmt.Println("NOT FOUND")
		return
	}
	fmt.Println("OK")
}

func (sh *shell) cmdScan(args []string) {
	limit := -1
	if len(args) >= 1 {
		n, err := strconv.Atoi(args[0])
		if err != nil {
			fmt.Println("ERROR: usage: scan [limit]")
			return
		}
		limit = n
	}

	count := 0
	err := sh.engine.Store.Scan(func(key, value []byte) {
		if limit >= 0 && count >= limit {
			return
		}
		count++
		fmt.Printf("%s = %s\n", string(key), string(value))
	})
	if err != nil {
		fmt.Printf("ERROR: %v\n", err)
		return
	}
	if count == 0 {
		fmt.Println("(empty)")
	}
}

func (sh *shell) cmdStats() {
	s := sh.engine.Stats()
	fmt.Printf("keys:          %d\n", s.NumKeys)
	fmt.Printf("pages:         %d (free: %d)\n", s.PageCount, s.FreePages)
	fmt.Printf("transactions:  %d (commits: %d, aborts: %d)\n", s.TxnCount, s.CommitCount, s.AbortCount)
	fmt.Printf("operations:    puts=%d gets=%d deletes=%d\n", s.PutCount, s.GetCount, s.DeleteCount)
	fmt.Printf("locking:       waits=%d deadlocks=%d\n", s.LockWaits, s.Deadlocks)
	fmt.Printf("cache:         hits=%d misses=%d (hit ratio %.1f%%)\n", s.CacheHits, s.CacheMisses, s.CacheHitRatio()*100)
}

func (sh *shell) cmdBackup(args []string) {
	if len(args) != 1 {
		fmt.Println("ERROR: usage: backup <path>")
		return
	}
	if err := writeBackup(sh.engine, args[0]); err != nil {
		fmt.Printf("ERROR: %v\n", err)
		return
	}
	fmt.Println("OK")
}

func (sh *shell) cmdRestore(args []string) {
	if len(args) != 1 {
		fmt.Println("ERROR: usage: restore <path>")
		return
	}
	n, err := loadBackup(sh.engine, args[0])
	if err != nil {
		fmt.Printf("ERROR: %v\n", err)
		return
	}
	fmt.Printf("OK: restored %d keys\n", n)
}
