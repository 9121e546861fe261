// lowkeydbcli is an interactive shell over a lowkeydb database file.
//
// Usage:
//
//	lowkeydbcli --db <path> [--config <path>]
//
// Commands (in REPL):
//
//	put <key> <value>           Write a key/value pair
//	get <key>                   Read a key
//	delete <key>                Remove a key
//	count                       Report the total key count
//	sync                        Flush dirty pages and fsync the data file
//	begin [level]                Start a transaction (read_uncommitted|read_committed|repeatable_read|serializable)
//	commit <tx>                 Commit a transaction
//	rollback <tx>                Abort a transaction
//	tput <tx> <key> <value>      Write within a transaction
//	tget <tx> <key>              Read within a transaction
//	tdelete <tx> <key>           Delete within a transaction
//	transactions                Report the number of active transactions
//	stats                       Show buffer pool + checkpoint stats
//	buffer_stats                Show buffer pool stats only
//	checkpoint_stats            Show checkpoint stats only
//	checkpoint                  Force a checkpoint + WAL rotation check
//	flush_wal                   Fsync the write-ahead log
//	auto_checkpoint <on|off>    Toggle the background checkpoint task
//	configure_checkpoint <ms> <max_bytes> <max_archived>   Adjust checkpoint policy
//	validate                    Walk the tree and verify its structural invariants
//	help                        Show this help
//	quit / exit                 Exit
package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/bradcypert/lowkeydb-sub000/btree"
	"github.com/bradcypert/lowkeydb-sub000/common"
	"github.com/peterh/liner"
	flag "github.com/spf13/pflag"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("lowkeydbcli", flag.ExitOnError)

	dbPath := fs.StringP("db", "d", "", "path to the database file (required)")
	configPath := fs.StringP("config", "c", "", "path to a YAML config file")
	create := fs.Bool("create", false, "create the database if it does not exist")

	if err := fs.Parse(args); err != nil {
		return err
	}

	if *dbPath == "" {
		fs.Usage()
		return fmt.Errorf("--db is required")
	}

	cfg := btree.DefaultConfig()
	if *configPath != "" {
		loaded, err := btree.LoadConfig(*configPath)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		cfg = loaded
	}

	var engine *btree.Engine
	var err error
	if *create {
		engine, err = btree.Create(*dbPath, cfg)
	} else {
		engine, err = btree.Open(*dbPath, cfg)
	}
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer engine.Close()

	shell := &shell{engine: engine, dbPath: *dbPath}
	return shell.run()
}

type shell struct {
	engine *btree.Engine
	dbPath string
	liner  *liner.State
}

func (s *shell) run() error {
	s.liner = liner.NewLiner()
	defer s.liner.Close()

	s.liner.SetCtrlCAborts(true)
	s.liner.SetCompleter(s.completer)

	fmt.Printf("lowkeydbcli - %s\n", s.dbPath)
	fmt.Println("Type 'help' for available commands.")
	fmt.Println()

	for {
		line, err := s.liner.Prompt("lowkeydb> ")
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
		s.liner.AppendHistory(line)

		parts := strings.Fields(line)
		cmd := strings.ToLower(parts[0])
		cmdArgs := parts[1:]

		switch cmd {
		case "quit", "exit", "q":
			fmt.Println("Bye!")
			return nil
		case "help", "?":
			s.printHelp()
		case "put":
			s.cmdPut(cmdArgs)
		case "get":
			s.cmdGet(cmdArgs)
		case "delete", "del":
			s.cmdDelete(cmdArgs)
		case "count":
			fmt.Printf("keys: %d\n", s.engine.KeyCount())
		case "sync":
			s.report(s.engine.Sync())
		case "begin":
			s.cmdBegin(cmdArgs)
		case "commit":
			s.cmdCommit(cmdArgs)
		case "rollback", "abort":
			s.cmdRollback(cmdArgs)
		case "tput":
			s.cmdTPut(cmdArgs)
		case "tget":
			s.cmdTGet(cmdArgs)
		case "tdelete":
			s.cmdTDelete(cmdArgs)
		case "transactions":
			fmt.Printf("active transactions: %d\n", s.engine.ActiveTransactionCount())
		case "stats":
			s.printBufferStats()
			s.printCheckpointStats()
		case "buffer_stats":
			s.printBufferStats()
		case "checkpoint_stats":
			s.printCheckpointStats()
		case "checkpoint":
			s.report(s.engine.Checkpoint())
		case "flush_wal":
			s.report(s.engine.FlushWAL())
		case "auto_checkpoint":
			s.cmdAutoCheckpoint(cmdArgs)
		case "configure_checkpoint":
			s.cmdConfigureCheckpoint(cmdArgs)
		case "validate":
			s.report(s.engine.ValidateStructure())
		default:
			fmt.Printf("unknown command: %s (type 'help' for commands)\n", cmd)
		}
	}
}

func (s *shell) report(err error) {
	if err != nil {
		fmt.Printf("error: %v\n", err)
		return
	}
	fmt.Println("OK")
}

func (s *shell) printHelp() {
	fmt.Println("Commands:")
	fmt.Println("  put <key> <value>")
	fmt.Println("  get <key>")
	fmt.Println("  delete <key>")
	fmt.Println("  count")
	fmt.Println("  sync")
	fmt.Println("  begin [read_uncommitted|read_committed|repeatable_read|serializable]")
	fmt.Println("  commit <tx>")
	fmt.Println("  rollback <tx>")
	fmt.Println("  tput <tx> <key> <value>")
	fmt.Println("  tget <tx> <key>")
	fmt.Println("  tdelete <tx> <key>")
	fmt.Println("  transactions")
	fmt.Println("  stats / buffer_stats / checkpoint_stats")
	fmt.Println("  checkpoint")
	fmt.Println("  flush_wal")
	fmt.Println("  auto_checkpoint <on|off>")
	fmt.Println("  configure_checkpoint <interval_ms> <max_wal_bytes> <max_archived>")
	fmt.Println("  validate")
	fmt.Println("  quit / exit")
}

func (s *shell) completer(line string) []string {
	commands := []string{
		"put", "get", "delete", "count", "sync",
		"begin", "commit", "rollback", "tput", "tget", "tdelete", "transactions",
		"stats", "buffer_stats", "checkpoint_stats", "checkpoint",
		"flush_wal", "auto_checkpoint", "configure_checkpoint",
		"validate", "help", "quit", "exit",
	}
	lower := strings.ToLower(line)
	var completions []string
	for _, cmd := range commands {
		if strings.HasPrefix(cmd, lower) {
			completions = append(completions, cmd)
		}
	}
	return completions
}

func (s *shell) cmdPut(args []string) {
	if len(args) < 2 {
		fmt.Println("usage: put <key> <value>")
		return
	}
	s.report(s.engine.Put([]byte(args[0]), []byte(strings.Join(args[1:], " "))))
}

func (s *shell) cmdGet(args []string) {
	if len(args) < 1 {
		fmt.Println("usage: get <key>")
		return
	}
	value, err := s.engine.Get([]byte(args[0]))
	if err != nil {
		fmt.Printf("error: %v\n", err)
		return
	}
	fmt.Println(string(value))
}

func (s *shell) cmdDelete(args []string) {
	if len(args) < 1 {
		fmt.Println("usage: delete <key>")
		return
	}
	s.report(s.engine.Delete([]byte(args[0])))
}

func parseIsolation(s string) (common.IsolationLevel, error) {
	switch strings.ToLower(s) {
	case "", "read_committed":
		return common.ReadCommitted, nil
	case "read_uncommitted":
		return common.ReadUncommitted, nil
	case "repeatable_read":
		return common.RepeatableRead, nil
	case "serializable":
		return common.Serializable, nil
	default:
		return 0, fmt.Errorf("unknown isolation level %q", s)
	}
}

func (s *shell) cmdBegin(args []string) {
	level := ""
	if len(args) >= 1 {
		level = args[0]
	}
	isolation, err := parseIsolation(level)
	if err != nil {
		fmt.Printf("error: %v\n", err)
		return
	}
	id, err := s.engine.BeginTx(isolation)
	if err != nil {
		fmt.Printf("error: %v\n", err)
		return
	}
	fmt.Printf("tx: %d\n", id)
}

func parseTxID(s string) (uint64, error) {
	return strconv.ParseUint(s, 10, 64)
}

func (s *shell) cmdCommit(args []string) {
	if len(args) < 1 {
		fmt.Println("usage: commit <tx>")
		return
	}
	id, err := parseTxID(args[0])
	if err != nil {
		fmt.Printf("error: %v\n", err)
		return
	}
	s.report(s.engine.CommitTx(id))
}

func (s *shell) cmdRollback(args []string) {
	if len(args) < 1 {
		fmt.Println("usage: rollback <tx>")
		return
	}
	id, err := parseTxID(args[0])
	if err != nil {
		fmt.Printf("error: %v\n", err)
		return
	}
	s.report(s.engine.AbortTx(id))
}

func (s *shell) cmdTPut(args []string) {
	if len(args) < 3 {
		fmt.Println("usage: tput <tx> <key> <value>")
		return
	}
	id, err := parseTxID(args[0])
	if err != nil {
		fmt.Printf("error: %v\n", err)
		return
	}
	s.report(s.engine.PutTx(id, []byte(args[1]), []byte(strings.Join(args[2:], " "))))
}

func (s *shell) cmdTGet(args []string) {
	if len(args) < 2 {
		fmt.Println("usage: tget <tx> <key>")
		return
	}
	id, err := parseTxID(args[0])
	if err != nil {
		fmt.Printf("error: %v\n", err)
		return
	}
	value, err := s.engine.GetTx(id, []byte(args[1]))
	if err != nil {
		fmt.Printf("error: %v\n", err)
		return
	}
	fmt.Println(string(value))
}

func (s *shell) cmdTDelete(args []string) {
	if len(args) < 2 {
		fmt.Println("usage: tdelete <tx> <key>")
		return
	}
	id, err := parseTxID(args[0])
	if err != nil {
		fmt.Printf("error: %v\n", err)
		return
	}
	s.report(s.engine.DeleteTx(id, []byte(args[1])))
}

func (s *shell) printBufferStats() {
	st := s.engine.BufferStats()
	fmt.Printf("buffer: hits=%d misses=%d evictions=%d writebacks=%d hit_ratio=%.3f pages=%d/%d\n",
		st.Hits, st.Misses, st.Evictions, st.Writebacks, st.HitRatio, st.PagesInBuffer, st.Capacity)
}

func (s *shell) printCheckpointStats() {
	st := s.engine.CheckpointStats()
	fmt.Printf("checkpoint: last_lsn=%d count=%d archived=%d wal_bytes=%d\n",
		st.LastCheckpointLSN, st.CheckpointCount, st.ArchivedSegments, st.CurrentWALBytes)
}

func (s *shell) cmdAutoCheckpoint(args []string) {
	if len(args) < 1 {
		fmt.Println("usage: auto_checkpoint <on|off>")
		return
	}
	switch strings.ToLower(args[0]) {
	case "on":
		s.engine.StartAutoCheckpoint()
		fmt.Println("OK")
	case "off":
		s.engine.StopAutoCheckpoint()
		fmt.Println("OK")
	default:
		fmt.Println("usage: auto_checkpoint <on|off>")
	}
}

func (s *shell) cmdConfigureCheckpoint(args []string) {
	if len(args) < 3 {
		fmt.Println("usage: configure_checkpoint <interval_ms> <max_wal_bytes> <max_archived>")
		return
	}
	intervalMs, err := strconv.Atoi(args[0])
	if err != nil {
		fmt.Printf("error: %v\n", err)
		return
	}
	maxBytes, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		fmt.Printf("error: %v\n", err)
		return
	}
	maxArchived, err := strconv.Atoi(args[2])
	if err != nil {
		fmt.Printf("error: %v\n", err)
		return
	}
	s.engine.ConfigureCheckpointing(intervalMs, maxBytes, maxArchived)
	fmt.Println("OK")
}
