// Command fidbctl is the operator CLI for the fast-insert tree storage
// core: create a database, inspect its header, exercise the main B-tree
// and the fast-insert tree directly, force (or watch for) a merge, and
// force a checkpoint. It opens every database through internal/engine's
// BtShared registry (spec.md §3 "Ownership and lifecycle") rather than
// internal/pager directly, and loads its pager options from an optional
// YAML file via internal/config.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/SimonWaldherr/fitreedb/internal/btree"
	"github.com/SimonWaldherr/fitreedb/internal/config"
	"github.com/SimonWaldherr/fitreedb/internal/engine"
	"github.com/SimonWaldherr/fitreedb/internal/fitree"
	"github.com/SimonWaldherr/fitreedb/internal/osshim"
	"github.com/SimonWaldherr/fitreedb/internal/pager"
)

var (
	flagDB        = flag.String("db", "", "path to the database file")
	flagConfig    = flag.String("config", "", "path to a YAML pager configuration file (see internal/config)")
	flagPageSize  = flag.Int("page-size", pager.DefaultPageSize, "page size in bytes for a new database")
	flagBlockSize = flag.Int("block-size", pager.DefaultBlockSize, "block size in bytes for a new database")
	flagVerbose   = flag.Bool("v", false, "verbose logging")
)

func main() {
	flag.Parse()
	if *flagDB == "" {
		fmt.Fprintln(os.Stderr, "usage: fidbctl -db PATH [-config FILE] <create|inspect|checkpoint|put|get|scan|fi-put|fi-get|merge|stats|watch>")
		os.Exit(2)
	}
	cmd := "inspect"
	if flag.NArg() > 0 {
		cmd = flag.Arg(0)
	}
	args := flag.Args()

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	if !*flagVerbose {
		log = log.Level(zerolog.WarnLevel)
	}

	cfgFile := config.Default()
	if *flagConfig != "" {
		loaded, err := config.Load(*flagConfig)
		if err != nil {
			fmt.Fprintln(os.Stderr, "config:", err)
			os.Exit(1)
		}
		cfgFile = loaded
	} else {
		cfgFile.PageSize = *flagPageSize
		cfgFile.BlockSize = *flagBlockSize
	}
	cfg, err := cfgFile.ToPagerConfig(osshim.Default, log)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	conn, err := engine.Open(*flagDB, cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(1)
	}
	defer conn.Close()
	p := conn.Pager()

	switch cmd {
	case "create":
		if err := p.Commit(); err != nil {
			fmt.Fprintln(os.Stderr, "commit:", err)
			os.Exit(1)
		}
		fmt.Println("created", *flagDB)
	case "inspect":
		printHeader(p.Header())
	case "checkpoint":
		safe, err := p.Checkpoint(0)
		if err != nil {
			fmt.Fprintln(os.Stderr, "checkpoint:", err)
			os.Exit(1)
		}
		fmt.Println("checkpointed through frame", safe)
	case "put":
		requireArgs(args, 3, "put KEY VALUE")
		tree, err := conn.MainTree()
		if err != nil {
			fmt.Fprintln(os.Stderr, "main tree:", err)
			os.Exit(1)
		}
		if err := tree.Insert([]byte(args[1]), []byte(args[2])); err != nil {
			fmt.Fprintln(os.Stderr, "put:", err)
			os.Exit(1)
		}
		p.Header().MainRoot = tree.Root()
		if err := p.Commit(); err != nil {
			fmt.Fprintln(os.Stderr, "commit:", err)
			os.Exit(1)
		}
	case "get":
		requireArgs(args, 2, "get KEY")
		tree, err := conn.MainTree()
		if err != nil {
			fmt.Fprintln(os.Stderr, "main tree:", err)
			os.Exit(1)
		}
		c := btree.NewCursor(tree)
		ok, err := c.Seek([]byte(args[1]), btree.SeekEQ)
		if err != nil || !ok {
			fmt.Fprintln(os.Stderr, "not found")
			os.Exit(1)
		}
		data, err := c.Data()
		if err != nil {
			fmt.Fprintln(os.Stderr, "get:", err)
			os.Exit(1)
		}
		fmt.Println(string(data))
	case "scan":
		tree, err := conn.MainTree()
		if err != nil {
			fmt.Fprintln(os.Stderr, "main tree:", err)
			os.Exit(1)
		}
		c := btree.NewCursor(tree)
		ok, err := c.First()
		for ok && err == nil {
			k, _ := c.Key()
			v, _ := c.Data()
			fmt.Printf("%s=%s\n", k, v)
			ok, err = c.Next()
		}
		if err != nil {
			fmt.Fprintln(os.Stderr, "scan:", err)
			os.Exit(1)
		}
	case "fi-put":
		requireArgs(args, 3, "fi-put KEY VALUE")
		tree := conn.FastInsert()
		if err := tree.Insert([]byte(args[1]), []byte(args[2])); err != nil {
			fmt.Fprintln(os.Stderr, "fi-put:", err)
			os.Exit(1)
		}
	case "fi-get":
		requireArgs(args, 2, "fi-get KEY")
		tree := conn.FastInsert()
		v, found, err := tree.Get([]byte(args[1]))
		if err != nil {
			fmt.Fprintln(os.Stderr, "fi-get:", err)
			os.Exit(1)
		}
		if !found {
			fmt.Fprintln(os.Stderr, "not found")
			os.Exit(1)
		}
		fmt.Println(string(v))
	case "merge":
		scheduled, err := conn.RunMerge()
		if err != nil {
			fmt.Fprintln(os.Stderr, "merge:", err)
			os.Exit(1)
		}
		if !scheduled {
			fmt.Println("no merge-eligible age found")
			return
		}
		fmt.Println("merge complete")
	case "stats":
		tree := conn.FastInsert()
		stats, err := tree.Stats()
		if err != nil {
			fmt.Fprintln(os.Stderr, "stats:", err)
			os.Exit(1)
		}
		for age, s := range stats {
			fmt.Printf("age %d: minLevel=%d nLevel=%d mergeLevel=%d\n", age, s.MinLevel, s.NLevel, s.MergeLevel)
		}
	case "watch":
		scanner, err := fitree.NewScanner(conn.FastInsert(), cfgFile.Schedule(), log)
		if err != nil {
			fmt.Fprintln(os.Stderr, "scanner:", err)
			os.Exit(1)
		}
		scanner.Start()
		fmt.Println("watching for merge opportunities on schedule", cfgFile.Schedule(), "(ctrl-c to stop)")
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig
		scanner.Stop()
	default:
		fmt.Fprintln(os.Stderr, "unknown command:", cmd)
		os.Exit(2)
	}
}

func requireArgs(args []string, n int, usage string) {
	if len(args) < n {
		fmt.Fprintln(os.Stderr, "usage: fidbctl -db PATH", usage)
		os.Exit(2)
	}
}

func printHeader(h *pager.Header) {
	fmt.Printf("page size:        %d\n", h.PageSize)
	fmt.Printf("block size:       %d\n", h.BlockSize)
	fmt.Printf("page count:       %d\n", h.PageCount)
	fmt.Printf("main root:        %d\n", h.MainRoot)
	fmt.Printf("meta-tree root:   %d\n", h.MetaRoot)
	fmt.Printf("schedule page:    %d\n", h.SchedulePg)
	fmt.Printf("fast-insert block:%d (%d pages used)\n", h.SubBlock, h.SubBlockNPg)
	fmt.Printf("schema cookie:    %d\n", h.SchemaCookie)
	fmt.Printf("free page trunk:  %d\n", h.FreePageTrunk)
	fmt.Printf("free block trunk: %d\n", h.FreeBlockTrunk)
}
