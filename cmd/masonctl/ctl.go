// Copyright (c) 2024 The Mason Authors. All rights reserved.
// SPDX-License-Identifier: MIT

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/codegangsta/cli"
	shlex "github.com/flynn-archive/go-shlex"
	"github.com/peterh/liner"

	"github.com/c2h5oh/datasize"
	log "github.com/golang/glog"
	"github.com/masonfs/mason/internal/core"
	"github.com/masonfs/mason/internal/master/checkpoint"
)

var usage = `
	masonctl inspects and manages the checkpoint database of a mason master.
	It works on the file directly, so it can be pointed at the checkpoint of a
	stopped master, at a copy, or at a restored backup. It never needs the
	master to be running.

	You can use masonctl in two modes: either issue one command against a
	given checkpoint or start a command line interpreter to issue commands
	interactively. You can issue just one command by typing something like:

		masonctl --db <path> <subcommand> [<flags>...]

	You can see a list of sub-commands in the command section.

	Alternatively, you can start a command line interpreter by typing
	something like:

		masonctl --db <path> shell

	In this mode you are able to issue commands in an interpreter
	interactively.
	`

// masonCtl drives subcommands against one checkpoint database. The store
// handle is opened read-only and cached so a shell session doesn't reopen
// the file on every command.
type masonCtl struct {
	// the checkpoint we are inspecting.
	st *checkpoint.Store
	// Cache key to know when we can reuse st.
	stCacheKey string
	// the command line framework we'll use to launch commands.
	app *cli.App
	// True if we are running a shell.
	inShell bool
}

// newMasonCtl creates a new masonCtl object.
func newMasonCtl() *masonCtl {
	m := &masonCtl{}
	app := cli.NewApp()
	app.Name = "masonctl"

	app.Usage = usage
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "db, d",
			Usage: "Path to the checkpoint database file",
		},
	}

	blockflag := cli.StringFlag{
		Name:  "block, b",
		Usage: "block id",
	}

	app.Commands = []cli.Command{
		{
			Name:    "info",
			Aliases: []string{"i"},
			Usage:   "Prints a summary of the checkpoint.",
			Action:  m.cmdInfo,
		},
		{
			Name:    "meta",
			Aliases: []string{"m"},
			Usage:   "Prints the namespace counters.",
			Action:  m.cmdMeta,
		},
		{
			Name:    "dump",
			Aliases: []string{"ls"},
			Usage:   "Lists block records.",
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:  "start",
					Usage: "block id to start from (default: the beginning)",
				},
				cli.IntFlag{
					Name:  "limit, n",
					Usage: "maximum records to print (unset or <= 0 means 'all')",
				},
				cli.BoolFlag{
					Name:  "replicas, r",
					Usage: "set this flag to also print each record's replicas",
				},
			},
			Action: m.cmdDump,
		},
		{
			Name:    "stat",
			Aliases: []string{"s"},
			Usage:   "Prints one block record in full.",
			Flags: []cli.Flag{
				blockflag,
			},
			Action: m.cmdStat,
		},
		{
			Name:    "verify",
			Aliases: []string{"v"},
			Usage:   "Checks the integrity of every record.",
			Action:  m.cmdVerify,
		},
		{
			Name:  "backup",
			Usage: "Writes a snapshot of the checkpoint to a dated file.",
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:  "out, o",
					Usage: "output file, or a directory to place a dated file in (default: current directory)",
				},
				cli.IntFlag{
					Name:  "keep, k",
					Usage: "prune old snapshots in the output directory down to this many (unset or <= 0 keeps all)",
				},
			},
			Action: m.cmdBackup,
		},
		{
			Name:  "restore",
			Usage: "Materializes a snapshot as a new checkpoint database.",
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:  "from, f",
					Usage: "snapshot file to restore from",
				},
				cli.StringFlag{
					Name:  "to, t",
					Usage: "path for the new checkpoint database (must not exist)",
				},
			},
			Action: m.cmdRestore,
		},
		{
			Name:   "shell",
			Usage:  "Starts a shell for interaction.",
			Action: m.cmdShell,
		},
	}
	m.app = app

	// By default 'HelpName' will be the parent command name('masonctl' in our
	// case) + command name. Overwrite 'HelpName' to be command name only.
	for i := range m.app.Commands {
		m.app.Commands[i].HelpName = m.app.Commands[i].Name
	}
	return m
}

// run starts a command specified by users.
func (m *masonCtl) run(args []string) error {
	return m.app.Run(args)
}

// stop frees up all resource used by the masonCtl object.
func (m *masonCtl) stop() {
	if m.st != nil {
		m.st.Close()
		m.st = nil
	}
}

// getStore returns a read-only handle on the checkpoint named by --db. If
// there's already one open on the same file, reuse it.
func (m *masonCtl) getStore(c *cli.Context) *checkpoint.Store {
	path := c.GlobalString("db")
	if path == "" {
		log.Errorf("No checkpoint database provided. Use --db/-d.")
		os.Exit(1)
	}
	if m.st != nil && m.stCacheKey == path {
		return m.st
	}
	m.stop()
	st, err := checkpoint.OpenReadOnly(path)
	if err != nil {
		log.Errorf("Couldn't open checkpoint: %s", err)
		os.Exit(1)
	}
	m.st = st
	m.stCacheKey = path
	return m.st
}

// cmdMeta implements the "meta" subcommand.
func (m *masonCtl) cmdMeta(c *cli.Context) {
	st := m.getStore(c)
	var meta checkpoint.Meta
	var ok bool
	err := st.View(func(t *checkpoint.Txn) error {
		var err error
		meta, ok, err = t.Meta()
		return err
	})
	if err != nil {
		log.Errorf("Error reading counters: %s", err)
		return
	}
	if !ok {
		fmt.Printf("no counters written yet\n")
		return
	}
	fmt.Printf("next block id:   %v\n", meta.NextBlockID)
	fmt.Printf("next gen stamp:  %v\n", meta.NextGenStamp)
	fmt.Printf("save count:      %d\n", meta.SaveCount)
	fmt.Printf("last saved:      %s\n", time.Unix(meta.SavedAt, 0).UTC().Format(time.RFC3339))
}

// cmdInfo implements the "info" subcommand.
func (m *masonCtl) cmdInfo(c *cli.Context) {
	st := m.getStore(c)

	var blocks, bytes uint64
	perState := make(map[string]int)
	holders := make(map[string]int)
	err := st.View(func(t *checkpoint.Txn) error {
		return t.ForEachBlock(func(rec checkpoint.BlockRecord) error {
			blocks++
			bytes += rec.Block.Length
			perState[rec.State.String()]++
			if rec.Holder != "" {
				holders[rec.Holder]++
			}
			return nil
		})
	})
	if err != nil {
		log.Errorf("Error walking records: %s", err)
		return
	}

	fmt.Printf("%d blocks, %s\n", blocks, datasize.ByteSize(bytes).HR())
	states := make([]string, 0, len(perState))
	for s := range perState {
		states = append(states, s)
	}
	sort.Strings(states)
	for _, s := range states {
		fmt.Printf("  %-18s  %d\n", s, perState[s])
	}
	fmt.Printf("%d open leases\n", len(holders))
	hs := make([]string, 0, len(holders))
	for h := range holders {
		hs = append(hs, h)
	}
	sort.Strings(hs)
	for _, h := range hs {
		fmt.Printf("  %-18s  %d blocks\n", h, holders[h])
	}
}

// printRecord prints one block record, optionally with its replicas.
func printRecord(rec checkpoint.BlockRecord, replicas bool) {
	extra := ""
	if rec.State == core.BlockUnderRecovery {
		extra = fmt.Sprintf("  recovery=%v primary=%d", rec.RecoveryID, rec.PrimaryIdx)
	}
	fmt.Printf("%v  %-18s  %10d  %-8v  repl=%d fin=%d  %s%s\n",
		rec.Block.ID, rec.State, rec.Block.Length, rec.Block.GenStamp,
		len(rec.Replicas), len(rec.Finalized), rec.Holder, extra)
	if !replicas {
		return
	}
	for _, r := range rec.Replicas {
		tried := "-"
		if r.TriedAsPrimary {
			tried = "tried"
		}
		fmt.Printf("    node %4v  %-10s  %-5s  reported %v\n", r.Node, r.State, tried, r.Reported)
	}
}

// cmdDump implements the "dump" subcommand.
func (m *masonCtl) cmdDump(c *cli.Context) {
	st := m.getStore(c)

	var start core.BlockID
	if s := c.String("start"); s != "" {
		var err error
		if start, err = core.ParseBlockID(s); err != nil {
			log.Errorf("Failed to parse block id %q: %s", s, err)
			return
		}
	}
	limit := c.Int("limit")
	withReplicas := c.Bool("replicas")

	printed := 0
	err := st.View(func(t *checkpoint.Txn) error {
		return t.ForEachBlock(func(rec checkpoint.BlockRecord) error {
			if rec.Block.ID < start {
				return nil
			}
			if limit > 0 && printed >= limit {
				return errDumpDone
			}
			printRecord(rec, withReplicas)
			printed++
			return nil
		})
	})
	if err != nil && err != errDumpDone {
		log.Errorf("Error walking records: %s", err)
		return
	}
	fmt.Printf("%d records\n", printed)
}

// errDumpDone stops the dump walk once the limit is reached.
var errDumpDone = fmt.Errorf("done")

// cmdStat implements the "stat" subcommand.
func (m *masonCtl) cmdStat(c *cli.Context) {
	st := m.getStore(c)
	id, err := core.ParseBlockID(c.String("block"))
	if err != nil {
		log.Errorf("Failed to parse block id: %s", err)
		return
	}

	var rec checkpoint.BlockRecord
	var ok bool
	err = st.View(func(t *checkpoint.Txn) error {
		rec, ok, err = t.GetBlock(id)
		return err
	})
	if err != nil {
		log.Errorf("Error reading block %v: %s", id, err)
		return
	}
	if !ok {
		log.Errorf("No record for block %v", id)
		return
	}
	printRecord(rec, true)
	if len(rec.Finalized) > 0 {
		nodes := make([]string, len(rec.Finalized))
		for i, n := range rec.Finalized {
			nodes[i] = n.String()
		}
		fmt.Printf("    finalized on nodes: %s\n", strings.Join(nodes, ", "))
	}
}

// cmdVerify implements the "verify" subcommand.
func (m *masonCtl) cmdVerify(c *cli.Context) {
	st := m.getStore(c)
	n, err := st.Verify()
	if err != nil {
		log.Errorf("Checkpoint is damaged after %d good records: %s", n, err)
		return
	}
	fmt.Printf("%d records verified\n", n)
}

// backupName returns the dated file name for a snapshot taken at 't'.
func backupName(t time.Time) string {
	return fmt.Sprintf("checkpoint-%s.snap", t.UTC().Format("20060102-150405"))
}

// cmdBackup implements the "backup" subcommand.
func (m *masonCtl) cmdBackup(c *cli.Context) {
	st := m.getStore(c)

	out := c.String("out")
	if out == "" {
		out = "."
	}
	dir := ""
	if fi, err := os.Stat(out); err == nil && fi.IsDir() {
		dir = out
		out = filepath.Join(dir, backupName(time.Now()))
	}

	f, err := os.OpenFile(out, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		log.Errorf("Couldn't create snapshot file: %s", err)
		return
	}
	if err := st.Save(f); err != nil {
		f.Close()
		os.Remove(out)
		log.Errorf("Snapshot failed: %s", err)
		return
	}
	if err := f.Close(); err != nil {
		os.Remove(out)
		log.Errorf("Couldn't finish snapshot file: %s", err)
		return
	}
	log.Infof("Snapshot written to %s", out)

	if keep := c.Int("keep"); keep > 0 && dir != "" {
		if err := pruneBackups(dir, keep); err != nil {
			log.Errorf("Couldn't prune old snapshots: %s", err)
		}
	}
}

// pruneBackups removes the oldest dated snapshots in 'dir' so that at most
// 'keep' remain. The dated names sort chronologically, so name order is
// age order.
func pruneBackups(dir string, keep int) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	var snaps []string
	for _, e := range entries {
		name := e.Name()
		if !e.IsDir() && strings.HasPrefix(name, "checkpoint-") && strings.HasSuffix(name, ".snap") {
			snaps = append(snaps, name)
		}
	}
	sort.Strings(snaps)
	for len(snaps) > keep {
		victim := filepath.Join(dir, snaps[0])
		if err := os.Remove(victim); err != nil {
			return err
		}
		log.Infof("Pruned old snapshot %s", victim)
		snaps = snaps[1:]
	}
	return nil
}

// cmdRestore implements the "restore" subcommand.
func (m *masonCtl) cmdRestore(c *cli.Context) {
	from := c.String("from")
	to := c.String("to")
	if from == "" || to == "" {
		log.Errorf("Both --from and --to are required.")
		return
	}

	f, err := os.Open(from)
	if err != nil {
		log.Errorf("Couldn't open snapshot: %s", err)
		return
	}
	defer f.Close()

	meta, err := checkpoint.Restore(f, to)
	if err != nil {
		log.Errorf("Restore failed: %s", err)
		return
	}
	log.Infof("Restored %s: next block id %v, next gen stamp %v, save count %d",
		to, meta.NextBlockID, meta.NextGenStamp, meta.SaveCount)
}

// cmdShell implements "shell" subcommand.
func (m *masonCtl) cmdShell(c *cli.Context) {
	m.inShell = true
	defer func() { m.inShell = false }()

	// Make cli not exit on errors.
	cli.OsExiter = func(int) {}

	liner := liner.NewLiner()
	liner.SetCtrlCAborts(true)

	// Add commands auto completion.
	// SetCompleter accepts a function that will be called when users type
	// something in shell. The func takes the currently edited line content at
	// the left of the cursor(stored in 'line') and returns a list of
	// completion candidates.
	liner.SetCompleter(func(line string) (c []string) {
		for _, cmd := range m.app.Commands {
			if strings.HasPrefix(cmd.Name, line) {
				c = append(c, cmd.Name)
			}
		}
		return
	})

	defer liner.Close()

	for {
		input, err := liner.Prompt(fmt.Sprintf("(%s) ", "mason"))
		if err != nil {
			log.Errorf("error: %v", err)
			return
		}

		// We use 'shlex' because we want split input line in to tokens using
		// shell-style rules for quoting and commenting.
		args, err := shlex.Split(input)
		if err != nil {
			log.Errorf("error:%v", err)
			continue
		}

		// Skip empty line.
		if 0 == len(args) {
			continue
		}

		if args[0] == "exit" {
			return
		}

		if m.runCommand(c, args...) == nil {
			// Adds succeeded command to command history.
			liner.AppendHistory(input)
		}
	}
}

// runCommand runs a command after the ctl gets started already(either from
// the command interpreter or flags).
func (m *masonCtl) runCommand(c *cli.Context, args ...string) error {
	ctlArgs := []string{"masonctl", "--db", c.GlobalString("db")}
	ctlArgs = append(ctlArgs, args...)
	return m.run(ctlArgs)
}
