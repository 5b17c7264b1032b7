package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/chzyer/readline"
	storageengine "github.com/suxiao1228/mydb/core/storage_engine"
	versionmanager "github.com/suxiao1228/mydb/core/version_manager"
	flushmanager "github.com/suxiao1228/mydb/core/write_engine/flush_manager"
)

const shellHelp = `commands:
  begin [0|1]                         start a transaction (0 read committed, 1 repeatable read)
  commit | abort                      finish the current transaction
  insert <text>                       insert a record, print its uid
  read <uid>                          print the record visible to the transaction
  delete <uid>                        delete a record
  index create                        create a B+Tree, print its boot uid
  index insert <boot> <key> <uid>     add key -> uid to a tree
  index search <boot> <left> [right]  print the uids for a key or key range
  quit`

var errQuit = errors.New("quit")

// session runs shell commands against one engine. Record commands outside
// an explicit transaction run in their own read committed one.
type session struct {
	ctx context.Context
	e   *storageengine.Engine
	out io.Writer
	xid uint64
}

func interact(ctx context.Context, e *storageengine.Engine, out io.Writer) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "mydb> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "quit",
	})
	if err != nil {
		return err
	}
	defer rl.Close()

	s := &session{ctx: ctx, e: e, out: out}
	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			continue
		}
		if err != nil {
			break
		}
		if err := s.exec(line); err != nil {
			if errors.Is(err, errQuit) {
				break
			}
			fmt.Fprintf(out, "error: %v\n", err)
		}
	}
	return s.finish()
}

// finish aborts a transaction left open when the shell exits.
func (s *session) finish() error {
	if s.xid == 0 {
		return nil
	}
	xid := s.xid
	s.xid = 0
	return s.e.VersionManager().Abort(xid)
}

func (s *session) exec(line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	vm := s.e.VersionManager()
	switch cmd, args := strings.ToLower(fields[0]), fields[1:]; cmd {
	case "help":
		fmt.Fprintln(s.out, shellHelp)
	case "quit", "exit":
		return errQuit
	case "begin":
		if s.xid != 0 {
			return fmt.Errorf("transaction %d is still open", s.xid)
		}
		level := versionmanager.ReadCommitted
		if len(args) > 0 {
			n, err := strconv.Atoi(args[0])
			if err != nil || (n != versionmanager.ReadCommitted && n != versionmanager.RepeatableRead) {
				return fmt.Errorf("bad isolation level %q", args[0])
			}
			level = n
		}
		xid, err := vm.Begin(level)
		if err != nil {
			return err
		}
		s.xid = xid
		fmt.Fprintf(s.out, "begin %d\n", xid)
	case "commit", "abort":
		if s.xid == 0 {
			return errors.New("no open transaction")
		}
		xid := s.xid
		s.xid = 0
		var err error
		if cmd == "commit" {
			err = vm.Commit(xid)
		} else {
			err = vm.Abort(xid)
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(s.out, "%s %d\n", cmd, xid)
	case "insert":
		if len(args) == 0 {
			return errors.New("usage: insert <text>")
		}
		text := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), fields[0]))
		return s.inTxn(func(xid uint64) error {
			uid, err := vm.Insert(xid, []byte(text))
			if err != nil {
				return err
			}
			fmt.Fprintln(s.out, uid)
			return nil
		})
	case "read":
		uid, err := parseUID(args, "read <uid>")
		if err != nil {
			return err
		}
		return s.inTxn(func(xid uint64) error {
			data, err := vm.Read(xid, uid)
			if err != nil {
				return err
			}
			if data == nil {
				fmt.Fprintln(s.out, "(not found)")
				return nil
			}
			fmt.Fprintf(s.out, "%q\n", data)
			return nil
		})
	case "delete":
		uid, err := parseUID(args, "delete <uid>")
		if err != nil {
			return err
		}
		return s.inTxn(func(xid uint64) error {
			ok, err := vm.Delete(xid, uid)
			if err != nil {
				return err
			}
			fmt.Fprintln(s.out, ok)
			return nil
		})
	case "index":
		return s.index(args)
	default:
		return fmt.Errorf("unknown command %q, try help", fields[0])
	}
	return nil
}

// inTxn runs fn in the open transaction or in a fresh one that is committed
// on success. A transaction the version manager aborted on its own is
// dropped from the session.
func (s *session) inTxn(fn func(xid uint64) error) error {
	vm := s.e.VersionManager()
	if s.xid != 0 {
		err := fn(s.xid)
		if errors.Is(err, flushmanager.ErrConcurrentUpdate) {
			fmt.Fprintf(s.out, "transaction %d was aborted\n", s.xid)
			_ = vm.Abort(s.xid)
			s.xid = 0
		}
		return err
	}
	xid, err := vm.Begin(versionmanager.ReadCommitted)
	if err != nil {
		return err
	}
	if err := fn(xid); err != nil {
		_ = vm.Abort(xid)
		return err
	}
	return vm.Commit(xid)
}

func (s *session) index(args []string) error {
	if len(args) == 0 {
		return errors.New("usage: index create|insert|search")
	}
	switch args[0] {
	case "create":
		boot, err := s.e.CreateIndex(s.ctx)
		if err != nil {
			return err
		}
		fmt.Fprintln(s.out, boot)
		return nil
	case "insert":
		if len(args) != 4 {
			return errors.New("usage: index insert <boot> <key> <uid>")
		}
		boot, err1 := strconv.ParseUint(args[1], 10, 64)
		key, err2 := strconv.ParseInt(args[2], 10, 64)
		uid, err3 := strconv.ParseUint(args[3], 10, 64)
		if err := errors.Join(err1, err2, err3); err != nil {
			return err
		}
		if err := s.e.Indexes().Insert(s.ctx, boot, key, uid); err != nil {
			return err
		}
		fmt.Fprintln(s.out, "ok")
		return nil
	case "search":
		if len(args) != 3 && len(args) != 4 {
			return errors.New("usage: index search <boot> <left> [right]")
		}
		boot, err := strconv.ParseUint(args[1], 10, 64)
		if err != nil {
			return err
		}
		left, err := strconv.ParseInt(args[2], 10, 64)
		if err != nil {
			return err
		}
		right := left
		if len(args) == 4 {
			if right, err = strconv.ParseInt(args[3], 10, 64); err != nil {
				return err
			}
		}
		uids, err := s.e.Indexes().SearchRange(s.ctx, boot, left, right)
		if err != nil {
			return err
		}
		for _, uid := range uids {
			fmt.Fprintln(s.out, uid)
		}
		fmt.Fprintf(s.out, "(%d found)\n", len(uids))
		return nil
	default:
		return fmt.Errorf("unknown index command %q", args[0])
	}
}

func parseUID(args []string, usage string) (uint64, error) {
	if len(args) != 1 {
		return 0, fmt.Errorf("usage: %s", usage)
	}
	uid, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("bad uid %q: %w", args[0], err)
	}
	return uid, nil
}
