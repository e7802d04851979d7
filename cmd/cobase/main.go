// Command cobase is a small CLI/REPL driver over a cobase store, in the
// spirit of the teacher's cmd/ readline-based driver (cmd/main.go):
// point it at a directory, open the engine, and poke at classes by name
// from the shell instead of wiring a Go program.
package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/ahamid/cobase"
	"github.com/ahamid/cobase/cctx"
	"github.com/ahamid/cobase/clock"
	"github.com/ahamid/cobase/kv"
	"github.com/ahamid/cobase/logging"
)

func main() {
	root := &cobra.Command{
		Use:   "cobase",
		Short: "poke at a cobase object store from the shell",
	}

	var dbPath string
	root.PersistentFlags().StringVar(&dbPath, "db", "./cobase-data", "path to the on-disk store")

	root.AddCommand(getCmd(&dbPath), setCmd(&dbPath), rmCmd(&dbPath), replCmd(&dbPath))

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func openRegistry(dbPath string) (*cobase.Registry, error) {
	engine := kv.NewPebbleEngine(dbPath)
	logger := logging.NewDefaultLogger(slog.LevelInfo)
	return cobase.NewRegistry(engine, clock.NewSystem(), logger, cobase.Options{}), nil
}

// openClass attaches to (or creates) a raw, schemaless class: values are
// stored and returned as opaque JSON, since the CLI has no compile-time
// type to parameterize Store[T] with.
func openClass(reg *cobase.Registry, name string) (*cobase.Store[json.RawMessage], error) {
	return cobase.NewStore[json.RawMessage](reg, name, cobase.SourceInfo{Version: "1"}, cobase.StrongValues)
}

func parseArgID(s string) (cobase.ID, error) {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil && n > 0 {
		return cobase.IntID(n), nil
	}
	return cobase.StringID(s)
}

func getCmd(dbPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "get <class> <id>",
		Short: "print an entity's current JSON value",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := openRegistry(*dbPath)
			if err != nil {
				return errors.Wrap(err, "open registry")
			}
			store, err := openClass(reg, args[0])
			if err != nil {
				return errors.Wrapf(err, "open class %q", args[0])
			}
			id, err := parseArgID(args[1])
			if err != nil {
				return errors.Wrap(err, "bad id")
			}
			v, err := store.ValueOf(cctx.Background(), id)
			if err != nil {
				return errors.Wrapf(err, "get %s/%s", args[0], args[1])
			}
			fmt.Println(string(*v))
			return nil
		},
	}
}

func setCmd(dbPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "set <class> <id> <json>",
		Short: "write an entity's JSON value",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := openRegistry(*dbPath)
			if err != nil {
				return errors.Wrap(err, "open registry")
			}
			store, err := openClass(reg, args[0])
			if err != nil {
				return errors.Wrapf(err, "open class %q", args[0])
			}
			id, err := parseArgID(args[1])
			if err != nil {
				return errors.Wrap(err, "bad id")
			}
			if !json.Valid([]byte(args[2])) {
				return errors.New("value is not valid JSON")
			}
			raw := json.RawMessage(args[2])
			if err := store.ForID(id).SetValue(raw); err != nil {
				return errors.Wrapf(err, "set %s/%s", args[0], args[1])
			}
			return nil
		},
	}
}

func rmCmd(dbPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "rm <class> <id>",
		Short: "delete an entity",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := openRegistry(*dbPath)
			if err != nil {
				return errors.Wrap(err, "open registry")
			}
			store, err := openClass(reg, args[0])
			if err != nil {
				return errors.Wrapf(err, "open class %q", args[0])
			}
			id, err := parseArgID(args[1])
			if err != nil {
				return errors.Wrap(err, "bad id")
			}
			if err := store.ForID(id).Remove(); err != nil {
				return errors.Wrapf(err, "rm %s/%s", args[0], args[1])
			}
			return nil
		},
	}
}

// replCmd opens an interactive session, logging a fresh session id per
// invocation (mirroring the teacher's readline-driven loop in shape, swapped
// to bufio.Scanner since the pack carries no readline library of its own).
func replCmd(dbPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "repl",
		Short: "interactive get/stats session (set and rm are separate subcommands only)",
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := openRegistry(*dbPath)
			if err != nil {
				return errors.Wrap(err, "open registry")
			}
			sessionID := uuid.NewString()
			reg.Logger.Info("repl session starting", "session", sessionID, "db", *dbPath)

			stores := make(map[string]*cobase.Store[json.RawMessage])
			classFor := func(name string) (*cobase.Store[json.RawMessage], error) {
				if s, ok := stores[name]; ok {
					return s, nil
				}
				s, err := openClass(reg, name)
				if err != nil {
					return nil, err
				}
				stores[name] = s
				return s, nil
			}

			scanner := bufio.NewScanner(os.Stdin)
			fmt.Print("cobase> ")
			for scanner.Scan() {
				line := strings.TrimSpace(scanner.Text())
				fields := strings.Fields(line)
				if len(fields) == 0 {
					fmt.Print("cobase> ")
					continue
				}
				switch fields[0] {
				case "exit", "quit":
					return nil
				case "stats":
					fmt.Printf("cache weight: %s (%d entries)\n",
						humanize.Bytes(uint64(reg.Expiry.TotalWeight())), reg.Expiry.Len())
				case "get":
					if len(fields) != 3 {
						fmt.Println("usage: get <class> <id>")
						break
					}
					store, err := classFor(fields[1])
					if err != nil {
						fmt.Fprintln(os.Stderr, err)
						break
					}
					id, err := parseArgID(fields[2])
					if err != nil {
						fmt.Fprintln(os.Stderr, err)
						break
					}
					v, err := store.ValueOf(cctx.Background(), id)
					if err != nil {
						fmt.Fprintln(os.Stderr, err)
						break
					}
					fmt.Println(string(*v))
				default:
					fmt.Printf("unknown command: %s\n", fields[0])
				}
				fmt.Print("cobase> ")
			}
			return scanner.Err()
		},
	}
}
