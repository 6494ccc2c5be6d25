//go:build linux

// Command memtap attaches to a running process, runs a single typed memory
// search, prints its results, and exits. It is a demonstration harness over
// the search and adapter/linux packages, not the interactive shell
// memtap's ancestor ships: scripting one search-and-report pass is enough to
// exercise the full read path end to end.
package main

import (
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"

	getopt "github.com/pborman/getopt/v2"

	"github.com/cornflower-labs/memtap/adapter/linux"
	"github.com/cornflower-labs/memtap/internal/logx"
	"github.com/cornflower-labs/memtap/procmem"
	"github.com/cornflower-labs/memtap/region"
	"github.com/cornflower-labs/memtap/search"
)

var Logger *slog.Logger

func main() {
	optPid := getopt.IntLong("pid", 'p', 0, "Target process ID")
	optName := getopt.StringLong("name", 'n', "", "Target process name, resolved via /proc")
	optType := getopt.StringLong("type", 't', "int32", "Search value type (e.g. int32, uint16_re, float64, data)")
	optPredicate := getopt.StringLong("predicate", 'P', "all", "Search predicate (==, !=, <, >, <=, >=, flag, all)")
	optOperand := getopt.StringLong("value", 'v', "", "Operand bytes as hex, e.g. 2a000000; empty means no operand")
	optMaxResults := getopt.IntLong("max-results", 'm', 1000, "Maximum results to keep")
	optLogFile := getopt.StringLong("log", 'l', "", "Log file")
	optVerbose := getopt.BoolLong("verbose", 'V', "Mirror log records to stderr")
	optHelp := getopt.BoolLong("help", 'h', "Help")
	getopt.Parse()

	if *optHelp {
		getopt.Usage()
		os.Exit(0)
	}

	var file *os.File
	if *optLogFile != "" {
		file, _ = os.Create(*optLogFile)
	}
	programLevel := new(slog.LevelVar)
	programLevel.Set(slog.LevelDebug)
	Logger = slog.New(logx.NewHandler(file, &slog.HandlerOptions{Level: programLevel}, *optVerbose))
	slog.SetDefault(Logger)

	pid, err := resolveTarget(*optPid, *optName)
	if err != nil {
		Logger.Error(err.Error())
		os.Exit(1)
	}

	typ, ok := search.TypeByName(*optType)
	if !ok {
		Logger.Error("unknown search type", "type", *optType)
		os.Exit(1)
	}
	predicate, ok := search.PredicateByName(*optPredicate)
	if !ok {
		Logger.Error("unknown predicate", "predicate", *optPredicate)
		os.Exit(1)
	}
	operand, err := decodeOperand(*optOperand)
	if err != nil {
		Logger.Error(err.Error())
		os.Exit(1)
	}

	adapter := linux.New()
	if err := adapter.Attach(pid); err != nil {
		Logger.Error(err.Error())
		os.Exit(1)
	}
	Logger.Info("attached", "pid", pid)

	guard, err := procmem.Pause(adapter)
	if err != nil {
		Logger.Error(err.Error())
		os.Exit(1)
	}
	regions, err := adapter.GetAllRegions(true)
	guard.Release()
	if err != nil {
		Logger.Error(err.Error())
		os.Exit(1)
	}
	snap := region.NewSnapshot(regions)

	s := search.New("initial", typ, true, 2)
	iter, err := s.Refine(snap, predicate, operand, *optMaxResults, os.Stdout, nil)
	if err != nil {
		Logger.Error(err.Error())
		os.Exit(1)
	}
	if iter == nil {
		Logger.Warn("search returned no iteration")
		os.Exit(0)
	}

	fmt.Printf("%s\n", iter.Annotation)
	for _, addr := range iter.Results {
		fmt.Printf("  0x%016x\n", addr)
	}
}

// resolveTarget picks the pid to attach to: an explicit --pid wins, falling
// back to resolving --name through the adapter's /proc scan. Exactly one
// must be usable.
func resolveTarget(pid int, name string) (int, error) {
	if pid > 0 {
		return pid, nil
	}
	if name == "" {
		return 0, fmt.Errorf("specify either --pid or --name")
	}
	return linux.FindByName(name)
}

// decodeOperand parses a hex string into raw operand bytes, or returns nil
// for an empty string (meaning "no operand": an all-scan or a second-pass
// comparison against the prior snapshot).
func decodeOperand(hexStr string) ([]byte, error) {
	if hexStr == "" {
		return nil, nil
	}
	out, err := hex.DecodeString(hexStr)
	if err != nil {
		return nil, fmt.Errorf("invalid operand hex %q: %w", hexStr, err)
	}
	return out, nil
}
