// Command chrono is the checkpoint/restore engine's CLI: dump a live
// process to an image, or restore an image into a fresh donor.
package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/willibrandon/chronogo/internal/diag"
	"github.com/willibrandon/chronogo/pkg/config"
	"github.com/willibrandon/chronogo/pkg/rehydrator"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "chrono: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("chrono", flag.ExitOnError)
	verbosity := fs.Int("v", 0, "verbosity level (0 disables diagnostic output)")
	configPath := fs.String("config", "chrono.yaml", "path to an optional chrono.yaml")
	fs.Usage = usage
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("loading %s: %w", *configPath, err)
	}
	v := *verbosity
	if !wasSet(fs, "v") {
		v = cfg.Verbosity
	}
	diag.SetLevel(v)

	rest := fs.Args()
	if len(rest) == 0 {
		usage()
		return fmt.Errorf("missing command")
	}

	switch rest[0] {
	case "dump":
		return runDump(rest[1:], cfg)
	case "restore":
		return runRestore(rest[1:], cfg)
	default:
		usage()
		return fmt.Errorf("unknown command %q", rest[0])
	}
}

func wasSet(fs *flag.FlagSet, name string) bool {
	found := false
	fs.Visit(func(f *flag.Flag) {
		if f.Name == name {
			found = true
		}
	})
	return found
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage:
  chrono [-v n] dump <pid> <image_path>
  chrono [-v n] restore <image_path>`)
}

func runDump(args []string, cfg config.Config) error {
	if len(args) != 2 {
		return fmt.Errorf("dump requires <pid> <image_path>")
	}
	pid, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("invalid pid %q: %w", args[0], err)
	}
	f, err := os.Create(args[1])
	if err != nil {
		return fmt.Errorf("creating %s: %w", args[1], err)
	}
	defer f.Close()

	r := rehydrator.New()
	opts := rehydrator.DumpOptions{
		Compress:     cfg.Compression == "zstd",
		VDSOTeleport: cfg.VDSOTeleport,
	}
	if err := r.Dump(pid, f, opts); err != nil {
		return fmt.Errorf("dump: %w", err)
	}
	fmt.Printf("wrote image for pid %d to %s\n", pid, args[1])
	return nil
}

func runRestore(args []string, cfg config.Config) error {
	if len(args) != 1 {
		return fmt.Errorf("restore requires <image_path>")
	}
	f, err := os.Open(args[0])
	if err != nil {
		return fmt.Errorf("opening %s: %w", args[0], err)
	}
	defer f.Close()

	r := rehydrator.New()
	opts := rehydrator.DefaultRestoreOptions()
	opts.Compress = cfg.Compression == "zstd"
	opts.VDSOTeleport = cfg.VDSOTeleport
	if cfg.DonorProgram != "" {
		opts.DonorProgram = cfg.DonorProgram
	}

	cmd, err := r.Restore(f, opts)
	if err != nil {
		return fmt.Errorf("restore: %w", err)
	}
	fmt.Printf("restored pid %d from %s\n", cmd.Process.Pid, args[0])
	return cmd.Wait()
}
