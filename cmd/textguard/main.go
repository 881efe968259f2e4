// cmd/textguard/main.go
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/colebrumley/textguard/internal/config"
	"github.com/colebrumley/textguard/internal/excerpt"
	"github.com/colebrumley/textguard/internal/random"
	"github.com/colebrumley/textguard/internal/security"
	"github.com/colebrumley/textguard/internal/state"
)

const defaultConfigPath = "/etc/textguard/config.yaml"

// maxInput bounds how much stdin strip and excerpt will read.
const maxInput = 16 << 20

var errUsage = errors.New("usage")

func main() {
	if len(os.Args) < 2 {
		printUsage(os.Stderr)
		os.Exit(1)
	}

	err := run(os.Args[1], os.Args[2:], os.Stdin, os.Stdout)
	if errors.Is(err, errUsage) {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		printUsage(os.Stderr)
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(cmd string, args []string, stdin io.Reader, stdout io.Writer) error {
	switch cmd {
	case "init":
		return cmdInit(args, stdout)
	case "validate":
		return cmdValidate(args, stdout)
	case "strip":
		return cmdStrip(args, stdin, stdout)
	case "excerpt":
		return cmdExcerpt(args, stdin, stdout)
	case "rand":
		return cmdRand(args, stdout)
	case "token":
		return cmdToken(args, stdout)
	case "history":
		return cmdHistory(args, stdout)
	case "logs":
		return cmdLogs(args)
	case "help", "-h", "--help":
		printUsage(stdout)
		return nil
	default:
		return fmt.Errorf("%w: unknown command: %s", errUsage, cmd)
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, `textguard - HTML stripping and secure randomness toolkit

Usage: textguard <command> [options]

Commands:
  init [-config PATH]             Create directories and a default config
  validate [PATH]                 Validate a config file
  strip [-max N]                  Strip tags from stdin (default 200 chars)
  excerpt [-config PATH]          Print excerpt, share text and reading time for stdin HTML
  rand float                      Secure float in [0, 1)
  rand int MIN MAX                Secure integer in [MIN, MAX)
  rand bool P                     Secure boolean, true with probability P
  token [-bytes N]                Secure hex token (default 32 bytes)
  history [-limit N] [-trigger T] Show session sweep history
  logs [-f]                       View daemon logs

Environment:
  TEXTGUARD_CONFIG     config path (default /etc/textguard/config.yaml)
  TEXTGUARD_STATE_DB   state database path
  TEXTGUARD_LOG_DIR    log directory`)
}

func configPath() string {
	if p := os.Getenv(config.EnvConfig); p != "" {
		return p
	}
	return defaultConfigPath
}

// loadConfig reads path, or returns defaults when it does not exist.
func loadConfig(path string) (*config.Global, error) {
	cfg, err := config.LoadGlobal(path)
	if errors.Is(err, os.ErrNotExist) {
		cfg = config.Default()
	} else if err != nil {
		return nil, err
	}
	config.ApplyEnv(cfg)
	return cfg, nil
}

func cmdInit(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	path := fs.String("config", configPath(), "config file to create")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg := config.Default()
	config.ApplyEnv(cfg)

	dirs := []string{
		filepath.Dir(*path),
		filepath.Dir(cfg.Daemon.StateDB),
		cfg.Daemon.LogDir,
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return fmt.Errorf("creating directory %s: %w", dir, err)
		}
		fmt.Fprintf(stdout, "Created %s\n", dir)
	}

	if err := os.Chmod(filepath.Dir(cfg.Daemon.StateDB), 0700); err != nil {
		return fmt.Errorf("setting state directory permissions: %w", err)
	}

	if _, err := os.Stat(*path); os.IsNotExist(err) {
		data, err := config.Marshal(cfg)
		if err != nil {
			return err
		}
		if err := os.WriteFile(*path, data, 0600); err != nil {
			return err
		}
		fmt.Fprintf(stdout, "Created %s\n", *path)
	}

	fmt.Fprintln(stdout, "\nInitialization complete.")
	return nil
}

func cmdValidate(args []string, stdout io.Writer) error {
	path := configPath()
	if len(args) > 0 {
		path = args[0]
	}

	if _, err := config.LoadGlobal(path); err != nil {
		return fmt.Errorf("invalid config %s: %w", path, err)
	}
	if err := security.ValidateFilePermissions(path); err != nil {
		fmt.Fprintf(stdout, "warning: %v\n", err)
	}
	fmt.Fprintf(stdout, "Config '%s' is valid\n", path)
	return nil
}

func cmdStrip(args []string, stdin io.Reader, stdout io.Writer) error {
	fs := flag.NewFlagSet("strip", flag.ContinueOnError)
	max := fs.Int("max", security.DefaultMaxLength, "maximum characters of output")
	if err := fs.Parse(args); err != nil {
		return err
	}

	input, err := io.ReadAll(io.LimitReader(stdin, maxInput))
	if err != nil {
		return fmt.Errorf("reading stdin: %w", err)
	}
	fmt.Fprintln(stdout, security.StripTagsN(string(input), *max))
	return nil
}

func cmdExcerpt(args []string, stdin io.Reader, stdout io.Writer) error {
	fs := flag.NewFlagSet("excerpt", flag.ContinueOnError)
	path := fs.String("config", configPath(), "config file for excerpt limits")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(*path)
	if err != nil {
		return err
	}
	e := excerpt.New(excerpt.Options{
		ListingCap:     cfg.Excerpt.ListingCap,
		ListingLimit:   cfg.Excerpt.ListingLimit,
		ShareCap:       cfg.Excerpt.ShareCap,
		ShareLimit:     cfg.Excerpt.ShareLimit,
		WordsPerMinute: cfg.Excerpt.WordsPerMinute,
	})

	input, err := io.ReadAll(io.LimitReader(stdin, maxInput))
	if err != nil {
		return fmt.Errorf("reading stdin: %w", err)
	}
	html := string(input)

	w := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "excerpt:\t%s\n", e.Excerpt(html))
	fmt.Fprintf(w, "share:\t%s\n", e.ShareText(html))
	fmt.Fprintf(w, "words:\t%d\n", e.WordCount(html))
	fmt.Fprintf(w, "reading:\t%d min\n", e.ReadingTime(html))
	return w.Flush()
}

func cmdRand(args []string, stdout io.Writer) error {
	if len(args) < 1 {
		return fmt.Errorf("%w: textguard rand float|int MIN MAX|bool P", errUsage)
	}

	switch args[0] {
	case "float":
		fmt.Fprintln(stdout, random.Float())
		return nil
	case "int":
		if len(args) != 3 {
			return fmt.Errorf("%w: textguard rand int MIN MAX", errUsage)
		}
		min, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid MIN %q: %w", args[1], err)
		}
		max, err := strconv.ParseInt(args[2], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid MAX %q: %w", args[2], err)
		}
		v, err := random.Int(min, max)
		if err != nil {
			return err
		}
		fmt.Fprintln(stdout, v)
		return nil
	case "bool":
		if len(args) != 2 {
			return fmt.Errorf("%w: textguard rand bool P", errUsage)
		}
		p, err := strconv.ParseFloat(args[1], 64)
		if err != nil {
			return fmt.Errorf("invalid probability %q: %w", args[1], err)
		}
		v, err := random.Bool(p)
		if err != nil {
			return err
		}
		fmt.Fprintln(stdout, v)
		return nil
	default:
		return fmt.Errorf("%w: unknown rand kind %q", errUsage, args[0])
	}
}

func cmdToken(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	n := fs.Int("bytes", 32, "random bytes in the token")
	if err := fs.Parse(args); err != nil {
		return err
	}

	tok, err := random.Token(*n)
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, tok)
	return nil
}

func cmdHistory(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	limit := fs.Int("limit", 20, "number of records")
	trigger := fs.String("trigger", "", "filter by trigger (scheduled, sampled, manual)")
	path := fs.String("config", configPath(), "config file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(*path)
	if err != nil {
		return err
	}
	if _, err := os.Stat(cfg.Daemon.StateDB); err != nil {
		return fmt.Errorf("state database not found: %s", cfg.Daemon.StateDB)
	}

	db, err := state.Open(cfg.Daemon.StateDB)
	if err != nil {
		return err
	}
	defer db.Close()

	records, err := db.GetHistory(*trigger, *limit)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Fprintln(stdout, "No sweeps recorded")
		return nil
	}

	w := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "STARTED\tTRIGGER\tSTATE\tREMOVED\tREMAINING\tDURATION")
	for _, r := range records {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\n",
			r.StartedAt.Local().Format(time.DateTime), r.Trigger, r.State,
			r.Removed, r.Remaining, time.Duration(r.DurationMs)*time.Millisecond)
	}
	return w.Flush()
}

func cmdLogs(args []string) error {
	fs := flag.NewFlagSet("logs", flag.ContinueOnError)
	follow := fs.Bool("f", false, "follow logs")
	fs.BoolVar(follow, "follow", false, "follow logs")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(configPath())
	if err != nil {
		return err
	}
	logPath := filepath.Join(cfg.Daemon.LogDir, "textguardd.log")
	if _, err := os.Stat(logPath); os.IsNotExist(err) {
		return fmt.Errorf("log file not found: %s", logPath)
	}

	tailArgs := []string{"-n", "50"}
	if *follow {
		tailArgs = append(tailArgs, "-f")
	}
	tailArgs = append(tailArgs, logPath)

	cmd := exec.Command("tail", tailArgs...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}
