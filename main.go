// Command keepsv supervises a single child process: it restarts the
// child with exponential backoff whenever it exits, relays the child's
// stdout/stderr to syslog line by line, and forwards terminating and
// application-defined signals to the child's process group.
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
)

func main() {
	cfg, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "keepsv: %v\n", err)
		os.Exit(1)
	}

	if cfg.Daemonize {
		if err := daemonize(); err != nil {
			fmt.Fprintf(os.Stderr, "keepsv: daemonize: %v\n", err)
			os.Exit(1)
		}
	}

	log, err := newLogger(cfg.Name, !cfg.Daemonize)
	if err != nil {
		fmt.Fprintf(os.Stderr, "keepsv: syslog: %v\n", err)
		os.Exit(1)
	}
	defer log.Close()

	sv, err := NewSupervisor(cfg, log)
	if err != nil {
		log.Error(fmt.Sprintf("setup: %v", err))
		os.Exit(1)
	}

	if err := sv.Run(); err != nil {
		log.Error(fmt.Sprintf("supervisor: %v", err))
		os.Exit(1)
	}
	os.Exit(0)
}

// parseFlags implements keepsv's command-line grammar:
//
//	keepsv [-d] [-c cooloff] [-m maximum] [-n name] [-t restart] command [args...]
//
// All interval flags accept ParseInterval's grammar. A missing command, an
// unrecognized flag, or a malformed interval is a fatal usage error.
func parseFlags(args []string) (Config, error) {
	fs := flag.NewFlagSet("keepsv", flag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "usage: keepsv [-d] [-c cooloff] [-m maximum] [-n name] [-t restart] command [args...]\n")
		fmt.Fprintf(fs.Output(), "  info status reporting binds to SIGWINCH (this platform has no SIGINFO)\n")
		fs.PrintDefaults()
	}

	daemonizeOff := fs.Bool("d", false, "do not daemonize; keep controlling terminal and echo logs to stderr")
	cooloff := fs.String("c", "15m", "uptime after which backoff resets to the initial restart interval")
	maximum := fs.String("m", "1h", "upper cap on the restart backoff interval")
	name := fs.String("n", "", "syslog identity and log name; the process title is not changed (default: basename of command)")
	restart := fs.String("t", "1s", "initial restart backoff interval")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	command := fs.Args()
	if len(command) == 0 {
		fs.Usage()
		return Config{}, fmt.Errorf("missing command")
	}

	restartInitial, err := ParseInterval(*restart)
	if err != nil {
		return Config{}, err
	}
	cooloffIv, err := ParseInterval(*cooloff)
	if err != nil {
		return Config{}, err
	}
	maximumIv, err := ParseInterval(*maximum)
	if err != nil {
		return Config{}, err
	}

	identity := *name
	if identity == "" {
		identity = filepath.Base(command[0])
	}

	return Config{
		Name:           identity,
		Command:        command,
		Daemonize:      !*daemonizeOff,
		RestartInitial: restartInitial,
		Cooloff:        cooloffIv,
		Maximum:        maximumIv,
	}, nil
}
