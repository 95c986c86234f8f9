// Command sortbridge accepts classifications from the vision PC over HTTP,
// drives the sorting controller over a serial link and records every
// confirmed sort in SQLite.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/banshee-data/sortbridge/internal/api"
	"github.com/banshee-data/sortbridge/internal/config"
	"github.com/banshee-data/sortbridge/internal/db"
	"github.com/banshee-data/sortbridge/internal/monitoring"
	"github.com/banshee-data/sortbridge/internal/sorting"
	"github.com/banshee-data/sortbridge/internal/version"
)

var (
	configPath    = flag.String("config", "", "Path to a .json, .yaml or .yml config file")
	devMode       = flag.Bool("dev", false, "Simulate the controller instead of opening a serial port")
	disableSerial = flag.Bool("disable-serial", false, "Run without a controller; every actuation fails as a transport error")
	listen        = flag.String("listen", "", "HTTP listen address (overrides config)")
	port          = flag.String("port", "", "Controller serial port (overrides config and "+config.EnvSerialPort+")")
	dbPathFlag    = flag.String("db-path", "", "SQLite database path (overrides config and "+config.EnvDBPath+")")
	versionFlag   = flag.Bool("version", false, "Print version information and exit")
	serverURL     = flag.String("server", "http://localhost:5002", "Bridge URL used by the submit command")
	waitFlag      = flag.Bool("wait", false, "submit: wait until the job finishes")
)

func usage() {
	out := flag.CommandLine.Output()
	fmt.Fprintf(out, "Usage: sortbridge [flags] [serve | migrate <action> | submit <type_id>]\n\n")
	flag.PrintDefaults()
}

func main() {
	flag.Usage = usage
	flag.Parse()

	if *versionFlag {
		fmt.Printf("sortbridge %s (%s, built %s)\n", version.Version, version.GitSHA, version.BuildTime)
		return
	}

	switch flag.Arg(0) {
	case "", "serve":
	case "migrate":
		cfg, err := loadConfig()
		if err != nil {
			log.Fatalf("config: %v", err)
		}
		if err := db.RunMigrateCommand(flag.Args()[1:], cfg.GetDBPath(), os.Stdout); err != nil {
			log.Fatalf("migrate: %v", err)
		}
		return
	case "submit":
		c := api.NewClient(*serverURL, nil)
		if err := runSubmit(context.Background(), c, flag.Args()[1:], *waitFlag, os.Stdout); err != nil {
			log.Fatalf("submit: %v", err)
		}
		return
	default:
		usage()
		os.Exit(2)
	}

	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if *devMode && *disableSerial {
		log.Fatal("--dev and --disable-serial are mutually exclusive")
	}

	if path := cfg.GetLogFile(); path != "" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			log.Fatalf("failed to open log file: %v", err)
		}
		defer f.Close()
		log.SetOutput(io.MultiWriter(os.Stderr, f))
	}

	variant, _ := cfg.GetProtocol()
	a, err := newApp(cfg, portFactory(*devMode, *disableSerial, variant), monitoring.StdLogger())
	if err != nil {
		log.Fatalf("failed to start: %v", err)
	}
	defer a.Close()

	ln, err := net.Listen("tcp", cfg.GetListenAddr())
	if err != nil {
		log.Fatalf("failed to listen on %s: %v", cfg.GetListenAddr(), err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.serve(ctx, ln); err != nil {
		log.Printf("server error: %v", err)
		return
	}
	log.Printf("Graceful shutdown complete")
}

// loadConfig layers the config file, then the environment, then flags.
func loadConfig() (*config.Config, error) {
	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	cfg.ApplyEnv(os.LookupEnv)
	applyFlags(cfg, *port, *listen, *dbPathFlag)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyFlags copies non-empty flag values onto cfg.
func applyFlags(cfg *config.Config, port, listen, dbPath string) {
	if port != "" {
		cfg.SerialPort = &port
	}
	if listen != "" {
		cfg.ListenAddr = &listen
	}
	if dbPath != "" {
		cfg.DBPath = &dbPath
	}
}

// runSubmit posts one classification to a running bridge, the way the
// vision PC does, and optionally waits for the result.
func runSubmit(ctx context.Context, c *api.Client, args []string, wait bool, out io.Writer) error {
	if len(args) != 1 {
		return fmt.Errorf("expected exactly one type_id, got %d arguments", len(args))
	}
	n, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("type_id must be an integer: %q", args[0])
	}

	resp, err := c.Submit(ctx, sorting.TypeID(n))
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "accepted: ticket %s\n", resp.Ticket)
	if !wait {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	job, err := c.WaitJob(ctx, resp.Ticket, 250*time.Millisecond)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "state: %s", job.State)
	if job.Entry != nil {
		fmt.Fprintf(out, " bin %d", job.Entry.TargetBinID)
	}
	if job.Error != "" {
		fmt.Fprintf(out, " (%s)", job.Error)
	}
	fmt.Fprintln(out)
	return nil
}
