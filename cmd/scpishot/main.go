package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/KevinKickass/scpishot/internal/acquire"
	"github.com/KevinKickass/scpishot/internal/config"
	"github.com/KevinKickass/scpishot/internal/devices"
	"github.com/KevinKickass/scpishot/internal/system"
)

const usage = `Usage: scpishot [flags] <command> [args]

Commands:
  list                          discover instruments
  capture <resource> [type]     save a screenshot, type defaults to the discovered one
  send <resource> <command>     write a command
  query <resource> <query>      write a query and print the answer
  exec <resource> <input>       query when input ends in '?', command otherwise
  error <resource>              pop the instrument error queue
  clear <resource>              send *CLS
  reset <resource>              send *RST
  watch <resource> [type]       capture periodically until interrupted
  history [resource]            list saved captures

Flags:
`

type options struct {
	configPath string
	manual     string
	limit      int
}

func newFlagSet(opts *options) *pflag.FlagSet {
	flags := pflag.NewFlagSet("scpishot", pflag.ContinueOnError)
	flags.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		flags.PrintDefaults()
	}

	flags.StringVarP(&opts.configPath, "config", "c", "", "config file (YAML)")
	flags.StringVarP(&opts.manual, "manual", "m", "", "additional network address to probe, e.g. 192.168.1.50")
	flags.IntVarP(&opts.limit, "limit", "n", 20, "number of history entries")

	// config keys as flags, e.g. --transport.timeout 5s
	flags.StringP("output_dir", "o", ".", "directory for saved screenshots")
	flags.Duration("transport.timeout", 0, "I/O timeout")
	flags.Duration("transport.query_delay", 0, "delay between query and read")
	flags.Int("transport.baud_rate", 0, "serial baud rate")
	flags.StringSlice("discovery.lan_resources", nil, "LAN resources to probe")
	flags.String("instruments.types_file", "", "model to type table")
	flags.String("instruments.profiles_file", "", "type profile table")
	flags.String("history.path", "", "history database, empty disables")
	flags.Duration("refresh.interval", 0, "auto refresh interval")
	flags.String("log.level", "", "debug, info, warn or error")
	flags.Bool("log.development", false, "human readable logs")

	return flags
}

func newLogger(cfg config.LogConfig) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	zc.Level = zap.NewAtomicLevelAt(level)

	if cfg.File != "" {
		zc.OutputPaths = []string{cfg.File}
		zc.ErrorOutputPaths = []string{cfg.File}
	} else {
		// stdout carries the command output
		zc.OutputPaths = []string{"stderr"}
	}

	return zc.Build()
}

func main() {
	var opts options
	flags := newFlagSet(&opts)
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		os.Exit(2)
	}

	args := flags.Args()
	if len(args) == 0 {
		flags.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load(opts.configPath, flags)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	lifecycle := system.NewLifecycleManager(cfg, logger)
	if err := lifecycle.Start(); err != nil {
		logger.Fatal("Failed to start system", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)

	runErr := run(ctx, lifecycle, opts, args)
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := lifecycle.Shutdown(shutdownCtx); err != nil {
		logger.Error("Shutdown failed", zap.Error(err))
	}

	if runErr != nil {
		logger.Sync()
		fmt.Fprintln(os.Stderr, "error:", runErr)
		os.Exit(1)
	}
}

func run(ctx context.Context, lm *system.LifecycleManager, opts options, args []string) error {
	dm := lm.DeviceManager()
	command, args := args[0], args[1:]

	need := func(n int) error {
		if len(args) < n {
			return fmt.Errorf("%s: expected %d argument(s), got %d", command, n, len(args))
		}
		return nil
	}

	switch command {
	case "list":
		instruments, err := dm.Discover(ctx, opts.manual)
		if err != nil {
			return err
		}
		printInstruments(instruments, dm)
		return nil

	case "capture":
		if err := need(1); err != nil {
			return err
		}
		artifact, err := capture(ctx, dm, opts, args)
		if err != nil {
			return err
		}
		fmt.Println(artifact.Path)
		return nil

	case "send":
		if err := need(2); err != nil {
			return err
		}
		return dm.SendCommand(ctx, args[0], strings.Join(args[1:], " "))

	case "query":
		if err := need(2); err != nil {
			return err
		}
		reply, err := dm.SendQuery(ctx, args[0], strings.Join(args[1:], " "))
		if err != nil {
			return err
		}
		fmt.Println(reply)
		return nil

	case "exec":
		if err := need(2); err != nil {
			return err
		}
		reply, err := dm.Exec(ctx, args[0], strings.Join(args[1:], " "))
		if err != nil {
			return err
		}
		fmt.Println(reply)
		return nil

	case "error":
		if err := need(1); err != nil {
			return err
		}
		answer, err := dm.LastError(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Println(answer)
		return nil

	case "clear":
		if err := need(1); err != nil {
			return err
		}
		return dm.Clear(ctx, args[0])

	case "reset":
		if err := need(1); err != nil {
			return err
		}
		return dm.Reset(ctx, args[0])

	case "watch":
		if err := need(1); err != nil {
			return err
		}
		return watch(ctx, lm, opts, args)

	case "history":
		return history(ctx, lm, opts, args)

	default:
		return fmt.Errorf("unknown command %q", command)
	}
}

// resolveType returns the explicit type argument or the one discovery
// resolves for the resource.
func resolveType(ctx context.Context, dm *devices.Manager, opts options, args []string) (string, error) {
	if len(args) > 1 {
		return args[1], nil
	}

	if _, err := dm.Discover(ctx, opts.manual); err != nil {
		return "", err
	}
	inst, ok := dm.Instrument(args[0])
	if !ok {
		return "", fmt.Errorf("%w: %s", devices.ErrUnknownInstrument, args[0])
	}
	return inst.TypeTag, nil
}

func capture(ctx context.Context, dm *devices.Manager, opts options, args []string) (*acquire.Artifact, error) {
	tag, err := resolveType(ctx, dm, opts, args)
	if err != nil {
		return nil, err
	}
	return dm.Acquire(ctx, tag, args[0])
}

func watch(ctx context.Context, lm *system.LifecycleManager, opts options, args []string) error {
	dm := lm.DeviceManager()

	tag, err := resolveType(ctx, dm, opts, args)
	if err != nil {
		return err
	}

	r, err := dm.StartAutoRefresh(tag, args[0], lm.Config().Refresh.Interval, func(a *acquire.Artifact, err error) {
		if err == nil {
			fmt.Println(a.Path)
		}
	})
	if err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		dm.StopAutoRefresh(args[0])
		return nil
	case <-r.Done():
		return r.Err()
	}
}

func history(ctx context.Context, lm *system.LifecycleManager, opts options, args []string) error {
	h := lm.History()
	if h == nil {
		return errors.New("history is disabled")
	}

	var (
		artifacts []*acquire.Artifact
		err       error
	)
	if len(args) > 0 {
		artifacts, err = h.ForResource(ctx, args[0], opts.limit)
	} else {
		artifacts, err = h.Recent(ctx, opts.limit)
	}
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "CAPTURED\tTYPE\tRESOURCE\tSIZE\tPATH")
	for _, a := range artifacts {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
			a.CapturedAt.Local().Format(time.DateTime), a.TypeTag, a.ResourceID, a.Size, a.Path)
	}
	return w.Flush()
}

func printInstruments(instruments []devices.Instrument, dm *devices.Manager) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "RESOURCE\tMODEL\tTYPE\tIDENTITY")
	for _, inst := range instruments {
		tag := inst.TypeTag
		if tag == "" {
			tag = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", inst.ResourceID, inst.Model, tag, inst.Identity)
	}
	w.Flush()

	if report := dm.Report(); report != nil {
		for _, p := range report.Failed() {
			fmt.Fprintf(os.Stderr, "skipped %s: %v\n", p.ResourceID, p.Err)
		}
	}
}
