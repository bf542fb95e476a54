package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/google/subcommands"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

// runCmd implements subcommands.Command for the "run" command.
type runCmd struct {
	configPath string
	image      string
	timeout    time.Duration
}

// Name implements subcommands.Command.
func (*runCmd) Name() string {
	return "run"
}

// Synopsis implements subcommands.Command.
func (*runCmd) Synopsis() string {
	return "boots kernel images under QEMU and reports the self-test results"
}

// Usage implements subcommands.Command.
func (*runCmd) Usage() string {
	return `run [-config file] [-image kernel.iso] [-timeout duration]

Boots every scenario listed in the configuration file (or the single image
given with -image) and exits with a failure status unless every kernel
reported success through the diagnostic exit port.
`
}

// SetFlags implements subcommands.Command.
func (c *runCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.configPath, "config", "", "TOML file describing QEMU and the scenarios to run.")
	f.StringVar(&c.image, "image", "", "boot a single image instead of the configured scenarios.")
	f.DurationVar(&c.timeout, "timeout", 0, "overrides the per-scenario timeout.")
}

// Execute implements subcommands.Command.Execute.
func (c *runCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}

	cfg := defaultConfig()
	if c.configPath != "" {
		var err error
		if cfg, err = loadConfig(c.configPath); err != nil {
			log.Errorf("loading config: %v", err)
			return subcommands.ExitFailure
		}
	}

	if c.image != "" {
		cfg.Scenarios = []scenario{{Name: "default", Image: c.image}}
	}
	if c.timeout != 0 {
		cfg.Timeout = c.timeout
	}

	if err := cfg.validate(); err != nil {
		log.Errorf("invalid configuration: %v", err)
		return subcommands.ExitUsageError
	}

	outcomes := make([]scenarioOutcome, 0, len(cfg.Scenarios))
	for _, sc := range cfg.Scenarios {
		outcome := runScenario(ctx, &cfg, sc)
		if outcome.Err != nil {
			log.WithField("scenario", sc.Name).Errorf("%v", outcome.Err)
		}
		outcomes = append(outcomes, outcome)
	}

	printSummary(os.Stdout, outcomes)

	for _, outcome := range outcomes {
		if !outcome.passed() {
			return subcommands.ExitFailure
		}
	}
	return subcommands.ExitSuccess
}

// scenarioOutcome is the result of booting one scenario.
type scenarioOutcome struct {
	Name     string
	Verdict  verdict
	ExitCode uint32
	Report   serialReport
	Elapsed  time.Duration
	Err      error
}

func (o *scenarioOutcome) passed() bool {
	return o.Err == nil && o.Verdict == verdictPass && !o.Report.failed()
}

// runScenario boots sc and waits for QEMU to exit or for the timeout to
// expire, in which case the whole QEMU process group is killed.
func runScenario(ctx context.Context, cfg *runConfig, sc scenario) scenarioOutcome {
	outcome := scenarioOutcome{Name: sc.Name, Verdict: verdictUnexpectedExit}
	logger := log.WithField("scenario", sc.Name)

	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	args := cfg.qemuArgs(sc)
	logger.Debugf("exec %s %v", cfg.QEMU, args)

	cmd := exec.Command(cfg.QEMU, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	stderr := logger.WithField("stream", "stderr").WriterLevel(log.WarnLevel)
	defer stderr.Close()
	cmd.Stderr = stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		outcome.Err = err
		return outcome
	}

	start := time.Now()
	if err = cmd.Start(); err != nil {
		outcome.Err = fmt.Errorf("starting %s: %w", cfg.QEMU, err)
		return outcome
	}

	var (
		g       errgroup.Group
		exited  = make(chan struct{})
		waitErr error
	)

	g.Go(func() error {
		select {
		case <-ctx.Done():
			select {
			case <-exited:
				return nil
			default:
			}

			if err := unix.Kill(-cmd.Process.Pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
				return fmt.Errorf("killing qemu: %w", err)
			}
			return fmt.Errorf("timed out after %v", cfg.Timeout)
		case <-exited:
			return nil
		}
	})

	g.Go(func() error {
		defer close(exited)

		scanErr := outcome.Report.scan(stdout, logger.WithField("stream", "serial"))
		waitErr = cmd.Wait()
		if scanErr != nil {
			return fmt.Errorf("reading serial output: %w", scanErr)
		}
		return nil
	})

	outcome.Err = g.Wait()
	outcome.Elapsed = time.Since(start)

	status := 0
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		status = exitErr.ExitCode()
	} else if waitErr != nil && outcome.Err == nil {
		outcome.Err = waitErr
	}

	outcome.Verdict, outcome.ExitCode = cfg.decodeExit(status)
	logger.WithFields(log.Fields{
		"status":  status,
		"verdict": outcome.Verdict,
		"elapsed": outcome.Elapsed.Round(time.Millisecond),
	}).Info("qemu exited")

	return outcome
}

func printSummary(w io.Writer, outcomes []scenarioOutcome) {
	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "SCENARIO\tVERDICT\tEXIT CODE\tTESTS\tFAILED")

	for _, o := range outcomes {
		failed := 0
		for _, t := range o.Report.Tests {
			if !t.Passed {
				failed++
			}
		}

		v := o.Verdict.String()
		if o.Err != nil {
			v = "ERROR"
		} else if o.Verdict == verdictPass && o.Report.failed() {
			v = verdictFail.String()
		}
		fmt.Fprintf(tw, "%s\t%s\t0x%x\t%d\t%d\n", o.Name, v, o.ExitCode, len(o.Report.Tests), failed)
	}

	tw.Flush()
}
