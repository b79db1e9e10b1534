package cmd

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/sarchlab/mmusim/datarecording"
	"github.com/sarchlab/mmusim/driver"
	"github.com/sarchlab/mmusim/mem/vm/mmu"
	"github.com/sarchlab/mmusim/monitoring"
	"github.com/sarchlab/mmusim/sim"
	"github.com/sarchlab/mmusim/trace"
	"github.com/sarchlab/mmusim/tracing"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

type runOptions struct {
	machine     machineConfig
	verbose     bool
	check       bool
	record      string
	monitor     bool
	monitorPort int
	openBrowser bool
}

var runOpts runOptions

var runCmd = &cobra.Command{
	Use:   "run [trace files...]",
	Short: "Run traces, each on its own machine",
	Long: `Run executes every trace on a freshly built machine. Several traces ` +
		`run side by side. Commands that the MMU refuses are reported and the ` +
		`run goes on.`,
	Args: cobra.MinimumNArgs(1),
	PreRunE: func(cmd *cobra.Command, _ []string) error {
		if err := loadEnv(); err != nil {
			return err
		}

		if err := runOpts.machine.applyEnv(cmd.Flags()); err != nil {
			return err
		}

		return runOpts.machine.validate()
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()

		return runTraces(ctx, runOpts, args, cmd.OutOrStdout())
	},
}

func init() {
	runOpts.machine.addFlags(runCmd.Flags())

	runCmd.Flags().BoolVarP(&runOpts.verbose, "verbose", "v", false,
		"log every MMU event to stderr")
	runCmd.Flags().BoolVar(&runOpts.check, "check", false,
		"verify the consistency of the machine after each trace")
	runCmd.Flags().StringVar(&runOpts.record, "record", "",
		"record the MMU events into a SQLite database with this name")
	runCmd.Flags().BoolVar(&runOpts.monitor, "monitor", false,
		"serve the state of the simulations over HTTP")
	runCmd.Flags().IntVar(&runOpts.monitorPort, "monitor-port", 0,
		"port of the monitoring server, random if not set")
	runCmd.Flags().BoolVar(&runOpts.openBrowser, "open-browser", false,
		"open the monitoring server in the browser")

	rootCmd.AddCommand(runCmd)
}

type job struct {
	sim      *driver.Simulation
	mmu      *mmu.MMU
	counter  *tracing.CountTracer
	dbTracer *tracing.DBTracer
	recorder datarecording.DataRecorder
	out      strings.Builder
}

func runTraces(
	ctx context.Context,
	opts runOptions,
	paths []string,
	stdout io.Writer,
) error {
	jobs, err := buildJobs(opts, paths)
	if err != nil {
		return err
	}

	if opts.monitor {
		if err := startMonitor(opts, jobs); err != nil {
			return err
		}
	}

	eg, ctx := errgroup.WithContext(ctx)
	for _, j := range jobs {
		j := j
		eg.Go(func() error {
			return j.sim.Run(ctx)
		})
	}

	if err := eg.Wait(); err != nil {
		return err
	}

	for _, j := range jobs {
		if err := report(stdout, opts, j); err != nil {
			return err
		}
	}

	return nil
}

func buildJobs(opts runOptions, paths []string) ([]*job, error) {
	var (
		jobs  []*job
		names = make(map[string]bool)
		idGen = sim.NewParallelIDGenerator()
	)

	for _, path := range paths {
		events, err := trace.LoadFile(path)
		if err != nil {
			return nil, err
		}

		name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		for i := 2; names[name]; i++ {
			name = fmt.Sprintf("%s-%d", strings.TrimSuffix(
				filepath.Base(path), filepath.Ext(path)), i)
		}
		names[name] = true

		j := &job{
			mmu:     opts.machine.builder().Build(name + ".MMU"),
			counter: tracing.NewCountTracer(nil),
		}
		j.mmu.AcceptHook(j.counter)

		if opts.verbose {
			logger := log.New(os.Stderr, name+": ", 0)
			j.mmu.AcceptHook(tracing.NewLogTracer(logger, nil))
		}

		if opts.record != "" {
			if err := attachRecorder(opts, j, name, len(paths), idGen); err != nil {
				return nil, err
			}
		}

		j.sim = driver.NewSimulation(name, j.mmu, events, &j.out)
		jobs = append(jobs, j)
	}

	return jobs, nil
}

func attachRecorder(
	opts runOptions,
	j *job,
	name string,
	numTraces int,
	idGen sim.IDGenerator,
) error {
	dbName := strings.TrimSuffix(opts.record, ".sqlite3")
	if numTraces > 1 {
		dbName += "_" + name
	}

	recorder, err := datarecording.New(dbName)
	if err != nil {
		return err
	}

	j.recorder = recorder
	j.dbTracer, err = tracing.NewDBTracer(recorder, idGen, nil)
	if err != nil {
		return err
	}

	j.mmu.AcceptHook(j.dbTracer)

	return nil
}

func startMonitor(opts runOptions, jobs []*job) error {
	monitor := monitoring.NewMonitor()
	if opts.monitorPort != 0 {
		monitor.WithPortNumber(opts.monitorPort)
	}

	for _, j := range jobs {
		monitor.RegisterSimulation(j.sim)
	}

	url, err := monitor.StartServer()
	if err != nil {
		return err
	}

	if opts.openBrowser {
		if err := monitor.OpenBrowser(url + "/api/progress"); err != nil {
			fmt.Fprintf(os.Stderr, "Cannot open browser: %v\n", err)
		}
	}

	return nil
}

func report(w io.Writer, opts runOptions, j *job) error {
	s := j.sim

	status := "completed"
	if s.Crashed() {
		status = "crashed"
	}

	fmt.Fprintf(w, "== %s: %d events, %d faults, %s\n",
		s.Name(), s.Now(), len(s.Faults()), status)
	fmt.Fprint(w, j.out.String())

	stats := j.mmu.Stats()
	fmt.Fprintf(w, "tlb: %d hits, %d misses\n", stats.TLBHits, stats.TLBMisses)
	fmt.Fprintf(w, "faults: %d page faults, %d cow copies, %d cow reuses, "+
		"%d violations, %d out of memory\n",
		stats.PageFaults, stats.COWCopies, stats.COWReuses,
		stats.AccessViolations, stats.OutOfMemory)
	fmt.Fprintf(w, "processes: %d forks, %d switches, %d frames in use\n",
		stats.Forks, stats.Switches,
		j.mmu.Frames().NumFrames()-j.mmu.Frames().NumFree())

	if opts.verbose {
		for _, name := range j.counter.Names() {
			fmt.Fprintf(w, "  %-12s %d\n", name, j.counter.Count(name))
		}
	}

	if j.dbTracer != nil {
		if err := j.dbTracer.Err(); err != nil {
			return fmt.Errorf("%s: recording: %w", s.Name(), err)
		}

		if err := j.recorder.Flush(); err != nil {
			return fmt.Errorf("%s: recording: %w", s.Name(), err)
		}
	}

	if opts.check {
		if err := j.mmu.Verify(); err != nil {
			return fmt.Errorf("%s: inconsistent machine: %w", s.Name(), err)
		}
	}

	return nil
}
