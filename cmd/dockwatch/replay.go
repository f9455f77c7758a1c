package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/chazwilder/iqx-dockmonitor/alert"
	"github.com/chazwilder/iqx-dockmonitor/analysis"
	"github.com/chazwilder/iqx-dockmonitor/dock"
	"github.com/chazwilder/iqx-dockmonitor/monitor"
	"github.com/chazwilder/iqx-dockmonitor/pipeline"
	"github.com/chazwilder/iqx-dockmonitor/pkg/cache"
	"github.com/chazwilder/iqx-dockmonitor/rules"
	"github.com/chazwilder/iqx-dockmonitor/source"
	"github.com/chazwilder/iqx-dockmonitor/storage"
)

// maxTicks bounds the deferred checks run between two events.
const maxTicks = 10000

type replayOptions struct {
	rules   string
	window  time.Duration
	drain   time.Duration
	backoff time.Duration
}

func replayCmd(flags *globalFlags) *cobra.Command {
	opts := replayOptions{}

	cmd := &cobra.Command{
		Use:   "replay <events.jsonl>",
		Short: "Run recorded events through the rules on simulated time",
		Long: `Replay feeds a JSON lines event file through the analyzer in file order.
Time is taken from the events, so deferred checks such as a door left open
fire exactly when they would have in production. Nothing is sent to
notifiers or external storage; the timeline and a summary are printed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(cmd.ErrOrStderr(), flags.logLevel, flags.logFormat)
			r := &replayer{opts: opts, out: cmd.OutOrStdout(), logger: logger}
			return r.run(cmd.Context(), args[0])
		},
	}

	f := cmd.Flags()
	f.StringVarP(&opts.rules, "rules", "r", "rules.yaml", "rule document")
	f.DurationVar(&opts.window, "window", alert.DefaultConfig().DefaultWindow, "alert suppression window")
	f.DurationVar(&opts.drain, "drain", 0, "keep running deferred checks this long after the last event")
	f.DurationVar(&opts.backoff, "recheck", monitor.DefaultBackoffConfig().Interval, "re-check interval for unresolved conditions")
	return cmd
}

type replayer struct {
	opts   replayOptions
	out    io.Writer
	logger *slog.Logger

	clock  *testingclock.FakeClock
	worker *monitor.Worker
}

// decisionLog records what the alert manager decided for every alert and
// prints it on the timeline.
type decisionLog struct {
	mu        sync.Mutex
	out       io.Writer
	next      pipeline.AlertRaiser
	decisions map[alert.Decision]int
	alerts    []dock.Alert
}

func (d *decisionLog) Raise(ctx context.Context, a dock.Alert) alert.Decision {
	decision := d.next.Raise(ctx, a)

	d.mu.Lock()
	defer d.mu.Unlock()
	d.decisions[decision]++
	if decision == alert.Dispatched {
		d.alerts = append(d.alerts, a)
	}
	paint := color.New(color.FgYellow)
	if a.Severity == dock.SeverityCritical {
		paint = color.New(color.FgRed, color.Bold)
	}
	line := fmt.Sprintf("ALERT %s (%s)", a.Type, a.Severity)
	if a.Duration > 0 {
		line += " after " + alert.FormatDuration(a.Duration)
	}
	fmt.Fprintf(d.out, "%s  %-8s %s %s\n", a.RaisedAt.Format(time.TimeOnly), a.DoorID, paint.Sprint(line), decision)
	return decision
}

// memoryWriter writes synchronously so the summary sees every record.
type memoryWriter struct {
	store *storage.Memory
}

func (w memoryWriter) Record(ctx context.Context, r dock.Record) { _ = w.store.InsertRecord(ctx, r) }

func (w memoryWriter) SaveDoor(ctx context.Context, d dock.DockDoor) { _ = w.store.SaveDoor(ctx, d) }

func (r *replayer) run(ctx context.Context, path string) error {
	var events []dock.DockDoorEvent
	err := source.NewReplay(path).Run(ctx, func(_ context.Context, ev dock.DockDoorEvent) error {
		events = append(events, ev)
		return nil
	})
	if err != nil {
		return err
	}
	if len(events) == 0 {
		fmt.Fprintln(r.out, "no events")
		return nil
	}

	ruleSet, err := rules.NewManager(nil, rules.FileStore{Path: r.opts.rules}, rules.WithLogger(r.logger)).Load(ctx)
	if err != nil {
		return err
	}

	r.clock = testingclock.NewFakeClock(events[0].Timestamp)
	suppressor, err := alert.NewMemorySuppressor(ctx, r.opts.window, time.Minute, cache.WithClock[time.Time](r.clock))
	if err != nil {
		return err
	}
	defer suppressor.Close()

	alertCfg := alert.DefaultConfig()
	alertCfg.DefaultWindow = r.opts.window
	decisions := &decisionLog{
		out:       r.out,
		next:      alert.NewManager(alertCfg, suppressor, nil, alert.WithLogger(r.logger)),
		decisions: map[alert.Decision]int{},
	}

	store := storage.NewMemory()
	router := pipeline.NewRouter(decisions, memoryWriter{store}, r.logger)
	doors := analysis.NewRegistry()
	r.worker = monitor.NewWorker(doors, nil, router,
		monitor.WithClock(r.clock),
		monitor.WithBackoff(monitor.Fixed{Interval: r.opts.backoff}),
		monitor.WithLogger(r.logger))
	handler := pipeline.NewHandler(analysis.NewAnalyzer(doors, ruleSet, analysis.WithLogger(r.logger)),
		router, r.worker, nil, pipeline.DefaultHandlerConfig(), pipeline.WithLogger(r.logger))

	r.logger.Info("replaying", "events", len(events), "rules", len(ruleSet), "start", events[0].Timestamp)

	rejected := 0
	for _, ev := range events {
		if err := ctx.Err(); err != nil {
			return err
		}
		r.advance(ctx, ev.Timestamp)
		out, err := handler.Process(ctx, ev)
		if err != nil {
			rejected++
			fmt.Fprintf(r.out, "%s  %-8s %s %s\n", ev.Timestamp.Format(time.TimeOnly), ev.DoorID,
				color.New(color.FgRed).Sprint("REJECTED"), err)
			continue
		}
		printEvent(r.out, out)
	}
	if r.opts.drain > 0 {
		r.advance(ctx, r.clock.Now().Add(r.opts.drain))
	}

	r.summarize(decisions, doors, store, len(events), rejected)
	return nil
}

// advance runs every deferred check due up to target in order, moving the
// clock to each check time, and leaves the clock at target.
func (r *replayer) advance(ctx context.Context, target time.Time) {
	queue := r.worker.Queue()
	for i := 0; i < maxTicks; i++ {
		it, ok := queue.Peek()
		if !ok || it.NextCheck.After(target) {
			break
		}
		if it.NextCheck.After(r.clock.Now()) {
			r.clock.SetTime(it.NextCheck)
		}
		r.worker.Tick(ctx)
	}
	if target.After(r.clock.Now()) {
		r.clock.SetTime(target)
	}
}

func printEvent(w io.Writer, out analysis.Outcome) {
	ev := out.Event
	detail := string(ev.Kind)
	switch {
	case ev.LgvID != "":
		detail += " lgv=" + ev.LgvID
	case ev.ShipmentID != "":
		detail += " shipment=" + ev.ShipmentID
	case ev.FaultCode != "":
		detail += " fault=" + ev.FaultCode
	}
	state := string(out.Door.State)
	if out.Changed() {
		state = color.New(color.FgCyan).Sprintf("%s -> %s", out.Previous.State, out.Door.State)
	}
	fmt.Fprintf(w, "%s  %-8s %-40s %s\n", ev.Timestamp.Format(time.TimeOnly), ev.DoorID, detail, state)
}

func (r *replayer) summarize(d *decisionLog, doors *analysis.Registry, store *storage.Memory, events, rejected int) {
	bold := color.New(color.Bold)
	fmt.Fprintln(r.out)
	bold.Fprintln(r.out, "Summary")
	fmt.Fprintf(r.out, "events: %d processed, %d rejected\n", events-rejected, rejected)
	fmt.Fprintf(r.out, "alerts: %d dispatched, %d suppressed\n", d.decisions[alert.Dispatched], d.decisions[alert.Suppressed])

	byType := map[dock.AlertType]int{}
	for _, a := range d.alerts {
		byType[a.Type]++
	}
	for _, t := range dock.AlertTypes {
		if n := byType[t]; n > 0 {
			fmt.Fprintf(r.out, "  %-24s %d\n", t, n)
		}
	}

	counts := map[string]int{}
	for _, rec := range store.Records("") {
		counts[rec.Kind]++
	}
	kinds := make([]string, 0, len(counts))
	for k := range counts {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	fmt.Fprint(r.out, "records:")
	for _, k := range kinds {
		fmt.Fprintf(r.out, " %s=%d", k, counts[k])
	}
	fmt.Fprintln(r.out)

	fmt.Fprintln(r.out)
	bold.Fprintln(r.out, "Doors")
	tw := tabwriter.NewWriter(r.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "DOOR\tSTATE\tIN STATE\tOPEN")
	now := r.clock.Now()
	for _, door := range doors.Snapshot() {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%t\n", door.ID, door.State, alert.FormatDuration(door.TimeInState(now)), door.DoorOpen)
	}
	_ = tw.Flush()
}
