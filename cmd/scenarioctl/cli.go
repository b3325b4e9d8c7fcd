package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/alecthomas/kong"

	"github.com/xiaot623/gogo/scenarios/internal/domain"
	"github.com/xiaot623/gogo/scenarios/internal/transport/rpc"
)

// CLI defines the command-line interface.
type CLI struct {
	Globals

	Apply   ApplyCmd         `cmd:"" help:"Create simulations, agents and a suite from a manifest"`
	Start   StartCmd         `cmd:"" help:"Start a suite run"`
	Advance AdvanceCmd       `cmd:"" help:"Advance a suite run"`
	Watch   WatchCmd         `cmd:"" help:"Poll a suite run until it finishes"`
	Status  StatusCmd        `cmd:"" help:"Show a suite run and its items"`
	Abort   AbortCmd         `cmd:"" help:"Abort a suite run"`
	Metrics MetricsCmd       `cmd:"" help:"Print metrics for a suite run or a simulation run"`
	Version kong.VersionFlag `help:"Show version information"`
}

// Globals are shared by every command.
type Globals struct {
	Server  string        `default:"http://localhost:8080" env:"SCENARIOS_URL" help:"Engine base URL"`
	RPCAddr string        `name:"rpc-addr" env:"SCENARIOS_RPC_ADDR" help:"Drive advance/abort over JSON-RPC at this address instead of HTTP"`
	Timeout time.Duration `default:"2m" help:"Per-request timeout"`
	Actor   string        `default:"scenarioctl" env:"SCENARIOS_ACTOR" help:"Actor recorded in the audit log"`

	ctx context.Context `kong:"-"`
	out io.Writer       `kong:"-"`
}

func (g *Globals) context() context.Context {
	if g.ctx == nil {
		return context.Background()
	}
	return g.ctx
}

func (g *Globals) stdout() io.Writer {
	if g.out == nil {
		return os.Stdout
	}
	return g.out
}

func (g *Globals) client() *Client {
	return NewClient(g.Server, g.Timeout)
}

// suiteRunDriver is the subset of operations both transports offer.
type suiteRunDriver interface {
	Advance(ctx context.Context, suiteRunID string, opts domain.AdvanceOptions) (*domain.SuiteRun, error)
	AbortSuiteRun(ctx context.Context, suiteRunID string, req domain.AbortRequest) (*domain.SuiteRun, error)
}

func (g *Globals) driver() suiteRunDriver {
	if g.RPCAddr != "" {
		return rpc.NewClient(g.RPCAddr, g.Timeout)
	}
	return g.client()
}

// ApplyCmd creates everything a manifest declares.
type ApplyCmd struct {
	File string `arg:"" type:"existingfile" help:"Manifest path (YAML or JSON)"`
}

func (c *ApplyCmd) Run(g *Globals) error {
	m, err := LoadManifest(c.File)
	if err != nil {
		return err
	}
	if m.Actor == "" {
		m.Actor = g.Actor
	}
	applied, err := Apply(g.context(), g.client(), m)
	if err != nil {
		return err
	}
	return printJSON(g.stdout(), applied)
}

// StartCmd starts a suite run.
type StartCmd struct {
	SuiteID     string `arg:"" help:"Suite ID"`
	Label       string `help:"Run label"`
	Seed        string `type:"existingfile" help:"JSON file with seed context"`
	Immediately bool   `help:"Schedule the first wave right away"`
	Watch       bool   `help:"Watch the run after starting it"`
}

func (c *StartCmd) Run(g *Globals) error {
	req := domain.StartSuiteRunRequest{
		RunLabel:         c.Label,
		StartImmediately: c.Immediately,
		Actor:            g.Actor,
	}
	if c.Seed != "" {
		data, err := os.ReadFile(c.Seed)
		if err != nil {
			return fmt.Errorf("failed to read seed context: %w", err)
		}
		if !json.Valid(data) {
			return fmt.Errorf("seed context %s is not valid JSON", c.Seed)
		}
		req.SeedContext = data
	}

	sr, err := g.client().StartSuiteRun(g.context(), c.SuiteID, req)
	if err != nil {
		return err
	}
	fmt.Fprintf(g.stdout(), "suite run %s %s\n", sr.SuiteRunID, sr.Status)
	if !c.Watch {
		return nil
	}
	return (&WatchCmd{SuiteRunID: sr.SuiteRunID, Interval: time.Second}).Run(g)
}

// AdvanceCmd runs scheduling passes over a suite run.
type AdvanceCmd struct {
	SuiteRunID         string        `arg:"" help:"Suite run ID"`
	MaxItems           int           `help:"Evaluate at most this many items per pass"`
	SkipConditionCheck bool          `help:"Treat every trigger condition as met"`
	UntilDone          bool          `help:"Keep advancing until the suite run is terminal"`
	Interval           time.Duration `default:"500ms" help:"Pause between passes with --until-done"`
}

func (c *AdvanceCmd) Run(g *Globals) error {
	ctx := g.context()
	drv := g.driver()
	opts := domain.AdvanceOptions{MaxItems: c.MaxItems, SkipConditionCheck: c.SkipConditionCheck}

	for {
		sr, err := drv.Advance(ctx, c.SuiteRunID, opts)
		switch {
		case err == nil:
			fmt.Fprintf(g.stdout(), "suite run %s %s\n", sr.SuiteRunID, sr.Status)
			if !c.UntilDone || sr.Status.IsTerminal() {
				return nil
			}
		case isConflict(err) && c.UntilDone:
			// another driver holds the suite run; try again next tick
		default:
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.Interval):
		}
	}
}

// WatchCmd polls a suite run and prints a line each time it changes.
type WatchCmd struct {
	SuiteRunID string        `arg:"" help:"Suite run ID"`
	Interval   time.Duration `default:"1s" help:"Polling interval"`
}

func (c *WatchCmd) Run(g *Globals) error {
	ctx := g.context()
	cl := g.client()
	out := g.stdout()

	var last time.Time
	for {
		sr, err := cl.GetSuiteRun(ctx, c.SuiteRunID)
		if err != nil {
			return err
		}
		if !sr.UpdatedAt.Equal(last) {
			items, err := cl.ListSuiteRunItems(ctx, c.SuiteRunID)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "[%s] %s %s %s\n",
				sr.UpdatedAt.Format(time.TimeOnly), sr.SuiteRunID, sr.Status, itemSummary(items))
			last = sr.UpdatedAt
		}

		switch sr.Status {
		case domain.SuiteRunStatusCompleted:
			return nil
		case domain.SuiteRunStatusFailed, domain.SuiteRunStatusAborted:
			return fmt.Errorf("suite run %s ended %s", c.SuiteRunID, sr.Status)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.Interval):
		}
	}
}

// StatusCmd prints a suite run and a table of its items.
type StatusCmd struct {
	SuiteRunID string `arg:"" help:"Suite run ID"`
}

func (c *StatusCmd) Run(g *Globals) error {
	ctx := g.context()
	cl := g.client()
	sr, err := cl.GetSuiteRun(ctx, c.SuiteRunID)
	if err != nil {
		return err
	}
	items, err := cl.ListSuiteRunItems(ctx, c.SuiteRunID)
	if err != nil {
		return err
	}

	out := g.stdout()
	fmt.Fprintf(out, "suite run %s %s\n", sr.SuiteRunID, sr.Status)
	if sr.AbortReason != "" {
		fmt.Fprintf(out, "reason: %s\n", sr.AbortReason)
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ITEM\tSTATUS\tCONDITION\tRUN\tDETAIL")
	for _, it := range items {
		detail := it.ConditionExplanation
		if it.LastError != "" {
			detail = it.LastError
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", it.ItemID, it.Status, it.ConditionType, it.SimulationRunID, detail)
	}
	return tw.Flush()
}

// AbortCmd aborts a suite run.
type AbortCmd struct {
	SuiteRunID string `arg:"" help:"Suite run ID"`
	Reason     string `required:"" help:"Why the run is being aborted"`
}

func (c *AbortCmd) Run(g *Globals) error {
	sr, err := g.driver().AbortSuiteRun(g.context(), c.SuiteRunID, domain.AbortRequest{Reason: c.Reason, Actor: g.Actor})
	if err != nil {
		return err
	}
	fmt.Fprintf(g.stdout(), "suite run %s %s\n", sr.SuiteRunID, sr.Status)
	return nil
}

// MetricsCmd prints a metrics document.
type MetricsCmd struct {
	ID            string `arg:"" help:"Suite run ID, or simulation run ID with --run"`
	SimulationRun bool   `name:"run" help:"Treat ID as a simulation run"`
}

func (c *MetricsCmd) Run(g *Globals) error {
	raw, err := g.client().Metrics(g.context(), c.ID, c.SimulationRun)
	if err != nil {
		return err
	}
	return printJSON(g.stdout(), raw)
}

func itemSummary(items []domain.SuiteRunItem) string {
	counts := map[domain.SuiteRunItemStatus]int{}
	for _, it := range items {
		counts[it.Status]++
	}
	order := []domain.SuiteRunItemStatus{
		domain.ItemStatusPending,
		domain.ItemStatusRunning,
		domain.ItemStatusCompleted,
		domain.ItemStatusConditionUnmet,
		domain.ItemStatusFailed,
		domain.ItemStatusSkipped,
	}
	s := ""
	for _, st := range order {
		if counts[st] == 0 {
			continue
		}
		if s != "" {
			s += " "
		}
		s += fmt.Sprintf("%s=%d", st, counts[st])
	}
	if s == "" {
		return "no items"
	}
	return s
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to print result: %w", err)
	}
	return nil
}
