package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/nats-io/nats.go"

	"github.com/t77yq/drs-orchestrator/internal/model"
	"github.com/t77yq/drs-orchestrator/internal/orchestrator"
	"github.com/t77yq/drs-orchestrator/internal/trigger"
)

type Globals struct {
	NATSURL string        `name:"nats-url" default:"nats://127.0.0.1:4222" env:"DRS_NATS_URL" help:"NATS server URL."`
	Prefix  string        `default:"drs" env:"DRS_TRIGGER_SUBJECT_PREFIX" help:"Trigger subject prefix."`
	Timeout time.Duration `default:"30s" help:"Request timeout."`
}

type runContext struct {
	ctx    context.Context
	client *trigger.Client
}

type BeginCmd struct {
	Plan        string `required:"" help:"Recovery plan id."`
	ExecutionID string `name:"execution-id" help:"Execution id. Generated when empty."`
	Drill       bool   `help:"Launch drill instances."`
}

func (c *BeginCmd) Run(rc *runContext) error {
	resp, err := rc.client.Begin(rc.ctx, orchestrator.BeginRequest{PlanID: c.Plan, ExecutionID: c.ExecutionID, IsDrill: c.Drill})
	if err != nil {
		return err
	}
	return printJSON(resp)
}

type ExecutionRef struct {
	Execution string `required:"" short:"e" help:"Execution id."`
	Plan      string `required:"" short:"p" help:"Recovery plan id."`
}

type PollCmd struct {
	ExecutionRef `embed:""`
}

func (c *PollCmd) Run(rc *runContext) error {
	resp, err := rc.client.Poll(rc.ctx, orchestrator.PollRequest{ExecutionID: c.Execution, PlanID: c.Plan})
	if err != nil {
		return err
	}
	return printJSON(resp)
}

type FinalizeCmd struct {
	ExecutionRef `embed:""`
}

func (c *FinalizeCmd) Run(rc *runContext) error {
	resp, err := rc.client.Finalize(rc.ctx, orchestrator.FinalizeRequest{ExecutionID: c.Execution, PlanID: c.Plan})
	if err != nil {
		return err
	}
	return printJSON(resp)
}

type CancelCmd struct {
	ExecutionRef `embed:""`
}

func (c *CancelCmd) Run(rc *runContext) error {
	resp, err := rc.client.RequestCancel(rc.ctx, orchestrator.CancelRequest{ExecutionID: c.Execution, PlanID: c.Plan})
	if err != nil {
		return err
	}
	return printJSON(resp)
}

type ResumeCmd struct {
	Token string `arg:"" help:"Continuation token from the pause notification."`
}

func (c *ResumeCmd) Run(rc *runContext) error {
	resp, err := rc.client.Resume(rc.ctx, orchestrator.TokenRequest{Token: c.Token})
	if err != nil {
		return err
	}
	return printJSON(resp)
}

type CancelPausedCmd struct {
	Token string `arg:"" help:"Continuation token from the pause notification."`
}

func (c *CancelPausedCmd) Run(rc *runContext) error {
	resp, err := rc.client.Cancel(rc.ctx, orchestrator.TokenRequest{Token: c.Token})
	if err != nil {
		return err
	}
	return printJSON(resp)
}

type ConflictsCmd struct {
	Plan        string `required:"" help:"Recovery plan id."`
	ExecutionID string `name:"execution-id" help:"Execution to leave out of the check."`
}

func (c *ConflictsCmd) Run(rc *runContext) error {
	resp, err := rc.client.CheckConflicts(rc.ctx, orchestrator.ConflictCheckRequest{PlanID: c.Plan, ExecutionID: c.ExecutionID})
	if err != nil {
		return err
	}
	return printJSON(resp)
}

// RunCmd drives one execution to completion from the command line
type RunCmd struct {
	Plan     string        `required:"" help:"Recovery plan id."`
	Drill    bool          `help:"Launch drill instances."`
	Interval time.Duration `default:"30s" help:"Time between polls."`
}

func (c *RunCmd) Run(rc *runContext) error {
	begin, err := rc.client.Begin(rc.ctx, orchestrator.BeginRequest{PlanID: c.Plan, IsDrill: c.Drill})
	if err != nil {
		return err
	}
	exec := begin.Execution
	complete := begin.AllWavesComplete
	fmt.Fprintf(os.Stderr, "execution %s started (%d waves)\n", exec.ExecutionID, exec.TotalWaves)

	ticker := time.NewTicker(c.Interval)
	defer ticker.Stop()
	for !complete && !exec.Status.IsTerminal() {
		select {
		case <-rc.ctx.Done():
			return rc.ctx.Err()
		case <-ticker.C:
		}
		resp, err := rc.client.Poll(rc.ctx, orchestrator.PollRequest{ExecutionID: exec.ExecutionID, PlanID: exec.PlanID})
		if err != nil {
			return err
		}
		exec, complete = resp.Execution, resp.AllWavesComplete
		fmt.Fprintf(os.Stderr, "status %s, wave %d of %d\n", exec.Status, exec.CurrentWaveNumber, exec.TotalWaves)
		if exec.Status == model.ExecutionStatusPaused {
			fmt.Fprintf(os.Stderr, "paused: %s\nresume with: drsctl resume %s\n", exec.PauseReason, exec.ContinuationToken)
			return printJSON(exec)
		}
	}

	if exec.Status.IsTerminal() {
		return printJSON(exec)
	}
	fin, err := rc.client.Finalize(rc.ctx, orchestrator.FinalizeRequest{ExecutionID: exec.ExecutionID, PlanID: exec.PlanID})
	if err != nil {
		return err
	}
	return printJSON(fin)
}

type cli struct {
	Globals `embed:""`

	Begin        BeginCmd        `cmd:"" help:"Start an execution of a recovery plan."`
	Poll         PollCmd         `cmd:"" help:"Poll the current wave of an execution once."`
	Finalize     FinalizeCmd     `cmd:"" help:"Complete an execution whose waves are all terminal."`
	Cancel       CancelCmd       `cmd:"" help:"Stop an execution after its in-flight wave."`
	Resume       ResumeCmd       `cmd:"" help:"Resume a paused execution."`
	CancelPaused CancelPausedCmd `cmd:"" name:"cancel-paused" help:"Cancel a paused execution."`
	Conflicts    ConflictsCmd    `cmd:"" help:"Report plan servers already used by other jobs or executions."`
	Run          RunCmd          `cmd:"" help:"Begin, poll and finalize an execution."`
}

func main() {
	var args cli
	kctx := kong.Parse(&args,
		kong.Name("drsctl"),
		kong.Description("Operator CLI for the DRS wave execution orchestrator."),
		kong.UsageOnError())

	nc, err := nats.Connect(args.NATSURL, nats.Name("drsctl"), nats.Timeout(5*time.Second))
	kctx.FatalIfErrorf(err)
	defer nc.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = kctx.Run(&runContext{
		ctx:    ctx,
		client: trigger.NewClient(nc, args.Prefix, args.Timeout),
	})
	kctx.FatalIfErrorf(err)
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
