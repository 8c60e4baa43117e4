package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/taigrr/coordbug/internal/controller"
	"github.com/taigrr/coordbug/internal/watcher"
)

const defaultProbeTimeout = 2 * time.Second

func currentCounts() CountsOutput {
	parent, sub := directories.Counts()
	return CountsOutput{Parent: parent, Sub: sub}
}

func handleAddParent(ctx context.Context, req *mcp.CallToolRequest, input AddInput) (*mcp.CallToolResult, AddOutput, error) {
	return add((*controller.Controller).AddToParent)
}

func handleAddSub(ctx context.Context, req *mcp.CallToolRequest, input AddInput) (*mcp.CallToolResult, AddOutput, error) {
	return add((*controller.Controller).AddToSub)
}

func add(fn func(*controller.Controller) (string, error)) (*mcp.CallToolResult, AddOutput, error) {
	name, err := fn(directories)
	if err != nil {
		return &mcp.CallToolResult{IsError: true}, AddOutput{Success: false, CountsOutput: currentCounts()}, err
	}
	return nil, AddOutput{Success: true, Name: name, CountsOutput: currentCounts()}, nil
}

func handleReset(ctx context.Context, req *mcp.CallToolRequest, input ResetInput) (*mcp.CallToolResult, ResetOutput, error) {
	if input.Confirm != "yes" {
		return &mcp.CallToolResult{IsError: true}, ResetOutput{Success: false, CountsOutput: currentCounts()},
			fmt.Errorf("reset not confirmed: set confirm='yes' to proceed")
	}

	if err := directories.Reset(); err != nil {
		return &mcp.CallToolResult{IsError: true}, ResetOutput{Success: false, CountsOutput: currentCounts()}, err
	}
	return nil, ResetOutput{Success: true, CountsOutput: currentCounts()}, nil
}

func handleList(ctx context.Context, req *mcp.CallToolRequest, input ListInput) (*mcp.CallToolResult, ListOutput, error) {
	if err := directories.Refresh(); err != nil {
		return &mcp.CallToolResult{IsError: true}, ListOutput{}, err
	}

	snapshot := directories.Snapshot()
	parent, sub := snapshot.Counts()
	output := ListOutput{
		Parent:       directories.Layout().Parent,
		CountsOutput: CountsOutput{Parent: parent, Sub: sub},
	}
	if input.Names {
		output.ParentNames = snapshot.Parent
		output.SubNames = snapshot.Sub
	}
	return nil, output, nil
}

func handleHealth(ctx context.Context, req *mcp.CallToolRequest, input HealthInput) (*mcp.CallToolResult, HealthOutput, error) {
	health := directories.Health()
	stats := directories.Stats()

	output := HealthOutput{
		State:         health.State.String(),
		Status:        health.Status.String(),
		Events:        health.Events,
		Callbacks:     health.Callbacks,
		LastError:     health.LastError,
		Notifications: stats.Notifications,
		Refreshes:     stats.Refreshes,
		Missed:        stats.Missed,
	}
	if !health.LastEvent.IsZero() {
		output.LastEvent = health.LastEvent.Format(time.RFC3339Nano)
	}
	return nil, output, nil
}

func handleProbe(ctx context.Context, req *mcp.CallToolRequest, input ProbeInput) (*mcp.CallToolResult, ProbeOutput, error) {
	timeout := defaultProbeTimeout
	if input.TimeoutMS > 0 {
		timeout = time.Duration(input.TimeoutMS) * time.Millisecond
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := changeWatcher.Probe(ctx)
	status := changeWatcher.Health().Status.String()
	switch {
	case err == nil:
		return nil, ProbeOutput{Delivered: true, Status: status}, nil
	case errors.Is(err, watcher.ErrNoNotification):
		return nil, ProbeOutput{Delivered: false, Status: status}, nil
	default:
		return &mcp.CallToolResult{IsError: true}, ProbeOutput{Status: status}, err
	}
}
