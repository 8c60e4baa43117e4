package main

import (
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"
	"github.com/taigrr/coordbug/internal/controller"
	"github.com/taigrr/coordbug/internal/watcher"
)

var (
	directories   *controller.Controller
	changeWatcher *watcher.Watcher
)

type (
	// CountsOutput reports entry counts after an operation.
	CountsOutput struct {
		Parent int `json:"parent"`
		Sub    int `json:"sub"`
	}

	// AddInput contains parameters for adding a file.
	AddInput struct{}

	// AddOutput contains the result of adding a file.
	AddOutput struct {
		Success bool   `json:"success"`
		Name    string `json:"name"`
		CountsOutput
	}

	// ResetInput contains parameters for resetting the directories.
	ResetInput struct {
		Confirm string `json:"confirm" jsonschema:"Must be set to 'yes' to confirm deleting every entry"`
	}

	// ResetOutput contains the result of a reset.
	ResetOutput struct {
		Success bool `json:"success"`
		CountsOutput
	}

	// ListInput contains parameters for listing the directories.
	ListInput struct {
		Names bool `json:"names,omitempty" jsonschema:"Include entry names, not just counts (default: false)"`
	}

	// ListOutput contains the current listing.
	ListOutput struct {
		Parent      string   `json:"parent"`
		ParentNames []string `json:"parentNames,omitempty"`
		SubNames    []string `json:"subNames,omitempty"`
		CountsOutput
	}

	// HealthInput contains parameters for the health report.
	HealthInput struct{}

	// HealthOutput reports watcher liveness and refresh counters.
	HealthOutput struct {
		State         string `json:"state"`
		Status        string `json:"status"`
		Events        uint64 `json:"events"`
		Callbacks     uint64 `json:"callbacks"`
		LastEvent     string `json:"lastEvent,omitempty"`
		LastError     string `json:"lastError,omitempty"`
		Notifications uint64 `json:"notifications"`
		Refreshes     uint64 `json:"refreshes"`
		Missed        uint64 `json:"missed"`
	}

	// ProbeInput contains parameters for a liveness probe.
	ProbeInput struct {
		TimeoutMS int `json:"timeoutMs,omitempty" jsonschema:"How long to wait for the probe notification in milliseconds (default: 2000)"`
	}

	// ProbeOutput contains the probe result.
	ProbeOutput struct {
		Delivered bool   `json:"delivered"`
		Status    string `json:"status"`
	}
)

func registerTools(server *mcp.Server) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "add_parent",
		Description: "Create an empty file with a random name in the parent directory. Returns the name and the new counts.",
	}, handleAddParent)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "add_sub",
		Description: "Create an empty file with a random name in the subdirectory. Returns the name and the new counts.",
	}, handleAddSub)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "reset",
		Description: "Delete everything in the parent directory and recreate the empty subdirectory. Requires confirm='yes'.",
	}, handleReset)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "list",
		Description: "Return the current entry counts, optionally with entry names.",
	}, handleList)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "health",
		Description: "Report whether change notifications are arriving, with event and refresh counters.",
	}, handleHealth)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "probe",
		Description: "Write and remove a hidden probe file and wait for its change notification.",
	}, handleProbe)
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the directories as MCP tools over stdio",
		Long: `serve runs a Model Context Protocol server on stdin/stdout. The
server keeps a watcher on the parent directory so the counts it
reports follow changes made by other processes.`,
		Args: cobra.NoArgs,
		RunE: runServer,
	}
}

func runServer(cmd *cobra.Command, _ []string) error {
	svc, err := newServices(cmd)
	if err != nil {
		return err
	}

	// Initialize services
	changeWatcher = svc.newWatcher()
	directories, err = svc.newController(changeWatcher, controller.Options{})
	if err != nil {
		if directories == nil {
			return fmt.Errorf("failed to initialize %s: %w", svc.layout.Parent, err)
		}
		// Keep serving without notifications; health reports the cause.
		svc.logger.Warn("serving without change notifications", "err", err)
	}
	defer directories.Close()

	// Create MCP server
	server := mcp.NewServer(&mcp.Implementation{
		Name:    "coordbug",
		Version: version,
	}, nil)

	registerTools(server)

	if err := server.Run(cmd.Context(), &mcp.StdioTransport{}); err != nil {
		return fmt.Errorf("error running server: %w", err)
	}

	return nil
}
