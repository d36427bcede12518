// Package rigmcp exposes rig control and status as Model Context
// Protocol tools over HTTP, so an LLM agent can query and drive
// MultiRig the same way a human operator would through rigctl.
// Grounded on the teacher's mcp_server.go: a *server.MCPServer built
// once in the constructor, one mcp.NewTool/AddTool pair per tool, and a
// StreamableHTTPServer wrapping it for transport.
package rigmcp

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rcludwick/multirig/internal/rigclient"
	"github.com/rcludwick/multirig/internal/rigregistry"
)

// Server handles Model Context Protocol requests against the live rig
// registry.
type Server struct {
	reg *rigregistry.Registry
	log *log.Logger

	mcpServer  *server.MCPServer
	httpServer *server.StreamableHTTPServer
}

// New constructs a Server with every tool registered against reg.
func New(reg *rigregistry.Registry, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	s := &Server{reg: reg, log: logger}

	s.mcpServer = server.NewMCPServer(
		"MultiRig",
		"1.0.0",
		server.WithToolCapabilities(true),
	)
	s.registerTools()
	s.httpServer = server.NewStreamableHTTPServer(s.mcpServer)
	return s
}

// ServeHTTP lets Server be mounted directly on an http.ServeMux.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.httpServer.ServeHTTP(w, r)
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(
		mcp.NewTool("list_rigs",
			mcp.WithDescription("List every configured rig with its index, name, connection state, and whether it is enabled and following the main rig. Use this first to learn which rig index to target with other tools."),
		),
		s.handleListRigs,
	)

	s.mcpServer.AddTool(
		mcp.NewTool("get_rig_status",
			mcp.WithDescription("Get the full status snapshot for one rig: frequency, mode, VFO, PTT, split, capabilities, and the last connection/operation error if any."),
			mcp.WithNumber("rig_index",
				mcp.Description("Index of the rig to query, as returned by list_rigs"),
				mcp.DefaultNumber(0),
			),
		),
		s.handleGetRigStatus,
	)

	s.mcpServer.AddTool(
		mcp.NewTool("set_frequency",
			mcp.WithDescription("Set a rig's VFO frequency in Hz. Rejected with a band error if the frequency falls outside the rig's configured band presets and out-of-band overrides are not allowed."),
			mcp.WithNumber("rig_index",
				mcp.Description("Index of the rig to command"),
				mcp.DefaultNumber(0),
			),
			mcp.WithNumber("frequency_hz",
				mcp.Description("Target frequency in Hz, e.g. 14074000 for 20m FT8"),
			),
		),
		s.handleSetFrequency,
	)

	s.mcpServer.AddTool(
		mcp.NewTool("set_mode",
			mcp.WithDescription("Set a rig's mode and passband width."),
			mcp.WithNumber("rig_index",
				mcp.Description("Index of the rig to command"),
				mcp.DefaultNumber(0),
			),
			mcp.WithString("mode",
				mcp.Description("Mode name as Hamlib reports it, e.g. USB, LSB, CW, FM, AM"),
			),
			mcp.WithNumber("passband_hz",
				mcp.Description("Passband width in Hz; 0 lets the rig pick its own default for the mode"),
				mcp.DefaultNumber(0),
			),
		),
		s.handleSetMode,
	)

	s.mcpServer.AddTool(
		mcp.NewTool("set_ptt",
			mcp.WithDescription("Key or unkey a rig's transmitter. Use with caution: this actually keys the radio."),
			mcp.WithNumber("rig_index",
				mcp.Description("Index of the rig to command"),
				mcp.DefaultNumber(0),
			),
			mcp.WithString("state",
				mcp.Description("'on' to key the transmitter, 'off' to unkey"),
				mcp.DefaultString("off"),
			),
		),
		s.handleSetPTT,
	)

	s.mcpServer.AddTool(
		mcp.NewTool("get_debug_events",
			mcp.WithDescription("Get the recent wire-level transmit/receive trace for one rig's connection, useful for diagnosing a rig that isn't responding as expected."),
			mcp.WithNumber("rig_index",
				mcp.Description("Index of the rig to inspect"),
				mcp.DefaultNumber(0),
			),
		),
		s.handleGetDebugEvents,
	)
}

func (s *Server) client(idx int) (*rigclient.Client, error) {
	c := s.reg.Client(idx)
	if c == nil {
		return nil, fmt.Errorf("no rig at index %d", idx)
	}
	return c, nil
}

func (s *Server) handleListRigs(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var b strings.Builder
	for _, c := range s.reg.RawClients() {
		snap := c.GetStatus()
		fmt.Fprintf(&b, "%d: %s connected=%t enabled=%t follow_main=%t\n",
			snap.Index, snap.Name, snap.Connected, snap.Enabled, snap.FollowMain)
	}
	if b.Len() == 0 {
		return mcp.NewToolResultText("no rigs configured"), nil
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (s *Server) handleGetRigStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	idx := int(request.GetFloat("rig_index", 0))
	c, err := s.client(idx)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	snap := c.GetStatus()
	text := fmt.Sprintf(
		"rig %d (%s)\nconnected: %t\nfrequency: %d Hz\nvfo: %s\nmode: %s\npassband: %d Hz\nptt: %t\nsplit: %t tx_vfo: %s\ncapabilities: %+v\nconnection_error: %s\nlast_op_error: %s",
		snap.Index, snap.Name, snap.Connected, snap.FrequencyHz, snap.VFO, snap.Mode,
		snap.PassbandHz, snap.PTT, snap.Split, snap.TxVFO, snap.Caps, snap.ConnectionError, snap.LastOpError,
	)
	return mcp.NewToolResultText(text), nil
}

func (s *Server) handleSetFrequency(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	idx := int(request.GetFloat("rig_index", 0))
	hz := uint64(request.GetFloat("frequency_hz", 0))
	c, err := s.client(idx)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if err := c.SetFrequency(hz); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("rig %d frequency set to %d Hz", idx, hz)), nil
}

func (s *Server) handleSetMode(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	idx := int(request.GetFloat("rig_index", 0))
	mode := request.GetString("mode", "")
	passband := int(request.GetFloat("passband_hz", 0))
	if mode == "" {
		return mcp.NewToolResultError("mode is required"), nil
	}
	c, err := s.client(idx)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if err := c.SetMode(mode, passband); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("rig %d mode set to %s", idx, mode)), nil
}

func (s *Server) handleSetPTT(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	idx := int(request.GetFloat("rig_index", 0))
	state := request.GetString("state", "off")
	on := state == "on"
	c, err := s.client(idx)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if err := c.SetPTT(on); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("rig %d ptt set to %s", idx, state)), nil
}

func (s *Server) handleGetDebugEvents(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	idx := int(request.GetFloat("rig_index", 0))
	c, err := s.client(idx)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	events := c.DebugEvents()
	if len(events) == 0 {
		return mcp.NewToolResultText("no debug events recorded"), nil
	}
	var b strings.Builder
	for _, e := range events {
		fmt.Fprintf(&b, "%s %s %s: %s\n", e.Ts.Format("15:04:05.000"), e.Kind, e.Semantic, e.Payload)
	}
	return mcp.NewToolResultText(b.String()), nil
}
