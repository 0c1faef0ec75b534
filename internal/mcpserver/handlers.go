package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mbd888/voucherescrow/internal/controller"
	"github.com/mbd888/voucherescrow/internal/reconcile"
	"github.com/mbd888/voucherescrow/internal/release"
	"github.com/mbd888/voucherescrow/internal/validation"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *EscrowClient
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *EscrowClient) *Handlers {
	return &Handlers{client: client}
}

// HandleStatus reports the controller status.
func (h *Handlers) HandleStatus(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	env, err := h.client.Status(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get status: %v", err)), nil
	}
	var st controller.Status
	if err := json.Unmarshal(env.Data, &st); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse status: %v", err)), nil
	}
	return mcp.NewToolResultText(formatStatus(st)), nil
}

// HandleInit initializes the controller.
func (h *Handlers) HandleInit(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return h.lifecycle(ctx, "init", h.client.Init)
}

// HandleStart starts reconciliation.
func (h *Handlers) HandleStart(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return h.lifecycle(ctx, "start", h.client.Start)
}

// HandleStop stops reconciliation.
func (h *Handlers) HandleStop(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return h.lifecycle(ctx, "stop", h.client.Stop)
}

func (h *Handlers) lifecycle(ctx context.Context, name string, call func(context.Context) (*Envelope, error)) (*mcp.CallToolResult, error) {
	env, err := call(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to %s: %v", name, err)), nil
	}
	return mcp.NewToolResultText(capitalize(env.Message)), nil
}

// HandleScanPending runs a scan now.
func (h *Handlers) HandleScanPending(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	env, err := h.client.ScanPending(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to scan: %v", err)), nil
	}
	var res reconcile.ScanResult
	if err := json.Unmarshal(env.Data, &res); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse scan result: %v", err)), nil
	}
	return mcp.NewToolResultText("Scan complete: " + formatScan(res)), nil
}

// HandleRelease releases a listing to its seller.
func (h *Handlers) HandleRelease(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return h.settle(ctx, req, "release", h.client.Release)
}

// HandleRefund refunds a listing to its buyer.
func (h *Handlers) HandleRefund(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return h.settle(ctx, req, "refund", h.client.Refund)
}

func (h *Handlers) settle(ctx context.Context, req mcp.CallToolRequest, name string, call func(context.Context, uint64) (*Envelope, error)) (*mcp.CallToolResult, error) {
	id, err := listingID(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	env, err := call(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to %s listing %d: %v", name, id, err)), nil
	}
	var res release.Result
	if err := json.Unmarshal(env.Data, &res); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse result: %v", err)), nil
	}
	return mcp.NewToolResultText(formatResult(res)), nil
}

// HandleListAttempts lists journal records, failed ones by default.
func (h *Handlers) HandleListAttempts(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	status := req.GetString("status", string(release.StatusFailed))
	limit := req.GetInt("limit", 20)
	cursor := req.GetString("cursor", "")

	env, err := h.client.Attempts(ctx, status, limit, cursor)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list attempts: %v", err)), nil
	}
	var data struct {
		Attempts   []*release.Attempt `json:"attempts"`
		NextCursor string             `json:"nextCursor"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse attempts: %v", err)), nil
	}
	text := formatAttempts(status, data.Attempts)
	if data.NextCursor != "" {
		text += fmt.Sprintf("\nMore attempts available; call again with cursor %q.\n", data.NextCursor)
	}
	return mcp.NewToolResultText(text), nil
}

// HandleGetAttempt shows one listing's latest attempt.
func (h *Handlers) HandleGetAttempt(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := listingID(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	env, err := h.client.Attempt(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get attempt: %v", err)), nil
	}
	var a release.Attempt
	if err := json.Unmarshal(env.Data, &a); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse attempt: %v", err)), nil
	}
	return mcp.NewToolResultText(formatAttempt(&a)), nil
}

func listingID(req mcp.CallToolRequest) (uint64, error) {
	if _, ok := req.GetArguments()["listing_id"]; !ok {
		return 0, fmt.Errorf("listing_id is required")
	}
	return validation.ParseListingIDFloat(req.GetFloat("listing_id", 0))
}

// ============================================================
// Formatting
// ============================================================

func formatStatus(st controller.Status) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Escrow service: %s\n", st.State)
	fmt.Fprintf(&sb, "  Ledger mode: %s\n", st.LedgerMode)
	if st.AdminIdentity != "" {
		fmt.Fprintf(&sb, "  Admin: %s\n", st.AdminIdentity)
	}
	if st.LedgerEndpoint != "" {
		fmt.Fprintf(&sb, "  Endpoint: %s\n", st.LedgerEndpoint)
	}
	fmt.Fprintf(&sb, "  Subscribed: %t\n", st.Subscribed)
	fmt.Fprintf(&sb, "  Queue depth: %d\n", st.QueueDepth)
	fmt.Fprintf(&sb, "  In flight: %d\n", st.InFlight)
	for _, c := range st.Claims {
		fmt.Fprintf(&sb, "    listing %d (%s, since %s)\n", c.ID, c.Holder, c.Since.Format(time.RFC3339))
	}
	if st.LockHeld {
		sb.WriteString("  Instance lock: held\n")
	}
	if st.LastScan != nil {
		fmt.Fprintf(&sb, "  Last scan: %s", formatScan(*st.LastScan))
	}
	if st.LastError != "" {
		fmt.Fprintf(&sb, "  Last error (%s): %s\n", st.LastErrorKind, st.LastError)
	}
	return sb.String()
}

func formatScan(res reconcile.ScanResult) string {
	return fmt.Sprintf("scanned %d listings, queued %d, %d errors in %s (next id %d)\n",
		res.Scanned, res.Processed, res.Errors, res.Duration.Round(time.Millisecond), res.NextID)
}

func formatResult(res release.Result) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Listing %d %s: %s\n", res.ListingID, res.Action, res.Outcome)
	if res.Reason != "" {
		fmt.Fprintf(&sb, "  Reason: %s\n", res.Reason)
	}
	if res.Recipient != "" {
		fmt.Fprintf(&sb, "  Recipient: %s\n", res.Recipient)
	}
	if res.Amount != "" {
		fmt.Fprintf(&sb, "  Amount: %s\n", res.Amount)
	}
	if res.TxHash != "" {
		fmt.Fprintf(&sb, "  Tx: %s\n", res.TxHash)
	}
	return sb.String()
}

func formatAttempts(status string, attempts []*release.Attempt) string {
	if len(attempts) == 0 {
		if status == "" {
			return "No attempts recorded."
		}
		return fmt.Sprintf("No %s attempts.", status)
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d attempt(s):\n\n", len(attempts))
	for i, a := range attempts {
		fmt.Fprintf(&sb, "%d. %s", i+1, formatAttempt(a))
	}
	return sb.String()
}

func formatAttempt(a *release.Attempt) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Listing %d: %s %s (attempts: %d)\n", a.ListingID, a.Action, a.Status, a.AttemptCount)
	if a.Kind != release.KindNone {
		fmt.Fprintf(&sb, "   Kind: %s\n", a.Kind)
	}
	if a.LastError != "" {
		fmt.Fprintf(&sb, "   Error: %s\n", a.LastError)
	}
	if a.TxHash != "" {
		fmt.Fprintf(&sb, "   Tx: %s\n", a.TxHash)
	}
	if a.Kind == release.KindStructural && a.Status == release.StatusFailed {
		sb.WriteString("   Needs review: the ledger rejected this settlement; it will not be retried automatically.\n")
	}
	return sb.String()
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
