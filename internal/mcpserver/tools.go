package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the escrow operator MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolEscrowStatus = mcp.NewTool("escrow_status",
	mcp.WithDescription(
		"Show the escrow reconciliation service state: lifecycle state, admin identity, "+
			"ledger endpoint, queue depth, listings being settled right now, the last scan "+
			"and the last error with its kind."),
)

var ToolInitEscrow = mcp.NewTool("init_escrow",
	mcp.WithDescription(
		"Connect to the marketplace ledger and verify the configured signer is the contract admin. "+
			"Must succeed before start_escrow or manual settlements."),
)

var ToolStartEscrow = mcp.NewTool("start_escrow",
	mcp.WithDescription(
		"Start automatic reconciliation: subscribe to BuyerConfirmed events and run a catch-up "+
			"scan that queues every confirmed listing still awaiting release."),
)

var ToolStopEscrow = mcp.NewTool("stop_escrow",
	mcp.WithDescription(
		"Stop automatic reconciliation. Settlements already submitted finish; queued work is dropped "+
			"and rediscovered by the next scan."),
)

var ToolScanPending = mcp.NewTool("scan_pending",
	mcp.WithDescription(
		"Scan every listing now and queue a release for each one the buyer confirmed. "+
			"Only allowed while the service is running."),
)

var ToolReleaseListing = mcp.NewTool("release_listing",
	mcp.WithDescription(
		"Release a listing's escrowed payment to its seller now and wait for confirmation. "+
			"Only listings the buyer confirmed can be released."),
	mcp.WithNumber("listing_id",
		mcp.Required(),
		mcp.Description("Marketplace listing id (positive integer)")),
)

var ToolRefundListing = mcp.NewTool("refund_listing",
	mcp.WithDescription(
		"Refund a listing's escrowed payment to its buyer now and wait for confirmation. "+
			"Covers stalled locks and disputed listings."),
	mcp.WithNumber("listing_id",
		mcp.Required(),
		mcp.Description("Marketplace listing id (positive integer)")),
)

var ToolListAttempts = mcp.NewTool("list_attempts",
	mcp.WithDescription(
		"List recent settlement attempts from the journal. Defaults to failed attempts, "+
			"which include structural rejections waiting for an operator."),
	mcp.WithString("status",
		mcp.Description("Filter by attempt status"),
		mcp.Enum("pending", "in_flight", "succeeded", "skipped", "failed")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of attempts to return (default 20)")),
	mcp.WithString("cursor",
		mcp.Description("Cursor from a previous list_attempts result to fetch the next page")),
)

var ToolGetAttempt = mcp.NewTool("get_attempt",
	mcp.WithDescription("Show the latest settlement attempt for one listing."),
	mcp.WithNumber("listing_id",
		mcp.Required(),
		mcp.Description("Marketplace listing id (positive integer)")),
)
