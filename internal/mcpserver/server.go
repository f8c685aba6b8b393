// Package mcpserver provides an MCP (Model Context Protocol) server
// that exposes refhub tools for LLM integration via stdio transport.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/starford/refhub/internal/hub"
	"github.com/starford/refhub/internal/models"
)

// Server wraps the MCP server with refhub tools.
type Server struct {
	mcp *server.MCPServer
	svc *hub.Service
}

// New creates a new MCP server with all refhub tools registered.
func New(svc *hub.Service) *Server {
	s := &Server{svc: svc}

	s.mcp = server.NewMCPServer(
		"Refhub",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(false, false),
	)

	s.mcp.AddTool(mcp.NewTool("search_documents",
		mcp.WithDescription("Full-text search through vault document content and titles."),
		mcp.WithString("query", mcp.Required(), mcp.Description("Search query string")),
	), s.searchDocuments)

	s.mcp.AddTool(mcp.NewTool("get_record",
		mcp.WithDescription("Read one attachment record by id, including its metadata, "+
			"companion state, and resolved references."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Record id")),
	), s.getRecord)

	s.mcp.AddTool(mcp.NewTool("list_records",
		mcp.WithDescription("List all attachment records, optionally filtered by tag."),
		mcp.WithString("tag", mcp.Description("Optional tag to filter by (empty for all)")),
	), s.listRecords)

	s.mcp.AddTool(mcp.NewTool("create_record",
		mcp.WithDescription("Register an attachment record for a file already in the vault. "+
			"The companion document is generated automatically; its format is described by "+
			"the get_companion_contract tool or the refhub://companion-format resource."),
		mcp.WithString("path", mcp.Required(), mcp.Description("Vault-relative path of the attachment file")),
		mcp.WithString("title", mcp.Description("Human-readable title (defaults to the filename stem)")),
		mcp.WithString("author", mcp.Description("Author string")),
		mcp.WithString("identity_key", mcp.Description("Stable identity key such as a DOI")),
	), s.createRecord)

	s.mcp.AddTool(mcp.NewTool("find_references",
		mcp.WithDescription("Find vault documents that reference the record's attachment, "+
			"rescanning the corpus first."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Record id")),
	), s.findReferences)

	s.mcp.AddTool(mcp.NewTool("get_companion_contract",
		mcp.WithDescription("Returns the canonical companion document format contract. "+
			"Call this before editing companion documents to ensure correct structure."),
	), s.getCompanionContract)

	s.mcp.AddTool(mcp.NewTool("import_attachment",
		mcp.WithDescription("Download or decode a file, store it in the vault's attachments "+
			"directory, and register a record for it. Accepts http(s) URLs and base64 data URIs."),
		mcp.WithString("url", mcp.Required(), mcp.Description("HTTP(S) URL or data: URI of the file")),
		mcp.WithString("filename", mcp.Description("Optional filename override")),
	), s.importAttachment)

	// Resource: companion document format contract.
	s.mcp.AddResource(
		mcp.NewResource("refhub://companion-format", "Companion Format Contract",
			mcp.WithResourceDescription("Canonical companion document format that refhub maintains."),
			mcp.WithMIMEType("text/markdown"),
		),
		s.readCompanionFormatResource,
	)

	return s
}

// ServeStdio starts the MCP server on stdin/stdout.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcp)
}

// MCPServer returns the underlying server for testing.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcp
}

func (s *Server) searchDocuments(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query, err := req.RequireString("query")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	results, err := s.svc.Search(ctx, query, 20)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	out, _ := json.MarshalIndent(results, "", "  ")
	return mcp.NewToolResultText(string(out)), nil
}

func (s *Server) getRecord(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	rec, err := s.svc.GetRecord(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("not found: %s", id)), nil
	}
	out, _ := json.MarshalIndent(rec, "", "  ")
	return mcp.NewToolResultText(string(out)), nil
}

func (s *Server) listRecords(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tag := ""
	if t, err := req.RequireString("tag"); err == nil {
		tag = t
	}

	records := s.svc.ListRecords(ctx, tag)
	var lines []string
	for _, r := range records {
		lines = append(lines, fmt.Sprintf("%s\t%s\t%s", r.ID, r.Path, r.Title))
	}
	if len(lines) == 0 {
		return mcp.NewToolResultText("no records"), nil
	}
	return mcp.NewToolResultText(strings.Join(lines, "\n")), nil
}

func (s *Server) createRecord(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path, err := req.RequireString("path")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	rec := &models.Record{Path: path}
	if v, rErr := req.RequireString("title"); rErr == nil {
		rec.Title = v
	}
	if v, rErr := req.RequireString("author"); rErr == nil {
		rec.Author = v
	}
	if v, rErr := req.RequireString("identity_key"); rErr == nil {
		rec.IdentityKey = v
	}

	result, err := s.svc.AddRecord(ctx, rec, hub.AddOptions{})
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	out, _ := json.MarshalIndent(result.Record, "", "  ")
	return mcp.NewToolResultText(string(out)), nil
}

func (s *Server) findReferences(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	refs, err := s.svc.References(ctx, id, true)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if len(refs) == 0 {
		return mcp.NewToolResultText("no references found"), nil
	}
	out, _ := json.MarshalIndent(refs, "", "  ")
	return mcp.NewToolResultText(string(out)), nil
}

func (s *Server) getCompanionContract(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultText(CompanionFormatContract), nil
}

func (s *Server) readCompanionFormatResource(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      "refhub://companion-format",
			MIMEType: "text/markdown",
			Text:     CompanionFormatContract,
		},
	}, nil
}
