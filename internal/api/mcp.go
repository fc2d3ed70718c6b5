package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/docqa/internal/queue"
	"github.com/kalambet/docqa/internal/storage"
)

const transcriptURIPrefix = "docqa://documents/"

// NewMCPServer creates an MCP server exposing the question queue as tools.
func NewMCPServer(deps Deps) *server.MCPServer {
	s := server.NewMCPServer(
		"docqa",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("docqa answers questions about registered PDF documents. Questions are queued per document and answered in order."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("list_documents",
			mcp.WithDescription("List registered documents with their ids and page counts."),
			mcp.WithNumber("limit", mcp.Description("Maximum number of documents (default 50)")),
		),
		mcpListDocuments(deps),
	)

	s.AddTool(
		mcp.NewTool("ask_document",
			mcp.WithDescription("Queue a question about a document. The answer is appended to the document transcript."),
			mcp.WithString("document_id", mcp.Description("Document id"), mcp.Required()),
			mcp.WithString("query", mcp.Description("The question"), mcp.Required()),
			mcp.WithNumber("current_page", mcp.Description("1-based page the user is viewing")),
			mcp.WithString("selected_text", mcp.Description("Text the user selected")),
			mcp.WithNumber("selected_page", mcp.Description("Page of the selected text")),
		),
		mcpAsk(deps),
	)

	s.AddTool(
		mcp.NewTool("queue_status",
			mcp.WithDescription("Show a document's status and pending questions."),
			mcp.WithString("document_id", mcp.Description("Document id"), mcp.Required()),
		),
		mcpQueueStatus(deps),
	)

	s.AddResourceTemplate(
		mcp.NewResourceTemplate(
			transcriptURIPrefix+"{id}/transcript",
			"Document transcript",
			mcp.WithTemplateDescription("Questions and answers for a document, oldest first"),
			mcp.WithTemplateMIMEType("application/json"),
		),
		mcpResourceTranscript(deps),
	)

	return s
}

func mcpListDocuments(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		limit := req.GetInt("limit", 50)
		if limit <= 0 || limit > 500 {
			limit = 50
		}
		docs, err := deps.Store.ListDocuments(limit)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to list documents: %v", err)), nil
		}
		return mcpJSON(docs)
	}
}

func mcpAsk(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		documentID, err := req.RequireString("document_id")
		if err != nil {
			return mcpError("document_id is required"), nil
		}
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}

		q := Question{Query: query, CurrentPage: req.GetInt("current_page", 0)}
		if sel := req.GetString("selected_text", ""); strings.TrimSpace(sel) != "" {
			q.SelectedText = &queue.SelectedText{Text: sel, PageNumber: req.GetInt("selected_page", 0)}
		}

		queued, err := ask(ctx, deps, documentID, q)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			return mcpError(fmt.Sprintf("document %s not found", documentID)), nil
		case isInvalid(err):
			return mcpError(err.Error()), nil
		case err != nil:
			return mcpError(fmt.Sprintf("failed to queue question: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Queued question %s at position %d", queued.ID, queued.Position)), nil
	}
}

func mcpQueueStatus(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		documentID, err := req.RequireString("document_id")
		if err != nil {
			return mcpError("document_id is required"), nil
		}
		if _, err := deps.Store.GetDocument(documentID); err != nil {
			return mcpError(fmt.Sprintf("document %s: %v", documentID, err)), nil
		}

		return mcpJSON(struct {
			DocumentStatus
			Items []queue.Item `json:"items"`
		}{
			DocumentStatus: documentStatus(deps, documentID),
			Items:          deps.Queue.PeekAll(documentID),
		})
	}
}

func mcpResourceTranscript(deps Deps) server.ResourceTemplateHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		id, ok := transcriptID(req.Params.URI)
		if !ok {
			return nil, fmt.Errorf("unexpected transcript uri %q", req.Params.URI)
		}
		msgs, err := deps.Store.ListMessages(id, 200)
		if err != nil {
			return nil, fmt.Errorf("failed to list messages: %w", err)
		}
		b, err := json.Marshal(msgs)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal transcript: %w", err)
		}
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

// transcriptID extracts the document id from docqa://documents/{id}/transcript.
func transcriptID(uri string) (string, bool) {
	rest, ok := strings.CutPrefix(uri, transcriptURIPrefix)
	if !ok {
		return "", false
	}
	id, ok := strings.CutSuffix(rest, "/transcript")
	if !ok || id == "" || strings.Contains(id, "/") {
		return "", false
	}
	return id, true
}

func mcpJSON(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcpText(string(b)), nil
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
