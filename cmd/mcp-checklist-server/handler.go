package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/cexll/tracksync/internal/checklist"
	"github.com/cexll/tracksync/internal/workitem"
)

// ExtractParams is the input of extract_checklist.
type ExtractParams struct {
	Description string `json:"description" jsonschema:"The pull request description"`
}

// ExtractResult is the output of extract_checklist.
type ExtractResult struct {
	Found     bool            `json:"found"`
	Checklist checklist.State `json:"checklist"`
	Checked   []string        `json:"checked"`
	Status    workitem.Status `json:"status"`
}

// RenderParams is the input of render_checklist.
type RenderParams struct {
	Description string   `json:"description" jsonschema:"The pull request description; may be empty"`
	Checked     []string `json:"checked" jsonschema:"Items to check: setup, implementation, tests, documentation, review, acceptance"`
}

// RenderResult is the output of render_checklist.
type RenderResult struct {
	Description string `json:"description"`
	Changed     bool   `json:"changed"`
}

// DeriveParams is the input of derive_status.
type DeriveParams struct {
	Checked []string `json:"checked" jsonschema:"Checked item names"`
}

// DeriveResult is the output of derive_status.
type DeriveResult struct {
	Status workitem.Status `json:"status"`
}

// HandleExtract handles the extract_checklist tool call.
func HandleExtract(ctx context.Context, req *mcp.CallToolRequest, params ExtractParams) (*mcp.CallToolResult, any, error) {
	state := checklist.Extract(params.Description)
	out := ExtractResult{
		Found:     checklist.HasSection(params.Description),
		Checklist: state,
		Checked:   state.Checked(),
		Status:    workitem.Derive(state),
	}
	if out.Checked == nil {
		out.Checked = []string{}
	}
	return jsonResult(out)
}

// HandleRender handles the render_checklist tool call. A description without
// a checklist section gets one appended.
func HandleRender(ctx context.Context, req *mcp.CallToolRequest, params RenderParams) (*mcp.CallToolResult, any, error) {
	state, err := stateOf(params.Checked)
	if err != nil {
		return errorResult(err), nil, nil
	}

	var rendered string
	if checklist.HasSection(params.Description) {
		rendered = checklist.MergeAndRender(params.Description, state)
	} else {
		rendered = appendSection(params.Description, checklist.Render(state))
	}
	log.Printf("[MCP Checklist Server] Rendered checklist with %d checked items", len(state.Checked()))
	return jsonResult(RenderResult{Description: rendered, Changed: rendered != params.Description})
}

// HandleDerive handles the derive_status tool call.
func HandleDerive(ctx context.Context, req *mcp.CallToolRequest, params DeriveParams) (*mcp.CallToolResult, any, error) {
	state, err := stateOf(params.Checked)
	if err != nil {
		return errorResult(err), nil, nil
	}
	return jsonResult(DeriveResult{Status: workitem.Derive(state)})
}

func stateOf(names []string) (checklist.State, error) {
	var state checklist.State
	for _, n := range names {
		it, ok := checklist.ParseItem(n)
		if !ok {
			return state, fmt.Errorf("unknown checklist item %q", n)
		}
		state.Set(it, true)
	}
	return state, nil
}

func appendSection(doc, section string) string {
	doc = strings.TrimRight(doc, "\n")
	if doc == "" {
		return section
	}
	return doc + "\n\n" + section
}

func jsonResult(v any) (*mcp.CallToolResult, any, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, nil, fmt.Errorf("encode result: %w", err)
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}, nil, nil
}

func errorResult(err error) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("Error: %v", err)}},
		IsError: true,
	}
}
