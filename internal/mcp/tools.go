package mcp

import (
	"context"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/gambtho/container-assist/internal/session"
	"github.com/gambtho/container-assist/internal/workflow"
)

func (s *Server) registerTools() {
	s.registerWorkflowTools()
	s.registerSessionTools()
	s.registerResourceTools()
}

// ===== WORKFLOW TOOLS =====

type startWorkflowInput struct {
	Repository string             `json:"repository" jsonschema:"required,Path to the repository checkout to containerize"`
	Overrides  *session.Overrides `json:"overrides,omitempty" jsonschema:"Per-session workflow configuration overrides"`
}

type startWorkflowOutput struct {
	SessionID     string `json:"session_id"`
	ProgressToken string `json:"progress_token"`
}

type sessionRefInput struct {
	SessionID string `json:"session_id" jsonschema:"required,Workflow session identifier"`
}

type workflowStatusOutput struct {
	SessionID       string            `json:"session_id"`
	Repository      string            `json:"repository"`
	Status          string            `json:"status"`
	CurrentStage    string            `json:"current_stage,omitempty"`
	CompletedStages []string          `json:"completed_stages"`
	RetryCounts     map[string]int    `json:"retry_counts,omitempty"`
	Errors          map[string]string `json:"errors,omitempty"`
	Artifacts       map[string]string `json:"artifacts,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	LastActivityAt  time.Time         `json:"last_activity_at"`
}

type acknowledgeOutput struct {
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
}

func (s *Server) registerWorkflowTools() {
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "start_workflow",
		Description: "Start a containerization workflow for a repository; runs analysis through deployment verification in the background",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args startWorkflowInput) (*mcp.CallToolResult, startWorkflowOutput, error) {
		res, err := s.coordinator.StartWorkflow(ctx, args.Repository, args.Overrides)
		if err != nil {
			return nil, startWorkflowOutput{}, fmt.Errorf("start workflow failed: %w", err)
		}
		s.logger.Info("workflow started via MCP",
			zap.String("session_id", res.SessionID),
			zap.String("repository", args.Repository))

		out := startWorkflowOutput{SessionID: res.SessionID, ProgressToken: res.Token}
		return &mcp.CallToolResult{
			Content: []mcp.Content{
				&mcp.TextContent{Text: fmt.Sprintf("Workflow started: %s", res.SessionID)},
			},
		}, out, nil
	})

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "workflow_status",
		Description: "Report the current state of a workflow session",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args sessionRefInput) (*mcp.CallToolResult, workflowStatusOutput, error) {
		sess, err := s.coordinator.Status(ctx, args.SessionID)
		if err != nil {
			return nil, workflowStatusOutput{}, err
		}

		out := statusOutput(sess)
		text := fmt.Sprintf("Session %s: %s", sess.ID, sess.State.Status)
		if !sess.State.Status.Terminal() {
			text += fmt.Sprintf(" (stage %s)", sess.State.CurrentStage)
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: text}},
		}, out, nil
	})

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "cancel_workflow",
		Description: "Request cancellation of a running or parked workflow; observed at the next stage boundary",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args sessionRefInput) (*mcp.CallToolResult, acknowledgeOutput, error) {
		if err := s.coordinator.Cancel(ctx, args.SessionID); err != nil {
			return nil, acknowledgeOutput{}, fmt.Errorf("cancel failed: %w", err)
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{
				&mcp.TextContent{Text: fmt.Sprintf("Cancellation requested for %s", args.SessionID)},
			},
		}, acknowledgeOutput{SessionID: args.SessionID, Status: "cancelling"}, nil
	})

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "resume_workflow",
		Description: "Resume a workflow parked in awaiting_intervention; re-executes the failed stage",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args sessionRefInput) (*mcp.CallToolResult, acknowledgeOutput, error) {
		if err := s.coordinator.Resume(ctx, args.SessionID); err != nil {
			return nil, acknowledgeOutput{}, fmt.Errorf("resume failed: %w", err)
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{
				&mcp.TextContent{Text: fmt.Sprintf("Workflow %s resumed", args.SessionID)},
			},
		}, acknowledgeOutput{SessionID: args.SessionID, Status: "running"}, nil
	})
}

// ===== SESSION TOOLS =====

type listSessionsInput struct {
	Status     string `json:"status,omitempty" jsonschema:"Filter by lifecycle status (pending|running|awaiting_intervention|completed|failed|cancelled)"`
	Repository string `json:"repository,omitempty" jsonschema:"Filter by repository"`
}

type listSessionsOutput struct {
	Sessions []workflowStatusOutput `json:"sessions"`
}

func (s *Server) registerSessionTools() {
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "list_sessions",
		Description: "List workflow sessions, optionally filtered by status or repository",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args listSessionsInput) (*mcp.CallToolResult, listSessionsOutput, error) {
		filter := session.Filter{
			Status:     workflow.Status(args.Status),
			Repository: args.Repository,
		}
		sessions, err := s.sessions.List(ctx, filter)
		if err != nil {
			return nil, listSessionsOutput{}, err
		}

		out := listSessionsOutput{Sessions: make([]workflowStatusOutput, 0, len(sessions))}
		for _, sess := range sessions {
			out.Sessions = append(out.Sessions, statusOutput(sess))
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{
				&mcp.TextContent{Text: fmt.Sprintf("%d sessions", len(out.Sessions))},
			},
		}, out, nil
	})
}

// ===== RESOURCE TOOLS =====

type readResourceInput struct {
	URI string `json:"uri" jsonschema:"required,Resource URI, e.g. workflow://sessions/<id>/build"`
}

type readResourceOutput struct {
	URI      string `json:"uri"`
	MimeType string `json:"mime_type"`
	Content  string `json:"content"`
}

type listResourcesInput struct {
	Pattern string `json:"pattern,omitempty" jsonschema:"Glob-style URI pattern; empty matches everything"`
}

type listResourcesOutput struct {
	URIs []string `json:"uris"`
}

func (s *Server) registerResourceTools() {
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "read_resource",
		Description: "Read a cached workflow artifact by URI",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args readResourceInput) (*mcp.CallToolResult, readResourceOutput, error) {
		res, err := s.cache.Read(ctx, args.URI)
		if err != nil {
			return nil, readResourceOutput{}, err
		}
		if res == nil {
			return nil, readResourceOutput{}, fmt.Errorf("resource %s not found or expired", args.URI)
		}
		out := readResourceOutput{
			URI:      res.URI,
			MimeType: res.MimeType,
			Content:  string(res.Content),
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: out.Content}},
		}, out, nil
	})

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "list_resources",
		Description: "List cached artifact URIs matching a glob-style pattern",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args listResourcesInput) (*mcp.CallToolResult, listResourcesOutput, error) {
		uris, err := s.cache.List(ctx, args.Pattern)
		if err != nil {
			return nil, listResourcesOutput{}, err
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{
				&mcp.TextContent{Text: fmt.Sprintf("%d resources", len(uris))},
			},
		}, listResourcesOutput{URIs: uris}, nil
	})
}

func statusOutput(sess *session.Session) workflowStatusOutput {
	out := workflowStatusOutput{
		SessionID:       sess.ID,
		Repository:      sess.Repository,
		Status:          string(sess.State.Status),
		CompletedStages: make([]string, 0, len(sess.State.CompletedStages)),
		CreatedAt:       sess.CreatedAt,
		LastActivityAt:  sess.LastActivityAt,
		Artifacts:       sess.Artifacts,
	}
	if !sess.State.Status.Terminal() {
		out.CurrentStage = string(sess.State.CurrentStage)
	}
	for _, stage := range sess.State.CompletedStages {
		out.CompletedStages = append(out.CompletedStages, string(stage))
	}
	if len(sess.State.RetryCounts) > 0 {
		out.RetryCounts = make(map[string]int, len(sess.State.RetryCounts))
		for stage, n := range sess.State.RetryCounts {
			out.RetryCounts[string(stage)] = n
		}
	}
	if len(sess.State.Errors) > 0 {
		out.Errors = make(map[string]string, len(sess.State.Errors))
		for stage, msg := range sess.State.Errors {
			out.Errors[string(stage)] = msg
		}
	}
	return out
}
