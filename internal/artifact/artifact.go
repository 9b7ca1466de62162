// Package artifact validates and records markdown artifacts submitted by
// agents: task results and final workflow results.
package artifact

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"

	"github.com/kestrelhq/kestrel/internal/clock"
	kerr "github.com/kestrelhq/kestrel/internal/errors"
	"github.com/kestrelhq/kestrel/internal/model"
	"github.com/kestrelhq/kestrel/internal/store"
)

// MaxSize caps artifact files at 100 kB.
const MaxSize = 100 * 1024

// Service validates artifact submissions and persists their records.
type Service struct {
	store  store.Backend
	clock  clock.Clock
	logger *slog.Logger
	md     goldmark.Markdown
}

// New creates an artifact service.
func New(backend store.Backend, clk clock.Clock, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:  backend,
		clock:  clk,
		logger: logger,
		md:     goldmark.New(),
	}
}

// Validate enforces the artifact file constraints and returns the file
// contents: absolute .md path without traversal segments, existing,
// readable, and at most MaxSize bytes.
func (s *Service) Validate(path string) ([]byte, error) {
	if !filepath.IsAbs(path) {
		return nil, kerr.ErrBadArtifact(path, "path must be absolute")
	}
	for _, seg := range strings.Split(filepath.ToSlash(path), "/") {
		if seg == ".." {
			return nil, kerr.ErrPathTraversal(path)
		}
	}
	if strings.ToLower(filepath.Ext(path)) != ".md" {
		return nil, kerr.ErrBadArtifact(path, "extension must be .md")
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, kerr.ErrBadArtifact(path, "file does not exist or is unreadable").WithCause(err)
	}
	if info.Size() > MaxSize {
		return nil, kerr.ErrFileTooLarge(path, info.Size(), MaxSize)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, kerr.ErrBadArtifact(path, "file is unreadable").WithCause(err)
	}
	return data, nil
}

// Summary extracts the first heading of a markdown document, falling back
// to the first non-empty line.
func (s *Service) Summary(source []byte) string {
	doc := s.md.Parser().Parse(text.NewReader(source))
	var heading string
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		if h, ok := n.(*ast.Heading); ok {
			var b bytes.Buffer
			for c := h.FirstChild(); c != nil; c = c.NextSibling() {
				if t, ok := c.(*ast.Text); ok {
					b.Write(t.Segment.Value(source))
				}
			}
			heading = b.String()
			return ast.WalkStop, nil
		}
		return ast.WalkContinue, nil
	})
	if heading != "" {
		return heading
	}
	for _, line := range strings.Split(string(source), "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

// SubmitTaskResult records a task artifact. The submitter must own the
// task assignment.
func (s *Service) SubmitTaskResult(ctx context.Context, taskID, agentID, path, artifactType string) (*model.AgentResult, error) {
	task, _, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, kerr.ErrNotFound("task", taskID)
	}
	if task.AssignedAgentID != agentID {
		return nil, kerr.ErrNotAuthorized(fmt.Sprintf("task %s is not assigned to agent %s", taskID, agentID))
	}

	data, err := s.Validate(path)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	result := &model.AgentResult{
		TaskID:             taskID,
		AgentID:            agentID,
		MarkdownPath:       path,
		Type:               artifactType,
		Summary:            s.Summary(data),
		VerificationStatus: "unverified",
	}
	result.ID = model.NewID()
	result.CreatedAt = now
	result.UpdatedAt = now
	if err := s.store.InsertAgentResult(ctx, result); err != nil {
		return nil, err
	}

	s.logger.Info("task artifact recorded", "task", taskID, "agent", agentID, "path", path)
	return result, nil
}

// SubmitWorkflowResult records the final markdown artifact for a workflow.
func (s *Service) SubmitWorkflowResult(ctx context.Context, workflowID, path, evidence string) (*model.WorkflowResult, error) {
	data, err := s.Validate(path)
	if err != nil {
		return nil, err
	}
	if evidence == "" {
		evidence = s.Summary(data)
	}

	now := s.clock.Now()
	result := &model.WorkflowResult{
		WorkflowID:       workflowID,
		MarkdownPath:     path,
		Evidence:         evidence,
		ValidationStatus: "pending",
	}
	result.ID = model.NewID()
	result.CreatedAt = now
	result.UpdatedAt = now
	if err := s.store.InsertWorkflowResult(ctx, result); err != nil {
		return nil, err
	}
	return result, nil
}
