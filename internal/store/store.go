// Package store provides the persistence façade for the kernel.
//
// Subsystems depend on the Backend interface rather than the database
// directly, so tests can substitute a backend without touching SQL.
package store

import (
	"context"
	"time"

	"github.com/kestrelhq/kestrel/internal/db"
	"github.com/kestrelhq/kestrel/internal/db/driver"
	"github.com/kestrelhq/kestrel/internal/model"
)

// Backend defines the storage operations for the kernel.
// All implementations must be safe for concurrent access.
type Backend interface {
	// Agent registry
	InsertAgent(ctx context.Context, a *model.Agent) error
	UpdateAgent(ctx context.Context, a *model.Agent, rowVersion int64) error
	GetAgent(ctx context.Context, id string) (*model.Agent, int64, error)
	GetAgentByTypeName(ctx context.Context, agentType model.AgentType, name string) (*model.Agent, int64, error)
	DeleteAgent(ctx context.Context, id string) error
	ListAgents(ctx context.Context, phaseID string, status model.AgentStatus) ([]*model.Agent, error)
	ListOverdueAgents(ctx context.Context, cutoff time.Time) ([]*model.Agent, error)
	CountAgentsByTypePrefix(ctx context.Context, agentType model.AgentType, prefix string) (int, error)

	// Tasks
	InsertTask(ctx context.Context, t *model.Task) error
	UpdateTask(ctx context.Context, t *model.Task, rowVersion int64) error
	GetTask(ctx context.Context, id string) (*model.Task, int64, error)
	ListTasks(ctx context.Context, f db.TaskFilter) ([]*model.Task, error)
	ListPendingTasks(ctx context.Context) ([]*model.Task, error)
	CountTasksByStatus(ctx context.Context, ticketID string) (map[model.TaskStatus]int, error)
	LatestTaskActivity(ctx context.Context, ticketID string) (time.Time, error)

	// Tickets
	InsertTicket(ctx context.Context, t *model.Ticket) error
	UpdateTicket(ctx context.Context, t *model.Ticket, rowVersion int64) error
	GetTicket(ctx context.Context, id string) (*model.Ticket, int64, error)
	DeleteTicket(ctx context.Context, id string) error
	ListTickets(ctx context.Context, status string) ([]*model.Ticket, error)
	CountTicketsInColumn(ctx context.Context, column string) (int, error)
	ListExpiredApprovals(ctx context.Context, now time.Time) ([]*model.Ticket, error)

	// Board definition
	SavePhase(ctx context.Context, p *model.Phase) error
	GetPhase(ctx context.Context, id string) (*model.Phase, error)
	ListPhases(ctx context.Context) ([]*model.Phase, error)
	SaveBoardColumn(ctx context.Context, c *model.BoardColumn) error
	GetBoardColumn(ctx context.Context, id string) (*model.BoardColumn, error)
	ListBoardColumns(ctx context.Context) ([]*model.BoardColumn, error)

	// Discoveries
	InsertDiscovery(ctx context.Context, d *model.Discovery) error
	UpdateDiscovery(ctx context.Context, d *model.Discovery) error
	GetDiscovery(ctx context.Context, id string) (*model.Discovery, error)
	FindDiscoveryByKey(ctx context.Context, sourceTaskID string, dtype model.DiscoveryType, hash string) (*model.Discovery, error)
	ListDiscoveriesForTask(ctx context.Context, sourceTaskID string) ([]*model.Discovery, error)

	// Validation reviews
	InsertReview(ctx context.Context, r *model.ValidationReview) error
	GetReview(ctx context.Context, taskID string, iteration int) (*model.ValidationReview, error)
	ListReviewsForTask(ctx context.Context, taskID string) ([]*model.ValidationReview, error)
	CountFailedReviews(ctx context.Context, taskID string) (int, error)

	// Result artifacts
	InsertAgentResult(ctx context.Context, r *model.AgentResult) error
	ListAgentResultsForTask(ctx context.Context, taskID string) ([]*model.AgentResult, error)
	LatestAgentResult(ctx context.Context, taskID string) (*model.AgentResult, error)
	InsertWorkflowResult(ctx context.Context, r *model.WorkflowResult) error
	LatestWorkflowResult(ctx context.Context, workflowID string) (*model.WorkflowResult, error)

	// Diagnostics
	InsertDiagnosticRun(ctx context.Context, r *model.DiagnosticRun) error
	UpdateDiagnosticRun(ctx context.Context, r *model.DiagnosticRun) error
	LatestDiagnosticRun(ctx context.Context, workflowID string) (*model.DiagnosticRun, error)
	ListOpenDiagnosticRuns(ctx context.Context) ([]*model.DiagnosticRun, error)
	WorkflowInCooldown(ctx context.Context, workflowID string, now time.Time) (bool, error)

	// Supervisor audit
	InsertSupervisorAction(ctx context.Context, a *model.SupervisorAction) error
	UpdateSupervisorAction(ctx context.Context, a *model.SupervisorAction) error
	GetSupervisorAction(ctx context.Context, id string) (*model.SupervisorAction, error)
	ListSupervisorActionsForTarget(ctx context.Context, target string, since time.Time) ([]*model.SupervisorAction, error)

	// Event journal
	AppendEvent(ctx context.Context, e *db.JournalEntry) (int64, error)
	ListEventsAfter(ctx context.Context, after int64, limit int) ([]*db.JournalEntry, error)
	ListEventsByCorrelation(ctx context.Context, correlationID string) ([]*db.JournalEntry, error)
	GetCursor(ctx context.Context, subscriber string) (int64, error)
	SetCursor(ctx context.Context, subscriber string, seq int64, now time.Time) error
	DeleteCursor(ctx context.Context, subscriber string) error

	// Lifecycle
	Close() error
}

// DatabaseBackend implements Backend over the db layer.
type DatabaseBackend struct {
	*db.DB
}

var _ Backend = (*DatabaseBackend)(nil)

// NewBackend opens a backend from a DSN and dialect name. An empty
// dialect defaults to sqlite.
func NewBackend(dsn, dialect string) (*DatabaseBackend, error) {
	dl := driver.DialectSQLite
	if dialect != "" {
		parsed, err := driver.ParseDialect(dialect)
		if err != nil {
			return nil, err
		}
		dl = parsed
	}

	database, err := db.OpenWithDialect(dsn, dl)
	if err != nil {
		return nil, err
	}
	if err := database.Migrate(); err != nil {
		_ = database.Close()
		return nil, err
	}
	return &DatabaseBackend{DB: database}, nil
}

// NewInMemoryBackend creates an isolated in-memory backend, mainly for
// tests and ephemeral runs.
func NewInMemoryBackend() (*DatabaseBackend, error) {
	database, err := db.OpenInMemory()
	if err != nil {
		return nil, err
	}
	return &DatabaseBackend{DB: database}, nil
}
