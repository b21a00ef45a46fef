package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/strata-labs/researchd/internal/models"
)

// TaskRow mirrors the research_tasks table.
type TaskRow struct {
	ID            string         `db:"id"`
	Topic         string         `db:"topic"`
	Status        string         `db:"status"`
	Iterations    int            `db:"iterations"`
	Coverage      float64        `db:"coverage"`
	Report        sql.NullString `db:"report"`
	FailReason    sql.NullString `db:"fail_reason"`
	FailMessage   sql.NullString `db:"fail_message"`
	TotalQueries  int            `db:"total_queries"`
	TotalSearches int            `db:"total_searches"`
	CacheHits     int            `db:"cache_hits"`
	TotalTokens   int            `db:"total_tokens"`
	CreatedAt     time.Time      `db:"created_at"`
	CompletedAt   sql.NullTime   `db:"completed_at"`
}

// FindingRow mirrors the research_findings table.
type FindingRow struct {
	ID                    string  `db:"id"`
	TaskID                string  `db:"task_id"`
	Content               string  `db:"content"`
	SourceRef             string  `db:"source_ref"`
	Title                 string  `db:"title"`
	Relevance             float64 `db:"relevance"`
	DiscoveredAtIteration int     `db:"discovered_at_iteration"`
}

// AnalyticsRow mirrors the research_analytics table.
type AnalyticsRow struct {
	TaskID              string  `db:"task_id"`
	TotalQueries        int     `db:"total_queries"`
	TotalSearches       int     `db:"total_searches"`
	CacheHits           int     `db:"cache_hits"`
	CacheHitRate        float64 `db:"cache_hit_rate"`
	TotalTokens         int     `db:"total_tokens"`
	TotalFindings       int     `db:"total_findings"`
	IterationsCompleted int     `db:"iterations_completed"`
	DurationSeconds     float64 `db:"duration_seconds"`
	QueryEfficiency     float64 `db:"query_efficiency"`
	SourceDiversity     float64 `db:"source_diversity"`
}

// SaveTask upserts one terminal task row.
func (c *Client) SaveTask(ctx context.Context, row *TaskRow) error {
	const query = `
		INSERT INTO research_tasks (
			id, topic, status, iterations, coverage, report,
			fail_reason, fail_message,
			total_queries, total_searches, cache_hits, total_tokens,
			created_at, completed_at
		) VALUES (
			:id, :topic, :status, :iterations, :coverage, :report,
			:fail_reason, :fail_message,
			:total_queries, :total_searches, :cache_hits, :total_tokens,
			:created_at, :completed_at
		)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			iterations = EXCLUDED.iterations,
			coverage = EXCLUDED.coverage,
			report = EXCLUDED.report,
			fail_reason = EXCLUDED.fail_reason,
			fail_message = EXCLUDED.fail_message,
			total_queries = EXCLUDED.total_queries,
			total_searches = EXCLUDED.total_searches,
			cache_hits = EXCLUDED.cache_hits,
			total_tokens = EXCLUDED.total_tokens,
			completed_at = EXCLUDED.completed_at`

	if _, err := c.db.NamedExecContext(ctx, query, row); err != nil {
		return fmt.Errorf("save task %s: %w", row.ID, err)
	}
	return nil
}

// SaveFindings bulk-inserts a task's findings. Content hashes collide only on
// duplicate content, so conflicts are skipped rather than updated.
func (c *Client) SaveFindings(ctx context.Context, rows []FindingRow) error {
	if len(rows) == 0 {
		return nil
	}

	values := make([]string, 0, len(rows))
	args := make([]any, 0, len(rows)*7)
	for i, row := range rows {
		base := i * 7
		values = append(values, fmt.Sprintf("($%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7))
		args = append(args, row.ID, row.TaskID, row.Content, row.SourceRef,
			row.Title, row.Relevance, row.DiscoveredAtIteration)
	}

	query := fmt.Sprintf(`
		INSERT INTO research_findings (
			id, task_id, content, source_ref, title, relevance, discovered_at_iteration
		) VALUES %s
		ON CONFLICT (id, task_id) DO NOTHING`, strings.Join(values, ", "))

	if _, err := c.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("save %d findings: %w", len(rows), err)
	}
	return nil
}

// SaveAnalytics upserts the derived aggregates for one completed task.
func (c *Client) SaveAnalytics(ctx context.Context, row *AnalyticsRow) error {
	const query = `
		INSERT INTO research_analytics (
			task_id, total_queries, total_searches, cache_hits, cache_hit_rate,
			total_tokens, total_findings, iterations_completed,
			duration_seconds, query_efficiency, source_diversity
		) VALUES (
			:task_id, :total_queries, :total_searches, :cache_hits, :cache_hit_rate,
			:total_tokens, :total_findings, :iterations_completed,
			:duration_seconds, :query_efficiency, :source_diversity
		)
		ON CONFLICT (task_id) DO UPDATE SET
			total_queries = EXCLUDED.total_queries,
			total_searches = EXCLUDED.total_searches,
			cache_hits = EXCLUDED.cache_hits,
			cache_hit_rate = EXCLUDED.cache_hit_rate,
			total_tokens = EXCLUDED.total_tokens,
			total_findings = EXCLUDED.total_findings,
			iterations_completed = EXCLUDED.iterations_completed,
			duration_seconds = EXCLUDED.duration_seconds,
			query_efficiency = EXCLUDED.query_efficiency,
			source_diversity = EXCLUDED.source_diversity`

	if _, err := c.db.NamedExecContext(ctx, query, row); err != nil {
		return fmt.Errorf("save analytics for task %s: %w", row.TaskID, err)
	}
	return nil
}

// LoadTask reads one task row back, for the API's archived-task lookups.
func (c *Client) LoadTask(ctx context.Context, id string) (*TaskRow, error) {
	var row TaskRow
	err := c.db.GetContext(ctx, &row, `SELECT * FROM research_tasks WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("load task %s: %w", id, err)
	}
	return &row, nil
}

// Writer adapts the client to the controller's persistence hand-off.
type Writer struct {
	client *Client
	logger *zap.Logger
}

func NewWriter(client *Client, logger *zap.Logger) *Writer {
	return &Writer{client: client, logger: logger}
}

// PersistTask queues the terminal task state, its findings, and, for
// completed runs, the derived analytics.
func (w *Writer) PersistTask(task models.Task, aggs *models.Analytics) {
	w.client.QueueWrite(WriteTypeTask, taskToRow(task), nil)

	if len(task.Findings) > 0 {
		rows := make([]FindingRow, 0, len(task.Findings))
		for _, f := range task.Findings {
			rows = append(rows, FindingRow{
				ID:                    f.ID,
				TaskID:                task.ID,
				Content:               f.Content,
				SourceRef:             f.SourceRef,
				Title:                 f.Title,
				Relevance:             f.Relevance,
				DiscoveredAtIteration: f.DiscoveredAtIteration,
			})
		}
		w.client.QueueWrite(WriteTypeFindings, rows, nil)
	}

	if aggs != nil {
		w.client.QueueWrite(WriteTypeAnalytics, analyticsToRow(*aggs), nil)
	}
}

func taskToRow(task models.Task) *TaskRow {
	row := &TaskRow{
		ID:            task.ID,
		Topic:         task.Topic,
		Status:        string(task.Status),
		Iterations:    task.Iteration,
		Coverage:      task.Coverage,
		TotalQueries:  task.Counters.TotalQueries,
		TotalSearches: task.Counters.TotalSearches,
		CacheHits:     task.Counters.CacheHits,
		TotalTokens:   task.Counters.TotalTokens,
		CreatedAt:     task.CreatedAt,
	}
	if task.Report != "" {
		row.Report = sql.NullString{String: task.Report, Valid: true}
	}
	if task.FailReason != "" {
		row.FailReason = sql.NullString{String: string(task.FailReason), Valid: true}
	}
	if task.FailMessage != "" {
		row.FailMessage = sql.NullString{String: task.FailMessage, Valid: true}
	}
	if task.CompletedAt != nil {
		row.CompletedAt = sql.NullTime{Time: *task.CompletedAt, Valid: true}
	}
	return row
}

func analyticsToRow(a models.Analytics) *AnalyticsRow {
	return &AnalyticsRow{
		TaskID:              a.TaskID,
		TotalQueries:        a.TotalQueries,
		TotalSearches:       a.TotalSearches,
		CacheHits:           a.CacheHits,
		CacheHitRate:        a.CacheHitRate,
		TotalTokens:         a.TotalTokens,
		TotalFindings:       a.TotalFindings,
		IterationsCompleted: a.IterationsCompleted,
		DurationSeconds:     a.DurationSeconds,
		QueryEfficiency:     a.QueryEfficiency,
		SourceDiversity:     a.SourceDiversity,
	}
}
