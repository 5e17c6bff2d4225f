package risk

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Journal 将风控运行状态与熔断事件写入 SQLite。
type Journal struct {
	db     *sql.DB
	logger *zap.Logger
}

// RunStatus 为持久化的单次运行状态。
type RunStatus struct {
	RunID     string
	Symbol    string
	StartedAt time.Time
	Halted    bool
	Reason    Reason
	APICalls  int64
	APIErrors int64
}

// NewJournal 创建风控日志并初始化表结构。
func NewJournal(db *sql.DB, logger *zap.Logger) (*Journal, error) {
	if db == nil {
		return nil, errors.New("risk: 数据库实例不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	j := &Journal{db: db, logger: logger}
	if err := j.initSchema(); err != nil {
		return nil, err
	}
	return j, nil
}

func (j *Journal) initSchema() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS risk_runs (
			run_id TEXT PRIMARY KEY,
			symbol TEXT NOT NULL,
			started_at TEXT NOT NULL,
			halted INTEGER NOT NULL DEFAULT 0,
			reason TEXT,
			api_calls INTEGER NOT NULL DEFAULT 0,
			api_errors INTEGER NOT NULL DEFAULT 0,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS risk_activity_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			occurred_at TEXT NOT NULL,
			run_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			message TEXT NOT NULL,
			details TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_risk_activity_run ON risk_activity_log(run_id);`,
	}

	for _, stmt := range schema {
		if _, err := j.db.Exec(stmt); err != nil {
			return fmt.Errorf("risk: 初始化表结构失败: %w", err)
		}
	}
	return nil
}

// Start 登记一次新的运行。
func (j *Journal) Start(ctx context.Context, runID, symbol string, snap Snapshot) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO risk_runs (run_id, symbol, started_at, halted, reason, api_calls, api_errors, updated_at)
		 VALUES (?, ?, ?, 0, '', ?, ?, ?)`,
		runID, symbol, snap.StartedAt.UTC().Format(time.RFC3339), snap.APICalls, snap.APIErrors, now,
	)
	if err != nil {
		return fmt.Errorf("risk: 登记运行失败: %w", err)
	}
	return nil
}

// Sync 同步计数器；首次观察到熔断时在同一事务内写入熔断事件。
func (j *Journal) Sync(ctx context.Context, runID string, snap Snapshot) (err error) {
	now := time.Now().UTC().Format(time.RFC3339)

	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("risk: 开启事务失败: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var haltedInt int
	row := tx.QueryRowContext(ctx, `SELECT halted FROM risk_runs WHERE run_id = ?`, runID)
	if scanErr := row.Scan(&haltedInt); scanErr != nil {
		if errors.Is(scanErr, sql.ErrNoRows) {
			return fmt.Errorf("risk: 运行 %s 未登记", runID)
		}
		return fmt.Errorf("risk: 查询运行状态失败: %w", scanErr)
	}

	halted := snap.State == StateHalted
	if _, execErr := tx.ExecContext(ctx,
		`UPDATE risk_runs SET api_calls = ?, api_errors = ?, halted = ?, reason = ?, updated_at = ? WHERE run_id = ?`,
		snap.APICalls, snap.APIErrors, boolToInt(halted), string(snap.Reason), now, runID,
	); execErr != nil {
		return fmt.Errorf("risk: 更新运行状态失败: %w", execErr)
	}

	if halted && haltedInt == 0 {
		details, _ := json.Marshal(snap)
		msg := fmt.Sprintf("触发熔断: %s", snap.Reason)
		if logErr := j.logEventTx(ctx, tx, runID, "risk_halt", msg, string(details)); logErr != nil {
			return logErr
		}
		j.logger.Warn("风控熔断已记录", zap.String("run_id", runID), zap.String("reason", string(snap.Reason)))
	}

	if commitErr := tx.Commit(); commitErr != nil {
		return fmt.Errorf("risk: 提交事务失败: %w", commitErr)
	}
	return nil
}

// LogEvent 记录风控事件。
func (j *Journal) LogEvent(ctx context.Context, runID, eventType, message, details string) error {
	if eventType == "" {
		return errors.New("risk: eventType 不能为空")
	}
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO risk_activity_log (occurred_at, run_id, event_type, message, details)
		 VALUES (?, ?, ?, ?, ?)`,
		time.Now().UTC().Format(time.RFC3339), runID, eventType, message, details,
	)
	if err != nil {
		return fmt.Errorf("risk: 写入风险事件日志失败: %w", err)
	}
	return nil
}

// Status 读取运行状态。
func (j *Journal) Status(ctx context.Context, runID string) (RunStatus, error) {
	var (
		status    RunStatus
		startedAt string
		haltedInt int
		reason    sql.NullString
	)
	row := j.db.QueryRowContext(ctx,
		`SELECT run_id, symbol, started_at, halted, reason, api_calls, api_errors FROM risk_runs WHERE run_id = ?`, runID)
	if err := row.Scan(&status.RunID, &status.Symbol, &startedAt, &haltedInt, &reason, &status.APICalls, &status.APIErrors); err != nil {
		return status, fmt.Errorf("risk: 查询运行状态失败: %w", err)
	}
	status.StartedAt, _ = time.Parse(time.RFC3339, startedAt)
	status.Halted = haltedInt == 1
	status.Reason = Reason(reason.String)
	return status, nil
}

// CountEvents 统计某次运行的指定事件数量。
func (j *Journal) CountEvents(ctx context.Context, runID, eventType string) (int, error) {
	var n int
	err := j.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM risk_activity_log WHERE run_id = ? AND event_type = ?`, runID, eventType,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("risk: 统计风险事件失败: %w", err)
	}
	return n, nil
}

func (j *Journal) logEventTx(ctx context.Context, tx *sql.Tx, runID, eventType, message, details string) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO risk_activity_log (occurred_at, run_id, event_type, message, details)
		 VALUES (?, ?, ?, ?, ?)`,
		time.Now().UTC().Format(time.RFC3339), runID, eventType, message, details,
	)
	if err != nil {
		return fmt.Errorf("risk: 记录风险事件失败: %w", err)
	}
	return nil
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
