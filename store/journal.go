//Package store persists batch executions and learned sizing through
//database/sql. SQLite serves embedded hosts, MySQL serves server
//deployments, both speak the same journal schema.
package store

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/finbase/batchflow"
	"github.com/finbase/batchflow/status"
)

//sizingKey single engine-wide row in batch_sizing
const sizingKey = "default"

//Journal implements batchflow.ExecutionJournal on a SQL database
type Journal struct {
	db      *sql.DB
	dialect Dialect
	txMgr   TransactionManager
}

//NewJournal create a journal on an open database
func NewJournal(db *sql.DB, dialect Dialect) *Journal {
	if db == nil {
		panic("db must not be nil")
	}
	return &Journal{db: db, dialect: dialect, txMgr: NewTransactionManager(db)}
}

//Install create the journal tables when absent
func (j *Journal) Install(ctx context.Context) error {
	for _, stmt := range ddl(j.dialect) {
		if _, err := j.db.ExecContext(ctx, stmt); err != nil {
			return batchflow.NewBatchError(batchflow.ErrCodeDbFail, "install journal schema", err)
		}
	}
	return nil
}

//SaveExecution insert one batch pass and adopt the generated id
func (j *Journal) SaveExecution(ctx context.Context, execution *batchflow.BatchExecution) error {
	res, err := j.db.ExecContext(ctx,
		"insert into batch_execution(batch_id, task_ids, items, attempt, worker_id, strategy, status, create_time, start_time, end_time, fail_message, last_updated, version) values(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
		execution.BatchId, strings.Join(execution.TaskIds, ","), execution.Items, execution.Attempt,
		execution.WorkerId, string(execution.Strategy), string(execution.BatchStatus), execution.CreateTime,
		nullTime(execution.StartTime), nullTime(execution.EndTime), failMessage(execution.FailError), time.Now(), 1)
	if err != nil {
		return batchflow.NewBatchError(batchflow.ErrCodeDbFail, "save execution, batch:%v", execution.BatchId, err)
	}
	if id, er := res.LastInsertId(); er == nil {
		execution.ExecutionId = id
	}
	execution.Version = 1
	return nil
}

//FinishExecution record the terminal state of a pass. The version guards
//against concurrent writers, a stale update fails instead of clobbering.
func (j *Journal) FinishExecution(ctx context.Context, execution *batchflow.BatchExecution) error {
	res, err := j.db.ExecContext(ctx,
		"update batch_execution set status=?, strategy=?, start_time=?, end_time=?, fail_message=?, last_updated=?, version=version+1 where execution_id=? and version=?",
		string(execution.BatchStatus), string(execution.Strategy), nullTime(execution.StartTime),
		nullTime(execution.EndTime), failMessage(execution.FailError), time.Now(),
		execution.ExecutionId, execution.Version)
	if err != nil {
		return batchflow.NewBatchError(batchflow.ErrCodeDbFail, "finish execution:%v", execution.ExecutionId, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return batchflow.NewBatchError(batchflow.ErrCodeDbFail, "finish execution:%v", execution.ExecutionId, err)
	}
	if affected == 0 {
		return batchflow.NewBatchError(batchflow.ErrCodeDbFail, "concurrent modification of execution:%v, version:%v", execution.ExecutionId, execution.Version)
	}
	execution.Version++
	return nil
}

//RecentExecutions latest passes, newest first
func (j *Journal) RecentExecutions(ctx context.Context, limit int) ([]*batchflow.BatchExecution, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := j.db.QueryContext(ctx,
		"select execution_id, batch_id, task_ids, items, attempt, worker_id, strategy, status, create_time, start_time, end_time, fail_message, version from batch_execution order by execution_id desc limit ?", limit)
	if err != nil {
		return nil, batchflow.NewBatchError(batchflow.ErrCodeDbFail, "query executions", err)
	}
	defer rows.Close()

	var out []*batchflow.BatchExecution
	for rows.Next() {
		var (
			taskIds    string
			strategy   string
			st         string
			start, end sql.NullTime
			failMsg    string
		)
		execution := &batchflow.BatchExecution{}
		err = rows.Scan(&execution.ExecutionId, &execution.BatchId, &taskIds, &execution.Items, &execution.Attempt,
			&execution.WorkerId, &strategy, &st, &execution.CreateTime, &start, &end, &failMsg, &execution.Version)
		if err != nil {
			return nil, batchflow.NewBatchError(batchflow.ErrCodeDbFail, "scan execution", err)
		}
		if taskIds != "" {
			execution.TaskIds = strings.Split(taskIds, ",")
		}
		execution.Strategy = batchflow.TransferStrategy(strategy)
		execution.BatchStatus = status.BatchStatus(st)
		if start.Valid {
			execution.StartTime = start.Time
		}
		if end.Valid {
			execution.EndTime = end.Time
		}
		if failMsg != "" {
			execution.FailError = batchflow.NewBatchError(batchflow.ErrCodeGeneral, "%v", failMsg)
		}
		out = append(out, execution)
	}
	if err = rows.Err(); err != nil {
		return nil, batchflow.NewBatchError(batchflow.ErrCodeDbFail, "iterate executions", err)
	}
	return out, nil
}

//LoadBestSize the persisted best batch size, zeros when nothing was learned
//yet
func (j *Journal) LoadBestSize(ctx context.Context) (int, float64, error) {
	rows, err := j.db.QueryContext(ctx,
		"select best_size, best_throughput from batch_sizing where sizing_key=?", sizingKey)
	if err != nil {
		return 0, 0, batchflow.NewBatchError(batchflow.ErrCodeDbFail, "query best size", err)
	}
	defer rows.Close()
	if rows.Next() {
		var size int
		var throughput float64
		if err = rows.Scan(&size, &throughput); err != nil {
			return 0, 0, batchflow.NewBatchError(batchflow.ErrCodeDbFail, "scan best size", err)
		}
		return size, throughput, nil
	}
	return 0, 0, nil
}

//SaveBestSize upsert the learned best size inside one transaction
func (j *Journal) SaveBestSize(ctx context.Context, size int, throughput float64) error {
	tx, berr := j.txMgr.BeginTx()
	if berr != nil {
		return berr
	}
	sqlTx := tx.(*sql.Tx)
	res, err := sqlTx.ExecContext(ctx,
		"update batch_sizing set best_size=?, best_throughput=?, last_updated=?, version=version+1 where sizing_key=?",
		size, throughput, time.Now(), sizingKey)
	if err != nil {
		j.txMgr.Rollback(tx)
		return batchflow.NewBatchError(batchflow.ErrCodeDbFail, "update best size", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		j.txMgr.Rollback(tx)
		return batchflow.NewBatchError(batchflow.ErrCodeDbFail, "update best size", err)
	}
	if affected == 0 {
		_, err = sqlTx.ExecContext(ctx,
			"insert into batch_sizing(sizing_key, best_size, best_throughput, last_updated, version) values(?, ?, ?, ?, ?)",
			sizingKey, size, throughput, time.Now(), 1)
		if err != nil {
			j.txMgr.Rollback(tx)
			return batchflow.NewBatchError(batchflow.ErrCodeDbFail, "insert best size", err)
		}
	}
	return j.txMgr.Commit(tx)
}

func nullTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}

func failMessage(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
