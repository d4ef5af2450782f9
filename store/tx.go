package store

import (
	"database/sql"

	"github.com/finbase/batchflow"
)

// TransactionManager used by the journal to keep multi-statement writes atomic.
type TransactionManager interface {
	BeginTx() (tx interface{}, err batchflow.BatchError)
	Commit(tx interface{}) batchflow.BatchError
	Rollback(tx interface{}) batchflow.BatchError
}

// DefaultTxManager default TransactionManager implementation
type DefaultTxManager struct {
	db *sql.DB
}

// NewTransactionManager create a TransactionManager instance
func NewTransactionManager(db *sql.DB) TransactionManager {
	return &DefaultTxManager{
		db: db,
	}
}

// BeginTx begin a transaction
func (tm *DefaultTxManager) BeginTx() (interface{}, batchflow.BatchError) {
	tx, err := tm.db.Begin()
	if err != nil {
		return nil, batchflow.NewBatchError(batchflow.ErrCodeDbFail, "start transaction failed", err)
	}
	return tx, nil
}

// Commit commit a transaction
func (tm *DefaultTxManager) Commit(tx interface{}) batchflow.BatchError {
	tx1 := tx.(*sql.Tx)
	err := tx1.Commit()
	if err != nil {
		return batchflow.NewBatchError(batchflow.ErrCodeDbFail, "transaction commit failed", err)
	}
	return nil
}

// Rollback rollback a transaction
func (tm *DefaultTxManager) Rollback(tx interface{}) batchflow.BatchError {
	tx1 := tx.(*sql.Tx)
	err := tx1.Rollback()
	if err != nil {
		return batchflow.NewBatchError(batchflow.ErrCodeDbFail, "transaction rollback failed", err)
	}
	return nil
}
