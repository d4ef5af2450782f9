package example2

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/finbase/batchflow"
	"github.com/finbase/batchflow/feed"
)

//tradeImporter inserts pulled trades into the database. Rows the database
//rejects for data reasons go to the dead-letter file, the rest of the batch
//keeps going.
type tradeImporter struct {
	db   *sql.DB
	dead *feed.DeadLetter
}

func (p *tradeImporter) Process(ctx context.Context, items []interface{}) error {
	for _, item := range items {
		trade := item.(*Trade)
		_, err := p.db.ExecContext(ctx,
			"INSERT INTO t_trade(trade_no, account_no, type, amount, terms, interest_rate, status, trade_time) values (?,?,?,?,?,?,?,?)",
			trade.TradeNo, trade.AccountNo, trade.Type, trade.Amount, trade.Terms, trade.InterestRate, trade.Status, trade.TradeTime)
		if err == nil {
			continue
		}
		if isDataErr(err) {
			if derr := p.dead.Append(trade); derr != nil {
				return batchflow.NewBatchError(batchflow.ErrCodeGeneral, "dead-letter trade %v err", trade.TradeNo, derr)
			}
			continue
		}
		return batchflow.NewBatchError(batchflow.ErrCodeDbFail, "insert trade %v err", trade.TradeNo, err)
	}
	return nil
}

//isDataErr true for row-level failures not worth retrying
func isDataErr(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate") || strings.Contains(msg, "data too long") ||
		strings.Contains(msg, "incorrect") || strings.Contains(msg, "cannot be null")
}

//statsProcessor summarizes the imported book once the feed has drained
type statsProcessor struct {
	db *sql.DB
}

func (s *statsProcessor) Process(ctx context.Context, items []interface{}) error {
	rows, err := s.db.QueryContext(ctx, "select status, count(*), sum(amount) from t_trade group by status")
	if err != nil {
		return batchflow.NewBatchError(batchflow.ErrCodeDbFail, "query trade stats err", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var count int64
		var amount float64
		if err = rows.Scan(&status, &count, &amount); err != nil {
			return batchflow.NewBatchError(batchflow.ErrCodeDbFail, "scan trade stats err", err)
		}
		fmt.Printf("status=%v trades=%v amount=%.2f\n", status, count, amount)
	}
	return rows.Err()
}
