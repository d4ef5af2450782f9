package example2

import (
	"context"
	"database/sql"
	"log"
	"time"

	"github.com/finbase/batchflow"
	"github.com/finbase/batchflow/feed"
	"github.com/finbase/batchflow/metrics"
	"github.com/finbase/batchflow/status"
	"github.com/finbase/batchflow/store"
	_ "github.com/go-sql-driver/mysql"
	"github.com/prometheus/client_golang/prometheus"
)

func openDB() *sql.DB {
	sqlDb, err := sql.Open("mysql", "root:root123@tcp(127.0.0.1:3306)/example?charset=utf8&parseTime=true")
	if err != nil {
		log.Fatal(err)
	}
	return sqlDb
}

const tradeTable = `CREATE TABLE IF NOT EXISTS t_trade (
	id BIGINT NOT NULL AUTO_INCREMENT,
	trade_no VARCHAR(64) NOT NULL,
	account_no VARCHAR(64) NOT NULL,
	type VARCHAR(16) NOT NULL,
	amount DECIMAL(16,2) NOT NULL,
	terms INT NOT NULL,
	interest_rate DECIMAL(8,6) NOT NULL,
	status VARCHAR(16) NOT NULL,
	trade_time DATETIME,
	PRIMARY KEY (id),
	UNIQUE KEY uniq_trade_no (trade_no)
)`

func prepareDB(ctx context.Context, sqlDb *sql.DB) {
	if _, err := sqlDb.ExecContext(ctx, tradeTable); err != nil {
		log.Fatal(err)
	}
	if _, err := sqlDb.ExecContext(ctx, "DELETE FROM t_trade"); err != nil {
		log.Fatal(err)
	}
}

//runPipeline imports the day's trade feed, rejected rows go to a dead-letter
//file that is published to FTP, then a summary pass runs over the book.
func runPipeline() {
	ctx := context.Background()
	date := time.Now()

	sqlDb := openDB()
	prepareDB(ctx, sqlDb)
	journal := store.NewJournal(sqlDb, store.MySQL)
	if err := journal.Install(ctx); err != nil {
		log.Fatal(err)
	}

	tf, err := tradeFeed(date)
	if err != nil {
		log.Fatal(err)
	}
	df, err := deadFile(date)
	if err != nil {
		log.Fatal(err)
	}
	dead, err := feed.OpenDeadLetter(df, &Trade{})
	if err != nil {
		log.Fatal(err)
	}
	source := feed.NewSource(tf)
	if err = source.Bind(&Trade{}); err != nil {
		log.Fatal(err)
	}

	cfg := batchflow.DefaultConfig()
	cfg.Workers.Count = 4
	cfg.Batch.InitialSize = 100

	stats := &batchStats{}
	importer := &tradeImporter{db: sqlDb, dead: dead}
	engine, err := batchflow.NewEngine(cfg).
		Journal(journal).
		Metrics(metrics.NewSet(prometheus.DefaultRegisterer)).
		WorkerEntry(func(ctx context.Context, init interface{}) error { return nil }, nil).
		Source(source, importer.Process, 5).
		Listener(stats, &pressureWatch{}, &workerWatch{}, &sizeWatch{}, &memoryReliever{}).
		Build()
	if err != nil {
		log.Fatal(err)
	}
	if err = engine.Start(ctx); err != nil {
		log.Fatal(err)
	}

	waitForDrain(engine, source)

	//summary pass once the book is loaded
	summary := &statsProcessor{db: sqlDb}
	taskId, err := engine.Submit(ctx, []interface{}{date.Format("2006-01-02")}, summary.Process,
		batchflow.WithPriority(9), batchflow.WithTimeout(time.Minute))
	if err != nil {
		log.Fatal(err)
	}
	if _, err = engine.Await(ctx, taskId); err != nil {
		log.Fatal(err)
	}

	engine.Shutdown(ctx)
	if err = dead.Close(); err != nil {
		log.Fatal(err)
	}
	if dead.Count() > 0 {
		if err = publishDeadLetters(date); err != nil {
			log.Fatal(err)
		}
	}
	stats.report()
}

//waitForDrain blocks until the feed is exhausted and the engine went idle
func waitForDrain(engine *batchflow.Engine, source *feed.Source) {
	idleRounds := 0
	last := int64(-1)
	for idleRounds < 3 {
		time.Sleep(200 * time.Millisecond)
		pulled := source.Records()
		if pulled == last && engine.State() == status.EngineIdle {
			idleRounds++
		} else {
			idleRounds = 0
		}
		last = pulled
	}
}
