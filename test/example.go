package test

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/finbase/batchflow"
	"github.com/finbase/batchflow/store"
	_ "github.com/mattn/go-sqlite3"
)

//sum a trivial processor
func sum(ctx context.Context, items []interface{}) error {
	total := 0
	for _, item := range items {
		total += item.(int)
	}
	fmt.Printf("processed %v items, sum=%v\n", len(items), total)
	return nil
}

func main() {
	//journal for batch executions and learned sizing
	db, err := sql.Open("sqlite3", "file:batchflow.db")
	if err != nil {
		panic(err)
	}
	journal := store.NewJournal(db, store.SQLite)
	if err = journal.Install(context.Background()); err != nil {
		panic(err)
	}

	//build engine with default config
	engine, err := batchflow.NewEngine(nil).
		Journal(journal).
		WorkerEntry(func(ctx context.Context, init interface{}) error { return nil }, nil).
		Build()
	if err != nil {
		panic(err)
	}
	if err = engine.Start(context.Background()); err != nil {
		panic(err)
	}

	//submit and wait
	items := make([]interface{}, 0, 100)
	for i := 0; i < 100; i++ {
		items = append(items, i)
	}
	taskId, err := engine.Submit(context.Background(), items, sum,
		batchflow.WithPriority(5), batchflow.WithTimeout(time.Minute))
	if err != nil {
		panic(err)
	}
	result, err := engine.Await(context.Background(), taskId)
	if err != nil {
		panic(err)
	}
	fmt.Printf("task %v finished status=%v processed=%v\n", taskId, result.TaskStatus, result.ItemsProcessed)

	engine.Shutdown(context.Background())
}
