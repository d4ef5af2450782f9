package store

//Dialect selects the DDL flavor Install uses
type Dialect string

const (
	//SQLite file or in-memory databases, the default for embedded hosts
	SQLite Dialect = "sqlite"
	//MySQL server-backed deployments
	MySQL Dialect = "mysql"
)

var sqliteDDL = []string{
	`CREATE TABLE IF NOT EXISTS batch_execution (
		execution_id INTEGER PRIMARY KEY,
		batch_id TEXT NOT NULL,
		task_ids TEXT NOT NULL,
		items INTEGER NOT NULL,
		attempt INTEGER NOT NULL,
		worker_id TEXT NOT NULL,
		strategy TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		create_time DATETIME NOT NULL,
		start_time DATETIME,
		end_time DATETIME,
		fail_message TEXT NOT NULL DEFAULT '',
		last_updated DATETIME NOT NULL,
		version INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_batch_execution_batch ON batch_execution(batch_id)`,
	`CREATE TABLE IF NOT EXISTS batch_sizing (
		sizing_key TEXT PRIMARY KEY,
		best_size INTEGER NOT NULL,
		best_throughput REAL NOT NULL,
		last_updated DATETIME NOT NULL,
		version INTEGER NOT NULL
	)`,
}

var mysqlDDL = []string{
	`CREATE TABLE IF NOT EXISTS batch_execution (
		execution_id BIGINT NOT NULL AUTO_INCREMENT,
		batch_id VARCHAR(64) NOT NULL,
		task_ids TEXT NOT NULL,
		items INT NOT NULL,
		attempt INT NOT NULL,
		worker_id VARCHAR(64) NOT NULL,
		strategy VARCHAR(32) NOT NULL DEFAULT '',
		status VARCHAR(32) NOT NULL,
		create_time DATETIME NOT NULL,
		start_time DATETIME NULL,
		end_time DATETIME NULL,
		fail_message TEXT,
		last_updated DATETIME NOT NULL,
		version BIGINT NOT NULL,
		PRIMARY KEY (execution_id),
		KEY idx_batch_execution_batch (batch_id)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	`CREATE TABLE IF NOT EXISTS batch_sizing (
		sizing_key VARCHAR(64) NOT NULL,
		best_size INT NOT NULL,
		best_throughput DOUBLE NOT NULL,
		last_updated DATETIME NOT NULL,
		version BIGINT NOT NULL,
		PRIMARY KEY (sizing_key)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
}

func ddl(dialect Dialect) []string {
	if dialect == MySQL {
		return mysqlDDL
	}
	return sqliteDDL
}
