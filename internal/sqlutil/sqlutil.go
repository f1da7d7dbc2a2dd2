package sqlutil

import (
	"database/sql"
	"fmt"
)

// A StatementList is a list of SQL statements to prepare and a pointer
// to where to store the resulting prepared statement.
type StatementList []struct {
	Statement **sql.Stmt
	SQL       string
}

// Prepare the SQL for each statement in the list and assign the result
// to the prepared statement.
func (s StatementList) Prepare(db *sql.DB) (err error) {
	for _, statement := range s {
		if *statement.Statement, err = db.Prepare(statement.SQL); err != nil {
			return fmt.Errorf("prepare %q: %w", statement.SQL, err)
		}
	}
	return
}

// TxStmt wraps an SQL stmt inside an optional transaction.
func TxStmt(transaction *sql.Tx, statement *sql.Stmt) *sql.Stmt {
	if transaction != nil {
		statement = transaction.Stmt(statement)
	}
	return statement
}

// WithTransaction runs a block of code passing in an SQL transaction.
// If the code returns an error or panics then the transaction is rolled
// back; otherwise it is committed.
func WithTransaction(db *sql.DB, fn func(txn *sql.Tx) error) (err error) {
	txn, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	succeeded := false
	defer func() {
		if r := recover(); r != nil {
			txn.Rollback() // nolint: errcheck
			panic(r)
		}
		if !succeeded {
			txn.Rollback() // nolint: errcheck
		}
	}()

	if err = fn(txn); err != nil {
		return
	}
	if err = txn.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	succeeded = true
	return
}
