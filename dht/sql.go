package dht

/*
	This file stores all the SQL queries needed for the SQLStore.
	It is also used to prepare all SQL statements.
*/

const (
	/*
		key      - the raw ID of the value, stored as a binary blob
		value    - the opaque payload
		storedAt - unix nanoseconds the value was written, used for TTL
	*/
	sqlCreateValuesTable = `
			CREATE TABLE IF NOT EXISTS
				value(
					key BLOB PRIMARY KEY NOT NULL,
					value BLOB NOT NULL,
					storedAt INT NOT NULL
				)
	`

	sqlPutValue = `
			INSERT INTO value (key, value, storedAt)
			VALUES(?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET value=excluded.value, storedAt=excluded.storedAt
	`

	sqlGetValue = `
			SELECT value, storedAt FROM value WHERE key=?
	`

	sqlDeleteValue = `
			DELETE FROM value WHERE key=?
	`

	sqlValueLen = `
			SELECT COUNT(*) FROM value
	`
)
