package internal

import (
	// Blank imports register the SQL drivers the watermill-sql notify
	// driver can be configured with.
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
)
