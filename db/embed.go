// Package db provides the embedded database schema.
package db

import _ "embed"

// Schema contains the DDL statements for the order read model, the payment
// ledger and API keys. It is idempotent.
//
//go:embed migrations/001_schema.sql
var Schema string
