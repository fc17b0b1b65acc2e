// Package sqldb opens the relational database used by the task and energy
// stores. It supports MySQL and SQLite dialects, configures the connection
// pool, and applies the embedded schema migrations on startup.
package sqldb
