// Package storage provides variable storage backends for dialogues beyond
// the in-memory default: a SQLite database that several dialogues can share,
// and CBOR snapshots of any enumerable storage for save games.
package storage
