// Copyright 2026 The HAWKI Authors
// SPDX-License-Identifier: Apache-2.0

package localstore

import (
	"context"
	"fmt"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// Meta keys. The three identity keys gate the whole replica: if any
// stored value differs from the running client's, the replica is
// wiped, never partially migrated — partial state could mix two
// principals' data or two stored-shape generations.
const (
	metaUserHash      = "userHash"
	metaHawkiVersion  = "hawkiVersion"
	metaClientVersion = "clientVersion"
	metaLastSync      = "lastSync"
)

// Meta is the replica's identity and sync position.
type Meta struct {
	UserHash      string
	HawkiVersion  string
	ClientVersion string
	// LastSync is the timestamp of the last confirmed sync, nil if
	// the replica has never completed a sync.
	LastSync *time.Time
}

// ReadMeta loads the meta table. Missing keys read as zero values.
func (s *Store) ReadMeta(ctx context.Context) (Meta, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return Meta{}, err
	}
	defer s.pool.Put(conn)

	values := make(map[string]string)
	err = sqlitex.ExecuteTransient(conn, "SELECT key, value FROM meta", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			values[stmt.ColumnText(0)] = stmt.ColumnText(1)
			return nil
		},
	})
	if err != nil {
		return Meta{}, fmt.Errorf("localstore: reading meta: %w", err)
	}

	meta := Meta{
		UserHash:      values[metaUserHash],
		HawkiVersion:  values[metaHawkiVersion],
		ClientVersion: values[metaClientVersion],
	}
	if raw, ok := values[metaLastSync]; ok && raw != "" {
		parsed, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return Meta{}, fmt.Errorf("localstore: parsing lastSync %q: %w", raw, err)
		}
		meta.LastSync = &parsed
	}
	return meta, nil
}

// WriteMeta stores the identity keys (and lastSync if set).
func (s *Store) WriteMeta(ctx context.Context, meta Meta) error {
	pairs := map[string]string{
		metaUserHash:      meta.UserHash,
		metaHawkiVersion:  meta.HawkiVersion,
		metaClientVersion: meta.ClientVersion,
	}
	if meta.LastSync != nil {
		pairs[metaLastSync] = meta.LastSync.UTC().Format(time.RFC3339Nano)
	}
	return s.writeMetaPairs(ctx, pairs)
}

// SetLastSync records the confirmed sync position.
func (s *Store) SetLastSync(ctx context.Context, at time.Time) error {
	return s.writeMetaPairs(ctx, map[string]string{
		metaLastSync: at.UTC().Format(time.RFC3339Nano),
	})
}

func (s *Store) writeMetaPairs(ctx context.Context, pairs map[string]string) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	for key, value := range pairs {
		if err := sqlitex.Execute(conn,
			"INSERT OR REPLACE INTO meta (key, value) VALUES (?, ?)",
			&sqlitex.ExecOptions{Args: []any{key, value}},
		); err != nil {
			return fmt.Errorf("localstore: writing meta %s: %w", key, err)
		}
	}
	return nil
}

// VerifyIdentity compares the stored identity keys against the
// running client's. On any mismatch the replica is wiped
// unconditionally and the new identity written; returns whether a
// wipe happened. A fresh (empty) replica just adopts the identity.
func (s *Store) VerifyIdentity(ctx context.Context, want Meta) (bool, error) {
	stored, err := s.ReadMeta(ctx)
	if err != nil {
		return false, err
	}

	fresh := stored.UserHash == "" && stored.HawkiVersion == "" && stored.ClientVersion == ""
	mismatch := stored.UserHash != want.UserHash ||
		stored.HawkiVersion != want.HawkiVersion ||
		stored.ClientVersion != want.ClientVersion

	if !fresh && !mismatch {
		return false, nil
	}

	wiped := false
	if !fresh {
		s.logger.Warn("identity mismatch, wiping replica",
			"stored_user", stored.UserHash,
			"stored_client", stored.ClientVersion,
			"stored_hawki", stored.HawkiVersion,
		)
		if err := s.Wipe(ctx); err != nil {
			return false, err
		}
		wiped = true
	}

	if err := s.WriteMeta(ctx, Meta{
		UserHash:      want.UserHash,
		HawkiVersion:  want.HawkiVersion,
		ClientVersion: want.ClientVersion,
	}); err != nil {
		return wiped, err
	}
	return wiped, nil
}
