// Copyright (c) Bas van Beek 2022.
// Copyright (c) Tetrate, Inc 2021.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package store implements a small key/value store on SQLite. Every query
// runs inside a datastore segment so it shows up in the trace of the request
// that caused it.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3" // register the sqlite3 driver
	"github.com/pkg/errors"
	"github.com/tetratelabs/multierror"
	"github.com/tetratelabs/run"
	"go.uber.org/zap"

	"github.com/basvanbeek/datastore-tracer/pkg"
	"github.com/basvanbeek/datastore-tracer/pkg/observability"
)

const (
	flagDSN      = "store-dsn"
	flagLatency  = "store-latency"
	flagFailures = "store-failures"

	defaultDSN = "file:datastore?mode=memory&cache=shared"

	// Product is reported as the datastore product of every segment.
	Product = "SQLite"

	// ErrNotFound is returned when a key does not exist in a collection.
	ErrNotFound pkg.Error = "key not found"
	// ErrInjected is returned by operations failing due to fault injection.
	ErrInjected pkg.Error = "injected datastore failure"

	errPercentage pkg.Error = "expected percentage value between 0 and 100"
	errDuration   pkg.Error = "expected a zero or positive duration"
)

// operation names as reported on the segments
const (
	opSelect = "SELECT"
	opUpsert = "UPSERT"
	opDelete = "DELETE"
)

const schema = `CREATE TABLE IF NOT EXISTS kv (
	collection TEXT NOT NULL,
	key        TEXT NOT NULL,
	value      TEXT NOT NULL,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (collection, key)
)`

// Store implements a run.Config compatible key/value store.
type Store struct {
	DSN    string
	Logger *zap.Logger

	db     *sql.DB
	closer chan error

	// fault injection protected by mutex mtx
	mtx      sync.RWMutex
	latency  time.Duration
	failures int32
}

var (
	_ run.Config    = (*Store)(nil)
	_ run.PreRunner = (*Store)(nil)
	_ run.Service   = (*Store)(nil)
)

// Name implements run.Unit.
func (s *Store) Name() string {
	return "store"
}

// FlagSet implements run.Config.
func (s *Store) FlagSet() *run.FlagSet {
	if s.DSN == "" {
		s.DSN = defaultDSN
	}
	flags := run.NewFlagSet("Datastore options")

	flags.StringVar(&s.DSN, flagDSN, s.DSN,
		`SQLite data source name`)

	flags.DurationVar(&s.latency, flagLatency, s.latency,
		`Latency added to every datastore operation`)

	flags.Int32Var(&s.failures, flagFailures, s.failures,
		`Percentage of failing datastore operations`)

	return flags
}

// Validate implements run.Config.
func (s *Store) Validate() error {
	var mErr error

	if s.DSN == "" {
		mErr = multierror.Append(mErr,
			fmt.Errorf(pkg.FlagErr, flagDSN, pkg.ErrRequired))
	}
	if s.failures < 0 || s.failures > 100 {
		mErr = multierror.Append(mErr,
			fmt.Errorf(pkg.FlagErr, flagFailures, errPercentage))
	}
	if s.latency < 0 {
		mErr = multierror.Append(mErr,
			fmt.Errorf(pkg.FlagErr, flagLatency, errDuration))
	}

	return mErr
}

// PreRun implements run.PreRunner.
func (s *Store) PreRun() error {
	if s.Logger == nil {
		s.Logger = zap.NewNop()
	}
	if s.DSN == "" {
		s.DSN = defaultDSN
	}

	db, err := sql.Open("sqlite3", s.DSN)
	if err != nil {
		return errors.Wrapf(err, "unable to open datastore %q", s.DSN)
	}
	// sqlite serializes writers, a single connection avoids SQLITE_BUSY and
	// keeps in-memory databases alive for the lifetime of the Store.
	db.SetMaxOpenConns(1)

	if _, err = db.Exec(schema); err != nil {
		_ = db.Close()
		return errors.Wrap(err, "unable to create datastore schema")
	}
	s.db = db
	s.closer = make(chan error)
	s.Logger.Info("datastore ready", zap.String("dsn", s.DSN))

	return nil
}

// Serve implements run.Service.
func (s *Store) Serve() error {
	return <-s.closer
}

// GracefulStop implements run.Service.
func (s *Store) GracefulStop() {
	if s.closer != nil {
		close(s.closer)
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.Logger.Warn("closing datastore", zap.Error(err))
		}
	}
}

// SetLatency sets the latency added to every datastore operation.
func (s *Store) SetLatency(d time.Duration) error {
	if d < 0 {
		return errDuration
	}
	s.mtx.Lock()
	s.latency = d
	s.mtx.Unlock()
	return nil
}

// SetFailures sets the percentage of datastore operations that fail.
func (s *Store) SetFailures(percentage int) error {
	if percentage < 0 || percentage > 100 {
		return errPercentage
	}
	s.mtx.Lock()
	s.failures = int32(percentage)
	s.mtx.Unlock()
	return nil
}

// inject applies the configured latency and failure rate. It honors ctx so a
// canceled request does not wait out the latency.
func (s *Store) inject(ctx context.Context) error {
	s.mtx.RLock()
	d := s.latency
	f := s.failures
	s.mtx.RUnlock()

	if d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	if rand.Int31n(100) < f {
		return ErrInjected
	}
	return nil
}

// Get returns the value of key in collection.
func (s *Store) Get(ctx context.Context, collection, key string) (string, error) {
	return observability.WithDatastoreSegment(ctx, opSelect, Product, collection,
		func(ctx context.Context) (string, error) {
			if err := s.inject(ctx); err != nil {
				return "", err
			}
			var value string
			err := s.db.QueryRowContext(ctx,
				`SELECT value FROM kv WHERE collection = ? AND key = ?`,
				collection, key,
			).Scan(&value)
			if errors.Is(err, sql.ErrNoRows) {
				return "", ErrNotFound
			}
			if err != nil {
				return "", errors.Wrapf(err, "select %s/%s", collection, key)
			}
			return value, nil
		})
}

// List returns the keys of collection in lexical order.
func (s *Store) List(ctx context.Context, collection string) ([]string, error) {
	return observability.WithDatastoreSegment(ctx, opSelect, Product, collection,
		func(ctx context.Context) ([]string, error) {
			if err := s.inject(ctx); err != nil {
				return nil, err
			}
			rows, err := s.db.QueryContext(ctx,
				`SELECT key FROM kv WHERE collection = ? ORDER BY key`, collection)
			if err != nil {
				return nil, errors.Wrapf(err, "list %s", collection)
			}
			defer rows.Close()

			keys := []string{}
			for rows.Next() {
				var key string
				if err = rows.Scan(&key); err != nil {
					return nil, errors.Wrapf(err, "list %s", collection)
				}
				keys = append(keys, key)
			}
			return keys, errors.Wrapf(rows.Err(), "list %s", collection)
		})
}

// Put stores value under key in collection, replacing any previous value.
// It reports whether the key was newly created.
func (s *Store) Put(ctx context.Context, collection, key, value string) (bool, error) {
	return observability.WithDatastoreSegment(ctx, opUpsert, Product, collection,
		func(ctx context.Context) (bool, error) {
			if err := s.inject(ctx); err != nil {
				return false, err
			}
			var exists bool
			err := s.db.QueryRowContext(ctx,
				`SELECT EXISTS(SELECT 1 FROM kv WHERE collection = ? AND key = ?)`,
				collection, key,
			).Scan(&exists)
			if err != nil {
				return false, errors.Wrapf(err, "upsert %s/%s", collection, key)
			}
			_, err = s.db.ExecContext(ctx,
				`INSERT INTO kv (collection, key, value, updated_at) VALUES (?, ?, ?, ?)
				ON CONFLICT (collection, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
				collection, key, value, time.Now().UnixNano(),
			)
			if err != nil {
				return false, errors.Wrapf(err, "upsert %s/%s", collection, key)
			}
			return !exists, nil
		})
}

// Delete removes key from collection.
func (s *Store) Delete(ctx context.Context, collection, key string) error {
	_, err := observability.WithDatastoreSegment(ctx, opDelete, Product, collection,
		func(ctx context.Context) (int64, error) {
			if err := s.inject(ctx); err != nil {
				return 0, err
			}
			res, err := s.db.ExecContext(ctx,
				`DELETE FROM kv WHERE collection = ? AND key = ?`, collection, key)
			if err != nil {
				return 0, errors.Wrapf(err, "delete %s/%s", collection, key)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return 0, errors.Wrapf(err, "delete %s/%s", collection, key)
			}
			if n == 0 {
				return 0, ErrNotFound
			}
			return n, nil
		})
	return err
}
