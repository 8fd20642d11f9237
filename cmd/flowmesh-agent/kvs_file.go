package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// fileKVS is the KVS-mediated driver's bootstrap.KVS, backed by a
// directory every rank can see (a real deployment would point it at a
// shared filesystem, the same assumption bootstrap.CheckinFile makes
// for the shared-memory driver's local checkins). Each key is one file;
// Barrier polls for one marker file per rank rather than locking, since
// every rank writes a distinct path and there is never a concurrent
// writer to worry about.
type fileKVS struct {
	dir    string
	rank   int
	nprocs int
}

func newFileKVS(dir string, rank, nprocs int) (*fileKVS, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("flowmesh-agent: kvs dir %s: %w", dir, err)
	}
	return &fileKVS{dir: dir, rank: rank, nprocs: nprocs}, nil
}

func (k *fileKVS) Put(_ context.Context, key, value string) error {
	if err := os.WriteFile(filepath.Join(k.dir, key), []byte(value), 0o644); err != nil {
		return fmt.Errorf("flowmesh-agent: kvs put %s: %w", key, err)
	}
	return nil
}

func (k *fileKVS) Get(ctx context.Context, key string) (string, error) {
	path := filepath.Join(k.dir, key)
	for {
		data, err := os.ReadFile(path)
		if err == nil {
			return string(data), nil
		}
		if !os.IsNotExist(err) {
			return "", fmt.Errorf("flowmesh-agent: kvs get %s: %w", key, err)
		}
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("flowmesh-agent: kvs get %s: %w", key, ctx.Err())
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func (k *fileKVS) Barrier(ctx context.Context) error {
	marker := filepath.Join(k.dir, fmt.Sprintf("barrier.%d", k.rank))
	if err := os.WriteFile(marker, nil, 0o644); err != nil {
		return fmt.Errorf("flowmesh-agent: kvs barrier: %w", err)
	}
	for {
		entries, err := os.ReadDir(k.dir)
		if err != nil {
			return fmt.Errorf("flowmesh-agent: kvs barrier: %w", err)
		}
		n := 0
		for _, e := range entries {
			if len(e.Name()) > 8 && e.Name()[:8] == "barrier." {
				n++
			}
		}
		if n >= k.nprocs {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("flowmesh-agent: kvs barrier: %w", ctx.Err())
		case <-time.After(20 * time.Millisecond):
		}
	}
}
