package database

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"git.mills.io/prologic/bitcask"
	log "github.com/sirupsen/logrus"
)

// ErrNotFound is returned when a key is not found in the database.
var ErrNotFound = errors.New("key not found")

var gzipMagicBytes = []byte{0x1f, 0x8b}

// DB wraps a bitcask store. Values are gzip-compressed on write and transparently
// decompressed on read. The store is shared by the queue, the library, the pending
// deleter and the availability snapshot, each under its own key prefix.
type DB struct {
	db *bitcask.Bitcask
	sync.RWMutex
}

// Open initializes and returns a DB instance, creating the parent directory if needed.
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if dir != "." && dir != "/" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("failed to create database directory %s: %w", dir, err)
		}
	}

	dbInstance, err := bitcask.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open bitcask database at %s: %w", path, err)
	}
	log.Debugf("Database opened at %s", path)
	return &DB{db: dbInstance}, nil
}

// Close flushes and closes the store. It waits for in-flight operations.
func (d *DB) Close() error {
	d.Lock()
	defer d.Unlock()
	if err := d.db.Sync(); err != nil {
		log.WithError(err).Warn("Error syncing database before close")
	}
	return d.db.Close()
}

func (d *DB) Has(key []byte) bool {
	d.RLock()
	defer d.RUnlock()
	return d.db.Has(key)
}

// Get retrieves the value associated with a key and decompresses it if necessary.
func (d *DB) Get(key []byte) ([]byte, error) {
	d.RLock()
	value, err := d.db.Get(key)
	d.RUnlock()

	if err != nil {
		if errors.Is(err, bitcask.ErrKeyNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("error getting key %s: %w", string(key), err)
	}
	return decompressIfGzipped(value)
}

// Put compresses and stores a key-value pair.
func (d *DB) Put(key []byte, value []byte) error {
	compressedValue, err := compressGzip(value, gzip.BestSpeed)
	if err != nil {
		return fmt.Errorf("error compressing value for key %s: %w", string(key), err)
	}

	d.Lock()
	err = d.db.Put(key, compressedValue)
	d.Unlock()
	if err != nil {
		return fmt.Errorf("error putting key %s: %w", string(key), err)
	}
	return nil
}

// Delete removes a key. A missing key yields ErrNotFound.
func (d *DB) Delete(key []byte) error {
	d.Lock()
	err := d.db.Delete(key)
	d.Unlock()
	if err != nil {
		if errors.Is(err, bitcask.ErrKeyNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("error deleting key %s: %w", string(key), err)
	}
	return nil
}

// Fold calls fn with every key and its decompressed value. The read lock is held for
// the whole iteration, so fn must not write to the store.
func (d *DB) Fold(fn func(key []byte, value []byte) error) error {
	d.RLock()
	defer d.RUnlock()

	return d.db.Fold(func(key []byte) error {
		rawValue, err := d.db.Get(key)
		if err != nil {
			log.WithError(err).Warnf("Fold: error getting value for key %s", string(key))
			return nil
		}
		value, err := decompressIfGzipped(rawValue)
		if err != nil {
			log.WithError(err).Warnf("Fold: error decompressing value for key %s", string(key))
			return nil
		}
		return fn(key, value)
	})
}

// Keys returns a channel of all keys. The read lock is held until the channel is drained.
func (d *DB) Keys() <-chan []byte {
	d.RLock()
	keysChan := d.db.Keys()
	monitoredChan := make(chan []byte)

	go func() {
		defer d.RUnlock()
		for key := range keysChan {
			monitoredChan <- key
		}
		close(monitoredChan)
	}()

	return monitoredChan
}

// --- JSON Helpers ---

// GetJSON loads the value stored under key into out.
func (d *DB) GetJSON(key string, out interface{}) error {
	raw, err := d.Get([]byte(key))
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("error unmarshalling key %s: %w", key, err)
	}
	return nil
}

// PutJSON stores v as JSON under key.
func (d *DB) PutJSON(key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("error marshalling key %s: %w", key, err)
	}
	return d.Put([]byte(key), data)
}

// DeleteIfExists removes key, treating a missing key as success.
func (d *DB) DeleteIfExists(key string) error {
	err := d.Delete([]byte(key))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	return nil
}

// FoldPrefix calls fn for every key that starts with prefix.
func (d *DB) FoldPrefix(prefix string, fn func(key []byte, value []byte) error) error {
	p := []byte(prefix)
	return d.Fold(func(key []byte, value []byte) error {
		if !bytes.HasPrefix(key, p) {
			return nil
		}
		return fn(key, value)
	})
}

// --- Compression Helpers ---

func decompressIfGzipped(value []byte) ([]byte, error) {
	if !bytes.HasPrefix(value, gzipMagicBytes) {
		return value, nil
	}
	gReader, err := gzip.NewReader(bytes.NewReader(value))
	if err != nil {
		log.WithError(err).Warn("Error creating gzip reader for value, returning raw data.")
		return value, nil
	}
	defer gReader.Close()

	decompressedValue, err := io.ReadAll(gReader)
	if err != nil {
		log.WithError(err).Warn("Error decompressing value, returning raw data.")
		return value, nil
	}
	return decompressedValue, nil
}

func compressGzip(value []byte, level int) ([]byte, error) {
	var buf bytes.Buffer
	gWriter, err := gzip.NewWriterLevel(&buf, level)
	if err != nil {
		return nil, fmt.Errorf("error creating gzip writer for value: %w", err)
	}
	if _, err = gWriter.Write(value); err != nil {
		_ = gWriter.Close()
		return nil, fmt.Errorf("error writing compressed data for value: %w", err)
	}
	if err = gWriter.Close(); err != nil {
		return nil, fmt.Errorf("error closing gzip writer for value: %w", err)
	}
	return buf.Bytes(), nil
}
