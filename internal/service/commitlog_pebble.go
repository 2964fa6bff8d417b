package service

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"sync"

	"github.com/cockroachdb/pebble"
	"go.uber.org/zap"

	scouterrors "github.com/devrev/pairdb/scout/internal/errors"
)

// records live under 'r' followed by a big-endian sequence number, so key
// order is append order
var (
	recordLowerBound = []byte{'r'}
	recordUpperBound = []byte{'s'}
)

func recordKey(seq uint64) []byte {
	key := make([]byte, 9)
	key[0] = 'r'
	binary.BigEndian.PutUint64(key[1:], seq)
	return key
}

// PebbleTxnLog keeps transaction records in a pebble key-value store
type PebbleTxnLog struct {
	db        *pebble.DB
	writeOpts *pebble.WriteOptions
	logger    *zap.Logger
	mu        sync.Mutex
	seq       uint64
	closed    bool
}

// NewPebbleTxnLog opens or creates a pebble database in cfg.Dir
func NewPebbleTxnLog(cfg *TxnLogConfig, logger *zap.Logger) (*PebbleTxnLog, error) {
	db, err := pebble.Open(cfg.Dir, &pebble.Options{Logger: logger.Sugar()})
	if err != nil {
		return nil, scouterrors.TxnLogFailure("failed to open pebble transaction log", err)
	}

	l := &PebbleTxnLog{db: db, writeOpts: pebble.NoSync, logger: logger}
	if cfg.SyncWrites {
		l.writeOpts = pebble.Sync
	}

	iter, err := db.NewIter(&pebble.IterOptions{LowerBound: recordLowerBound, UpperBound: recordUpperBound})
	if err != nil {
		db.Close()
		return nil, scouterrors.TxnLogFailure("failed to scan pebble transaction log", err)
	}
	if iter.Last() {
		l.seq = binary.BigEndian.Uint64(iter.Key()[1:])
	}
	if err := iter.Close(); err != nil {
		db.Close()
		return nil, scouterrors.TxnLogFailure("failed to scan pebble transaction log", err)
	}

	logger.Info("Opened pebble transaction log",
		zap.String("dir", cfg.Dir),
		zap.Uint64("last_sequence", l.seq))
	return l, nil
}

// Append stores one record under the next sequence number
func (l *PebbleTxnLog) Append(ctx context.Context, rec *TxnRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return scouterrors.TxnLogFailure("failed to marshal transaction record", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return scouterrors.Stopped("transaction log")
	}
	if err := l.db.Set(recordKey(l.seq+1), payload, l.writeOpts); err != nil {
		return scouterrors.TxnLogFailure("failed to write to pebble transaction log", err)
	}
	l.seq++
	return nil
}

// Replay iterates the records in sequence order
func (l *PebbleTxnLog) Replay(ctx context.Context, fn func(*TxnRecord) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	iter, err := l.db.NewIter(&pebble.IterOptions{LowerBound: recordLowerBound, UpperBound: recordUpperBound})
	if err != nil {
		return scouterrors.TxnLogFailure("failed to scan pebble transaction log", err)
	}
	defer iter.Close()

	count := 0
	for valid := iter.First(); valid; valid = iter.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		var rec TxnRecord
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			return scouterrors.CorruptedData("undecodable transaction record", err).
				WithDetail("sequence", binary.BigEndian.Uint64(iter.Key()[1:]))
		}
		if err := fn(&rec); err != nil {
			return err
		}
		count++
	}
	l.logger.Info("Transaction log replay completed", zap.Int("records", count))
	return iter.Error()
}

// Close flushes and closes the database
func (l *PebbleTxnLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	return l.db.Close()
}
