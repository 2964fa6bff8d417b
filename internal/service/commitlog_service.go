package service

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/devrev/pairdb/scout/internal/clock"
	"github.com/devrev/pairdb/scout/internal/crdt"
	scouterrors "github.com/devrev/pairdb/scout/internal/errors"
	"github.com/devrev/pairdb/scout/internal/metrics"
	"github.com/devrev/pairdb/scout/internal/model"
	"github.com/devrev/pairdb/scout/internal/util"
)

// TxnRecordType tags a transaction log record
type TxnRecordType string

const (
	// RecordOperation is one operation registered by a pending transaction
	RecordOperation TxnRecordType = "op"
	// RecordCommitLocal carries every update group of a locally committed transaction
	RecordCommitLocal TxnRecordType = "commit_local"
	// RecordCommitGlobal marks the end of the global commit
	RecordCommitGlobal TxnRecordType = "commit_global"
	// RecordAbort marks a rolled back transaction
	RecordAbort TxnRecordType = "abort"
)

// TxnRecord is one entry of the transaction log
type TxnRecord struct {
	Type       TxnRecordType           `json:"type"`
	Client     clock.Timestamp         `json:"client"`
	Mapping    *clock.TimestampMapping `json:"mapping,omitempty"`
	Dependency *clock.CausalityClock   `json:"dependency,omitempty"`
	ObjectID   *model.ObjectID         `json:"object_id,omitempty"`
	Update     json.RawMessage         `json:"update,omitempty"`
	Groups     []*crdt.UpdatesGroup    `json:"groups,omitempty"`
	Failed     bool                    `json:"failed,omitempty"`
	Time       time.Time               `json:"time"`
}

// TxnLog durably records transaction progress so that locally committed
// transactions survive a restart
type TxnLog interface {
	Append(ctx context.Context, rec *TxnRecord) error
	// Replay calls fn for every record in append order
	Replay(ctx context.Context, fn func(*TxnRecord) error) error
	Close() error
}

// TxnLogConfig holds transaction log configuration
type TxnLogConfig struct {
	Backend     string
	Dir         string
	SegmentSize int64
	SyncWrites  bool
}

// OpenTxnLog opens the configured backend
func OpenTxnLog(cfg *TxnLogConfig, m *metrics.Metrics, logger *zap.Logger) (TxnLog, error) {
	var (
		log TxnLog
		err error
	)
	switch cfg.Backend {
	case "file":
		log, err = NewFileTxnLog(cfg, logger)
	case "pebble":
		log, err = NewPebbleTxnLog(cfg, logger)
	case "none", "":
		return nopTxnLog{}, nil
	default:
		return nil, scouterrors.InvalidArgument(fmt.Sprintf("unknown transaction log backend %q", cfg.Backend), nil)
	}
	if err != nil {
		return nil, err
	}
	if m == nil {
		return log, nil
	}
	return &instrumentedTxnLog{TxnLog: log, metrics: m}, nil
}

type nopTxnLog struct{}

func (nopTxnLog) Append(context.Context, *TxnRecord) error             { return nil }
func (nopTxnLog) Replay(context.Context, func(*TxnRecord) error) error { return nil }
func (nopTxnLog) Close() error                                         { return nil }

// instrumentedTxnLog records append latency and failures
type instrumentedTxnLog struct {
	TxnLog
	metrics *metrics.Metrics
}

func (l *instrumentedTxnLog) Append(ctx context.Context, rec *TxnRecord) error {
	start := time.Now()
	err := l.TxnLog.Append(ctx, rec)
	l.metrics.TxnLogAppendDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		l.metrics.TxnLogErrorsTotal.Inc()
		return err
	}
	l.metrics.TxnLogAppendsTotal.Inc()
	return nil
}

const (
	segmentPrefix = "txnlog-"
	segmentSuffix = ".log"
	// frame header: payload length
	frameHeaderSize = 4
)

// FileTxnLog appends length-prefixed, checksummed JSON records to
// size-bounded segment files.
// Frame format: [length (4 bytes)][json payload][xxhash64 of payload (8 bytes)]
type FileTxnLog struct {
	config      *TxnLogConfig
	logger      *zap.Logger
	mu          sync.Mutex
	dir         string
	currentFile *os.File
	currentSize int64
	segmentID   int64
	closed      bool
}

// NewFileTxnLog opens a file transaction log in cfg.Dir. Appends go to a
// new segment following the existing ones.
func NewFileTxnLog(cfg *TxnLogConfig, logger *zap.Logger) (*FileTxnLog, error) {
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, scouterrors.TxnLogFailure("failed to create transaction log directory", err)
	}

	segments, err := listSegments(cfg.Dir)
	if err != nil {
		return nil, err
	}
	l := &FileTxnLog{config: cfg, logger: logger, dir: cfg.Dir}
	if n := len(segments); n > 0 {
		l.segmentID = segments[n-1].id
	}
	if err := l.openNewSegment(); err != nil {
		return nil, err
	}
	return l, nil
}

type segment struct {
	id   int64
	path string
}

func listSegments(dir string) ([]segment, error) {
	paths, err := filepath.Glob(filepath.Join(dir, segmentPrefix+"*"+segmentSuffix))
	if err != nil {
		return nil, scouterrors.TxnLogFailure("failed to list transaction log segments", err)
	}
	segments := make([]segment, 0, len(paths))
	for _, p := range paths {
		name := strings.TrimSuffix(strings.TrimPrefix(filepath.Base(p), segmentPrefix), segmentSuffix)
		id, err := strconv.ParseInt(name, 10, 64)
		if err != nil {
			continue
		}
		segments = append(segments, segment{id: id, path: p})
	}
	sort.Slice(segments, func(i, j int) bool { return segments[i].id < segments[j].id })
	return segments, nil
}

// openNewSegment creates the next segment. Callers hold mu or own l exclusively.
func (l *FileTxnLog) openNewSegment() error {
	if l.currentFile != nil {
		if err := l.currentFile.Close(); err != nil {
			l.logger.Warn("Failed to close transaction log segment", zap.Error(err))
		}
	}

	l.segmentID++
	segmentPath := filepath.Join(l.dir, fmt.Sprintf("%s%020d%s", segmentPrefix, l.segmentID, segmentSuffix))
	file, err := os.OpenFile(segmentPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return scouterrors.TxnLogFailure("failed to open transaction log segment", err)
	}
	l.currentFile = file
	l.currentSize = 0

	l.logger.Info("Opened new transaction log segment", zap.String("path", segmentPath))
	return nil
}

// Append writes one record, syncing when configured
func (l *FileTxnLog) Append(ctx context.Context, rec *TxnRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return scouterrors.TxnLogFailure("failed to marshal transaction record", err)
	}
	frame := make([]byte, frameHeaderSize, frameHeaderSize+len(payload)+util.ChecksumSize)
	binary.LittleEndian.PutUint32(frame, uint32(len(payload)))
	frame = append(frame, util.AppendChecksum(payload)...)

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return scouterrors.Stopped("transaction log")
	}

	if _, err := l.currentFile.Write(frame); err != nil {
		return scouterrors.TxnLogFailure("failed to write to transaction log", err)
	}
	if l.config.SyncWrites {
		if err := l.currentFile.Sync(); err != nil {
			return scouterrors.TxnLogFailure("failed to sync transaction log", err)
		}
	}
	l.currentSize += int64(len(frame))

	if l.config.SegmentSize > 0 && l.currentSize >= l.config.SegmentSize {
		l.logger.Info("Rotating transaction log due to size",
			zap.Int64("size", l.currentSize),
			zap.Int64("threshold", l.config.SegmentSize))
		if err := l.openNewSegment(); err != nil {
			return err
		}
	}
	return nil
}

// Replay reads every segment in order. A torn record at the end of a
// segment ends that segment; a checksum mismatch is an error.
func (l *FileTxnLog) Replay(ctx context.Context, fn func(*TxnRecord) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	segments, err := listSegments(l.dir)
	if err != nil {
		return err
	}

	recovered := 0
	for _, seg := range segments {
		count, err := l.replaySegment(ctx, seg.path, fn)
		recovered += count
		if err != nil {
			return fmt.Errorf("failed to replay %s: %w", seg.path, err)
		}
	}
	l.logger.Info("Transaction log replay completed",
		zap.Int("segments", len(segments)),
		zap.Int("records", recovered))
	return nil
}

func (l *FileTxnLog) replaySegment(ctx context.Context, path string, fn func(*TxnRecord) error) (int, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, scouterrors.TxnLogFailure("failed to open transaction log segment", err)
	}
	defer file.Close()

	reader := bufio.NewReader(file)
	header := make([]byte, frameHeaderSize)
	count := 0
	for {
		if err := ctx.Err(); err != nil {
			return count, err
		}
		if _, err := io.ReadFull(reader, header); err != nil {
			if errors.Is(err, io.EOF) {
				return count, nil
			}
			l.logger.Warn("Torn record header at end of segment", zap.String("path", path))
			return count, nil
		}
		body := make([]byte, int(binary.LittleEndian.Uint32(header))+util.ChecksumSize)
		if _, err := io.ReadFull(reader, body); err != nil {
			l.logger.Warn("Torn record at end of segment", zap.String("path", path), zap.Int("records", count))
			return count, nil
		}
		payload, ok := util.ValidateAndStripChecksum(body)
		if !ok {
			return count, scouterrors.CorruptedData(fmt.Sprintf("checksum mismatch in record %d", count), nil)
		}
		var rec TxnRecord
		if err := json.Unmarshal(payload, &rec); err != nil {
			return count, scouterrors.CorruptedData(fmt.Sprintf("undecodable record %d", count), err)
		}
		if err := fn(&rec); err != nil {
			return count, err
		}
		count++
	}
}

// Close closes the current segment
func (l *FileTxnLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	if l.currentFile != nil {
		return l.currentFile.Close()
	}
	return nil
}
