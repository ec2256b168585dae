package storage

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/smartystreets-prototypes/go-disruptor"
	"go.uber.org/zap"

	"github.com/maxpert/mswitch/errors"
	"github.com/maxpert/mswitch/interfaces"
)

const (
	DefaultSegmentSize   = 64 * 1024 * 1024 // 64 MB per segment
	DefaultRingSize      = 1024             // must be a power of two
	DefaultFsyncInterval = 50 * time.Millisecond
	SegmentExtension     = ".wal"

	// Record frame: [4 bytes CRC32][4 bytes length][payload]
	// CRC covers the length field and the payload.
	frameHeaderSize = 8
	maxRecordSize   = 16 * 1024 * 1024
)

// FsyncMode controls when appended records are forced to disk
type FsyncMode string

const (
	FsyncAlways   FsyncMode = "always"   // one fsync per group-commit batch
	FsyncInterval FsyncMode = "interval" // background fsync on a timer
	FsyncNever    FsyncMode = "never"
)

// FileLogOptions configures a FileLog
type FileLogOptions struct {
	Dir           string
	SegmentSize   int64
	RingSize      int64
	Fsync         FsyncMode
	FsyncInterval time.Duration
	Metrics       interfaces.AppendMetrics
	Logger        *zap.Logger
}

// FileLog is a segmented append-only operation log.
//
// Appends go through a disruptor ring: producers reserve a slot, publish
// their record and block; the single reader writes whatever is available as
// one batch, fsyncs once, then releases every producer in the batch. Segment
// files are named after the position of their first record.
type FileLog struct {
	opts   FileLogOptions
	dir    string
	lock   *DirLock
	logger *zap.Logger

	// Producer side
	producer sync.Mutex
	closed   bool
	ring     disruptor.Disruptor
	slots    []*appendRequest
	mask     int64
	readDone chan struct{}

	// Writer side, owned by the ring reader (and fsync loop under fileMutex)
	fileMutex   sync.Mutex
	file        *os.File
	segmentBase uint64
	segmentSize int64
	nextPos     uint64
	dirty       bool
	failed      error

	appends atomic.Uint64
	lastPos atomic.Uint64
	size    atomic.Int64

	stopSync chan struct{}
	wg       sync.WaitGroup
}

type appendRequest struct {
	record []byte
	done   chan appendResult
}

type appendResult struct {
	pos interfaces.Position
	err error
}

type segmentInfo struct {
	base uint64
	path string
}

// batchWriter adapts FileLog to the disruptor consumer callback
type batchWriter struct {
	log *FileLog
}

func (w batchWriter) Consume(lower, upper int64) {
	w.log.consume(lower, upper)
}

// OpenFileLog opens (or creates) the log in opts.Dir. A torn final record
// left by a crash is truncated; damage anywhere else is reported as
// corruption.
func OpenFileLog(opts FileLogOptions) (*FileLog, error) {
	if opts.SegmentSize <= 0 {
		opts.SegmentSize = DefaultSegmentSize
	}
	if opts.RingSize <= 0 {
		opts.RingSize = DefaultRingSize
	}
	if opts.RingSize&(opts.RingSize-1) != 0 {
		return nil, fmt.Errorf("ring size %d is not a power of two", opts.RingSize)
	}
	if opts.Fsync == "" {
		opts.Fsync = FsyncAlways
	}
	if opts.FsyncInterval <= 0 {
		opts.FsyncInterval = DefaultFsyncInterval
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	walDir := filepath.Join(opts.Dir, "wal")
	if err := os.MkdirAll(walDir, 0755); err != nil {
		return nil, errors.NewStorageUnavailable("open", walDir, err)
	}

	lock, err := LockDir(opts.Dir)
	if err != nil {
		return nil, err
	}

	l := &FileLog{
		opts:     opts,
		dir:      walDir,
		lock:     lock,
		logger:   opts.Logger.With(zap.String("backend", BackendFile), zap.String("dir", walDir)),
		slots:    make([]*appendRequest, opts.RingSize),
		mask:     opts.RingSize - 1,
		readDone: make(chan struct{}),
		stopSync: make(chan struct{}),
	}

	if err := l.recoverTail(); err != nil {
		_ = lock.Release()
		return nil, err
	}

	l.ring = disruptor.New(
		disruptor.WithCapacity(opts.RingSize),
		disruptor.WithConsumerGroup(batchWriter{log: l}),
	)
	go func() {
		l.ring.Read()
		close(l.readDone)
	}()

	if opts.Fsync == FsyncInterval {
		l.wg.Add(1)
		go l.syncLoop()
	}

	return l, nil
}

// recoverTail validates the last segment, truncates a torn tail and opens it
// for appending.
func (l *FileLog) recoverTail() error {
	segments, err := listSegments(l.dir)
	if err != nil {
		return err
	}

	var total int64
	for _, seg := range segments {
		if info, err := os.Stat(seg.path); err == nil {
			total += info.Size()
		}
	}

	if len(segments) == 0 {
		l.size.Store(0)
		return l.openSegment(1)
	}

	last := segments[len(segments)-1]
	scan, err := scanSegment(last.path, nil)
	if err != nil {
		return err
	}

	if scan.torn {
		l.logger.Warn("Truncating torn record at end of log",
			zap.String("segment", last.path),
			zap.Int64("valid_bytes", scan.validEnd),
			zap.Int64("file_bytes", scan.fileSize))
		if err := os.Truncate(last.path, scan.validEnd); err != nil {
			return errors.NewStorageUnavailable("truncate", last.path, err)
		}
		total -= scan.fileSize - scan.validEnd
	}

	file, err := os.OpenFile(last.path, os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return errors.NewStorageUnavailable("open", last.path, err)
	}

	l.file = file
	l.segmentBase = last.base
	l.segmentSize = scan.validEnd
	l.nextPos = last.base + scan.records
	l.lastPos.Store(l.nextPos - 1)
	l.size.Store(total)
	return nil
}

func (l *FileLog) openSegment(base uint64) error {
	path := filepath.Join(l.dir, fmt.Sprintf("%020d%s", base, SegmentExtension))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return errors.NewStorageUnavailable("open", path, err)
	}
	if err := syncDir(l.dir); err != nil {
		_ = file.Close()
		return errors.NewStorageUnavailable("sync", l.dir, err)
	}

	l.file = file
	l.segmentBase = base
	l.segmentSize = 0
	l.nextPos = base
	return nil
}

// Append blocks until record is part of a written (and, with FsyncAlways,
// synced) batch. Once the record is handed to the ring the call waits for
// the outcome even if ctx is cancelled, so the caller never mistakes a
// durable record for a failed one.
func (l *FileLog) Append(ctx context.Context, record []byte) (interfaces.Position, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if len(record) > maxRecordSize {
		return 0, errors.NewStorageUnavailable("append", l.dir,
			fmt.Errorf("record of %d bytes exceeds limit of %d", len(record), maxRecordSize))
	}

	req := &appendRequest{record: record, done: make(chan appendResult, 1)}

	l.producer.Lock()
	if l.closed {
		l.producer.Unlock()
		return 0, interfaces.ErrLogClosed
	}
	sequence := l.ring.Reserve(1)
	l.slots[sequence&l.mask] = req
	l.ring.Commit(sequence, sequence)
	l.producer.Unlock()

	res := <-req.done
	return res.pos, res.err
}

// consume runs on the ring reader goroutine
func (l *FileLog) consume(lower, upper int64) {
	batch := make([]*appendRequest, 0, upper-lower+1)
	for sequence := lower; sequence <= upper; sequence++ {
		idx := sequence & l.mask
		batch = append(batch, l.slots[idx])
		l.slots[idx] = nil
	}
	l.writeBatch(batch)
}

func (l *FileLog) writeBatch(batch []*appendRequest) {
	l.fileMutex.Lock()
	defer l.fileMutex.Unlock()

	if l.failed != nil {
		l.finish(batch, 0, l.failed)
		return
	}

	var buf []byte
	for _, req := range batch {
		buf = appendFrame(buf, req.record)
	}

	if l.segmentSize > 0 && l.segmentSize+int64(len(buf)) > l.opts.SegmentSize {
		if err := l.rollSegment(); err != nil {
			l.fail(err)
			l.finish(batch, 0, err)
			return
		}
	}

	// Single write (O_APPEND)
	n, err := l.file.Write(buf)
	if err != nil {
		l.recordError()
		// Cut off whatever part of the batch made it so the next batch does
		// not land behind a half-written frame.
		if n > 0 {
			if terr := l.file.Truncate(l.segmentSize); terr != nil {
				l.fail(terr)
			}
		}
		l.finish(batch, 0, errors.NewStorageUnavailable("append", l.file.Name(), err))
		return
	}

	switch l.opts.Fsync {
	case FsyncAlways:
		fsyncStart := time.Now()
		if err := l.file.Sync(); err != nil {
			// After a failed fsync the page cache state is unknown.
			l.recordError()
			l.fail(err)
			l.finish(batch, 0, errors.NewStorageUnavailable("fsync", l.file.Name(), err))
			return
		}
		if l.opts.Metrics != nil {
			l.opts.Metrics.RecordLogFsync(BackendFile, time.Since(fsyncStart).Seconds())
		}
	case FsyncInterval:
		l.dirty = true
	}

	first := l.nextPos
	l.nextPos += uint64(len(batch))
	l.segmentSize += int64(n)
	l.lastPos.Store(l.nextPos - 1)
	l.appends.Add(uint64(len(batch)))
	size := l.size.Add(int64(n))

	if l.opts.Metrics != nil {
		for range batch {
			l.opts.Metrics.RecordLogAppend(BackendFile)
		}
		l.opts.Metrics.UpdateLogSize(BackendFile, float64(size))
	}

	l.finish(batch, first, nil)
}

// finish releases every producer in batch. Positions are assigned in ring order.
func (l *FileLog) finish(batch []*appendRequest, first uint64, err error) {
	for i, req := range batch {
		if err != nil {
			req.done <- appendResult{err: err}
			continue
		}
		req.done <- appendResult{pos: interfaces.Position(first + uint64(i))}
	}
}

func (l *FileLog) fail(err error) {
	l.failed = errors.NewStorageUnavailable("append", l.dir, err)
	l.logger.Error("Operation log failed, rejecting further appends", zap.Error(err))
}

func (l *FileLog) recordError() {
	if l.opts.Metrics != nil {
		l.opts.Metrics.RecordLogAppendError(BackendFile)
	}
}

func (l *FileLog) rollSegment() error {
	if err := l.file.Sync(); err != nil {
		return err
	}
	if err := l.file.Close(); err != nil {
		return err
	}
	l.dirty = false
	l.logger.Debug("Rolling log segment", zap.Uint64("next_position", l.nextPos))
	return l.openSegment(l.nextPos)
}

// syncLoop flushes dirty segments for FsyncInterval
func (l *FileLog) syncLoop() {
	defer l.wg.Done()

	ticker := time.NewTicker(l.opts.FsyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.syncIfDirty()
		case <-l.stopSync:
			return
		}
	}
}

func (l *FileLog) syncIfDirty() {
	l.fileMutex.Lock()
	defer l.fileMutex.Unlock()

	if !l.dirty || l.file == nil {
		return
	}
	fsyncStart := time.Now()
	if err := l.file.Sync(); err != nil {
		l.recordError()
		l.fail(err)
		return
	}
	l.dirty = false
	if l.opts.Metrics != nil {
		l.opts.Metrics.RecordLogFsync(BackendFile, time.Since(fsyncStart).Seconds())
	}
}

// Replay streams every intact record in position order. A damaged record in
// the middle of the log stops replay with a corruption error.
func (l *FileLog) Replay(ctx context.Context, fn interfaces.ReplayFunc) error {
	segments, err := listSegments(l.dir)
	if err != nil {
		return err
	}
	return replaySegments(ctx, segments, fn)
}

func replaySegments(ctx context.Context, segments []segmentInfo, fn interfaces.ReplayFunc) error {
	for i, seg := range segments {
		pos := seg.base
		scan, err := scanSegment(seg.path, func(payload []byte) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := fn(interfaces.Position(pos), payload); err != nil {
				return err
			}
			pos++
			return nil
		})
		if err != nil {
			return err
		}
		if scan.torn && i < len(segments)-1 {
			return errors.NewStorageCorruption("replay", seg.path,
				fmt.Errorf("segment ends mid-record at byte %d", scan.validEnd))
		}
	}
	return nil
}

// Close drains the ring, syncs and releases the directory lock
func (l *FileLog) Close() error {
	l.producer.Lock()
	if l.closed {
		l.producer.Unlock()
		return nil
	}
	l.closed = true
	l.producer.Unlock()

	// The reader consumes everything already committed before exiting.
	_ = l.ring.Close()
	<-l.readDone

	close(l.stopSync)
	l.wg.Wait()

	l.fileMutex.Lock()
	var firstErr error
	if l.file != nil {
		if err := l.file.Sync(); err != nil {
			firstErr = err
		}
		if err := l.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		l.file = nil
	}
	l.fileMutex.Unlock()

	if err := l.lock.Release(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func (l *FileLog) Stats() interfaces.LogStats {
	return interfaces.LogStats{
		Backend:   BackendFile,
		Appends:   l.appends.Load(),
		LastPos:   interfaces.Position(l.lastPos.Load()),
		SizeBytes: l.size.Load(),
	}
}

// appendFrame encodes one record as [CRC][length][payload]
func appendFrame(buf, payload []byte) []byte {
	start := len(buf)
	buf = append(buf, 0, 0, 0, 0) // CRC32 placeholder
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(payload)))
	buf = append(buf, payload...)

	crc := crc32.ChecksumIEEE(buf[start+4:])
	binary.BigEndian.PutUint32(buf[start:start+4], crc)
	return buf
}

type segmentScan struct {
	records  uint64
	validEnd int64
	fileSize int64
	torn     bool
}

// scanSegment walks the frames of one segment file. An incomplete frame, or
// a checksum-failing frame that ends at the end of the file or holds a
// zero-filled sector, is a torn write and only marks the scan; any other
// damage is corruption.
func scanSegment(path string, fn func(payload []byte) error) (segmentScan, error) {
	var scan segmentScan

	file, err := os.Open(path)
	if err != nil {
		return scan, errors.NewStorageUnavailable("open", path, err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return scan, errors.NewStorageUnavailable("stat", path, err)
	}
	scan.fileSize = info.Size()

	reader := bufio.NewReaderSize(file, 256*1024)
	header := make([]byte, frameHeaderSize)
	var offset int64

	for {
		if _, err := io.ReadFull(reader, header); err != nil {
			if err == io.EOF {
				break
			}
			if err == io.ErrUnexpectedEOF {
				scan.torn = true
				break
			}
			return scan, errors.NewStorageUnavailable("read", path, err)
		}

		crc := binary.BigEndian.Uint32(header[0:4])
		length := int64(binary.BigEndian.Uint32(header[4:8]))
		frameEnd := offset + frameHeaderSize + length

		if length > maxRecordSize {
			if frameEnd >= scan.fileSize {
				scan.torn = true
				break
			}
			return scan, errors.NewStorageCorruption("read", path,
				fmt.Errorf("record at byte %d claims %d bytes", offset, length))
		}

		payload := make([]byte, length)
		if _, err := io.ReadFull(reader, payload); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				scan.torn = true
				break
			}
			return scan, errors.NewStorageUnavailable("read", path, err)
		}

		check := crc32.NewIEEE()
		_, _ = check.Write(header[4:8])
		_, _ = check.Write(payload)
		if check.Sum32() != crc {
			if frameEnd == scan.fileSize || hasZeroSector(offset, header, payload) {
				scan.torn = true
				break
			}
			return scan, errors.NewStorageCorruption("read", path,
				fmt.Errorf("CRC mismatch for record at byte %d", offset))
		}

		if fn != nil {
			if err := fn(payload); err != nil {
				return scan, err
			}
		}
		scan.records++
		offset = frameEnd
		scan.validEnd = offset
	}

	return scan, nil
}

// sectorSize is the granularity at which unsynced writes can go missing
const sectorSize = 512

// hasZeroSector reports whether any sector-aligned piece of the frame at
// offset, at least a header long, is all zeros. Pages that never reached
// disk before a crash read back zero-filled, possibly with later pages of
// the same batch intact.
func hasZeroSector(offset int64, header, payload []byte) bool {
	frame := make([]byte, 0, len(header)+len(payload))
	frame = append(frame, header...)
	frame = append(frame, payload...)

	start := 0
	for start < len(frame) {
		end := int((offset+int64(start))/sectorSize+1)*sectorSize - int(offset)
		if end > len(frame) {
			end = len(frame)
		}
		if end-start >= frameHeaderSize && isZero(frame[start:end]) {
			return true
		}
		start = end
	}
	return false
}

func isZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}

// listSegments returns the segment files in dir ordered by base position
func listSegments(dir string) ([]segmentInfo, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.NewStorageUnavailable("list", dir, err)
	}

	var segments []segmentInfo
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, SegmentExtension) {
			continue
		}
		base, err := strconv.ParseUint(strings.TrimSuffix(name, SegmentExtension), 10, 64)
		if err != nil {
			continue
		}
		segments = append(segments, segmentInfo{base: base, path: filepath.Join(dir, name)})
	}

	sort.Slice(segments, func(i, j int) bool { return segments[i].base < segments[j].base })
	return segments, nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
