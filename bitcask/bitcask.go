package bitcask

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"cabbageTxn/engine"
	"cabbageTxn/logger"
	"cabbageTxn/util"

	"github.com/google/btree"
	"github.com/pkg/errors"
)

// ErrLocked is returned when the log is already held open.
var ErrLocked = errors.New("bitcask log is already locked")

// ValueOffset locates a value inside the log file.
type ValueOffset struct {
	Pos uint64
	Len uint32
}

// ByteItem is one keydir entry: Key -> (Pos, Len).
type ByteItem struct {
	Key   []byte
	Value *ValueOffset
}

func (bi *ByteItem) Less(than btree.Item) bool {
	other := than.(*ByteItem)
	return bytes.Compare(bi.Key, other.Key) < 0
}

// Log is the append-only file behind a BitCask.
type Log struct {
	Path string
	File *os.File
}

// NewLog opens or creates the log file and holds an exclusive lock on it
// until it is closed.
func NewLog(path string) (*Log, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, os.ModePerm); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0666)
	if err != nil {
		return nil, fmt.Errorf("failed to open/create file: %w", err)
	}

	if err = LockFileNonBlocking(file); err != nil {
		file.Close()
		return nil, fmt.Errorf("get lockfile err: %w", err)
	}

	return &Log{
		Path: path,
		File: file,
	}, nil
}

// buildKeyDir replays the log. An entry cut short by a crash truncates the
// file at the start of that entry.
func (log *Log) buildKeyDir() (*btree.BTree, error) {
	keyDir := btree.New(2)

	fileInfo, err := log.File.Stat()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	fileLen := fileInfo.Size()

	var header [8]byte
	var pos int64
	for pos < fileLen {
		if _, err = log.File.ReadAt(header[:], pos); err != nil {
			if err == io.EOF {
				return keyDir, log.truncate(pos)
			}
			return nil, errors.WithStack(err)
		}
		var keyLen uint32
		var valueLenOrTombstone int32
		if err = util.ByteToInt(header[:4], &keyLen); err != nil {
			return nil, err
		}
		if err = util.ByteToInt(header[4:], &valueLenOrTombstone); err != nil {
			return nil, err
		}

		key := make([]byte, keyLen)
		if _, err = log.File.ReadAt(key, pos+8); err != nil {
			if err == io.EOF {
				return keyDir, log.truncate(pos)
			}
			return nil, errors.WithStack(err)
		}
		valuePos := pos + 8 + int64(keyLen)

		if valueLenOrTombstone >= 0 {
			if valuePos+int64(valueLenOrTombstone) > fileLen {
				return keyDir, log.truncate(pos)
			}
			keyDir.ReplaceOrInsert(&ByteItem{
				Key:   key,
				Value: &ValueOffset{Pos: uint64(valuePos), Len: uint32(valueLenOrTombstone)},
			})
			pos = valuePos + int64(valueLenOrTombstone)
		} else {
			keyDir.Delete(&ByteItem{Key: key})
			pos = valuePos
		}
	}

	return keyDir, nil
}

func (log *Log) truncate(pos int64) error {
	logger.Warnw("truncating incomplete bitcask entry", "file", log.Path, "pos", pos)
	return errors.WithStack(log.File.Truncate(pos))
}

// ReadValue reads a value from the log file.
func (log *Log) ReadValue(valuePos uint64, valueLen uint32) ([]byte, error) {
	buffer := make([]byte, valueLen)
	if valueLen == 0 {
		return buffer, nil
	}
	_, err := log.File.ReadAt(buffer, int64(valuePos))
	return buffer, errors.WithStack(err)
}

// writeEntry appends key -> value; a nil value writes a tombstone. It returns
// the entry position and total length.
func (log *Log) writeEntry(key, value []byte) (uint64, uint32, error) {
	keyLen := uint32(len(key))
	valueLen := uint32(len(value))
	valueLenOrTombstone := int32(-1)
	if value != nil {
		valueLenOrTombstone = int32(len(value))
	}
	itemLen := 4 + 4 + keyLen + valueLen

	pos, err := log.File.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, 0, errors.WithStack(err)
	}
	entry := util.BufferAppend(
		util.BinaryToByte(keyLen),
		util.BinaryToByte(valueLenOrTombstone),
		key,
		value,
	)
	if _, err = log.File.Write(entry); err != nil {
		return 0, 0, errors.WithStack(err)
	}
	if err = log.File.Sync(); err != nil {
		return 0, 0, errors.WithStack(err)
	}
	return uint64(pos), itemLen, nil
}

// BitCask writes key/value pairs to an append-only log and keeps a
// Key -> (ValuePos, ValueLen) map in memory. Deleting a key appends a
// tombstone entry.
type BitCask struct {
	mu     sync.RWMutex
	Log    *Log
	KeyDir *btree.BTree
}

var _ engine.Engine = (*BitCask)(nil)

// NewCompact opens a BitCask and compacts it when the garbage ratio reaches
// the threshold.
func NewCompact(path string, garbageRatioThreshold float64) (*BitCask, error) {
	bitCask, err := NewBitCask(path)
	if err != nil {
		return nil, err
	}
	status, err := bitCask.Status()
	if err != nil {
		bitCask.Close()
		return nil, err
	}
	if status.GarbageDiskSize > 0 && status.TotalDiskSize > 0 {
		garbageRatio := float64(status.GarbageDiskSize) / float64(status.TotalDiskSize)
		if garbageRatio >= garbageRatioThreshold {
			logger.Infow("start compact", "file", path, "garbage_ratio", garbageRatio)
			if err = bitCask.Compact(); err != nil {
				bitCask.Close()
				return nil, err
			}
		}
	}
	return bitCask, nil
}

// NewBitCask opens or creates a BitCask.
func NewBitCask(path string) (*BitCask, error) {
	log, err := NewLog(path)
	if err != nil {
		return nil, err
	}

	keyDir, err := log.buildKeyDir()
	if err != nil {
		log.File.Close()
		return nil, err
	}
	return &BitCask{
		Log:    log,
		KeyDir: keyDir,
	}, nil
}

// Compact rewrites the log with only the live entries.
func (bitCask *BitCask) Compact() error {
	bitCask.mu.Lock()
	defer bitCask.mu.Unlock()

	type liveEntry struct {
		key   []byte
		value []byte
	}

	live := make([]*liveEntry, 0, bitCask.KeyDir.Len())
	var readErr error
	bitCask.KeyDir.Ascend(func(i btree.Item) bool {
		item := i.(*ByteItem)
		value, err := bitCask.Log.ReadValue(item.Value.Pos, item.Value.Len)
		if err != nil {
			readErr = err
			return false
		}
		live = append(live, &liveEntry{key: item.Key, value: value})
		return true
	})
	if readErr != nil {
		return readErr
	}

	if err := bitCask.Log.File.Truncate(0); err != nil {
		return errors.WithStack(err)
	}

	keyDir := btree.New(2)
	for _, e := range live {
		pos, itemLen, err := bitCask.Log.writeEntry(e.key, e.value)
		if err != nil {
			return err
		}
		keyDir.ReplaceOrInsert(&ByteItem{
			Key:   e.key,
			Value: &ValueOffset{Pos: pos + uint64(itemLen) - uint64(len(e.value)), Len: uint32(len(e.value))},
		})
	}
	bitCask.KeyDir = keyDir
	return nil
}

func (bitCask *BitCask) Set(key, value []byte) error {
	if value == nil {
		value = []byte{}
	}
	bitCask.mu.Lock()
	defer bitCask.mu.Unlock()

	pos, itemLen, err := bitCask.Log.writeEntry(key, value)
	if err != nil {
		return err
	}
	valueLen := uint32(len(value))
	bitCask.KeyDir.ReplaceOrInsert(&ByteItem{
		Key: append([]byte{}, key...),
		Value: &ValueOffset{
			Pos: pos + uint64(itemLen) - uint64(valueLen),
			Len: valueLen,
		},
	})
	return nil
}

func (bitCask *BitCask) Get(key []byte) ([]byte, error) {
	bitCask.mu.RLock()
	defer bitCask.mu.RUnlock()

	found := bitCask.KeyDir.Get(&ByteItem{Key: key})
	if found == nil {
		return nil, nil
	}
	byteItem := found.(*ByteItem)
	return bitCask.Log.ReadValue(byteItem.Value.Pos, byteItem.Value.Len)
}

func (bitCask *BitCask) Delete(key []byte) error {
	bitCask.mu.Lock()
	defer bitCask.mu.Unlock()

	if bitCask.KeyDir.Get(&ByteItem{Key: key}) == nil {
		return nil
	}
	if _, _, err := bitCask.Log.writeEntry(key, nil); err != nil {
		return err
	}
	bitCask.KeyDir.Delete(&ByteItem{Key: key})
	return nil
}

func (bitCask *BitCask) Scan(from, to []byte) ([]*engine.KeyValue, error) {
	bitCask.mu.RLock()
	defer bitCask.mu.RUnlock()

	var result []*engine.KeyValue
	var readErr error
	iter := func(i btree.Item) bool {
		item := i.(*ByteItem)
		value, err := bitCask.Log.ReadValue(item.Value.Pos, item.Value.Len)
		if err != nil {
			readErr = err
			return false
		}
		result = append(result, &engine.KeyValue{Key: append([]byte{}, item.Key...), Value: value})
		return true
	}
	if to == nil {
		bitCask.KeyDir.AscendGreaterOrEqual(&ByteItem{Key: from}, iter)
	} else {
		bitCask.KeyDir.AscendRange(&ByteItem{Key: from}, &ByteItem{Key: to}, iter)
	}
	return result, readErr
}

func (bitCask *BitCask) ScanPrefix(prefix []byte) ([]*engine.KeyValue, error) {
	return bitCask.Scan(prefix, util.PrefixEnd(prefix))
}

func (bitCask *BitCask) Status() (*engine.Status, error) {
	bitCask.mu.RLock()
	defer bitCask.mu.RUnlock()

	keys := uint64(bitCask.KeyDir.Len())
	size := uint64(0)
	bitCask.KeyDir.Ascend(func(i btree.Item) bool {
		item := i.(*ByteItem)
		size = size + uint64(len(item.Key)) + uint64(item.Value.Len)
		return true
	})
	stat, err := bitCask.Log.File.Stat()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	totalDiskSize := uint64(stat.Size())
	liveDiskSize := size + 8*keys
	var garbageDiskSize uint64
	if totalDiskSize > liveDiskSize {
		garbageDiskSize = totalDiskSize - liveDiskSize
	}
	return &engine.Status{
		Name:            "bitcask",
		Keys:            keys,
		Size:            size,
		TotalDiskSize:   totalDiskSize,
		GarbageDiskSize: garbageDiskSize,
		LiveDiskSize:    liveDiskSize,
		FileName:        bitCask.FileName(),
	}, nil
}

func (bitCask *BitCask) Flush() error {
	bitCask.mu.Lock()
	defer bitCask.mu.Unlock()
	return errors.WithStack(bitCask.Log.File.Sync())
}

func (bitCask *BitCask) FileName() string {
	path, _ := filepath.Abs(bitCask.Log.File.Name())
	return path
}

func (bitCask *BitCask) Close() error {
	bitCask.mu.Lock()
	defer bitCask.mu.Unlock()
	if err := bitCask.Log.File.Sync(); err != nil {
		return errors.WithStack(err)
	}
	return errors.WithStack(bitCask.Log.File.Close())
}
