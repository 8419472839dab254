// Copyright The Scalene Authors
// SPDX-License-Identifier: Apache-2.0

package memsampler // import "github.com/plasma-umass/scalene-core/memsampler"

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
)

// Action is the allocator event type of one record.
type Action byte

const (
	// ActionMalloc is an allocation.
	ActionMalloc Action = 'M'
	// ActionFree is an ordinary free.
	ActionFree Action = 'F'
	// ActionFreeSampled is a free the allocator shim explicitly sampled,
	// eligible for crediting the last peak-triggering allocation.
	ActionFreeSampled Action = 'f'
)

// NewlineTriggerBytes is the reserved allocation size the instrumentation
// requests purely to signal "execution reached a new source line". Such
// records are consumed internally and never counted as user memory.
const NewlineTriggerBytes = 98821

// Record is one parsed allocator event.
//
// Wire format (newline-delimited text, comma-separated):
//
//	action,timestamp,byte_count,interpreted_fraction,pid,pointer,filename,line,byte_offset
type Record struct {
	Action              Action
	Timestamp           int64
	Bytes               float64
	InterpretedFraction float64
	PID                 int
	Pointer             uint64
	Filename            string
	Line                int
	ByteOffset          int
}

// IsNewlineTrigger reports whether this is a sentinel record rather than a
// real allocation.
func (r Record) IsNewlineTrigger() bool {
	return r.Action == ActionMalloc && r.Bytes == NewlineTriggerBytes
}

// MB returns the record's volume in megabytes.
func (r Record) MB() float64 {
	return r.Bytes / (1024 * 1024)
}

const recordFieldCount = 9

// ParseRecord parses one line of the allocator shim's record stream.
func ParseRecord(line string) (Record, error) {
	fields := strings.Split(line, ",")
	if len(fields) != recordFieldCount {
		return Record{}, fmt.Errorf("record has %d fields, want %d", len(fields),
			recordFieldCount)
	}
	if len(fields[0]) != 1 {
		return Record{}, fmt.Errorf("bad action %q", fields[0])
	}
	rec := Record{Action: Action(fields[0][0])}
	switch rec.Action {
	case ActionMalloc, ActionFree, ActionFreeSampled:
	default:
		return Record{}, fmt.Errorf("unknown action %q", fields[0])
	}

	var err error
	if rec.Timestamp, err = strconv.ParseInt(fields[1], 10, 64); err != nil {
		return Record{}, fmt.Errorf("bad timestamp: %w", err)
	}
	if rec.Bytes, err = strconv.ParseFloat(fields[2], 64); err != nil {
		return Record{}, fmt.Errorf("bad byte count: %w", err)
	}
	if rec.InterpretedFraction, err = strconv.ParseFloat(fields[3], 64); err != nil {
		return Record{}, fmt.Errorf("bad interpreted fraction: %w", err)
	}
	if rec.PID, err = strconv.Atoi(fields[4]); err != nil {
		return Record{}, fmt.Errorf("bad pid: %w", err)
	}
	pointer := strings.TrimPrefix(fields[5], "0x")
	if rec.Pointer, err = strconv.ParseUint(pointer, 16, 64); err != nil {
		return Record{}, fmt.Errorf("bad pointer: %w", err)
	}
	rec.Filename = fields[6]
	if rec.Line, err = strconv.Atoi(fields[7]); err != nil {
		return Record{}, fmt.Errorf("bad line number: %w", err)
	}
	if rec.ByteOffset, err = strconv.Atoi(fields[8]); err != nil {
		return Record{}, fmt.Errorf("bad byte offset: %w", err)
	}
	return rec, nil
}

// ParseRecords parses a whole record stream, keeping only records for pid.
// Malformed or truncated lines (races with the writer) are skipped, not
// fatal.
func ParseRecords(r io.Reader, pid int) []Record {
	var records []Record
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		rec, err := ParseRecord(line)
		if err != nil {
			log.Debugf("Skipping malformed allocation record: %v", err)
			continue
		}
		if rec.PID != pid {
			// Shared record files can be multiplexed across forked
			// children before each gets its own.
			continue
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		log.Debugf("Allocation record stream ended early: %v", err)
	}
	return records
}

// DrainRecordFile reads and truncates the allocator shim's record file.
// A missing file is not an error; it means no new data this tick.
func DrainRecordFile(path string, pid int) ([]Record, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open allocation record file: %w", err)
	}
	defer f.Close()

	records := ParseRecords(f, pid)
	if err = f.Truncate(0); err != nil {
		return records, fmt.Errorf("failed to truncate allocation record file: %w", err)
	}
	return records, nil
}
