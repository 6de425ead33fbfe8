package process

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/ahrav/anomaly-armada/internal/domain/job"
	"github.com/ahrav/anomaly-armada/internal/domain/process"
)

const (
	// Proportions of bad records are only judged once this many records have
	// been seen in an upload.
	minRecordsForProportionCheck = 100
	maxBadRecordPercent          = 25

	maxRecordSize = 1 << 20
)

// errSkipRecord marks a record that was counted but not forwarded.
var errSkipRecord = errors.New("record skipped")

// recordParser turns NDJSON lines into timestamped records and keeps the
// per upload data counts.
type recordParser struct {
	timeField  string
	timeFormat string
	latency    time.Duration

	// latest is the newest record time accepted so far, seeded from the
	// job's cumulative counts.
	latest time.Time
	counts job.DataCounts
}

func newRecordParser(cfg job.Config, latest time.Time) *recordParser {
	dd := cfg.WithDefaults().DataDescription
	return &recordParser{
		timeField:  dd.TimeField,
		timeFormat: dd.TimeFormat,
		latency:    cfg.Analysis.LatencyDuration(),
		latest:     latest,
	}
}

// parse inspects one line. It returns the trimmed record when it should be
// sent to the process, or errSkipRecord when the record was rejected and
// counted.
func (p *recordParser) parse(line []byte) ([]byte, error) {
	p.counts.InputBytes += int64(len(line))
	rec := bytes.TrimSpace(line)
	if len(rec) == 0 {
		return nil, errSkipRecord
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(rec, &fields); err != nil {
		p.counts.InvalidDateCount++
		return nil, errSkipRecord
	}
	p.counts.InputFieldCount += int64(len(fields))

	raw, ok := fields[p.timeField]
	if !ok {
		p.counts.MissingFieldCount++
		p.counts.InvalidDateCount++
		return nil, errSkipRecord
	}
	ts, err := job.ParseRecordTime(raw, p.timeFormat)
	if err != nil {
		p.counts.InvalidDateCount++
		return nil, errSkipRecord
	}

	if !p.latest.IsZero() && ts.Before(p.latest.Add(-p.latency)) {
		p.counts.OutOfOrderTimeStampCount++
		return nil, errSkipRecord
	}
	if ts.After(p.latest) {
		p.latest = ts
	}

	p.counts.ObserveRecord(ts, int64(len(fields)-1))
	return rec, nil
}

// check fails the upload when too many of the records seen so far were bad.
func (p *recordParser) check() error {
	seen := p.counts.InputRecordCount()
	if seen < minRecordsForProportionCheck {
		return nil
	}
	if p.counts.InvalidDateCount*100 > seen*maxBadRecordPercent {
		return fmt.Errorf("%w: %d of %d records", process.ErrHighProportionOfBadTimestamps,
			p.counts.InvalidDateCount, seen)
	}
	if p.counts.OutOfOrderTimeStampCount*100 > seen*maxBadRecordPercent {
		return fmt.Errorf("%w: %d of %d records", process.ErrOutOfOrderRecords,
			p.counts.OutOfOrderTimeStampCount, seen)
	}
	return nil
}

// lineReader yields newline delimited records, including a final record
// without a trailing newline.
type lineReader struct {
	r *bufio.Reader
}

func newLineReader(r io.Reader) *lineReader {
	return &lineReader{r: bufio.NewReaderSize(r, 64*1024)}
}

func (l *lineReader) next() ([]byte, error) {
	line, err := l.r.ReadSlice('\n')
	if errors.Is(err, bufio.ErrBufferFull) {
		buf := append([]byte(nil), line...)
		for errors.Is(err, bufio.ErrBufferFull) {
			line, err = l.r.ReadSlice('\n')
			buf = append(buf, line...)
			if len(buf) > maxRecordSize {
				return nil, fmt.Errorf("record exceeds %d bytes", maxRecordSize)
			}
		}
		line = buf
	}
	if len(line) > 0 && (err == nil || errors.Is(err, io.EOF)) {
		return append([]byte(nil), line...), nil
	}
	return nil, err
}
