package autodetect

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/ahrav/anomaly-armada/internal/domain/process"
	"github.com/ahrav/anomaly-armada/internal/domain/results"
)

// Control message prefixes. Any frame that does not start with '{' is a
// control message.
const (
	ctlFlush   = 'f'
	ctlInterim = 'i'
	ctlAdvance = 't'
	ctlSkipGap = 's'
	ctlReset   = 'r'
)

// maxFrameSize caps a single input frame.
const maxFrameSize = 16 << 20

var errFrameTooLarge = errors.New("frame exceeds maximum size")

// writeFrame writes payload prefixed with its big-endian uint32 length.
func writeFrame(w *bufio.Writer, payload []byte) error {
	if len(payload) > maxFrameSize {
		return fmt.Errorf("%w: %d bytes", errFrameTooLarge, len(payload))
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// readFrame reads one length-prefixed frame. It returns io.EOF only at a
// frame boundary.
func readFrame(r *bufio.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > maxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", errFrameTooLarge, n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return buf, nil
}

// flushFrames returns the control messages for a flush. Advance time and
// interim requests precede the flush id so the acknowledgement covers them.
func flushFrames(id string, p process.FlushParams) [][]byte {
	var frames [][]byte
	if !p.AdvanceTime.IsZero() {
		frames = append(frames, control(ctlAdvance, strconv.FormatInt(p.AdvanceTime.Unix(), 10)))
	}
	if p.CalcInterim {
		frames = append(frames, control(ctlInterim, epochRange(p.Start, p.End)))
	}
	return append(frames, control(ctlFlush, id))
}

func resetFrame(r process.TimeRange) []byte { return control(ctlReset, epochRange(r.Start, r.End)) }

func control(kind byte, arg string) []byte { return append([]byte{kind}, arg...) }

// epochRange renders "start,end" in epoch seconds, or "" when both are unset.
// A missing bound is left empty.
func epochRange(start, end time.Time) string {
	if start.IsZero() && end.IsZero() {
		return ""
	}
	var s, e string
	if !start.IsZero() {
		s = strconv.FormatInt(start.Unix(), 10)
	}
	if !end.IsZero() {
		e = strconv.FormatInt(end.Unix(), 10)
	}
	return s + "," + e
}

// output is one NDJSON line written by the process. Exactly one field is set.
type output struct {
	Bucket             *results.Bucket             `json:"bucket,omitempty"`
	Record             *results.Record             `json:"record,omitempty"`
	Influencer         *results.Influencer         `json:"influencer,omitempty"`
	CategoryDefinition *results.CategoryDefinition `json:"category_definition,omitempty"`
	ModelSnapshot      *results.ModelSnapshot      `json:"model_snapshot,omitempty"`
	Flush              *process.FlushAck           `json:"flush,omitempty"`
}

// document returns the result document carried by o, or nil when o is a
// flush acknowledgement or an unknown kind.
func (o output) document() results.Document {
	switch {
	case o.Bucket != nil:
		return o.Bucket
	case o.Record != nil:
		return o.Record
	case o.Influencer != nil:
		return o.Influencer
	case o.CategoryDefinition != nil:
		return o.CategoryDefinition
	case o.ModelSnapshot != nil:
		return o.ModelSnapshot
	default:
		return nil
	}
}
