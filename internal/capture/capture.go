// Package capture records probe reports as a CBOR sequence (RFC 8742) so a
// later session can diff what services answered.
package capture

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/sliverarmory/machpipe"
)

// Record is one captured report.
type Record struct {
	Time   time.Time       `cbor:"time"`
	Report machpipe.Report `cbor:"report"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encOptions := cbor.CoreDetEncOptions()
	encOptions.Time = cbor.TimeRFC3339Nano
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("capture: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("capture: CBOR decoder initialization failed: " + err.Error())
	}
}

// Writer appends records to an underlying stream. It is safe for
// concurrent use.
type Writer struct {
	mu      sync.Mutex
	encoder *cbor.Encoder
	now     func() time.Time
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{encoder: encMode.NewEncoder(w), now: time.Now}
}

// Write appends report stamped with the current time.
func (writer *Writer) Write(report machpipe.Report) error {
	writer.mu.Lock()
	defer writer.mu.Unlock()

	if err := writer.encoder.Encode(Record{Time: writer.now().UTC(), Report: report}); err != nil {
		return fmt.Errorf("capture: encode report for %s: %w", report.Target, err)
	}
	return nil
}

// ReadAll decodes every record in r.
func ReadAll(r io.Reader) ([]Record, error) {
	decoder := decMode.NewDecoder(r)
	var records []Record
	for {
		var record Record
		err := decoder.Decode(&record)
		if errors.Is(err, io.EOF) {
			return records, nil
		}
		if err != nil {
			return records, fmt.Errorf("capture: decode record %d: %w", len(records), err)
		}
		records = append(records, record)
	}
}
