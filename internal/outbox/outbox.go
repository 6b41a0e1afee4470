// Package outbox keeps persistence records on disk until they reach Kafka.
// The engine appends; the Relay drains in sequence order and deletes on ack.
package outbox

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/Ishan3450/complete-stock-exchange/internal/sequence"

	"github.com/cockroachdb/pebble"
)

const keyPrefix = "outbox/"

var ErrCorruptRecord = errors.New("corrupt outbox record")

// Record is one pending message. Key is the Kafka partition key.
type Record struct {
	Seq     uint64
	Key     string
	Payload []byte
}

// Outbox is a pebble-backed FIFO of records
type Outbox struct {
	db  *pebble.DB
	seq *sequence.Sequencer
}

// Open opens or creates the outbox in dir and resumes numbering after the
// last pending record.
func Open(dir string) (*Outbox, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open outbox %s: %w", dir, err)
	}
	last, err := lastSeq(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Outbox{db: db, seq: sequence.New(last)}, nil
}

func (o *Outbox) Close() error {
	return o.db.Close()
}

// Append stores a record and returns its sequence number. It does not wait
// for fsync; the record survives a process crash but only survives a host
// crash once Sync has run.
func (o *Outbox) Append(key string, payload []byte) (uint64, error) {
	seq := o.seq.Next()
	if err := o.db.Set(keyFor(seq), encodeRecord(key, payload), pebble.NoSync); err != nil {
		return 0, fmt.Errorf("failed to append outbox record %d: %w", seq, err)
	}
	return seq, nil
}

// Sync fsyncs the write-ahead log, making every earlier Append durable
func (o *Outbox) Sync() error {
	if err := o.db.LogData(nil, pebble.Sync); err != nil {
		return fmt.Errorf("failed to sync outbox: %w", err)
	}
	return nil
}

// Delete removes an acknowledged record. A delete lost to a host crash only
// causes a redelivery, which the persister tolerates.
func (o *Outbox) Delete(seq uint64) error {
	if err := o.db.Delete(keyFor(seq), pebble.NoSync); err != nil {
		return fmt.Errorf("failed to delete outbox record %d: %w", seq, err)
	}
	return nil
}

// Scan calls fn for every pending record in sequence order. Returning an
// error from fn stops the scan and returns that error.
func (o *Outbox) Scan(fn func(Record) error) error {
	iter, err := o.db.NewIter(bounds())
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		seq, err := parseKey(iter.Key())
		if err != nil {
			return err
		}
		key, payload, err := decodeRecord(iter.Value())
		if err != nil {
			return fmt.Errorf("record %d: %w", seq, err)
		}
		if err := fn(Record{Seq: seq, Key: key, Payload: payload}); err != nil {
			return err
		}
	}
	return iter.Error()
}

// Pending counts records not yet delivered
func (o *Outbox) Pending() (int, error) {
	n := 0
	err := o.Scan(func(Record) error {
		n++
		return nil
	})
	return n, err
}

func lastSeq(db *pebble.DB) (uint64, error) {
	iter, err := db.NewIter(bounds())
	if err != nil {
		return 0, err
	}
	defer iter.Close()
	if !iter.Last() {
		return 0, iter.Error()
	}
	return parseKey(iter.Key())
}

func bounds() *pebble.IterOptions {
	return &pebble.IterOptions{
		LowerBound: []byte(keyPrefix),
		UpperBound: []byte(keyPrefix + "~"),
	}
}

func keyFor(seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", keyPrefix, seq))
}

func parseKey(b []byte) (uint64, error) {
	seq, err := strconv.ParseUint(strings.TrimPrefix(string(b), keyPrefix), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: key %q", ErrCorruptRecord, b)
	}
	return seq, nil
}

// binary encoding: [keyLen:2][key][payload]
func encodeRecord(key string, payload []byte) []byte {
	buf := make([]byte, 2+len(key)+len(payload))
	binary.BigEndian.PutUint16(buf[:2], uint16(len(key)))
	copy(buf[2:], key)
	copy(buf[2+len(key):], payload)
	return buf
}

func decodeRecord(b []byte) (string, []byte, error) {
	if len(b) < 2 {
		return "", nil, ErrCorruptRecord
	}
	n := int(binary.BigEndian.Uint16(b[:2]))
	if len(b) < 2+n {
		return "", nil, ErrCorruptRecord
	}
	// pebble reuses the value buffer once the iterator moves
	payload := make([]byte, len(b)-2-n)
	copy(payload, b[2+n:])
	return string(b[2 : 2+n]), payload, nil
}
