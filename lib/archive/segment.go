// Copyright 2026 The DCPHub Authors
// SPDX-License-Identifier: Apache-2.0

package archive

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/zeebo/blake3"

	"github.com/dcphub/dcphub/lib/codec"
	"github.com/dcphub/dcphub/lib/dcp"
)

const (
	recordMagic       = "DCPS"
	recordVersion     = 1
	recordHeaderSize  = 24
	recordChecksumLen = 16
	recordPrefixSize  = recordHeaderSize + recordChecksumLen

	// maxRecordBody bounds the body length accepted while scanning, so
	// a garbage length field cannot trigger a huge allocation.
	maxRecordBody = 16 << 20
)

// errTornRecord marks a segment record that is incomplete or fails
// verification. Recovery truncates the segment at such a record.
var errTornRecord = errors.New("archive: torn record")

// segment is one data file. Records are appended in seq order, so a
// segment covers the contiguous range [firstSeq, firstSeq+count).
// Fields other than file are guarded by Store.mu once the segment is
// published.
type segment struct {
	id       uint32
	firstSeq uint64
	count    int
	size     int64
	file     storageFile
}

func (s *segment) lastSeq() uint64 { return s.firstSeq + uint64(s.count) - 1 }

func segmentName(id uint32) string { return fmt.Sprintf("seg-%08d.dat", id) }

func parseSegmentName(name string) (uint32, bool) {
	if !strings.HasPrefix(name, "seg-") || !strings.HasSuffix(name, ".dat") {
		return 0, false
	}
	id, err := strconv.ParseUint(strings.TrimSuffix(strings.TrimPrefix(name, "seg-"), ".dat"), 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(id), true
}

// recordHeader is the fixed-size prefix of a segment record:
//
//	0  magic "DCPS"
//	4  version
//	5  compression
//	6  reserved
//	8  seq
//	16 body length
//	20 uncompressed payload length
type recordHeader struct {
	compression Compression
	seq         uint64
	bodyLength  uint32
	rawLength   uint32
}

// recordBody is the CBOR body of a segment record. Seq lives in the
// header; flags here are the flags at acceptance time.
type recordBody struct {
	Address      dcp.Address    `cbor:"address"`
	CarrierStart time.Time      `cbor:"carrier_start"`
	ReceiveTime  time.Time      `cbor:"receive_time"`
	EventTime    time.Time      `cbor:"event_time"`
	Flags        dcp.Flags      `cbor:"flags"`
	Source       dcp.SourceID   `cbor:"source"`
	ProducerSeq  uint64         `cbor:"producer_seq,omitempty"`
	Channel      uint16         `cbor:"channel,omitempty"`
	Spacecraft   dcp.Spacecraft `cbor:"spacecraft,omitempty"`
	Payload      []byte         `cbor:"payload"`
}

// encodeRecord builds the on-disk form of message.
func encodeRecord(message dcp.StoredMessage, compression Compression) ([]byte, error) {
	payload, used, err := compressPayload(message.Payload, compression)
	if err != nil {
		return nil, err
	}
	body, err := codec.Marshal(recordBody{
		Address:      message.Address,
		CarrierStart: message.CarrierStart,
		ReceiveTime:  message.ReceiveTime,
		EventTime:    message.EventTime,
		Flags:        message.Flags,
		Source:       message.Source,
		ProducerSeq:  message.ProducerSeq,
		Channel:      message.Channel,
		Spacecraft:   message.Spacecraft,
		Payload:      payload,
	})
	if err != nil {
		return nil, fmt.Errorf("archive: encoding record %d: %w", message.Seq, err)
	}
	if len(body) > maxRecordBody {
		return nil, fmt.Errorf("archive: record %d body of %d bytes exceeds limit", message.Seq, len(body))
	}

	record := make([]byte, recordPrefixSize+len(body))
	copy(record[0:4], recordMagic)
	record[4] = recordVersion
	record[5] = byte(used)
	binary.BigEndian.PutUint64(record[8:], message.Seq)
	binary.BigEndian.PutUint32(record[16:], uint32(len(body)))
	binary.BigEndian.PutUint32(record[20:], uint32(len(message.Payload)))
	copy(record[recordPrefixSize:], body)

	sum := recordChecksum(record[:recordHeaderSize], body)
	copy(record[recordHeaderSize:recordPrefixSize], sum)
	return record, nil
}

func recordChecksum(header, body []byte) []byte {
	hasher := blake3.New()
	hasher.Write(header)
	hasher.Write(body)
	return hasher.Sum(nil)[:recordChecksumLen]
}

func parseRecordHeader(prefix []byte) (recordHeader, error) {
	if string(prefix[0:4]) != recordMagic {
		return recordHeader{}, fmt.Errorf("%w: bad magic", errTornRecord)
	}
	if prefix[4] != recordVersion {
		return recordHeader{}, fmt.Errorf("%w: unknown version %d", errTornRecord, prefix[4])
	}
	header := recordHeader{
		compression: Compression(prefix[5]),
		seq:         binary.BigEndian.Uint64(prefix[8:]),
		bodyLength:  binary.BigEndian.Uint32(prefix[16:]),
		rawLength:   binary.BigEndian.Uint32(prefix[20:]),
	}
	if header.bodyLength > maxRecordBody {
		return recordHeader{}, fmt.Errorf("%w: body length %d", errTornRecord, header.bodyLength)
	}
	return header, nil
}

// decodeRecord verifies and decodes a complete record.
func decodeRecord(record []byte) (recordHeader, dcp.StoredMessage, error) {
	if len(record) < recordPrefixSize {
		return recordHeader{}, dcp.StoredMessage{}, fmt.Errorf("%w: %d bytes", errTornRecord, len(record))
	}
	header, err := parseRecordHeader(record)
	if err != nil {
		return recordHeader{}, dcp.StoredMessage{}, err
	}
	if len(record) != recordPrefixSize+int(header.bodyLength) {
		return recordHeader{}, dcp.StoredMessage{}, fmt.Errorf("%w: length %d does not match header", errTornRecord, len(record))
	}
	body := record[recordPrefixSize:]
	if !bytes.Equal(recordChecksum(record[:recordHeaderSize], body), record[recordHeaderSize:recordPrefixSize]) {
		return recordHeader{}, dcp.StoredMessage{}, fmt.Errorf("%w: checksum mismatch", errTornRecord)
	}

	var decoded recordBody
	if err := codec.Unmarshal(body, &decoded); err != nil {
		return recordHeader{}, dcp.StoredMessage{}, fmt.Errorf("%w: %v", errTornRecord, err)
	}
	payload, err := decompressPayload(decoded.Payload, header.compression, int(header.rawLength))
	if err != nil {
		return recordHeader{}, dcp.StoredMessage{}, fmt.Errorf("%w: %v", errTornRecord, err)
	}

	return header, dcp.StoredMessage{
		Seq:          header.seq,
		Address:      decoded.Address,
		Payload:      payload,
		CarrierStart: decoded.CarrierStart,
		ReceiveTime:  decoded.ReceiveTime,
		EventTime:    decoded.EventTime,
		Flags:        decoded.Flags,
		Source:       decoded.Source,
		ProducerSeq:  decoded.ProducerSeq,
		Channel:      decoded.Channel,
		Spacecraft:   decoded.Spacecraft,
	}, nil
}

// readRecordAt reads the record starting at offset. Returns io.EOF
// when offset is exactly the end of the file, and errTornRecord when
// a record starts there but is incomplete or invalid.
func readRecordAt(file storageFile, offset int64) ([]byte, recordHeader, dcp.StoredMessage, error) {
	prefix := make([]byte, recordPrefixSize)
	n, err := file.ReadAt(prefix, offset)
	if n == 0 && errors.Is(err, io.EOF) {
		return nil, recordHeader{}, dcp.StoredMessage{}, io.EOF
	}
	if n < recordPrefixSize {
		if err == nil || errors.Is(err, io.EOF) {
			return nil, recordHeader{}, dcp.StoredMessage{}, fmt.Errorf("%w: short header at offset %d", errTornRecord, offset)
		}
		return nil, recordHeader{}, dcp.StoredMessage{}, err
	}
	header, err := parseRecordHeader(prefix)
	if err != nil {
		return nil, recordHeader{}, dcp.StoredMessage{}, err
	}

	record := make([]byte, recordPrefixSize+int(header.bodyLength))
	copy(record, prefix)
	n, err = file.ReadAt(record[recordPrefixSize:], offset+recordPrefixSize)
	if n < int(header.bodyLength) {
		if err == nil || errors.Is(err, io.EOF) {
			return nil, recordHeader{}, dcp.StoredMessage{}, fmt.Errorf("%w: short body at offset %d", errTornRecord, offset)
		}
		return nil, recordHeader{}, dcp.StoredMessage{}, err
	}
	header, message, err := decodeRecord(record)
	if err != nil {
		return nil, recordHeader{}, dcp.StoredMessage{}, err
	}
	return record, header, message, nil
}
