// Copyright 2026 The DCPHub Authors
// SPDX-License-Identifier: Apache-2.0

package search

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/dcphub/dcphub/lib/archive"
	"github.com/dcphub/dcphub/lib/dcp"
	"github.com/dcphub/dcphub/lib/testutil"
)

func openStore(t *testing.T, capacity uint32) *archive.Store {
	t.Helper()
	store, err := archive.Open(archive.Config{
		Dir:            t.TempDir(),
		Capacity:       capacity,
		SegmentRecords: 64,
		Logger:         testutil.Logger(t),
	})
	if err != nil {
		t.Fatalf("archive.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func submit(t *testing.T, store *archive.Store, address string, eventTime time.Time, flags dcp.Flags) uint64 {
	t.Helper()
	record, err := store.Submit(context.Background(), dcp.StoredMessage{
		Address:     dcp.MustParseAddress(address),
		Payload:     []byte(fmt.Sprintf("%s %s", address, eventTime.Format(time.RFC3339))),
		ReceiveTime: eventTime,
		EventTime:   eventTime,
		Flags:       flags,
		Source:      1,
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	return record.Seq
}

// drain advances until EndOfArchive and returns the matched seqs and
// total reported loss.
func drain(t *testing.T, cursor *Cursor) (matched []uint64, skips []uint64) {
	t.Helper()
	for range 1_000_000 {
		result := cursor.Advance()
		switch result.Kind {
		case Match:
			matched = append(matched, result.Message.Seq)
		case Skipped:
			skips = append(skips, result.Lost)
		case EndOfArchive:
			return matched, skips
		}
	}
	t.Fatal("cursor never reached the end of the archive")
	return nil, nil
}

func TestCursorReportsOverwrittenMessagesOnce(t *testing.T) {
	store := openStore(t, 1000)
	cursor := NewCursorAt(store, Criteria{}, 0)
	defer cursor.Close()

	for i := 0; i < 1500; i++ {
		submit(t, store, "ABCD1234", now.Add(time.Duration(i)*time.Second), 0)
	}

	matched, skips := drain(t, cursor)
	if len(skips) != 1 || skips[0] != 500 {
		t.Fatalf("skips = %v, want one skip of 500", skips)
	}
	if len(matched) != 1000 {
		t.Fatalf("matched %d messages, want 1000", len(matched))
	}
	for i, seq := range matched {
		if seq != uint64(500+i) {
			t.Fatalf("match %d has seq %d, want %d", i, seq, 500+i)
		}
	}
}

func TestCursorCriteria(t *testing.T) {
	store := openStore(t, 256)

	var want []uint64
	for i := 0; i < 120; i++ {
		eventTime := now.Add(-2*time.Hour + time.Duration(i)*time.Minute)
		address := "ABCD1234"
		if i%3 == 0 {
			address = "11112222"
		}
		var flags dcp.Flags
		if i%10 == 0 {
			flags = dcp.FlagParityError
		}
		seq := submit(t, store, address, eventTime, flags)
		inWindow := !eventTime.Before(now.Add(-time.Hour)) && !eventTime.After(now)
		if address == "ABCD1234" && inWindow && flags == 0 {
			want = append(want, seq)
		}
	}

	criteria, err := Spec{
		Since:     "now - 1 hour",
		Until:     "now",
		Addresses: []string{"ABCD1234"},
		Parity:    "exclude",
	}.Resolve(now, nil)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	cursor := NewCursor(store, criteria)
	defer cursor.Close()
	matched, skips := drain(t, cursor)
	if len(skips) != 0 {
		t.Fatalf("unexpected skips %v", skips)
	}
	if fmt.Sprint(matched) != fmt.Sprint(want) {
		t.Fatalf("matched %v\nwant    %v", matched, want)
	}
}

func TestCursorResumesFromPosition(t *testing.T) {
	store := openStore(t, 64)
	for i := 0; i < 40; i++ {
		submit(t, store, "ABCD1234", now.Add(time.Duration(i)*time.Second), 0)
	}

	first := NewCursor(store, Criteria{})
	for i := 0; i < 15; i++ {
		if result := first.Advance(); result.Kind != Match {
			t.Fatalf("advance %d kind = %v", i, result.Kind)
		}
	}
	position := first.Position()
	first.Close()

	resumed := NewCursor(store, Criteria{})
	defer resumed.Close()
	resumed.Seek(position)
	result := resumed.Advance()
	if result.Kind != Match || result.Message.Seq != 15 {
		t.Fatalf("resumed at %v seq %d, want match of seq 15", result.Kind, result.Message.Seq)
	}
	if result.Position != position {
		t.Fatalf("matched position %v, want %v", result.Position, position)
	}
}

func TestCursorResumeAfterOverwriteSkips(t *testing.T) {
	store := openStore(t, 64)
	for i := 0; i < 10; i++ {
		submit(t, store, "ABCD1234", now, 0)
	}
	cursor := NewCursor(store, Criteria{})
	cursor.Advance()
	position := cursor.Position() // seq 1
	cursor.Close()

	for i := 0; i < 100; i++ {
		submit(t, store, "ABCD1234", now, 0)
	}

	resumed := NewCursor(store, Criteria{})
	defer resumed.Close()
	resumed.Seek(position)
	result := resumed.Advance()
	// Writes reached seq 110; the live window starts at 46.
	if result.Kind != Skipped || result.Lost != 45 {
		t.Fatalf("result = %v lost %d, want skipped 45", result.Kind, result.Lost)
	}
	if next := resumed.Advance(); next.Kind != Match || next.Message.Seq != 46 {
		t.Fatalf("after skip: %v seq %d", next.Kind, next.Message.Seq)
	}
}

func TestCursorSetCriteriaKeepsPosition(t *testing.T) {
	store := openStore(t, 64)
	for i := 0; i < 6; i++ {
		address := "ABCD1234"
		if i%2 == 1 {
			address = "11112222"
		}
		submit(t, store, address, now, 0)
	}

	cursor := NewCursor(store, Criteria{})
	defer cursor.Close()
	cursor.Advance()
	cursor.Advance()

	cursor.SetCriteria(Criteria{Addresses: roaring.BitmapOf(uint32(dcp.MustParseAddress("11112222")))})
	matched, _ := drain(t, cursor)
	if fmt.Sprint(matched) != "[3 5]" {
		t.Fatalf("matched %v, want [3 5]", matched)
	}

	cursor.Reset()
	if cursor.Seq() != 0 {
		t.Fatalf("Reset moved to %d, want 0", cursor.Seq())
	}
}

func TestCursorEndOfArchiveThenNewData(t *testing.T) {
	store := openStore(t, 64)
	cursor := NewCursor(store, Criteria{})
	defer cursor.Close()

	if result := cursor.Advance(); result.Kind != EndOfArchive {
		t.Fatalf("empty archive: %v", result.Kind)
	}
	notify := store.Notify()
	submit(t, store, "ABCD1234", now, 0)
	testutil.RequireClosed(t, notify, time.Second, "notify")
	if result := cursor.Advance(); result.Kind != Match {
		t.Fatalf("after submit: %v", result.Kind)
	}
}

// burstSource submits a burst of messages right after the first
// ReadAt, so the cursor's Fetch sees the archive as it is after them.
type burstSource struct {
	*archive.Store
	t     *testing.T
	burst int
}

func (s *burstSource) ReadAt(seq uint64) archive.ReadResult {
	result := s.Store.ReadAt(seq)
	for ; s.burst > 0; s.burst-- {
		submit(s.t, s.Store, "ABCD1234", now, 0)
	}
	return result
}

func TestCursorResyncsWhenSegmentReclaimedBeforeFetch(t *testing.T) {
	// A window of 10 spans 3 segments of 5; MaxSegments defaults to 6.
	store, err := archive.Open(archive.Config{
		Dir:            t.TempDir(),
		Capacity:       10,
		SegmentRecords: 5,
		Logger:         testutil.Logger(t),
	})
	if err != nil {
		t.Fatalf("archive.Open: %v", err)
	}
	defer store.Close()

	submit(t, store, "ABCD1234", now, 0)
	// Seqs 1..30: seq 30 opens segment 6, the seventh retained, and the
	// pinned segment 0 is reclaimed anyway.
	source := &burstSource{Store: store, t: t, burst: 30}
	cursor := NewCursorAt(source, Criteria{}, 0)
	defer cursor.Close()

	result := cursor.Advance()
	if result.Kind != Skipped {
		t.Fatalf("result = %v, want skipped", result.Kind)
	}
	if result.Err != nil {
		t.Fatalf("Err = %v, want nil for an overwrite", result.Err)
	}
	// Writes reached seq 31; the live window starts at 21.
	if result.Lost != 21 {
		t.Fatalf("Lost = %d, want 21", result.Lost)
	}
	if want := (dcp.Position{Generation: 2, Slot: 1}); result.Position != want {
		t.Fatalf("Position = %v, want %v", result.Position, want)
	}
	if got := store.Stats().ForcedReclaims; got != 1 {
		t.Fatalf("ForcedReclaims = %d, want 1", got)
	}
	if next := cursor.Advance(); next.Kind != Match || next.Message.Seq != 21 {
		t.Fatalf("after resync: %v seq %d", next.Kind, next.Message.Seq)
	}
}

func TestCursorSkipsUnreadableRecord(t *testing.T) {
	dir := t.TempDir()
	store, err := archive.Open(archive.Config{
		Dir:            dir,
		Capacity:       64,
		SegmentRecords: 64,
		Logger:         testutil.Logger(t),
	})
	if err != nil {
		t.Fatalf("archive.Open: %v", err)
	}
	defer store.Close()

	for i := 0; i < 3; i++ {
		submit(t, store, "ABCD1234", now.Add(time.Duration(i)*time.Second), 0)
	}

	// Damage the body of seq 1 in place.
	damaged := store.ReadAt(1).Record
	file, err := os.OpenFile(filepath.Join(dir, fmt.Sprintf("seg-%08d.dat", damaged.Segment)), os.O_RDWR, 0)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	offset := int64(damaged.Offset) + int64(damaged.Length) - 1
	original := make([]byte, 1)
	if _, err := file.ReadAt(original, offset); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if _, err := file.WriteAt([]byte{original[0] ^ 0xff}, offset); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	file.Close()

	cursor := NewCursorAt(store, Criteria{}, 0)
	defer cursor.Close()

	if result := cursor.Advance(); result.Kind != Match || result.Message.Seq != 0 {
		t.Fatalf("first: %v seq %d", result.Kind, result.Message.Seq)
	}
	result := cursor.Advance()
	if result.Kind != Skipped || result.Lost != 1 || result.Err == nil {
		t.Fatalf("damaged record: %v lost %d err %v, want skipped 1 with an error", result.Kind, result.Lost, result.Err)
	}
	if errors.Is(result.Err, archive.ErrOverwritten) {
		t.Fatalf("Err = %v, want a read failure", result.Err)
	}
	if want := (dcp.Position{Slot: 2}); result.Position != want {
		t.Fatalf("Position = %v, want %v", result.Position, want)
	}
	if next := cursor.Advance(); next.Kind != Match || next.Message.Seq != 2 {
		t.Fatalf("after skip: %v seq %d", next.Kind, next.Message.Seq)
	}
}
