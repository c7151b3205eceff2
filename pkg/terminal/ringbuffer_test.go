package terminal

import (
	"bytes"
	"testing"

	"github.com/cuemby/sentryd/pkg/agenterrors"
)

func TestRingBufferEvictsOldestAndReportsDataLost(t *testing.T) {
	buf := NewRingBuffer(10)

	buf.Write([]byte("hello"))
	if buf.TotalWritten() != 5 {
		t.Fatalf("TotalWritten = %d, want 5", buf.TotalWritten())
	}
	got, err := buf.ReadFrom(0)
	if err != nil || !bytes.Equal(got, []byte("hello")) {
		t.Fatalf("ReadFrom(0) = %q, %v", got, err)
	}

	buf.Write([]byte("world!"))
	if buf.TotalWritten() != 11 {
		t.Fatalf("TotalWritten = %d, want 11", buf.TotalWritten())
	}
	got, err = buf.ReadFrom(1)
	if err != nil || !bytes.Equal(got, []byte("elloworld!")) {
		t.Fatalf("ReadFrom(1) = %q, %v", got, err)
	}

	_, err = buf.ReadFrom(0)
	lost, ok := err.(*agenterrors.DataLost)
	if !ok {
		t.Fatalf("ReadFrom(0) after eviction: err = %v, want *DataLost", err)
	}
	if lost.Requested != 0 || lost.OldestAvailable != 1 {
		t.Errorf("DataLost = %+v, want Requested=0 OldestAvailable=1", lost)
	}
}

func TestRingBufferNoDataLossUnderCapacity(t *testing.T) {
	buf := NewRingBuffer(100)

	buf.Write([]byte("test"))
	if buf.OldestAvailableCursor() != 0 {
		t.Errorf("OldestAvailableCursor = %d, want 0", buf.OldestAvailableCursor())
	}
	if got, err := buf.ReadFrom(0); err != nil || string(got) != "test" {
		t.Errorf("ReadFrom(0) = %q, %v", got, err)
	}
	if got, err := buf.ReadFrom(2); err != nil || string(got) != "st" {
		t.Errorf("ReadFrom(2) = %q, %v", got, err)
	}
}

func TestRingBufferCursorTooLarge(t *testing.T) {
	buf := NewRingBuffer(10)
	buf.Write([]byte("hi"))

	if _, err := buf.ReadFrom(100); err != agenterrors.ErrCursorTooLarge {
		t.Errorf("ReadFrom(100) err = %v, want ErrCursorTooLarge", err)
	}
}

func TestRingBufferReadFromNeverExceedsTotalWritten(t *testing.T) {
	buf := NewRingBuffer(5)
	buf.Write([]byte("abcdefghij")) // wraps twice

	got, err := buf.ReadFrom(buf.TotalWritten())
	if err != nil {
		t.Fatalf("ReadFrom(current): %v", err)
	}
	if len(got) != 0 {
		t.Errorf("ReadFrom(current) = %q, want empty", got)
	}
}
