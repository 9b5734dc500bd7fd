package repl

import (
	"testing"

	"row-to-column/repl/repltest"

	"github.com/jackc/pglogrepl"
)

func walMsg(lsn pglogrepl.LSN, data []byte) Message {
	return Message{LSN: lsn, Data: data}
}

func TestSplitComplete(t *testing.T) {
	msgs := []Message{
		walMsg(10, repltest.Begin(1, 30)),
		walMsg(20, repltest.Insert(7, repltest.Text("1"))),
		walMsg(30, repltest.Commit(30, 31)),
		walMsg(40, repltest.Begin(2, 60)),
		walMsg(50, repltest.Insert(7, repltest.Text("2"))),
	}

	complete, tail := splitComplete(msgs)
	if len(complete) != 3 || len(tail) != 2 {
		t.Fatalf("expected 3/2 split, got %d/%d", len(complete), len(tail))
	}
	if tail[0].LSN != 40 {
		t.Errorf("tail should start at the open begin, got %s", tail[0].LSN)
	}

	complete, tail = splitComplete(msgs[3:])
	if len(complete) != 0 || len(tail) != 2 {
		t.Errorf("expected nothing complete without a commit, got %d/%d", len(complete), len(tail))
	}

	if !hasCommit(msgs) || hasCommit(msgs[3:]) {
		t.Errorf("hasCommit disagrees with split")
	}
}

func TestDropAcked(t *testing.T) {
	msgs := []Message{walMsg(10, nil), walMsg(20, nil), walMsg(31, nil), walMsg(40, nil), walMsg(61, nil)}

	tests := []struct {
		name string
		lsn  pglogrepl.LSN
		want int
	}{
		{"exact commit", 31, 2},
		{"everything", 61, 0},
		{"between positions", 35, 2},
		{"nothing", 5, 5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := dropAcked(msgs, tt.lsn); len(got) != tt.want {
				t.Errorf("dropAcked(%s) left %d messages, want %d", tt.lsn, len(got), tt.want)
			}
		})
	}
}

func TestNewBatchEnd(t *testing.T) {
	b := newBatch([]Message{walMsg(10, nil), walMsg(42, nil)})
	if b.End != 42 || b.Empty() {
		t.Errorf("unexpected batch: %+v", b)
	}
	if !newBatch(nil).Empty() {
		t.Errorf("nil batch should be empty")
	}
}
