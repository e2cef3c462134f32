package joold

import (
	"testing"

	"github.com/nat64io/nat64d/pkg/nat64"
)

func testSession(t *testing.T) nat64.SessionEntry {
	t.Helper()
	var se nat64.SessionEntry
	for field, s := range map[*nat64.TransportAddr]string{
		&se.Src6: "2001:db8::1#40000",
		&se.Dst6: "64:ff9b::203.0.113.7#80",
		&se.Src4: "192.0.2.1#1000",
		&se.Dst4: "203.0.113.7#80",
	} {
		if err := field.UnmarshalText([]byte(s)); err != nil {
			t.Fatalf("bad address %q: %v", s, err)
		}
	}
	se.Proto = nat64.TCP
	se.State = nat64.Established
	se.Timer = nat64.TimerEst
	se.UpdateTime = 90_000
	return se
}

func TestRecordRoundTripTranslatesClock(t *testing.T) {
	se := testSession(t)

	buf := make([]byte, recordSize)
	encodeRecord(buf, se, 100_000) // the session is 10s old

	// The receiving clock reads 500s.
	got, err := decodeRecord(buf, 500_000)
	if err != nil {
		t.Fatalf("decodeRecord: %v", err)
	}
	if got.UpdateTime != 490_000 {
		t.Fatalf("UpdateTime = %d, want 490000 (10s before the local clock)", got.UpdateTime)
	}

	got.UpdateTime = se.UpdateTime
	if got != se {
		t.Fatalf("round trip mismatch:\n got %+v\nwant %+v", got, se)
	}
}

func TestDecodeRejectsBadProto(t *testing.T) {
	buf := make([]byte, recordSize)
	buf[0] = 99
	if _, err := decodeRecord(buf, 1000); err == nil {
		t.Fatalf("decoded a record with protocol 99")
	}
}

func TestFrameSizing(t *testing.T) {
	// The default frame carries whole records and stays under the MTU
	// budget.
	n := recordsPerFrame(DefaultFrameSize)
	if n < 1 {
		t.Fatalf("default frame fits no records")
	}
	if headerSize+n*recordSize > DefaultFrameSize {
		t.Fatalf("frame of %d records overflows %d bytes", n, DefaultFrameSize)
	}
	if headerSize+(n+1)*recordSize <= DefaultFrameSize {
		t.Fatalf("frame wastes a record slot")
	}

	// Degenerate sizes still move one record at a time.
	if recordsPerFrame(10) != 1 {
		t.Fatalf("tiny frame size broke the floor")
	}
}

func TestHeaderRoundTrip(t *testing.T) {
	buf := make([]byte, headerSize)
	putHeader(buf, msgSessions, 17)
	typ, count, err := parseHeader(buf)
	if err != nil {
		t.Fatalf("parseHeader: %v", err)
	}
	if typ != msgSessions || count != 17 {
		t.Fatalf("parseHeader = (%d, %d)", typ, count)
	}

	buf[0] = 'X'
	if _, _, err := parseHeader(buf); err == nil {
		t.Fatalf("accepted a bad magic")
	}
}
