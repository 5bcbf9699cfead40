package slcan

import (
	"bufio"
	"context"
	"encoding/hex"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"cia402.dev/motor/canopen"
)

// fakeAdapter is a net.Pipe-backed stand-in for a real SLCAN USB-CAN
// adapter: it answers "S"/"O"/"C" handshake lines silently and otherwise
// hands received "t" lines to a test-supplied handler, mirroring
// mjolnir/driver_test.go's use of an in-process fake instead of real
// hardware.
type fakeAdapter struct {
	conn   net.Conn
	reader *bufio.Reader
}

func newFakeAdapter(t *testing.T, handle func(line string, reply func(string))) (*Node, *fakeAdapter) {
	t.Helper()
	client, server := net.Pipe()
	fa := &fakeAdapter{conn: server, reader: bufio.NewReader(server)}

	go func() {
		for {
			line, err := fa.reader.ReadString('\r')
			if err != nil {
				return
			}
			line = line[:len(line)-1]
			if line == "" || line[0] == 'S' || line == "O" || line == "C" {
				continue
			}
			handle(line, func(resp string) {
				fa.conn.Write([]byte(resp + "\r"))
			})
		}
	}()

	n, err := wrap(client, Config{NodeID: 1, ResponseTimeout: time.Second})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { n.Close() })
	return n, fa
}

func TestSDOReadExpeditedUpload(t *testing.T) {
	n, _ := newFakeAdapter(t, func(line string, reply func(string)) {
		if !strings.HasPrefix(line, "t601") {
			return
		}
		// Expedited upload response, 2-byte value 0x0027 (statusword).
		reply(fmt.Sprintf("t581%d%s", 8, hex.EncodeToString([]byte{0x4b, 0x41, 0x60, 0x00, 0x27, 0x00, 0x00, 0x00})))
	})

	raw, err := n.SDORead(context.Background(), 0x6041, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(raw) != 2 || raw[0] != 0x27 || raw[1] != 0x00 {
		t.Errorf("raw = %#v, want [0x27 0x00]", raw)
	}
}

func TestSDOWriteExpeditedDownload(t *testing.T) {
	var gotIndex, gotSubindex, gotPayload string
	n, _ := newFakeAdapter(t, func(line string, reply func(string)) {
		if !strings.HasPrefix(line, "t601") {
			return
		}
		gotIndex = line[9:11] + line[7:9]
		gotSubindex = line[11:13]
		gotPayload = line[13:21]
		reply(fmt.Sprintf("t581%d%s", 8, hex.EncodeToString([]byte{0x60, 0, 0, 0, 0, 0, 0, 0})))
	})

	if err := n.SDOWrite(context.Background(), 0x6040, 0, []byte{0x0F, 0x00}); err != nil {
		t.Fatal(err)
	}
	if gotIndex != "6040" {
		t.Errorf("index = %s, want 6040", gotIndex)
	}
	if gotSubindex != "00" {
		t.Errorf("subindex = %s, want 00", gotSubindex)
	}
	if gotPayload != "0f000000" {
		t.Errorf("payload = %s, want 0f000000", gotPayload)
	}
}

func TestSetNMTStateWritesCommandFrame(t *testing.T) {
	done := make(chan string, 1)
	n, _ := newFakeAdapter(t, func(line string, reply func(string)) {
		if strings.HasPrefix(line, "t000") {
			done <- line
		}
	})

	if err := n.SetNMTState(context.Background(), canopen.Operational); err != nil {
		t.Fatal(err)
	}
	select {
	case line := <-done:
		if line != "t00020101" {
			t.Errorf("nmt frame = %s, want t00020101", line)
		}
	case <-time.After(time.Second):
		t.Fatal("no NMT frame observed")
	}
}

func TestTPDODeliversInboundFrame(t *testing.T) {
	n, fa := newFakeAdapter(t, func(line string, reply func(string)) {})

	handle, err := n.TPDO(1)
	if err != nil {
		t.Fatal(err)
	}
	if err := handle.AddVariable(0x6041, 0); err != nil {
		t.Fatal(err)
	}

	received := make(chan canopen.Frame, 1)
	handle.AddCallback(func(f canopen.Frame) { received <- f })

	// TPDO1 for node 1 is COB-ID 0x181.
	fa.conn.Write([]byte(fmt.Sprintf("t181%d%s\r", 2, hex.EncodeToString([]byte{0x08, 0x00}))))

	select {
	case f := <-received:
		if len(f.Variables) != 1 || f.Variables[0].Int() != 0x08 {
			t.Errorf("frame = %+v, want one variable = 0x08", f)
		}
	case <-time.After(time.Second):
		t.Fatal("callback not invoked")
	}
}

func TestRPDOTransmitsStagedPayload(t *testing.T) {
	sent := make(chan string, 1)
	n, _ := newFakeAdapter(t, func(line string, reply func(string)) {
		if strings.HasPrefix(line, "t201") {
			sent <- line
		}
	})

	handle, err := n.RPDO(1)
	if err != nil {
		t.Fatal(err)
	}
	if err := handle.AddVariable(0x607A, 0); err != nil {
		t.Fatal(err)
	}
	if err := handle.SetEntry(0x607A, 0, []byte{0xE8, 0x03, 0x00, 0x00}); err != nil {
		t.Fatal(err)
	}
	if err := handle.Transmit(); err != nil {
		t.Fatal(err)
	}

	select {
	case line := <-sent:
		if line != "t2014e8030000" {
			t.Errorf("rpdo frame = %s, want t2014e8030000", line)
		}
	case <-time.After(time.Second):
		t.Fatal("no RPDO frame observed")
	}
}
