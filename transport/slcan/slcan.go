// Package slcan is a reference canopen.Transport implementation speaking
// the ASCII SLCAN protocol common USB-CAN adapters (Lawicel-compatible)
// expose over a serial line. It covers CiA-301 SDO expedited
// upload/download (every dictionary entry this module's spec names is
// at most 4 bytes, spec.md §6) and the predefined-connection-set COB-IDs
// for TPDO/RPDO 1-4, which is all spec.md's EXTERNAL INTERFACES
// transport contract (§6) requires of a CANopen library.
//
// Grounded on mjolnir.Open's device-probing shape (OS-specific
// /dev/ttyUSB*/COM* candidates, serial.Config{Name, Baud}) and
// driver/mjolnir/driver.go:Engrave's write-mutex-protected
// request/response loop over a buffered reader, generalized here from a
// single proprietary engraver protocol to generic CANopen SDO framing.
package slcan

import (
	"bufio"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"runtime"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tarm/serial"

	"cia402.dev/motor/canopen"
)

var log = logrus.WithField("component", "transport/slcan")

// ErrNoDevice mirrors mjolnir.Open's "no device specified" failure mode
// when no candidate serial port could be opened.
var ErrNoDevice = errors.New("slcan: no candidate device could be opened")

// Config configures a Node.
type Config struct {
	// Device is the serial port path. Empty probes OS-specific
	// candidates, the same shape as mjolnir.Open.
	Device string
	// Baud is the serial line's baud rate (the USB-CAN adapter's own
	// baud rate, independent of the CAN bitrate configured over SLCAN).
	Baud int
	// NodeID is this module's CANopen node ID (1-127).
	NodeID uint8
	// BitrateCode is the SLCAN "Sn" bus-bitrate selector (0 = 10 kbit/s
	// ... 8 = 1 Mbit/s per the Lawicel convention); 6 selects 500 kbit/s.
	BitrateCode byte
	// Dictionary resolves a symbolic or numeric name to a canonical
	// slot. Parsing an electronic data sheet is out of scope (spec.md
	// §1); callers supply the mapping this reference transport needs.
	Dictionary map[string]canopen.Slot
	// ResponseTimeout bounds how long SDORead/SDOWrite wait for a
	// matching response frame absent an earlier ctx deadline.
	ResponseTimeout time.Duration
}

func probe(explicit string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	switch runtime.GOOS {
	case "windows":
		return "COM3", nil
	case "linux":
		return "/dev/ttyUSB0", nil
	default:
		return "", ErrNoDevice
	}
}

// Node is a canopen.Transport over one SLCAN serial connection.
type Node struct {
	port io.ReadWriteCloser
	cfg  Config

	writeMu sync.Mutex
	bw      *bufio.Writer

	mu      sync.Mutex
	waiters map[uint32]chan frame
	tpdos   map[int]*tpdoHandle
	rpdos   map[int]*rpdoHandle
}

// Open opens a SLCAN adapter per cfg, sets the requested bus bitrate and
// opens the channel (the SLCAN "Sn" then "O" commands), and starts the
// background frame dispatcher.
func Open(cfg Config) (*Node, error) {
	dev, err := probe(cfg.Device)
	if err != nil {
		return nil, err
	}
	baud := cfg.Baud
	if baud == 0 {
		baud = 115200
	}
	port, err := serial.OpenPort(&serial.Config{Name: dev, Baud: baud})
	if err != nil {
		return nil, fmt.Errorf("slcan: open %s: %w", dev, err)
	}
	return wrap(port, cfg)
}

// wrap drives the SLCAN handshake (set bitrate, open channel) and starts
// the dispatcher over an already-open connection. Factored out of Open
// so tests can substitute a net.Pipe-backed fake for a real serial port.
func wrap(port io.ReadWriteCloser, cfg Config) (*Node, error) {
	if cfg.ResponseTimeout == 0 {
		cfg.ResponseTimeout = time.Second
	}
	n := &Node{
		port:    port,
		cfg:     cfg,
		bw:      bufio.NewWriter(port),
		waiters: map[uint32]chan frame{},
		tpdos:   map[int]*tpdoHandle{},
		rpdos:   map[int]*rpdoHandle{},
	}
	if err := n.writeLine(fmt.Sprintf("S%X", cfg.BitrateCode)); err != nil {
		port.Close()
		return nil, err
	}
	if err := n.writeLine("O"); err != nil {
		port.Close()
		return nil, err
	}
	go n.dispatch(bufio.NewReader(port))
	return n, nil
}

func (n *Node) writeLine(s string) error {
	n.writeMu.Lock()
	defer n.writeMu.Unlock()
	if _, err := n.bw.WriteString(s); err != nil {
		return err
	}
	if err := n.bw.WriteByte('\r'); err != nil {
		return err
	}
	return n.bw.Flush()
}

// frame is one decoded SLCAN "t" (standard data) line.
type frame struct {
	cobID uint32
	data  []byte
}

// dispatch reads SLCAN lines until the port closes, routing SDO
// responses to their waiter and PDO frames to configured callbacks.
func (n *Node) dispatch(r *bufio.Reader) {
	for {
		line, err := r.ReadString('\r')
		if err != nil {
			return
		}
		line = line[:len(line)-1]
		f, ok := parseFrame(line)
		if !ok {
			continue
		}
		n.route(f)
	}
}

func parseFrame(line string) (frame, bool) {
	if len(line) < 5 || line[0] != 't' {
		return frame{}, false
	}
	var cobID uint32
	if _, err := fmt.Sscanf(line[1:4], "%03X", &cobID); err != nil {
		return frame{}, false
	}
	dlc := int(line[4] - '0')
	if dlc < 0 || dlc > 8 || len(line) < 5+dlc*2 {
		return frame{}, false
	}
	data, err := hex.DecodeString(line[5 : 5+dlc*2])
	if err != nil {
		return frame{}, false
	}
	return frame{cobID: cobID, data: data}, true
}

func (n *Node) route(f frame) {
	n.mu.Lock()
	waiter, ok := n.waiters[f.cobID]
	n.mu.Unlock()
	if ok {
		select {
		case waiter <- f:
		default:
		}
		return
	}
	n.mu.Lock()
	for num, h := range n.tpdos {
		if h.cobID() == f.cobID {
			n.mu.Unlock()
			h.deliver(num, f)
			return
		}
	}
	n.mu.Unlock()
}

func (n *Node) transmit(f frame) error {
	return n.writeLine(fmt.Sprintf("t%03X%d%s", f.cobID, len(f.data), hex.EncodeToString(f.data)))
}

// registerWaiter reserves cobID's reply channel before the request goes
// out, so a reply the dispatcher reads immediately after the request is
// never dropped for lack of a listener.
func (n *Node) registerWaiter(cobID uint32) (ch chan frame, cancel func()) {
	ch = make(chan frame, 1)
	n.mu.Lock()
	n.waiters[cobID] = ch
	n.mu.Unlock()
	return ch, func() {
		n.mu.Lock()
		delete(n.waiters, cobID)
		n.mu.Unlock()
	}
}

// request transmits f then waits for a reply on replyCobID, the shared
// request/wait/transmit shape behind both SDORead and SDOWrite.
func (n *Node) request(ctx context.Context, f frame, replyCobID uint32) (frame, error) {
	ch, cancel := n.registerWaiter(replyCobID)
	defer cancel()

	if err := n.transmit(f); err != nil {
		return frame{}, err
	}

	timer := time.NewTimer(n.cfg.ResponseTimeout)
	defer timer.Stop()
	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		return frame{}, ctx.Err()
	case <-timer.C:
		return frame{}, fmt.Errorf("slcan: timed out waiting for COB-ID %#03x", replyCobID)
	}
}

// SDO request/response command-specifier bytes (CiA-301 §7.2.4).
const (
	csInitiateDownload        = 0x23 // e=1,s=1, size in bits 2-3
	csInitiateDownloadResp    = 0x60
	csInitiateUploadReq       = 0x40
	csInitiateUploadRespShift = 0x43 // e=1,s=1, size in bits 2-3
)

// Find implements canopen.Dictionary against cfg.Dictionary (spec.md §6:
// object-dictionary parsing from an EDS file is out of scope).
func (n *Node) Find(nameOrIndex any, subindex any) (uint16, uint8, error) {
	name, ok := nameOrIndex.(string)
	if !ok {
		return 0, 0, fmt.Errorf("slcan: unsupported name type %T", nameOrIndex)
	}
	slot, ok := n.cfg.Dictionary[name]
	if !ok {
		return 0, 0, fmt.Errorf("slcan: no dictionary entry %q", name)
	}
	sub := slot.Subindex
	switch s := subindex.(type) {
	case uint8:
		if s != 0 {
			sub = s
		}
	case int:
		if s != 0 {
			sub = uint8(s)
		}
	}
	return slot.Index, sub, nil
}

// SDORead performs an expedited CANopen SDO upload.
func (n *Node) SDORead(ctx context.Context, index uint16, subindex uint8) ([]byte, error) {
	reqID := 0x600 + uint32(n.cfg.NodeID)
	respID := 0x580 + uint32(n.cfg.NodeID)
	data := [8]byte{csInitiateUploadReq, byte(index), byte(index >> 8), subindex}
	resp, err := n.request(ctx, frame{cobID: reqID, data: data[:]}, respID)
	if err != nil {
		return nil, err
	}
	if len(resp.data) < 4 {
		return nil, fmt.Errorf("slcan: short SDO upload response")
	}
	cs := resp.data[0]
	if cs&0xe0 != csInitiateUploadRespShift&0xe0 {
		return nil, fmt.Errorf("slcan: unexpected SDO response command specifier %#02x", cs)
	}
	nEmpty := (cs >> 2) & 0x3
	size := 4 - int(nEmpty)
	if len(resp.data) < 4+size {
		return nil, fmt.Errorf("slcan: SDO upload response too short for size %d", size)
	}
	return resp.data[4 : 4+size], nil
}

// SDOWrite performs an expedited CANopen SDO download. data must already
// be encoded to the exact width the dictionary entry expects (spec.md
// §4.4; see package codec) and must fit in 4 bytes (the only width this
// reference transport, matching this module's scope, supports).
func (n *Node) SDOWrite(ctx context.Context, index uint16, subindex uint8, data []byte) error {
	if len(data) == 0 || len(data) > 4 {
		return fmt.Errorf("slcan: SDO download payload must be 1-4 bytes, got %d", len(data))
	}
	reqID := 0x600 + uint32(n.cfg.NodeID)
	respID := 0x580 + uint32(n.cfg.NodeID)
	nEmpty := 4 - len(data)
	cs := byte(csInitiateDownload) | byte(nEmpty<<2)
	payload := [8]byte{cs, byte(index), byte(index >> 8), subindex}
	copy(payload[4:], data)
	resp, err := n.request(ctx, frame{cobID: reqID, data: payload[:]}, respID)
	if err != nil {
		return err
	}
	if len(resp.data) == 0 || resp.data[0] != csInitiateDownloadResp {
		return fmt.Errorf("slcan: unexpected SDO download response %#v", resp.data)
	}
	return nil
}

// pdoCobID returns the predefined-connection-set COB-ID for PDO number
// n (1-4) of the given base (0x180 for TPDO1, 0x200 for RPDO1).
func pdoCobID(base uint32, n int, nodeID uint8) uint32 {
	return base + uint32(n-1)*0x100 + uint32(nodeID)
}

type tpdoHandle struct {
	mu        sync.Mutex
	node      *Node
	number    int
	slots     []canopen.Slot
	callbacks []func(canopen.Frame)
	cfg       canopen.TPDOConfig
}

func (n *Node) TPDO(num int) (canopen.TPDOHandle, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	h, ok := n.tpdos[num]
	if !ok {
		h = &tpdoHandle{node: n, number: num}
		n.tpdos[num] = h
	}
	return h, nil
}

func (h *tpdoHandle) cobID() uint32 { return pdoCobID(0x180, h.number, h.node.cfg.NodeID) }

func (h *tpdoHandle) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.slots = nil
	h.callbacks = nil
	h.cfg = canopen.TPDOConfig{}
}

func (h *tpdoHandle) AddVariable(index uint16, subindex uint8) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.slots = append(h.slots, canopen.Slot{Index: index, Subindex: subindex})
	return nil
}

// Configure records cfg on the handle; Save then writes its transmission
// type via SDO to sub-index 2 of the standard communication parameter
// object 0x1800+(n-1) (CiA-301), completing the
// clear-before-configure/save-after-configure sequence spec.md §5
// requires to run under NMT PRE-OPERATIONAL.
func (h *tpdoHandle) Configure(cfg canopen.TPDOConfig) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cfg = cfg
	return nil
}

func (h *tpdoHandle) Save() error {
	h.mu.Lock()
	cfg := h.cfg
	h.mu.Unlock()
	idx := uint16(0x1800 + (h.number - 1))
	raw, err := commTypeByte(cfg.TransmissionType)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), h.node.cfg.ResponseTimeout)
	defer cancel()
	return h.node.SDOWrite(ctx, idx, 2, raw)
}

func commTypeByte(t uint8) ([]byte, error) {
	return []byte{t}, nil
}

func (h *tpdoHandle) AddCallback(fn func(canopen.Frame)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.callbacks = append(h.callbacks, fn)
}

func (h *tpdoHandle) deliver(num int, f frame) {
	h.mu.Lock()
	slots := h.slots
	cbs := append([]func(canopen.Frame){}, h.callbacks...)
	h.mu.Unlock()

	msg := canopen.Frame{PDONumber: num}
	offset := 0
	for _, slot := range slots {
		width := 4
		if offset+width > len(f.data) {
			width = len(f.data) - offset
		}
		if width <= 0 {
			break
		}
		msg.Variables = append(msg.Variables, canopen.Variable{
			Index: slot.Index, Subindex: slot.Subindex, Raw: f.data[offset : offset+width],
		})
		offset += width
	}
	for _, cb := range cbs {
		cb(msg)
	}
}

type rpdoHandle struct {
	mu     sync.Mutex
	node   *Node
	number int
	slots  []canopen.Slot
	staged map[canopen.Slot][]byte
	cfg    canopen.RPDOConfig
}

func (n *Node) RPDO(num int) (canopen.RPDOHandle, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	h, ok := n.rpdos[num]
	if !ok {
		h = &rpdoHandle{node: n, number: num, staged: map[canopen.Slot][]byte{}}
		n.rpdos[num] = h
	}
	return h, nil
}

func (h *rpdoHandle) cobID() uint32 { return pdoCobID(0x200, h.number, h.node.cfg.NodeID) }

func (h *rpdoHandle) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.slots = nil
	h.staged = map[canopen.Slot][]byte{}
	h.cfg = canopen.RPDOConfig{}
}

func (h *rpdoHandle) AddVariable(index uint16, subindex uint8) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.slots = append(h.slots, canopen.Slot{Index: index, Subindex: subindex})
	return nil
}

func (h *rpdoHandle) Configure(cfg canopen.RPDOConfig) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cfg = cfg
	return nil
}

func (h *rpdoHandle) Save() error {
	h.mu.Lock()
	cfg := h.cfg
	h.mu.Unlock()
	idx := uint16(0x1400 + (h.number - 1))
	ctx, cancel := context.WithTimeout(context.Background(), h.node.cfg.ResponseTimeout)
	defer cancel()
	return h.node.SDOWrite(ctx, idx, 2, []byte{cfg.TransmissionType})
}

func (h *rpdoHandle) SetEntry(index uint16, subindex uint8, raw []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.staged[canopen.Slot{Index: index, Subindex: subindex}] = append([]byte(nil), raw...)
	return nil
}

// Transmit emits the currently staged payload as one SLCAN "t" frame,
// concatenating each bound slot's bytes in binding order.
func (h *rpdoHandle) Transmit() error {
	h.mu.Lock()
	var data []byte
	for _, slot := range h.slots {
		data = append(data, h.staged[slot]...)
	}
	h.mu.Unlock()
	if len(data) > 8 {
		data = data[:8]
	}
	return h.node.transmit(frame{cobID: h.cobID(), data: data})
}

// SetNMTState writes the CANopen NMT command frame (COB-ID 0, node ID in
// byte 1, command byte per CiA-301 Table 3).
func (n *Node) SetNMTState(ctx context.Context, s canopen.NMTState) error {
	var cmd byte
	switch s {
	case canopen.Operational:
		cmd = 0x01
	case canopen.Stopped:
		cmd = 0x02
	default:
		cmd = 0x80 // pre-operational
	}
	log.WithField("state", s).Debug("setting NMT state")
	return n.transmit(frame{cobID: 0, data: []byte{cmd, n.cfg.NodeID}})
}

// Close closes the SLCAN channel and the underlying serial port.
func (n *Node) Close() error {
	n.writeLine("C")
	return n.port.Close()
}
