// Package periphcan is a reference canopen.Transport implementation for
// hosts that reach their CAN adapter through a periph.io bus driver rather
// than a serial line: an MCP2515 stand-alone CAN controller wired to the
// host's SPI bus, with an optional GPIO interrupt pin for frame delivery.
//
// Grounded on lcd.Open's spireg.Open/Connect bus-acquisition shape and
// driver/wshat.Open's gpio.PinIn edge-wait loop, both reused here to
// register-program the MCP2515 and drain its receive buffers instead of
// driving an LCD panel or reading push-buttons.
package periphcan

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"

	"cia402.dev/motor/canopen"
)

var log = logrus.WithField("component", "transport/periphcan")

// ErrNoBitrateTable reports a BitrateCode this reference transport's 8 MHz
// crystal table doesn't cover (spec.md §6 scopes this transport to common
// bitrates, not arbitrary oscillator/bitrate combinations).
var ErrNoBitrateTable = errors.New("periphcan: no CNF1/CNF2/CNF3 entry for bitrate code")

// Config configures a Node. Its shape mirrors transport/slcan.Config
// (NodeID, BitrateCode, Dictionary, ResponseTimeout) so the two reference
// transports are interchangeable from a Motor's point of view.
type Config struct {
	// SPIName selects a registered SPI port (spireg.Open's argument);
	// empty opens the first available port.
	SPIName string
	// IRQName selects a registered GPIO pin (gpioreg.ByName) wired to the
	// MCP2515's INT output; empty falls back to polling at PollInterval.
	IRQName string
	// PollInterval is the receive-buffer poll period used when IRQName
	// is empty. Zero defaults to 2ms.
	PollInterval time.Duration
	// NodeID is this module's CANopen node ID (1-127).
	NodeID uint8
	// BitrateCode selects a bit-timing entry from bitrateTable, assuming
	// the controller's crystal is 8 MHz (this reference transport's only
	// supported oscillator).
	BitrateCode byte
	// Dictionary resolves a symbolic or numeric name to a canonical
	// slot, the same role as transport/slcan.Config.Dictionary.
	Dictionary map[string]canopen.Slot
	// ResponseTimeout bounds how long SDORead/SDOWrite wait for a
	// matching response frame absent an earlier ctx deadline.
	ResponseTimeout time.Duration
}

// bitrateTable holds CNF1/CNF2/CNF3 for an 8 MHz crystal, the values
// widely published for the MCP2515 by its adopters (Sparkfun, Seeed).
// BitrateCode follows the same Lawicel "Sn" numbering transport/slcan
// uses, restricted to the entries this table covers.
var bitrateTable = map[byte][3]byte{
	4: {0x01, 0xB1, 0x05}, // 125 kbit/s
	5: {0x00, 0xB1, 0x05}, // 250 kbit/s
	6: {0x00, 0x90, 0x02}, // 500 kbit/s
	8: {0x00, 0x80, 0x00}, // 1 Mbit/s
}

// MCP2515 SPI instruction bytes (datasheet §12).
const (
	instrReset      = 0xC0
	instrRead       = 0x03
	instrWrite      = 0x02
	instrRTS        = 0x80
	instrReadStatus = 0xA0
	instrBitModify  = 0x05
)

// MCP2515 register addresses (datasheet §11) this driver touches.
const (
	regCANCTRL  = 0x0F
	regCANSTAT  = 0x0E
	regCNF3     = 0x28
	regCNF2     = 0x29
	regCNF1     = 0x2A
	regCANINTE  = 0x2B
	regCANINTF  = 0x2C
	regTXB0CTRL = 0x30
	regTXB0SIDH = 0x31
	regRXB0CTRL = 0x60
	regRXB0SIDH = 0x61
)

const (
	modeConfig = 0x80
	modeNormal = 0x00
)

const (
	flagRX0IF = 0x01
	flagRX1IF = 0x02
)

// spiConn is the one operation this driver needs from a periph.io
// spi.Conn: a half-duplex register-style transaction. Narrowing to this
// rather than embedding spi.Conn wholesale lets tests substitute a fake
// MCP2515 without reimplementing TxPackets/Duplex/pin-introspection.
type spiConn interface {
	Tx(w, r []byte) error
}

// Node is a canopen.Transport over one MCP2515 reached through a periph.io
// SPI bus.
type Node struct {
	conn spiConn
	port io.Closer
	irq  gpio.PinIO
	cfg  Config

	spiMu sync.Mutex

	mu      sync.Mutex
	waiters map[uint32]chan frame
	tpdos   map[int]*tpdoHandle
	rpdos   map[int]*rpdoHandle

	stop chan struct{}
}

// Open acquires cfg's SPI port (and IRQ pin, if named), resets and
// configures the MCP2515 for cfg's bitrate, places it in normal mode, and
// starts the background receive loop.
func Open(cfg Config) (*Node, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("periphcan: %w", err)
	}
	p, err := spireg.Open(cfg.SPIName)
	if err != nil {
		return nil, fmt.Errorf("periphcan: open SPI: %w", err)
	}
	c, err := p.Connect(10*physic.MegaHertz, spi.Mode0, 8)
	if err != nil {
		p.Close()
		return nil, fmt.Errorf("periphcan: connect SPI: %w", err)
	}
	var irq gpio.PinIO
	if cfg.IRQName != "" {
		irq = gpioreg.ByName(cfg.IRQName)
		if irq == nil {
			p.Close()
			return nil, fmt.Errorf("periphcan: no such GPIO pin %q", cfg.IRQName)
		}
		if err := irq.In(gpio.PullUp, gpio.FallingEdge); err != nil {
			p.Close()
			return nil, fmt.Errorf("periphcan: configure IRQ pin: %w", err)
		}
	}
	return wrap(c, p, irq, cfg)
}

// wrap drives the MCP2515 reset/configure/normal-mode sequence over an
// already-connected spiConn and starts the receive loop. Factored out of
// Open so tests can substitute a fake MCP2515 for real hardware.
func wrap(c spiConn, p io.Closer, irq gpio.PinIO, cfg Config) (*Node, error) {
	if cfg.ResponseTimeout == 0 {
		cfg.ResponseTimeout = time.Second
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 2 * time.Millisecond
	}
	n := &Node{
		conn:    c,
		port:    p,
		irq:     irq,
		cfg:     cfg,
		waiters: map[uint32]chan frame{},
		tpdos:   map[int]*tpdoHandle{},
		rpdos:   map[int]*rpdoHandle{},
		stop:    make(chan struct{}),
	}
	if err := n.configure(); err != nil {
		n.Close()
		return nil, err
	}
	go n.receiveLoop()
	return n, nil
}

func (n *Node) configure() error {
	if err := n.reset(); err != nil {
		return err
	}
	timing, ok := bitrateTable[n.cfg.BitrateCode]
	if !ok {
		return fmt.Errorf("%w: %d", ErrNoBitrateTable, n.cfg.BitrateCode)
	}
	if err := n.writeReg(regCNF1, timing[0]); err != nil {
		return err
	}
	if err := n.writeReg(regCNF2, timing[1]); err != nil {
		return err
	}
	if err := n.writeReg(regCNF3, timing[2]); err != nil {
		return err
	}
	if err := n.writeReg(regCANINTE, flagRX0IF|flagRX1IF); err != nil {
		return err
	}
	// Accept-all receive filters: spec.md §1 leaves object-dictionary and
	// filter-table configuration out of scope, and every node on a
	// shared bus wants its own SDO response and PDO traffic regardless
	// of mask/filter registers, so receive buffer control is left at its
	// reset default (receive any valid standard frame).
	if err := n.bitModify(regCANCTRL, 0xE0, modeNormal); err != nil {
		return err
	}
	return nil
}

func (n *Node) reset() error {
	n.spiMu.Lock()
	defer n.spiMu.Unlock()
	return n.conn.Tx([]byte{instrReset}, nil)
}

func (n *Node) readReg(addr byte) (byte, error) {
	n.spiMu.Lock()
	defer n.spiMu.Unlock()
	tx := []byte{instrRead, addr, 0x00}
	rx := make([]byte, len(tx))
	if err := n.conn.Tx(tx, rx); err != nil {
		return 0, err
	}
	return rx[2], nil
}

func (n *Node) readRegs(addr byte, count int) ([]byte, error) {
	n.spiMu.Lock()
	defer n.spiMu.Unlock()
	tx := make([]byte, 2+count)
	tx[0], tx[1] = instrRead, addr
	rx := make([]byte, len(tx))
	if err := n.conn.Tx(tx, rx); err != nil {
		return nil, err
	}
	return rx[2:], nil
}

func (n *Node) writeReg(addr, value byte) error {
	n.spiMu.Lock()
	defer n.spiMu.Unlock()
	return n.conn.Tx([]byte{instrWrite, addr, value}, nil)
}

func (n *Node) writeRegs(addr byte, data []byte) error {
	n.spiMu.Lock()
	defer n.spiMu.Unlock()
	tx := append([]byte{instrWrite, addr}, data...)
	return n.conn.Tx(tx, nil)
}

func (n *Node) bitModify(addr, mask, value byte) error {
	n.spiMu.Lock()
	defer n.spiMu.Unlock()
	return n.conn.Tx([]byte{instrBitModify, addr, mask, value}, nil)
}

func (n *Node) requestToSend(mask byte) error {
	n.spiMu.Lock()
	defer n.spiMu.Unlock()
	return n.conn.Tx([]byte{instrRTS | mask}, nil)
}

// frame is one decoded standard (11-bit) CAN data frame.
type frame struct {
	cobID uint32
	data  []byte
}

// loadTXBuffer programs TXB0 with a standard-ID frame (spec.md §6 never
// needs extended 29-bit IDs: every COB-ID the predefined connection set
// and SDO channels use fits in 11 bits).
func (n *Node) loadTXBuffer(f frame) error {
	sidh := byte(f.cobID >> 3)
	sidl := byte((f.cobID & 0x7) << 5)
	dlc := byte(len(f.data))
	payload := append([]byte{sidh, sidl, 0x00, 0x00, dlc}, f.data...)
	if err := n.writeRegs(regTXB0SIDH, payload); err != nil {
		return err
	}
	return n.requestToSend(0x01)
}

func (n *Node) transmit(f frame) error {
	if len(f.data) > 8 {
		return fmt.Errorf("periphcan: frame too long: %d bytes", len(f.data))
	}
	return n.loadTXBuffer(f)
}

// readRXBuffer reads an RX buffer's 5-byte header (SIDH, SIDL, EID8, EID0,
// DLC) then its data bytes, base pointing at RXBnSIDH.
func (n *Node) readRXBuffer(base byte) (frame, error) {
	hdr, err := n.readRegs(base, 5)
	if err != nil {
		return frame{}, err
	}
	sidh, sidl, dlc := hdr[0], hdr[1], hdr[4]&0x0F
	cobID := uint32(sidh)<<3 | uint32(sidl)>>5
	data, err := n.readRegs(base+5, int(dlc))
	if err != nil {
		return frame{}, err
	}
	return frame{cobID: cobID, data: data}, nil
}

// receiveLoop drains RXB0/RXB1 on the IRQ pin's falling edge, or on a
// fixed poll interval when no IRQ pin was configured, the two wait
// strategies driver/wshat.Open uses for button edges generalized here to
// CAN frame arrival.
func (n *Node) receiveLoop() {
	if n.irq != nil {
		for {
			select {
			case <-n.stop:
				return
			default:
			}
			if !n.irq.WaitForEdge(50 * time.Millisecond) {
				continue
			}
			n.drain()
		}
	} else {
		ticker := time.NewTicker(n.cfg.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-n.stop:
				return
			case <-ticker.C:
				n.drain()
			}
		}
	}
}

func (n *Node) drain() {
	flags, err := n.readReg(regCANINTF)
	if err != nil {
		log.WithError(err).Warn("read CANINTF")
		return
	}
	if flags&flagRX0IF != 0 {
		n.deliver(regRXB0SIDH)
		n.bitModify(regCANINTF, flagRX0IF, 0x00)
	}
	if flags&flagRX1IF != 0 {
		n.deliver(regRXB0SIDH + 0x10)
		n.bitModify(regCANINTF, flagRX1IF, 0x00)
	}
}

func (n *Node) deliver(base byte) {
	f, err := n.readRXBuffer(base)
	if err != nil {
		log.WithError(err).Warn("read RX buffer")
		return
	}
	n.route(f)
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

// registerWaiter reserves cobID's reply channel before the request is
// transmitted, the same ordering transport/slcan.registerWaiter enforces
// to avoid dropping a reply the receive loop delivers immediately.
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
		return frame{}, fmt.Errorf("periphcan: timed out waiting for COB-ID %#03x", replyCobID)
	}
}

// SDO request/response command-specifier bytes (CiA-301 §7.2.4), the same
// expedited-only subset transport/slcan implements.
const (
	csInitiateDownload        = 0x23
	csInitiateDownloadResp    = 0x60
	csInitiateUploadReq       = 0x40
	csInitiateUploadRespShift = 0x43
)

// Find implements canopen.Dictionary against cfg.Dictionary.
func (n *Node) Find(nameOrIndex any, subindex any) (uint16, uint8, error) {
	name, ok := nameOrIndex.(string)
	if !ok {
		return 0, 0, fmt.Errorf("periphcan: unsupported name type %T", nameOrIndex)
	}
	slot, ok := n.cfg.Dictionary[name]
	if !ok {
		return 0, 0, fmt.Errorf("periphcan: no dictionary entry %q", name)
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
	data := []byte{csInitiateUploadReq, byte(index), byte(index >> 8), subindex, 0, 0, 0, 0}
	resp, err := n.request(ctx, frame{cobID: reqID, data: data}, respID)
	if err != nil {
		return nil, err
	}
	if len(resp.data) < 4 {
		return nil, fmt.Errorf("periphcan: short SDO upload response")
	}
	cs := resp.data[0]
	if cs&0xe0 != csInitiateUploadRespShift&0xe0 {
		return nil, fmt.Errorf("periphcan: unexpected SDO response command specifier %#02x", cs)
	}
	nEmpty := (cs >> 2) & 0x3
	size := 4 - int(nEmpty)
	if len(resp.data) < 4+size {
		return nil, fmt.Errorf("periphcan: SDO upload response too short for size %d", size)
	}
	return resp.data[4 : 4+size], nil
}

// SDOWrite performs an expedited CANopen SDO download. data must already
// be encoded to the exact width the dictionary entry expects (spec.md
// §4.4; see package codec) and must fit in 4 bytes.
func (n *Node) SDOWrite(ctx context.Context, index uint16, subindex uint8, data []byte) error {
	if len(data) == 0 || len(data) > 4 {
		return fmt.Errorf("periphcan: SDO download payload must be 1-4 bytes, got %d", len(data))
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
		return fmt.Errorf("periphcan: unexpected SDO download response %#v", resp.data)
	}
	return nil
}

// pdoCobID returns the predefined-connection-set COB-ID for PDO number n
// (1-4) of the given base (0x180 for TPDO1, 0x200 for RPDO1).
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
// object 0x1800+(n-1), the same clear-before-configure/save-after-configure
// sequence transport/slcan uses.
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
	ctx, cancel := context.WithTimeout(context.Background(), h.node.cfg.ResponseTimeout)
	defer cancel()
	return h.node.SDOWrite(ctx, idx, 2, []byte{cfg.TransmissionType})
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

// Transmit emits the currently staged payload as one standard data frame,
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

// Close stops the receive loop and releases the SPI port.
func (n *Node) Close() error {
	close(n.stop)
	return n.port.Close()
}
