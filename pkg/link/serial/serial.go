// Package serial implements link.Driver over a USB-serial connection to a
// Meshtastic-class LoRa radio. It carries a small framed byte-stream
// protocol between host and radio (sync bytes, length, CRC16) that is
// distinct from the over-the-air image-chunk frame (pkg/frame) it tunnels
// as payload — see SPEC_FULL.md §4.8.
//
// The state machine below is a direct generalization of the teacher's
// usock.processByte: sync bytes -> kind -> length -> header CRC -> payload ->
// payload CRC, read one byte at a time off the serial port.
package serial

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"time"

	goserial "go.bug.st/serial"

	"github.com/RootPathFinder/meshsender/pkg/link"
)

const (
	syncByte1 = 0xF6
	syncByte2 = 0xD9

	maxPayloadLength = 4096

	// radioFrameKindData carries a (port, peer, chunk-protocol payload)
	// envelope; radioFrameKindAck carries just a sequence number
	// acknowledging a prior send.
	radioFrameKindData = 0x01
	radioFrameKindAck  = 0x02

	defaultAckTimeout = 5 * time.Second
)

type rxState int

const (
	stateSync1 rxState = iota
	stateSync2
	stateKind
	stateLen1
	stateLen2
	stateHeaderCRC1
	stateHeaderCRC2
	statePayload
	statePayloadCRC1
	statePayloadCRC2
)

// Driver is a link.Driver backed by a real serial port.
type Driver struct {
	port goserial.Port
	path string
	baud int

	mu       sync.Mutex // guards writes, nextSeq and Pause/Resume; the rx state fields are touched only by readLoop
	state    rxState
	kind     byte
	payLen   uint16
	headerCR uint16
	payload  []byte
	hdrBuf   []byte
	payCRBuf uint16

	subsMu sync.Mutex
	subs   map[int][]func(peer link.Peer, payload []byte)

	ackMu   sync.Mutex
	ackWait map[uint32]chan struct{}
	nextSeq uint32

	stopCh chan struct{}
	wg     sync.WaitGroup
	paused bool
}

// Open opens the serial port at path/baud and starts the read loop.
func Open(path string, baud int) (*Driver, error) {
	mode := &goserial.Mode{BaudRate: baud}
	port, err := goserial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("serial: open %s: %w", path, err)
	}

	d := &Driver{
		port:    port,
		path:    path,
		baud:    baud,
		state:   stateSync1,
		subs:    make(map[int][]func(peer link.Peer, payload []byte)),
		ackWait: make(map[uint32]chan struct{}),
		stopCh:  make(chan struct{}),
	}
	d.wg.Add(1)
	go d.readLoop()
	return d, nil
}

// Send frames (port, peer, payload) into a radio-service data frame and
// writes it. With wantAck, it blocks (respecting ctx) until the radio
// echoes back a matching ack frame or defaultAckTimeout elapses.
func (d *Driver) Send(ctx context.Context, peer link.Peer, port int, payload []byte, wantAck bool) (link.AckResult, error) {
	envelope := encodeEnvelope(peer, port, payload)

	d.mu.Lock()
	seq := d.nextSeq
	d.nextSeq++
	d.mu.Unlock()

	var waitCh chan struct{}
	if wantAck {
		waitCh = make(chan struct{})
		d.ackMu.Lock()
		d.ackWait[seq] = waitCh
		d.ackMu.Unlock()
		defer func() {
			d.ackMu.Lock()
			delete(d.ackWait, seq)
			d.ackMu.Unlock()
		}()
	}

	seqBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(seqBuf, seq)
	frame := buildRadioFrame(radioFrameKindData, append(seqBuf, envelope...))

	d.mu.Lock()
	_, err := d.port.Write(frame)
	d.mu.Unlock()
	if err != nil {
		return link.AckTimeout, fmt.Errorf("%w: %v", link.ErrLinkError, err)
	}

	if !wantAck {
		return link.AckOk, nil
	}

	timer := time.NewTimer(defaultAckTimeout)
	defer timer.Stop()
	select {
	case <-waitCh:
		return link.AckOk, nil
	case <-timer.C:
		return link.AckTimeout, nil
	case <-ctx.Done():
		return link.AckTimeout, ctx.Err()
	}
}

// Subscribe registers handler for frames addressed to port.
func (d *Driver) Subscribe(port int, handler func(peer link.Peer, payload []byte)) func() {
	d.subsMu.Lock()
	d.subs[port] = append(d.subs[port], handler)
	idx := len(d.subs[port]) - 1
	d.subsMu.Unlock()

	return func() {
		d.subsMu.Lock()
		defer d.subsMu.Unlock()
		handlers := d.subs[port]
		if idx < len(handlers) {
			handlers[idx] = nil
		}
	}
}

// Pause closes the underlying port so an orchestrator can hand it to a
// child process (spec.md §9).
func (d *Driver) Pause() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.paused {
		return nil
	}
	d.paused = true
	return d.port.Close()
}

// Resume reopens the underlying port after Pause.
func (d *Driver) Resume() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.paused {
		return nil
	}
	port, err := goserial.Open(d.path, &goserial.Mode{BaudRate: d.baud})
	if err != nil {
		return fmt.Errorf("serial: resume %s: %w", d.path, err)
	}
	d.port = port
	d.paused = false
	return nil
}

// Close stops the read loop and closes the serial port.
func (d *Driver) Close() error {
	close(d.stopCh)
	// Closing the port first unblocks a pending Read so readLoop can exit.
	err := d.port.Close()
	d.wg.Wait()
	return err
}

func (d *Driver) readLoop() {
	defer d.wg.Done()
	buf := make([]byte, 1)
	for {
		select {
		case <-d.stopCh:
			return
		default:
		}
		n, err := d.port.Read(buf)
		if err != nil {
			if err != io.EOF {
				time.Sleep(10 * time.Millisecond)
			}
			continue
		}
		if n == 0 {
			continue
		}
		d.processByte(buf[0])
	}
}

func (d *Driver) processByte(b byte) {
	switch d.state {
	case stateSync1:
		if b == syncByte1 {
			d.state = stateSync2
			d.hdrBuf = append(d.hdrBuf[:0], b)
		}
	case stateSync2:
		if b == syncByte2 {
			d.state = stateKind
			d.hdrBuf = append(d.hdrBuf, b)
		} else {
			d.state = stateSync1
		}
	case stateKind:
		d.kind = b
		d.hdrBuf = append(d.hdrBuf, b)
		d.state = stateLen1
	case stateLen1:
		d.payLen = uint16(b)
		d.hdrBuf = append(d.hdrBuf, b)
		d.state = stateLen2
	case stateLen2:
		d.payLen |= uint16(b) << 8
		d.hdrBuf = append(d.hdrBuf, b)
		d.state = stateHeaderCRC1
		d.headerCR = crc16(d.hdrBuf)
		if d.payLen > maxPayloadLength {
			d.state = stateSync1
		}
	case stateHeaderCRC1:
		d.payCRBuf = uint16(b)
		d.state = stateHeaderCRC2
	case stateHeaderCRC2:
		received := d.payCRBuf | uint16(b)<<8
		if received != d.headerCR {
			d.state = stateSync1
			return
		}
		d.payload = make([]byte, 0, d.payLen)
		d.hdrBuf = d.hdrBuf[:0]
		d.state = statePayload
		if d.payLen == 0 {
			d.state = statePayloadCRC1
		}
	case statePayload:
		d.payload = append(d.payload, b)
		d.hdrBuf = append(d.hdrBuf, b)
		if uint16(len(d.payload)) >= d.payLen {
			d.state = statePayloadCRC1
		}
	case statePayloadCRC1:
		d.payCRBuf = uint16(b)
		d.state = statePayloadCRC2
	case statePayloadCRC2:
		received := d.payCRBuf | uint16(b)<<8
		calculated := crc16(d.hdrBuf)
		d.state = stateSync1
		if received != calculated {
			return
		}
		d.dispatch(d.kind, d.payload)
	}
}

func (d *Driver) dispatch(kind byte, payload []byte) {
	switch kind {
	case radioFrameKindAck:
		if len(payload) < 4 {
			return
		}
		seq := binary.BigEndian.Uint32(payload[0:4])
		d.ackMu.Lock()
		ch, ok := d.ackWait[seq]
		d.ackMu.Unlock()
		if ok {
			close(ch)
		}
	case radioFrameKindData:
		if len(payload) < 4 {
			return
		}
		peer, port, inner, err := decodeEnvelope(payload[4:])
		if err != nil {
			return
		}
		d.subsMu.Lock()
		handlers := append([]func(peer link.Peer, payload []byte){}, d.subs[port]...)
		d.subsMu.Unlock()
		for _, h := range handlers {
			if h != nil {
				go h(peer, inner)
			}
		}
	}
}

func buildRadioFrame(kind byte, payload []byte) []byte {
	header := []byte{syncByte1, syncByte2, kind, byte(len(payload)), byte(len(payload) >> 8)}
	headerCRC := crc16(header)

	out := make([]byte, 0, len(header)+2+len(payload)+2)
	out = append(out, header...)
	out = append(out, byte(headerCRC), byte(headerCRC>>8))
	out = append(out, payload...)
	payloadCRC := crc16(payload)
	out = append(out, byte(payloadCRC), byte(payloadCRC>>8))
	return out
}

func encodeEnvelope(peer link.Peer, port int, payload []byte) []byte {
	peerBytes := []byte(peer)
	out := make([]byte, 0, 1+len(peerBytes)+2+len(payload))
	out = append(out, byte(len(peerBytes)))
	out = append(out, peerBytes...)
	out = append(out, byte(port), byte(port>>8))
	out = append(out, payload...)
	return out
}

func decodeEnvelope(raw []byte) (link.Peer, int, []byte, error) {
	if len(raw) < 1 {
		return "", 0, nil, fmt.Errorf("serial: envelope too short")
	}
	peerLen := int(raw[0])
	if len(raw) < 1+peerLen+2 {
		return "", 0, nil, fmt.Errorf("serial: envelope truncated")
	}
	peer := link.Peer(raw[1 : 1+peerLen])
	portOff := 1 + peerLen
	port := int(raw[portOff]) | int(raw[portOff+1])<<8
	inner := raw[portOff+2:]
	return peer, port, inner, nil
}

// crc16 is the CRC-16/ARC variant used to frame the host<->radio byte
// stream, carried over from the teacher's usock package.
func crc16(data []byte) uint16 {
	var crc uint16
	for _, b := range data {
		crc ^= uint16(b)
		for i := 0; i < 8; i++ {
			if crc&1 != 0 {
				crc = (crc >> 1) ^ 0xA001
			} else {
				crc >>= 1
			}
		}
	}
	return crc
}
