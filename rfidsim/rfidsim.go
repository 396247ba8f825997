// https://github.com/usbarmory/wtp
//
// Copyright (c) F-Secure Corporation
// https://foundry.f-secure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package rfidsim provides a stand-in for the RFID physical layer's
// READ/BLOCKWRITE primitives, so a WTP endpoint can be driven end-to-end
// without real reader/tag hardware. It is a collaborator, not a WTP
// internal: it only ever calls Endpoint.OnRead, Endpoint.HandleBlockwrite
// and Endpoint.BeforeInventory through the Peer interface below.
package rfidsim

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"runtime"

	"github.com/tarm/serial"
)

// Peer is the subset of *wtp.Endpoint the simulator drives. Defined here
// rather than imported so rfidsim stays decoupled from package wtp (it
// talks to any endpoint through this narrow collaborator interface, per
// spec.md §6).
type Peer interface {
	OnRead(avail uint8) ([]byte, error)
	HandleBlockwrite(data []byte) error
	BeforeInventory() error
}

// Link moves the bytes a reader exchanges with a tag across one
// simulated inventory round: a BLOCKWRITE payload downlink, and a READ
// payload uplink.
type Link interface {
	// Blockwrite sends data from reader to tag.
	Blockwrite(data []byte) error
	// Read requests the tag's next READ payload for an OpSpec of size
	// bytes; the length of what comes back is not checked against size.
	Read(size uint8) ([]byte, error)
	io.Closer
}

// Poll drives one inventory round between a reader-side Peer and a
// tag-side Peer across link, mirroring the physical sequence spec.md §1
// describes: the reader polls the tag (READ uplink) and writes to it
// (BLOCKWRITE downlink) every cycle.
func Poll(reader, tag Peer, link Link, readSize uint8) error {
	if err := tag.BeforeInventory(); err != nil {
		return fmt.Errorf("rfidsim: tag BeforeInventory: %w", err)
	}

	uplink, err := tag.OnRead(readSize)
	if err != nil {
		return fmt.Errorf("rfidsim: tag OnRead: %w", err)
	}
	if len(uplink) > 0 {
		if err := link.Blockwrite(uplink); err != nil {
			return fmt.Errorf("rfidsim: relaying uplink: %w", err)
		}
		if err := reader.HandleBlockwrite(uplink); err != nil {
			return fmt.Errorf("rfidsim: reader HandleBlockwrite: %w", err)
		}
	}

	downlink, err := reader.OnRead(readSize)
	if err != nil {
		return fmt.Errorf("rfidsim: reader OnRead: %w", err)
	}
	if len(downlink) > 0 {
		if err := link.Blockwrite(downlink); err != nil {
			return fmt.Errorf("rfidsim: relaying downlink: %w", err)
		}
		if err := tag.HandleBlockwrite(downlink); err != nil {
			return fmt.Errorf("rfidsim: tag HandleBlockwrite: %w", err)
		}
	}

	return nil
}

// loopbackLink is an in-memory Link: Blockwrite/Read are no-ops since
// Poll already moves bytes directly between the two Peers. It exists so
// callers that want an explicit Link value (logging, latency injection)
// can use one without a real serial device.
type loopbackLink struct{}

// Loopback returns a Link that performs no transport of its own, for
// driving two in-process Peers directly.
func Loopback() Link { return loopbackLink{} }

func (loopbackLink) Blockwrite(data []byte) error  { return nil }
func (loopbackLink) Read(size uint8) ([]byte, error) { return nil, nil }
func (loopbackLink) Close() error                    { return nil }

// serialLink carries Link traffic over a real serial port, length-
// prefixing each record (the serial wire is a byte stream, unlike the
// WTP packet framing it carries, which has no outer message boundary of
// its own at this layer).
type serialLink struct {
	port io.ReadWriteCloser
}

// Default serial hardware parameters, mirroring the reference USB-serial
// bridge setup used in bring-up.
const (
	defaultBaud = 115200
)

// OpenSerial opens a serial-port-backed Link to a reader/tag rig. If dev
// is empty, the platform's conventional USB-serial device names are
// tried in order.
func OpenSerial(dev string) (Link, error) {
	var candidates []string
	if dev != "" {
		candidates = []string{dev}
	} else {
		switch runtime.GOOS {
		case "windows":
			candidates = []string{"COM3"}
		case "linux":
			candidates = []string{"/dev/ttyUSB0", "/dev/ttyUSB1"}
		default:
			candidates = []string{"/dev/cu.usbserial"}
		}
	}
	if len(candidates) == 0 {
		return nil, errors.New("rfidsim: no serial device specified")
	}

	var firstErr error
	for _, name := range candidates {
		port, err := serial.OpenPort(&serial.Config{Name: name, Baud: defaultBaud})
		if err == nil {
			return &serialLink{port: port}, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return nil, firstErr
}

func (l *serialLink) Blockwrite(data []byte) error {
	return writeFrame(l.port, data)
}

func (l *serialLink) Read(size uint8) ([]byte, error) {
	return readFrame(l.port)
}

func (l *serialLink) Close() error {
	return l.port.Close()
}

func writeFrame(w io.Writer, data []byte) error {
	var header [4]byte
	binary.LittleEndian.PutUint32(header[:], uint32(len(data)))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}

func readFrame(r io.Reader) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(header[:])
	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	return data, nil
}
