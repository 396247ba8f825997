// https://github.com/usbarmory/wtp
//
// Copyright (c) F-Secure Corporation
// https://foundry.f-secure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package config provides YAML configuration loading for a WTP endpoint,
// mirroring wtp_init's numeric knobs.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/usbarmory/wtp/wtp"
)

// Config is a field-for-field mirror of the wtp_init parameter list,
// loadable from YAML.
type Config struct {
	// Window is the sliding-window size in sequence-number units.
	Window uint16 `yaml:"window"`
	// Timeout is the retransmission timeout in ticks.
	Timeout int64 `yaml:"timeout"`
	// ReadSize is the default READ OpSpec payload size in bytes.
	ReadSize uint8 `yaml:"read_size"`
	// TxBufSize is the outbound packet staging buffer size in bytes.
	TxBufSize int `yaml:"tx_buf_size"`
	// MsgBufSize is the outbound message ring buffer size in bytes.
	MsgBufSize int `yaml:"msg_buf_size"`
	// RxBufSize is the inbound reassembly buffer size in bytes.
	RxBufSize int `yaml:"rx_buf_size"`
	// RxFragmentsSize is the inbound fragment arena size in bytes.
	RxFragmentsSize int `yaml:"rx_fragments_size"`
	// NSend is the maximum number of outstanding (unacked) TX messages;
	// it sizes both the message-end tracking queue and the send-
	// completion callback queue a Send call registers into (spec.md
	// §5), mirroring wtp_init's dual use of n_send.
	NSend int `yaml:"n_send"`
	// NRecv is the maximum number of outstanding out-of-order RX
	// messages tracked at once; it sizes both the message-info table
	// and the receive callback queue a Recv call registers into
	// (spec.md §5), mirroring wtp_init's dual use of n_recv.
	NRecv int `yaml:"n_recv"`
	// EPCBufSize is the EPC memory bank staging buffer size in bytes.
	EPCBufSize int `yaml:"epc_buf_size"`
	// EPCRefreshPeriod is the number of BeforeInventory calls between
	// EPC buffer refreshes (see SPEC_FULL.md §6).
	EPCRefreshPeriod int `yaml:"epc_refresh_period"`
}

// Defaults returns the spec's typical defaults: window 64, timeout 10
// ticks, tx/rx buffers 200B, 5 pending sends/receives, EPC <=10B, READ
// 24B.
func Defaults() Config {
	return Config{
		Window:           64,
		Timeout:          10,
		ReadSize:         24,
		TxBufSize:        200,
		MsgBufSize:       200,
		RxBufSize:        200,
		RxFragmentsSize:  200,
		NSend:            5,
		NRecv:            5,
		EPCBufSize:       10,
		EPCRefreshPeriod: 4,
	}
}

// Load reads and parses a YAML configuration file. Fields the file does
// not set keep their Defaults() values; a field set explicitly to zero
// stays zero.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: reading %q: %w", path, err)
	}

	cfg := Defaults()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parsing %q: %w", path, err)
	}
	return cfg, nil
}

// Endpoint translates Config into the wtp.Config NewEndpoint expects.
// NSend/NRecv fan out to every queue wtp_init sized from n_send/n_recv:
// MaxFragments and MaxMsgs (TX side, plus the send callback queue) from
// NSend, MaxRxMsgInfo (RX side, plus the receive callback queue) from
// NRecv.
func (c Config) Endpoint() wtp.Config {
	return wtp.Config{
		Window:           c.Window,
		Timeout:          c.Timeout,
		ReadSize:         c.ReadSize,
		PktBufSize:       c.TxBufSize,
		MsgBufSize:       c.MsgBufSize,
		RxMsgDataSize:    c.RxBufSize,
		RxFragmentsSize:  c.RxFragmentsSize,
		MaxFragments:     c.NSend,
		MaxMsgs:          c.NSend,
		MaxRxMsgInfo:     c.NRecv,
		EPCBufSize:       c.EPCBufSize,
		EPCRefreshPeriod: c.EPCRefreshPeriod,
	}
}
