// https://github.com/usbarmory/wtp
//
// Copyright (c) F-Secure Corporation
// https://foundry.f-secure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Command wtpsim drives a simulated WTP session end-to-end (connect,
// send, receive, close) against either an in-process loopback peer or a
// real serial link.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/usbarmory/wtp/config"
	"github.com/usbarmory/wtp/rfidsim"
	"github.com/usbarmory/wtp/timerwheel"
	"github.com/usbarmory/wtp/wtp"
)

// Cmd holds the command line arguments.
type Cmd struct {
	ConfigPath   string
	SerialDevice string
	Message      string
	ConnectTries int
}

var cmd Cmd

var rootCmd = &cobra.Command{
	Use:   "wtpsim",
	Short: "Simulate a WTP reader/tag session",
	RunE: func(_ *cobra.Command, _ []string) error {
		return run(cmd)
	},
}

func init() {
	rootCmd.Flags().StringVarP(&cmd.ConfigPath, "config", "c", "", "path to a WTP endpoint configuration file (defaults built in if omitted)")
	rootCmd.Flags().StringVar(&cmd.SerialDevice, "serial", "", "serial device to relay traffic over; empty means in-process loopback")
	rootCmd.Flags().StringVarP(&cmd.Message, "message", "m", "hello from wtpsim", "message to send from reader to tag once connected")
	rootCmd.Flags().IntVar(&cmd.ConnectTries, "connect-tries", 5, "maximum connect attempts before giving up")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		os.Exit(1)
	}
}

func run(cmd Cmd) error {
	log, err := zap.NewDevelopment()
	if err != nil {
		return fmt.Errorf("wtpsim: building logger: %w", err)
	}
	defer log.Sync()

	cfg := config.Defaults()
	if cmd.ConfigPath != "" {
		cfg, err = config.Load(cmd.ConfigPath)
		if err != nil {
			return fmt.Errorf("wtpsim: loading config: %w", err)
		}
	}

	reader := wtp.NewEndpoint(cfg.Endpoint(), timerwheel.New(), log.Named("reader"))
	tag := wtp.NewEndpoint(cfg.Endpoint(), timerwheel.New(), log.Named("tag"))

	var link rfidsim.Link
	if cmd.SerialDevice != "" {
		link, err = rfidsim.OpenSerial(cmd.SerialDevice)
		if err != nil {
			return fmt.Errorf("wtpsim: opening serial link: %w", err)
		}
		defer link.Close()
	} else {
		link = rfidsim.Loopback()
	}

	if err := connectWithRetry(reader, tag, link, cfg.ReadSize, cmd.ConnectTries); err != nil {
		return fmt.Errorf("wtpsim: connect: %w", err)
	}
	log.Info("handshake complete")

	var sendErr error
	if err := reader.Send([]byte(cmd.Message), nil, func(_ any, err error) {
		sendErr = err
	}); err != nil {
		return fmt.Errorf("wtpsim: send: %w", err)
	}

	var received []byte
	if err := tag.Recv(nil, func(_ any, payload []byte, err error) {
		if err == nil {
			received = payload
		}
	}); err != nil {
		return fmt.Errorf("wtpsim: recv: %w", err)
	}

	for i := 0; i < cmd.ConnectTries && received == nil; i++ {
		if err := rfidsim.Poll(reader, tag, link, cfg.ReadSize); err != nil {
			return fmt.Errorf("wtpsim: poll: %w", err)
		}
	}
	if received != nil {
		log.Sugar().Infof("tag received: %q", received)
	}
	if sendErr != nil {
		return fmt.Errorf("wtpsim: send completion: %w", sendErr)
	}

	if err := reader.Close(); err != nil {
		return fmt.Errorf("wtpsim: close: %w", err)
	}
	for i := 0; i < cmd.ConnectTries; i++ {
		if err := rfidsim.Poll(reader, tag, link, cfg.ReadSize); err != nil {
			return fmt.Errorf("wtpsim: poll during close: %w", err)
		}
	}
	log.Info("session closed")

	return nil
}

// connectWithRetry drives OPEN/ACK polling rounds with jittered backoff
// between attempts, distinct from the protocol's own fixed-timeout
// fragment retransmission which stays exactly as specified: this is an
// application-level retry around the whole handshake, in case early
// inventory rounds are lost before the air interface stabilizes.
func connectWithRetry(reader, tag *wtp.Endpoint, link rfidsim.Link, readSize uint8, tries int) error {
	// Both sides send OPEN: Connected needs the peer's OPEN as well as
	// the ACK of our own.
	if err := reader.Connect(true); err != nil {
		return err
	}
	if err := tag.Connect(true); err != nil {
		return err
	}

	b := backoff.ExponentialBackOff{
		InitialInterval:     50 * time.Millisecond,
		RandomizationFactor: 0.3,
		Multiplier:          1.5,
		MaxInterval:         2 * time.Second,
	}
	b.Reset()

	for attempt := 0; attempt < tries; attempt++ {
		if err := rfidsim.Poll(reader, tag, link, readSize); err != nil {
			return err
		}
		if reader.Connected() {
			return nil
		}
		time.Sleep(b.NextBackOff())
	}
	return fmt.Errorf("handshake did not complete after %d attempts", tries)
}
