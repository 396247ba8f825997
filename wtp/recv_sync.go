// https://github.com/usbarmory/wtp
//
// Copyright (c) F-Secure Corporation
// https://foundry.f-secure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package wtp

import "github.com/usbarmory/wtp/ucontext"

// recvResult carries a RecvCallback invocation's arguments across a
// Bridge handoff to the goroutine blocked in RecvSync.
type recvResult struct {
	data []byte
	err  error
}

// RecvSync blocks the calling goroutine until the next message
// completes reassembly, via the same recv-callback path Recv uses: a
// Bridge suspends the caller, and the callback fired from the RX
// dispatcher (deliverRecvMsgs) resumes it with the message (spec.md
// §4.G "Resume invoked as a normal callback from the RX dispatcher").
func (e *Endpoint) RecvSync() ([]byte, error) {
	bridge := ucontext.New()

	cb := func(_ any, payload []byte, err error) {
		bridge.Resume(recvResult{data: payload, err: err})
	}
	if err := e.Recv(nil, cb); err != nil {
		return nil, err
	}

	res := bridge.Suspend().(recvResult)
	return res.data, res.err
}
