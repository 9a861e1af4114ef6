// Copyright (c) 2016 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

package glue

import (
	"bufio"
	"io"
	"net"

	"github.com/mdlayher/vsock"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// DebugSink is a host-side AF_VSOCK listener streaming structured
// boot/event logs off-box, analogous to kata's hybrid-vsock agent
// channel (vSockPort/vSockLogsPort in hypervisor.go) repurposed here
// for outbound diagnostics rather than an inbound guest-agent protocol
// (SPEC_FULL.md §2 DOMAIN STACK, spec.md's "Debug/CLI/logging/serial
// I/O -- any sink" collaborator).
type DebugSink struct {
	ln     *vsock.Listener
	logger *logrus.Entry
}

// NewDebugSink opens a vsock listener on port, accepting a single
// management-side connection at a time. A nil return with no error
// never happens; callers that don't want vsock debug streaming simply
// don't construct a DebugSink and log to logrus' default output
// instead.
func NewDebugSink(port uint32) (*DebugSink, error) {
	ln, err := vsock.Listen(port, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "glue: opening vsock debug sink on port %d", port)
	}
	return &DebugSink{ln: ln, logger: glueLogger.WithField("vsock_port", port)}, nil
}

// Serve accepts connections in a loop, copying every accepted
// connection's writes to out (typically os.Stdout or a multi-writer
// also feeding logrus), until the listener is closed.
func (d *DebugSink) Serve(out io.Writer) error {
	for {
		conn, err := d.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return errors.Wrap(err, "glue: accepting vsock debug connection")
		}
		d.logger.WithField("remote", conn.RemoteAddr()).Info("debug sink connection accepted")
		go d.pump(conn, out)
	}
}

func (d *DebugSink) pump(conn net.Conn, out io.Writer) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	if _, err := io.Copy(out, r); err != nil && !errors.Is(err, io.EOF) {
		d.logger.WithError(err).Debug("debug sink connection ended")
	}
}

// Close stops accepting new connections.
func (d *DebugSink) Close() error {
	return d.ln.Close()
}
