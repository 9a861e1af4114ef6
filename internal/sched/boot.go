// Copyright (c) 2016 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

package sched

import (
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// BootHooks are the collaborators Bootstrap calls into for everything
// outside cross-cpu sequencing: VMCS capability discovery, guest
// construction from the (already deep-copied) startup struct, and a
// gcpu's first VM entry. internal/glue supplies production
// implementations; cmd/hvcoresim wires them against the hwabi
// simulator.
type BootHooks struct {
	DiscoverCapabilities func() error
	ConstructGuests      func() error
	FirstVMEntry         func(hostCPU int) error
}

// RunBSP is the bootstrap processor's main: run capability discovery
// and guest construction once, then release every AP via the launch
// flag, then perform this cpu's own first VM entry. It does not itself
// wait on APsLaunchedCounter -- callers that need "every AP is up"
// before proceeding call counter.WaitForAll() after RunBSP returns.
func RunBSP(hooks BootHooks, launch *LaunchFlag, bspHostCPU int) error {
	if hooks.DiscoverCapabilities != nil {
		if err := hooks.DiscoverCapabilities(); err != nil {
			return errors.Wrap(err, "sched: VMCS capability discovery")
		}
	}
	if hooks.ConstructGuests != nil {
		if err := hooks.ConstructGuests(); err != nil {
			return errors.Wrap(err, "sched: guest construction")
		}
	}
	launch.Raise()
	if hooks.FirstVMEntry == nil {
		return errors.New("sched: BootHooks.FirstVMEntry is required")
	}
	return hooks.FirstVMEntry(bspHostCPU)
}

// RunAP is one application processor's main: busy-wait on the BSP's
// launch flag, then perform this cpu's own first VM entry and mark
// itself launched.
func RunAP(hooks BootHooks, launch *LaunchFlag, counter *APsLaunchedCounter, hostCPU int) error {
	launch.Wait()
	if hooks.FirstVMEntry == nil {
		return errors.New("sched: BootHooks.FirstVMEntry is required")
	}
	err := hooks.FirstVMEntry(hostCPU)
	counter.MarkLaunched()
	if err != nil {
		schedLogger.WithFields(logrus.Fields{"host_cpu": hostCPU, "error": err}).Error("AP failed first VM entry")
	}
	return err
}
