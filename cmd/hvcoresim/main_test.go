// Copyright (c) 2016 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestRunBootsPrimaryGuestAgainstSimulator exercises the same
// boot -> register guest -> first VM entry path main() drives, so the
// reference composition root has a regression check independent of
// manually running the binary.
func TestRunBootsPrimaryGuestAgainstSimulator(t *testing.T) {
	err := run()
	require.NoError(t, err)
}

func TestHaltLoggerIsAHalter(t *testing.T) {
	var h interface{ Halt(string) } = haltLogger{}
	assert.NotNil(t, h)
}
