// SPDX-FileCopyrightText: 2023 Hactar Contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package internal

import (
	"syscall"

	"golang.org/x/sys/windows"
)

// ReuseAddrControl sets SO_REUSEADDR on a socket before it is bound. It is meant for net.ListenConfig.Control.
func ReuseAddrControl(_, _ string, c syscall.RawConn) (err error) {
	ctrlErr := c.Control(func(fd uintptr) {
		err = windows.SetsockoptInt(windows.Handle(fd), windows.SOL_SOCKET, windows.SO_REUSEADDR, 1)
	})
	if ctrlErr != nil {
		err = ctrlErr
	}
	return
}
