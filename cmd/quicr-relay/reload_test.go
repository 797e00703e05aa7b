// SPDX-FileCopyrightText: 2023 Hactar Contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"os"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
)

func TestConfigWatcher(t *testing.T) {
	defer log.SetLevel(log.GetLevel())
	defer log.SetFormatter(&log.TextFormatter{})

	filename := writeConfig(t, "[logging]\nlevel = \"info\"\n")

	reloaded := make(chan tomlConfig, 8)
	cw, err := watchConfig(filename, reloaded)
	if err != nil {
		t.Fatal(err)
	}
	defer cw.Close()

	if err := os.WriteFile(filename, []byte("[logging]\nlevel = \"warn\"\n"), 0600); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(5 * time.Second)
	for {
		select {
		case conf := <-reloaded:
			if conf.Logging.Level != "warn" {
				// A partially written file may be read first.
				continue
			}
			if log.GetLevel() != log.WarnLevel {
				t.Fatalf("log level is %v", log.GetLevel())
			}
			return

		case <-deadline:
			t.Fatal("configuration was not reloaded")
		}
	}
}
