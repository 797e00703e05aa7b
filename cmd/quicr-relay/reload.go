// SPDX-FileCopyrightText: 2023 Hactar Contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

// configWatcher re-applies the Logging block whenever the configuration file is written. Other blocks require a
// restart.
type configWatcher struct {
	filename string
	watcher  *fsnotify.Watcher

	// reloaded receives each successfully parsed configuration, if not nil.
	reloaded chan<- tomlConfig
	done     chan struct{}
}

// watchConfig starts watching filename's directory, so that editors replacing the file are noticed.
func watchConfig(filename string, reloaded chan<- tomlConfig) (cw *configWatcher, err error) {
	cw = &configWatcher{
		filename: filepath.Clean(filename),
		reloaded: reloaded,
		done:     make(chan struct{}),
	}

	if cw.watcher, err = fsnotify.NewWatcher(); err != nil {
		return nil, err
	}
	if err = cw.watcher.Add(filepath.Dir(cw.filename)); err != nil {
		_ = cw.watcher.Close()
		return nil, err
	}

	go cw.handler()
	return cw, nil
}

func (cw *configWatcher) handler() {
	defer close(cw.done)

	for {
		select {
		case e, ok := <-cw.watcher.Events:
			if !ok {
				return
			}

			if filepath.Clean(e.Name) != cw.filename || e.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}

			conf, err := parseConfig(cw.filename)
			if err != nil {
				log.WithError(err).WithField("file", cw.filename).Warn("Reloading configuration errored")
				continue
			}

			log.WithFields(log.Fields{
				"file":      cw.filename,
				"operation": e.Op.String(),
			}).Info("Reloaded logging configuration")

			if cw.reloaded != nil {
				cw.reloaded <- conf
			}

		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			log.WithError(err).Warn("fsnotify errored")
		}
	}
}

// Close stops watching.
func (cw *configWatcher) Close() error {
	err := cw.watcher.Close()
	<-cw.done
	return err
}
