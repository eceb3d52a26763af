// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package config

import (
	"bytes"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/go-logr/logr"
	"gopkg.in/yaml.v3"
)

// FSLoader loads Subscription and Trigger documents from a directory tree and
// watches it for changes. JSON files are decoded as YAML.
type FSLoader struct {
	mu sync.RWMutex

	basePath string
	watcher  *fsnotify.Watcher
	logger   logr.Logger
	done     chan struct{}
	wg       sync.WaitGroup
	subs     watchers

	cache map[string]Instance
	// paths maps a file to the cache key of the document it holds
	paths map[string]string
}

func NewFSLoader(basePath string, logger logr.Logger) (*FSLoader, error) {
	fsLogger := logger.WithName("config.loader.fs")

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create filesystem watcher: %w", err)
	}
	closeWatcher := func() {
		if err := watcher.Close(); err != nil {
			fsLogger.Error(err, "failed to close fs watcher")
		}
	}

	if err := addWatches(watcher, basePath, fsLogger); err != nil {
		defer closeWatcher()
		return nil, fmt.Errorf("failed to add watches: %w", err)
	}

	fl := &FSLoader{
		basePath: basePath,
		watcher:  watcher,
		logger:   fsLogger,
		done:     make(chan struct{}, 1),
		cache:    make(map[string]Instance),
		paths:    make(map[string]string),
	}

	// Scan existing files to populate cache.
	if err := fl.initLoadFiles(); err != nil {
		defer closeWatcher()
		return nil, fmt.Errorf("failed to scan existing config files: %w", err)
	}

	fl.wg.Add(1)
	go fl.processEvents()

	return fl, nil
}

func (fl *FSLoader) initLoadFiles() error {
	return filepath.WalkDir(fl.basePath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			fl.logger.V(1).Info("skipping path with error", "path", path, "error", err)
			return nil
		}

		if d.IsDir() || !fl.isConfigFile(path) {
			return nil
		}

		// Load and cache existing config files
		_, err = fl.loadConfigFile(path)
		if err != nil {
			fl.logger.Error(err, "failed to load existing config file at startup", "path", path)
		}

		return nil
	})
}

func (fl *FSLoader) Watch(opts Options) <-chan Instance {
	ch := fl.subs.add(opts.Filters)
	// ch will be nil if closed
	if ch == nil {
		return ch
	}

	fl.wg.Add(1)
	go func() {
		defer fl.wg.Done()

		configs, err := fl.ListConfigs(opts)
		if err != nil {
			fl.logger.Error(err, "failed to get current configs for watch")
			return
		}

		for _, instances := range configs {
			for _, instance := range instances {
				select {
				case ch <- instance:
				case <-fl.done:
					return
				}
			}
		}
	}()

	return ch
}

func (fl *FSLoader) ListConfigs(opts Options) (map[Kind][]Instance, error) {
	configs := make(map[Kind][]Instance)

	fl.mu.RLock()
	defer fl.mu.RUnlock()

	for _, instance := range fl.cache {
		if !Matches(instance, opts.Filters) {
			continue
		}

		configs[instance.Kind] = append(configs[instance.Kind], instance.Copy())
	}

	return configs, nil
}

func (fl *FSLoader) GetConfig(kind Kind, name string) (Instance, error) {
	cacheKey := fl.getCacheKey(kind, name)

	fl.mu.RLock()
	instance, exists := fl.cache[cacheKey]
	fl.mu.RUnlock()

	if !exists {
		return Instance{}, fmt.Errorf("config %s of kind %s not found", name, kind)
	}
	return instance.Copy(), nil
}

func (fl *FSLoader) Close() error {
	close(fl.done)
	fl.wg.Wait()
	fl.subs.close()
	return fl.watcher.Close()
}

func (fl *FSLoader) processEvents() {
	defer fl.wg.Done()
	for {
		select {
		case <-fl.done:
			return
		case event, ok := <-fl.watcher.Events:
			if !ok {
				return
			}
			fl.handleEvent(event)
		case err, ok := <-fl.watcher.Errors:
			if !ok {
				return
			}
			fl.logger.Error(err, "filesystem watcher error")
		}
	}
}

func (fl *FSLoader) handleEvent(event fsnotify.Event) {
	if !fl.isConfigFile(event.Name) {
		return
	}

	fl.logger.V(1).Info("received file event", "file", event.Name, "op", event.Op)

	switch {
	case event.Has(fsnotify.Create) || event.Has(fsnotify.Write):
		fl.processConfigFile(event.Name)
	case event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename):
		fl.removeConfigFile(event.Name)
	}
}

func (fl *FSLoader) isConfigFile(filename string) bool {
	ext := strings.ToLower(filepath.Ext(filename))
	return ext == ".json" || ext == ".yaml" || ext == ".yml"
}

func (fl *FSLoader) processConfigFile(filename string) {
	instance, err := fl.loadConfigFile(filename)
	if err != nil {
		fl.logger.Error(err, "failed to load config file", "path", filename)
	}
	// Always send instance to watchers, even if invalid
	fl.subs.send(instance)
}

// removeConfigFile expires the document previously loaded from filename.
func (fl *FSLoader) removeConfigFile(filename string) {
	fl.mu.Lock()
	cacheKey, ok := fl.paths[filename]
	if !ok {
		fl.mu.Unlock()
		return
	}
	delete(fl.paths, filename)
	instance, ok := fl.cache[cacheKey]
	delete(fl.cache, cacheKey)
	fl.mu.Unlock()

	if !ok {
		return
	}
	fl.logger.V(1).Info("config file removed", "path", filename, "kind", instance.Kind, "name", instance.Name)
	instance.Expired = true
	fl.subs.send(instance)
}

func (fl *FSLoader) loadConfigFile(filename string) (Instance, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return Instance{Status: StatusInvalid}, fmt.Errorf("failed to read config file: %w", err)
	}

	if len(bytes.TrimSpace(data)) == 0 {
		return Instance{Status: StatusInvalid}, fmt.Errorf("config file is empty")
	}

	doc := &Document{}
	if err := yaml.Unmarshal(data, doc); err != nil {
		return Instance{Status: StatusInvalid}, fmt.Errorf("failed to unmarshal config file: %w", err)
	}

	instance, parseErr := Parse(doc)
	if instance.Kind == "" || instance.Name == "" {
		return instance, parseErr
	}

	cacheKey := fl.getCacheKey(instance.Kind, instance.Name)
	fl.mu.Lock()
	defer fl.mu.Unlock()
	prevInstance, exists := fl.cache[cacheKey]

	if exists && prevInstance.Object != nil && instance.Version != "" && prevInstance.Version != "" {
		if cmp, err := CompareVersions(instance.Version, prevInstance.Version); err == nil && cmp < 0 {
			return prevInstance, fmt.Errorf("ignoring %s %s version %s older than loaded version %s",
				instance.Kind, instance.Name, instance.Version, prevInstance.Version)
		}
	}

	if parseErr == nil || prevInstance.Object == nil {
		fl.cache[cacheKey] = instance
		fl.paths[filename] = cacheKey
	}

	return instance, parseErr
}

func (fl *FSLoader) getCacheKey(kind Kind, name string) string {
	return string(kind) + ":" + name
}

func addWatches(watcher *fsnotify.Watcher, path string, logger logr.Logger) error {
	return filepath.WalkDir(path, func(walkPath string, d fs.DirEntry, err error) error {
		if err != nil {
			logger.V(1).Info("skipping path with error", "path", walkPath, "error", err)
			return nil
		}

		if d.IsDir() {
			if err := watcher.Add(walkPath); err != nil {
				return err
			}
			logger.V(1).Info("watching directory", "path", walkPath)
		}

		return nil
	})
}
