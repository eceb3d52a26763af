// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package config

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kkeirstead/diagnostics/internal/counters"
	"github.com/kkeirstead/diagnostics/internal/trigger"
)

// Document is the on-disk envelope of every config file.
type Document struct {
	Kind    Kind      `yaml:"kind"`
	Name    string    `yaml:"name"`
	Version string    `yaml:"version"`
	Expired bool      `yaml:"expired,omitempty"`
	Spec    yaml.Node `yaml:"spec"`
}

// SubscriptionConfig declares a subscription and the named sinks its readings
// are delivered to. An empty Sinks list selects the default sinks.
type SubscriptionConfig struct {
	Filter   counters.FilterSpec `yaml:"filter"`
	Sinks    []string            `yaml:"sinks,omitempty"`
	Duration time.Duration       `yaml:"duration,omitempty"`
}

func (c *SubscriptionConfig) Kind() Kind { return KindSubscription }

func (c *SubscriptionConfig) Validate() error {
	if _, err := counters.NewFilter(c.Filter); err != nil {
		return err
	}
	if c.Duration < 0 {
		return fmt.Errorf("duration cannot be negative: %s", c.Duration)
	}
	return nil
}

func (c *SubscriptionConfig) DeepCopy() Object {
	out := &SubscriptionConfig{
		Filter:   counters.FilterSpec{Interval: c.Filter.Interval},
		Sinks:    slices.Clone(c.Sinks),
		Duration: c.Duration,
	}
	for _, p := range c.Filter.Providers {
		p.Counters = slices.Clone(p.Counters)
		out.Filter.Providers = append(out.Filter.Providers, p)
	}
	return out
}

// TriggerConfig declares a sliding-window trigger over either a structured
// instrument or a classic event counter.
type TriggerConfig struct {
	Instrument   *trigger.Settings             `yaml:"instrument,omitempty"`
	EventCounter *trigger.EventCounterSettings `yaml:"eventCounter,omitempty"`
	Duration     time.Duration                 `yaml:"duration,omitempty"`
}

var ErrAmbiguousTrigger = errors.New("trigger must set exactly one of instrument or eventCounter")

func (c *TriggerConfig) Kind() Kind { return KindTrigger }

func (c *TriggerConfig) Validate() error {
	if (c.Instrument == nil) == (c.EventCounter == nil) {
		return ErrAmbiguousTrigger
	}
	if c.Duration < 0 {
		return fmt.Errorf("duration cannot be negative: %s", c.Duration)
	}
	if c.Instrument != nil {
		return c.Instrument.Validate()
	}
	return c.EventCounter.Validate()
}

func (c *TriggerConfig) DeepCopy() Object {
	out := &TriggerConfig{Duration: c.Duration}
	if c.Instrument != nil {
		s := c.Instrument.Clone()
		out.Instrument = &s
	}
	if c.EventCounter != nil {
		s := c.EventCounter.Clone()
		out.EventCounter = &s
	}
	return out
}

type configParser func(spec *yaml.Node) (Object, error)

var configParsers = map[Kind]configParser{
	KindSubscription: parseInto[SubscriptionConfig],
	KindTrigger:      parseInto[TriggerConfig],
}

func parseInto[T any, PT interface {
	*T
	Object
}](spec *yaml.Node) (Object, error) {
	obj := PT(new(T))
	if err := spec.Decode(obj); err != nil {
		return nil, fmt.Errorf("failed to decode spec: %w", err)
	}
	if err := obj.Validate(); err != nil {
		return obj, err
	}
	return obj, nil
}

// Parse a config document into an Instance.
func Parse(doc *Document) (Instance, error) {
	if doc == nil {
		return Instance{Status: StatusInvalid}, fmt.Errorf("document is nil")
	}

	instance := Instance{
		Kind:    doc.Kind,
		Name:    doc.Name,
		Version: doc.Version,
		Expired: doc.Expired,
	}

	if instance.Kind == "" {
		instance.Status = StatusInvalid
		return instance, fmt.Errorf("document kind is empty")
	}

	if instance.Name == "" {
		instance.Status = StatusInvalid
		return instance, fmt.Errorf("document name is empty")
	}

	if instance.Version != "" {
		if _, err := CompareVersions(instance.Version, ""); err != nil {
			instance.Status = StatusInvalid
			return instance, err
		}
	}

	if doc.Spec.Kind == 0 {
		instance.Status = StatusInvalid
		return instance, fmt.Errorf("document spec is empty")
	}

	parser, exists := configParsers[instance.Kind]
	if !exists {
		instance.Status = StatusInvalid
		return instance, fmt.Errorf("unrecognized kind: %s", instance.Kind)
	}

	obj, err := parser(&doc.Spec)
	if err != nil {
		instance.Status = StatusInvalid
		return instance, fmt.Errorf("failed to parse config: %w", err)
	}

	instance.Object = obj
	instance.Status = StatusOK

	return instance, nil
}

// CompareVersions compares two version strings.
// Returns:
//   - negative if current < prev
//   - zero if current == prev
//   - positive if current > prev
//   - positive if current is non-empty and prev is empty
//
// The return int is undefined if there is an error.
func CompareVersions(current, prev string) (int, error) {
	// Remove 'v' prefix if present
	current = strings.TrimPrefix(current, "v")
	prev = strings.TrimPrefix(prev, "v")

	currentNum, err := strconv.Atoi(current)
	if err != nil {
		return 0, fmt.Errorf("invalid version %s: %w", current, err)
	}

	if prev == "" {
		if currentNum < 0 {
			return 0, fmt.Errorf("version numbers cannot be negative")
		}
		return 1, nil
	}

	prevNum, err := strconv.Atoi(prev)
	if err != nil {
		return 0, fmt.Errorf("invalid version %s: %w", prev, err)
	}

	if currentNum < 0 || prevNum < 0 {
		return 0, fmt.Errorf("version numbers cannot be negative")
	}

	if currentNum < prevNum {
		return -1, nil
	}
	if currentNum > prevNum {
		return 1, nil
	}
	return 0, nil
}
