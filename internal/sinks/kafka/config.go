// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package kafka

import (
	"errors"
	"flag"
	"strings"
	"time"
)

// Command-line flag variables (populated by init())
var (
	flagEnabled      *bool
	flagBrokers      *string
	flagTopic        *string
	flagBatchSize    *int
	flagBatchTimeout *time.Duration
)

func init() {
	flagEnabled = flag.Bool("enable-kafka-sink", false, "Publish readings to Kafka")
	flagBrokers = flag.String("kafka-brokers", "localhost:9092", "Comma-separated Kafka broker addresses")
	flagTopic = flag.String("kafka-topic", "countermon.readings", "Kafka topic readings are published to")
	flagBatchSize = flag.Int("kafka-batch-size", 100, "Maximum number of readings per Kafka batch")
	flagBatchTimeout = flag.Duration("kafka-batch-timeout", time.Second, "Maximum time a reading waits before its batch is sent")
}

var (
	ErrNoBrokers = errors.New("at least one kafka broker is required")
	ErrNoTopic   = errors.New("kafka topic is required")
)

type Config struct {
	Brokers      []string
	Topic        string
	BatchSize    int
	BatchTimeout time.Duration
}

// DefaultConfig returns a sensible default configuration
func DefaultConfig() Config {
	return Config{
		Brokers:      []string{"localhost:9092"},
		Topic:        "countermon.readings",
		BatchSize:    100,
		BatchTimeout: time.Second,
	}
}

// Validate ensures the configuration is valid and sets reasonable defaults.
func (c *Config) Validate() error {
	if len(c.Brokers) == 0 {
		return ErrNoBrokers
	}
	if c.Topic == "" {
		return ErrNoTopic
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.BatchTimeout <= 0 {
		c.BatchTimeout = time.Second
	}
	return nil
}

// IsEnabled returns whether the Kafka sink is enabled via flags
func IsEnabled() bool {
	return flagEnabled != nil && *flagEnabled
}

// GetConfigFromFlags builds a Config from the package's command-line flags
func GetConfigFromFlags() Config {
	config := DefaultConfig()

	if flagBrokers != nil {
		config.Brokers = nil
		for _, b := range strings.Split(*flagBrokers, ",") {
			if b = strings.TrimSpace(b); b != "" {
				config.Brokers = append(config.Brokers, b)
			}
		}
	}
	if flagTopic != nil && *flagTopic != "" {
		config.Topic = *flagTopic
	}
	if flagBatchSize != nil && *flagBatchSize > 0 {
		config.BatchSize = *flagBatchSize
	}
	if flagBatchTimeout != nil && *flagBatchTimeout > 0 {
		config.BatchTimeout = *flagBatchTimeout
	}

	return config
}
