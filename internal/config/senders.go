package config

import (
	"fmt"
	"os"
	"time"

	"go.yaml.in/yaml/v3"
)

// SenderConfig declares one enabled sender pool. Zero fields are filled from
// the environment-level defaults for that sender name.
type SenderConfig struct {
	Name       string        `yaml:"name"`
	Workers    int           `yaml:"workers"`
	QueueLimit int           `yaml:"queue_limit"`
	BatchSize  int           `yaml:"batch_size"`
	Interval   time.Duration `yaml:"interval"`
	RatePerSec float64       `yaml:"rate_per_sec"`
	Retries    int           `yaml:"retries"`
	Platforms  []int         `yaml:"platforms"`
}

type sendersFile struct {
	Senders []SenderConfig `yaml:"senders"`
}

func loadSendersFile(path string) ([]SenderConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read senders file: %w", err)
	}
	var f sendersFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("parse senders file %s: %w", path, err)
	}
	for i, s := range f.Senders {
		if s.Name == "" {
			return nil, fmt.Errorf("senders file %s: entry %d has no name", path, i)
		}
	}
	return f.Senders, nil
}

func (c *Config) applySenderDefaults(s *SenderConfig) {
	if s.Workers <= 0 {
		switch s.Name {
		case "apns":
			s.Workers = c.APNSWorkers
		case "fcm":
			s.Workers = c.FCMWorkers
		case "gcm":
			s.Workers = c.GCMWorkers
		case "sns":
			s.Workers = c.SNSWorkers
		default:
			s.Workers = 1
		}
	}
	if s.QueueLimit <= 0 {
		s.QueueLimit = c.SenderQueueLimit
	}
	if s.BatchSize <= 0 {
		switch s.Name {
		case "apns":
			s.BatchSize = c.APNSBatchSize
		case "fcm":
			s.BatchSize = c.FCMBatchSize
		default:
			s.BatchSize = 1
		}
	}
	if s.Interval == 0 && s.Name == "apns" {
		s.Interval = c.APNSInterval
	}
	if s.Retries <= 0 {
		s.Retries = c.SenderRetries
	}
	if len(s.Platforms) == 0 && s.Name == "sns" {
		s.Platforms = c.SNSPlatforms
	}
}
