package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// TopicRouting maps event types to publisher topics. Events whose type has
// no entry go to the default topic.
type TopicRouting struct {
	DefaultTopic string            `yaml:"default_topic"`
	Routes       map[string]string `yaml:"routes"`
}

// TopicFor resolves the destination topic for an event type.
func (r TopicRouting) TopicFor(eventType string) string {
	if t, ok := r.Routes[eventType]; ok && t != "" {
		return t
	}
	return r.DefaultTopic
}

// LoadTopicRouting reads the routing YAML at path. An empty path returns a
// routing table that sends everything to defaultTopic.
func LoadTopicRouting(path, defaultTopic string) (TopicRouting, error) {
	routing := TopicRouting{DefaultTopic: defaultTopic, Routes: map[string]string{}}
	if path == "" {
		return routing, nil
	}
	b, err := os.ReadFile(path) //nolint:gosec // Path comes from operator configuration.
	if err != nil {
		return TopicRouting{}, fmt.Errorf("op=config.LoadTopicRouting: %w", err)
	}
	if err := yaml.Unmarshal(b, &routing); err != nil {
		return TopicRouting{}, fmt.Errorf("op=config.LoadTopicRouting: %w", err)
	}
	if routing.DefaultTopic == "" {
		routing.DefaultTopic = defaultTopic
	}
	if routing.Routes == nil {
		routing.Routes = map[string]string{}
	}
	return routing, nil
}
