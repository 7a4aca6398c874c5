package broadcast

import (
	"maps"
	"slices"
	"sync/atomic"
)

type TopicVersion struct {
	Topic   string
	Version uint64
}

// Delta is what a subscriber is missing: newer versions of known topics
// and the topics the server has never heard of.
type Delta struct {
	Updates []TopicVersion
	Unknown []string
}

func (d Delta) Empty() bool {
	return len(d.Updates) == 0 && len(d.Unknown) == 0
}

// Coordinator holds the current broadcast versions. Readers never block:
// the map is immutable and swapped whole on every change.
type Coordinator struct {
	versions atomic.Pointer[map[string]uint64]
}

func NewCoordinator() *Coordinator {
	c := &Coordinator{}
	empty := map[string]uint64{}
	c.versions.Store(&empty)
	return c
}

// Update replaces the whole version map.
func (c *Coordinator) Update(versions map[string]uint64) {
	next := maps.Clone(versions)
	if next == nil {
		next = map[string]uint64{}
	}
	c.versions.Store(&next)
}

// Apply merges single topic updates and reports whether anything changed.
func (c *Coordinator) Apply(updates ...TopicVersion) bool {
	for {
		current := c.versions.Load()
		next := maps.Clone(*current)
		changed := false
		for _, update := range updates {
			if old, ok := next[update.Topic]; !ok || old != update.Version {
				next[update.Topic] = update.Version
				changed = true
			}
		}
		if !changed {
			return false
		}
		if c.versions.CompareAndSwap(current, &next) {
			return true
		}
	}
}

// Snapshot returns the current map. Callers must not modify it.
func (c *Coordinator) Snapshot() map[string]uint64 {
	return *c.versions.Load()
}

// Delta computes what a subscriber that has seen known is missing. A topic
// missing from known counts as version 0, so a first observation is always
// delivered. Results are sorted by topic.
func (c *Coordinator) Delta(known map[string]uint64) Delta {
	current := c.Snapshot()
	var delta Delta
	for topic, seen := range known {
		version, ok := current[topic]
		if !ok {
			delta.Unknown = append(delta.Unknown, topic)
			continue
		}
		if version > seen {
			delta.Updates = append(delta.Updates, TopicVersion{Topic: topic, Version: version})
		}
	}
	slices.SortFunc(delta.Updates, func(a, b TopicVersion) int {
		switch {
		case a.Topic < b.Topic:
			return -1
		case a.Topic > b.Topic:
			return 1
		}
		return 0
	})
	slices.Sort(delta.Unknown)
	return delta
}
