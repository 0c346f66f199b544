package groups

import (
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
)

const (
	// Version is written into serialized group configuration.
	Version = 1

	// ImplicitGroupID names the single group that contains every shade
	// when no explicit groups are configured.
	ImplicitGroupID = "__implicit__"

	// StandalonePrefix prefixes the synthetic group id of a shade that
	// belongs to no configured group.
	StandalonePrefix = "shade:"
)

// Entry describes a configured visual group.
type Entry struct {
	Name string `yaml:"name" json:"name"`
}

// Config holds the configured groups and per-shade memberships. Shades are
// divided into visual groups so that a stop request keeps each group's
// shades visually aligned instead of aligning the whole building.
type Config struct {
	Version    int               `yaml:"version" json:"version"`
	Groups     map[string]Entry  `yaml:"groups" json:"groups"`
	Membership map[string]string `yaml:"membership" json:"membership"`
}

// Partition is an ordered slice of effective groups produced from a list of
// shade ids.
type Partition struct {
	GroupID string
	Shades  []string
}

// NewConfig returns an empty configuration at the current version.
func NewConfig() Config {
	return Config{Version: Version}
}

// HasExplicitGroups reports whether any group is configured.
func (c Config) HasExplicitGroups() bool {
	return len(c.Groups) > 0
}

// StandaloneGroupID returns the synthetic group id for an ungrouped shade.
func StandaloneGroupID(shadeID string) string {
	return StandalonePrefix + shadeID
}

// GroupName resolves a display name for a group id.
func (c Config) GroupName(groupID string) string {
	if groupID == "" || groupID == ImplicitGroupID {
		return "All shades"
	}
	if strings.HasPrefix(groupID, StandalonePrefix) {
		return "Standalone (" + strings.TrimPrefix(groupID, StandalonePrefix) + ")"
	}
	if entry, ok := c.Groups[groupID]; ok {
		return entry.Name
	}
	return groupID
}

// PartitionShades splits shade ids into their effective groups, preserving
// input order within and across groups. A shade whose membership points at
// an undefined group falls back to a standalone group; the undefined group
// ids are returned for reporting.
func (c Config) PartitionShades(shadeIDs []string) ([]Partition, []string) {
	var partitions []Partition
	index := map[string]int{}
	invalid := map[string]struct{}{}

	for _, shadeID := range shadeIDs {
		if shadeID == "" {
			continue
		}

		var groupID string
		configured, hasMembership := c.Membership[shadeID]
		switch {
		case hasMembership && c.hasGroup(configured):
			groupID = configured
		case hasMembership:
			invalid[configured] = struct{}{}
			groupID = StandaloneGroupID(shadeID)
		case !c.HasExplicitGroups():
			groupID = ImplicitGroupID
		default:
			groupID = StandaloneGroupID(shadeID)
		}

		if i, ok := index[groupID]; ok {
			partitions[i].Shades = append(partitions[i].Shades, shadeID)
			continue
		}
		index[groupID] = len(partitions)
		partitions = append(partitions, Partition{GroupID: groupID, Shades: []string{shadeID}})
	}

	invalidIDs := make([]string, 0, len(invalid))
	for groupID := range invalid {
		invalidIDs = append(invalidIDs, groupID)
	}
	sort.Strings(invalidIDs)
	return partitions, invalidIDs
}

func (c Config) hasGroup(groupID string) bool {
	_, ok := c.Groups[groupID]
	return ok
}

// LogInvalidGroups warns once per group id referenced by a membership but
// never defined.
func LogInvalidGroups(invalid []string) {
	for _, groupID := range invalid {
		logrus.Warnf("groups: visual group %q referenced in membership but not defined", groupID)
	}
}

// Normalize drops empty ids, trims whitespace and fills missing group names
// with the group id. Invalid version numbers reset to the current version.
func Normalize(raw Config) Config {
	cfg := NewConfig()
	if raw.Version > 0 {
		cfg.Version = raw.Version
	}

	for groupIDRaw, entry := range raw.Groups {
		groupID := strings.TrimSpace(groupIDRaw)
		if groupID == "" {
			continue
		}
		name := strings.TrimSpace(entry.Name)
		if name == "" {
			name = groupID
		}
		if cfg.Groups == nil {
			cfg.Groups = map[string]Entry{}
		}
		cfg.Groups[groupID] = Entry{Name: name}
	}

	for shadeIDRaw, groupIDRaw := range raw.Membership {
		shadeID := strings.TrimSpace(shadeIDRaw)
		groupID := strings.TrimSpace(groupIDRaw)
		if shadeID == "" || groupID == "" {
			continue
		}
		if cfg.Membership == nil {
			cfg.Membership = map[string]string{}
		}
		cfg.Membership[shadeID] = groupID
	}

	return cfg
}
