package models

import (
	"sort"
	"strings"
)

// Sample is a single normalized gauge value produced during a scrape.
type Sample struct {
	Name   string            `json:"name"`
	Help   string            `json:"help"`
	Labels map[string]string `json:"labels"`
	Value  float64           `json:"value"`
}

// LabelNames returns the sample's label names in sorted order.
func (s Sample) LabelNames() []string {
	names := make([]string, 0, len(s.Labels))
	for k := range s.Labels {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// LabelValues returns label values ordered by LabelNames.
func (s Sample) LabelValues() []string {
	names := s.LabelNames()
	values := make([]string, len(names))
	for i, n := range names {
		values[i] = s.Labels[n]
	}
	return values
}

// LabelKey is a stable encoding of the label set, usable as a map key.
func (s Sample) LabelKey() string {
	names := s.LabelNames()
	parts := make([]string, len(names))
	for i, n := range names {
		parts[i] = n + "=" + s.Labels[n]
	}
	return strings.Join(parts, "\xff")
}
