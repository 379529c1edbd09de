package model

import "time"

// Criticality ranks how much the network cares about keeping a content
// object alive.
type Criticality string

const (
	CriticalityStandard  Criticality = "standard"
	CriticalityImportant Criticality = "important"
	CriticalityCritical  Criticality = "critical"
	CriticalityVital     Criticality = "vital"
)

// MinReplicas returns the replica floor implied by the criticality tier.
func (c Criticality) MinReplicas() int {
	switch c {
	case CriticalityImportant:
		return 5
	case CriticalityCritical:
		return 7
	case CriticalityVital:
		return 10
	default:
		return 3
	}
}

// ContentMetadata describes an archived content object. It is created on the
// first successful store and mutated only by popularity updates and
// replica-set changes.
type ContentMetadata struct {
	ContentHash       Hash
	Size              uint64
	ContentType       string
	Title             string
	Description       string
	Owner             PublicKey
	CreatedAt         time.Time
	Criticality       Criticality
	Popularity        uint64
	Tags              []string
	PreferredRegions  []string
	DesiredRedundancy int
}

// HasTag reports whether the object carries the given tag.
func (m *ContentMetadata) HasTag(tag string) bool {
	for _, t := range m.Tags {
		if t == tag {
			return true
		}
	}
	return false
}
