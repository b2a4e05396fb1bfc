package cache

import (
	"fmt"
	"strings"
)

// Policy names an eviction algorithm. The set is closed and resolved once when a shard is built.
type Policy string

const (
	PolicyRecency            Policy = "recency"
	PolicySegmented          Policy = "segmented"
	PolicyFrequencyAdmission Policy = "frequency-admission"
	PolicySampling           Policy = "sampling"
	PolicyClock              Policy = "clock"
	defaultProtectedRatio           = 0.8
	defaultWindowRatio              = 0.1
	defaultSampleSize               = 5
)

// Policies lists every supported policy.
var Policies = []Policy{PolicyRecency, PolicySegmented, PolicyFrequencyAdmission, PolicySampling, PolicyClock}

// ParsePolicy validates a policy name.
func ParsePolicy(name string) (Policy, error) {
	for _, p := range Policies {
		if strings.EqualFold(name, string(p)) {
			return p, nil
		}
	}
	return "", fmt.Errorf("unknown eviction policy %q", name)
}

// PolicyOptions tunes the segmented and sampling policies. Zero values pick the defaults.
type PolicyOptions struct {
	ProtectedRatio float64 // Fraction of a segmented area reserved for entries accessed more than once.
	WindowRatio    float64 // Fraction of the shard budget held by the admission window of frequency-admission.
	SampleSize     int     // Entries sampled per victim selection by the sampling policy.
	Seed           uint64  // Seed of the sampling policy's random source.
}

func (o PolicyOptions) withDefaults() PolicyOptions {
	if o.ProtectedRatio <= 0 || o.ProtectedRatio > 1 {
		o.ProtectedRatio = defaultProtectedRatio
	}
	if o.WindowRatio <= 0 || o.WindowRatio > 1 {
		o.WindowRatio = defaultWindowRatio
	}
	if o.SampleSize <= 0 {
		o.SampleSize = defaultSampleSize
	}
	return o
}

// evictionPolicy is the capability every algorithm implements. The engine calls it with the shard lock held.
type evictionPolicy interface {
	onInsert(h Handle)
	onAccess(h Handle)
	onRemove(h Handle)
	// selectVictim returns the entry the policy would evict next, or nilHandle when the shard is empty.
	// It must not unlink the victim; the engine calls onRemove once the eviction actually happens. Policies whose
	// selection changes their own state (e.g. clock clears reference bits) also implement victimPeeker.
	selectVictim() Handle
}

// victimPeeker is implemented by policies that can name their next victim without changing any state. Admission
// checks use it so that a rejected candidate leaves the eviction order untouched.
type victimPeeker interface {
	peekVictim() Handle
}

// admissionVictim returns the victim an admission of a new entry would be compared against.
func admissionVictim(policy evictionPolicy) Handle {
	if peeker, ok := policy.(victimPeeker); ok {
		return peeker.peekVictim()
	}
	return policy.selectVictim()
}

// newPolicy builds the algorithm for one shard.
func newPolicy(policy Policy, a *arena, sketch *FrequencySketch, budget int64, opts PolicyOptions) evictionPolicy {
	opts = opts.withDefaults()
	switch policy {
	case PolicySegmented:
		return newSegmentedPolicy(a, budget, opts.ProtectedRatio)
	case PolicyFrequencyAdmission:
		return newWindowedPolicy(a, sketch, budget, opts.WindowRatio, opts.ProtectedRatio)
	case PolicySampling:
		return newSamplingPolicy(a, sketch, opts.SampleSize, opts.Seed)
	case PolicyClock:
		return newClockPolicy(a)
	default:
		return newRecencyPolicy(a)
	}
}
