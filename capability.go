package mcp

import (
	"errors"
	"fmt"
	"slices"
	"sync"
)

// Feature names an optional protocol feature that peers agree on during initialization.
type Feature string

// CapabilityGate holds the features both peers agreed on. It is filled once, during the
// initialize handshake, and only read afterwards.
type CapabilityGate struct {
	mu         sync.RWMutex
	agreed     map[Feature]struct{}
	negotiated bool
}

// Features the server calls on the client.
const (
	FeatureElicitation Feature = "elicitation"
	FeatureCompletion  Feature = "completion"
	FeatureRoots       Feature = "roots"
	FeatureSampling    Feature = "sampling"
)

// Features the client calls on the server.
const (
	FeatureTools     Feature = "tools"
	FeaturePrompts   Feature = "prompts"
	FeatureResources Feature = "resources"
)

var errAlreadyNegotiated = errors.New("capabilities already negotiated")

// Features returns the features the client advertises.
func (c ClientCapabilities) Features() []Feature {
	var fs []Feature
	if c.Elicitation != nil {
		fs = append(fs, FeatureElicitation)
	}
	if c.Completions != nil {
		fs = append(fs, FeatureCompletion)
	}
	if c.Roots != nil {
		fs = append(fs, FeatureRoots)
	}
	if c.Sampling != nil {
		fs = append(fs, FeatureSampling)
	}
	return fs
}

// Features returns the features the server advertises.
func (c ServerCapabilities) Features() []Feature {
	var fs []Feature
	if c.Tools != nil {
		fs = append(fs, FeatureTools)
	}
	if c.Prompts != nil {
		fs = append(fs, FeaturePrompts)
	}
	if c.Resources != nil {
		fs = append(fs, FeatureResources)
	}
	return fs
}

// Negotiate records the features present in both local and remote and returns them sorted.
// local is what this side is prepared to use, remote what the peer advertised. The agreed
// set is fixed after the first call; later calls fail.
func (g *CapabilityGate) Negotiate(local, remote []Feature) ([]Feature, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.negotiated {
		return nil, errAlreadyNegotiated
	}

	agreed := make(map[Feature]struct{})
	for _, f := range local {
		if slices.Contains(remote, f) {
			agreed[f] = struct{}{}
		}
	}
	g.agreed = agreed
	g.negotiated = true

	fs := make([]Feature, 0, len(agreed))
	for f := range agreed {
		fs = append(fs, f)
	}
	slices.Sort(fs)
	return fs, nil
}

// Negotiated reports whether Negotiate has run.
func (g *CapabilityGate) Negotiated() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.negotiated
}

// IsAvailable reports whether the feature was agreed on. Before negotiation nothing is.
func (g *CapabilityGate) IsAvailable(f Feature) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.agreed[f]
	return ok
}

// Require returns ErrCapabilityNotNegotiated unless the feature is available.
func (g *CapabilityGate) Require(f Feature) error {
	if !g.IsAvailable(f) {
		return fmt.Errorf("%w: %s", ErrCapabilityNotNegotiated, f)
	}
	return nil
}
