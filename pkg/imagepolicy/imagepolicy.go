// Package imagepolicy enforces the registry allow-list and resolves image
// references before containers are created. It normalizes short names the
// way the Docker CLI does, rejects registries outside the allow-list,
// ensures the image is present on the engine (pulling with per-registry
// credentials when needed), and optionally pins the resolved reference to
// the image's content digest.
package imagepolicy

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/distribution/reference"
	"github.com/docker/docker/api/types/registry"

	"github.com/benchd/benchd/pkg/log"
	"github.com/benchd/benchd/pkg/metrics"
	"github.com/benchd/benchd/pkg/runtime"
	"github.com/benchd/benchd/pkg/types"
)

// DefaultRegistry is assumed for references that carry no registry host.
const DefaultRegistry = "docker.io"

// Resolved is the outcome of policy resolution for an image reference.
type Resolved struct {
	Requested   string // reference as the client sent it
	ResolvedRef string // normalized reference, digest-pinned when requested
	Digest      string // repo digest, set only when pinning succeeded
	Registry    string // registry host the reference points at
}

// Policy validates and resolves image references.
type Policy struct {
	runtime           runtime.Runtime
	allowedRegistries []string
	auths             map[string]registry.AuthConfig

	mu          sync.RWMutex
	digestCache map[string]string
}

// New creates a Policy. dockerConfigJSON is the raw contents of a Docker
// config file ({"auths": {...}}) or empty for anonymous pulls; a malformed
// value fails construction rather than silently pulling unauthenticated.
func New(rt runtime.Runtime, allowedRegistries []string, dockerConfigJSON string) (*Policy, error) {
	auths, err := parseDockerConfig(dockerConfigJSON)
	if err != nil {
		return nil, fmt.Errorf("failed to parse registry credentials: %w", err)
	}
	return &Policy{
		runtime:           rt,
		allowedRegistries: allowedRegistries,
		auths:             auths,
		digestCache:       make(map[string]string),
	}, nil
}

func parseDockerConfig(raw string) (map[string]registry.AuthConfig, error) {
	if raw == "" {
		return nil, nil
	}
	var cfg struct {
		Auths map[string]registry.AuthConfig `json:"auths"`
	}
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return nil, err
	}
	return cfg.Auths, nil
}

// Normalize expands a short image name to its fully qualified form:
// "python:3.11" becomes "docker.io/library/python:3.11" and
// "acme/tool" becomes "docker.io/acme/tool". References that already name
// a registry pass through unchanged.
func Normalize(ref string) string {
	if !strings.Contains(ref, "/") {
		return DefaultRegistry + "/library/" + ref
	}
	first := ref[:strings.Index(ref, "/")]
	if !strings.Contains(first, ".") && !strings.Contains(first, ":") {
		return DefaultRegistry + "/" + ref
	}
	return ref
}

// RegistryOf extracts the registry host from a normalized reference.
func RegistryOf(normalized string) string {
	first, _, ok := strings.Cut(normalized, "/")
	if !ok || (!strings.Contains(first, ".") && !strings.Contains(first, ":")) {
		return DefaultRegistry
	}
	return first
}

// Resolve normalizes the requested reference, enforces the allow-list,
// ensures the image is present on the engine, and pins the digest when
// asked. Policy violations and pull failures surface as ImagePolicyError.
func (p *Policy) Resolve(ctx context.Context, requested string, pinDigest bool) (*Resolved, error) {
	if requested == "" {
		return nil, &types.ImagePolicyError{Message: "image reference is empty"}
	}

	normalized := Normalize(requested)
	if _, err := reference.ParseNormalizedNamed(requested); err != nil {
		return nil, &types.ImagePolicyError{Message: fmt.Sprintf("invalid image reference %q: %v", requested, err)}
	}

	reg := RegistryOf(normalized)
	if !p.registryAllowed(reg) {
		return nil, &types.ImagePolicyError{
			Message: fmt.Sprintf("registry %q is not in the allowed list %v", reg, p.allowedRegistries),
		}
	}

	if err := p.ensurePresent(ctx, normalized, reg); err != nil {
		return nil, err
	}

	resolved := &Resolved{
		Requested:   requested,
		ResolvedRef: normalized,
		Registry:    reg,
	}

	if pinDigest {
		digest, err := p.resolveDigest(ctx, normalized)
		if err != nil {
			logger := log.WithComponent("imagepolicy")
			logger.Warn().
				Err(err).
				Str("image", normalized).
				Msg("Failed to pin image digest")
		} else if digest != "" {
			resolved.Digest = digest
			resolved.ResolvedRef = pinRef(normalized, digest)
		}
	}

	return resolved, nil
}

func (p *Policy) registryAllowed(reg string) bool {
	for _, allowed := range p.allowedRegistries {
		if strings.EqualFold(allowed, reg) {
			return true
		}
	}
	return false
}

func (p *Policy) ensurePresent(ctx context.Context, ref, reg string) error {
	present, err := p.runtime.ImagePresent(ctx, ref)
	if err != nil {
		return &types.ImagePolicyError{Message: fmt.Sprintf("failed to check image %q: %v", ref, err)}
	}
	if present {
		return nil
	}

	encodedAuth, err := p.encodedAuthFor(reg)
	if err != nil {
		return &types.ImagePolicyError{Message: fmt.Sprintf("failed to encode credentials for %q: %v", reg, err)}
	}

	logger := log.WithComponent("imagepolicy")
	logger.Info().
		Str("image", ref).
		Str("registry", reg).
		Bool("authenticated", encodedAuth != "").
		Msg("Pulling image")

	if err := p.runtime.PullImage(ctx, ref, encodedAuth); err != nil {
		metrics.ImagePullsTotal.WithLabelValues("failure").Inc()
		return &types.ImagePolicyError{Message: fmt.Sprintf("failed to pull image %q: %v", ref, err)}
	}
	metrics.ImagePullsTotal.WithLabelValues("success").Inc()
	return nil
}

func (p *Policy) encodedAuthFor(reg string) (string, error) {
	auth, ok := p.lookupAuth(reg)
	if !ok {
		return "", nil
	}
	return registry.EncodeAuthConfig(auth)
}

func (p *Policy) lookupAuth(reg string) (registry.AuthConfig, bool) {
	if auth, ok := p.auths[reg]; ok {
		return auth, true
	}
	// Docker config files commonly key docker.io credentials by the
	// full auth endpoint URL.
	if reg == DefaultRegistry {
		for _, key := range []string{"https://index.docker.io/v1/", "index.docker.io"} {
			if auth, ok := p.auths[key]; ok {
				return auth, true
			}
		}
	}
	return registry.AuthConfig{}, false
}

func (p *Policy) resolveDigest(ctx context.Context, ref string) (string, error) {
	p.mu.RLock()
	cached, ok := p.digestCache[ref]
	p.mu.RUnlock()
	if ok {
		return cached, nil
	}

	digests, err := p.runtime.ImageRepoDigests(ctx, ref)
	if err != nil {
		return "", fmt.Errorf("failed to read repo digests: %w", err)
	}
	if len(digests) == 0 {
		return "", nil
	}

	// RepoDigests entries look like "repo@sha256:...".
	_, digest, ok := strings.Cut(digests[0], "@")
	if !ok {
		return "", nil
	}

	p.mu.Lock()
	p.digestCache[ref] = digest
	p.mu.Unlock()
	return digest, nil
}

// pinRef embeds a digest into a reference, stripping any tag first.
func pinRef(ref, digest string) string {
	base := ref
	if i := strings.LastIndex(base, ":"); i > strings.LastIndex(base, "/") {
		base = base[:i]
	}
	return base + "@" + digest
}

// ClearDigestCache empties the digest cache. Maintenance calls this so
// re-pinned spawns pick up retagged images.
func (p *Policy) ClearDigestCache() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.digestCache = make(map[string]string)
}
