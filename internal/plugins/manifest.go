package plugins

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/corvalhq/corval/internal/events"
	"github.com/corvalhq/corval/internal/permissions"
	apperrors "github.com/corvalhq/corval/pkg/errors"
)

// DefaultEntrypoint is the function dispatch calls when the manifest does
// not name one.
const DefaultEntrypoint = "Handle"

var (
	namePattern       = regexp.MustCompile(`^[a-z][a-z0-9-]{1,63}$`)
	versionPattern    = regexp.MustCompile(`^v?\d+\.\d+(?:\.\d+)?(?:[-+][0-9A-Za-z.\-]+)?$`)
	entrypointPattern = regexp.MustCompile(`^[A-Z][A-Za-z0-9_]*$`)
)

// Manifest describes a plugin: what it is called, which events it hooks,
// and which host capabilities it may use.
type Manifest struct {
	Name         string   `json:"name"`
	Version      string   `json:"version"`
	Description  string   `json:"description,omitempty"`
	Author       string   `json:"author,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
	Hooks        []string `json:"hooks,omitempty"`
	Entrypoint   string   `json:"entrypoint,omitempty"`
}

// ParseManifest decodes and validates a manifest document.
func ParseManifest(raw []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, apperrors.NewBadRequest("manifest is not valid JSON: " + err.Error())
	}
	m.normalize()
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *Manifest) normalize() {
	m.Name = strings.TrimSpace(m.Name)
	m.Version = strings.TrimSpace(m.Version)
	m.Description = strings.TrimSpace(m.Description)
	m.Author = strings.TrimSpace(m.Author)
	m.Entrypoint = strings.TrimSpace(m.Entrypoint)
	if m.Entrypoint == "" {
		m.Entrypoint = DefaultEntrypoint
	}
	m.Capabilities = dedupeStrings(m.Capabilities)
	m.Hooks = dedupeStrings(m.Hooks)
}

// Validate checks the manifest against the naming rules, the permission
// registry, and the canonical event names.
func (m *Manifest) Validate() error {
	if !namePattern.MatchString(m.Name) {
		return apperrors.NewBadRequest("plugin name must be lowercase letters, digits, and dashes (2-64 chars)")
	}
	if !versionPattern.MatchString(m.Version) {
		return apperrors.NewBadRequest(fmt.Sprintf("plugin version %q is not a release version", m.Version))
	}
	if !entrypointPattern.MatchString(m.Entrypoint) {
		return apperrors.NewBadRequest(fmt.Sprintf("entrypoint %q must be an exported identifier", m.Entrypoint))
	}

	for _, capability := range m.Capabilities {
		if _, ok := permissions.Get(capability); !ok {
			return apperrors.NewBadRequest(fmt.Sprintf("capability %q is not a registered permission", capability))
		}
	}
	for _, hook := range m.Hooks {
		if !events.Known(hook) {
			return apperrors.NewBadRequest(fmt.Sprintf("hook %q is not a known event", hook))
		}
	}
	return nil
}

// HandlesEvent reports whether the manifest subscribes to the event name.
func (m *Manifest) HandlesEvent(name string) bool {
	for _, hook := range m.Hooks {
		if hook == name {
			return true
		}
	}
	return false
}

// Grants reports whether the manifest lists the capability.
func (m *Manifest) Grants(capability string) bool {
	for _, c := range m.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}

func dedupeStrings(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
