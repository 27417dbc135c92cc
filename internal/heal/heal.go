// Package heal resolves missing-dependency failures reported during unit
// assimilation. A missing dependency is classified by its name: a dotted
// unit name can be healed by scheduling a new blueprint, a kernel-owned
// name is unrecoverable, and anything else is an external package that is
// only installed when policy explicitly allows it.
package heal

import (
	"regexp"
	"strings"

	"go.uber.org/zap"
)

// Class is the healing classification of a missing dependency.
type Class string

const (
	// ClassUnit is a dependency in the evolved namespace; heal by
	// requesting a blueprint for it.
	ClassUnit Class = "unit"
	// ClassKernel is a protected kernel name; never healable.
	ClassKernel Class = "kernel"
	// ClassExternal is an ecosystem package outside the evolved
	// namespace.
	ClassExternal Class = "external"
)

var unitNamePattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*(\.[a-z_][a-z0-9_]*)+$`)

// BlueprintRequestFunc schedules generation of a missing unit. It returns
// false when the request could not be recorded.
type BlueprintRequestFunc func(name, reason string) bool

// InstallFunc installs an external package. Only invoked when external
// installs are enabled and the package is allowlisted.
type InstallFunc func(pkg string) error

// Policy gates the healer's more dangerous capabilities.
type Policy struct {
	// ProtectedPrefixes marks kernel-owned names. Nil selects the
	// materializer's defaults at construction time.
	ProtectedPrefixes []string
	// AllowExternalInstall enables the install hook. Off by default.
	AllowExternalInstall bool
	// AllowedPackages is the exact-match allowlist consulted when
	// external installs are enabled.
	AllowedPackages []string
}

// Healer turns missing-dependency reports into recovery actions.
type Healer struct {
	policy      Policy
	onBlueprint BlueprintRequestFunc
	install     InstallFunc
	log         *zap.Logger
}

// New creates a healer. onBlueprint may be nil, in which case unit-class
// dependencies are unhealable. install may be nil even when policy allows
// external installs.
func New(policy Policy, onBlueprint BlueprintRequestFunc, install InstallFunc, log *zap.Logger) *Healer {
	if log == nil {
		log = zap.NewNop()
	}
	if policy.ProtectedPrefixes == nil {
		policy.ProtectedPrefixes = []string{"morphogen.", "kernel."}
	}
	return &Healer{policy: policy, onBlueprint: onBlueprint, install: install, log: log}
}

// Classify reports how a missing dependency name should be treated.
func (h *Healer) Classify(name string) Class {
	for _, prefix := range h.policy.ProtectedPrefixes {
		if strings.HasPrefix(name, prefix) {
			return ClassKernel
		}
	}
	if unitNamePattern.MatchString(name) {
		return ClassUnit
	}
	return ClassExternal
}

// ResolveMissingDependency attempts recovery and reports whether a
// recovery action was taken. Kernel names are never recoverable; a false
// return means the caller should record the failure and move on.
func (h *Healer) ResolveMissingDependency(name string) bool {
	switch h.Classify(name) {
	case ClassKernel:
		h.log.Error("missing dependency is kernel-owned, unrecoverable",
			zap.String("dependency", name))
		return false

	case ClassUnit:
		if h.onBlueprint == nil {
			h.log.Warn("no blueprint request hook, cannot heal",
				zap.String("dependency", name))
			return false
		}
		ok := h.onBlueprint(name, "required by a failing unit")
		if ok {
			h.log.Info("requested blueprint for missing unit",
				zap.String("dependency", name))
		}
		return ok

	default:
		return h.installExternal(name)
	}
}

func (h *Healer) installExternal(pkg string) bool {
	if !h.policy.AllowExternalInstall {
		h.log.Warn("external install disabled by policy", zap.String("package", pkg))
		return false
	}
	if !h.allowed(pkg) {
		h.log.Warn("package not in allowlist", zap.String("package", pkg))
		return false
	}
	if h.install == nil {
		return false
	}
	if err := h.install(pkg); err != nil {
		h.log.Error("external install failed", zap.String("package", pkg), zap.Error(err))
		return false
	}
	h.log.Info("installed external package", zap.String("package", pkg))
	return true
}

func (h *Healer) allowed(pkg string) bool {
	for _, a := range h.policy.AllowedPackages {
		if pkg == a {
			return true
		}
	}
	return false
}
