// ABOUTME: Allow-list validation for every value that reaches a subprocess argument list.
// ABOUTME: Package names, versions, module names, requirement specs and test runner commands.

package pkgmgr

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var (
	ErrInvalidPackageName = errors.New("invalid package name")
	ErrInvalidVersion     = errors.New("invalid version")
	ErrInvalidModuleName  = errors.New("invalid module name")
	ErrInvalidRequirement = errors.New("invalid requirement")
	ErrInvalidArgument    = errors.New("invalid command argument")
	ErrDisallowedCommand  = errors.New("command is not allowed")
	ErrNotAbsolute        = errors.New("executable path is not absolute")
)

const maxTokenLength = 128

var (
	// names and versions: alphanumerics plus . _ -
	safeToken = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)
	// test runner arguments additionally allow paths, flags and key=value
	safeArgument = regexp.MustCompile(`^[A-Za-z0-9._/=:,+-]+$`)
)

// AllowedTestRunners are the only test commands the validator will invoke (as python -m <runner>)
var AllowedTestRunners = []string{"pytest", "unittest", "nose2", "tox"}

// ValidatePackageName rejects anything that is not a plain distribution name
func ValidatePackageName(name string) error {
	if !validToken(name) {
		return fmt.Errorf("%w: %q", ErrInvalidPackageName, name)
	}
	return nil
}

// ValidateVersion rejects anything that is not a plain version string
func ValidateVersion(version string) error {
	if !validToken(version) {
		return fmt.Errorf("%w: %q", ErrInvalidVersion, version)
	}
	return nil
}

// ValidateModuleName accepts dotted import paths such as "yaml" or "google.protobuf"
func ValidateModuleName(module string) error {
	if !validToken(module) || strings.Contains(module, "-") || strings.Contains(module, "..") {
		return fmt.Errorf("%w: %q", ErrInvalidModuleName, module)
	}
	return nil
}

// ValidateTestRunner checks the runner against AllowedTestRunners and every argument against the allow-list
func ValidateTestRunner(command string, args []string) error {
	allowed := false
	for _, runner := range AllowedTestRunners {
		if command == runner {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("%w: test runner %q (allowed: %s)", ErrDisallowedCommand, command, strings.Join(AllowedTestRunners, ", "))
	}

	for _, arg := range args {
		if len(arg) > 256 || !safeArgument.MatchString(arg) {
			return fmt.Errorf("%w: %q", ErrInvalidArgument, arg)
		}
	}
	return nil
}

// Requirement is a pinned "name==version" install argument
type Requirement struct {
	Name    string
	Version string
}

func (r Requirement) String() string {
	if r.Version == "" {
		return r.Name
	}
	return r.Name + "==" + r.Version
}

// ParseRequirement validates a "name" or "name==version" line as produced by pip freeze
func ParseRequirement(raw string) (Requirement, error) {
	raw = strings.TrimSpace(raw)
	name, version, pinned := strings.Cut(raw, "==")

	if err := ValidatePackageName(name); err != nil {
		return Requirement{}, fmt.Errorf("%w %q: %v", ErrInvalidRequirement, raw, err)
	}
	if pinned {
		if err := ValidateVersion(version); err != nil {
			return Requirement{}, fmt.Errorf("%w %q: %v", ErrInvalidRequirement, raw, err)
		}
	}
	return Requirement{Name: name, Version: version}, nil
}

// NormalizeName folds a distribution name the way the package index compares them
func NormalizeName(name string) string {
	return strings.NewReplacer("_", "-", ".", "-").Replace(strings.ToLower(name))
}

func validToken(value string) bool {
	return len(value) <= maxTokenLength && safeToken.MatchString(value)
}
