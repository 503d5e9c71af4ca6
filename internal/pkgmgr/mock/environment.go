// ABOUTME: In-memory package environment and test runner for mock mode and tests.
// ABOUTME: Behaves like a pip environment without touching a real interpreter.

package mock

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jfeddern/VulnRemedy/internal/pkgmgr"
	"github.com/jfeddern/VulnRemedy/internal/types"
)

// Environment implements pkgmgr.PackageManager over a map of installed packages
type Environment struct {
	mutex     sync.Mutex
	installed map[string]pkgmgr.Package    // keyed by normalized name
	broken    map[string]bool              // installs of these names always fail
	conflicts map[string][]string          // dry-run conflicts keyed by requirement
	deps      map[string]map[string]string // dependencies installed along with a requirement
	problems  []string                     // reported by Check
	noImport  map[string]bool
	calls     []string
}

// NewEnvironment creates an environment with the given name -> version packages installed
func NewEnvironment(packages map[string]string) *Environment {
	env := &Environment{
		installed: make(map[string]pkgmgr.Package),
		broken:    make(map[string]bool),
		conflicts: make(map[string][]string),
		deps:      make(map[string]map[string]string),
		noImport:  make(map[string]bool),
	}
	for name, version := range packages {
		env.installed[pkgmgr.NormalizeName(name)] = pkgmgr.Package{Name: name, Version: version}
	}
	return env
}

// BreakInstall makes every install that includes name fail
func (e *Environment) BreakInstall(name string) {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	e.broken[pkgmgr.NormalizeName(name)] = true
}

// AddConflict makes DryRunInstall of req report a conflict
func (e *Environment) AddConflict(req, conflict string) {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	e.conflicts[req] = append(e.conflicts[req], conflict)
}

// PullsIn makes a plain install of req also install the missing packages of deps,
// as pip does. Forced installs run without dependencies.
func (e *Environment) PullsIn(req string, deps map[string]string) {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	e.deps[req] = deps
}

// AddProblem makes Check report a broken requirement
func (e *Environment) AddProblem(problem string) {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	e.problems = append(e.problems, problem)
}

// BreakImport makes ImportCheck of module fail
func (e *Environment) BreakImport(module string) {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	e.noImport[module] = true
}

// Calls returns the operations performed so far, e.g. "install requests==2.31.0"
func (e *Environment) Calls() []string {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return append([]string(nil), e.calls...)
}

// Snapshot returns the installed packages as sorted name==version lines
func (e *Environment) Snapshot() []string {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return e.snapshot()
}

func (e *Environment) snapshot() []string {
	lines := make([]string, 0, len(e.installed))
	for _, pkg := range e.installed {
		lines = append(lines, pkg.Name+"=="+pkg.Version)
	}
	sort.Strings(lines)
	return lines
}

func (e *Environment) record(format string, args ...interface{}) {
	e.calls = append(e.calls, fmt.Sprintf(format, args...))
}

func (e *Environment) InstalledVersion(_ context.Context, name string) (string, error) {
	if err := pkgmgr.ValidatePackageName(name); err != nil {
		return "", err
	}
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return e.installed[pkgmgr.NormalizeName(name)].Version, nil
}

func (e *Environment) Freeze(_ context.Context) ([]string, error) {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	e.record("freeze")
	return e.snapshot(), nil
}

func (e *Environment) List(_ context.Context) ([]pkgmgr.Package, error) {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	packages := make([]pkgmgr.Package, 0, len(e.installed))
	for _, pkg := range e.installed {
		packages = append(packages, pkg)
	}
	sort.Slice(packages, func(i, j int) bool { return packages[i].Name < packages[j].Name })
	return packages, nil
}

func (e *Environment) DryRunInstall(_ context.Context, req pkgmgr.Requirement) ([]string, error) {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	e.record("dry-run %s", req)
	return append([]string(nil), e.conflicts[req.String()]...), nil
}

func (e *Environment) Check(_ context.Context) ([]string, error) {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	e.record("check")
	return append([]string(nil), e.problems...), nil
}

func (e *Environment) Install(_ context.Context, reqs []pkgmgr.Requirement, opts pkgmgr.InstallOptions) error {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	specs := make([]string, len(reqs))
	for i, req := range reqs {
		specs[i] = req.String()
	}
	if opts.Force {
		e.record("install --force %s", strings.Join(specs, " "))
	} else {
		e.record("install %s", strings.Join(specs, " "))
	}

	for _, req := range reqs {
		if err := pkgmgr.ValidatePackageName(req.Name); err != nil {
			return err
		}
		if e.broken[pkgmgr.NormalizeName(req.Name)] {
			return &pkgmgr.CommandError{Op: "pip install", ExitCode: 1, Output: "ERROR: No matching distribution found for " + req.String()}
		}
	}

	for _, req := range reqs {
		key := pkgmgr.NormalizeName(req.Name)
		version := req.Version
		if version == "" {
			if current, ok := e.installed[key]; ok {
				version = current.Version
			} else {
				version = "0.0.0"
			}
		}
		e.installed[key] = pkgmgr.Package{Name: req.Name, Version: version}

		if opts.Force {
			continue
		}
		for dep, depVersion := range e.deps[req.String()] {
			if _, ok := e.installed[pkgmgr.NormalizeName(dep)]; !ok {
				e.installed[pkgmgr.NormalizeName(dep)] = pkgmgr.Package{Name: dep, Version: depVersion}
			}
		}
	}
	return nil
}

func (e *Environment) Uninstall(_ context.Context, names []string) error {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	e.record("uninstall %s", strings.Join(names, " "))

	for _, name := range names {
		delete(e.installed, pkgmgr.NormalizeName(name))
	}
	return nil
}

func (e *Environment) ImportCheck(_ context.Context, module string) error {
	if err := pkgmgr.ValidateModuleName(module); err != nil {
		return err
	}
	e.mutex.Lock()
	defer e.mutex.Unlock()
	e.record("import %s", module)

	if e.noImport[module] {
		return &pkgmgr.CommandError{Op: "import " + module, ExitCode: 1, Output: "ModuleNotFoundError: No module named '" + module + "'"}
	}
	return nil
}

// TestRunner returns canned summaries, optionally deciding from the environment state
type TestRunner struct {
	mutex  sync.Mutex
	decide func() (*types.TestRunSummary, error)
	runs   int
}

// NewTestRunner creates a runner whose outcome is computed by decide on each run
func NewTestRunner(decide func() (*types.TestRunSummary, error)) *TestRunner {
	return &TestRunner{decide: decide}
}

// PassingTestRunner always reports a green suite
func PassingTestRunner() *TestRunner {
	return NewTestRunner(func() (*types.TestRunSummary, error) {
		return &types.TestRunSummary{Passed: 10, Duration: time.Second}, nil
	})
}

// FailingWhen reports a failing suite whenever broken returns true
func FailingWhen(broken func() bool) *TestRunner {
	return NewTestRunner(func() (*types.TestRunSummary, error) {
		if broken() {
			return &types.TestRunSummary{Passed: 8, Failed: 2, ExitCode: 1, Duration: time.Second}, nil
		}
		return &types.TestRunSummary{Passed: 10, Duration: time.Second}, nil
	})
}

func (t *TestRunner) Run(_ context.Context) (*types.TestRunSummary, error) {
	t.mutex.Lock()
	t.runs++
	t.mutex.Unlock()
	return t.decide()
}

// Runs returns how often the suite was executed
func (t *TestRunner) Runs() int {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return t.runs
}
