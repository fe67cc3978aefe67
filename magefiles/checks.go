//go:build mage

package main

import (
	"fmt"
	"runtime"
	"strings"

	semver "github.com/Masterminds/semver/v3"
	"github.com/magefile/mage/sh"
	"github.com/pkg/errors"
)

// Minimum versions of the tools used to build and test tannoy.
const (
	GO_VERSION_CONSTRAINT             = ">= 1.18.0"
	DOCKER_VERSION_CONSTRAINT         = ">= 19.0.0"
	DOCKER_COMPOSE_VERSION_CONSTRAINT = ">= 2.0.0"
	GOLANGCI_LINT_VERSION_CONSTRAINT  = ">= 1.52.0"
)

func binaryWithExt(name string) string {
	if runtime.GOOS == "windows" {
		return fmt.Sprintf("%s.exe", name)
	}
	return name
}

// checkConstraint parses a version string and validates it against a semver
// constraint expression.
func checkConstraint(tool, version, constraintStr string) error {
	parsed, err := semver.NewVersion(version)
	if err != nil {
		return errors.Errorf("error parsing %s version %q: %v", tool, version, err)
	}
	constraint, err := semver.NewConstraint(constraintStr)
	if err != nil {
		return errors.Errorf("error parsing constraint: %v", err)
	}
	if !constraint.Check(parsed) {
		return errors.Errorf("found %s version %v but it failed constraint %v", tool, parsed, constraint)
	}
	return nil
}

func goBinary() string {
	return binaryWithExt("go")
}

func goOutput(args ...string) (string, error) {
	return sh.Output(goBinary(), args...)
}

func goRun(args ...string) error {
	return sh.Run(goBinary(), args...)
}

func goCheck() error {
	output, err := goOutput("version")
	if err != nil {
		return errors.Errorf("error running version cmd: %v", err)
	}
	fields := strings.Fields(output)
	if len(fields) < 3 {
		return errors.Errorf("unexpected version cmd output: %s", output)
	}
	return checkConstraint("go", strings.TrimPrefix(fields[2], "go"), GO_VERSION_CONSTRAINT)
}

func dockerBinary() string {
	return binaryWithExt("docker")
}

func dockerRun(args ...string) error {
	return sh.Run(dockerBinary(), args...)
}

func dockerCheck() error {
	output, err := sh.Output(dockerBinary(), "--version")
	if err != nil {
		return errors.Errorf("error running version cmd: %v", err)
	}
	fields := strings.Fields(output)
	if len(fields) < 3 {
		return errors.Errorf("unexpected version cmd output: %s", output)
	}
	return checkConstraint("docker", strings.Trim(fields[2], ","), DOCKER_VERSION_CONSTRAINT)
}

func dockerComposeBinary() string {
	return binaryWithExt("docker-compose")
}

func dockerComposeRun(args ...string) error {
	return sh.Run(dockerComposeBinary(), args...)
}

func dockerComposeCheck() error {
	output, err := sh.Output(dockerComposeBinary(), "version")
	if err != nil {
		return errors.Errorf("error running version cmd: %v", err)
	}
	fields := strings.Fields(output)
	if len(fields) < 4 {
		return errors.Errorf("unexpected version cmd output: %s", output)
	}
	return checkConstraint("docker-compose", strings.TrimPrefix(fields[3], "v"), DOCKER_COMPOSE_VERSION_CONSTRAINT)
}

func golangcilintBinary() string {
	return binaryWithExt("golangci-lint")
}

func golangcilintRun(args ...string) error {
	return sh.Run(golangcilintBinary(), args...)
}

func golangciLintCheck() error {
	output, err := sh.Output(golangcilintBinary(), "--version")
	if err != nil {
		return errors.Errorf("error running version cmd: %v", err)
	}
	fields := strings.Fields(output)
	if len(fields) < 4 {
		return errors.Errorf("unexpected version cmd output: %s", output)
	}
	return checkConstraint("golangci-lint", strings.TrimPrefix(fields[3], "v"), GOLANGCI_LINT_VERSION_CONSTRAINT)
}
