//go:build mage

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/magefile/mage/mg"
	"github.com/magefile/mage/sh"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

var services = []string{"redis"}

// BootstrapTools installs all tools needed to build and test tannoy.
// For the list of tools this will install, see tools.yaml in the root directory.
func BootstrapTools() error {
	mg.Deps(goCheck)
	type ToolsList struct {
		Tools []string
	}

	tools := &ToolsList{}
	err := readYaml("tools.yaml", tools)
	if err != nil {
		return err
	}

	for _, tool := range tools.Tools {
		err := goRun("install", tool)
		if err != nil {
			return err
		}
	}
	return nil
}

// Check dependent tools are present and the correct version.
func CheckDeps() error {
	checks := []struct {
		name  string
		check func() error
	}{
		{"docker", dockerCheck},
		{"docker-compose", dockerComposeCheck},
		{"go", goCheck},
		{"golangci-lint", golangciLintCheck},
	}
	failures := false
	for _, check := range checks {
		fmt.Printf("Checking %s... ", check.name)
		if err := check.check(); err != nil {
			fmt.Printf("FAILED\nReason: %v\n", err)
			failures = true
		} else {
			fmt.Println("PASSED")
		}
	}
	if failures {
		return errors.New("check(s) failed.")
	}
	return nil
}

// Clean removes build and test output.
func Clean() {
	fmt.Println("Cleaning...")
	for _, path := range []string{"bin", "test_reports", "tannoy-records.db"} {
		os.RemoveAll(path)
	}
}

// Build compiles the tannoy server and tannoyctl into ./bin.
func Build() error {
	mg.Deps(goCheck)
	ldflags, err := buildLdflags()
	if err != nil {
		return err
	}
	for _, target := range []string{"tannoy", "tannoyctl"} {
		out := filepath.Join("bin", binaryWithExt(target))
		if err := goRun("build", "-ldflags", ldflags, "-o", out, "./cmd/"+target); err != nil {
			return err
		}
	}
	return nil
}

func buildLdflags() (string, error) {
	version := os.Getenv("RELEASE_VERSION")
	if version == "" {
		version = "dev"
	}
	commit, err := sh.Output("git", "rev-parse", "--short", "HEAD")
	if err != nil {
		commit = "unknown"
	}
	buildTime := time.Now().UTC().Format(time.RFC3339)
	ldflags := fmt.Sprintf(
		"-X github.com/tannoyproject/tannoy/internal/tannoy.Version=%s"+
			" -X github.com/tannoyproject/tannoy/internal/tannoyctl/build.ReleaseVersion=%s"+
			" -X github.com/tannoyproject/tannoy/internal/tannoyctl/build.GitCommit=%s"+
			" -X github.com/tannoyproject/tannoy/internal/tannoyctl/build.BuildTime=%s",
		version, version, commit, buildTime,
	)
	return ldflags, nil
}

// LocalDev starts the backing services and runs the server in the foreground
// against the default config. With records.backend=redis in a config override
// the server uses the composed redis; the sqlite default needs nothing.
func LocalDev() error {
	mg.Deps(StartDependencies)
	fmt.Println("Run: `docker-compose logs -f` to see dependency logs")
	return goRun("run", "cmd/tannoy/main.go")
}

// Stop the backing services started by LocalDev.
func LocalDevStop() {
	mg.Deps(StopDependencies)
}

// StartDependencies brings up the docker-compose services tannoy can use.
func StartDependencies() error {
	servicesArg := append([]string{"up", "-d"}, services...)
	return dockerComposeRun(servicesArg...)
}

// StopDependencies stops the dependencies.
func StopDependencies() error {
	servicesArg := append([]string{"down", "-v"}, services...)
	return dockerComposeRun(servicesArg...)
}

// readYaml reads a yaml file and unmarshalls the result into out
func readYaml(filename string, out interface{}) error {
	bytes, err := os.ReadFile(filename)
	if err != nil {
		return err
	}
	err = yaml.Unmarshal(bytes, out)
	return err
}
