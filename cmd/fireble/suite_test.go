package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/srg/fireble/internal/device"
	"github.com/srg/fireble/internal/testutils"
	"github.com/srg/fireble/scanner"
	"github.com/stretchr/testify/suite"
)

// Test device addresses for consistent fake hub identification
const (
	TestDeviceAddress1 = "AA:BB:CC:DD:9F:3E"
	TestDeviceAddress2 = "11:22:33:44:55:66"
)

// replaySource delivers a fixed advertisement sequence, then waits for ctx
type replaySource struct {
	advs []device.Observation
}

func (r *replaySource) Scan(ctx context.Context, _ bool, handler func(device.Observation)) error {
	for _, a := range r.advs {
		handler(a)
	}
	<-ctx.Done()
	return ctx.Err()
}

// CommandTestSuite provides command execution helpers shared by the
// cmd/fireble suites.
type CommandTestSuite struct {
	suite.Suite
	Helper *testutils.TestHelper

	savedScanSource func() (scanner.Source, error)
	savedNoColor    bool
}

func (s *CommandTestSuite) SetupTest() {
	s.Helper = testutils.NewTestHelper(s.T())
	s.savedScanSource = newScanSource
	s.savedNoColor = color.NoColor
	color.NoColor = true

	// flag variables outlive a single Execute
	scanDuration, scanFormat, scanAll = 10*time.Second, "table", false
	scanAllowList, scanBlockList = nil, nil
	runFollow, runListen = false, ""
}

func (s *CommandTestSuite) TearDownTest() {
	newScanSource = s.savedScanSource
	color.NoColor = s.savedNoColor
}

// UseAdvertisements makes the scan command read advs instead of the radio
func (s *CommandTestSuite) UseAdvertisements(advs ...device.Observation) {
	newScanSource = func() (scanner.Source, error) {
		return &replaySource{advs: advs}, nil
	}
}

// WriteConfig stores content as a config file and returns its path
func (s *CommandTestSuite) WriteConfig(content string) string {
	path := filepath.Join(s.T().TempDir(), "fireble.yaml")
	s.Require().NoError(os.WriteFile(path, []byte(content), 0o600), "config file MUST be written")
	return path
}

// ExecuteCommand runs a cobra command with args, returns output and error.
func (s *CommandTestSuite) ExecuteCommand(cmd *cobra.Command, args ...string) (string, error) {
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}
