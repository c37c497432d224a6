package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/suite"
)

type AthfeedCmdTestSuite struct {
	suite.Suite
	tempDir string
}

func TestAthfeedCmdSuite(t *testing.T) {
	suite.Run(t, new(AthfeedCmdTestSuite))
}

func (suite *AthfeedCmdTestSuite) SetupTest() {
	suite.tempDir = suite.T().TempDir()
}

func (suite *AthfeedCmdTestSuite) run(args ...string) (string, error) {
	var out bytes.Buffer

	app := newApp()
	app.Writer = &out
	app.ErrWriter = &out

	err := app.Run(context.Background(), append([]string{"athfeed"}, args...))

	return out.String(), err
}

func (suite *AthfeedCmdTestSuite) TestSchema() {
	out, err := suite.run("schema")
	suite.Require().NoError(err)

	var schema map[string]any
	suite.Require().NoError(json.Unmarshal([]byte(out), &schema))
	suite.Contains(schema, "properties")
}

func (suite *AthfeedCmdTestSuite) TestConfigPrintsEffectiveValues() {
	path := filepath.Join(suite.tempDir, "athfeed.yaml")
	suite.Require().NoError(os.WriteFile(path, []byte("symbol: ethusdt\nwindow:\n  capacity: 50\n"), 0o600))

	out, err := suite.run("config", "--config", path)
	suite.Require().NoError(err)
	suite.Contains(out, "symbol: ETHUSDT")
	suite.Contains(out, "capacity: 50")
}

func (suite *AthfeedCmdTestSuite) TestConfigRejectsInvalidFile() {
	path := filepath.Join(suite.tempDir, "bad.yaml")
	suite.Require().NoError(os.WriteFile(path, []byte("window:\n  capacity: 0\n"), 0o600))

	_, err := suite.run("config", "--config", path)
	suite.Error(err)
}
