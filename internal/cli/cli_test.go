package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koltyakov/connector/internal/auth"
	"github.com/koltyakov/connector/internal/rules"
	"github.com/koltyakov/connector/internal/store/sqlite"
)

func runCLI(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := execute(context.Background(), args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

const validRules = `
resources:
  - seqNum: 1
    ownerId: all
    allowedPrincipals: [a@b.com]
    pattern: http://intranet.local:8080
  - seqNum: 2
    ownerId: all
    allowedPrincipals: [a@b.com]
    pattern: socket://10.0.0.1:22
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestVersion(t *testing.T) {
	t.Parallel()
	code, out, _ := runCLI(t, "version")
	assert.Equal(t, 0, code)
	assert.Equal(t, "connector dev\n", out)
}

func TestUnknownFlagIsUsageError(t *testing.T) {
	t.Parallel()
	code, _, errOut := runCLI(t, "version", "--bogus")
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut, "bogus")
}

func TestValidate(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "rules.yaml", validRules)

	code, out, errOut := runCLI(t, "validate", path)
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "2 rule(s) ok")
}

func TestValidateReportsProblems(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "rules.yaml", `
- seqNum: 1
  ownerId: all
  allowedPrincipals: [nobody]
  pattern: https://x.local/path
  patternType: URLEXACT
`)

	code, _, errOut := runCLI(t, "validate", path)
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "fully qualified identity")
	assert.Contains(t, errOut, "URLEXACT")
}

func TestValidateCompilePreview(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "rules.yaml", validRules)

	code, out, errOut := runCLI(t, "validate", path, "--agent-id", "me", "--proxy-port-base", "9100", "--socks-port", "1081")
	require.Equal(t, 0, code, errOut)

	var compiled []rules.ResourceRule
	require.NoError(t, json.Unmarshal([]byte(out), &compiled))
	require.Len(t, compiled, 2)
	assert.Equal(t, "me", compiled[0].OwnerID)
	require.NotNil(t, compiled[0].ProxyPort)
	assert.Equal(t, 9100, *compiled[0].ProxyPort)
	assert.Nil(t, compiled[1].ProxyPort)
	require.NotNil(t, compiled[1].SecretKey)
	assert.Equal(t, int64(2), *compiled[1].SecretKey)
	assert.Equal(t, 1081, *compiled[1].SocksPort)
}

func TestBrokerAgentAdmin(t *testing.T) {
	t.Parallel()
	db := filepath.Join(t.TempDir(), "broker.db")

	code, out, errOut := runCLI(t, "broker", "add-agent", "--db", db, "--id", "agent-1", "--user", "svc", "--domain", "example.com")
	require.Equal(t, 0, code, errOut)
	m := regexp.MustCompile(`password: (\S+)`).FindStringSubmatch(out)
	require.Len(t, m, 2, out)

	store, err := sqlite.Open(db)
	require.NoError(t, err)
	agent, err := store.GetAgent(context.Background(), "agent-1")
	require.NoError(t, err)
	assert.True(t, auth.VerifyPassword(agent.PasswordHash, m[1]))
	require.NoError(t, store.Close())

	code, out, errOut = runCLI(t, "broker", "agents", "--db", db)
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "agent-1")
	assert.Contains(t, out, "active")

	code, _, errOut = runCLI(t, "broker", "revoke-agent", "--db", db, "--id", "agent-1")
	require.Equal(t, 0, code, errOut)

	code, out, _ = runCLI(t, "broker", "agents", "--db", db)
	require.Equal(t, 0, code)
	assert.Contains(t, out, "revoked")
}

func TestAddAgentRequiresIdentity(t *testing.T) {
	t.Parallel()
	code, _, errOut := runCLI(t, "broker", "add-agent", "--db", filepath.Join(t.TempDir(), "b.db"), "--id", "a")
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut, "--id, --user and --domain are required")
}

func TestAgentReportsMissingSettings(t *testing.T) {
	t.Parallel()
	code, _, errOut := runCLI(t, "agent", "--user", "svc")
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut, "missing --agent-id or CONNECTOR_AGENT_ID")
	assert.Contains(t, errOut, "missing --rules or CONNECTOR_RULES")
	assert.NotContains(t, errOut, "missing --user")
}

func TestAgentReadsConfigFile(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "agent.yaml", "agent-id: agent-1\nbogus-setting: 1\n")

	code, _, errOut := runCLI(t, "agent", "--config", path)
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut, `unknown setting "bogus-setting"`)
}
