package main

import (
	"bytes"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	goldap "github.com/go-ldap/ldap/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pagedldap/errors"
)

const exampleConfig = "config/testdata/example.yaml"

/*
TestMainHelper runs main() when started as a child process by runMain. The parent test process runs
`go test` as usual, and tests that need the real exit code start a CHILD process with
TEST_MAIN_HELPER=1 and the program arguments after "--". In a normal run this is a no-op.
*/
func TestMainHelper(t *testing.T) {
	if os.Getenv("TEST_MAIN_HELPER") != "1" {
		return
	}
	args := []string{}
	for i, a := range os.Args {
		if a == "--" {
			args = os.Args[i+1:]
			break
		}
	}
	os.Args = append([]string{os.Args[0]}, args...)
	main()
	os.Exit(0)
}

// runMain runs main() in a child process and returns its exit code and stderr.
func runMain(t *testing.T, args ...string) (exitCode int, stderr string) {
	t.Helper()
	cmd := exec.Command(os.Args[0], append([]string{"-test.run=TestMainHelper", "--"}, args...)...)
	cmd.Env = append(os.Environ(), "TEST_MAIN_HELPER=1")
	var buf bytes.Buffer
	cmd.Stderr = &buf
	err := cmd.Run()
	if ee, ok := err.(*exec.ExitError); ok {
		return ee.ExitCode(), buf.String()
	}
	require.NoError(t, err)
	return 0, buf.String()
}

// execute runs the root command in process and returns what it printed.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--config", exampleConfig, "--log-level", "error"}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func dnLines(out string) []string {
	var dns []string
	for _, l := range strings.Split(out, "\n") {
		if dn, ok := strings.CutPrefix(l, "dn: "); ok {
			dns = append(dns, dn)
		}
	}
	return dns
}

func TestSearchPaged(t *testing.T) {
	out, err := execute(t, "search",
		"--bind-dn", "uid=simplepaged_test,ou=people,dc=example,dc=com", "--password", "Secret123",
		"--filter", "(uid=test*)", "--attrs", "sn", "--page-size", "2")
	require.NoError(t, err)

	assert.Len(t, dnLines(out), 5)
	assert.Contains(t, out, "sn: Jensen\n")
	assert.Contains(t, out, "# pages: 3\n")
	assert.Contains(t, out, "# entries: 5\n")
}

func TestSearchSorted(t *testing.T) {
	out, err := execute(t, "search",
		"--bind-dn", "cn=Directory Manager", "--password", "password",
		"--base", "ou=people,dc=example,dc=com", "--scope", "one",
		"--filter", "(uid=test*)", "--sort", "-sn", "--page-size", "2")
	require.NoError(t, err)

	assert.Equal(t, []string{
		"uid=test00001,ou=people,dc=example,dc=com", // Jensen
		"uid=test00005,ou=people,dc=example,dc=com", // Doe
		"uid=test00004,ou=people,dc=example,dc=com", // Carter
		"uid=test00003,ou=people,dc=example,dc=com", // Baker
		"uid=test00002,ou=people,dc=example,dc=com", // Adams
	}, dnLines(out))
}

func TestSearchPageSizeOverLimit(t *testing.T) {
	// the identity's nsPagedSizeLimit is 3
	_, err := execute(t, "search",
		"--bind-dn", "uid=simplepaged_test,ou=people,dc=example,dc=com", "--password", "Secret123",
		"--page-size", "5")
	require.Error(t, err)
	assert.Equal(t, errors.SizeLimitExceeded, errors.CodeOf(err))
}

func TestSearchErrors(t *testing.T) {
	for name, args := range map[string][]string{
		"bad password": {"--bind-dn", "uid=simplepaged_test,ou=people,dc=example,dc=com", "--password", "nope"},
		"bad scope":    {"--scope", "everything"},
		"bad filter":   {"--filter", "(uid=x"},
		"bad sort":     {"--sort", "-"},
		"extra args":   {"unexpected"},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := execute(t, append([]string{"search"}, args...)...)
			assert.Error(t, err)
		})
	}
}

func TestSearchMissingConfig(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"--config", filepath.Join(t.TempDir(), "absent.yaml"), "search"})
	err := cmd.Execute()
	require.Error(t, err)
	assert.Equal(t, errors.InvalidArgument, errors.CodeOf(err))
}

func TestLimitsCommand(t *testing.T) {
	out, err := execute(t, "limits", "--identity", "uid=simplepaged_test,ou=people,dc=example,dc=com")
	require.NoError(t, err)
	assert.Contains(t, out, "identity: uid=simplepaged_test,ou=people,dc=example,dc=com\n")
	assert.Contains(t, out, "paged: size=2000 time=3600 pagedsize=3 idlistscan=4000 lookthrough=5000\n")

	out, err = execute(t, "limits", "--identity", "cn=Directory Manager")
	require.NoError(t, err)
	assert.Contains(t, out, "plain: size=unbounded time=unbounded pagedsize=unbounded idlistscan=unbounded lookthrough=unbounded\n")

	out, err = execute(t, "limits")
	require.NoError(t, err)
	assert.Contains(t, out, "identity: anonymous\n")
}

func TestParseSortKeys(t *testing.T) {
	keys, err := parseSortKeys([]string{"sn", " -cn:caseExactOrderingMatch"})
	require.NoError(t, err)
	assert.Equal(t, []*goldap.SortKey{
		{AttributeType: "sn"},
		{AttributeType: "cn", MatchingRule: "caseExactOrderingMatch", Reverse: true},
	}, keys)

	_, err = parseSortKeys([]string{":caseExactOrderingMatch"})
	assert.Equal(t, errors.InvalidArgument, errors.CodeOf(err))
}

func TestMainExitCodes(t *testing.T) {
	code, stderr := runMain(t, "--config", exampleConfig, "--log-level", "error", "limits")
	assert.Equal(t, 0, code, stderr)

	code, stderr = runMain(t, "--config", filepath.Join(t.TempDir(), "absent.yaml"), "limits")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "pagedldap: ")
}
