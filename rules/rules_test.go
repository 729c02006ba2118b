package rules

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const eicar = `X5O!P%@AP[4\PZX54(P^)7CC)7}$EICAR-STANDARD-ANTIVIRUS-TEST-FILE!$H+H*`

func writeRuleFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func testRuleDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	writeRuleFile(t, dir, "test.yaml", `
rules:
  - name: EICAR_Test_File
    namespace: testing
    meta:
      severity: low
    strings:
      - id: eicar
        type: literal
        value: "X5O!P%@AP[4\\PZX54(P^)7CC)7}$EICAR-STANDARD-ANTIVIRUS-TEST-FILE!$H+H*"
  - name: PowerShell_Cradle
    namespace: windows
    meta:
      severity: high
    strings:
      - id: iex
        type: regex
        value: "(?i)IEX\\s*\\("
  - name: PE_With_Stub
    namespace: generic
    strings:
      - id: mz
        value: "MZ"
      - id: stub
        value: "This program cannot be run in DOS mode"
    condition: all
`)
	return dir
}

func TestCompileAndMatch(t *testing.T) {
	rs, err := Compile(testRuleDir(t), zap.NewNop().Sugar())
	require.NoError(t, err)
	assert.Equal(t, 3, rs.Len())

	matches := rs.Match([]byte("prefix " + eicar + " suffix"))
	require.Len(t, matches, 1)
	assert.Equal(t, "EICAR_Test_File", matches[0].Rule.Name)
	require.Len(t, matches[0].Strings, 1)
	assert.Equal(t, "eicar", matches[0].Strings[0].ID)
	assert.Equal(t, 7, matches[0].Strings[0].Offset)
}

func TestMatchRegexPattern(t *testing.T) {
	rs, err := Compile(testRuleDir(t), zap.NewNop().Sugar())
	require.NoError(t, err)

	matches := rs.Match([]byte(`powershell -c "iex (New-Object Net.WebClient)"`))
	require.Len(t, matches, 1)
	assert.Equal(t, "PowerShell_Cradle", matches[0].Rule.Name)
}

func TestMatchAllCondition(t *testing.T) {
	rs, err := Compile(testRuleDir(t), zap.NewNop().Sugar())
	require.NoError(t, err)

	// MZ alone does not satisfy condition: all.
	assert.Empty(t, rs.Match([]byte("MZ and nothing else")))

	matches := rs.Match([]byte("MZ....This program cannot be run in DOS mode"))
	require.Len(t, matches, 1)
	assert.Equal(t, "PE_With_Stub", matches[0].Rule.Name)
	assert.Len(t, matches[0].Strings, 2)
}

func TestMatchClean(t *testing.T) {
	rs, err := Compile(testRuleDir(t), zap.NewNop().Sugar())
	require.NoError(t, err)
	assert.Empty(t, rs.Match([]byte("completely benign content")))
}

func TestCompileEmptyDirFails(t *testing.T) {
	_, err := Compile(t.TempDir(), zap.NewNop().Sugar())
	assert.Error(t, err)
}

func TestCompileInvalidRegexFailsWhole(t *testing.T) {
	dir := t.TempDir()
	writeRuleFile(t, dir, "good.yaml", `
rules:
  - name: Good
    strings:
      - value: "ok"
`)
	writeRuleFile(t, dir, "bad.yaml", `
rules:
  - name: Bad
    strings:
      - type: regex
        value: "(unclosed"
`)

	// One invalid rule fails the entire compile.
	_, err := Compile(dir, zap.NewNop().Sugar())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Bad")
}

func TestCompileDuplicateNameFails(t *testing.T) {
	dir := t.TempDir()
	writeRuleFile(t, dir, "a.yaml", "rules:\n  - name: Dup\n    strings:\n      - value: x\n")
	writeRuleFile(t, dir, "b.yaml", "rules:\n  - name: Dup\n    strings:\n      - value: y\n")

	_, err := Compile(dir, zap.NewNop().Sugar())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate rule name")
}

func TestHolderReloadKeepsSnapshotOnFailure(t *testing.T) {
	dir := testRuleDir(t)
	h, err := NewHolder(dir, zap.NewNop().Sugar())
	require.NoError(t, err)
	before := h.Load()

	// Break the directory and reload: the active snapshot must survive.
	writeRuleFile(t, dir, "broken.yaml", "rules:\n  - name: Broken\n    strings: []\n")
	require.Error(t, h.Reload())
	assert.Same(t, before, h.Load())

	// Fix it and reload: the snapshot is swapped.
	require.NoError(t, os.Remove(filepath.Join(dir, "broken.yaml")))
	writeRuleFile(t, dir, "extra.yaml", "rules:\n  - name: Extra\n    strings:\n      - value: zzz\n")
	require.NoError(t, h.Reload())
	assert.NotSame(t, before, h.Load())
	assert.Equal(t, 4, h.Load().Len())
}
