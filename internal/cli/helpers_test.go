package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/diamondcut/internal/engine"
)

const fooBarCUE = `
diamond: "ExampleDiamond"

facets: {
	FooFacet: {
		priority: 10
		versions: "0": deployInit: "init"
	}
	BarFacet: {
		priority: 20
		versions: "0": {}
	}
}
`

const fooUpgradeCUE = `
diamond: "ExampleDiamond"

facets: {
	FooFacet: {
		priority: 10
		versions: {
			"0": deployInit: "init"
			"1": {
				upgradeInit:  "init"
				fromVersions: [0]
			}
		}
	}
	BarFacet: {
		priority: 20
		versions: "0": {}
	}
}
`

// facetABIs are the functions of the contracts written by writeProject.
var facetABIs = map[string][]string{
	"Diamond":         {},
	"DiamondCutFacet": {"diamondCut((address,uint8,bytes4[])[],address,bytes)"},
	"FooFacet":        {"foo()", "init()"},
	"BarFacet":        {"bar()", "baz(uint256)"},
}

type projectOptions struct {
	backend string
	mode    string
	cue     string
}

type testProject struct {
	dir    string
	config string
}

// writeProject lays out a settings file, a diamond configuration and
// hardhat artifacts in a temporary directory. Both networks are simulated.
func writeProject(t *testing.T, po projectOptions) *testProject {
	t.Helper()
	dir := t.TempDir()
	if po.backend == "" {
		po.backend = "file"
	}
	if po.mode == "" {
		po.mode = "direct"
	}
	if po.cue == "" {
		po.cue = fooBarCUE
	}

	settings := fmt.Sprintf(`
diamond: ExampleDiamond
diamond_config: diamond.cue
artifacts: artifacts
deployments:
  backend: %s
  path: diamonds
  database: state/diamonds.db
networks:
  hardhat:
    chain_id: 31337
    simulated: true
  anvil:
    chain_id: 31338
    simulated: true
retry_delay_ms: 100
mode: %s
relay:
  outbox: proposals
  safe: "0x00000000000000000000000000000000000000aa"
  threshold: 2
logging:
  level: error
`, po.backend, po.mode)

	p := &testProject{dir: dir, config: filepath.Join(dir, "diamondctl.yaml")}
	writeTestFile(t, p.config, settings)
	p.writeDiamond(t, po.cue)
	for name, fns := range facetABIs {
		writeTestFile(t, filepath.Join(dir, "artifacts", "contracts", name+".sol", name+".json"), artifactJSON(t, name, fns))
	}
	return p
}

func (p *testProject) writeDiamond(t *testing.T, src string) {
	t.Helper()
	writeTestFile(t, filepath.Join(p.dir, "diamond.cue"), src)
}

func (p *testProject) removeArtifact(t *testing.T, name string) {
	t.Helper()
	require.NoError(t, os.RemoveAll(filepath.Join(p.dir, "artifacts", "contracts", name+".sol")))
}

func (p *testProject) recordPath(network string, chainID int) string {
	return p.diamondRecordPath("ExampleDiamond", network, chainID)
}

func (p *testProject) diamondRecordPath(diamond, network string, chainID int) string {
	return filepath.Join(p.dir, "diamonds", diamond, "deployments",
		fmt.Sprintf("%s-%s-%d.json", strings.ToLower(diamond), network, chainID))
}

func writeTestFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

type abiEntry struct {
	Type            string     `json:"type"`
	Name            string     `json:"name"`
	Inputs          []abiParam `json:"inputs"`
	Outputs         []abiParam `json:"outputs"`
	StateMutability string     `json:"stateMutability"`
}

type abiParam struct {
	Name       string     `json:"name"`
	Type       string     `json:"type"`
	Components []abiParam `json:"components,omitempty"`
}

// artifactJSON renders a hardhat artifact for simple signatures. The cut
// function is spelled out since its tuple needs components.
func artifactJSON(t *testing.T, name string, sigs []string) string {
	t.Helper()
	entries := []abiEntry{}
	for _, sig := range sigs {
		fn, args, _ := strings.Cut(strings.TrimSuffix(sig, ")"), "(")
		e := abiEntry{Type: "function", Name: fn, Inputs: []abiParam{}, Outputs: []abiParam{}, StateMutability: "nonpayable"}
		if fn == "diamondCut" {
			e.Inputs = []abiParam{
				{Name: "_diamondCut", Type: "tuple[]", Components: []abiParam{
					{Name: "facetAddress", Type: "address"},
					{Name: "action", Type: "uint8"},
					{Name: "functionSelectors", Type: "bytes4[]"},
				}},
				{Name: "_init", Type: "address"},
				{Name: "_calldata", Type: "bytes"},
			}
		} else if args != "" {
			for i, typ := range strings.Split(args, ",") {
				e.Inputs = append(e.Inputs, abiParam{Name: fmt.Sprintf("arg%d", i), Type: typ})
			}
		}
		entries = append(entries, e)
	}
	abiJSON, err := json.Marshal(entries)
	require.NoError(t, err)
	doc := map[string]any{
		"_format":        "hh-sol-artifact-1",
		"contractName":   name,
		"sourceName":     "contracts/" + name + ".sol",
		"abi":            json.RawMessage(abiJSON),
		"bytecode":       "0x6080604052",
		"linkReferences": map[string]any{},
	}
	out, err := json.MarshalIndent(doc, "", "  ")
	require.NoError(t, err)
	return string(out)
}

// execute runs the root command and returns stdout and the error.
func execute(t *testing.T, callbacks *engine.CallbackRegistry, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand(WithCallbacks(callbacks))
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func (p *testProject) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	return execute(t, nil, append([]string{"--config", p.config}, args...)...)
}

func (p *testProject) runJSON(t *testing.T, args ...string) (string, error) {
	t.Helper()
	return p.run(t, append([]string{"--format", "json"}, args...)...)
}

type passesResponse struct {
	Status string       `json:"status"`
	Data   []passReport `json:"data"`
	Error  *CLIError    `json:"error"`
}

func decodePasses(t *testing.T, out string) passesResponse {
	t.Helper()
	var resp passesResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp), out)
	return resp
}

func failingCallbacks(t *testing.T) *engine.CallbackRegistry {
	t.Helper()
	reg := engine.NewCallbackRegistry()
	require.NoError(t, reg.Register("explode", func(context.Context, engine.CallbackArgs) error {
		return errors.New("boom")
	}))
	return reg
}
