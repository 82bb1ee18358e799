package chain

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"

	"github.com/roach88/diamondcut/internal/ir"
)

// LinkReference is a library placeholder position inside bytecode, in bytes.
type LinkReference struct {
	Start  int `json:"start"`
	Length int `json:"length"`
}

// Artifact is a compiled contract.
type Artifact struct {
	Name       string
	SourceName string
	ABI        abi.ABI
	RawABI     json.RawMessage

	// BytecodeHex may contain library placeholders until linked.
	BytecodeHex string

	// LinkReferences maps source file -> library name -> placeholder positions.
	LinkReferences map[string]map[string][]LinkReference
}

// Libraries returns the names of libraries the bytecode must be linked
// against, sorted.
func (a *Artifact) Libraries() []string {
	var out []string
	for _, libs := range a.LinkReferences {
		for name := range libs {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// Link replaces library placeholders with addresses and decodes the
// result. Every referenced library must be present in libs.
func (a *Artifact) Link(libs map[string]ir.Address) ([]byte, error) {
	code := []byte(strings.TrimPrefix(a.BytecodeHex, "0x"))
	for _, refs := range a.LinkReferences {
		for name, positions := range refs {
			addr, ok := libs[name]
			if !ok || addr.IsZero() {
				return nil, ir.ConfigurationError(a.Name, "library %s is not deployed", name)
			}
			addrHex := hex.EncodeToString(addr[:])
			for _, p := range positions {
				start, end := p.Start*2, (p.Start+p.Length)*2
				if p.Length != 20 || end > len(code) {
					return nil, fmt.Errorf("%s: invalid link reference for %s at %d", a.Name, name, p.Start)
				}
				copy(code[start:end], addrHex)
			}
		}
	}
	out, err := hex.DecodeString(string(code))
	if err != nil {
		return nil, fmt.Errorf("%s: bytecode is not valid hex (unlinked library?): %w", a.Name, err)
	}
	return out, nil
}

type hardhatArtifact struct {
	ContractName   string                                `json:"contractName"`
	SourceName     string                                `json:"sourceName"`
	ABI            json.RawMessage                       `json:"abi"`
	Bytecode       string                                `json:"bytecode"`
	LinkReferences map[string]map[string][]LinkReference `json:"linkReferences"`
}

// ParseArtifact decodes a hardhat artifact document.
func ParseArtifact(data []byte) (*Artifact, error) {
	var raw hardhatArtifact
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse artifact: %w", err)
	}
	parsed, err := abi.JSON(strings.NewReader(string(raw.ABI)))
	if err != nil {
		return nil, fmt.Errorf("parse artifact %s abi: %w", raw.ContractName, err)
	}
	return &Artifact{
		Name:           raw.ContractName,
		SourceName:     raw.SourceName,
		ABI:            parsed,
		RawABI:         raw.ABI,
		BytecodeHex:    raw.Bytecode,
		LinkReferences: raw.LinkReferences,
	}, nil
}

// HardhatArtifacts loads artifacts from a hardhat "artifacts" directory.
//
// Thread-safety: safe for concurrent use; parsed artifacts are cached.
type HardhatArtifacts struct {
	root  string
	mu    sync.Mutex
	cache map[string]*Artifact
}

var _ ArtifactSource = (*HardhatArtifacts)(nil)

// NewHardhatArtifacts creates a source rooted at dir.
func NewHardhatArtifacts(dir string) *HardhatArtifacts {
	return &HardhatArtifacts{root: dir, cache: make(map[string]*Artifact)}
}

// Load implements ArtifactSource. Debug files (*.dbg.json) are skipped; a
// name defined in two source files is an error.
func (h *HardhatArtifacts) Load(name string) (*Artifact, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if a, ok := h.cache[name]; ok {
		return a, nil
	}

	var matches []string
	err := filepath.WalkDir(h.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && d.Name() == name+".json" {
			matches = append(matches, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan artifacts: %w", err)
	}
	switch len(matches) {
	case 0:
		return nil, ir.ConfigurationError(name, "no artifact found for %s under %s", name, h.root)
	case 1:
	default:
		sort.Strings(matches)
		return nil, ir.ConfigurationError(name, "artifact name %s is ambiguous: %s", name, strings.Join(matches, ", "))
	}

	data, err := os.ReadFile(matches[0])
	if err != nil {
		return nil, err
	}
	a, err := ParseArtifact(data)
	if err != nil {
		return nil, err
	}
	h.cache[name] = a
	return a, nil
}

// StaticArtifacts is an in-memory ArtifactSource.
type StaticArtifacts map[string]*Artifact

// Load implements ArtifactSource.
func (s StaticArtifacts) Load(name string) (*Artifact, error) {
	a, ok := s[name]
	if !ok {
		return nil, ir.ConfigurationError(name, "no artifact found for %s", name)
	}
	return a, nil
}
