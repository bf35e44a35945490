package nodestate

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/autobahn-chain/node/internal/crypto"
	"github.com/autobahn-chain/node/internal/model"
)

// Verifier checks a proof against a program id and returns the HyleOutputs
// it attests, one BlobProofOutput per output. A recursive verifier may
// return more than one entry, each carrying the ProgramID of the inner
// program it actually attests rather than the outer one it was called
// with; the caller trusts that the outer verification guaranteed those
// inner verifications succeeded.
type Verifier interface {
	Verify(proof model.ProofData, programID []byte) ([]model.BlobProofOutput, error)
}

// Registry maps a contract's verifier name to the Verifier that checks
// proofs against it.
type Registry struct {
	byName map[string]Verifier
}

// NewRegistry builds a Registry with the built-in verifiers wired in:
// "test" for JSON-encoded outputs used by integration tests, and "noir"
// for the file-based bb invocation used by the real backend.
func NewRegistry() *Registry {
	return &Registry{byName: map[string]Verifier{
		"test": testVerifier{},
		"noir": noirVerifier{},
	}}
}

// Register installs or overrides the verifier for name.
func (r *Registry) Register(name string, v Verifier) {
	r.byName[name] = v
}

// Get returns the verifier for name, or (nil, false) if unknown.
func (r *Registry) Get(name string) (Verifier, bool) {
	v, ok := r.byName[name]
	return v, ok
}

// testHyleOutput is the JSON wire shape a "test" verifier's proof payload
// decodes to: a straightforward encoding of model.HyleOutput, used by
// integration tests that need a verifier with no real cryptographic
// backend.
type testHyleOutput struct {
	Version        uint32 `json:"version"`
	InitialState   []byte `json:"initial_state"`
	NextState      []byte `json:"next_state"`
	Identity       string `json:"identity"`
	TxHash         string `json:"tx_hash"`
	BlobIndex      uint32 `json:"blob_index"`
	BlobsBytes     []byte `json:"blobs"`
	Success        bool   `json:"success"`
	ProgramOutputs string `json:"program_outputs"`
}

// testVerifier decodes its proof payload as JSON-encoded HyleOutputs
// directly, with no cryptographic check, mirroring the original
// implementation's own "test" verifier escape hatch.
type testVerifier struct{}

func (testVerifier) Verify(proof model.ProofData, programID []byte) ([]model.BlobProofOutput, error) {
	raw, err := proof.Decoded()
	if err != nil {
		return nil, fmt.Errorf("nodestate: decoding test proof: %w", err)
	}
	proofHash, err := proof.Hash()
	if err != nil {
		return nil, fmt.Errorf("nodestate: hashing test proof: %w", err)
	}

	var outputs []testHyleOutput
	if err := json.Unmarshal(raw, &outputs); err != nil {
		return nil, fmt.Errorf("nodestate: unmarshaling test proof outputs: %w", err)
	}

	results := make([]model.BlobProofOutput, 0, len(outputs))
	for _, o := range outputs {
		var txHash crypto.Hash
		if o.TxHash != "" {
			var err error
			txHash, err = crypto.HashFromHex(o.TxHash)
			if err != nil {
				return nil, fmt.Errorf("nodestate: parsing test output tx hash: %w", err)
			}
		}
		results = append(results, model.BlobProofOutput{
			BlobTxHash:        txHash,
			OriginalProofHash: proofHash,
			ProgramID:         programID,
			HyleOutput: model.HyleOutput{
				Version:        o.Version,
				InitialState:   o.InitialState,
				NextState:      o.NextState,
				Identity:       model.Identity(o.Identity),
				TxHash:         txHash,
				BlobIndex:      o.BlobIndex,
				BlobsBytes:     o.BlobsBytes,
				Success:        o.Success,
				ProgramOutputs: o.ProgramOutputs,
			},
		})
	}
	return results, nil
}

// noirVerifier shells out to the bb binary, writing the proof and
// verifying key to temp files and reading the extracted public outputs
// back from a third. Every file is removed on every exit path, success
// or failure.
type noirVerifier struct {
	tmpDir string // empty means os.TempDir()
}

func (nv noirVerifier) Verify(proof model.ProofData, programID []byte) ([]model.BlobProofOutput, error) {
	dir := nv.tmpDir
	if dir == "" {
		dir = os.TempDir()
	}
	salt := uuid.NewString()
	proofPath := filepath.Join(dir, "noir-proof-"+salt)
	vkPath := filepath.Join(dir, "noir-vk-"+salt)
	outputPath := filepath.Join(dir, "noir-output-"+salt)
	defer os.Remove(proofPath)
	defer os.Remove(vkPath)
	defer os.Remove(outputPath)

	proofBytes, err := proof.Decoded()
	if err != nil {
		return nil, fmt.Errorf("nodestate: decoding noir proof: %w", err)
	}
	if err := os.WriteFile(proofPath, proofBytes, 0o600); err != nil {
		return nil, fmt.Errorf("nodestate: writing noir proof file: %w", err)
	}
	if err := os.WriteFile(vkPath, programID, 0o600); err != nil {
		return nil, fmt.Errorf("nodestate: writing noir verifying key file: %w", err)
	}

	verify := exec.Command("bb", "verify", "-p", proofPath, "-k", vkPath)
	if out, err := verify.CombinedOutput(); err != nil {
		return nil, fmt.Errorf("nodestate: noir proof verification failed: %w: %s", err, out)
	}

	extract := exec.Command("bb", "proof_as_fields", "-p", proofPath, "-k", vkPath, "-o", outputPath)
	if out, err := extract.CombinedOutput(); err != nil {
		return nil, fmt.Errorf("nodestate: extracting noir proof output: %w: %s", err, out)
	}

	outputJSON, err := os.ReadFile(outputPath)
	if err != nil {
		return nil, fmt.Errorf("nodestate: reading noir proof output: %w", err)
	}

	var fields []string
	if err := json.Unmarshal(outputJSON, &fields); err != nil {
		return nil, fmt.Errorf("nodestate: unmarshaling noir proof output fields: %w", err)
	}
	ho, err := parseNoirOutputFields(fields)
	if err != nil {
		return nil, fmt.Errorf("nodestate: parsing noir output fields: %w", err)
	}

	proofHash, err := proof.Hash()
	if err != nil {
		return nil, fmt.Errorf("nodestate: hashing noir proof: %w", err)
	}
	return []model.BlobProofOutput{{
		BlobTxHash:        ho.TxHash,
		OriginalProofHash: proofHash,
		ProgramID:         programID,
		HyleOutput:        ho,
	}}, nil
}
