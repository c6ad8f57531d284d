// Package bundle exports sealed sessions as self-contained evidence bundles
// and verifies them offline. A bundle carries everything a third party needs
// to re-check the session: commitment chains, reveals, morphism records,
// traces, verdicts, and a signed merkle root over all of it.
package bundle

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mimicproof/core/pkg/contracts"
	"github.com/mimicproof/core/pkg/crypto"
	"github.com/mimicproof/core/pkg/merkle"
)

// FormatVersion identifies the bundle layout. Verification rejects unknown
// versions rather than guessing.
const FormatVersion = "mimicproof-bundle/1"

// signDomain prefixes the signed message so a bundle signature can never be
// replayed as any other signature in the protocol.
const signDomain = "mimicproof:bundle:v1"

// Bundle is the exported evidence for one sealed session.
type Bundle struct {
	Version    string                      `json:"version"`
	Session    *contracts.ChallengeSession `json:"session"`
	MerkleRoot string                      `json:"merkle_root"`
	PublicKey  string                      `json:"public_key"` // hex ed25519
	Signature  string                      `json:"signature"`  // hex, over signDomain||root
	ExportedAt time.Time                   `json:"exported_at"`
}

// Export seals a session into a signed bundle and returns it with its
// serialized form.
func Export(session *contracts.ChallengeSession, signer crypto.KeyProvider) (*Bundle, []byte, error) {
	if session == nil {
		return nil, nil, fmt.Errorf("bundle: nil session")
	}
	if session.Status == contracts.SessionOpen {
		return nil, nil, fmt.Errorf("bundle: session %s is still open", session.ID)
	}

	tree, err := merkle.Build(treeData(session))
	if err != nil {
		return nil, nil, err
	}
	sig, err := signer.Sign(signedMessage(tree.Root))
	if err != nil {
		return nil, nil, fmt.Errorf("bundle: sign root: %w", err)
	}

	b := &Bundle{
		Version:    FormatVersion,
		Session:    session,
		MerkleRoot: tree.Root,
		PublicKey:  crypto.EncodeKey(signer.PublicKey()),
		Signature:  hex.EncodeToString(sig),
		ExportedAt: time.Now().UTC(),
	}
	data, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		return nil, nil, fmt.Errorf("bundle: encode: %w", err)
	}
	return b, data, nil
}

// ProofFor produces an inclusion proof for one evidence path of the bundle,
// e.g. "/engine/commitments".
func ProofFor(b *Bundle, path string) (merkle.InclusionProof, error) {
	tree, err := merkle.Build(treeData(b.Session))
	if err != nil {
		return merkle.InclusionProof{}, err
	}
	return tree.ProofFor(path)
}

func signedMessage(root string) []byte {
	msg := append([]byte(signDomain), 0)
	return append(msg, []byte(root)...)
}

// treeData flattens a session into path-addressed leaves. The layout is part
// of the bundle format: changing it invalidates existing roots.
func treeData(session *contracts.ChallengeSession) map[string]interface{} {
	data := map[string]interface{}{
		"/session": map[string]interface{}{
			"id":            session.ID,
			"status":        session.Status,
			"steps":         session.Steps,
			"seed":          session.Seed,
			"protocol_hash": session.ProtocolHash,
		},
		"/schedule": string(session.StressSchedule),
	}
	addStream(data, "/engine", session.Engine)
	addStream(data, "/challenger", session.Challenger)
	return data
}

func addStream(data map[string]interface{}, prefix string, stream *contracts.PartyStream) {
	if stream == nil {
		return
	}
	data[prefix+"/commitments"] = stream.Commitments
	data[prefix+"/reveals"] = stream.Reveals
	data[prefix+"/morphisms"] = stream.Morphisms
	data[prefix+"/steps"] = stream.Steps
	if stream.Stress != nil {
		data[prefix+"/stress"] = stream.Stress
	}
	if stream.Verdict != nil {
		data[prefix+"/verdict"] = stream.Verdict
	}
}
