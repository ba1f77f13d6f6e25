//go:build property
// +build property

package merkle_test

import (
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/datapact/core/pkg/merkle"
)

func hashAll(values []string) []string {
	out := make([]string, len(values))
	for i, v := range values {
		h := sha256.Sum256([]byte(v))
		out[i] = hex.EncodeToString(h[:])
	}
	return out
}

// Every proof produced for a batch verifies against the batch root.
func TestInclusionProofsAlwaysVerify(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("all leaves verify against the root", prop.ForAll(
		func(raw []string) bool {
			if len(raw) == 0 {
				return true
			}
			values := hashAll(raw)
			tree, err := merkle.BuildTree(values)
			if err != nil {
				return false
			}
			for _, v := range values {
				proof, err := tree.Proof(v)
				if err != nil {
					return false
				}
				if !merkle.VerifyInclusion(v, proof, tree.Root) {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.AlphaString()),
	))

	properties.TestingRun(t)
}

// A proof for one leaf never verifies a different leaf.
func TestInclusionProofsRejectSubstitution(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("substituted leaves fail", prop.ForAll(
		func(raw []string, foreign string) bool {
			if len(raw) < 2 {
				return true
			}
			values := hashAll(raw)
			tree, err := merkle.BuildTree(values)
			if err != nil {
				return false
			}
			proof, err := tree.Proof(values[0])
			if err != nil {
				return false
			}

			sub := hashAll([]string{foreign + "-x"})[0]
			if sub == values[0] {
				return true
			}
			return !merkle.VerifyInclusion(sub, proof, tree.Root)
		},
		gen.SliceOf(gen.AlphaString()),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}
