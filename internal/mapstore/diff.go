package mapstore

import (
	"fmt"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"go.uber.org/zap"
)

// Diff is the change produced by an Update call: an RFC 6902 JSON
// Patch plus an RFC 7396 JSON Merge Patch between the map's prior and
// new state_json, mirroring nodestorage.Diff. Update returns it and
// the PUT response carries it (spec §4.B).
type Diff struct {
	JSONPatch  jsonpatch.Patch `json:"jsonPatch,omitempty"`
	MergePatch []byte          `json:"mergePatch,omitempty"`
}

// computeDiff builds a Diff between oldJSON and newJSON. There is no
// direct CreatePatch function in evanphx/json-patch/v5, so a whole-
// document replace patch is synthesized when the documents differ,
// the same workaround nodestorage.generateDiff uses.
func computeDiff(oldJSON, newJSON []byte, log *zap.Logger) *Diff {
	diff := &Diff{}

	if !jsonpatch.Equal(oldJSON, newJSON) {
		patchJSON := []byte(fmt.Sprintf(`[{"op":"replace","path":"","value":%s}]`, string(newJSON)))
		patch, err := jsonpatch.DecodePatch(patchJSON)
		if err != nil {
			if log != nil {
				log.Warn("failed to build json patch diff", zap.Error(err))
			}
		} else {
			diff.JSONPatch = patch
		}
	}

	mergePatch, err := jsonpatch.CreateMergePatch(oldJSON, newJSON)
	if err != nil {
		if log != nil {
			log.Warn("failed to build merge patch diff", zap.Error(err))
		}
	} else {
		diff.MergePatch = mergePatch
	}

	return diff
}
