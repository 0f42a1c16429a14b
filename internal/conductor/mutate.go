package conductor

import (
	"encoding/json"
	"fmt"

	"github.com/iltempo/conductor/internal/docmodel"
)

// ReplaceResult is the outcome of a document-replacing operation.
type ReplaceResult struct {
	OK         bool
	DocVersion int
	Pending    bool
	When       string
	Error      string
	Expected   int
}

// DoReplaceJSON atomically installs newDoc if baseVersion matches the
// conductor's current docVersion: validates, canonicalizes, persists to
// loopPath via write-temp-then-rename, bumps docVersion, and installs the
// document into the engine.
func (c *Conductor) DoReplaceJSON(baseVersion int, newDoc *docmodel.LoopDoc) ReplaceResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.doReplaceJSONLocked(baseVersion, newDoc)
}

func (c *Conductor) doReplaceJSONLocked(baseVersion int, newDoc *docmodel.LoopDoc) ReplaceResult {
	if baseVersion != c.docVersion {
		return ReplaceResult{OK: false, Error: "stale", Expected: c.docVersion}
	}
	if errs := docmodel.Validate(newDoc); len(errs) > 0 {
		return ReplaceResult{OK: false, Error: fmt.Sprintf("invalid_doc: %s", errs[0].Error())}
	}
	docmodel.Canonicalize(newDoc)
	nextVersion := c.docVersion + 1
	newDoc.DocVersion = nextVersion
	if err := docmodel.Save(c.loopPath, newDoc); err != nil {
		return ReplaceResult{OK: false, Error: fmt.Sprintf("persist_failed: %v", err)}
	}
	if mt, err := docmodel.Mtime(c.loopPath); err == nil {
		c.fileMtime = mt
	}
	c.docVersion = nextVersion
	c.doc = newDoc
	c.eng.ReplaceDoc(newDoc)
	return ReplaceResult{OK: true, DocVersion: c.docVersion}
}

// ScheduleOrApply applies newDoc immediately when applyNow is set, the
// change is non-structural, or playback is stopped; otherwise it stashes
// newDoc as the pending document to be installed at the next bar boundary.
func (c *Conductor) ScheduleOrApply(baseVersion int, newDoc *docmodel.LoopDoc, structural, applyNow bool) ReplaceResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.scheduleOrApplyLocked(baseVersion, newDoc, structural, applyNow)
}

func (c *Conductor) scheduleOrApplyLocked(baseVersion int, newDoc *docmodel.LoopDoc, structural, applyNow bool) ReplaceResult {
	if applyNow || !structural || !c.eng.Playing() {
		return c.doReplaceJSONLocked(baseVersion, newDoc)
	}
	if baseVersion != c.docVersion {
		return ReplaceResult{OK: false, Error: "stale", Expected: c.docVersion}
	}
	c.pendingDoc = newDoc
	return ReplaceResult{OK: true, Pending: true, When: "next_bar"}
}

// ApplyPatch deep-copies the current document as canonical JSON, applies
// RFC6902-ish ops, classifies the result as structural or not, and routes
// through ScheduleOrApply. Any op failure reports {ok:false,
// error:"patch_apply"} without mutating state.
func (c *Conductor) ApplyPatch(baseVersion int, ops []docmodel.PatchOp, applyNow bool) ReplaceResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	if baseVersion != c.docVersion {
		return ReplaceResult{OK: false, Error: "stale", Expected: c.docVersion}
	}
	baseJSON, err := docmodel.CanonicalJSON(c.doc)
	if err != nil {
		return ReplaceResult{OK: false, Error: "patch_apply"}
	}
	patched, err := docmodel.ApplyPatch(baseJSON, ops)
	if err != nil {
		return ReplaceResult{OK: false, Error: "patch_apply"}
	}
	var newDoc docmodel.LoopDoc
	if err := json.Unmarshal(patched, &newDoc); err != nil {
		return ReplaceResult{OK: false, Error: "patch_apply"}
	}
	structural := docmodel.IsStructuralOps(ops)
	return c.scheduleOrApplyLocked(baseVersion, &newDoc, structural, applyNow)
}

// maybeApplyPending installs a stashed pending document once the playhead
// crosses a bar boundary, using the latest docVersion as its base.
func (c *Conductor) maybeApplyPending() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pendingDoc == nil {
		return
	}
	barTicks := c.barTicksLocked()
	if barTicks <= 0 {
		return
	}
	if mod(c.eng.Tick(), barTicks) != 0 {
		return
	}
	doc := c.pendingDoc
	c.pendingDoc = nil
	c.doReplaceJSONLocked(c.docVersion, doc)
}

// CheckExternalEdit stats loopPath; if its mtime changed and the file's
// canonical content differs from what's installed, it validates,
// canonicalizes, and installs the on-disk document, bumping docVersion.
func (c *Conductor) CheckExternalEdit() (changed bool, err error) {
	c.mu.Lock()
	path := c.loopPath
	lastMtime := c.fileMtime
	c.mu.Unlock()

	mt, statErr := docmodel.Mtime(path)
	if statErr != nil {
		return false, statErr
	}
	if mt == lastMtime {
		return false, nil
	}

	loaded, loadErr := docmodel.Load(path)
	if loadErr != nil {
		return false, loadErr
	}
	if errs := docmodel.Validate(loaded); len(errs) > 0 {
		return false, fmt.Errorf("external edit failed validation: %s", errs[0].Error())
	}
	docmodel.Canonicalize(loaded)
	newSum, hashErr := docmodel.SHA256Hex(loaded)
	if hashErr != nil {
		return false, hashErr
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	curSum, err := docmodel.SHA256Hex(c.doc)
	if err == nil && curSum == newSum {
		c.fileMtime = mt
		return false, nil
	}
	c.docVersion++
	loaded.DocVersion = c.docVersion
	c.doc = loaded
	c.eng.ReplaceDoc(loaded)
	c.fileMtime = mt
	return true, nil
}
