package installer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/addonpkg/addonpkg/pkg/addon"
)

// remove deletes an add-on's files and then its record. File deletion is
// best effort: failures become warnings and the record is still dropped,
// since a record pointing at half-deleted files is worse than leftovers.
func (inst *Installer) remove(ctx context.Context, it *Item) ItemResult {
	res := ItemResult{
		Action: ActionRemove,
		Key:    it.Key,
		From:   currentVersion(it.Current),
	}
	if it.Current != nil {
		res.Name = it.Current.Name
	}
	if it.Err != nil {
		res.Err = it.Err
		return inst.finish(ctx, res)
	}

	unlock := inst.lock(it.Key)
	defer unlock()

	for _, rel := range it.Current.Files {
		p := filepath.Join(inst.addonDir, filepath.FromSlash(rel))
		if err := os.RemoveAll(p); err != nil {
			res.Warnings = append(res.Warnings, fmt.Sprintf("could not delete %s: %v", rel, err))
			continue
		}
		pruneEmptyParents(inst.addonDir, filepath.Dir(p))
	}

	if err := inst.state.Delete(ctx, it.Key.Source, it.Key.ID); err != nil {
		res.Err = addon.NewItemError(it.Key, addon.StageRemove, err)
	}
	for _, w := range res.Warnings {
		inst.log.Warn().Str("addon", it.Key.String()).Msg(w)
	}
	return inst.finish(ctx, res)
}

// pruneEmptyParents removes dir and its parents while they are empty,
// stopping at root.
func pruneEmptyParents(root, dir string) {
	root = filepath.Clean(root)
	for {
		dir = filepath.Clean(dir)
		if dir == root || !strings.HasPrefix(dir, root+string(filepath.Separator)) {
			return
		}
		entries, err := os.ReadDir(dir)
		if err != nil || len(entries) > 0 {
			return
		}
		if err := os.Remove(dir); err != nil && !errors.Is(err, os.ErrNotExist) {
			return
		}
		dir = filepath.Dir(dir)
	}
}
