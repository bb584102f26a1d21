// SPDX-FileCopyrightText: 2024 SAP SE or an SAP affiliate company
// SPDX-License-Identifier: Apache-2.0

package repofs

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"slices"
	"strings"

	"github.com/sapcc/go-bits/errext"
	"github.com/sapcc/go-bits/logg"
)

// RefPath returns the repository-relative path of the given reference.
func RefPath(name string) string {
	return path.Join(refsDir, name)
}

// ReadRef returns the commit that the given reference points to, or "" if the
// reference does not exist.
func (r *Repo) ReadRef(name string) (string, error) {
	buf, err := r.ReadFile(RefPath(name))
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(buf)), nil
}

// UpdateRefs writes the given references (name -> commit). If any write
// fails, the references already written are restored to their previous
// contents before the error is returned. On success, the returned undo
// function can be used to revert the update.
func (r *Repo) UpdateRefs(refs map[string]string) (undo func() error, err error) {
	names := make([]string, 0, len(refs))
	for name := range refs {
		names = append(names, name)
	}
	slices.Sort(names)

	previous := make(map[string]string, len(names))
	undo = func() error {
		var errs errext.ErrorSet
		for name, commit := range previous {
			var err error
			if commit == "" {
				err = r.Remove(RefPath(name))
			} else {
				err = r.WriteFile(RefPath(name), []byte(commit+"\n"))
			}
			if err != nil {
				errs.Addf("cannot restore ref %q: %w", name, err)
			}
		}
		if errs.IsEmpty() {
			return nil
		}
		return errors.New(errs.Join(", "))
	}

	for _, name := range names {
		prev, err := r.ReadRef(name)
		if err != nil {
			return nil, r.rollbackRefs(undo, err)
		}
		previous[name] = prev
		err = r.WriteFile(RefPath(name), []byte(refs[name]+"\n"))
		if err != nil {
			return nil, r.rollbackRefs(undo, fmt.Errorf("cannot write ref %q: %w", name, err))
		}
	}
	return undo, nil
}

func (r *Repo) rollbackRefs(undo func() error, cause error) error {
	undoErr := undo()
	if undoErr != nil {
		logg.Error("while restoring refs in %s: %s", r.root, undoErr.Error())
	}
	return cause
}

// Summary is the metadata document that lists all references of a
// repository. Clients read it to discover what the repository contains.
type Summary struct {
	Refs         map[string]string `json:"refs"`
	CollectionID string            `json:"collection_id,omitempty"`
	Timestamp    int64             `json:"timestamp"`
}

// ReadSummary reads the summary of this repository. A missing summary is
// reported as an empty one.
func (r *Repo) ReadSummary() (Summary, error) {
	buf, err := r.ReadFile(SummaryPath)
	if errors.Is(err, fs.ErrNotExist) {
		return Summary{Refs: map[string]string{}}, nil
	}
	if err != nil {
		return Summary{}, err
	}
	var s Summary
	err = json.Unmarshal(buf, &s)
	if err != nil {
		return Summary{}, fmt.Errorf("cannot parse %s in %s: %w", SummaryPath, r.root, err)
	}
	if s.Refs == nil {
		s.Refs = map[string]string{}
	}
	return s, nil
}

// Encode renders the summary in its on-disk format.
func (s Summary) Encode() []byte {
	buf, _ := json.MarshalIndent(s, "", "  ") // cannot fail: only maps and scalars
	return append(buf, '\n')
}

// Descriptor is the content of repo.json in the production repository.
type Descriptor struct {
	URL          string `json:"url"`
	CollectionID string `json:"collection_id,omitempty"`
	GPGKey       string `json:"gpg_key,omitempty"`
}

// Encode renders the descriptor in its on-disk format.
func (d Descriptor) Encode() []byte {
	buf, _ := json.MarshalIndent(d, "", "  ") // cannot fail: only strings
	return append(buf, '\n')
}
