// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package catalog loads the platform's datafiles from disk and serves them
// with variant weights overlaid from the optimization state.
//
// Datafiles are opaque JSON documents except for one known sub-shape:
// features.<key>.variations[*].{value,weight}. Everything else passes
// through untouched, so documents are kept as generic trees rather than
// typed structs; the schema evolves outside this service.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// variantArrayKeys lists the accepted locations of a feature's variant
// array, in precedence order. The platform's datafile schema has shipped
// both spellings.
var variantArrayKeys = []string{"variations", "variants"}

// Variant is one entry of a feature's variant array as declared on disk.
type Variant struct {
	Value  string
	Weight float64
}

// Group is all variants of one feature within one datafile.
type Group struct {
	Feature  string
	Variants []Variant
}

// TotalWeight is the group's declared weight sum, the normalization target
// for every rewrite of the group.
func (g Group) TotalWeight() float64 {
	var total float64
	for _, v := range g.Variants {
		total += v.Weight
	}
	return total
}

// Datafile is one parsed document. Raw is read-only after load; the overlay
// copies before rewriting.
type Datafile struct {
	Path string
	Raw  map[string]any
}

// Group extracts the variant group for a feature, or ok=false when the
// datafile has no such feature or the feature carries no variant array.
// Entries without a string "value" are ignored; a missing "weight" counts
// as zero, matching the platform's build output.
func (d *Datafile) Group(feature string) (Group, bool) {
	features, ok := d.Raw["features"].(map[string]any)
	if !ok {
		return Group{}, false
	}
	feat, ok := features[feature].(map[string]any)
	if !ok {
		return Group{}, false
	}
	arr, ok := variantArray(feat)
	if !ok {
		return Group{}, false
	}
	g := Group{Feature: feature}
	for _, item := range arr {
		entry, ok := item.(map[string]any)
		if !ok {
			continue
		}
		value, ok := entry["value"].(string)
		if !ok {
			continue
		}
		weight, _ := entry["weight"].(float64)
		g.Variants = append(g.Variants, Variant{Value: value, Weight: weight})
	}
	if len(g.Variants) == 0 {
		return Group{}, false
	}
	return g, true
}

// Features returns the names of all features carrying a variant array,
// sorted for stable iteration.
func (d *Datafile) Features() []string {
	features, ok := d.Raw["features"].(map[string]any)
	if !ok {
		return nil
	}
	var names []string
	for name, v := range features {
		if feat, ok := v.(map[string]any); ok {
			if _, ok := variantArray(feat); ok {
				names = append(names, name)
			}
		}
	}
	sort.Strings(names)
	return names
}

func variantArray(feat map[string]any) ([]any, bool) {
	for _, key := range variantArrayKeys {
		if arr, ok := feat[key].([]any); ok && len(arr) > 0 {
			return arr, true
		}
	}
	return nil, false
}

// Repository holds every parsed datafile, keyed by its path relative to the
// configured directory (slash-separated). Load replaces the whole set
// atomically; readers see either the old or the new catalogue.
type Repository struct {
	dir string
	log zerolog.Logger

	mu    sync.RWMutex
	files map[string]*Datafile
}

// NewRepository points a repository at a datafiles directory. Call Load
// before serving.
func NewRepository(dir string, log zerolog.Logger) *Repository {
	return &Repository{
		dir:   dir,
		log:   log,
		files: make(map[string]*Datafile),
	}
}

// Load walks the directory tree for *.json files and parses them. Files
// that are not valid JSON objects are skipped with a warning; files without
// a features object are kept opaque (served verbatim, no groups). A missing
// directory is an error: the operator pointed the service somewhere wrong.
func (r *Repository) Load(ctx context.Context) error {
	if _, err := os.Stat(r.dir); err != nil {
		return fmt.Errorf("datafiles directory %q: %w", r.dir, err)
	}

	loaded := make(map[string]*Datafile)
	err := filepath.WalkDir(r.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".json") {
			return nil
		}
		rel, err := filepath.Rel(r.dir, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)

		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		var raw map[string]any
		if err := json.Unmarshal(data, &raw); err != nil {
			r.log.Warn().Str("datafile", key).Err(err).Msg("skipping unparseable datafile")
			return nil
		}
		if _, ok := raw["features"].(map[string]any); !ok {
			r.log.Warn().Str("datafile", key).Msg("datafile has no features object; serving opaque")
		}
		loaded[key] = &Datafile{Path: key, Raw: raw}
		return nil
	})
	if err != nil {
		return fmt.Errorf("walk datafiles: %w", err)
	}

	r.mu.Lock()
	r.files = loaded
	r.mu.Unlock()
	r.log.Info().Int("count", len(loaded)).Str("dir", r.dir).Msg("datafiles loaded")
	return nil
}

// Get returns the parsed datafile for a relative path.
func (r *Repository) Get(path string) (*Datafile, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	df, ok := r.files[path]
	return df, ok
}

// Paths lists all loaded datafile paths, sorted.
func (r *Repository) Paths() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	paths := make([]string, 0, len(r.files))
	for p := range r.files {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Len reports the number of loaded datafiles.
func (r *Repository) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.files)
}
