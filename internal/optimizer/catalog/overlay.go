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

package catalog

import "math"

// WeightLookup resolves the stored weight for (feature, variant). ok=false
// means no stored weight; the overlay then uses the declared weight. A
// failing lookup should simply report ok=false so serving never breaks.
type WeightLookup func(feature, variant string) (weight float64, ok bool)

// Overlay returns a copy of the datafile with variant weights rewritten
// from the optimization state. The input is never mutated.
//
// Per group: if no variant has a stored weight the declared weights pass
// through untouched. Otherwise the whole group is renormalized so its sum
// equals the declared sum, weights are rounded to 4 decimals, and the
// rounding residual lands on the heaviest variant. Variant set and order
// always match the on-disk document.
func Overlay(df *Datafile, lookup WeightLookup) map[string]any {
	out := deepCopy(df.Raw).(map[string]any)
	features, ok := out["features"].(map[string]any)
	if !ok {
		return out
	}

	for featureKey, v := range features {
		feat, ok := v.(map[string]any)
		if !ok {
			continue
		}
		arr, ok := variantArray(feat)
		if !ok {
			continue
		}
		overlayGroup(featureKey, arr, lookup)
	}
	return out
}

func overlayGroup(feature string, arr []any, lookup WeightLookup) {
	type slot struct {
		entry     map[string]any
		declared  float64
		effective float64
	}
	var (
		slots     []slot
		declSum   float64
		effSum    float64
		anyStored bool
	)

	for _, item := range arr {
		entry, ok := item.(map[string]any)
		if !ok {
			return // malformed entry; leave the group untouched
		}
		value, ok := entry["value"].(string)
		if !ok {
			return
		}
		declared, _ := entry["weight"].(float64)
		effective := declared
		if stored, ok := lookup(feature, value); ok && isUsableWeight(stored) {
			effective = stored
			anyStored = true
		}
		slots = append(slots, slot{entry: entry, declared: declared, effective: effective})
		declSum += declared
		effSum += effective
	}

	if !anyStored || len(slots) == 0 {
		return
	}

	// Renormalize to the declared sum so the platform's simplex convention
	// survives the rewrite. A zero effective total falls back to an equal
	// split; with a zero declared sum that still writes zeros, preserving
	// the (degenerate) sum.
	weights := make([]float64, len(slots))
	if effSum > 0 {
		for i, s := range slots {
			weights[i] = roundTo(s.effective*declSum/effSum, 4)
		}
	} else {
		equal := roundTo(declSum/float64(len(slots)), 4)
		for i := range slots {
			weights[i] = equal
		}
	}

	var sum float64
	heaviest := 0
	for i, w := range weights {
		sum += w
		if w > weights[heaviest] {
			heaviest = i
		}
	}
	if residual := declSum - sum; residual != 0 {
		weights[heaviest] = roundTo(weights[heaviest]+residual, 4)
	}

	for i, s := range slots {
		s.entry["weight"] = weights[i]
	}
}

// isUsableWeight guards the overlay against corrupted store values.
func isUsableWeight(w float64) bool {
	return !math.IsNaN(w) && !math.IsInf(w, 0) && w >= 0
}

func roundTo(x float64, places int) float64 {
	scale := math.Pow(10, float64(places))
	return math.Round(x*scale) / scale
}

// deepCopy clones the generic JSON tree. Scalars are immutable and shared.
func deepCopy(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, val := range t {
			m[k] = deepCopy(val)
		}
		return m
	case []any:
		s := make([]any, len(t))
		for i, val := range t {
			s[i] = deepCopy(val)
		}
		return s
	default:
		return v
	}
}
