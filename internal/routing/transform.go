package routing

import (
	"fmt"
	"sort"

	"github.com/tidwall/sjson"
)

// ApplyTransform rewrites a raw JSON request body according to the transform.
// Steps run in a fixed order so configs behave the same regardless of how
// they are written:
//
//  1. rewrite_model
//  2. add_params (keys applied in sorted order)
//  3. remove_params
//  4. override_temperature
//  5. override_max_tokens
//
// The input slice is not modified; the returned slice is a new body.
func ApplyTransform(body []byte, tr *Transform) ([]byte, error) {
	if tr == nil {
		return body, nil
	}
	out := body
	var err error

	if tr.RewriteModel != "" {
		out, err = sjson.SetBytes(out, "model", tr.RewriteModel)
		if err != nil {
			return nil, fmt.Errorf("routing: rewrite_model: %w", err)
		}
	}

	if len(tr.AddParams) > 0 {
		keys := make([]string, 0, len(tr.AddParams))
		for k := range tr.AddParams {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			out, err = sjson.SetBytes(out, k, tr.AddParams[k])
			if err != nil {
				return nil, fmt.Errorf("routing: add_params %q: %w", k, err)
			}
		}
	}

	for _, k := range tr.RemoveParams {
		out, err = sjson.DeleteBytes(out, k)
		if err != nil {
			return nil, fmt.Errorf("routing: remove_params %q: %w", k, err)
		}
	}

	if tr.OverrideTemperature != nil {
		out, err = sjson.SetBytes(out, "temperature", *tr.OverrideTemperature)
		if err != nil {
			return nil, fmt.Errorf("routing: override_temperature: %w", err)
		}
	}

	if tr.OverrideMaxTokens != nil {
		out, err = sjson.SetBytes(out, "max_tokens", *tr.OverrideMaxTokens)
		if err != nil {
			return nil, fmt.Errorf("routing: override_max_tokens: %w", err)
		}
	}

	return out, nil
}
