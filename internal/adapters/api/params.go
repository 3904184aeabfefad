package api

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"geneatlas/internal/model"
)

// diffParams is the typed form of a diff request's query string.
type diffParams struct {
	Species     string
	Assembly    string
	FromRelease string
	ToRelease   string
	Region      *model.Region
	Limit       int
	Cursor      string
	// Normalized holds every recognised parameter except cursor in canonical
	// form; it feeds the query hash.
	Normalized map[string]string
}

func parseDiffParams(q url.Values, scope model.DiffScope, defaultLimit, maxLimit int) (*diffParams, *Error) {
	p := &diffParams{Normalized: map[string]string{"scope": string(scope)}}

	for _, dim := range []struct {
		name string
		dst  *string
	}{{"species", &p.Species}, {"assembly", &p.Assembly}} {
		v := strings.TrimSpace(q.Get(dim.name))
		if v == "" {
			return nil, newError(http.StatusBadRequest, CodeMissingDatasetDimension, "missing dataset dimension: "+dim.name,
				map[string]any{"parameter": dim.name})
		}
		if err := model.ValidateDimension(dim.name, v); err != nil {
			return nil, invalidParam(dim.name, v, err.Error())
		}
		*dim.dst = v
		p.Normalized[dim.name] = v
	}

	for _, rel := range []struct {
		name string
		dst  *string
	}{{"from_release", &p.FromRelease}, {"to_release", &p.ToRelease}} {
		v := strings.TrimSpace(q.Get(rel.name))
		if v == "" {
			return nil, invalidParam(rel.name, "", rel.name+" is required")
		}
		if v != model.LatestAlias {
			if err := model.ValidateDimension("release", v); err != nil {
				return nil, invalidParam(rel.name, v, err.Error())
			}
		}
		*rel.dst = v
		p.Normalized[rel.name] = v
	}

	p.Limit = defaultLimit
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil || n < 1 {
			return nil, invalidParam("limit", raw, "limit must be a positive integer")
		}
		p.Limit = min(n, maxLimit)
		p.Normalized["limit"] = strconv.Itoa(n)
	}

	if raw := q.Get("region"); raw != "" || scope == model.ScopeRegion {
		if raw == "" {
			return nil, invalidParam("region", "", "region is required")
		}
		region, err := model.ParseRegion(raw)
		if err != nil {
			return nil, invalidParam("region", raw, "region must be seqid:start-end with 1 <= start <= end")
		}
		p.Normalized["region"] = region.String()
		if scope == model.ScopeRegion {
			p.Region = &region
		}
	}

	p.Cursor = q.Get("cursor")
	return p, nil
}

// queryHash is the sha256 of the sorted k=v pairs joined by '&'. The cursor
// is excluded so every page of one query shares a hash.
func queryHash(normalized map[string]string) string {
	keys := make([]string, 0, len(normalized))
	for k := range normalized {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]string, len(keys))
	for i, k := range keys {
		pairs[i] = k + "=" + normalized[k]
	}
	sum := sha256.Sum256([]byte(strings.Join(pairs, "&")))
	return hex.EncodeToString(sum[:])
}
