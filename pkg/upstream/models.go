package upstream

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

type ModelCard struct {
	ID         string  `json:"id"`
	Created    int64   `json:"created"`
	Object     string  `json:"object"`
	OwnedBy    string  `json:"owned_by"`
	Permission []any   `json:"permission"`
	Root       string  `json:"root"`
	Parent     *string `json:"parent"`
}

type ModelList struct {
	Object string      `json:"object"`
	Data   []ModelCard `json:"data"`
}

type backendModel struct {
	Model       string          `json:"model"`
	ReleaseDate json.RawMessage `json:"releaseDate"`
	Creator     string          `json:"creator"`
}

type backendModelList struct {
	Models []backendModel `json:"models"`
}

func (l backendModelList) toOpenAI() ModelList {
	out := ModelList{Object: "list", Data: make([]ModelCard, 0, len(l.Models))}
	for _, m := range l.Models {
		id := strings.TrimSpace(m.Model)
		if id == "" {
			continue
		}
		out.Data = append(out.Data, ModelCard{
			ID:         id,
			Created:    releaseEpoch(m.ReleaseDate),
			Object:     "model",
			OwnedBy:    m.Creator,
			Permission: []any{},
			Root:       id,
		})
	}
	return out
}

// releaseEpoch converts a release date to Unix seconds. Numbers above 1e12
// are taken as milliseconds. Unparseable dates map to 0.
func releaseEpoch(raw json.RawMessage) int64 {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return 0
	}
	if n, err := strconv.ParseFloat(s, 64); err == nil {
		if n > 1e12 {
			return int64(n / 1000)
		}
		return int64(n)
	}
	var str string
	if err := json.Unmarshal(raw, &str); err != nil {
		return 0
	}
	str = strings.TrimSpace(str)
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
		if ts, err := time.Parse(layout, str); err == nil {
			return ts.Unix()
		}
	}
	return 0
}
