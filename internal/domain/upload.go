package domain

import (
	"slices"
	"time"
)

// PartRecord describes one received part. Numbers start at 1.
type PartRecord struct {
	Number     int       `json:"number"`
	Size       int64     `json:"size"`
	Tag        string    `json:"tag"`
	ReceivedAt time.Time `json:"received_at"`
}

type UploadProgress struct {
	TotalParts    int          `json:"total_parts"`
	PartsReceived int          `json:"parts_received"`
	BytesReceived int64        `json:"bytes_received"`
	Parts         []PartRecord `json:"parts"`
}

// NewUploadProgress sorts parts by number and aggregates counters.
func NewUploadProgress(total int, parts []PartRecord) UploadProgress {
	p := UploadProgress{TotalParts: total, Parts: slices.Clone(parts)}
	slices.SortFunc(p.Parts, func(a, b PartRecord) int { return a.Number - b.Number })
	for _, part := range p.Parts {
		p.PartsReceived++
		p.BytesReceived += part.Size
	}
	return p
}

func (p UploadProgress) Complete() bool {
	return p.TotalParts > 0 && p.PartsReceived == p.TotalParts
}

// CompletedPart is a part reference sent by the client on completion.
type CompletedPart struct {
	Number int    `json:"number"`
	Tag    string `json:"tag"`
}
