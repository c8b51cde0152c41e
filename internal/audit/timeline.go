package audit

import "time"

// TimelineFilters menampung filter dasar untuk audit timeline.
type TimelineFilters struct {
	From      time.Time
	To        time.Time
	Principal string
	Action    Action
	Page      int
	PageSize  int
}

// Query adalah filter tingkat repository. Limit 0 berarti tanpa batas.
type Query struct {
	From      time.Time
	To        time.Time
	Principal string
	Action    Action
	Offset    int
	Limit     int
}

// Matches dipakai repository in-memory.
func (q Query) Matches(e Entry) bool {
	if !q.From.IsZero() && e.OccurredAt.Before(q.From) {
		return false
	}
	if !q.To.IsZero() && !e.OccurredAt.Before(q.To) {
		return false
	}
	if q.Principal != "" && e.Principal != q.Principal {
		return false
	}
	if q.Action != "" && e.Action != q.Action {
		return false
	}
	return true
}

// PagingInfo menyimpan metadata pagination sederhana.
type PagingInfo struct {
	Page     int  `json:"page"`
	HasNext  bool `json:"has_next"`
	PageSize int  `json:"page_size"`
	PrevPage int  `json:"prev_page,omitempty"`
	NextPage int  `json:"next_page,omitempty"`
}

// Result membungkus hasil timeline dengan informasi paging.
type Result struct {
	Entries []Entry    `json:"entries"`
	Paging  PagingInfo `json:"paging"`
}
