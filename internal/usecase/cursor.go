package usecase

import (
	"encoding/base64"
	"encoding/json"
	"time"

	"github.com/gautema/runlater/internal/domain"
)

const (
	defaultPageLimit = 20
	maxPageLimit     = 100
)

func pageLimit(n int) int {
	if n <= 0 {
		return defaultPageLimit
	}
	if n > maxPageLimit {
		return maxPageLimit
	}
	return n
}

// pageCursor is the sort key of the last row on the previous page,
// base64-wrapped so clients treat it as an opaque token. Every list in
// this package orders by (timestamp DESC, id DESC).
type pageCursor struct {
	T  time.Time `json:"t"`
	ID string    `json:"i"`
}

func encodeCursor(t time.Time, id string) string {
	b, _ := json.Marshal(pageCursor{T: t, ID: id})
	return base64.RawURLEncoding.EncodeToString(b)
}

func decodeCursor(s string) (*time.Time, string, error) {
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, "", domain.ErrInvalidCursor
	}
	var c pageCursor
	if err := json.Unmarshal(b, &c); err != nil {
		return nil, "", domain.ErrInvalidCursor
	}
	return &c.T, c.ID, nil
}
