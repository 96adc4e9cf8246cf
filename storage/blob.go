// Package storage holds generated documents such as study plan PDFs.
package storage

import (
	"errors"
	"io"
)

// ErrNotFound is returned by Get for a key that was never stored.
var ErrNotFound = errors.New("blob not found")

// BlobStore stores opaque documents by key.
type BlobStore interface {
	Put(key string, r io.Reader) (string, error) // returns canonical key
	Get(key string) (io.ReadCloser, error)
	SignedURL(key string) (string, error) // fs returns "file://..." for dev
}

// StudyPlanKey is the key of the study plan PDF of a user.
func StudyPlanKey(userID string) string {
	return "studyplan/" + userID + ".pdf"
}
