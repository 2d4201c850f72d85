// Package archive stores raw API responses content-addressed by digest so a
// bad parse can be replayed without refetching.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/JakeFAU/baseddata-vacuum/internal/ingest"
)

// Archiver writes response bodies to a BlobStore.
type Archiver struct {
	blobs  ingest.BlobStore
	hasher ingest.Hasher
	clock  ingest.Clock
	prefix string
}

// New builds an Archiver. prefix defaults to "raw".
func New(blobs ingest.BlobStore, hasher ingest.Hasher, clock ingest.Clock, prefix string) (*Archiver, error) {
	if blobs == nil || hasher == nil || clock == nil {
		return nil, fmt.Errorf("archive: blob store, hasher and clock are required")
	}
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		prefix = "raw"
	}
	return &Archiver{blobs: blobs, hasher: hasher, clock: clock, prefix: prefix}, nil
}

// Archive stores body under <prefix>/<source>/<yyyy>/<mm>/<dd>/<digest>.json.
// Identical bodies on the same day collapse onto one object.
func (a *Archiver) Archive(ctx context.Context, req ingest.FetchRequest, body []byte) (string, error) {
	digest, err := a.hasher.Hash(body)
	if err != nil {
		return "", fmt.Errorf("hash body: %w", err)
	}
	source := req.Source
	if source == "" {
		source = "unknown"
	}
	day := a.clock.Now().UTC().Format("2006/01/02")
	key := path.Join(a.prefix, source, day, digest+".json")
	uri, err := a.blobs.PutObject(ctx, key, "application/json", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("archive %s page %d: %w", source, req.Page, err)
	}
	return uri, nil
}
