package archive

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/baseddata-vacuum/internal/hash/sha256"
	"github.com/JakeFAU/baseddata-vacuum/internal/ingest"
	"github.com/JakeFAU/baseddata-vacuum/internal/storage/memory"
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

type failingStore struct{}

func (failingStore) PutObject(context.Context, string, string, io.Reader) (string, error) {
	return "", errors.New("bucket gone")
}

func TestArchiveIsContentAddressed(t *testing.T) {
	t.Parallel()

	blobs := memory.NewBlobStore()
	clock := fixedClock{t: time.Date(2024, 3, 9, 12, 0, 0, 0, time.UTC)}
	a, err := New(blobs, sha256.New(), clock, "")
	require.NoError(t, err)

	req := ingest.FetchRequest{Source: "sbir", Page: 2}
	uri, err := a.Archive(context.Background(), req, []byte(`[]`))
	require.NoError(t, err)
	require.Equal(t,
		"memory://raw/sbir/2024/03/09/4f53cda18c2baa0c0354bb5f9a3ecbe5ed12ab4d8e11ba873c2f11161202b945.json",
		uri)

	again, err := a.Archive(context.Background(), req, []byte(`[]`))
	require.NoError(t, err)
	require.Equal(t, uri, again)
	require.Len(t, blobs.Paths(), 1)
}

func TestArchiveWrapsStoreErrors(t *testing.T) {
	t.Parallel()

	a, err := New(failingStore{}, sha256.New(), fixedClock{t: time.Now()}, "vacuum/raw/")
	require.NoError(t, err)

	_, err = a.Archive(context.Background(), ingest.FetchRequest{Source: "nsf", Page: 4}, []byte("{}"))
	require.ErrorContains(t, err, "archive nsf page 4: bucket gone")
}

func TestNewRequiresDependencies(t *testing.T) {
	t.Parallel()

	_, err := New(nil, sha256.New(), fixedClock{}, "")
	require.Error(t, err)
}
