package sources

import (
	"context"
	"errors"
	"iter"
	"time"

	"github.com/JakeFAU/baseddata-vacuum/internal/ingest"
	"github.com/JakeFAU/baseddata-vacuum/internal/policy/retry"
)

// Page is one parsed page of a partition.
type Page struct {
	Partition  Partition
	Index      int
	Records    []ingest.Record
	ArchiveURI string
}

// PageOptions tunes a single Paginate call.
type PageOptions struct {
	// Start is the first page index, for resuming a partition.
	Start int
	// MaxPages lowers the adapter ceiling; zero keeps it.
	MaxPages int
	Retry    retry.Policy
	// Delay is an optional fixed pause between pages.
	Delay time.Duration
}

// Paginate walks one partition lazily. It yields each page in order and stops
// after a short page, at the page ceiling, or after yielding the first error.
// Breaking out of the loop stops fetching.
func Paginate(
	ctx context.Context,
	fetcher ingest.Fetcher,
	adapter Adapter,
	partition Partition,
	opts PageOptions,
) iter.Seq2[Page, error] {
	return func(yield func(Page, error) bool) {
		ceiling := pageCeiling(adapter.MaxPages(), opts.MaxPages)
		size := adapter.PageSize()
		for index := opts.Start; ceiling == 0 || index < ceiling; index++ {
			if err := ctx.Err(); err != nil {
				yield(Page{Partition: partition, Index: index}, err)
				return
			}
			if index > opts.Start && opts.Delay > 0 {
				if err := sleep(ctx, opts.Delay); err != nil {
					yield(Page{Partition: partition, Index: index}, err)
					return
				}
			}

			req, err := adapter.Request(partition, index)
			if err != nil {
				yield(Page{Partition: partition, Index: index}, err)
				return
			}
			resp, err := fetchWithRetry(ctx, fetcher, req, opts.Retry)
			if err != nil {
				yield(Page{Partition: partition, Index: index}, err)
				return
			}
			records, err := adapter.Parse(resp.Body)
			if err != nil {
				yield(Page{Partition: partition, Index: index}, &ingest.FetchError{
					Source: adapter.Name(),
					Label:  partition.Label,
					Page:   index,
					Kind:   ingest.FetchDecode,
					Err:    err,
				})
				return
			}

			page := Page{Partition: partition, Index: index, Records: records, ArchiveURI: resp.ArchiveURI}
			if !yield(page, nil) {
				return
			}
			if len(records) < size {
				return
			}
		}
	}
}

func fetchWithRetry(
	ctx context.Context,
	fetcher ingest.Fetcher,
	req ingest.FetchRequest,
	policy retry.Policy,
) (ingest.FetchResponse, error) {
	if policy == nil {
		policy = retry.Never{}
	}
	for attempt := 1; ; attempt++ {
		resp, err := fetcher.Fetch(ctx, req)
		if err == nil {
			return resp, nil
		}
		if !policy.ShouldRetry(err, attempt) {
			return ingest.FetchResponse{}, err
		}
		if serr := sleep(ctx, policy.Backoff(attempt, err)); serr != nil {
			return ingest.FetchResponse{}, errors.Join(err, serr)
		}
	}
}

func pageCeiling(adapterMax, requested int) int {
	switch {
	case adapterMax <= 0:
		return requested
	case requested <= 0:
		return adapterMax
	case requested < adapterMax:
		return requested
	default:
		return adapterMax
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
