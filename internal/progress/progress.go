// Package progress derives download summaries from aggregated file
// statistics for reporting.
package progress

import (
	"context"
	"time"

	"github.com/earthdata-download/edd/internal/storage"
)

// Summary is the reported progress of one download. Percent is
// files-weighted: completed files over all files, rounded down.
type Summary struct {
	DownloadID       string                `json:"downloadId"`
	State            storage.DownloadState `json:"state"`
	Active           bool                  `json:"active"`
	LoadingMoreFiles bool                  `json:"loadingMoreFiles"`
	Percent          int                   `json:"percent"`
	FinishedFiles    int                   `json:"finishedFiles"`
	TotalFiles       int                   `json:"totalFiles"`
	ActiveFiles      int                   `json:"activeFiles"`
	PausedFiles      int                   `json:"pausedFiles"`
	ErroredFiles     int                   `json:"erroredFiles"`
	ReceivedBytes    int64                 `json:"receivedBytes"`
	TotalBytes       int64                 `json:"totalBytes"`
	InvalidLinks     int                   `json:"invalidLinks"`
	// TotalTime and EstimatedTimeRemaining are milliseconds
	TotalTime              int64      `json:"totalTime"`
	EstimatedTimeRemaining int64      `json:"estimatedTimeRemaining"`
	CreatedAt              time.Time  `json:"createdAt"`
	TimeStart              *time.Time `json:"timeStart,omitempty"`
	TimeEnd                *time.Time `json:"timeEnd,omitempty"`
}

// ErrorSummary is the errors map entry of a download
type ErrorSummary struct {
	NumberErrors int  `json:"numberErrors"`
	Active       bool `json:"active"`
}

// Report is a page of summaries
type Report struct {
	Downloads []*Summary              `json:"downloads"`
	Errors    map[string]ErrorSummary `json:"errors"`
	Total     int                     `json:"total"`
	Aggregate Aggregate               `json:"aggregate"`
}

// Filter selects the downloads of a report
type Filter struct {
	Active *bool
	States []storage.DownloadState
	Limit  int
	Offset int
}

// Aggregator computes summaries from the store
type Aggregator struct {
	store storage.Store
	now   func() time.Time
}

// NewAggregator creates an aggregator over store
func NewAggregator(store storage.Store) *Aggregator {
	return &Aggregator{store: store, now: func() time.Time { return time.Now().UTC() }}
}

// ComputeDownloadProgress summarizes one download
func (a *Aggregator) ComputeDownloadProgress(ctx context.Context, downloadID string) (*Summary, error) {
	d, err := a.store.GetDownloadByID(ctx, downloadID)
	if err != nil {
		return nil, err
	}
	summaries, _, err := a.summarize(ctx, []*storage.Download{d})
	if err != nil {
		return nil, err
	}
	return summaries[0], nil
}

// ComputeAllDownloadsProgress summarizes a page of downloads, newest
// first. File rows are never loaded; counts come from SQL aggregation.
func (a *Aggregator) ComputeAllDownloadsProgress(ctx context.Context, filter Filter) (*Report, error) {
	dfilter := storage.DownloadFilter{
		Active: filter.Active,
		States: filter.States,
		Limit:  filter.Limit,
		Offset: filter.Offset,
	}
	downloads, err := a.store.ListDownloads(ctx, dfilter)
	if err != nil {
		return nil, err
	}
	total, err := a.store.CountDownloads(ctx, dfilter)
	if err != nil {
		return nil, err
	}

	summaries, errs, err := a.summarize(ctx, downloads)
	if err != nil {
		return nil, err
	}
	return &Report{
		Downloads: summaries,
		Errors:    errs,
		Total:     total,
		Aggregate: AggregateState(summaries),
	}, nil
}

func (a *Aggregator) summarize(ctx context.Context, downloads []*storage.Download) ([]*Summary, map[string]ErrorSummary, error) {
	ids := make([]string, len(downloads))
	for i, d := range downloads {
		ids[i] = d.ID
	}
	stats, err := a.store.FileStatsByDownloadIDs(ctx, ids)
	if err != nil {
		return nil, nil, err
	}
	now := a.now()
	paused, err := a.store.PausedDurations(ctx, ids, now)
	if err != nil {
		return nil, nil, err
	}

	summaries := make([]*Summary, 0, len(downloads))
	errs := make(map[string]ErrorSummary)
	for _, d := range downloads {
		st := stats[d.ID]
		s := &Summary{
			DownloadID:       d.ID,
			State:            d.State,
			Active:           d.Active,
			LoadingMoreFiles: d.LoadingMoreFiles,
			FinishedFiles:    st.Completed,
			TotalFiles:       st.Total,
			ActiveFiles:      st.Active,
			PausedFiles:      st.Paused,
			ErroredFiles:     st.Errored,
			ReceivedBytes:    st.ReceivedBytes,
			TotalBytes:       st.TotalBytes,
			InvalidLinks:     d.InvalidLinks,
			CreatedAt:        d.CreatedAt,
			TimeStart:        d.TimeStart,
			TimeEnd:          d.TimeEnd,
		}
		if st.Total > 0 {
			s.Percent = st.Completed * 100 / st.Total
		}

		elapsed := activeDuration(d, paused[d.ID], now)
		s.TotalTime = elapsed.Milliseconds()
		s.EstimatedTimeRemaining = estimateRemaining(elapsed, st.Completed, st.Total, d.State).Milliseconds()
		summaries = append(summaries, s)

		if n := st.Errored + len(d.Errors); n > 0 {
			errs[d.ID] = ErrorSummary{NumberErrors: n, Active: !d.State.IsTerminal()}
		}
	}
	return summaries, errs, nil
}

// activeDuration is wall clock since start minus paused time
func activeDuration(d *storage.Download, paused time.Duration, now time.Time) time.Duration {
	if d.TimeStart == nil {
		return 0
	}
	end := now
	if d.TimeEnd != nil {
		end = *d.TimeEnd
	}
	elapsed := end.Sub(*d.TimeStart) - paused
	if elapsed < 0 {
		return 0
	}
	return elapsed
}

// estimateRemaining extrapolates the time per finished file
func estimateRemaining(elapsed time.Duration, finished, total int, state storage.DownloadState) time.Duration {
	if state.IsTerminal() || finished == 0 || finished >= total {
		return 0
	}
	perFile := elapsed / time.Duration(finished)
	return perFile * time.Duration(total-finished)
}
