package progress

import "github.com/earthdata-download/edd/internal/storage"

// Kind tags the overall state of a set of downloads
type Kind string

const (
	KindNone            Kind = "NONE"
	KindActive          Kind = "ACTIVE"
	KindPaused          Kind = "PAUSED"
	KindWaitingForInput Kind = "WAITING_FOR_INPUT"
	KindFinished        Kind = "FINISHED"
)

// Aggregate is the overall state of a set of downloads
type Aggregate struct {
	Kind     Kind `json:"kind"`
	Active   int  `json:"active"`
	Paused   int  `json:"paused"`
	Waiting  int  `json:"waiting"`
	Finished int  `json:"finished"`
}

// AggregateState folds summaries into one tagged state. A prompt waiting
// on the user wins over running work, which wins over paused work.
func AggregateState(summaries []*Summary) Aggregate {
	var agg Aggregate
	for _, s := range summaries {
		switch {
		case s.State.IsTerminal():
			agg.Finished++
		case s.State.IsWaiting():
			agg.Waiting++
		case s.State == storage.DownloadPaused || s.State == storage.DownloadInterrupted:
			agg.Paused++
		default:
			agg.Active++
		}
	}

	switch {
	case len(summaries) == 0:
		agg.Kind = KindNone
	case agg.Waiting > 0:
		agg.Kind = KindWaitingForInput
	case agg.Active > 0:
		agg.Kind = KindActive
	case agg.Paused > 0:
		agg.Kind = KindPaused
	default:
		agg.Kind = KindFinished
	}
	return agg
}
