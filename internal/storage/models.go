package storage

import "time"

// DownloadState is the persisted state of a Download
type DownloadState string

const (
	DownloadPending            DownloadState = "PENDING"
	DownloadStarting           DownloadState = "STARTING"
	DownloadActive             DownloadState = "ACTIVE"
	DownloadPaused             DownloadState = "PAUSED"
	DownloadCompleted          DownloadState = "COMPLETED"
	DownloadError              DownloadState = "ERROR"
	DownloadCancelled          DownloadState = "CANCELLED"
	DownloadWaitingForAuth     DownloadState = "WAITING_FOR_AUTH"
	DownloadWaitingForEula     DownloadState = "WAITING_FOR_EULA"
	DownloadErrorFetchingLinks DownloadState = "ERROR_FETCHING_LINKS"
	DownloadInterrupted        DownloadState = "INTERRUPTED"
)

// IsTerminal reports whether no further transfers happen for the download
func (s DownloadState) IsTerminal() bool {
	switch s {
	case DownloadCompleted, DownloadError, DownloadCancelled, DownloadErrorFetchingLinks:
		return true
	}
	return false
}

// IsWaiting reports whether the download is blocked on user input
func (s DownloadState) IsWaiting() bool {
	return s == DownloadWaitingForAuth || s == DownloadWaitingForEula
}

// FileState is the persisted state of a File
type FileState string

const (
	FilePending        FileState = "PENDING"
	FileActive         FileState = "ACTIVE"
	FilePaused         FileState = "PAUSED"
	FileCompleted      FileState = "COMPLETED"
	FileError          FileState = "ERROR"
	FileCancelled      FileState = "CANCELLED"
	FileWaitingForAuth FileState = "WAITING_FOR_AUTH"
	FileWaitingForEula FileState = "WAITING_FOR_EULA"
	FileInterrupted    FileState = "INTERRUPTED"
)

// IsTerminal reports whether the file will not transfer again without a restart
func (s FileState) IsTerminal() bool {
	return s == FileCompleted || s == FileError || s == FileCancelled
}

// OutstandingFileStates are the states that keep a download from finishing
var OutstandingFileStates = []FileState{
	FilePending, FileActive, FilePaused, FileWaitingForAuth, FileWaitingForEula, FileInterrupted,
}

// ErrorEntry is one element of the serialized errors column
type ErrorEntry struct {
	Title   string    `json:"title"`
	Message string    `json:"message"`
	Time    time.Time `json:"time"`
}

// Download is one logical batch of files requested together
type Download struct {
	ID               string        `json:"id"`
	State            DownloadState `json:"state"`
	DownloadLocation string        `json:"downloadLocation"`
	AuthURL          string        `json:"authUrl,omitempty"`
	EulaURL          string        `json:"eulaUrl,omitempty"`
	EulaRedirectURL  string        `json:"eulaRedirectUrl,omitempty"`
	GetLinksURL      string        `json:"getLinksUrl,omitempty"`
	GetLinksToken    string        `json:"-"`
	LoadingMoreFiles bool          `json:"loadingMoreFiles"`
	Active           bool          `json:"active"`
	CreatedAt        time.Time     `json:"createdAt"`
	TimeStart        *time.Time    `json:"timeStart,omitempty"`
	TimeEnd          *time.Time    `json:"timeEnd,omitempty"`
	Errors           []ErrorEntry  `json:"errors,omitempty"`
	InvalidLinks     int           `json:"invalidLinks"`
	ClientID         string        `json:"clientId,omitempty"`
	CancelID         string        `json:"cancelId,omitempty"`
	PauseID          string        `json:"pauseId,omitempty"`
	RestartID        string        `json:"restartId,omitempty"`
	DeleteID         string        `json:"deleteId,omitempty"`
	ClearID          string        `json:"clearId,omitempty"`
}

// File is one downloadable link within a Download
type File struct {
	ID             int64        `json:"id"`
	DownloadID     string       `json:"downloadId"`
	Filename       string       `json:"filename"`
	State          FileState    `json:"state"`
	URL            string       `json:"url"`
	Percent        float64      `json:"percent"`
	ReceivedBytes  int64        `json:"receivedBytes"`
	TotalBytes     int64        `json:"totalBytes"`
	CreatedAt      time.Time    `json:"createdAt"`
	TimeStart      *time.Time   `json:"timeStart,omitempty"`
	TimeEnd        *time.Time   `json:"timeEnd,omitempty"`
	Errors         []ErrorEntry `json:"errors,omitempty"`
	DuplicateCount int          `json:"duplicateCount"`
	CancelID       string       `json:"cancelId,omitempty"`
	RestartID      string       `json:"restartId,omitempty"`
	DeleteID       string       `json:"deleteId,omitempty"`
}

// Pause is an interval during which a file, or a whole download when
// FileID is nil, was not transferring
type Pause struct {
	ID         int64      `json:"id"`
	DownloadID string     `json:"downloadId"`
	FileID     *int64     `json:"fileId,omitempty"`
	TimeStart  time.Time  `json:"timeStart"`
	TimeEnd    *time.Time `json:"timeEnd,omitempty"`
	DeleteID   string     `json:"deleteId,omitempty"`
}

// Preferences is the singleton settings row
type Preferences struct {
	ConcurrentDownloads         int    `json:"concurrentDownloads"`
	DefaultDownloadLocation     string `json:"defaultDownloadLocation"`
	LastDownloadLocation        string `json:"lastDownloadLocation"`
	WindowState                 string `json:"windowState,omitempty"`
	AllowMetrics                bool   `json:"allowMetrics"`
	HasMetricsPreferenceBeenSet bool   `json:"hasMetricsPreferenceBeenSet"`
}

// DefaultPreferences returns the seed row
func DefaultPreferences() *Preferences {
	return &Preferences{ConcurrentDownloads: 5}
}

// FileStats is the per-download aggregate of its file rows
type FileStats struct {
	DownloadID    string
	Total         int
	Pending       int
	Active        int
	Paused        int
	Completed     int
	Errored       int
	Cancelled     int
	Waiting       int
	Interrupted   int
	ReceivedBytes int64
	TotalBytes    int64
}

// Outstanding counts files that keep the download open
func (s *FileStats) Outstanding() int {
	return s.Pending + s.Active + s.Paused + s.Waiting + s.Interrupted
}
