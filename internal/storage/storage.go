// Package storage provides the persistence layer for downloads, files,
// pause intervals, preferences and the auth token.
package storage

import (
	"context"
	"time"
)

// StorageType represents the type of storage backend
type StorageType string

const (
	StorageTypeMemory StorageType = "memory" // SQLite in-memory database (ephemeral)
	StorageTypeSQLite StorageType = "sqlite" // SQLite file-based storage
)

// StorageConfig represents storage configuration
type StorageConfig struct {
	Type   StorageType   `mapstructure:"type" yaml:"type" json:"type"`
	SQLite *SQLiteConfig `mapstructure:"sqlite" yaml:"sqlite" json:"sqlite,omitempty"`
}

// SQLiteConfig contains SQLite-specific configuration
type SQLiteConfig struct {
	Path      string            `mapstructure:"path" yaml:"path" json:"path"`
	Pragmas   map[string]string `mapstructure:"pragmas" yaml:"pragmas" json:"pragmas,omitempty"`
	EnableWAL bool              `mapstructure:"enable_wal" yaml:"enable_wal" json:"enableWAL"`
}

// Fields is a partial update keyed by column name. Only whitelisted
// columns of the target table are accepted.
type Fields map[string]interface{}

// WhereIn selects rows whose Column value is one of Values
type WhereIn struct {
	Column string
	Values []interface{}
}

// DownloadFilter narrows ListDownloads / CountDownloads
type DownloadFilter struct {
	IDs      []string
	States   []DownloadState
	Active   *bool
	OrderAsc bool
	Limit    int
	Offset   int
}

// FileFilter narrows ListFiles / CountFiles / UpdateFilesWhere
type FileFilter struct {
	DownloadID string
	Filename   string
	States     []FileState
	Limit      int
	Offset     int
}

// AddLinksResult reports what happened to a batch of links
type AddLinksResult struct {
	Added      int     `json:"added"`
	Duplicates int     `json:"duplicates"`
	Invalid    int     `json:"invalid"`
	FileIDs    []int64 `json:"fileIds"`
}

// Store defines the storage interface
type Store interface {
	// Schema
	MigrateDatabase(ctx context.Context, defaults *Preferences) error

	// Download operations
	CreateDownload(ctx context.Context, d *Download) error
	GetDownloadByID(ctx context.Context, id string) (*Download, error)
	ListDownloads(ctx context.Context, filter DownloadFilter) ([]*Download, error)
	CountDownloads(ctx context.Context, filter DownloadFilter) (int, error)
	UpdateDownloadByID(ctx context.Context, id string, fields Fields) error
	UpdateDownloadsWhereIn(ctx context.Context, where WhereIn, fields Fields) (int64, error)
	AppendDownloadError(ctx context.Context, id string, entry ErrorEntry) error
	DeleteDownloadByID(ctx context.Context, id string) error
	DeleteAllDownloads(ctx context.Context) error

	// File operations
	AddLinksByDownloadID(ctx context.Context, downloadID string, urls []string, allowInsecure bool) (*AddLinksResult, error)
	GetFileByID(ctx context.Context, id int64) (*File, error)
	GetFileByName(ctx context.Context, downloadID, filename string) (*File, error)
	GetFilesByDownloadID(ctx context.Context, downloadID string) ([]*File, error)
	GetNotCompletedFilesByDownloadID(ctx context.Context, downloadID string) ([]*File, error)
	ListFiles(ctx context.Context, filter FileFilter) ([]*File, error)
	CountFiles(ctx context.Context, filter FileFilter) (int, error)
	NextPendingFiles(ctx context.Context, limit int) ([]*File, error)
	UpdateFile(ctx context.Context, id int64, fields Fields) error
	UpdateFilesWhere(ctx context.Context, filter FileFilter, fields Fields) (int64, error)
	AppendFileError(ctx context.Context, id int64, entry ErrorEntry) error
	DeleteFile(ctx context.Context, id int64) error
	FileStatsByDownloadIDs(ctx context.Context, ids []string) (map[string]*FileStats, error)

	// Pause operations
	CreatePause(ctx context.Context, p *Pause) (bool, error)
	EndPause(ctx context.Context, downloadID string, fileID *int64, at time.Time) (int64, error)
	EndDownloadPauses(ctx context.Context, downloadID string, at time.Time) (int64, error)
	GetPausesByDownloadID(ctx context.Context, downloadID string) ([]*Pause, error)
	PausedDurations(ctx context.Context, ids []string, now time.Time) (map[string]time.Duration, error)

	// Singletons
	GetPreferences(ctx context.Context) (*Preferences, error)
	UpdatePreferences(ctx context.Context, fields Fields) error
	GetToken(ctx context.Context) (string, error)
	SetToken(ctx context.Context, token string) error

	Close() error
}

// NewStore creates the store described by config
func NewStore(config *StorageConfig) (Store, error) {
	switch config.Type {
	case StorageTypeMemory:
		return NewSQLiteStore(&SQLiteConfig{Path: MemoryPath})
	case StorageTypeSQLite:
		if config.SQLite == nil {
			return nil, ErrMissingSQLiteConfig
		}
		return NewSQLiteStore(config.SQLite)
	default:
		return nil, ErrInvalidStorageType
	}
}

// Error codes
const (
	CodeNotFound           = "NOT_FOUND"
	CodeDuplicateID        = "DUPLICATE_ID"
	CodeStorageUnavailable = "STORAGE_UNAVAILABLE"
	CodeInvalidLink        = "INVALID_LINK"
	CodeInvalidField       = "INVALID_FIELD"
	CodeInvalidType        = "INVALID_TYPE"
	CodeMissingConfig      = "MISSING_CONFIG"
)

// Errors
var (
	ErrInvalidStorageType  = &StorageError{Code: CodeInvalidType, Message: "Invalid storage type"}
	ErrMissingSQLiteConfig = &StorageError{Code: CodeMissingConfig, Message: "Missing SQLite configuration"}
	ErrNotFound            = &StorageError{Code: CodeNotFound, Message: "Record not found"}
	ErrDuplicateID         = &StorageError{Code: CodeDuplicateID, Message: "Download id already exists"}
	ErrStorageUnavailable  = &StorageError{Code: CodeStorageUnavailable, Message: "Storage unavailable"}
	ErrInvalidLink         = &StorageError{Code: CodeInvalidLink, Message: "Link is not a secure download url"}
	ErrInvalidField        = &StorageError{Code: CodeInvalidField, Message: "Unknown or read-only column"}
)

// StorageError represents a storage error
type StorageError struct {
	Code    string
	Message string
	Err     error
}

func (e *StorageError) Error() string {
	if e.Err != nil {
		return e.Code + ": " + e.Message + ": " + e.Err.Error()
	}
	return e.Code + ": " + e.Message
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// Is matches any StorageError carrying the same code
func (e *StorageError) Is(target error) bool {
	t, ok := target.(*StorageError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

func newError(code, message string, err error) *StorageError {
	return &StorageError{Code: code, Message: message, Err: err}
}
