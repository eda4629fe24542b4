package config

import (
	"fmt"
	"net/url"
	"strings"
)

// Format selects the serialization of a run's record set.
type Format int

const (
	FormatParquet Format = iota
	FormatJSON
)

// ParseFormat maps a config string to a Format. Empty means Parquet.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "parquet":
		return FormatParquet, nil
	case "json":
		return FormatJSON, nil
	default:
		return FormatParquet, fmt.Errorf("unknown format %q (want json or parquet)", s)
	}
}

func (f Format) String() string {
	if f == FormatJSON {
		return "json"
	}
	return "parquet"
}

// Ext is the file extension used for artifacts of this format.
func (f Format) Ext() string { return f.String() }

// ContentType is the object-store content type for this format.
func (f Format) ContentType() string {
	if f == FormatJSON {
		return "application/json"
	}
	return "application/octet-stream"
}

// TargetKind names a Target variant.
type TargetKind string

const (
	KindObjectStore TargetKind = "object_store"
	KindFileSystem  TargetKind = "file_system"
	KindDatabase    TargetKind = "database"
)

// Target is the closed set of storage destinations. Only the types in this
// package implement it.
type Target interface {
	Kind() TargetKind
	isTarget()
}

// ObjectStoreTarget uploads one object per run under Prefix.
type ObjectStoreTarget struct {
	Bucket string
	Prefix string
	Format Format

	// Connection settings. Empty values fall back to the SDK default chain.
	Endpoint     string
	Region       string
	AccessKey    string
	SecretKey    string
	SessionToken string
	UseSSL       bool
	PathStyle    bool
}

// FileSystemTarget writes one local file per run under Path.
type FileSystemTarget struct {
	Path   string
	Format Format
}

// DatabaseTarget inserts one row per record into TableName.
type DatabaseTarget struct {
	TableName     string
	DBPath        string // empty = in-memory DuckDB
	RetentionDays int    // 0 = keep forever
}

func (ObjectStoreTarget) Kind() TargetKind { return KindObjectStore }
func (FileSystemTarget) Kind() TargetKind  { return KindFileSystem }
func (DatabaseTarget) Kind() TargetKind    { return KindDatabase }

func (ObjectStoreTarget) isTarget() {}
func (FileSystemTarget) isTarget()  {}
func (DatabaseTarget) isTarget()    {}

// TargetOptions is the flat, file-facing shape of the target block.
type TargetOptions struct {
	Type          string `mapstructure:"type" yaml:"type"`
	Format        string `mapstructure:"format" yaml:"format,omitempty"`
	Bucket        string `mapstructure:"bucket" yaml:"bucket,omitempty"`
	Prefix        string `mapstructure:"prefix" yaml:"prefix,omitempty"`
	Endpoint      string `mapstructure:"endpoint" yaml:"endpoint,omitempty"`
	Region        string `mapstructure:"region" yaml:"region,omitempty"`
	AccessKey     string `mapstructure:"access-key" yaml:"access-key,omitempty"`
	SecretKey     string `mapstructure:"secret-key" yaml:"-"`
	SessionToken  string `mapstructure:"session-token" yaml:"-"`
	UseSSL        bool   `mapstructure:"use-ssl" yaml:"use-ssl,omitempty"`
	PathStyle     bool   `mapstructure:"path-style" yaml:"path-style,omitempty"`
	Path          string `mapstructure:"path" yaml:"path,omitempty"`
	TableName     string `mapstructure:"table-name" yaml:"table-name,omitempty"`
	DBPath        string `mapstructure:"db-path" yaml:"db-path,omitempty"`
	RetentionDays int    `mapstructure:"retention-days" yaml:"retention-days,omitempty"`
}

func buildTarget(o TargetOptions) (Target, error) {
	kind := strings.ToLower(strings.TrimSpace(o.Type))
	switch kind {
	case "", string(KindFileSystem), "filesystem":
		format, err := ParseFormat(o.Format)
		if err != nil {
			return nil, err
		}
		path := strings.TrimSpace(o.Path)
		if path == "" {
			if kind != "" {
				return nil, fmt.Errorf("file_system target requires path")
			}
			path = defaultFileSystemPath
		}
		return FileSystemTarget{Path: path, Format: format}, nil

	case string(KindObjectStore), "s3":
		format, err := ParseFormat(o.Format)
		if err != nil {
			return nil, err
		}
		bucket := strings.TrimSpace(o.Bucket)
		prefix := strings.Trim(strings.TrimSpace(o.Prefix), "/")
		if strings.HasPrefix(bucket, "s3://") {
			b, p, err := ParseBucketURL(bucket)
			if err != nil {
				return nil, err
			}
			bucket = b
			if prefix == "" {
				prefix = p
			}
		}
		if bucket == "" {
			return nil, fmt.Errorf("object_store target requires bucket")
		}
		return ObjectStoreTarget{
			Bucket:       bucket,
			Prefix:       prefix,
			Format:       format,
			Endpoint:     strings.TrimSpace(o.Endpoint),
			Region:       strings.TrimSpace(o.Region),
			AccessKey:    o.AccessKey,
			SecretKey:    o.SecretKey,
			SessionToken: o.SessionToken,
			UseSSL:       o.UseSSL,
			PathStyle:    o.PathStyle,
		}, nil

	case string(KindDatabase):
		if !validIdentifier(o.TableName) {
			return nil, fmt.Errorf("database target requires a table-name matching [A-Za-z_][A-Za-z0-9_]*, got %q", o.TableName)
		}
		if o.RetentionDays < 0 {
			return nil, fmt.Errorf("database retention-days must be >= 0, got %d", o.RetentionDays)
		}
		return DatabaseTarget{
			TableName:     o.TableName,
			DBPath:        strings.TrimSpace(o.DBPath),
			RetentionDays: o.RetentionDays,
		}, nil

	default:
		return nil, fmt.Errorf("unknown target type %q", o.Type)
	}
}

func validIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}

// ParseBucketURL splits s3://bucket/prefix into its parts.
func ParseBucketURL(raw string) (bucket string, prefix string, err error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", "", fmt.Errorf("parse bucket url: %w", err)
	}
	if u.Scheme != "s3" {
		return "", "", fmt.Errorf("bucket url must use s3:// scheme")
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", "", fmt.Errorf("bucket url missing bucket name")
	}
	return u.Host, strings.Trim(strings.TrimSpace(u.Path), "/"), nil
}
