package main

import (
	"time"

	"github.com/alecthomas/kong"
	"gitlab.com/tozd/go/cli"
	z "gitlab.com/tozd/go/zerolog"
)

const (
	// DefaultUserAgent is the default User-Agent string sent to the wiki.
	DefaultUserAgent = "wikiarchive/1.0 (+https://gitlab.com/wikiarchiver/archiver)"
	// DefaultDataDir is the default root for downloaded files and the checkpoint blob.
	DefaultDataDir = ".wikiarchive"
	// DefaultRateLimit is the default requests-per-second budget.
	DefaultRateLimit = 2.0
	// DefaultTimeout is the default per-request timeout.
	DefaultTimeout = 30 * time.Second
	// DefaultMaxRetries is the default transient-error retry budget.
	DefaultMaxRetries = 5
)

// Globals describes top-level (global) flags shared by every subcommand.
//
//nolint:lll
type Globals struct {
	z.LoggingConfig `yaml:",inline"`

	Version kong.VersionFlag     `help:"Show program's version and exit."                    short:"V" yaml:"-"`
	Config  cli.ConfigFlag       `help:"Load configuration from a JSON or YAML file."         name:"config" placeholder:"PATH" short:"c" yaml:"-"`
	Quiet   bool                 `help:"Suppress all output except errors."                   short:"q" yaml:"quiet"`

	Database kong.FileContentFlag `help:"File with the PostgreSQL database URL." env:"DATABASE_URL_PATH" name:"database" placeholder:"PATH" required:"" short:"d" yaml:"database"`

	BaseURL    string        `help:"Base URL of the wiki to archive."                                  name:"base-url"    placeholder:"URL" required:"" yaml:"baseUrl"`
	UserAgent  string        `default:"${defaultUserAgent}" help:"User-Agent string sent to the wiki." name:"user-agent"                    yaml:"userAgent"`
	DataDir    string        `default:"${defaultDataDir}"   help:"Root for file downloads and the checkpoint blob." name:"data-dir" placeholder:"DIR" type:"path" yaml:"dataDir"`
	Timeout    time.Duration `default:"${defaultTimeout}"   help:"Per-request timeout."                 name:"timeout"                       yaml:"timeout"`
	MaxRetries int           `default:"${defaultMaxRetries}" help:"Retry budget for transient API failures." name:"max-retries"               yaml:"maxRetries"`
}

// Config provides configuration. It is used as configuration for the Kong
// command-line parser as well.
type Config struct {
	Globals `yaml:"globals"`

	Full        FullCommand        `cmd:"" help:"Run a baseline (full) scrape of the wiki."`
	Incremental IncrementalCommand `cmd:"" help:"Apply only what changed upstream since the last successful run."`
}
