// Command wikiarchive archives a MediaWiki-compatible wiki into a Postgres-backed repository.
package main

import (
	"strconv"

	"github.com/alecthomas/kong"
	"gitlab.com/tozd/go/cli"
	"gitlab.com/tozd/go/errors"
)

func main() {
	var config Config
	cli.Run(&config, kong.Vars{
		"defaultUserAgent":  DefaultUserAgent,
		"defaultDataDir":    DefaultDataDir,
		"defaultTimeout":    DefaultTimeout.String(),
		"defaultMaxRetries": strconv.Itoa(DefaultMaxRetries),
		"defaultRateLimit":  strconv.FormatFloat(DefaultRateLimit, 'f', -1, 64),
	}, func(ctx *kong.Context) errors.E {
		return errors.WithStack(ctx.Run(&config.Globals))
	})
}
