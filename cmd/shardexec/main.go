package main

import (
	"github.com/alecthomas/kong"
	"github.com/block/directshard/pkg/buildinfo"
	"github.com/block/directshard/pkg/shardexec"
)

// Set with -ldflags "-X main.version=... -X main.commit=... -X main.date=...".
var (
	version string
	commit  string
	date    string
)

func main() {
	buildinfo.Set(version, commit, date)
	var cli shardexec.CLI
	ctx := kong.Parse(&cli,
		kong.Name("shardexec"),
		kong.Description("shardexec: run SQL on a single shard, or on every shard of a topology"),
		kong.UsageOnError(),
	)
	ctx.FatalIfErrorf(ctx.Run())
}
