package main

import (
	"fmt"
	"os"

	"github.com/mitchellh/colorstring"
	"github.com/schollz/progressbar/v3"

	"gotorrent/config"
	"gotorrent/engine"
	"gotorrent/metainfo"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintf(os.Stderr, "Usage: gotorrent <path-to-torrent-file> [flags]\n")
		os.Exit(1)
	}
	path := os.Args[1]

	cfg, err := config.Parse(os.Args[2:])
	if err != nil {
		colorstring.Fprintf(os.Stderr, "[red]config error: %v\n", err)
		os.Exit(1)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		colorstring.Fprintf(os.Stderr, "[red]reading %s: %v\n", path, err)
		os.Exit(1)
	}

	meta, err := metainfo.Parse(data)
	if err != nil {
		colorstring.Fprintf(os.Stderr, "[red]parsing %s: %v\n", path, err)
		os.Exit(1)
	}

	colorstring.Printf("[green]%s[reset] (%d pieces, %s)\n", meta.Name, meta.NumPieces(), path)

	mgr := engine.NewManager(cfg, 8)
	if _, err := mgr.AddTorrent(meta, cfg.OutputDir); err != nil {
		colorstring.Fprintf(os.Stderr, "[red]adding torrent: %v\n", err)
		os.Exit(1)
	}

	bar := progressbar.NewOptions(meta.NumPieces(),
		progressbar.OptionSetDescription(meta.Name),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
	)

	for ev := range mgr.Events() {
		switch {
		case ev.Stats != nil:
			bar.Set(ev.Stats.Stats.HavePieces)
		case ev.Complete != nil:
			bar.Finish()
			colorstring.Println("[green]download complete[reset]")
			mgr.Shutdown()
			return
		case ev.Error != nil:
			colorstring.Fprintf(os.Stderr, "[red]%s: %v\n", ev.Error.ID, ev.Error.Err)
			mgr.Shutdown()
			os.Exit(1)
		}
	}
}
