package main

import (
	"io"

	"github.com/fatih/color"

	"github.com/freemyipod/noncestatistics/pkg/stats"
)

func runStatistics(w io.Writer, path string) error {
	return stats.FromFile(path).WriteReport(w, color.New(color.Bold))
}
