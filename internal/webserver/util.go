//nolint:mnd
package webserver

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
)

// avgIndexTime returns a string of the average index build time.
func (d *FSDashboard) avgIndexTime() string {
	am := d.archiveMetrics()

	return time.Duration(am.TotalIndexTime.Load() / max(1, am.TotalIndexCount.Load())).String()
}

// avgExtractTime returns a string of the average extraction time.
func (d *FSDashboard) avgExtractTime() string {
	am := d.archiveMetrics()

	return time.Duration(am.TotalExtractTime.Load() / max(1, am.TotalExtractCount.Load())).String()
}

// avgExtractSpeed returns a string of the average extraction throughput.
func (d *FSDashboard) avgExtractSpeed() string {
	am := d.archiveMetrics()

	bytes := am.TotalExtractBytes.Load()
	ns := am.TotalExtractTime.Load()

	if ns == 0 {
		return "0 B/s"
	}

	bps := float64(bytes) / (float64(ns) / 1e9)

	return humanize.IBytes(uint64(bps)) + "/s"
}

// memoryCacheHitRatio returns a string of the ratio of reads served from memory.
func (d *FSDashboard) memoryCacheHitRatio() string {
	am := d.archiveMetrics()

	hits := am.TotalMemoryCacheHits.Load()
	total := hits + am.TotalExtractCount.Load()

	if total == 0 {
		return "0.00%"
	}

	perc := (float64(hits) / float64(total)) * 100

	return fmt.Sprintf("%.2f%%", perc)
}

// humanizeCount returns a string of an amount of bytes.
func humanizeCount(bytes int64) string {
	if bytes < 0 {
		return humanize.IBytes(0)
	}

	return humanize.IBytes(uint64(bytes))
}

// enabledOrDisabled returns string "Enabled" or "Disabled" based on a boolean.
func enabledOrDisabled(v bool) string {
	if v {
		return "Enabled"
	}

	return "Disabled"
}
