package logcsv

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// FileName builds the deterministic name for a log file covering the hour
// starting at hourStart (a Unix timestamp already floored to the hour).
// It encodes a human-readable hour timestamp, the datasource tag, the
// protocol tag, the component tag, the integer hour start, and a .csv
// suffix — spec.md §4.6.
func FileName(hourStart int64, datasourceTag, protoTag, componentTag string) string {
	t := time.Unix(hourStart, 0).UTC()
	human := t.Format("2006-01-02T15")
	return fmt.Sprintf("%s_%s_%s_%s_%d.csv",
		human, sanitizeTag(datasourceTag), sanitizeTag(protoTag), sanitizeTag(componentTag), hourStart)
}

// FilePath joins outDir and the generated file name.
func FilePath(outDir string, hourStart int64, datasourceTag, protoTag, componentTag string) string {
	return filepath.Join(outDir, FileName(hourStart, datasourceTag, protoTag, componentTag))
}

// HourBucket floors a wall-clock timestamp to its hour bucket, per
// spec.md's glossary definition floor(t/3600)*3600.
func HourBucket(t time.Time) int64 {
	sec := t.Unix()
	return sec - sec%3600
}

func sanitizeTag(tag string) string {
	s := strings.ReplaceAll(tag, "/", "_")
	s = strings.ReplaceAll(s, "\\", "_")
	s = strings.ReplaceAll(s, " ", "_")
	if s == "" {
		s = "unknown"
	}
	return s
}
