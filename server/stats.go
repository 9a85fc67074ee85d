package server

import (
	"log/slog"
	"reflect"
)

// Stats holds statistics for server operation. Can be requested with Server.GetStatistics().
type Stats struct {
	ErrorsCount           int `slog:"errors"`
	UploadCount           int `slog:"uploads"`
	ExistsYesCount        int `slog:"exists_yes"`
	ExistsNoCount         int `slog:"exists_no"`
	DownloadCount         int `slog:"downloads"`
	DownloadNotFoundCount int `slog:"downloads_not_found"`

	UploadedBytes   int64 `slog:"ul_bytes"`
	DownloadedBytes int64 `slog:"dl_bytes"`
}

// Lookups is the number of GET and HEAD requests answered with a hit or a miss.
func (st Stats) Lookups() int {
	return st.ExistsYesCount + st.ExistsNoCount + st.DownloadCount + st.DownloadNotFoundCount
}

// HitRatio is the share of lookups that found an artifact, 0 when there were none.
func (st Stats) HitRatio() float64 {
	if st.Lookups() == 0 {
		return 0
	}
	return float64(st.ExistsYesCount+st.DownloadCount) / float64(st.Lookups())
}

// SlogArgs converts non-zero stats to an array that can be passed to slog logging functions.
// For example, slog.Info("server stats", stats.SlogArgs()...)
func (st Stats) SlogArgs() (result []any) {
	types := reflect.TypeOf(st)
	values := reflect.ValueOf(st)

	for i := 0; i < types.NumField(); i++ {
		var (
			f = types.Field(i)
			v = values.Field(i).Int()

			slogTag = f.Tag.Get("slog")
		)
		if slogTag != "" && v > 0 {
			result = append(result, slog.Int64(slogTag, v))
		}
	}
	if len(result) == 0 {
		return []any{slog.Int("cache_requests", 0)}
	}
	if st.Lookups() > 0 {
		result = append(result, slog.Float64("hit_ratio", st.HitRatio()))
	}
	return
}
