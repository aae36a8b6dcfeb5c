// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package arr

import (
	"strings"
	"time"
)

// SystemStatusResponse represents the response from /api/v3/system/status (both Sonarr and Radarr)
type SystemStatusResponse struct {
	AppName string `json:"appName"`
	Version string `json:"version"`
}

// QueueRecord is one entry of /api/v3/queue.
// Sonarr fills EpisodeID/SeriesID, Radarr fills MovieID.
type QueueRecord struct {
	ID                   int    `json:"id"`
	DownloadID           string `json:"downloadId"`
	Title                string `json:"title"`
	Status               string `json:"status"`
	TrackedDownloadState string `json:"trackedDownloadState"`
	Protocol             string `json:"protocol"`
	EpisodeID            int    `json:"episodeId,omitempty"`
	SeriesID             int    `json:"seriesId,omitempty"`
	MovieID              int    `json:"movieId,omitempty"`
}

// Hash returns the download id normalised to a lower-case torrent hash.
func (r QueueRecord) Hash() string {
	return strings.ToLower(r.DownloadID)
}

// QueuePage is a paged response from /api/v3/queue.
type QueuePage struct {
	Page         int           `json:"page"`
	PageSize     int           `json:"pageSize"`
	TotalRecords int           `json:"totalRecords"`
	Records      []QueueRecord `json:"records"`
}

// Command names posted to /api/v3/command.
const (
	CommandEpisodeSearch             = "EpisodeSearch"
	CommandMoviesSearch              = "MoviesSearch"
	CommandDownloadedEpisodesScan    = "DownloadedEpisodesScan"
	CommandDownloadedMoviesScan      = "DownloadedMoviesScan"
	CommandRefreshMonitoredDownloads = "RefreshMonitoredDownloads"
	CommandRssSync                   = "RssSync"
)

// Command is the body of a POST /api/v3/command request.
type Command struct {
	Name             string `json:"name"`
	EpisodeIDs       []int  `json:"episodeIds,omitempty"`
	MovieIDs         []int  `json:"movieIds,omitempty"`
	Path             string `json:"path,omitempty"`
	DownloadClientID string `json:"downloadClientId,omitempty"`
	ImportMode       string `json:"importMode,omitempty"`
}

// CommandResponse is a command as reported by the catalog.
type CommandResponse struct {
	ID          int    `json:"id"`
	Name        string `json:"name"`
	CommandName string `json:"commandName"`
	Status      string `json:"status"`
}

// IsActive reports whether the command is still queued or running.
func (c CommandResponse) IsActive() bool {
	switch strings.ToLower(c.Status) {
	case "queued", "started":
		return true
	default:
		return false
	}
}

// IsSearch reports whether the command is one of the search commands.
func (c CommandResponse) IsSearch() bool {
	return strings.HasSuffix(c.Name, "Search")
}

// WantedSeries is the series block Sonarr embeds when includeSeries=true.
type WantedSeries struct {
	ID    int    `json:"id"`
	Title string `json:"title"`
}

// WantedRecord is one entry of /api/v3/wanted/missing or /api/v3/wanted/cutoff.
// Episodes carry series and season data, movies carry title and year.
type WantedRecord struct {
	ID            int           `json:"id"`
	Title         string        `json:"title"`
	Monitored     bool          `json:"monitored"`
	SeriesID      int           `json:"seriesId,omitempty"`
	SeasonNumber  int           `json:"seasonNumber,omitempty"`
	EpisodeNumber int           `json:"episodeNumber,omitempty"`
	AirDateUTC    *time.Time    `json:"airDateUtc,omitempty"`
	Series        *WantedSeries `json:"series,omitempty"`
	Year          int           `json:"year,omitempty"`
}

// WantedPage is a paged response from the wanted endpoints.
type WantedPage struct {
	Page         int            `json:"page"`
	PageSize     int            `json:"pageSize"`
	TotalRecords int            `json:"totalRecords"`
	Records      []WantedRecord `json:"records"`
}
