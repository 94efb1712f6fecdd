package db

import (
	"time"

	"qishuigrab/grab"
)

// DownloadRecordModel mirrors the download_records schema.
type DownloadRecordModel struct {
	ID         uint `gorm:"primarykey"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
	ShareURL   string `gorm:"not null;index"`
	TrackName  string
	ArtistName string
	Status     string `gorm:"not null;index"`
	Error      string
	FileSize   int64
	DurationMS int64
}

func (DownloadRecordModel) TableName() string {
	return "download_records"
}

func toInternal(model DownloadRecordModel) *grab.DownloadRecord {
	return &grab.DownloadRecord{
		ID:         model.ID,
		CreatedAt:  model.CreatedAt,
		UpdatedAt:  model.UpdatedAt,
		ShareURL:   model.ShareURL,
		TrackName:  model.TrackName,
		ArtistName: model.ArtistName,
		Status:     model.Status,
		Error:      model.Error,
		FileSize:   model.FileSize,
		DurationMS: model.DurationMS,
	}
}

func toModel(record *grab.DownloadRecord) *DownloadRecordModel {
	return &DownloadRecordModel{
		ID:         record.ID,
		ShareURL:   record.ShareURL,
		TrackName:  record.TrackName,
		ArtistName: record.ArtistName,
		Status:     record.Status,
		Error:      record.Error,
		FileSize:   record.FileSize,
		DurationMS: record.DurationMS,
	}
}
