package models

import (
	"time"
)

// Blob is one object in the SQL-backed store. Table name: blobs
type Blob struct {
	Key     string `gorm:"column:blob_key;primaryKey;type:varchar(512)" json:"key"`
	Data    []byte `gorm:"not null" json:"-"`
	Version string `gorm:"type:varchar(64);not null" json:"version"` // sha1 of Data

	Timestamps
}

// Timestamps adds GORM auto-times
type Timestamps struct {
	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time `json:"updated_at" gorm:"autoUpdateTime;index"`
}
