package model

import "time"

// Exception is a persisted record of a caught failure, written alongside
// the log line so operational errors survive log rotation.
type Exception struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Service   string    `gorm:"size:100" json:"service"`
	Component string    `gorm:"size:100" json:"component"`
	Operation string    `gorm:"size:100" json:"operation"`
	Severity  string    `gorm:"size:20" json:"severity"`
	Message   string    `gorm:"size:1000" json:"message"`
	Context   string    `gorm:"type:text" json:"context,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func (Exception) TableName() string {
	return "exceptions"
}
