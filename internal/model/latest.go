package model

import (
	"strconv"
	"time"
)

// TagLatest keeps the most recent value of each tag, keyed by name.
type TagLatest struct {
	Name      string    `gorm:"column:name;primaryKey" json:"name"`
	Table     string    `gorm:"column:address_table" json:"table"`
	Index     int       `gorm:"column:address_index" json:"index"`
	Type      string    `gorm:"column:data_type" json:"type"`
	Value     float64   `gorm:"column:value" json:"value"`
	Raw       string    `gorm:"column:raw" json:"raw"`
	Timestamp time.Time `gorm:"column:timestamp" json:"timestamp"`
}

func (TagLatest) TableName() string { return "tag_latest" }

func (TagLatest) CSVHeader() []string {
	return []string{"name", "table", "index", "type", "value", "raw", "timestamp"}
}

func (l TagLatest) CSVRecord() []string {
	return []string{
		l.Name,
		l.Table,
		strconv.Itoa(l.Index),
		l.Type,
		strconv.FormatFloat(l.Value, 'g', -1, 64),
		l.Raw,
		l.Timestamp.Format(time.RFC3339Nano),
	}
}

// Latest converts a recorded change into its latest-value row.
func (v TagValue) Latest() TagLatest {
	return TagLatest{
		Name:      v.Name,
		Table:     v.Table,
		Index:     v.Index,
		Type:      v.Type,
		Value:     v.Value,
		Raw:       v.Raw,
		Timestamp: v.Timestamp,
	}
}
