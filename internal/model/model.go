// Package model holds the persisted and exported shapes of tag values.
package model

import (
	"strconv"
	"time"
)

// TagValue is one recorded change of a tag.
type TagValue struct {
	ID        uint      `gorm:"column:id;primaryKey;autoIncrement" json:"-"`
	Name      string    `gorm:"column:name;index:idx_tag_values_name_ts,priority:1" json:"name"`
	Table     string    `gorm:"column:address_table" json:"table"`
	Index     int       `gorm:"column:address_index" json:"index"`
	Type      string    `gorm:"column:data_type" json:"type"`
	Value     float64   `gorm:"column:value" json:"value"`
	Raw       string    `gorm:"column:raw" json:"raw"`
	Timestamp time.Time `gorm:"column:timestamp;index:idx_tag_values_name_ts,priority:2" json:"timestamp"`
}

func (TagValue) TableName() string { return "tag_values" }

func (TagValue) CSVHeader() []string {
	return []string{"timestamp", "name", "table", "index", "type", "value", "raw"}
}

func (v TagValue) CSVRecord() []string {
	return []string{
		v.Timestamp.Format(time.RFC3339Nano),
		v.Name,
		v.Table,
		strconv.Itoa(v.Index),
		v.Type,
		strconv.FormatFloat(v.Value, 'g', -1, 64),
		v.Raw,
	}
}
