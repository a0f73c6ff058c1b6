package model

import "time"

// Dimension is a named string attribute attached to a MetricPoint.
type Dimension struct {
	Name  string
	Value string
}

// MetricPoint is the unit written to the time-series store. MeasureValue is
// always a BIGINT measure; Time has millisecond precision on the wire.
type MetricPoint struct {
	Dimensions   []Dimension
	MeasureName  string
	MeasureValue int64
	Time         time.Time
}
