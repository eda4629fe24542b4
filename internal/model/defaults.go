package model

import "time"

// Defaults shared by the config layer and the CLI.
const (
	DefaultSchedule           = "0 */5 * * * *"
	DefaultPeriodSeconds      = 300
	DefaultStat               = "Average"
	DefaultLookbackHours      = 1
	DefaultMaxQueriesPerBatch = 100
	MaxQueriesPerBatchLimit   = 500
	MaxRegionConcurrency      = 4
	DefaultRunTimeout         = 15 * time.Minute
	DefaultFileSystemPath     = "./metrics"
)
