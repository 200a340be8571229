package types

import "time"

// DateLayout is the layout of load_date values and the date part of every
// timestamp the pipeline accepts.
const DateLayout = "2006-01-02"

// SlotTimeLayout is the layout of a slot's due_time.
const SlotTimeLayout = "15:04:05"

// ConfigSortKey is the sentinel load_date under which each file type's
// query/export configuration is stored in the schedule table.
const ConfigSortKey = "2999-12-31"

// Frequency determines how many slots a day's schedule holds.
type Frequency string

const (
	FrequencyHourly        Frequency = "Hourly"
	FrequencyQuarterHourly Frequency = "QuarterHourly"
)

// OrDefault returns QuarterHourly for an empty frequency.
func (f Frequency) OrDefault() Frequency {
	if f == "" {
		return FrequencyQuarterHourly
	}
	return f
}

// SlotCount is the number of slots per day, which is also the id of the
// day's last slot.
func (f Frequency) SlotCount() int {
	if f == FrequencyHourly {
		return 24
	}
	return 96
}

// SlotStatus is the processing state of one slot. Queued slots move to Sent
// exactly once and never back.
type SlotStatus string

const (
	SlotQueued SlotStatus = "q"
	SlotSent   SlotStatus = "s"
)

// ProcessingFlag marks whether a schedule record is the one currently being
// worked through for its file type.
type ProcessingFlag string

const (
	ProcessingActive ProcessingFlag = "Y"
	ProcessingDone   ProcessingFlag = "N"
)

// Phase is the persisted position of a schedule record in the
// due -> query -> export cycle. See internal/schedule for the transitions.
type Phase string

const (
	PhaseAwaitingDue    Phase = "awaiting_due"
	PhaseQuerying       Phase = "querying"
	PhaseAwaitingExport Phase = "awaiting_export"
	PhaseExporting      Phase = "exporting"
	PhaseExportFailed   Phase = "export_failed"
	PhaseDone           Phase = "done"
)

// Slot is one sub-daily processing interval. DueTime marks the interval's
// end boundary as HH:MM:SS.
type Slot struct {
	ID      int        `dynamodbav:"schd_id" json:"schd_id"`
	DueTime string     `dynamodbav:"schd_time" json:"schd_time"`
	Status  SlotStatus `dynamodbav:"status" json:"status"`
}

// Hour returns the zero-padded hour component of DueTime ("04" for
// "04:59:00").
func (s Slot) Hour() string {
	if len(s.DueTime) < 2 {
		return ""
	}
	return s.DueTime[:2]
}

// ScheduleRecord is the per-(file_type, load_date) schedule shared by every
// stage. Attribute names match the records already present in the table.
type ScheduleRecord struct {
	FileType       string         `dynamodbav:"file_type" json:"file_type"`
	LoadDate       string         `dynamodbav:"load_date" json:"load_date"`
	ProcessingFlag ProcessingFlag `dynamodbav:"processing_flag" json:"processing_flag"`
	Frequency      Frequency      `dynamodbav:"frequency,omitempty" json:"frequency,omitempty"`
	Slots          []Slot         `dynamodbav:"schd_day" json:"schd_day"`
	Phase          Phase          `dynamodbav:"phase,omitempty" json:"phase,omitempty"`
	PhaseUpdatedAt string         `dynamodbav:"phase_updated_at,omitempty" json:"phase_updated_at,omitempty"`
	Version        int64          `dynamodbav:"version" json:"version"`
}

// IsActive reports whether the record is the file type's current schedule.
func (r *ScheduleRecord) IsActive() bool {
	return r.ProcessingFlag == ProcessingActive
}

// EffectiveFrequency returns the stored frequency, inferring it from the slot
// count for records written before the attribute existed.
func (r *ScheduleRecord) EffectiveFrequency() Frequency {
	if r.Frequency != "" {
		return r.Frequency
	}
	if len(r.Slots) == FrequencyHourly.SlotCount() {
		return FrequencyHourly
	}
	return FrequencyQuarterHourly
}

// EffectivePhase returns the stored phase, or PhaseAwaitingDue for records
// without one.
func (r *ScheduleRecord) EffectivePhase() Phase {
	if r.Phase == "" {
		if r.ProcessingFlag == ProcessingDone {
			return PhaseDone
		}
		return PhaseAwaitingDue
	}
	return r.Phase
}

// PhaseSince parses PhaseUpdatedAt. The zero time is returned when the
// attribute is missing or malformed.
func (r *ScheduleRecord) PhaseSince() time.Time {
	if r.PhaseUpdatedAt == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, r.PhaseUpdatedAt)
	if err != nil {
		return time.Time{}
	}
	return t
}

// ColumnMapping is the transform job's column mapping: one tuple per column,
// typically (source_column, source_type, target_column, target_type).
type ColumnMapping [][]string

// FileTypeConfig holds the query and export settings of one file type. It is
// stored in the schedule table under ConfigSortKey.
type FileTypeConfig struct {
	FileType string `dynamodbav:"file_type" json:"file_type" yaml:"file_type" validate:"required"`
	LoadDate string `dynamodbav:"load_date" json:"load_date" yaml:"-"`

	// Query stage
	Database        string `dynamodbav:"database" json:"database" yaml:"database" validate:"required"`
	SourceTable     string `dynamodbav:"source_table" json:"source_table" yaml:"source_table" validate:"required"`
	TargetTable     string `dynamodbav:"target_table" json:"target_table" yaml:"target_table" validate:"required"`
	AddPartitionSQL string `dynamodbav:"add_partition" json:"add_partition" yaml:"add_partition" validate:"required"`
	InsertSQL       string `dynamodbav:"insert_sql" json:"insert_sql" yaml:"insert_sql" validate:"required"`
	OutputLocation  string `dynamodbav:"output_location,omitempty" json:"output_location,omitempty" yaml:"output_location,omitempty"`
	WorkGroup       string `dynamodbav:"work_group,omitempty" json:"work_group,omitempty" yaml:"work_group,omitempty"`

	// Export stage
	ExportEnabled     bool          `dynamodbav:"glue_export_flag" json:"glue_export_flag" yaml:"glue_export_flag"`
	ExportJobName     string        `dynamodbav:"glue_job_name,omitempty" json:"glue_job_name,omitempty" yaml:"glue_job_name,omitempty" validate:"required_if=ExportEnabled true"`
	ExportSourceDB    string        `dynamodbav:"athena_source_db,omitempty" json:"athena_source_db,omitempty" yaml:"athena_source_db,omitempty" validate:"required_if=ExportEnabled true"`
	ExportTargetDB    string        `dynamodbav:"rds_target_db,omitempty" json:"rds_target_db,omitempty" yaml:"rds_target_db,omitempty" validate:"required_if=ExportEnabled true"`
	ExportSourceTable string        `dynamodbav:"athena_source_table,omitempty" json:"athena_source_table,omitempty" yaml:"athena_source_table,omitempty" validate:"required_if=ExportEnabled true"`
	ExportTargetTable string        `dynamodbav:"rds_target_table,omitempty" json:"rds_target_table,omitempty" yaml:"rds_target_table,omitempty" validate:"required_if=ExportEnabled true"`
	ColumnMapping     ColumnMapping `dynamodbav:"glue_mapping,omitempty" json:"glue_mapping,omitempty" yaml:"glue_mapping,omitempty"`
}
