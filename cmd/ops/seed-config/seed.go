package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"c2cpipeline/internal/pipeline"
	"c2cpipeline/internal/types"
)

// SeedFile is the YAML document the tool reads.
//
//	file_types:
//	  - file_type: intervals
//	    database: sampledb
//	    source_table: intervals_raw
//	    target_table: intervals
//	    add_partition: ALTER TABLE {table_name} ADD IF NOT EXISTS PARTITION (load_date={load_date}, hour={hour})
//	    insert_sql: INSERT INTO {target_table} SELECT * FROM {source_table} WHERE load_date = ? AND hour = ?
//	    output_location: s3://${RESULTS_BUCKET}/query_result/
//	    glue_export_flag: true
//	    glue_job_name: intervals-to-rds
//	    ...
type SeedFile struct {
	FileTypes []types.FileTypeConfig `yaml:"file_types"`
}

// ConfigWriter stores file type configs. db.ScheduleStore implements it.
type ConfigWriter interface {
	PutFileTypeConfig(ctx context.Context, cfg *types.FileTypeConfig) error
	FileTypeConfigItem(cfg *types.FileTypeConfig) (map[string]ddbtypes.AttributeValue, error)
}

// sampleLoadDate and sampleHour are used to check that every template renders
// before anything is written.
const (
	sampleLoadDate = "2024-01-01"
	sampleHour     = "00"
)

// LoadSeedFile reads a seed file. ${VAR} references are expanded from the
// environment before parsing.
func LoadSeedFile(r io.Reader) (*SeedFile, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading seed file: %w", err)
	}
	expanded := []byte(os.ExpandEnv(string(data)))

	var sf SeedFile
	if err := yaml.Unmarshal(expanded, &sf); err != nil {
		return nil, types.NewAppError(types.ErrCodeParseInvalidInput, "invalid seed file", err)
	}
	if len(sf.FileTypes) == 0 {
		return nil, types.NewAppError(types.ErrCodeConfigMissing, "seed file has no file_types", nil)
	}
	return &sf, nil
}

// Validate checks every config's required fields, that file types are
// unique, and that the statement templates render.
func (sf *SeedFile) Validate() error {
	v := validator.New()
	seen := make(map[string]bool, len(sf.FileTypes))
	for i := range sf.FileTypes {
		cfg := &sf.FileTypes[i]
		if err := v.Struct(cfg); err != nil {
			return types.NewAppErrorWithDetails(types.ErrCodeConfigInvalid, "invalid file type config", err,
				map[string]any{"index": i, "file_type": cfg.FileType})
		}
		if seen[cfg.FileType] {
			return types.NewAppErrorWithDetails(types.ErrCodeConfigInvalid, "duplicate file type", nil,
				map[string]any{"file_type": cfg.FileType})
		}
		seen[cfg.FileType] = true

		if _, err := pipeline.QueryStatements(cfg, sampleLoadDate, sampleHour); err != nil {
			return fmt.Errorf("file type %s: %w", cfg.FileType, err)
		}
		if cfg.ExportEnabled {
			if _, err := pipeline.ExportArguments(cfg, sampleLoadDate, sampleHour); err != nil {
				return fmt.Errorf("file type %s: %w", cfg.FileType, err)
			}
		}
	}
	return nil
}

// Seeder writes a validated seed file.
type Seeder struct {
	Writer ConfigWriter
	Out    io.Writer
}

// Apply writes every config, or with dryRun prints the items as JSON
// instead.
func (s *Seeder) Apply(ctx context.Context, sf *SeedFile, dryRun bool) (int, error) {
	written := 0
	for i := range sf.FileTypes {
		cfg := &sf.FileTypes[i]
		if dryRun {
			if err := s.print(cfg); err != nil {
				return written, err
			}
			continue
		}
		if err := s.Writer.PutFileTypeConfig(ctx, cfg); err != nil {
			return written, fmt.Errorf("writing %s: %w", cfg.FileType, err)
		}
		written++
		fmt.Fprintf(s.Out, "  wrote %s\n", cfg.FileType)
	}
	return written, nil
}

func (s *Seeder) print(cfg *types.FileTypeConfig) error {
	item, err := s.Writer.FileTypeConfigItem(cfg)
	if err != nil {
		return fmt.Errorf("rendering %s: %w", cfg.FileType, err)
	}
	var plain map[string]any
	if err := attributevalue.UnmarshalMap(item, &plain); err != nil {
		return fmt.Errorf("rendering %s: %w", cfg.FileType, err)
	}
	enc := json.NewEncoder(s.Out)
	enc.SetIndent("", "  ")
	return enc.Encode(plain)
}
