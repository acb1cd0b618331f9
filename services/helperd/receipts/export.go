package receipts

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"
)

type parquetRow struct {
	ID          string `parquet:"name=id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Operation   string `parquet:"name=operation, type=BYTE_ARRAY, convertedtype=UTF8"`
	Caller      string `parquet:"name=caller, type=BYTE_ARRAY, convertedtype=UTF8"`
	Status      string `parquet:"name=status, type=BYTE_ARRAY, convertedtype=UTF8"`
	FailureKind string `parquet:"name=failure_kind, type=BYTE_ARRAY, convertedtype=UTF8"`
	FailedStep  string `parquet:"name=failed_step, type=BYTE_ARRAY, convertedtype=UTF8"`
	Market      string `parquet:"name=market, type=BYTE_ARRAY, convertedtype=UTF8"`
	Reason      string `parquet:"name=reason, type=BYTE_ARRAY, convertedtype=UTF8"`
	StateRoot   string `parquet:"name=state_root, type=BYTE_ARRAY, convertedtype=UTF8"`
	Steps       string `parquet:"name=steps, type=BYTE_ARRAY, convertedtype=UTF8"`
	CreatedAt   int64  `parquet:"name=created_at, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
}

const exportPageSize = 500

// ExportParquet writes every receipt matching filter to path, paging through
// the store newest first. filter.Limit and filter.Offset are ignored. It
// returns the number of rows written.
func (s *Store) ExportParquet(ctx context.Context, path string, filter Filter) (int, error) {
	file, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("receipts: create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(parquetRow), 1)
	if err != nil {
		file.Close()
		return 0, fmt.Errorf("receipts: parquet schema: %w", err)
	}
	pw.RowGroupSize = 16 * 1024 * 1024
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	written := 0
	page := filter
	page.Limit = exportPageSize
	page.Offset = 0
	for {
		rows, err := s.List(ctx, page)
		if err != nil {
			file.Close()
			return written, err
		}
		for i := range rows {
			if err := pw.Write(toParquetRow(&rows[i])); err != nil {
				file.Close()
				return written, fmt.Errorf("receipts: write row: %w", err)
			}
			written++
		}
		if len(rows) < exportPageSize {
			break
		}
		page.Offset += len(rows)
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return written, fmt.Errorf("receipts: finalise parquet: %w", err)
	}
	if err := file.Close(); err != nil {
		return written, fmt.Errorf("receipts: close parquet: %w", err)
	}
	return written, nil
}

func toParquetRow(r *Receipt) *parquetRow {
	return &parquetRow{
		ID:          r.ID,
		Operation:   r.Operation,
		Caller:      r.Caller,
		Status:      r.Status,
		FailureKind: r.FailureKind,
		FailedStep:  r.FailedStep,
		Market:      r.Market,
		Reason:      r.Reason,
		StateRoot:   r.StateRoot,
		Steps:       r.Steps,
		CreatedAt:   r.CreatedAt.UTC().UnixNano() / int64(time.Millisecond),
	}
}
