// Package journal persists the normalized event stream as parquet batches
// in S3. It subscribes to the flow manager like any other consumer, so a
// slow upload never blocks the trading path.
package journal

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	"github.com/xitongsys/parquet-go/writer"

	"crossflow/config"
	"crossflow/internal/flow"
	"crossflow/internal/model"
	"crossflow/logger"
)

// Record is one journaled event row.
type Record struct {
	Seq       int64   `parquet:"name=seq, type=INT64"`
	EventType string  `parquet:"name=event_type, type=BYTE_ARRAY, convertedtype=UTF8"`
	Exchange  string  `parquet:"name=exchange, type=BYTE_ARRAY, convertedtype=UTF8"`
	Symbol    string  `parquet:"name=symbol, type=BYTE_ARRAY, convertedtype=UTF8"`
	Timestamp int64   `parquet:"name=timestamp, type=INT64"`
	Side      string  `parquet:"name=side, type=BYTE_ARRAY, convertedtype=UTF8"`
	Price     float64 `parquet:"name=price, type=DOUBLE"`
	Quantity  float64 `parquet:"name=quantity, type=DOUBLE"`
	OrderID   string  `parquet:"name=order_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	TradeID   string  `parquet:"name=trade_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Status    string  `parquet:"name=status, type=BYTE_ARRAY, convertedtype=UTF8"`
}

// memoryFile implements the parquet source interface over a byte buffer so
// files are assembled in memory before upload.
type memoryFile struct {
	buffer *bytes.Buffer
}

func newMemoryFile() *memoryFile {
	return &memoryFile{buffer: &bytes.Buffer{}}
}

func (m *memoryFile) Create(string) (source.ParquetFile, error) { return m, nil }
func (m *memoryFile) Open(string) (source.ParquetFile, error)   { return m, nil }
func (m *memoryFile) Seek(int64, int) (int64, error)            { return int64(m.buffer.Len()), nil }
func (m *memoryFile) Read(b []byte) (int, error)                { return m.buffer.Read(b) }
func (m *memoryFile) Write(b []byte) (int, error)               { return m.buffer.Write(b) }
func (m *memoryFile) Close() error                              { return nil }

// Writer journals trade, fill and order events.
type Writer struct {
	cfg      config.JournalConfig
	flow     *flow.Manager
	s3Client *s3.Client

	mu      sync.Mutex
	buffer  []Record
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	log     *logger.Log
}

// NewWriter builds the journal writer and its S3 client.
func NewWriter(cfg config.JournalConfig, fm *flow.Manager) (*Writer, error) {
	log := logger.GetLogger()

	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" && cfg.SecretKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS configuration: %w", err)
	}

	return &Writer{
		cfg:      cfg,
		flow:     fm,
		s3Client: s3.NewFromConfig(awsCfg),
		log:      log,
	}, nil
}

func (w *Writer) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("journal writer already running")
	}
	w.running = true
	ctx, w.cancel = context.WithCancel(ctx)
	w.mu.Unlock()

	log := w.log.WithComponent("journal").WithFields(logger.Fields{"bucket": w.cfg.Bucket})

	sub := w.flow.Subscribe("journal", flow.Filter{
		Types: []model.EventType{model.EventTrade, model.EventFill, model.EventOrderUpdate},
	})

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer w.flow.Unsubscribe(sub)
		for {
			ev, err := sub.Next(ctx)
			if err != nil {
				return
			}
			record, ok := toRecord(ev)
			if !ok {
				continue
			}
			w.mu.Lock()
			w.buffer = append(w.buffer, record)
			full := w.cfg.MaxBatch > 0 && len(w.buffer) >= w.cfg.MaxBatch
			w.mu.Unlock()
			if full {
				w.flush("batch_full")
			}
		}
	}()

	interval := w.cfg.FlushInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				w.flush("shutdown")
				return
			case <-ticker.C:
				w.flush("interval")
			}
		}
	}()

	log.Info("journal writer started")
	return nil
}

func (w *Writer) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	cancel := w.cancel
	w.mu.Unlock()

	cancel()
	w.wg.Wait()
	w.log.WithComponent("journal").Info("journal writer stopped")
}

func (w *Writer) flush(reason string) {
	w.mu.Lock()
	records := w.buffer
	w.buffer = nil
	w.mu.Unlock()

	if len(records) == 0 {
		return
	}

	batchID := uuid.New().String()
	log := w.log.WithComponent("journal").WithFields(logger.Fields{
		"batch_id": batchID,
		"records":  len(records),
		"reason":   reason,
	})

	data, err := Encode(records)
	if err != nil {
		log.WithError(err).Error("parquet encoding failed, batch dropped")
		return
	}

	key := w.objectKey(batchID, time.Now().UTC())
	// shutdown flushes must still complete the upload
	ctx, cancelUpload := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelUpload()
	_, err = w.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(w.cfg.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
	})
	if err != nil {
		log.WithError(err).WithFields(logger.Fields{"key": key}).Error("upload failed, batch dropped")
		return
	}

	logger.IncrementJournalWrite(int64(len(data)))
	log.WithFields(logger.Fields{"key": key, "bytes": len(data)}).Info("batch uploaded")
}

func (w *Writer) objectKey(batchID string, ts time.Time) string {
	prefix := w.cfg.Prefix
	if prefix == "" {
		prefix = "events"
	}
	return fmt.Sprintf("%s/date=%s/hour=%02d/events_%s_%s.parquet",
		prefix, ts.Format("2006-01-02"), ts.Hour(), ts.Format("20060102150405"), batchID)
}

// Encode serializes records into an in-memory snappy parquet file.
func Encode(records []Record) ([]byte, error) {
	fw := newMemoryFile()
	pw, err := writer.NewParquetWriter(fw, new(Record), 2)
	if err != nil {
		return nil, fmt.Errorf("create parquet writer: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, record := range records {
		if err := pw.Write(record); err != nil {
			pw.WriteStop()
			return nil, fmt.Errorf("write parquet record: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		return nil, fmt.Errorf("finalize parquet file: %w", err)
	}
	return fw.buffer.Bytes(), nil
}

// toRecord flattens one event into a row. Events without a journaled
// payload are skipped.
func toRecord(ev model.Event) (Record, bool) {
	record := Record{
		Seq:       int64(ev.Seq),
		EventType: string(ev.Type),
		Exchange:  string(ev.Exchange),
		Symbol:    ev.Symbol,
		Timestamp: ev.Timestamp.UnixMilli(),
	}
	switch {
	case ev.Trade != nil:
		record.Side = string(ev.Trade.Side)
		record.Price = ev.Trade.Price
		record.Quantity = ev.Trade.Quantity
		record.TradeID = ev.Trade.TradeID
	case ev.Fill != nil:
		record.Side = string(ev.Fill.Side)
		record.Price = ev.Fill.Price
		record.Quantity = ev.Fill.Quantity
		record.OrderID = ev.Fill.ClientOrderID
		record.TradeID = ev.Fill.TradeID
	case ev.Order != nil:
		record.Quantity = ev.Order.FilledQuantity
		record.OrderID = ev.Order.ClientOrderID
		record.Status = string(ev.Order.Status)
	default:
		return Record{}, false
	}
	return record, true
}
