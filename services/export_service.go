// services/export_service.go
package services

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"referral-reward-system/models"
	"referral-reward-system/utils"

	"github.com/go-co-op/gocron/v2"
	"gorm.io/gorm"
)

// ExportService ships the conversion ledger to R2 on a schedule so finance
// tooling can consume it without touching the live database.
type ExportService struct {
	DB         *gorm.DB
	lastExport time.Time
}

func NewExportService(db *gorm.DB) *ExportService {
	return &ExportService{
		DB:         db,
		lastExport: time.Now().UTC().Add(-24 * time.Hour),
	}
}

// StartExportScheduler runs the export on an interval (EXPORT_INTERVAL_HOURS,
// default 24). The watermark only advances on a successful upload, so a failed
// tick re-exports the same window next time.
func (s *ExportService) StartExportScheduler() {
	interval := 24 * time.Hour
	if v := os.Getenv("EXPORT_INTERVAL_HOURS"); v != "" {
		if hours, err := strconv.Atoi(v); err == nil && hours > 0 {
			interval = time.Duration(hours) * time.Hour
		}
	}

	sched, err := gocron.NewScheduler()
	if err != nil {
		log.Printf("❌ Failed to create export scheduler: %v", err)
		return
	}
	sched.Start()

	if _, err := sched.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(s.runExport),
	); err != nil {
		log.Printf("❌ Failed to schedule conversion export: %v", err)
	}
}

// runExport is one scheduler tick. The watermark moves to the last exported
// row's converted_at, not the wall clock — a row committed while the upload was
// in flight is still above the watermark and gets picked up next tick.
func (s *ExportService) runExport() {
	url, last, count, err := s.ExportSince(s.lastExport)
	if err != nil {
		log.Printf("❌ Conversion export failed: %v", err)
		return
	}
	if count > 0 {
		s.lastExport = last
		log.Printf("✅ Exported %d conversion(s) to %s", count, url)
	}
}

// ExportSince serializes conversions after the watermark as CSV and uploads
// them. Returns the object URL, the converted_at of the last exported row, and
// the row count.
func (s *ExportService) ExportSince(since time.Time) (string, time.Time, int, error) {
	conversions, err := s.conversionsSince(since)
	if err != nil {
		return "", time.Time{}, 0, err
	}
	if len(conversions) == 0 {
		return "", time.Time{}, 0, nil
	}

	data, err := marshalConversionsCSV(conversions)
	if err != nil {
		return "", time.Time{}, 0, err
	}

	key := fmt.Sprintf("exports/conversions-%s.csv", time.Now().UTC().Format("2006-01-02T15-04-05"))
	url, err := utils.UploadBytesToR2(data, key, "text/csv")
	if err != nil {
		return "", time.Time{}, 0, err
	}
	return url, conversions[len(conversions)-1].ConvertedAt, len(conversions), nil
}

func (s *ExportService) conversionsSince(since time.Time) ([]models.Conversion, error) {
	var conversions []models.Conversion
	if err := s.DB.Where("converted_at > ?", since).
		Order("converted_at ASC").
		Find(&conversions).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch conversions: %w", err)
	}
	return conversions, nil
}

func marshalConversionsCSV(conversions []models.Conversion) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	header := []string{"id", "referral_code", "referrer_device_id", "purchaser_device_id", "converted_at", "discount_percentage"}
	if err := w.Write(header); err != nil {
		return nil, err
	}
	for _, conv := range conversions {
		row := []string{
			conv.ID,
			conv.ReferralCode,
			conv.ReferrerDeviceID,
			conv.PurchaserDeviceID,
			conv.ConvertedAt.UTC().Format(time.RFC3339),
			strconv.FormatFloat(conv.DiscountPercentage, 'f', -1, 64),
		}
		if err := w.Write(row); err != nil {
			return nil, err
		}
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}
