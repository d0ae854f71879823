package dispatch

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/xuri/excelize/v2"
)

const (
	exportPageSize         = 500
	sheetEmergencies       = "Emergencies"
	sheetNotifications     = "Notifications"
	exportTimeLayout       = "2006-01-02 15:04:05"
	exportMaxEmergencyRows = 100000
)

var emergencyHeaders = []string{
	"ID", "Created At", "Level", "Status", "Phone", "Name", "Latitude", "Longitude",
	"Assigned Hospital", "Acknowledged At", "Ambulance", "Driver", "Driver Phone",
	"Resolved At", "Admin Notes",
}

var notificationHeaders = []string{
	"Emergency ID", "Hospital ID", "Distance (km)", "Notified At", "Viewed At", "Responded At", "Response",
}

// ExportXLSX renders the emergencies matching f, with their notification
// rows, as an Excel workbook for audit.
func (s *Service) ExportXLSX(ctx context.Context, f ListFilter) ([]byte, error) {
	var all []*Emergency
	for offset := 0; offset < exportMaxEmergencyRows; offset += exportPageSize {
		page, total, err := s.ListEmergencies(ctx, f, exportPageSize, offset)
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		if len(page) < exportPageSize || offset+len(page) >= total {
			break
		}
	}

	notifications := make(map[*Emergency][]*EmergencyNotification, len(all))
	for _, e := range all {
		ns, err := s.notifications.ListByEmergency(ctx, e.ID)
		if err != nil {
			return nil, storeErr("list notifications", err)
		}
		notifications[e] = ns
	}

	wb := excelize.NewFile()
	defer wb.Close()

	headerStyle, err := wb.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#FDE9E7"}, Pattern: 1},
	})
	if err != nil {
		return nil, fmt.Errorf("create header style: %w", err)
	}

	idx, err := wb.NewSheet(sheetEmergencies)
	if err != nil {
		return nil, fmt.Errorf("create sheet: %w", err)
	}
	if _, err := wb.NewSheet(sheetNotifications); err != nil {
		return nil, fmt.Errorf("create sheet: %w", err)
	}
	wb.DeleteSheet("Sheet1")
	wb.SetActiveSheet(idx)

	if err := writeHeader(wb, sheetEmergencies, emergencyHeaders, headerStyle); err != nil {
		return nil, err
	}
	if err := writeHeader(wb, sheetNotifications, notificationHeaders, headerStyle); err != nil {
		return nil, err
	}

	nrow := 2
	for i, e := range all {
		row := []interface{}{
			e.ID.String(), formatTime(&e.CreatedAt), e.EmergencyLevel, string(e.Status), e.PhoneNumber,
			deref(e.Name), e.Latitude, e.Longitude, deref(e.AssignedHospitalName), formatTime(e.AcknowledgedAt),
			deref(e.AssignedAmbulanceNumber), deref(e.DriverName), deref(e.DriverPhone),
			formatTime(e.ResolvedAt), deref(e.AdminNotes),
		}
		if err := setRow(wb, sheetEmergencies, i+2, row); err != nil {
			return nil, err
		}
		for _, n := range notifications[e] {
			response := ""
			if n.ResponseType != nil {
				response = string(*n.ResponseType)
			}
			row := []interface{}{
				n.EmergencyID.String(), n.HospitalID.String(), n.DistanceKm, formatTime(&n.NotifiedAt),
				formatTime(n.ViewedAt), formatTime(n.RespondedAt), response,
			}
			if err := setRow(wb, sheetNotifications, nrow, row); err != nil {
				return nil, err
			}
			nrow++
		}
	}

	for _, sheet := range []string{sheetEmergencies, sheetNotifications} {
		if err := wb.SetPanes(sheet, &excelize.Panes{
			Freeze:      true,
			YSplit:      1,
			TopLeftCell: "A2",
			ActivePane:  "bottomLeft",
		}); err != nil {
			return nil, fmt.Errorf("freeze header: %w", err)
		}
	}

	var buf bytes.Buffer
	if _, err := wb.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("write workbook: %w", err)
	}
	s.logger.Info().Int("emergencies", len(all)).Int("notifications", nrow-2).Msg("audit export generated")
	return buf.Bytes(), nil
}

func writeHeader(wb *excelize.File, sheet string, headers []string, style int) error {
	row := make([]interface{}, len(headers))
	for i, h := range headers {
		row[i] = h
	}
	if err := setRow(wb, sheet, 1, row); err != nil {
		return err
	}
	last, err := excelize.CoordinatesToCellName(len(headers), 1)
	if err != nil {
		return err
	}
	if err := wb.SetCellStyle(sheet, "A1", last, style); err != nil {
		return fmt.Errorf("style header: %w", err)
	}
	lastCol, _ := excelize.ColumnNumberToName(len(headers))
	return wb.SetColWidth(sheet, "A", lastCol, 20)
}

func setRow(wb *excelize.File, sheet string, row int, values []interface{}) error {
	cell, err := excelize.CoordinatesToCellName(1, row)
	if err != nil {
		return err
	}
	if err := wb.SetSheetRow(sheet, cell, &values); err != nil {
		return fmt.Errorf("write %s row %d: %w", sheet, row, err)
	}
	return nil
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(exportTimeLayout)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
