package http

import (
	"net/http"
	"time"

	"carbook/internal/core"
	applog "carbook/internal/log"
	"carbook/internal/services"
)

type vehiclesPage struct {
	page
	Vehicles []core.Vehicle
	Name     string
}

type categoryOption struct {
	Value    string
	Label    string
	Selected bool
}

type vehiclePage struct {
	page
	Vehicle    core.Vehicle
	Vehicles   []core.Vehicle
	Form       RecordForm
	Categories []categoryOption
	Panel      recordsPanel
	MaxUploads int
}

// recordsPanel is the month total plus the recent records of one vehicle. It
// is rendered inside the vehicle page and refreshed on its own by htmx.
type recordsPanel struct {
	VehicleID  string
	Month      string
	MonthLabel string
	Total      string
	MonthCount int
	Rows       []recordRow
	PrevMonth  string
	NextMonth  string
}

type recordRow struct {
	ID       string
	Date     string
	Category string
	Odometer string
	Cost     string
	Vendor   string
	Receipts int
	InMonth  bool
}

func categoryOptions(selected string) []categoryOption {
	cats := core.Categories()
	out := make([]categoryOption, 0, len(cats))
	for _, c := range cats {
		out = append(out, categoryOption{Value: string(c), Label: c.Label(), Selected: string(c) == selected})
	}
	return out
}

// shiftMonth moves ym by delta months.
func shiftMonth(ym string, delta int) string {
	y, m, err := core.ParseYearMonth(ym)
	if err != nil {
		return ym
	}
	return time.Date(y, time.Month(m)+time.Month(delta), 1, 0, 0, 0, 0, time.UTC).Format("2006-01")
}

func monthLabel(ym string) string {
	y, m, err := core.ParseYearMonth(ym)
	if err != nil {
		return ym
	}
	return time.Date(y, time.Month(m), 1, 0, 0, 0, 0, time.UTC).Format("January 2006")
}

// buildPanel loads the recent records once and derives the month total from
// them.
func (s *Server) buildPanel(r *http.Request, user core.User, vehicleID, month string) (recordsPanel, error) {
	recs, err := s.records.Recent(r.Context(), user.ID, vehicleID)
	if err != nil {
		return recordsPanel{}, err
	}
	p := recordsPanel{
		VehicleID:  vehicleID,
		Month:      month,
		MonthLabel: monthLabel(month),
		Total:      core.FormatUSD(core.MonthTotal(recs, month)),
		PrevMonth:  shiftMonth(month, -1),
		NextMonth:  shiftMonth(month, 1),
		Rows:       make([]recordRow, 0, len(recs)),
	}
	for _, rec := range recs {
		inMonth := rec.Date.YearMonth() == month
		if inMonth {
			p.MonthCount++
		}
		p.Rows = append(p.Rows, recordRow{
			ID:       rec.ID,
			Date:     rec.Date.String(),
			Category: rec.Category.Label(),
			Odometer: core.FormatOdometer(rec.Odometer),
			Cost:     core.FormatUSD(rec.Cost),
			Vendor:   rec.Vendor,
			Receipts: len(rec.ReceiptPaths),
			InMonth:  inMonth,
		})
	}
	return p, nil
}

func (s *Server) handleVehicles(w http.ResponseWriter, r *http.Request, user core.User) {
	s.renderVehicles(w, r, user, http.StatusOK, "", "")
}

func (s *Server) renderVehicles(w http.ResponseWriter, r *http.Request, user core.User, status int, name, errMsg string) {
	vehicles, err := s.vehicles.List(r.Context(), user.ID)
	if err != nil {
		st := s.logError(r, "Failed to list vehicles", err, applog.NewFields().WithUser(user.ID).WithOperation(applog.OpList))
		s.renderError(w, r, st, userMessage(err))
		return
	}
	vp := vehiclesPage{page: newPage(r, "Vehicles"), Vehicles: vehicles, Name: name}
	vp.Error = errMsg
	s.render(w, r, status, "vehicles.html", vp)
}

func (s *Server) handleCreateVehicle(w http.ResponseWriter, r *http.Request, user core.User) {
	if err := r.ParseForm(); err != nil {
		s.renderError(w, r, http.StatusBadRequest, "Invalid form")
		return
	}
	name := sanitizeInput(r.PostForm.Get("name"))
	v, err := s.vehicles.Add(r.Context(), user.ID, name)
	if err != nil {
		status := s.logError(r, "Failed to add vehicle", err, applog.NewFields().WithUser(user.ID).WithOperation(applog.OpCreate))
		if status >= 500 || isHTMX(r) {
			s.renderError(w, r, status, userMessage(err))
			return
		}
		s.renderVehicles(w, r, user, status, name, userMessage(err))
		return
	}
	redirect(w, r, "/vehicles/"+v.ID)
}

func (s *Server) handleVehicle(w http.ResponseWriter, r *http.Request, user core.User) {
	s.renderVehicle(w, r, user, http.StatusOK, NewRecordForm(s.today()), "")
}

// renderVehicle shows the record form and the records panel of a vehicle.
func (s *Server) renderVehicle(w http.ResponseWriter, r *http.Request, user core.User, status int, form RecordForm, errMsg string) {
	id := r.PathValue("id")
	fields := applog.NewFields().WithUser(user.ID)
	fields[applog.FieldVehicleID] = id

	v, err := s.vehicles.Get(r.Context(), user.ID, id)
	if err != nil {
		st := s.logError(r, "Failed to load vehicle", err, fields)
		s.renderError(w, r, st, userMessage(err))
		return
	}
	vehicles, err := s.vehicles.List(r.Context(), user.ID)
	if err != nil {
		st := s.logError(r, "Failed to list vehicles", err, fields)
		s.renderError(w, r, st, userMessage(err))
		return
	}
	panel, err := s.buildPanel(r, user, v.ID, ParseMonthParam(r.URL.Query(), s.today()))
	if err != nil {
		st := s.logError(r, "Failed to load records", err, fields)
		s.renderError(w, r, st, userMessage(err))
		return
	}

	vp := vehiclePage{
		page:       newPage(r, v.Name),
		Vehicle:    v,
		Vehicles:   vehicles,
		Form:       form,
		Categories: categoryOptions(form.Category),
		Panel:      panel,
		MaxUploads: services.MaxUploads,
	}
	vp.Error = errMsg
	if r.URL.Query().Get("saved") == "1" {
		vp.Notice = "Record saved."
	}
	s.render(w, r, status, "vehicle.html", vp)
}

func (s *Server) handleRenameVehicle(w http.ResponseWriter, r *http.Request, user core.User) {
	if err := r.ParseForm(); err != nil {
		s.renderError(w, r, http.StatusBadRequest, "Invalid form")
		return
	}
	id := r.PathValue("id")
	if err := s.vehicles.Rename(r.Context(), user.ID, id, sanitizeInput(r.PostForm.Get("name"))); err != nil {
		fields := applog.NewFields().WithUser(user.ID).WithOperation(applog.OpUpdate)
		fields[applog.FieldVehicleID] = id
		status := s.logError(r, "Failed to rename vehicle", err, fields)
		s.renderError(w, r, status, userMessage(err))
		return
	}
	redirect(w, r, "/vehicles")
}

func (s *Server) handleDeleteVehicle(w http.ResponseWriter, r *http.Request, user core.User) {
	id := r.PathValue("id")
	if err := s.vehicles.Delete(r.Context(), user.ID, id); err != nil {
		fields := applog.NewFields().WithUser(user.ID).WithOperation(applog.OpDelete)
		fields[applog.FieldVehicleID] = id
		status := s.logError(r, "Failed to delete vehicle", err, fields)
		s.renderError(w, r, status, userMessage(err))
		return
	}
	redirect(w, r, "/vehicles")
}
