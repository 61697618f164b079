package http

import (
	"net/http"
	"net/url"
	"sync/atomic"

	"carbook/internal/blob"
	"carbook/internal/core"
	applog "carbook/internal/log"
	"carbook/internal/services"
)

type recordPage struct {
	page
	Record   core.Record
	Vehicle  core.Vehicle
	Receipts []blob.ReceiptURL
}

type recordEditPage struct {
	page
	Record     core.Record
	Form       RecordForm
	Categories []categoryOption
	MaxUploads int
}

func recordFields(userID, recordID string) applog.LogFields {
	f := applog.NewFields().WithUser(userID)
	f[applog.FieldRecordID] = recordID
	return f
}

// saveOutcome reports whether Save stored the record but lost some receipts.
func saveOutcome(saved core.Record, err error) (partial bool) {
	return err != nil && saved.ID != ""
}

func (s *Server) handleCreateRecord(w http.ResponseWriter, r *http.Request, user core.User) {
	vehicleID := r.PathValue("id")
	fields := applog.NewFields().WithUser(user.ID).WithOperation(applog.OpCreate)
	fields[applog.FieldVehicleID] = vehicleID

	form, uploads, closeUploads, err := parseRecordRequest(r)
	defer closeUploads()
	if err == nil {
		var rec core.Record
		rec, err = form.Record(vehicleID, s.today())
		if err == nil {
			var saved core.Record
			saved, err = s.records.Save(r.Context(), user.ID, rec, uploads)
			if err == nil || saveOutcome(saved, err) {
				s.recordSaved(w, r, saved, err)
				return
			}
		}
	}

	status := s.logError(r, "Failed to save record", err, fields)
	switch {
	case isHTMX(r):
		ErrorResponse(status, userMessage(err)).TriggerErrorNotification(userMessage(err)).Write(w)
	case status >= 500 || status == http.StatusNotFound:
		s.renderError(w, r, status, userMessage(err))
	default:
		s.renderVehicle(w, r, user, status, form, userMessage(err))
	}
}

// recordSaved answers a successful (or partially successful) create.
func (s *Server) recordSaved(w http.ResponseWriter, r *http.Request, saved core.Record, uploadErr error) {
	atomic.AddInt64(&s.appMetrics.recordsSaved, 1)
	month := saved.Date.YearMonth()

	if uploadErr != nil {
		atomic.AddInt64(&s.appMetrics.uploadFailures, 1)
		s.logError(r, "Record saved without all receipts", uploadErr,
			applog.NewFields().WithRecord(saved).WithOperation(applog.OpUpload))
		msg := "Record saved, but some receipts failed to upload."
		if isHTMX(r) {
			NewHTMXResponse().
				TriggerRecordSaved(saved.VehicleID, month).
				TriggerNotification(NotificationWarning, msg, 6000).
				BodyHTML(`<div class="warning">` + msg + ` <a href="/records/` + url.PathEscape(saved.ID) + `">Open record</a></div>`).
				Write(w)
			return
		}
		http.Redirect(w, r, "/records/"+url.PathEscape(saved.ID)+"?upload_error=1", http.StatusSeeOther)
		return
	}

	if isHTMX(r) {
		NewHTMXResponse().
			TriggerRecordSaved(saved.VehicleID, month).
			TriggerFormReset().
			TriggerSuccessNotification("Record saved").
			BodyHTML(`<div class="success">Saved ` + core.FormatUSD(saved.Cost) + ` on ` + saved.Date.String() + `</div>`).
			Write(w)
		return
	}
	http.Redirect(w, r, "/vehicles/"+url.PathEscape(saved.VehicleID)+"?saved=1&month="+month, http.StatusSeeOther)
}

func (s *Server) handleRecordsPartial(w http.ResponseWriter, r *http.Request, user core.User) {
	id := r.PathValue("id")
	if _, err := s.vehicles.Get(r.Context(), user.ID, id); err != nil {
		status := s.logError(r, "Failed to load vehicle", err, applog.NewFields().WithUser(user.ID))
		ErrorResponse(status, userMessage(err)).Write(w)
		return
	}
	panel, err := s.buildPanel(r, user, id, ParseMonthParam(r.URL.Query(), s.today()))
	if err != nil {
		status := s.logError(r, "Failed to load records", err, applog.NewFields().WithUser(user.ID))
		ErrorResponse(status, userMessage(err)).Write(w)
		return
	}
	s.render(w, r, http.StatusOK, "records_panel.html", panel)
}

func (s *Server) handleRecord(w http.ResponseWriter, r *http.Request, user core.User) {
	id := r.PathValue("id")
	rec, err := s.records.Get(r.Context(), user.ID, id)
	if err != nil {
		status := s.logError(r, "Failed to load record", err, recordFields(user.ID, id))
		s.renderError(w, r, status, userMessage(err))
		return
	}
	v, err := s.vehicles.Get(r.Context(), user.ID, rec.VehicleID)
	if err != nil {
		status := s.logError(r, "Failed to load vehicle", err, recordFields(user.ID, id))
		s.renderError(w, r, status, userMessage(err))
		return
	}
	receipts, err := s.receipts.Resolve(r.Context(), user.ID, id)
	if err != nil {
		status := s.logError(r, "Failed to resolve receipts", err, recordFields(user.ID, id))
		s.renderError(w, r, status, userMessage(err))
		return
	}

	rp := recordPage{page: newPage(r, rec.Category.Label()+" "+rec.Date.String()), Record: rec, Vehicle: v, Receipts: receipts}
	if r.URL.Query().Get("upload_error") == "1" {
		rp.Error = "Some receipts failed to upload. You can add them again from the edit page."
	}
	s.render(w, r, http.StatusOK, "record.html", rp)
}

func (s *Server) handleEditRecord(w http.ResponseWriter, r *http.Request, user core.User) {
	id := r.PathValue("id")
	rec, err := s.records.Get(r.Context(), user.ID, id)
	if err != nil {
		status := s.logError(r, "Failed to load record", err, recordFields(user.ID, id))
		s.renderError(w, r, status, userMessage(err))
		return
	}
	s.renderEdit(w, r, http.StatusOK, rec, RecordFormFrom(rec), "")
}

func (s *Server) renderEdit(w http.ResponseWriter, r *http.Request, status int, rec core.Record, form RecordForm, errMsg string) {
	ep := recordEditPage{
		page:       newPage(r, "Edit record"),
		Record:     rec,
		Form:       form,
		Categories: categoryOptions(form.Category),
		MaxUploads: services.MaxUploads,
	}
	ep.Error = errMsg
	s.render(w, r, status, "record_edit.html", ep)
}

func (s *Server) handleUpdateRecord(w http.ResponseWriter, r *http.Request, user core.User) {
	id := r.PathValue("id")
	fields := recordFields(user.ID, id).WithOperation(applog.OpUpdate)

	existing, err := s.records.Get(r.Context(), user.ID, id)
	if err != nil {
		status := s.logError(r, "Failed to load record", err, fields)
		s.renderError(w, r, status, userMessage(err))
		return
	}

	form, uploads, closeUploads, err := parseRecordRequest(r)
	defer closeUploads()
	if err == nil {
		var rec core.Record
		rec, err = form.Record(existing.VehicleID, s.today())
		if err == nil {
			rec.ID = existing.ID
			var saved core.Record
			saved, err = s.records.Save(r.Context(), user.ID, rec, uploads)
			if err == nil || saveOutcome(saved, err) {
				s.recordUpdated(w, r, saved, err)
				return
			}
		}
	}

	status := s.logError(r, "Failed to update record", err, fields)
	if status >= 500 || status == http.StatusNotFound || isHTMX(r) {
		s.renderError(w, r, status, userMessage(err))
		return
	}
	s.renderEdit(w, r, status, existing, form, userMessage(err))
}

func (s *Server) recordUpdated(w http.ResponseWriter, r *http.Request, saved core.Record, uploadErr error) {
	atomic.AddInt64(&s.appMetrics.recordsSaved, 1)
	if uploadErr != nil {
		atomic.AddInt64(&s.appMetrics.uploadFailures, 1)
		s.logError(r, "Record updated without all receipts", uploadErr,
			applog.NewFields().WithRecord(saved).WithOperation(applog.OpUpload))
		redirect(w, r, "/records/"+url.PathEscape(saved.ID)+"?upload_error=1")
		return
	}
	redirect(w, r, "/vehicles/"+url.PathEscape(saved.VehicleID)+"?saved=1&month="+saved.Date.YearMonth())
}

func (s *Server) handleDeleteRecord(w http.ResponseWriter, r *http.Request, user core.User) {
	id := r.PathValue("id")
	fields := recordFields(user.ID, id).WithOperation(applog.OpDelete)

	rec, err := s.records.Get(r.Context(), user.ID, id)
	if err == nil {
		err = s.records.Delete(r.Context(), user.ID, id)
	}
	if err != nil {
		status := s.logError(r, "Failed to delete record", err, fields)
		s.renderError(w, r, status, userMessage(err))
		return
	}
	atomic.AddInt64(&s.appMetrics.recordsDeleted, 1)

	if isHTMX(r) {
		NewHTMXResponse().
			TriggerRecordDeleted(rec.VehicleID, rec.ID).
			TriggerSuccessNotification("Record deleted").
			Write(w)
		return
	}
	http.Redirect(w, r, "/vehicles/"+url.PathEscape(rec.VehicleID)+"?month="+rec.Date.YearMonth(), http.StatusSeeOther)
}
