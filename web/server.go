// ABOUTME: JSON HTTP API over the broadcast services
// ABOUTME: Paged listing, contact creation, import submission and status polling, campaign dispatch
package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/harperreed/broadcast/config"
	"github.com/harperreed/broadcast/crm"
	"github.com/harperreed/broadcast/db"
	"github.com/harperreed/broadcast/fanout"
	"github.com/harperreed/broadcast/importer"
	"github.com/harperreed/broadcast/index"
	"github.com/harperreed/broadcast/models"
	"go.uber.org/zap"
)

// maxBodyBytes caps request bodies; imports carry whole files.
const maxBodyBytes = 32 << 20

type Server struct {
	app    *config.App
	logger *zap.Logger
	mux    *http.ServeMux
}

func NewServer(app *config.App) *Server {
	s := &Server{app: app, logger: app.Logger.Named("http"), mux: http.NewServeMux()}

	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.HandleFunc("GET /v1/orgs/{org}/contacts", s.handleList(models.KindContact))
	s.mux.HandleFunc("GET /v1/orgs/{org}/members", s.handleList(models.KindMember))
	s.mux.HandleFunc("POST /v1/orgs/{org}/contacts", s.handleCreate(models.KindContact))
	s.mux.HandleFunc("POST /v1/orgs/{org}/members", s.handleCreate(models.KindMember))
	s.mux.HandleFunc("GET /v1/orgs/{org}/contacts/{id}", s.handleGet(models.KindContact))
	s.mux.HandleFunc("GET /v1/orgs/{org}/members/{id}", s.handleGet(models.KindMember))
	s.mux.HandleFunc("POST /v1/orgs/{org}/imports", s.handleImport)
	s.mux.HandleFunc("GET /v1/orgs/{org}/imports/{upload}", s.handleImportStatus)
	s.mux.HandleFunc("POST /v1/orgs/{org}/campaigns/{id}/dispatch", s.handleDispatch)
	return s
}

func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shut down http server: %w", err)
		}
		return nil
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func queryInt(r *http.Request, name string) int {
	n, err := strconv.Atoi(r.URL.Query().Get(name))
	if err != nil {
		return 0
	}
	return n
}

func (s *Server) handleList(kind string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := s.app.Pager.GetPage(r.Context(), index.PageRequest{
			OrgID:    r.PathValue("org"),
			Kind:     kind,
			Page:     queryInt(r, "page"),
			PageSize: queryInt(r, "pageSize"),
			Search:   r.URL.Query().Get("q"),
		})
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		s.writeJSON(w, http.StatusOK, res)
	}
}

type createRecordRequest struct {
	FirstName string                          `json:"firstName"`
	LastName  string                          `json:"lastName"`
	Email     string                          `json:"email"`
	Phone     string                          `json:"phone"`
	Company   string                          `json:"company"`
	Role      string                          `json:"role"`
	Metadata  map[string]models.MetadataField `json:"metadata"`
}

func (s *Server) handleCreate(kind string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createRecordRequest
		if err := s.decode(w, r, &req); err != nil {
			s.writeError(w, r, err)
			return
		}
		in := crm.RecordInput{
			FirstName: req.FirstName,
			LastName:  req.LastName,
			Email:     req.Email,
			Phone:     req.Phone,
			Company:   req.Company,
			Role:      req.Role,
			Metadata:  req.Metadata,
		}

		var rec *models.Record
		var err error
		if kind == models.KindMember {
			rec, err = s.app.CRM.CreateMember(r.Context(), r.PathValue("org"), in)
		} else {
			rec, err = s.app.CRM.CreateContact(r.Context(), r.PathValue("org"), in)
		}
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		s.writeJSON(w, http.StatusCreated, rec)
	}
}

func (s *Server) handleGet(kind string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec, err := s.app.CRM.Get(r.Context(), r.PathValue("org"), kind, r.PathValue("id"))
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		s.writeJSON(w, http.StatusOK, rec)
	}
}

// importRequest carries either raw rows keyed by column name plus an optional
// mapping (guessed from the columns when absent, or read from a YAML template),
// or rows already mapped to fields.
type importRequest struct {
	ListID     string              `json:"listId"`
	Rows       []map[string]string `json:"rows"`
	Mapping    map[string]string   `json:"mapping"`
	Template   string              `json:"template"`
	Mapped     []importer.Row      `json:"mappedRows"`
	Reactivate bool                `json:"reactivate"`
}

func (req *importRequest) toRows() ([]importer.Row, error) {
	if len(req.Mapped) > 0 {
		return req.Mapped, nil
	}
	mapping := importer.FieldMapping(req.Mapping)
	if req.Template != "" {
		tpl, err := importer.ParseTemplate([]byte(req.Template))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errBadRequest, err)
		}
		mapping = tpl.Columns
	}
	if len(mapping) == 0 {
		seen := map[string]bool{}
		var headers []string
		for _, row := range req.Rows {
			for col := range row {
				if !seen[col] {
					seen[col] = true
					headers = append(headers, col)
				}
			}
		}
		mapping = importer.AutoMapping(headers)
	}
	return importer.ApplyMapping(req.Rows, mapping), nil
}

func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	var req importRequest
	if err := s.decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.ListID == "" {
		s.writeError(w, r, fmt.Errorf("%w: listId is required", errBadRequest))
		return
	}
	if len(req.Rows) == 0 && len(req.Mapped) == 0 {
		s.writeError(w, r, fmt.Errorf("%w: rows are required", errBadRequest))
		return
	}
	rows, err := req.toRows()
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	uploadID, err := s.app.Pipeline.Start(r.Context(), importer.ImportRequest{
		OrgID:      r.PathValue("org"),
		ListID:     req.ListID,
		Rows:       rows,
		Reactivate: req.Reactivate,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"uploadId": uploadID})
}

func (s *Server) handleImportStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.app.Statuses.Get(r.Context(), r.PathValue("org"), r.PathValue("upload"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	res, err := s.app.Dispatcher.Dispatch(r.Context(), r.PathValue("org"), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

var errBadRequest = errors.New("bad request")

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, db.ErrRecordNotFound),
		errors.Is(err, db.ErrListNotFound),
		errors.Is(err, db.ErrCampaignNotFound),
		errors.Is(err, db.ErrImportNotFound):
		return http.StatusNotFound
	case errors.Is(err, db.ErrInvalidRecord), errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, fanout.ErrCampaignSent):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err))
	}
	s.writeJSON(w, code, map[string]string{"error": err.Error()})
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("failed to encode response", zap.Error(err))
	}
}
